//go:build linux || darwin

package process

import (
	"fmt"
	"os"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"
)

// openPTY opens one pseudo-terminal pair per output stream. Programs
// writing to a terminal flush every line.
func openPTY() (masters, slaves []*os.File, err error) {
	for range 2 {
		m, s, err := pty.Open()
		if err != nil {
			closeFiles(masters)
			closeFiles(slaves)
			return nil, nil, fmt.Errorf("opening pseudo-terminal: %w", err)
		}
		masters = append(masters, m)
		slaves = append(slaves, s)
		if err := rawOutput(s); err != nil {
			closeFiles(masters)
			closeFiles(slaves)
			return nil, nil, fmt.Errorf("configuring pseudo-terminal: %w", err)
		}
	}
	return masters, slaves, nil
}

// rawOutput stops the terminal from translating \n into \r\n.
func rawOutput(tty *os.File) error {
	fd := int(tty.Fd())
	t, err := unix.IoctlGetTermios(fd, ioctlGetTermios)
	if err != nil {
		return err
	}
	t.Oflag &^= unix.ONLCR
	return unix.IoctlSetTermios(fd, ioctlSetTermios, t)
}
