//go:build unix

package process

import (
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

func signalOf(state *os.ProcessState) (int, bool) {
	ws, ok := state.Sys().(syscall.WaitStatus)
	if !ok || !ws.Signaled() {
		return 0, false
	}
	return int(ws.Signal()), true
}

// closeOnExec keeps fd from leaking into processes started by a function.
func closeOnExec(fd uintptr) {
	unix.CloseOnExec(int(fd))
}
