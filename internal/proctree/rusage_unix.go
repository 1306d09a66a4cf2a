//go:build unix

package proctree

import (
	"golang.org/x/sys/unix"
)

// SelfRusage reports user time, system time (seconds) and the peak resident
// set size (bytes) of the supervising process.
func SelfRusage() (user, sys float64, maxRSS uint64, err error) {
	var ru unix.Rusage
	if err = unix.Getrusage(unix.RUSAGE_SELF, &ru); err != nil {
		return 0, 0, 0, err
	}
	user = float64(ru.Utime.Sec) + float64(ru.Utime.Usec)/1e6
	sys = float64(ru.Stime.Sec) + float64(ru.Stime.Usec)/1e6
	return user, sys, uint64(ru.Maxrss) * maxRSSUnit, nil
}
