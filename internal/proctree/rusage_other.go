//go:build !unix

package proctree

import (
	"context"
	"os"

	"github.com/shirou/gopsutil/v4/process"
)

// SelfRusage reports user time, system time (seconds) and the current
// resident set size (bytes) of the supervising process.
func SelfRusage() (user, sys float64, rss uint64, err error) {
	ctx := context.Background()
	self, err := process.NewProcessWithContext(ctx, int32(os.Getpid()))
	if err != nil {
		return 0, 0, 0, err
	}
	times, err := self.TimesWithContext(ctx)
	if err != nil {
		return 0, 0, 0, err
	}
	mi, err := self.MemoryInfoWithContext(ctx)
	if err != nil {
		return times.User, times.System, 0, err
	}
	return times.User, times.System, mi.RSS, nil
}
