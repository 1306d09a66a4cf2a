package proctree

import (
	"context"
	"errors"
	"fmt"

	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"
)

// MiB is the unit all limits are expressed in.
const MiB = 1024 * 1024

// Usage sums resource usage over a set of processes.
type Usage struct {
	Procs      int
	RSS        uint64
	VMS        uint64
	MemPercent float64
	CPUPercent float64
	UserTime   float64
	SysTime    float64
}

func (u Usage) RSSMiB() float64 { return float64(u.RSS) / MiB }
func (u Usage) VMSMiB() float64 { return float64(u.VMS) / MiB }

// TreeUsage samples the process rooted at pid and all its descendants.
// Processes that disappear while being sampled are skipped.
func TreeUsage(ctx context.Context, pid int) (Usage, error) {
	procs, err := Tree(ctx, pid)
	if len(procs) == 0 {
		return Usage{}, err
	}
	return sum(ctx, procs), nil
}

func sum(ctx context.Context, procs []*process.Process) Usage {
	var u Usage
	for _, p := range procs {
		mi, err := p.MemoryInfoWithContext(ctx)
		if err != nil {
			continue
		}
		u.Procs++
		u.RSS += mi.RSS
		u.VMS += mi.VMS
		if pct, err := p.MemoryPercentWithContext(ctx); err == nil {
			u.MemPercent += float64(pct)
		}
		if pct, err := p.CPUPercentWithContext(ctx); err == nil {
			u.CPUPercent += pct
		}
		if times, err := p.TimesWithContext(ctx); err == nil {
			u.UserTime += times.User
			u.SysTime += times.System
		}
	}
	return u
}

// AvailableMemory returns the memory available to new processes in bytes.
func AvailableMemory(ctx context.Context) (uint64, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, fmt.Errorf("reading virtual memory: %w", err)
	}
	return vm.Available, nil
}

// FreeDisk returns the space available to unprivileged users on the
// filesystem holding path.
func FreeDisk(ctx context.Context, path string) (uint64, error) {
	if path == "" {
		return 0, errors.New("empty path")
	}
	u, err := disk.UsageWithContext(ctx, path)
	if err != nil {
		return 0, fmt.Errorf("reading disk usage of %s: %w", path, err)
	}
	return u.Free, nil
}
