package monitor

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"sync"
	"time"

	"github.com/pxs-lab/experimenter/internal/model"
	"github.com/pxs-lab/experimenter/internal/proctree"
)

// TimeLimit stops the run once its wall-clock budget is used up.
type TimeLimit struct {
	Base
	limit time.Duration

	mx       sync.Mutex
	deadline time.Time
}

// NewTimeLimit returns a watchdog for limit. A zero limit disables it, the
// lifecycle then never polls it.
func NewTimeLimit(limit time.Duration, opts ...Option) *TimeLimit {
	t := &TimeLimit{limit: limit}
	t.apply(opts)
	return t
}

func (t *TimeLimit) Kind() Kind     { return KindTimeLimit }
func (t *TimeLimit) Watchdog() bool { return true }

func (t *TimeLimit) Settings() map[string]any {
	var maxTime any
	if t.limit > 0 {
		maxTime = t.limit.Seconds()
	}
	return map[string]any{
		"max_time": maxTime,
	}
}

func (t *TimeLimit) SetUp(ctx context.Context, host Host) {
	t.Base.SetUp(ctx, host)
	if t.limit <= 0 {
		t.deactivate()
		return
	}
	t.mx.Lock()
	t.deadline = time.Now().Add(t.limit)
	t.mx.Unlock()
}

// Deadline is the absolute time recorded at set up.
func (t *TimeLimit) Deadline() time.Time {
	t.mx.Lock()
	defer t.mx.Unlock()
	return t.deadline
}

func (t *TimeLimit) Verify(context.Context) *model.Vote {
	if t.limit <= 0 {
		return nil
	}
	if time.Now().After(t.Deadline()) {
		return vote(model.ReasonTimeLimit)
	}
	return nil
}

// MemoryLimit samples the memory of the work unit's process tree and the
// memory available on the machine. A zero bound only reports.
type MemoryLimit struct {
	Base
	maxMB          float64
	minAvailableMB float64
}

func NewMemoryLimit(maxMB, minAvailableMB float64, opts ...Option) *MemoryLimit {
	m := &MemoryLimit{maxMB: maxMB, minAvailableMB: minAvailableMB}
	m.apply(opts)
	return m
}

func (m *MemoryLimit) Kind() Kind     { return KindMemoryLimit }
func (m *MemoryLimit) Watchdog() bool { return true }

func (m *MemoryLimit) Settings() map[string]any {
	return map[string]any{
		"memory_limit":        m.maxMB,
		"memory_minavailable": m.minAvailableMB,
	}
}

func (m *MemoryLimit) Verify(ctx context.Context) *model.Vote {
	var tree proctree.Usage
	if pid := m.host.PID(); pid > 0 {
		var err error
		tree, err = proctree.TreeUsage(ctx, pid)
		if err != nil && tree.Procs == 0 {
			tree = proctree.Usage{}
		}
	}
	var availableMB float64
	if avail, err := proctree.AvailableMemory(ctx); err == nil {
		availableMB = float64(avail) / proctree.MiB
	}
	values := map[string]any{
		"usertime":           tree.UserTime,
		"systime":            tree.SysTime,
		"mem(MiB)":           tree.RSSMiB(),
		"vms(MiB)":           tree.VMSMiB(),
		"%mem":               tree.MemPercent,
		"%cpu":               tree.CPUPercent,
		"sys.available(MiB)": availableMB,
	}
	if user, sys, maxRSS, err := proctree.SelfRusage(); err == nil {
		values["exp.usertime"] = user
		values["exp.systime"] = sys
		values["exp.mem(MiB)"] = float64(maxRSS) / proctree.MiB
	}
	m.status(values)

	if m.maxMB > 0 && tree.RSSMiB() > m.maxMB {
		m.warn("Memory limit reached, stopping.")
		return vote(model.ReasonMemoryLimit)
	}
	if m.minAvailableMB > 0 && availableMB < m.minAvailableMB {
		m.warn("Not enough memory available, stopping.")
		return vote(model.ReasonMemoryLow)
	}
	return nil
}

// FileSizeLimit stops the run when a file written by the work unit grows
// beyond maxMB. A missing file only produces a warning.
type FileSizeLimit struct {
	Base
	path  string
	maxMB float64
}

func NewFileSizeLimit(path string, maxMB float64, opts ...Option) *FileSizeLimit {
	f := &FileSizeLimit{path: path, maxMB: maxMB}
	f.apply(opts)
	return f
}

func (f *FileSizeLimit) Kind() Kind     { return KindFileSizeLimit }
func (f *FileSizeLimit) Watchdog() bool { return true }

func (f *FileSizeLimit) Settings() map[string]any {
	return map[string]any{
		"max_filesize": f.maxMB,
	}
}

func (f *FileSizeLimit) Verify(context.Context) *model.Vote {
	info, err := os.Stat(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		f.warn("filesize %s: File not found", f.path)
		return nil
	}
	if err != nil {
		return vote(model.ReasonFileMissing)
	}
	size := float64(info.Size()) / proctree.MiB
	f.status(map[string]any{
		"filename":      f.path,
		"filesize(MiB)": size,
	})
	if f.maxMB > 0 && size > f.maxMB {
		return vote(model.ReasonFileSizeLimit)
	}
	return nil
}

// DiskSpaceLimit stops the run when the free space on the filesystem
// holding path drops below minAvailableMB.
type DiskSpaceLimit struct {
	Base
	path           string
	minAvailableMB float64
}

// NewDiskSpaceLimit watches the filesystem of path, the working directory
// when path is empty.
func NewDiskSpaceLimit(path string, minAvailableMB float64, opts ...Option) *DiskSpaceLimit {
	if path == "" {
		path = "."
	}
	d := &DiskSpaceLimit{path: path, minAvailableMB: minAvailableMB}
	d.apply(opts)
	return d
}

func (d *DiskSpaceLimit) Kind() Kind     { return KindDiskSpaceLimit }
func (d *DiskSpaceLimit) Watchdog() bool { return true }

func (d *DiskSpaceLimit) Settings() map[string]any {
	return map[string]any{
		"diskspace_minavailable": d.minAvailableMB,
	}
}

func (d *DiskSpaceLimit) Verify(ctx context.Context) *model.Vote {
	free, err := proctree.FreeDisk(ctx, d.path)
	if err != nil {
		return vote(model.ReasonFileMissing)
	}
	available := float64(free) / proctree.MiB
	d.status(map[string]any{
		"diskspace.available(MiB)": available,
	})
	if d.minAvailableMB > 0 && available < d.minAvailableMB {
		return vote(model.ReasonDiskSpaceLow)
	}
	return nil
}
