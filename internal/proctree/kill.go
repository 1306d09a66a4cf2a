package proctree

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

const (
	// DefaultGrace is the time terminated processes get before being killed.
	DefaultGrace = 3 * time.Second
	waitTick     = 50 * time.Millisecond
)

// Escalation configures Terminate.
type Escalation struct {
	// Grace bounds the wait between the terminate and the kill signal.
	Grace time.Duration
	// TerminateRoot sends the graceful signal to the root as well. Without it
	// the root is only force-killed at the very end.
	TerminateRoot bool
	// OnExit is called for every process that exited during the grace period.
	OnExit func(pid int32)
}

// Terminate applies kill escalation to the process tree rooted at pid: all
// descendants get a terminate signal, survivors of the grace period are
// killed and finally the root itself is killed. It returns the number of
// processes that had to be force-killed.
func Terminate(ctx context.Context, pid int, esc Escalation) (int, error) {
	if esc.Grace <= 0 {
		esc.Grace = DefaultGrace
	}
	root, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		// root already reaped
		return 0, nil
	}

	procs, err := Descendants(ctx, pid)
	if err != nil {
		slog.WarnContext(ctx, "enumerating descendants", "pid", pid, "error", err)
	}
	if esc.TerminateRoot {
		procs = append(procs, root)
	}

	for _, p := range procs {
		if err := p.TerminateWithContext(ctx); err != nil && Alive(ctx, p) {
			slog.DebugContext(ctx, "terminate failed", "pid", p.Pid, "error", err)
		}
	}

	alive := waitProcs(ctx, procs, esc.Grace, esc.OnExit)

	var errs []error
	for _, p := range alive {
		if err := p.KillWithContext(ctx); err != nil && Alive(ctx, p) {
			errs = append(errs, fmt.Errorf("killing %d: %w", p.Pid, err))
		}
	}
	if Alive(ctx, root) {
		if err := root.KillWithContext(ctx); err != nil && Alive(ctx, root) {
			errs = append(errs, fmt.Errorf("killing root %d: %w", root.Pid, err))
		}
	}
	return len(alive), errors.Join(errs...)
}

// waitProcs polls procs until all exited or timeout passed and returns the
// ones still alive.
func waitProcs(ctx context.Context, procs []*process.Process, timeout time.Duration, onExit func(int32)) []*process.Process {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(waitTick)
	defer tick.Stop()

	alive := procs
	for len(alive) > 0 {
		next := alive[:0:0]
		for _, p := range alive {
			if Alive(ctx, p) {
				next = append(next, p)
				continue
			}
			if onExit != nil {
				onExit(p.Pid)
			}
		}
		alive = next
		if len(alive) == 0 {
			break
		}
		select {
		case <-deadline.C:
			return alive
		case <-ctx.Done():
			return alive
		case <-tick.C:
		}
	}
	return nil
}
