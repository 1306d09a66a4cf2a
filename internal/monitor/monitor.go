// Package monitor implements the observers attached to a supervised run.
//
// A Monitor is set up once before the work unit starts and torn down once
// after it stopped. Watchdogs are polled by the lifecycle on their own
// goroutine and stop the run by returning a vote from Verify. Listeners
// receive every output record through Log. Monitors never talk to each
// other; everything goes through the Host they were set up with.
package monitor

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pxs-lab/experimenter/internal/model"
)

// DefaultInterval is the polling interval of a watchdog.
const DefaultInterval = time.Second

// Kind identifies the monitor variant.
type Kind int

const (
	KindCustom Kind = iota
	KindLogfile
	KindPrint
	KindJSONFile
	KindMemoryLimit
	KindTimeLimit
	KindFileSizeLimit
	KindDiskSpaceLimit
)

func (k Kind) String() string {
	switch k {
	case KindLogfile:
		return "logfile"
	case KindPrint:
		return "print"
	case KindJSONFile:
		return "jsonfile"
	case KindMemoryLimit:
		return "memory_limit"
	case KindTimeLimit:
		return "time_limit"
	case KindFileSizeLimit:
		return "filesize_limit"
	case KindDiskSpaceLimit:
		return "diskspace_limit"
	default:
		return "custom"
	}
}

// Host is the view a monitor has on the run it is attached to.
type Host interface {
	// Emit pushes a record to the output channel.
	Emit(level model.Level, payload any)
	// Vote pushes a stop vote to the stop channel.
	Vote(code int, reason string)
	// PID is the process id of the work unit, 0 before it started.
	PID() int
}

type Monitor interface {
	Kind() Kind
	SetUp(ctx context.Context, host Host)
	TearDown(ctx context.Context, code int)
	// Verify returns a vote when the run must stop.
	Verify(ctx context.Context) *model.Vote
	Settings() map[string]any
	// Log receives output records when ListensToOutput is true.
	Log(rec model.Record)
	Watchdog() bool
	ListensToOutput() bool
	Interval() time.Duration
	Active() bool
}

// Option configures the shared part of a monitor.
type Option func(*Base)

// WithInterval sets the polling interval of a watchdog.
func WithInterval(d time.Duration) Option {
	return func(b *Base) {
		b.interval = d
	}
}

// Base implements the no-op parts of Monitor. Variants embed it and
// override what they need.
type Base struct {
	host     Host
	active   atomic.Bool
	interval time.Duration
}

func (b *Base) apply(opts []Option) {
	for _, opt := range opts {
		opt(b)
	}
}

func (b *Base) SetUp(_ context.Context, host Host) {
	b.host = host
	b.active.Store(true)
}

func (b *Base) TearDown(context.Context, int) {
	b.active.Store(false)
}

func (b *Base) Verify(context.Context) *model.Vote { return nil }
func (b *Base) Settings() map[string]any         { return map[string]any{} }
func (b *Base) Log(model.Record)                 {}
func (b *Base) Watchdog() bool                   { return false }
func (b *Base) ListensToOutput() bool            { return false }
func (b *Base) Active() bool                     { return b.active.Load() }

func (b *Base) Interval() time.Duration {
	if b.interval <= 0 {
		return DefaultInterval
	}
	return b.interval
}

func (b *Base) deactivate() {
	b.active.Store(false)
}

func (b *Base) emit(level model.Level, payload any) {
	if b.host == nil {
		return
	}
	b.host.Emit(level, payload)
}

func (b *Base) info(format string, args ...any) {
	b.emit(model.LevelInfo, fmt.Sprintf(format, args...))
}

func (b *Base) warn(format string, args ...any) {
	b.emit(model.LevelWarning, fmt.Sprintf(format, args...))
}

func (b *Base) errorf(format string, args ...any) {
	b.emit(model.LevelError, fmt.Sprintf(format, args...))
}

func (b *Base) status(values map[string]any) {
	b.emit(model.LevelStatus, values)
}

func vote(reason string) *model.Vote {
	return &model.Vote{Code: model.SentinelCode, Reason: reason}
}
