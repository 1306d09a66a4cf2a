package monitor

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/pxs-lab/experimenter/internal/model"
)

const (
	suffixRunning = ".running.log"
	suffixSuccess = ".success.log"
	suffixFailure = ".failure.log"
)

// LogState is derived from which of the three sibling log files exists.
type LogState int

const (
	LogStateNone LogState = iota
	LogStateRunning
	LogStateSuccess
	LogStateFailure
)

func (s LogState) String() string {
	switch s {
	case LogStateRunning:
		return "running"
	case LogStateSuccess:
		return "success"
	case LogStateFailure:
		return "failure"
	default:
		return "none"
	}
}

// Logfile writes every record to <base>.running.log and renames it to
// <base>.success.log or <base>.failure.log once the run is over. The files
// double as a cache (a success log skips the run) and as a marker that the
// same run is already in progress.
type Logfile struct {
	Base
	base  string
	force bool

	mx   sync.Mutex
	file *os.File
}

// NewLogfile returns a Logfile for base path. With force set an existing
// success log does not skip the run. An empty base disables the monitor.
func NewLogfile(base string, force bool) *Logfile {
	return &Logfile{base: base, force: force}
}

func (l *Logfile) Kind() Kind            { return KindLogfile }
func (l *Logfile) ListensToOutput() bool { return true }

func (l *Logfile) RunningPath() string { return l.path(suffixRunning) }
func (l *Logfile) SuccessPath() string { return l.path(suffixSuccess) }
func (l *Logfile) FailurePath() string { return l.path(suffixFailure) }

func (l *Logfile) path(suffix string) string {
	if l.base == "" {
		return ""
	}
	return l.base + suffix
}

func (l *Logfile) IsRunning() bool { return exists(l.RunningPath()) }
func (l *Logfile) IsSuccess() bool { return exists(l.SuccessPath()) }
func (l *Logfile) IsFailed() bool  { return exists(l.FailurePath()) }

// State reports the on-disk state, the running marker taking precedence.
func (l *Logfile) State() LogState {
	switch {
	case l.IsRunning():
		return LogStateRunning
	case l.IsSuccess():
		return LogStateSuccess
	case l.IsFailed():
		return LogStateFailure
	default:
		return LogStateNone
	}
}

func (l *Logfile) Settings() map[string]any {
	return map[string]any{
		"logfile": l.base,
	}
}

// Verify checks the markers on disk. It is consulted once, during set up.
func (l *Logfile) Verify(context.Context) *model.Vote {
	if l.base == "" {
		return nil
	}
	if l.IsRunning() {
		l.warn("Skipping, running logfile exists (remove manually): %s", l.RunningPath())
		return vote(model.ReasonAlreadyRunning)
	}
	if l.IsSuccess() {
		if !l.force {
			l.warn("Skipping, successful logfile exists: %s", l.SuccessPath())
			return vote(model.ReasonCached)
		}
		l.warn("Rerunning experiment (successful logfile did already exist: %s)", l.SuccessPath())
	}
	return nil
}

func (l *Logfile) SetUp(ctx context.Context, host Host) {
	l.Base.SetUp(ctx, host)
	if l.base == "" {
		return
	}
	if v := l.Verify(ctx); v != nil {
		host.Vote(v.Code, v.Reason)
		return
	}
	if err := l.open(); err != nil {
		if errors.Is(err, fs.ErrExist) {
			// lost the race against a concurrent run
			l.warn("Skipping, running logfile exists (remove manually): %s", l.RunningPath())
			host.Vote(model.SentinelCode, model.ReasonAlreadyRunning)
			return
		}
		l.errorf("Cannot open logfile %s: %v", l.RunningPath(), err)
		slog.ErrorContext(ctx, "opening logfile", "path", l.RunningPath(), "error", err)
		host.Vote(model.SentinelCode, model.ReasonSetupFailed)
	}
}

func (l *Logfile) open() error {
	running := l.RunningPath()
	if dir := filepath.Dir(running); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	l.info("Write log to %s", running)
	// O_EXCL turns the presence check into an atomic claim of the marker
	f, err := os.OpenFile(running, os.O_CREATE|os.O_EXCL|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	l.mx.Lock()
	l.file = f
	l.mx.Unlock()
	return nil
}

func (l *Logfile) Log(rec model.Record) {
	l.mx.Lock()
	defer l.mx.Unlock()
	if l.file == nil {
		return
	}
	_, _ = l.file.WriteString(line(rec))
}

// TearDown closes the running log and renames it according to code. It is
// a no-op when set up never opened the file.
func (l *Logfile) TearDown(ctx context.Context, code int) {
	l.Base.TearDown(ctx, code)

	l.mx.Lock()
	opened := l.file != nil
	l.mx.Unlock()
	if !opened {
		return
	}

	l.info("Closing %s", l.RunningPath())
	l.mx.Lock()
	err := l.file.Close()
	l.file = nil
	l.mx.Unlock()
	if err != nil {
		slog.WarnContext(ctx, "closing logfile", "path", l.RunningPath(), "error", err)
	}

	target, stale := l.FailurePath(), l.SuccessPath()
	if code == 0 {
		target, stale = stale, target
	}
	if err := os.Rename(l.RunningPath(), target); err != nil {
		l.errorf("Cannot rename logfile to %s: %v", target, err)
		slog.ErrorContext(ctx, "renaming logfile", "from", l.RunningPath(), "to", target, "error", err)
		return
	}
	l.info("Renamed logfile to %s", target)
	// keep a single artifact per base name
	if err := os.Remove(stale); err == nil {
		l.info("Removed outdated logfile %s", stale)
	}
}

func exists(path string) bool {
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}
