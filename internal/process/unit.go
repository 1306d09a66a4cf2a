package process

import (
	"context"
	"os"
	"time"

	"github.com/pxs-lab/experimenter/internal/model"
	"github.com/pxs-lab/experimenter/internal/monitor"
)

// WorkUnit is the thing a Process supervises.
type WorkUnit interface {
	// Start launches the unit. Diagnostics go to host.
	Start(ctx context.Context, host monitor.Host) error
	// Outputs are the streams to watch, valid after a successful Start.
	Outputs() []Output
	// Poll reports without blocking whether the unit exited on its own.
	Poll() bool
	// Cancel applies kill escalation with the given grace period and
	// returns once the unit stopped.
	Cancel(ctx context.Context, reason string, grace time.Duration)
	// ExitCode is the exit status once Poll returned true, -1 before.
	ExitCode() int
	PID() int
	Settings() map[string]any
	// Close releases the streams. It is called once the run is over.
	Close() error
}

// ResultProvider is implemented by units returning a value.
type ResultProvider interface {
	// Result returns the JSON encoded return value, nil when there is none.
	Result() []byte
}

// Output is one watched stream of a unit.
type Output struct {
	Level  model.Level
	Source LineSource
}

// exitCode follows the shell convention for processes killed by a signal.
func exitCode(state *os.ProcessState) int {
	if state == nil {
		return -1
	}
	if code := state.ExitCode(); code >= 0 {
		return code
	}
	if sig, ok := signalOf(state); ok {
		return 128 + sig
	}
	return -1
}
