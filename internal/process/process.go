// Package process supervises a single run of a work unit.
//
// A Process wires the monitors to two channels: the stop bus carrying
// (code, reason) votes and the output pipeline carrying records. It starts
// the unit, watches its output streams, runs one goroutine per watchdog and
// cancels the unit on the first vote. Every vote ends up in the verdict, the
// final code being the maximum of the voted codes and of the unit's own
// exit status.
package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/pxs-lab/experimenter/internal/log"
	"github.com/pxs-lab/experimenter/internal/model"
	"github.com/pxs-lab/experimenter/internal/monitor"
	"github.com/pxs-lab/experimenter/internal/proctree"
)

const (
	DefaultPollInterval = 200 * time.Millisecond
	DefaultDrainWindow  = 500 * time.Millisecond
	readWait            = 100 * time.Millisecond
)

// State of a Process.
type State int32

const (
	StateCreated State = iota
	StateSetup
	StateRunning
	StateStopping
	StateTornDown
)

func (s State) String() string {
	switch s {
	case StateSetup:
		return "setup"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateTornDown:
		return "torn_down"
	default:
		return "created"
	}
}

type Process struct {
	unit      WorkUnit
	monitors  []monitor.Monitor
	params    map[string]any
	poll      time.Duration
	window    time.Duration
	killGrace time.Duration
	logger    *slog.Logger

	state    atomic.Int32
	pid      atomic.Int64
	bus      *stopBus
	out      *pipeline
	stopping chan struct{}
	stopAt   time.Time
}

type Option func(*Process)

// WithMonitors attaches monitors in the order they are set up and torn
// down. Without any monitor the output is printed to stdout.
func WithMonitors(monitors ...monitor.Monitor) Option {
	return func(p *Process) {
		p.monitors = append(p.monitors, monitors...)
	}
}

// WithParams adds free form parameters to the settings record.
func WithParams(params map[string]any) Option {
	return func(p *Process) {
		p.params = params
	}
}

func WithPollInterval(d time.Duration) Option {
	return func(p *Process) {
		p.poll = d
	}
}

// WithDrainWindow sets how long output is still collected after the stop.
func WithDrainWindow(d time.Duration) Option {
	return func(p *Process) {
		p.window = d
	}
}

// WithKillGrace sets the time between terminate and kill signals.
func WithKillGrace(d time.Duration) Option {
	return func(p *Process) {
		p.killGrace = d
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(p *Process) {
		p.logger = logger
	}
}

func New(unit WorkUnit, opts ...Option) *Process {
	p := &Process{
		unit:      unit,
		poll:      DefaultPollInterval,
		window:    DefaultDrainWindow,
		killGrace: proctree.DefaultGrace,
		logger:    slog.Default(),
		bus:       newStopBus(),
		stopping:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// NewExternalProcess is a shortcut for New(NewExternal(command), opts...).
func NewExternalProcess(command model.Command, opts ...Option) *Process {
	return New(NewExternal(command), opts...)
}

func (p *Process) State() State {
	return State(p.state.Load())
}

// Emit sends a record to the output pipeline.
func (p *Process) Emit(level model.Level, payload any) {
	if p.out == nil {
		return
	}
	p.out.Emit(model.Record{Level: level, Payload: payload})
}

// Vote casts a stop vote.
func (p *Process) Vote(code int, reason string) {
	p.bus.Vote(code, reason)
}

// Kill stops the run with the sentinel code. An empty reason is reported as
// "other".
func (p *Process) Kill(reason string) {
	if reason == "" {
		reason = model.ReasonOther
	}
	p.bus.Vote(model.SentinelCode, reason)
}

func (p *Process) PID() int {
	return int(p.pid.Load())
}

// Run executes the work unit under supervision and returns its verdict.
// Setup failures are part of the verdict; the returned error is only set
// when Run is called more than once.
func (p *Process) Run(ctx context.Context) (model.RunResult, error) {
	if !p.state.CompareAndSwap(int32(StateCreated), int32(StateSetup)) {
		return model.RunResult{}, model.ErrAlreadyStarted
	}
	res := model.RunResult{
		RunID:   uuid.NewString(),
		Started: time.Now(),
	}
	ctx = log.ContextAttrs(ctx, slog.String("run_id", res.RunID))

	listeners := make([]monitor.Monitor, 0, len(p.monitors))
	for _, m := range p.monitors {
		if m.ListensToOutput() {
			listeners = append(listeners, m)
		}
	}
	if len(p.monitors) == 0 {
		listeners = append(listeners, monitor.DefaultPrint())
	}
	p.out = newPipeline(listeners)
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		p.out.drain(p.stopping, p.window)
	}()

	for _, m := range p.monitors {
		m.SetUp(ctx, p)
	}
	p.Emit(model.LevelSettings, p.characteristics(ctx, res.RunID))

	var (
		wg       sync.WaitGroup
		natural  bool
		duration time.Duration
	)
	if !p.bus.Stopped() {
		if err := p.unit.Start(ctx, p); err != nil {
			res.Err = err
			p.Emit(model.LevelError, err.Error())
			p.logger.ErrorContext(ctx, "starting work unit", "error", err)
			p.bus.Vote(model.SentinelCode, model.ReasonSetupFailed)
		} else {
			p.state.Store(int32(StateRunning))
			p.pid.Store(int64(p.unit.PID()))
			ctx = log.ContextAttrs(ctx, slog.Int("pid", p.unit.PID()))

			for _, o := range p.unit.Outputs() {
				wg.Go(func() { p.watch(ctx, o) })
			}
			for _, m := range p.monitors {
				if m.Watchdog() && m.Active() {
					wg.Go(func() { p.watchdog(ctx, m) })
				}
			}

			p.Emit(model.LevelInfo, "Start: Run process")
			started := time.Now()
			natural = p.execute(ctx)
			duration = time.Since(started)
			p.Emit(model.LevelInfo, fmt.Sprintf("Finished: Run process %.3f seconds", duration.Seconds()))
			p.Emit(model.LevelInfo, fmt.Sprintf("Process ended (returncode %d)", p.unit.ExitCode()))
		}
	}

	p.state.Store(int32(StateStopping))
	p.stopAt = time.Now()
	close(p.stopping)
	wg.Wait()
	<-drained

	code := model.SentinelCode
	if natural {
		code = p.unit.ExitCode()
	}
	var reasons []string
	for _, v := range p.bus.Votes() {
		code = max(code, v.Code)
		reasons = append(reasons, v.Reason)
	}
	if len(reasons) == 0 {
		reasons = append(reasons, model.ReasonFinished)
	}
	if rp, ok := p.unit.(ResultProvider); ok && natural {
		res.Raw = rp.Result()
	}

	p.Emit(model.LevelWarning, map[string]any{
		"Exit":       strings.Join(reasons, ", "),
		"Returncode": code,
		"Time":       duration.Seconds(),
	})
	for _, m := range p.monitors {
		m.TearDown(ctx, code)
	}
	if err := p.unit.Close(); err != nil {
		p.logger.WarnContext(ctx, "closing work unit", "error", err)
	}
	p.state.Store(int32(StateTornDown))

	res.ReturnCode = code
	res.Reasons = reasons
	res.Stopped = time.Now()
	res.Elapsed = duration
	p.logger.DebugContext(ctx, "run finished", "code", code, "reasons", res.Reason())
	return res, nil
}

// execute polls the unit until it exits or a stop vote arrives. It reports
// whether the unit exited on its own.
func (p *Process) execute(ctx context.Context) bool {
	tick := time.NewTicker(p.poll)
	defer tick.Stop()
	done := ctx.Done()
	for {
		if p.unit.Poll() {
			return true
		}
		select {
		case <-tick.C:
		case <-done:
			done = nil
			reason := model.ReasonOther
			if errors.Is(context.Cause(ctx), model.ErrInterrupted) {
				reason = model.ReasonKeyboard
			}
			p.bus.Vote(model.SentinelCode, reason)
		case <-p.bus.Done():
			if p.unit.Poll() {
				return true
			}
			first, _ := p.bus.First()
			// escalation must survive the cancellation of ctx
			p.unit.Cancel(context.WithoutCancel(ctx), first.Reason, p.killGrace)
			return false
		}
	}
}

// watch forwards the lines of one stream until it is exhausted, or until
// the stop was signalled and the stream stays quiet or the drain window
// passed.
func (p *Process) watch(ctx context.Context, o Output) {
	for {
		line, err := o.Source.ReadLine(readWait)
		if line != "" {
			p.Emit(o.Level, line)
		}
		if errors.Is(err, io.EOF) {
			return
		}
		if err != nil {
			p.logger.WarnContext(ctx, "reading output", "level", o.Level, "error", err)
		}
		select {
		case <-p.stopping:
			if line == "" || time.Since(p.stopAt) > p.window {
				return
			}
		default:
			if err != nil {
				// back off so a failing stream does not spin
				select {
				case <-p.stopping:
				case <-time.After(readWait):
				}
			}
		}
	}
}

// watchdog polls m every interval until it votes or the run stops.
func (p *Process) watchdog(ctx context.Context, m monitor.Monitor) {
	timer := time.NewTimer(m.Interval())
	defer timer.Stop()
	for m.Active() {
		if v := m.Verify(ctx); v != nil {
			p.Emit(model.LevelWarning, fmt.Sprintf("%s: stopping (%s)", m.Kind(), v.Reason))
			p.bus.Vote(v.Code, v.Reason)
			return
		}
		select {
		case <-p.stopping:
			return
		case <-p.bus.Done():
			return
		case <-timer.C:
			timer.Reset(m.Interval())
		}
	}
}
