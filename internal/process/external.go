package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/pxs-lab/experimenter/internal/model"
	"github.com/pxs-lab/experimenter/internal/monitor"
	"github.com/pxs-lab/experimenter/internal/proctree"
)

// External runs an executable. Its stdout and stderr are read through OS
// pipes, or through pseudo-terminals in unbuffered mode.
type External struct {
	command     model.Command
	unbuffered  bool
	stdin       io.Reader
	sysProcAttr *syscall.SysProcAttr

	mx      sync.Mutex
	host    monitor.Host
	cmd     *exec.Cmd
	outputs []Output
	readers []*fileLines
	state   *os.ProcessState
	exited  chan struct{}
}

type ExternalOption func(*External)

// WithUnbuffered runs the command in pseudo-terminals.
func WithUnbuffered(unbuffered bool) ExternalOption {
	return func(e *External) {
		e.unbuffered = unbuffered
	}
}

func WithStdin(r io.Reader) ExternalOption {
	return func(e *External) {
		e.stdin = r
	}
}

func WithSysProcAttr(attr *syscall.SysProcAttr) ExternalOption {
	return func(e *External) {
		e.sysProcAttr = attr
	}
}

func NewExternal(command model.Command, opts ...ExternalOption) *External {
	e := &External{
		command: command,
		exited:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *External) Settings() map[string]any {
	return map[string]any{
		"command": e.command.String(),
	}
}

func (e *External) Start(ctx context.Context, host monitor.Host) error {
	e.mx.Lock()
	defer e.mx.Unlock()
	if e.cmd != nil {
		return model.ErrAlreadyStarted
	}
	if e.command.Path == "" {
		return model.ErrEmptyCommand
	}
	e.host = host
	host.Emit(model.LevelInfo, map[string]any{"cmd": e.command.String(), "cwd": e.command.Dir})

	var (
		parents, children []*os.File
		err               error
	)
	if e.unbuffered {
		host.Emit(model.LevelInfo, "Opening pseudo-terminal")
		parents, children, err = openPTY()
	} else {
		parents, children, err = openPipes()
	}
	if err != nil {
		return err
	}

	cmd := exec.Command(e.command.Path, e.command.Args...)
	cmd.Dir = e.command.Dir
	cmd.Env = e.command.Env
	cmd.Stdin = e.stdin
	cmd.Stdout = children[0]
	cmd.Stderr = children[1]
	cmd.SysProcAttr = e.sysProcAttr

	err = cmd.Start()
	// the child holds its own copies now
	closeFiles(children)
	if err != nil {
		closeFiles(parents)
		return fmt.Errorf("starting %s: %w", e.command.Path, err)
	}
	slog.DebugContext(ctx, "external process started", "path", e.command.Path, "pid", cmd.Process.Pid)

	e.cmd = cmd
	for i, level := range []model.Level{model.LevelStdout, model.LevelStderr} {
		r := newFileLines(parents[i])
		e.readers = append(e.readers, r)
		e.outputs = append(e.outputs, Output{Level: level, Source: r})
	}
	go e.wait(cmd)
	return nil
}

func (e *External) wait(cmd *exec.Cmd) {
	// stdout and stderr are files, Wait does not wait for readers
	_ = cmd.Wait()
	e.mx.Lock()
	e.state = cmd.ProcessState
	e.mx.Unlock()
	close(e.exited)
}

func (e *External) Outputs() []Output {
	e.mx.Lock()
	defer e.mx.Unlock()
	return e.outputs
}

func (e *External) Poll() bool {
	select {
	case <-e.exited:
		return true
	default:
		return false
	}
}

func (e *External) ExitCode() int {
	e.mx.Lock()
	defer e.mx.Unlock()
	return exitCode(e.state)
}

func (e *External) PID() int {
	e.mx.Lock()
	defer e.mx.Unlock()
	if e.cmd == nil || e.cmd.Process == nil {
		return 0
	}
	return e.cmd.Process.Pid
}

// Cancel terminates all descendants, kills the survivors of the grace
// period and finally kills the process itself.
func (e *External) Cancel(ctx context.Context, reason string, grace time.Duration) {
	pid := e.PID()
	if pid == 0 || e.Poll() {
		return
	}
	killTree(ctx, e.host, pid, reason, proctree.Escalation{Grace: grace})
	<-e.exited
}

func (e *External) Close() error {
	e.mx.Lock()
	defer e.mx.Unlock()
	var errs []error
	for _, r := range e.readers {
		errs = append(errs, r.Close())
	}
	return errors.Join(errs...)
}

func killTree(ctx context.Context, host monitor.Host, pid int, reason string, esc proctree.Escalation) {
	msg := "Kill process"
	if reason != "" {
		msg += " (" + reason + ")"
	}
	host.Emit(model.LevelInfo, msg)
	esc.OnExit = func(p int32) {
		host.Emit(model.LevelInfo, fmt.Sprintf("Process %d terminated", p))
	}
	killed, err := proctree.Terminate(ctx, pid, esc)
	if err != nil {
		slog.WarnContext(ctx, "killing process tree", "pid", pid, "error", err)
	}
	if killed > 0 {
		slog.DebugContext(ctx, "force killed processes", "pid", pid, "count", killed)
	}
}

func openPipes() (parents, children []*os.File, err error) {
	for range 2 {
		r, w, err := os.Pipe()
		if err != nil {
			closeFiles(parents)
			closeFiles(children)
			return nil, nil, fmt.Errorf("creating pipe: %w", err)
		}
		parents = append(parents, r)
		children = append(children, w)
	}
	return parents, children, nil
}

func closeFiles(files []*os.File) {
	for _, f := range files {
		_ = f.Close()
	}
}
