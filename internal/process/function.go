package process

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/pxs-lab/experimenter/internal/model"
	"github.com/pxs-lab/experimenter/internal/monitor"
	"github.com/pxs-lab/experimenter/internal/proctree"
)

const (
	envFunction     = "EXPERIMENTER_FUNCTION"
	envFunctionArgs = "EXPERIMENTER_FUNCTION_ARGS"
	// first entry of exec.Cmd.ExtraFiles
	resultFD = 3

	waitDelay   = 2 * time.Second
	resultDelay = time.Second
)

// Func is a function run in a child process by Function. Whatever it
// writes to stdout and stderr becomes output of the run. The returned value
// is sent back JSON encoded. ctx is cancelled when the child is asked to
// terminate.
type Func func(ctx context.Context, args []string, stdout, stderr io.Writer) (any, error)

var registry = struct {
	sync.RWMutex
	funcs map[string]Func
}{funcs: make(map[string]Func)}

// Register makes fn available to Function under name. It must be called
// before Init, typically from an init function, so that the child process
// knows it too. Registering a name twice panics.
func Register(name string, fn Func) {
	registry.Lock()
	defer registry.Unlock()
	if fn == nil {
		panic("process: Register function is nil")
	}
	if _, dup := registry.funcs[name]; dup {
		panic("process: Register called twice for " + name)
	}
	registry.funcs[name] = fn
}

func lookup(name string) (Func, bool) {
	registry.RLock()
	defer registry.RUnlock()
	fn, ok := registry.funcs[name]
	return fn, ok
}

// Init runs the requested function and exits when the binary was started
// as the child of a Function. Otherwise it returns immediately. Call it
// first thing in main (or TestMain).
func Init() {
	name, ok := os.LookupEnv(envFunction)
	if !ok {
		return
	}
	os.Exit(runChild(name))
}

func runChild(name string) int {
	fn, ok := lookup(name)
	if !ok {
		fmt.Fprintf(os.Stderr, "%v: %s\n", model.ErrFunctionNotRegistered, name)
		return 1
	}
	var args []string
	if raw := os.Getenv(envFunctionArgs); raw != "" {
		if err := json.Unmarshal([]byte(raw), &args); err != nil {
			fmt.Fprintf(os.Stderr, "decoding arguments: %v\n", err)
			return 1
		}
	}

	closeOnExec(resultFD)
	result := os.NewFile(resultFD, "result")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	value, err := fn(ctx, args, os.Stdout, os.Stderr)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		var exitErr *model.ExitError
		if errors.As(err, &exitErr) {
			return exitErr.ExitStatus()
		}
		return 1
	}
	if result != nil {
		if err := json.NewEncoder(result).Encode(value); err != nil {
			fmt.Fprintf(os.Stderr, "encoding result: %v\n", err)
		}
		_ = result.Close()
	}
	return 0
}

// Function runs a registered Func in a child process, a fresh copy of the
// current binary, so that a crash or a hang never affects the caller.
type Function struct {
	name string
	args []string

	stdout *Stream
	stderr *Stream

	mx         sync.Mutex
	host       monitor.Host
	cmd        *exec.Cmd
	state      *os.ProcessState
	exited     chan struct{}
	resultR    *os.File
	result     []byte
	resultDone chan struct{}
}

// NewFunction returns a unit running the function registered as name.
func NewFunction(name string, args ...string) *Function {
	return &Function{
		name:       name,
		args:       append([]string(nil), args...),
		stdout:     NewStream(),
		stderr:     NewStream(),
		exited:     make(chan struct{}),
		resultDone: make(chan struct{}),
	}
}

func (f *Function) Settings() map[string]any {
	return map[string]any{
		"function": map[string]any{
			"target": f.name,
			"args":   f.args,
		},
	}
}

func (f *Function) Start(ctx context.Context, host monitor.Host) error {
	f.mx.Lock()
	defer f.mx.Unlock()
	if f.cmd != nil {
		return model.ErrAlreadyStarted
	}
	if _, ok := lookup(f.name); !ok {
		return fmt.Errorf("%w: %s", model.ErrFunctionNotRegistered, f.name)
	}
	f.host = host

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locating executable: %w", err)
	}
	args, err := json.Marshal(f.args)
	if err != nil {
		return fmt.Errorf("encoding arguments: %w", err)
	}
	r, w, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("creating result pipe: %w", err)
	}

	cmd := exec.Command(exe)
	cmd.Env = append(os.Environ(),
		envFunction+"="+f.name,
		envFunctionArgs+"="+string(args),
	)
	cmd.Stdout = f.stdout
	cmd.Stderr = f.stderr
	cmd.ExtraFiles = []*os.File{w}
	cmd.WaitDelay = waitDelay

	err = cmd.Start()
	_ = w.Close()
	if err != nil {
		_ = r.Close()
		return fmt.Errorf("starting function %s: %w", f.name, err)
	}
	f.cmd = cmd
	f.resultR = r
	host.Emit(model.LevelInfo, fmt.Sprintf("Start multiprocess (%d)", cmd.Process.Pid))
	slog.DebugContext(ctx, "function started", "function", f.name, "pid", cmd.Process.Pid)

	go f.readResult(r)
	go f.wait(cmd)
	return nil
}

func (f *Function) readResult(r io.Reader) {
	defer close(f.resultDone)
	b, err := io.ReadAll(r)
	if err != nil && !errors.Is(err, os.ErrClosed) {
		slog.Warn("reading function result", "function", f.name, "error", err)
	}
	b = bytes.TrimSpace(b)
	f.mx.Lock()
	if len(b) > 0 {
		f.result = b
	}
	f.mx.Unlock()
}

func (f *Function) wait(cmd *exec.Cmd) {
	// returns once the copies into the streams are done
	_ = cmd.Wait()
	f.mx.Lock()
	f.state = cmd.ProcessState
	f.mx.Unlock()
	_ = f.stdout.Close()
	_ = f.stderr.Close()
	close(f.exited)
}

func (f *Function) Outputs() []Output {
	return []Output{
		{Level: model.LevelStdout, Source: f.stdout},
		{Level: model.LevelStderr, Source: f.stderr},
	}
}

func (f *Function) Poll() bool {
	select {
	case <-f.exited:
		return true
	default:
		return false
	}
}

func (f *Function) ExitCode() int {
	f.mx.Lock()
	defer f.mx.Unlock()
	return exitCode(f.state)
}

func (f *Function) PID() int {
	f.mx.Lock()
	defer f.mx.Unlock()
	if f.cmd == nil || f.cmd.Process == nil {
		return 0
	}
	return f.cmd.Process.Pid
}

// Cancel terminates the child together with its descendants.
func (f *Function) Cancel(ctx context.Context, reason string, grace time.Duration) {
	pid := f.PID()
	if pid == 0 || f.Poll() {
		return
	}
	killTree(ctx, f.host, pid, reason, proctree.Escalation{Grace: grace, TerminateRoot: true})
	<-f.exited
}

// Result returns the JSON encoded return value of the function, nil if it
// failed or was killed.
func (f *Function) Result() []byte {
	if !f.Poll() {
		return nil
	}
	select {
	case <-f.resultDone:
	case <-time.After(resultDelay):
	}
	f.mx.Lock()
	defer f.mx.Unlock()
	return f.result
}

func (f *Function) Close() error {
	f.mx.Lock()
	r := f.resultR
	f.mx.Unlock()
	if r == nil {
		return nil
	}
	err := r.Close()
	<-f.resultDone
	if errors.Is(err, os.ErrClosed) {
		return nil
	}
	return err
}
