// Package command is the boundary between callers describing what to run
// and the supervision core. It turns script layouts and batch jobs into
// commands, monitor lists and ready to run processes.
package command

import (
	"context"
	"fmt"
	"maps"
	"strconv"
	"time"

	"github.com/pxs-lab/experimenter/internal/model"
	"github.com/pxs-lab/experimenter/internal/monitor"
	"github.com/pxs-lab/experimenter/internal/process"
)

// Generate lays out the tokens of a script invocation:
// [launcher] executable [flag] config [fold]. Empty launcher and flag
// are left out.
func Generate(s model.Script) (model.Command, error) {
	if s.Executable == "" {
		return model.Command{}, fmt.Errorf("script: %w", model.ErrEmptyCommand)
	}
	if s.Config == "" {
		return model.Command{}, fmt.Errorf("script %s: config file is empty", s.Executable)
	}

	var tokens []string
	if s.Launcher != "" {
		tokens = append(tokens, s.Launcher)
	}
	tokens = append(tokens, s.Executable)
	if s.Flag != "" {
		tokens = append(tokens, s.Flag)
	}
	tokens = append(tokens, s.Config)
	if s.Fold != nil {
		tokens = append(tokens, strconv.Itoa(*s.Fold))
	}

	cmd, err := model.NewCommand(tokens...)
	if err != nil {
		return model.Command{}, err
	}
	cmd.Dir = s.Dir
	return cmd, nil
}

// Monitors returns the default pair guarding a command: a cached logfile
// at logPath and a time limit. A zero timeout leaves the time limit
// disabled.
func Monitors(logPath string, timeout time.Duration) []monitor.Monitor {
	return []monitor.Monitor{
		monitor.NewLogfile(logPath, false),
		monitor.NewTimeLimit(timeout),
	}
}

// Run supervises cmd in cwd with the given monitors. A nil monitor list
// prints the run to the console.
func Run(ctx context.Context, cmd model.Command, monitors []monitor.Monitor, cwd string) (model.RunResult, error) {
	if cwd != "" {
		cmd.Dir = cwd
	}
	return process.NewExternalProcess(cmd, process.WithMonitors(monitors...)).Run(ctx)
}

// FromJob builds the command and monitor list of a batch job.
func FromJob(job model.Job) (model.Command, []monitor.Monitor, error) {
	if err := job.Validate(); err != nil {
		return model.Command{}, nil, err
	}

	var (
		cmd model.Command
		err error
	)
	switch {
	case job.Command != nil:
		cmd, err = model.NewCommand(append([]string{job.Command.Path}, job.Command.Args...)...)
		if err != nil {
			return model.Command{}, nil, fmt.Errorf("job %s: %w", job.Name, err)
		}
		cmd.Dir = job.Command.Dir
		cmd.Env = model.EnvFromMap(job.Command.Env)
	default:
		cmd, err = Generate(*job.Script)
		if err != nil {
			return model.Command{}, nil, fmt.Errorf("job %s: %w", job.Name, err)
		}
	}

	interval, _ := job.PollInterval()
	var opts []monitor.Option
	if interval > 0 {
		opts = append(opts, monitor.WithInterval(interval))
	}

	timeout, _ := job.TimeLimit()
	monitors := []monitor.Monitor{
		monitor.NewLogfile(job.Log, job.Force),
		monitor.NewTimeLimit(timeout, opts...),
	}
	if m := job.Memory; m != nil {
		monitors = append(monitors, monitor.NewMemoryLimit(m.MaxMB, m.MinAvailableMB, opts...))
	}
	if f := job.FileSize; f != nil {
		monitors = append(monitors, monitor.NewFileSizeLimit(f.Path, f.MaxMB, opts...))
	}
	if d := job.Disk; d != nil {
		monitors = append(monitors, monitor.NewDiskSpaceLimit(d.Path, d.MinAvailableMB, opts...))
	}
	if job.JSON != "" {
		monitors = append(monitors, monitor.NewJSONFile(job.JSON, model.LevelSettings, true))
	}
	return cmd, monitors, nil
}

// NewJob returns the supervised process of a batch job. Job params are
// recorded in the characteristics snapshot.
func NewJob(job model.Job, opts ...process.Option) (*process.Process, error) {
	cmd, monitors, err := FromJob(job)
	if err != nil {
		return nil, err
	}
	unit := process.NewExternal(cmd, process.WithUnbuffered(job.Unbuffered))
	params := map[string]any{"job": job.Name}
	maps.Copy(params, job.Params)
	opts = append([]process.Option{
		process.WithMonitors(monitors...),
		process.WithParams(params),
	}, opts...)
	return process.New(unit, opts...), nil
}
