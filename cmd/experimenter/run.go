package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/pxs-lab/experimenter/internal/log"
	"github.com/pxs-lab/experimenter/internal/model"
	"github.com/pxs-lab/experimenter/internal/monitor"
	"github.com/pxs-lab/experimenter/internal/process"
)

const envPrefix = "EXPERIMENTER"

func newRunCmd() *cobra.Command {
	v := viper.New()
	cmd := &cobra.Command{
		Use:   "run [flags] -- command [args...]",
		Short: "run executes a command under supervision and exits with its verdict code",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return doRun(cmd, v, args)
		},
	}

	flags := cmd.Flags()
	flags.String("log", "", "base path of the cached logfile (<log>.running|success|failure.log)")
	flags.Bool("force", false, "rerun even when a successful logfile exists")
	flags.String("timeout", "", "wall-clock limit, Go (6m) or ISO8601 (PT6M) duration")
	flags.Float64("max-mem", 0, "memory limit of the process tree in MiB")
	flags.Float64("min-mem", 0, "stop when available system memory drops below MiB")
	flags.String("watch-file", "", "file watched by --max-filesize")
	flags.Float64("max-filesize", 0, "size limit of --watch-file in MiB")
	flags.Float64("min-disk", 0, "stop when free disk space drops below MiB")
	flags.String("json", "", "write records as a JSON array to this file")
	flags.String("cwd", "", "working directory of the command")
	flags.Bool("unbuffered", false, "attach the command to pseudo-terminals")
	flags.Duration("interval", monitor.DefaultInterval, "polling interval of the watchdogs")
	flags.String("print-level", model.LevelInfo.String(), "minimal level printed to stdout")

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(flags); err != nil {
		panic(err)
	}
	return cmd
}

func doRun(cmd *cobra.Command, v *viper.Viper, args []string) error {
	ctx := log.ContextAttrs(cmd.Context(), slog.Group("experimenter",
		slog.String("cmd", "run"),
		slog.Int("pid", os.Getpid()),
	))

	c, err := model.NewCommand(args...)
	if err != nil {
		return err
	}
	c.Dir = v.GetString("cwd")

	monitors, err := runMonitors(v)
	if err != nil {
		return err
	}

	unit := process.NewExternal(c, process.WithUnbuffered(v.GetBool("unbuffered")))
	p := process.New(unit,
		process.WithMonitors(monitors...),
		process.WithParams(map[string]any{"args": args}),
	)
	res, err := p.Run(ctx)
	if err != nil {
		return err
	}
	if res.Err != nil {
		slog.ErrorContext(ctx, "command could not be started", "error", res.Err)
	}
	if res.ReturnCode != 0 && !res.Skipped() {
		return &model.ExitError{Code: res.ReturnCode, Reason: res.Reason()}
	}
	slog.DebugContext(ctx, "run finished", "returncode", res.ReturnCode, "reason", res.Reason())
	return nil
}

func runMonitors(v *viper.Viper) ([]monitor.Monitor, error) {
	level, err := model.ParseLevel(v.GetString("print-level"))
	if err != nil {
		return nil, err
	}
	var timeout time.Duration
	if s := v.GetString("timeout"); s != "" {
		job := model.Job{Timeout: s}
		timeout, err = job.TimeLimit()
		if err != nil {
			return nil, fmt.Errorf("--timeout: %w", err)
		}
	}
	interval := v.GetDuration("interval")
	opt := monitor.WithInterval(interval)

	monitors := []monitor.Monitor{
		monitor.NewPrint(os.Stdout, level, true),
		monitor.NewLogfile(v.GetString("log"), v.GetBool("force")),
		monitor.NewTimeLimit(timeout, opt),
	}

	if maxMem, minMem := v.GetFloat64("max-mem"), v.GetFloat64("min-mem"); maxMem > 0 || minMem > 0 {
		monitors = append(monitors, monitor.NewMemoryLimit(maxMem, minMem, opt))
	}
	if path := v.GetString("watch-file"); path != "" {
		monitors = append(monitors, monitor.NewFileSizeLimit(path, v.GetFloat64("max-filesize"), opt))
	}
	if minDisk := v.GetFloat64("min-disk"); minDisk > 0 {
		monitors = append(monitors, monitor.NewDiskSpaceLimit(v.GetString("cwd"), minDisk, opt))
	}
	if path := v.GetString("json"); path != "" {
		monitors = append(monitors, monitor.NewJSONFile(path, model.LevelSettings, true))
	}
	return monitors, nil
}
