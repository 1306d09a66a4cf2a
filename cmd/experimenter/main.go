package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/pxs-lab/experimenter/internal/log"
	"github.com/pxs-lab/experimenter/internal/model"
	"github.com/pxs-lab/experimenter/internal/process"
)

var (
	userConfigPath string // /default/config/path/experimenter on given OS

	flagVerbose   bool   // value of --verbose flag
	flagLogFormat string // value of --log-format flag
)

func init() {
	d, err := os.UserConfigDir()
	if err != nil {
		d = "."
	}
	userConfigPath = filepath.Join(d, "experimenter")
}

func main() {
	// a re-executed child of a Function work unit never gets past this
	process.Init()

	rootCmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "verbose logging")
	rootCmd.PersistentFlags().StringVar(&flagLogFormat, "log-format", log.FormatJSON, "format of diagnostic logs on stderr: json or text")

	// never print messages
	rootCmd.SilenceErrors = true
	rootCmd.PersistentPreRunE = initLogging

	rootCmd.AddCommand(newRunCmd())
	rootCmd.AddCommand(newBatchCmd())
	rootCmd.AddCommand(versionCmd)

	ctx, cancel := interruptContext(context.Background())
	defer cancel(nil)

	err := rootCmd.ExecuteContext(ctx)
	if err == nil {
		return
	}
	var exitErr *model.ExitError
	if errors.As(err, &exitErr) {
		slog.Warn("experimenter finished", "returncode", exitErr.Code, "reason", exitErr.Reason)
		cancel(nil)
		os.Exit(exitErr.ExitStatus())
	}
	slog.Error("experimenter failed", "err", err)
	cancel(nil)
	os.Exit(1)
}

var rootCmd = &cobra.Command{
	Use:          "experimenter",
	Short:        "Run programs under supervision: logs, caching, time and resource limits",
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "version provide version of an experimenter",
	Run: func(cmd *cobra.Command, args []string) {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			fmt.Println("experimenter: version info not available")
			return
		}

		fmt.Printf("experimenter: %s\n", info.Main.Version)
		fmt.Printf("go:           %s\n", info.GoVersion)
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				fmt.Printf("commit:       %s\n", s.Value)
			case "vcs.time":
				fmt.Printf("date:         %s\n", s.Value)
			case "vcs.modified":
				fmt.Printf("dirty:        %s\n", s.Value)
			}
		}
		fmt.Println()
	},
}

// interruptContext cancels with model.ErrInterrupted on the first SIGINT
// or SIGTERM, so a running supervision votes "keyboard".
func interruptContext(parent context.Context) (context.Context, context.CancelCauseFunc) {
	ctx, cancel := context.WithCancelCause(parent)
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		defer signal.Stop(sig)
		select {
		case s := <-sig:
			slog.Warn("received signal: stopping", "signal", s.String())
			cancel(model.ErrInterrupted)
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

func initLogging(cmd *cobra.Command, _ []string) error {
	logger, err := log.New(os.Stderr, flagLogFormat, flagVerbose)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)
	slog.Debug("experimenter", "cmd", cmd.Name(), "pid", os.Getpid())
	return nil
}

func exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
