package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/pxs-lab/experimenter/internal/log"
	"github.com/pxs-lab/experimenter/internal/model"
	"github.com/pxs-lab/experimenter/internal/service"
)

const configName = "experimenter.yaml"

func newBatchCmd() *cobra.Command {
	v := viper.New()
	var flagConfigFilePath string
	cmd := &cobra.Command{
		Use:   "batch",
		Short: "batch reads the configuration and runs its jobs once or on a schedule",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return doBatch(cmd, v, flagConfigFilePath)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&flagConfigFilePath, "config", "", "Config file to load - default is "+configName+" in current directory or in "+userConfigPath)
	flags.Int("parallel", 0, "number of jobs running at the same time")
	flags.String("report-dir", "", "directory for batch reports, stdout when empty")
	flags.Bool("force", false, "rerun jobs even when a successful logfile exists")
	flags.StringSlice("job", nil, "run only the named jobs")

	v.SetEnvPrefix(envPrefix)
	for key, flag := range map[string]string{
		"parallel":   "parallel",
		"report_dir": "report-dir",
		"force":      "force",
		"jobs":       "job",
	} {
		if err := v.BindPFlag(key, flags.Lookup(flag)); err != nil {
			panic(err)
		}
		if err := v.BindEnv(key); err != nil {
			panic(err)
		}
	}
	return cmd
}

func doBatch(cmd *cobra.Command, v *viper.Viper, flagConfigFilePath string) error {
	ctx := log.ContextAttrs(cmd.Context(), slog.Group("experimenter",
		slog.String("cmd", "batch"),
		slog.Int("pid", os.Getpid()),
	))

	configPath, config, err := loadConfig(flagConfigFilePath)
	if err != nil {
		return err
	}

	overrides, err := service.ParseOverrides(v)
	if err != nil {
		return fmt.Errorf("parsing overrides: %w", err)
	}
	config, err = overrides.Apply(config)
	if err != nil {
		return err
	}

	// --verbose and --log-format have a precedence over config file
	if !cmd.Flags().Changed("verbose") && config.Service.Verbose {
		flagVerbose = true
	}
	if !cmd.Flags().Changed("log-format") && config.Service.LogFormat != "" {
		flagLogFormat = config.Service.LogFormat
	}
	if err := initLogging(cmd, nil); err != nil {
		return err
	}
	slog.DebugContext(ctx, "experimenter batch", "configPath", configPath)

	supervisor, err := service.NewSupervisor(ctx, config, service.WithConsole(os.Stderr))
	if err != nil {
		return err
	}
	return supervisor.Do(ctx)
}

// loadConfig finds the configuration: EXPERIMENTERCONFIG, --config,
// ./experimenter.yaml and the user config directory, in this order. When
// none exists a default one is stored in the user config directory.
func loadConfig(flagConfigFilePath string) (string, model.Config, error) {
	var configPath string
	if envConfig, ok := os.LookupEnv(envPrefix + "CONFIG"); ok {
		configPath = envConfig
	} else if flagConfigFilePath != "" {
		configPath = flagConfigFilePath
	} else {
		for _, d := range []string{".", userConfigPath} {
			path := filepath.Join(d, configName)
			if exists(path) {
				configPath = path
				break
			}
		}
	}

	if configPath != "" {
		config, err := service.ReadConfig(configPath)
		if err != nil {
			for _, d := range model.ConfigErrDetails(err) {
				slog.Error("invalid configuration", d.Attr("detail"))
			}
			return "", model.Config{}, fmt.Errorf("parsing config: %w", err)
		}
		return configPath, config, nil
	}

	// store default configuration
	config := model.DefaultConfig()
	configPath = filepath.Join(userConfigPath, configName)
	if err := os.MkdirAll(filepath.Dir(configPath), 0o755); err != nil {
		return "", model.Config{}, fmt.Errorf("creating directory %s: %w", filepath.Dir(configPath), err)
	}
	f, err := os.Create(configPath)
	if err != nil {
		return "", model.Config{}, fmt.Errorf("creating file %s: %w", configPath, err)
	}
	defer func() {
		_ = f.Close()
	}()
	if err := yaml.NewEncoder(f).Encode(config); err != nil {
		return "", model.Config{}, fmt.Errorf("storing configuration: %w", err)
	}
	slog.Info("default configuration stored", "path", configPath)
	return configPath, config, nil
}
