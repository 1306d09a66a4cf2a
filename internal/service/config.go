package service

import (
	"fmt"
	"os"
	"slices"

	"github.com/spf13/viper"

	"github.com/pxs-lab/experimenter/internal/model"
)

// Overrides are batch settings given by flags or the environment. They
// win over the configuration file.
type Overrides struct {
	Parallel  int      `mapstructure:"parallel"`
	ReportDir string   `mapstructure:"report_dir"`
	Force     bool     `mapstructure:"force"`
	Jobs      []string `mapstructure:"jobs"`
}

// ParseOverrides decodes the overrides known to v, a viper instance with
// flags and environment bound.
func ParseOverrides(v *viper.Viper) (Overrides, error) {
	var o Overrides
	err := v.Unmarshal(&o)
	return o, err
}

// Apply returns cfg with the overrides set. A non-empty job list keeps
// only the named jobs.
func (o Overrides) Apply(cfg model.Config) (model.Config, error) {
	if o.Parallel > 0 {
		cfg.Service.Parallel = o.Parallel
	}
	if o.ReportDir != "" {
		cfg.Service.ReportDir = o.ReportDir
	}

	jobs := make([]model.Job, 0, len(cfg.Jobs))
	for _, j := range cfg.Jobs {
		if len(o.Jobs) > 0 && !slices.Contains(o.Jobs, j.Name) {
			continue
		}
		if o.Force {
			j.Force = true
		}
		jobs = append(jobs, j)
	}
	for _, name := range o.Jobs {
		if !slices.ContainsFunc(jobs, func(j model.Job) bool { return j.Name == name }) {
			return model.Config{}, fmt.Errorf("job %s: not configured", name)
		}
	}
	cfg.Jobs = jobs
	return cfg, nil
}

// ReadConfig loads and validates the configuration file at path.
func ReadConfig(path string) (model.Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return model.Config{}, err
	}
	defer f.Close()
	cfg, err := model.LoadConfig(f)
	if err != nil {
		return model.Config{}, fmt.Errorf("loading %s: %w", path, err)
	}
	return cfg, nil
}
