package model

import (
	"errors"
	"fmt"
	"io"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/encoding/yaml"

	_ "embed"
)

//go:embed config.cue
var cueSource []byte

var (
	cueCtx *cue.Context
	schema cue.Value
)

func init() {
	if len(cueSource) == 0 {
		panic("variable cueSource is empty")
	}
	cueCtx = cuecontext.New()
	compiled := cueCtx.CompileBytes(cueSource)
	if compiled.Err() != nil {
		panic(compiled.Err())
	}
	schema = compiled.LookupPath(cue.ParsePath("#Config"))
	if schema.Err() != nil {
		panic(schema.Err())
	}
}

// Config describes a batch of supervised runs.
type Config struct {
	Version int     `json:"version" yaml:"version"`
	Service Service `json:"service" yaml:"service"`
	Jobs    []Job   `json:"jobs" yaml:"jobs"`
}

type Service struct {
	Parallel  int       `json:"parallel" yaml:"parallel"`
	Verbose   bool      `json:"verbose" yaml:"verbose"`
	LogFormat string    `json:"log_format" yaml:"log_format"`
	ReportDir string    `json:"report_dir,omitempty" yaml:"report_dir,omitempty"`
	Schedule  *Schedule `json:"schedule,omitempty" yaml:"schedule,omitempty"`
}

// Schedule repeats the batch. Exactly one of the fields is set.
type Schedule struct {
	Cron     string `json:"cron,omitempty" yaml:"cron,omitempty"`
	Duration string `json:"duration,omitempty" yaml:"duration,omitempty"`
}

// Job is one supervised run. The work unit is either a plain command or
// a script invocation built from its parts.
type Job struct {
	Name       string         `json:"name" yaml:"name"`
	Command    *JobCommand    `json:"command,omitempty" yaml:"command,omitempty"`
	Script     *Script        `json:"script,omitempty" yaml:"script,omitempty"`
	Log        string         `json:"log,omitempty" yaml:"log,omitempty"`
	Force      bool           `json:"force" yaml:"force"`
	Timeout    string         `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	Unbuffered bool           `json:"unbuffered" yaml:"unbuffered"`
	Interval   string         `json:"interval,omitempty" yaml:"interval,omitempty"`
	Memory     *Memory        `json:"memory,omitempty" yaml:"memory,omitempty"`
	FileSize   *FileSize      `json:"filesize,omitempty" yaml:"filesize,omitempty"`
	Disk       *Disk          `json:"disk,omitempty" yaml:"disk,omitempty"`
	JSON       string         `json:"json,omitempty" yaml:"json,omitempty"`
	Params     map[string]any `json:"params,omitempty" yaml:"params,omitempty"`
}

type JobCommand struct {
	Path string            `json:"path" yaml:"path"`
	Args []string          `json:"args" yaml:"args"`
	Dir  string            `json:"dir,omitempty" yaml:"dir,omitempty"`
	Env  map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
}

// Script is the token layout of an analytics engine invocation:
// [launcher] executable [flag] config [fold].
type Script struct {
	Launcher   string `json:"launcher,omitempty" yaml:"launcher,omitempty"`
	Executable string `json:"executable" yaml:"executable"`
	Flag       string `json:"flag,omitempty" yaml:"flag,omitempty"`
	Config     string `json:"config" yaml:"config"`
	Fold       *int   `json:"fold,omitempty" yaml:"fold,omitempty"`
	Dir        string `json:"dir,omitempty" yaml:"dir,omitempty"`
}

type Memory struct {
	MaxMB          float64 `json:"max_mb" yaml:"max_mb"`
	MinAvailableMB float64 `json:"min_available_mb" yaml:"min_available_mb"`
}

type FileSize struct {
	Path  string  `json:"path" yaml:"path"`
	MaxMB float64 `json:"max_mb" yaml:"max_mb"`
}

type Disk struct {
	Path           string  `json:"path,omitempty" yaml:"path,omitempty"`
	MinAvailableMB float64 `json:"min_available_mb" yaml:"min_available_mb"`
}

// Validate checks what the schema cannot express.
func (j Job) Validate() error {
	if (j.Command == nil) == (j.Script == nil) {
		return fmt.Errorf("job %s: exactly one of command or script must be set", j.Name)
	}
	if _, err := j.TimeLimit(); err != nil {
		return fmt.Errorf("job %s: timeout: %w", j.Name, err)
	}
	if _, err := j.PollInterval(); err != nil {
		return fmt.Errorf("job %s: interval: %w", j.Name, err)
	}
	return nil
}

// TimeLimit parses Timeout, either a Go duration ("6m") or an ISO8601 one
// ("PT6M"). An empty timeout is no limit.
func (j Job) TimeLimit() (time.Duration, error) {
	return parseDuration(j.Timeout)
}

// PollInterval is the watchdog interval, zero for the default.
func (j Job) PollInterval() (time.Duration, error) {
	return parseDuration(j.Interval)
}

func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	if d, err := time.ParseDuration(s); err == nil {
		return d, nil
	}
	return ParseISODuration(s)
}

// DefaultConfig is written when no configuration file exists yet.
func DefaultConfig() Config {
	return Config{
		Service: Service{
			Parallel:  1,
			LogFormat: "json",
		},
		Jobs: []Job{
			{
				Name: "hello",
				Command: &JobCommand{
					Path: "echo",
					Args: []string{"hello", "world"},
				},
				Log:     "logs/hello",
				Timeout: "1m",
			},
		},
	}
}

// LoadConfig validates YAML from r against the schema and decodes it.
func LoadConfig(r io.Reader) (Config, error) {
	src, err := io.ReadAll(r)
	if err != nil {
		return Config{}, fmt.Errorf("reading config: %w", err)
	}
	file, err := yaml.Extract("config.yaml", src)
	if err != nil {
		return Config{}, err
	}
	unified := schema.Unify(cueCtx.BuildFile(file))
	if err := unified.Validate(cue.All(), cue.Concrete(true)); err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := unified.Decode(&cfg); err != nil {
		return Config{}, err
	}
	var errs []error
	if cfg.Service.Schedule != nil {
		errs = append(errs, cfg.Service.Schedule.Validate())
	}
	names := make(map[string]struct{}, len(cfg.Jobs))
	for _, j := range cfg.Jobs {
		if _, dup := names[j.Name]; dup {
			errs = append(errs, fmt.Errorf("job %s: duplicate name", j.Name))
		}
		names[j.Name] = struct{}{}
		errs = append(errs, j.Validate())
	}
	if err := errors.Join(errs...); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
