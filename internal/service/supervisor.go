package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"time"

	gocron "github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"

	"github.com/pxs-lab/experimenter/internal/command"
	"github.com/pxs-lab/experimenter/internal/log"
	"github.com/pxs-lab/experimenter/internal/model"
	"github.com/pxs-lab/experimenter/internal/monitor"
	"github.com/pxs-lab/experimenter/internal/parallel"
	"github.com/pxs-lab/experimenter/internal/process"
)

// Supervisor runs the jobs of a configuration as batches.
type Supervisor struct {
	jobs      []model.Job
	parallel  int
	reporters []model.Reporter
	scheduler gocron.Scheduler
	start     chan struct{}
	console   io.Writer
	opts      []process.Option
}

type Option func(*Supervisor)

// WithReporters replaces the reporters derived from the configuration.
func WithReporters(reporters ...model.Reporter) Option {
	return func(s *Supervisor) {
		s.reporters = reporters
	}
}

// WithConsole prints warnings and errors of every run to w.
func WithConsole(w io.Writer) Option {
	return func(s *Supervisor) {
		s.console = w
	}
}

// WithProcessOptions is applied to every run of a batch.
func WithProcessOptions(opts ...process.Option) Option {
	return func(s *Supervisor) {
		s.opts = append(s.opts, opts...)
	}
}

func NewSupervisor(ctx context.Context, cfg model.Config, opts ...Option) (*Supervisor, error) {
	if cfg.Version != 0 {
		return nil, fmt.Errorf("config version %d is not supported, expected 0", cfg.Version)
	}
	if len(cfg.Jobs) == 0 {
		return nil, errors.New("no jobs configured")
	}

	s := &Supervisor{
		jobs:     cfg.Jobs,
		parallel: max(cfg.Service.Parallel, 1),
		start:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.reporters == nil {
		reporters, err := reporters(cfg.Service)
		if err != nil {
			return nil, fmt.Errorf("initializing reporters: %w", err)
		}
		s.reporters = reporters
	}

	if cfg.Service.Schedule != nil {
		scheduler, err := newScheduler(ctx, *cfg.Service.Schedule, s.trigger)
		if err != nil {
			s.closeReporters(ctx)
			return nil, fmt.Errorf("schedule failed: %w", err)
		}
		s.scheduler = scheduler
	}
	return s, nil
}

// Oneshot is true when no schedule is configured.
func (s *Supervisor) Oneshot() bool {
	return s.scheduler == nil
}

// trigger asks the loop for a batch. A tick arriving while a batch is
// still running is dropped.
func (s *Supervisor) trigger() {
	select {
	case s.start <- struct{}{}:
	default:
		slog.Warn("batch still running: skipping tick")
	}
}

// Do runs the supervisor.
//
// Without a schedule a single batch runs and Do returns the failures of
// its jobs joined together. Cached and already running jobs are not
// failures. With a schedule a batch runs on every tick until ctx is
// cancelled, failures are only logged and Do returns nil.
func (s *Supervisor) Do(ctx context.Context) error {
	defer s.closeReporters(ctx)

	if s.scheduler == nil {
		return s.Batch(ctx)
	}

	slog.DebugContext(ctx, "starting a scheduler")
	s.scheduler.Start()
	defer func() {
		if err := s.scheduler.Shutdown(); err != nil {
			slog.ErrorContext(ctx, "shutting down gocron has failed", "error", err)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.start:
			if err := s.Batch(ctx); err != nil {
				slog.ErrorContext(ctx, "batch failed", "error", err)
			}
		}
	}
}

// Batch runs every job once, at most parallel at a time, and reports the
// outcome to all reporters.
func (s *Supervisor) Batch(ctx context.Context) error {
	batch := model.BatchReport{
		ID:      uuid.NewString(),
		Started: time.Now(),
	}
	ctx = log.ContextAttrs(ctx, slog.String("batch_id", batch.ID))
	slog.InfoContext(ctx, "starting a batch", "jobs", len(s.jobs), "parallel", s.parallel)

	var errs []error
	for report, err := range parallel.NewMap(ctx, s.parallel, s.runJob).Iter(slices.Values(s.jobs)) {
		if err != nil {
			errs = append(errs, err)
			continue
		}
		batch.Jobs = append(batch.Jobs, report)
		if report.Failed() {
			errs = append(errs, fmt.Errorf("job %s: %w", report.Job, &model.ExitError{Code: report.ReturnCode, Reason: report.Reason}))
		}
	}
	batch.Finished = time.Now()

	slog.InfoContext(ctx, "batch finished", "jobs", len(batch.Jobs), "failed", len(errs), "elapsed", batch.Finished.Sub(batch.Started).String())
	errs = append(errs, s.report(ctx, batch))
	return errors.Join(errs...)
}

func (s *Supervisor) runJob(ctx context.Context, job model.Job) (model.JobReport, error) {
	ctx = log.ContextAttrs(ctx, slog.String("job_name", job.Name))
	opts := slices.Clone(s.opts)
	if s.console != nil {
		opts = append(opts, process.WithMonitors(monitor.NewPrint(s.console, model.LevelWarning, false)))
	}
	p, err := command.NewJob(job, opts...)
	if err != nil {
		return model.JobReport{}, fmt.Errorf("job %s: %w", job.Name, err)
	}

	slog.DebugContext(ctx, "starting a job")
	res, err := p.Run(ctx)
	if err != nil {
		return model.JobReport{}, fmt.Errorf("job %s: %w", job.Name, err)
	}
	report := model.NewJobReport(job.Name, res)
	slog.InfoContext(ctx, "job finished",
		"returncode", report.ReturnCode,
		"reason", report.Reason,
		"elapsed", report.Elapsed,
	)
	return report, nil
}

func (s *Supervisor) report(ctx context.Context, batch model.BatchReport) error {
	var errs []error
	for _, r := range s.reporters {
		if err := r.Report(ctx, batch); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Supervisor) closeReporters(ctx context.Context) {
	for _, r := range s.reporters {
		if closer, ok := r.(model.ReportCloser); ok {
			if err := closer.Close(); err != nil {
				slog.ErrorContext(ctx, "closing reporter has failed", "error", err)
			}
		}
	}
}

func newScheduler(ctx context.Context, cfg model.Schedule, task func()) (gocron.Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var job gocron.JobDefinition
	switch {
	case cfg.Cron != "":
		job = gocron.CronJob(cfg.Cron, false)
		slog.DebugContext(ctx, "successfully parsed", "cron", cfg.Cron)
	default:
		d, err := model.ParseISODuration(cfg.Duration)
		if err != nil {
			return nil, fmt.Errorf("parsing service.schedule.duration: %w", err)
		}
		job = gocron.DurationJob(d)
		slog.DebugContext(ctx, "successfully parsed", "duration", d.String())
	}

	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("initializing gocron scheduler: %w", err)
	}
	if _, err := s.NewJob(job, gocron.NewTask(task)); err != nil {
		return nil, fmt.Errorf("initializing gocron job: %w", err)
	}
	return s, nil
}
