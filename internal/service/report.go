package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/pxs-lab/experimenter/internal/model"
)

func reporters(cfg model.Service) ([]model.Reporter, error) {
	if cfg.ReportDir == "" {
		return []model.Reporter{NewWriteReporter(os.Stdout)}, nil
	}
	if err := os.MkdirAll(cfg.ReportDir, 0o755); err != nil {
		return nil, err
	}
	r, err := NewDirReporter(cfg.ReportDir)
	if err != nil {
		return nil, err
	}
	return []model.Reporter{r}, nil
}

// WriteReporter writes one JSON line per job.
type WriteReporter struct {
	mx sync.Mutex
	w  io.Writer
}

func NewWriteReporter(w io.Writer) *WriteReporter {
	return &WriteReporter{w: w}
}

func (r *WriteReporter) Report(_ context.Context, batch model.BatchReport) error {
	r.mx.Lock()
	defer r.mx.Unlock()
	if r.w == nil {
		r.w = os.Stdout
	}
	enc := json.NewEncoder(r.w)
	for _, job := range batch.Jobs {
		line := struct {
			Batch string `json:"batch"`
			model.JobReport
		}{Batch: batch.ID, JobReport: job}
		if err := enc.Encode(line); err != nil {
			return fmt.Errorf("writing report of %s: %w", job.Job, err)
		}
	}
	return nil
}

// DirReporter stores a summary file per batch inside a directory.
type DirReporter struct {
	root *os.Root
}

func NewDirReporter(path string) (*DirReporter, error) {
	root, err := os.OpenRoot(path)
	if err != nil {
		return nil, err
	}
	return &DirReporter{root: root}, nil
}

func (r *DirReporter) Report(ctx context.Context, batch model.BatchReport) error {
	if r.root == nil {
		return errors.New("root already closed")
	}

	id := batch.ID
	if len(id) > 8 {
		id = id[:8]
	}
	path := "experimenter-" + batch.Started.Format("2006-01-02-15-04-05") + "-" + id + ".json"
	b, err := json.MarshalIndent(batch, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding batch report: %w", err)
	}

	f, err := r.root.Create(path)
	if err != nil {
		return fmt.Errorf("creating batch report: %w", err)
	}
	if _, err = f.Write(b); err != nil {
		_ = f.Close()
		return fmt.Errorf("saving batch report: %w", err)
	}
	if err = f.Close(); err != nil {
		return fmt.Errorf("closing batch report: %w", err)
	}
	slog.InfoContext(ctx, "batch report saved", "path", path)
	return nil
}

func (r *DirReporter) Close() error {
	if r.root == nil {
		return errors.New("reporter already closed")
	}
	err := r.root.Close()
	r.root = nil
	return err
}
