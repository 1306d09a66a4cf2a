package model

import (
	"context"
	"encoding/json"
	"time"
)

// JobReport is the outcome of one job of a batch.
type JobReport struct {
	Job        string          `json:"job"`
	RunID      string          `json:"run_id,omitempty"`
	ReturnCode int             `json:"returncode"`
	Reason     string          `json:"reason"`
	Skipped    bool            `json:"skipped"`
	Started    time.Time       `json:"started"`
	Elapsed    float64         `json:"elapsed"`
	Error      string          `json:"error,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
}

// Failed reports whether the job counts as a failure of its batch.
// Skipped runs never fail.
func (r JobReport) Failed() bool {
	return !r.Skipped && (r.Error != "" || r.ReturnCode != 0)
}

// NewJobReport summarizes the result of a run of job.
func NewJobReport(job string, res RunResult) JobReport {
	r := JobReport{
		Job:        job,
		RunID:      res.RunID,
		ReturnCode: res.ReturnCode,
		Reason:     res.Reason(),
		Skipped:    res.Skipped(),
		Started:    res.Started,
		Elapsed:    res.ElapsedSeconds(),
		Result:     res.Raw,
	}
	if res.Err != nil {
		r.Error = res.Err.Error()
	}
	return r
}

// BatchReport groups the job reports of one batch in completion order.
type BatchReport struct {
	ID       string      `json:"id"`
	Started  time.Time   `json:"started"`
	Finished time.Time   `json:"finished"`
	Jobs     []JobReport `json:"jobs"`
}

type Reporter interface {
	Report(ctx context.Context, batch BatchReport) error
}

type ReportCloser interface {
	Reporter
	Close() error
}
