package model

import (
	"strings"
	"time"
)

// Record is a single entry on the output channel. Payload is either a
// string (stream lines keep their trailing newline) or a structured value,
// usually a map[string]any.
type Record struct {
	Level   Level
	Payload any
}

// SentinelCode is voted by every monitor that stops a run and is the final
// code of a run aborted before the work unit exited on its own.
const SentinelCode = 999

// Reasons carried by stop votes and reported in the verdict.
const (
	ReasonFinished       = "finished"
	ReasonCached         = "cached_version"
	ReasonAlreadyRunning = "already_running"
	ReasonTimeLimit      = "time_limit"
	ReasonMemoryLimit    = "memory_limit"
	ReasonMemoryLow      = "memory_low"
	ReasonFileSizeLimit  = "filesize_limit"
	ReasonDiskSpaceLow   = "diskspace_low"
	ReasonFileMissing    = "file does not exist"
	ReasonSetupFailed    = "setup_failed"
	ReasonKeyboard       = "keyboard"
	ReasonOther          = "other"
)

// Vote is a request to stop the run.
type Vote struct {
	Code   int
	Reason string
}

// RunResult is what a run hands back to its caller.
type RunResult struct {
	RunID      string
	ReturnCode int
	Reasons    []string
	Started    time.Time
	Stopped    time.Time
	Elapsed    time.Duration
	// Raw is the JSON encoded return value of an in-process function.
	Raw []byte
	// Err is set when the work unit could not be started.
	Err error
}

// Reason joins all stop reasons the way they are reported in the logs.
func (r RunResult) Reason() string {
	return strings.Join(r.Reasons, ", ")
}

func (r RunResult) ElapsedSeconds() float64 {
	return r.Elapsed.Seconds()
}

// Skipped is true for runs short-circuited by the logfile cache or by a
// concurrent run holding the running marker.
func (r RunResult) Skipped() bool {
	for _, reason := range r.Reasons {
		if reason == ReasonCached || reason == ReasonAlreadyRunning {
			return true
		}
	}
	return false
}

// HasReason reports whether reason was voted during the run.
func (r RunResult) HasReason(reason string) bool {
	for _, got := range r.Reasons {
		if got == reason {
			return true
		}
	}
	return false
}
