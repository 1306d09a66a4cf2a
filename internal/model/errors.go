package model

import (
	"errors"
	"fmt"
)

var (
	ErrEmptyCommand          = errors.New("empty command")
	ErrNotStarted            = errors.New("work unit not started")
	ErrAlreadyStarted        = errors.New("run already started")
	ErrFunctionNotRegistered = errors.New("function not registered")
	ErrPTYUnsupported        = errors.New("pseudo-terminal not supported on this platform")
	// ErrInterrupted is the cancel cause of a context cancelled by an
	// operator signal.
	ErrInterrupted = errors.New("interrupted")
)

// ExitError carries a non-zero verdict code out of a command.
type ExitError struct {
	Code   int
	Reason string
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("run ended with code %d (%s)", e.Code, e.Reason)
}

// ExitStatus maps a verdict code to a process exit status.
func (e *ExitError) ExitStatus() int {
	switch {
	case e.Code <= 0:
		return 1
	case e.Code > 255:
		return 255
	default:
		return e.Code
	}
}
