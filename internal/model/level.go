package model

import (
	"fmt"
	"strings"
)

// Level tags an output record. The numeric values order the levels for
// filtering; the two stream levels sort above every diagnostic level.
type Level int

const (
	LevelNotSet   Level = 0
	LevelDebug    Level = 10
	LevelSettings Level = 15
	LevelInfo     Level = 20
	LevelStatus   Level = 25
	LevelWarning  Level = 30
	LevelError    Level = 40
	LevelCritical Level = 50
	LevelStdout   Level = 60
	LevelStderr   Level = 70
)

var levelNames = map[Level]string{
	LevelNotSet:   "NOTSET",
	LevelDebug:    "DEBUG",
	LevelSettings: "SETTINGS",
	LevelInfo:     "INFO",
	LevelStatus:   "STATUS",
	LevelWarning:  "WARNING",
	LevelError:    "ERROR",
	LevelCritical: "CRITICAL",
	LevelStdout:   "STDOUT",
	LevelStderr:   "STDERR",
}

func (l Level) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return fmt.Sprintf("LEVEL(%d)", int(l))
}

// IsStream reports whether l carries raw output of the work unit.
func (l Level) IsStream() bool {
	return l >= LevelStdout
}

// Prefix is the text written in front of a record in plain-text logs.
// STDOUT lines are passed through without any prefix.
func (l Level) Prefix() string {
	switch l {
	case LevelStdout, LevelNotSet:
		return ""
	default:
		return "[" + l.String() + "] "
	}
}

// ParseLevel accepts a level name in any case.
func ParseLevel(s string) (Level, error) {
	want := strings.ToUpper(strings.TrimSpace(s))
	for l, name := range levelNames {
		if name == want {
			return l, nil
		}
	}
	return LevelNotSet, fmt.Errorf("unknown level %q", s)
}

func (l Level) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

func (l *Level) UnmarshalText(b []byte) error {
	parsed, err := ParseLevel(string(b))
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}
