package model

import (
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	cueerrors "cuelang.org/go/cue/errors"
)

// ConfigErrorDetail is one schema violation in a human readable form.
type ConfigErrorDetail struct {
	Path    string // jobs.0.command.path
	Code    string // missing_required | unknown_field | conflicting_values | invalid_value | validation_error
	Message string
	Line    int
	Column  int
	Raw     string
}

func (c ConfigErrorDetail) Attr(name string) slog.Attr {
	return slog.GroupAttrs(
		name,
		slog.String("code", c.Code),
		slog.String("path", c.Path),
		slog.String("message", c.Message),
		slog.Int("line", c.Line),
		slog.Int("column", c.Column),
	)
}

var (
	reIncomplete  = regexp.MustCompile(`(?i)incomplete value`)
	reNotAllowed  = regexp.MustCompile(`(?i)not allowed|unknown field`)
	reConflict    = regexp.MustCompile(`(?i)conflicting values|cannot unify|incompatible`)
	reInvalidWant = regexp.MustCompile(`(?i)invalid value|out of bound|does not match`)
)

// ConfigErrDetails splits an error returned by LoadConfig into details.
// Errors not coming from the schema yield a single validation_error.
func ConfigErrDetails(err error) []ConfigErrorDetail {
	if err == nil {
		return nil
	}
	var cerr cueerrors.Error
	if !errors.As(err, &cerr) {
		return []ConfigErrorDetail{{Code: "validation_error", Message: err.Error(), Raw: err.Error()}}
	}
	errs := cueerrors.Errors(err)

	type pos struct{ line, col int }
	seen := make(map[pos]struct{})
	var out []ConfigErrorDetail
	for _, e := range errs {
		format, args := e.Msg()
		raw := fmt.Sprintf(format, args...)
		if raw == "" {
			raw = e.Error()
		}
		path := normalizePath(e.Path())
		d := ConfigErrorDetail{Path: path, Raw: raw}
		d.Code, d.Message = classify(raw, path)
		for _, p := range cueerrors.Positions(e) {
			if p.Filename() == "" {
				continue
			}
			d.Line, d.Column = p.Line(), p.Column()
			break
		}
		k := pos{d.Line, d.Column}
		if _, ok := seen[k]; ok && d.Line != 0 {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, d)
	}
	return out
}

func normalizePath(p []string) string {
	if len(p) > 0 && strings.HasPrefix(p[0], "#") {
		p = p[1:]
	}
	return strings.Join(p, ".")
}

func classify(raw, path string) (code, msg string) {
	switch {
	case reNotAllowed.MatchString(raw):
		return "unknown_field", fmt.Sprintf("Field %s is not allowed", last(path))
	case reIncomplete.MatchString(raw):
		return "missing_required", fmt.Sprintf("Field %s is required", last(path))
	case reConflict.MatchString(raw):
		return "conflicting_values", fmt.Sprintf("Conflicting values for %s", last(path))
	case reInvalidWant.MatchString(raw):
		return "invalid_value", fmt.Sprintf("Field %s has invalid value", last(path))
	default:
		return "validation_error", raw
	}
}

func last(p string) string {
	if i := strings.LastIndexByte(p, '.'); i >= 0 {
		return p[i+1:]
	}
	return p
}
