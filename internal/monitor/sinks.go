package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/pxs-lab/experimenter/internal/model"
)

// Print writes records to a console-like writer.
type Print struct {
	Base
	w             io.Writer
	minLevel      model.Level
	includeStdout bool

	mx sync.Mutex
}

// NewPrint returns a sink writing records of at least minLevel to w
// (os.Stdout when nil). Output of the work unit is only written when
// includeStdout is set.
func NewPrint(w io.Writer, minLevel model.Level, includeStdout bool) *Print {
	if w == nil {
		w = os.Stdout
	}
	return &Print{w: w, minLevel: minLevel, includeStdout: includeStdout}
}

// DefaultPrint is the sink installed when a run has no monitors at all.
func DefaultPrint() *Print {
	return NewPrint(os.Stdout, model.LevelInfo, true)
}

func (p *Print) Kind() Kind            { return KindPrint }
func (p *Print) ListensToOutput() bool { return true }

func (p *Print) Log(rec model.Record) {
	if rec.Level < p.minLevel {
		return
	}
	if rec.Level.IsStream() && !p.includeStdout {
		return
	}
	p.mx.Lock()
	defer p.mx.Unlock()
	_, _ = io.WriteString(p.w, line(rec))
}

// JSONFile writes records as a JSON array of {ts, type, values} objects.
// The opening bracket is written on set up, the closing one on tear down.
type JSONFile struct {
	Base
	path          string
	minLevel      model.Level
	includeStdout bool

	mx    sync.Mutex
	file  *os.File
	first bool
}

type jsonRow struct {
	TS     string `json:"ts"`
	Type   string `json:"type"`
	Values any    `json:"values"`
}

// NewJSONFile returns a structured sink for records of at least minLevel.
func NewJSONFile(path string, minLevel model.Level, includeStdout bool) *JSONFile {
	return &JSONFile{path: path, minLevel: minLevel, includeStdout: includeStdout}
}

func (j *JSONFile) Kind() Kind            { return KindJSONFile }
func (j *JSONFile) ListensToOutput() bool { return true }

func (j *JSONFile) Settings() map[string]any {
	return map[string]any{
		"jsonfile": j.path,
	}
}

func (j *JSONFile) SetUp(ctx context.Context, host Host) {
	j.Base.SetUp(ctx, host)
	f, err := os.Create(j.path)
	if err != nil {
		j.errorf("Cannot create json log %s: %v", j.path, err)
		slog.ErrorContext(ctx, "creating json log", "path", j.path, "error", err)
		return
	}
	if _, err := f.WriteString("[\n"); err != nil {
		slog.ErrorContext(ctx, "writing json log", "path", j.path, "error", err)
	}
	j.mx.Lock()
	j.file = f
	j.first = true
	j.mx.Unlock()
}

func (j *JSONFile) Log(rec model.Record) {
	if rec.Level < j.minLevel {
		return
	}
	if rec.Level.IsStream() && !j.includeStdout {
		return
	}
	j.write(rec)
}

func (j *JSONFile) write(rec model.Record) {
	row := jsonRow{
		TS:     time.Now().UTC().Format(time.RFC3339Nano),
		Type:   rec.Level.String(),
		Values: rec.Payload,
	}
	b, err := json.MarshalIndent(row, "", "  ")
	if err != nil {
		row.Values = fmt.Sprint(rec.Payload)
		b, _ = json.MarshalIndent(row, "", "  ")
	}

	j.mx.Lock()
	defer j.mx.Unlock()
	if j.file == nil {
		return
	}
	if !j.first {
		_, _ = j.file.WriteString(",\n")
	}
	j.first = false
	_, _ = j.file.Write(b)
}

func (j *JSONFile) TearDown(ctx context.Context, code int) {
	j.Base.TearDown(ctx, code)
	j.mx.Lock()
	defer j.mx.Unlock()
	if j.file == nil {
		return
	}
	_, _ = j.file.WriteString("\n]\n")
	if err := j.file.Close(); err != nil {
		slog.WarnContext(ctx, "closing json log", "path", j.path, "error", err)
	}
	j.file = nil
}
