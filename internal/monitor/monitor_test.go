package monitor_test

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pxs-lab/experimenter/internal/model"
	"github.com/pxs-lab/experimenter/internal/monitor"

	"github.com/stretchr/testify/require"
)

type fakeHost struct {
	pid int

	mx      sync.Mutex
	records []model.Record
	votes   []model.Vote
}

func (h *fakeHost) Emit(level model.Level, payload any) {
	h.mx.Lock()
	defer h.mx.Unlock()
	h.records = append(h.records, model.Record{Level: level, Payload: payload})
}

func (h *fakeHost) Vote(code int, reason string) {
	h.mx.Lock()
	defer h.mx.Unlock()
	h.votes = append(h.votes, model.Vote{Code: code, Reason: reason})
}

func (h *fakeHost) PID() int { return h.pid }

func (h *fakeHost) Votes() []model.Vote {
	h.mx.Lock()
	defer h.mx.Unlock()
	return append([]model.Vote(nil), h.votes...)
}

func (h *fakeHost) Levels(level model.Level) []any {
	h.mx.Lock()
	defer h.mx.Unlock()
	var ret []any
	for _, r := range h.records {
		if r.Level == level {
			ret = append(ret, r.Payload)
		}
	}
	return ret
}

func TestFormat(t *testing.T) {
	t.Parallel()
	var tests = []struct {
		given any
		then  string
	}{
		{"plain", "plain"},
		{nil, "null"},
		{1.5, "1.50000"},
		{42, "42"},
		{[]any{"a", 2}, "[a; 2]"},
		{map[string]any{"b": 1, "a": "x"}, "a:x; b:1"},
		{map[string]any{"a": map[string]any{"b": 1}}, "{\n  \"a\": {\n    \"b\": 1\n  }\n}"},
	}
	for _, tt := range tests {
		require.Equal(t, tt.then, monitor.Format(tt.given))
	}
}

func TestPrint(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	p := monitor.NewPrint(&buf, model.LevelInfo, false)
	require.True(t, p.ListensToOutput())
	require.False(t, p.Watchdog())

	p.Log(model.Record{Level: model.LevelDebug, Payload: "hidden"})
	p.Log(model.Record{Level: model.LevelStdout, Payload: "out\n"})
	p.Log(model.Record{Level: model.LevelWarning, Payload: "careful"})
	require.Equal(t, "[WARNING] careful\n", buf.String())

	buf.Reset()
	p = monitor.NewPrint(&buf, model.LevelInfo, true)
	p.Log(model.Record{Level: model.LevelStdout, Payload: "out\n"})
	p.Log(model.Record{Level: model.LevelStderr, Payload: "err\n"})
	require.Equal(t, "out\n[STDERR] err\n", buf.String())
}

func TestJSONFile(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	path := filepath.Join(t.TempDir(), "run.json")

	j := monitor.NewJSONFile(path, model.LevelInfo, true)
	j.SetUp(ctx, &fakeHost{})
	j.Log(model.Record{Level: model.LevelDebug, Payload: "hidden"})
	j.Log(model.Record{Level: model.LevelInfo, Payload: "hello"})
	j.Log(model.Record{Level: model.LevelStatus, Payload: map[string]any{"mem(MiB)": 1.5}})
	j.Log(model.Record{Level: model.LevelStdout, Payload: "line\n"})
	j.TearDown(ctx, 0)

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	var rows []struct {
		TS     string `json:"ts"`
		Type   string `json:"type"`
		Values any    `json:"values"`
	}
	require.NoError(t, json.Unmarshal(b, &rows))
	require.Len(t, rows, 3)
	require.Equal(t, "INFO", rows[0].Type)
	require.Equal(t, "hello", rows[0].Values)
	require.Equal(t, "STATUS", rows[1].Type)
	require.Equal(t, map[string]any{"mem(MiB)": 1.5}, rows[1].Values)
	require.Equal(t, "STDOUT", rows[2].Type)
	_, err = time.Parse(time.RFC3339Nano, rows[0].TS)
	require.NoError(t, err)
}

func TestJSONFileEmpty(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "run.json")
	j := monitor.NewJSONFile(path, model.LevelInfo, false)
	j.SetUp(t.Context(), &fakeHost{})
	j.TearDown(t.Context(), 0)

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	var rows []any
	require.NoError(t, json.Unmarshal(b, &rows))
	require.Empty(t, rows)
}
