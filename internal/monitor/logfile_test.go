package monitor_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/pxs-lab/experimenter/internal/model"
	"github.com/pxs-lab/experimenter/internal/monitor"

	"github.com/stretchr/testify/require"
)

func TestLogfileSuccess(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	base := filepath.Join(t.TempDir(), "nested", "exp")

	l := monitor.NewLogfile(base, false)
	host := &fakeHost{}
	l.SetUp(ctx, host)
	require.Empty(t, host.Votes())
	require.Equal(t, monitor.LogStateRunning, l.State())

	l.Log(model.Record{Level: model.LevelInfo, Payload: "starting"})
	l.Log(model.Record{Level: model.LevelStdout, Payload: "raw line\n"})
	l.TearDown(ctx, 0)

	require.Equal(t, monitor.LogStateSuccess, l.State())
	require.False(t, l.IsRunning())
	b, err := os.ReadFile(l.SuccessPath())
	require.NoError(t, err)
	require.Contains(t, string(b), "[INFO] starting\n")
	require.Contains(t, string(b), "raw line\n")
	require.NotContains(t, string(b), "[STDOUT]")
}

func TestLogfileFailureReplacesSuccess(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	base := filepath.Join(t.TempDir(), "exp")
	require.NoError(t, os.WriteFile(base+".success.log", []byte("old"), 0o644))

	l := monitor.NewLogfile(base, true)
	host := &fakeHost{}
	l.SetUp(ctx, host)
	require.Empty(t, host.Votes())
	require.NotEmpty(t, host.Levels(model.LevelWarning))

	l.TearDown(ctx, 3)
	require.True(t, l.IsFailed())
	require.False(t, l.IsSuccess())
	require.False(t, l.IsRunning())
}

func TestLogfileCached(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	base := filepath.Join(t.TempDir(), "exp")
	require.NoError(t, os.WriteFile(base+".success.log", []byte("done"), 0o644))

	l := monitor.NewLogfile(base, false)
	host := &fakeHost{}
	l.SetUp(ctx, host)
	require.Equal(t, []model.Vote{{Code: model.SentinelCode, Reason: model.ReasonCached}}, host.Votes())

	// never opened, tear down leaves the cache alone
	l.TearDown(ctx, model.SentinelCode)
	b, err := os.ReadFile(l.SuccessPath())
	require.NoError(t, err)
	require.Equal(t, "done", string(b))
	require.False(t, l.IsFailed())
}

func TestLogfileAlreadyRunning(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	base := filepath.Join(t.TempDir(), "exp")

	first := monitor.NewLogfile(base, false)
	first.SetUp(ctx, &fakeHost{})

	second := monitor.NewLogfile(base, true)
	host := &fakeHost{}
	second.SetUp(ctx, host)
	require.Equal(t, []model.Vote{{Code: model.SentinelCode, Reason: model.ReasonAlreadyRunning}}, host.Votes())
	second.TearDown(ctx, model.SentinelCode)
	require.True(t, first.IsRunning())

	first.TearDown(ctx, 0)
	require.True(t, first.IsSuccess())
}

func TestLogfileDisabled(t *testing.T) {
	t.Parallel()
	l := monitor.NewLogfile("", false)
	host := &fakeHost{}
	l.SetUp(t.Context(), host)
	require.Nil(t, l.Verify(t.Context()))
	require.Equal(t, monitor.LogStateNone, l.State())
	l.TearDown(t.Context(), 0)
	require.Empty(t, host.Votes())
}
