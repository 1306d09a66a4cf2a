package model_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pxs-lab/experimenter/internal/model"
)

func TestLevel(t *testing.T) {
	t.Parallel()
	require.Less(t, model.LevelDebug, model.LevelSettings)
	require.Less(t, model.LevelSettings, model.LevelInfo)
	require.Less(t, model.LevelCritical, model.LevelStdout)
	require.Less(t, model.LevelStdout, model.LevelStderr)
	require.True(t, model.LevelStderr.IsStream())
	require.False(t, model.LevelCritical.IsStream())

	require.Equal(t, "", model.LevelStdout.Prefix())
	require.Equal(t, "[STDERR] ", model.LevelStderr.Prefix())
	require.Equal(t, "[WARNING] ", model.LevelWarning.Prefix())
	require.Equal(t, "LEVEL(42)", model.Level(42).String())

	l, err := model.ParseLevel(" status ")
	require.NoError(t, err)
	require.Equal(t, model.LevelStatus, l)
	_, err = model.ParseLevel("loud")
	require.Error(t, err)

	var u model.Level
	require.NoError(t, u.UnmarshalText([]byte("error")))
	require.Equal(t, model.LevelError, u)
	b, err := u.MarshalText()
	require.NoError(t, err)
	require.Equal(t, "ERROR", string(b))
}

func TestRunResult(t *testing.T) {
	t.Parallel()
	res := model.RunResult{ReturnCode: model.SentinelCode, Reasons: []string{model.ReasonTimeLimit, model.ReasonMemoryLimit}}
	require.Equal(t, "time_limit, memory_limit", res.Reason())
	require.True(t, res.HasReason(model.ReasonMemoryLimit))
	require.False(t, res.Skipped())

	report := model.NewJobReport("a", res)
	require.True(t, report.Failed())

	cached := model.NewJobReport("b", model.RunResult{ReturnCode: model.SentinelCode, Reasons: []string{model.ReasonCached}})
	require.True(t, cached.Skipped)
	require.False(t, cached.Failed())

	broken := model.NewJobReport("c", model.RunResult{ReturnCode: model.SentinelCode, Reasons: []string{model.ReasonSetupFailed}, Err: errors.New("exec: not found")})
	require.Equal(t, "exec: not found", broken.Error)
	require.True(t, broken.Failed())
}

func TestCommand(t *testing.T) {
	_, err := model.NewCommand()
	require.ErrorIs(t, err, model.ErrEmptyCommand)

	cmd, err := model.NewCommand("python", "fit.py", "-c", "config.json")
	require.NoError(t, err)
	require.Equal(t, "python", cmd.Path)
	require.Equal(t, "python fit.py -c config.json", cmd.String())

	t.Setenv("EXP_HOME", "/home/exp")
	env := model.EnvFromMap(map[string]string{"home": "$EXP_HOME"})
	require.Equal(t, []string{"HOME=/home/exp"}, env)
	require.Nil(t, model.EnvFromMap(nil))
}

func TestExitError(t *testing.T) {
	t.Parallel()
	require.Equal(t, 255, (&model.ExitError{Code: model.SentinelCode}).ExitStatus())
	require.Equal(t, 3, (&model.ExitError{Code: 3}).ExitStatus())
	require.Equal(t, 1, (&model.ExitError{Code: -1}).ExitStatus())
}
