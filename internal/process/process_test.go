package process_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	gprocess "github.com/shirou/gopsutil/v4/process"
	"github.com/stretchr/testify/require"

	"github.com/pxs-lab/experimenter/internal/model"
	"github.com/pxs-lab/experimenter/internal/monitor"
	"github.com/pxs-lab/experimenter/internal/process"
	"github.com/pxs-lab/experimenter/internal/proctree"
)

func TestRunFinished(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	p := process.NewExternalProcess(shell(t, "echo out; echo err >&2"), fast(rec)...)

	res, err := p.Run(t.Context())
	require.NoError(t, err)
	require.NoError(t, res.Err)
	require.Equal(t, 0, res.ReturnCode)
	require.Equal(t, []string{model.ReasonFinished}, res.Reasons)
	require.Equal(t, process.StateTornDown, p.State())
	require.NotEmpty(t, res.RunID)

	require.Equal(t, []string{"out\n"}, rec.Lines(model.LevelStdout))
	require.Equal(t, []string{"err\n"}, rec.Lines(model.LevelStderr))
	require.True(t, rec.Has(model.LevelInfo, "Start: Run process"))
	require.True(t, rec.Has(model.LevelInfo, "Process ended (returncode 0)"))
	require.True(t, rec.Has(model.LevelSettings, "run_id"))
	require.True(t, rec.Has(model.LevelWarning, "Returncode"))

	_, err = p.Run(t.Context())
	require.ErrorIs(t, err, model.ErrAlreadyStarted)
}

func TestRunExitCode(t *testing.T) {
	t.Parallel()
	p := process.NewExternalProcess(shell(t, "exit 3"), fast(&recorder{})...)
	res, err := p.Run(t.Context())
	require.NoError(t, err)
	require.Equal(t, 3, res.ReturnCode)
	require.Equal(t, model.ReasonFinished, res.Reason())
}

func TestRunTimeLimit(t *testing.T) {
	t.Parallel()
	interval := 50 * time.Millisecond
	grace := time.Second
	tl := monitor.NewTimeLimit(300*time.Millisecond, monitor.WithInterval(interval))
	rec := &recorder{}
	p := process.NewExternalProcess(shell(t, "sleep 30"), fast(rec, tl)...)

	start := time.Now()
	res, err := p.Run(t.Context())
	require.NoError(t, err)
	require.Equal(t, model.SentinelCode, res.ReturnCode)
	require.Equal(t, []string{model.ReasonTimeLimit}, res.Reasons)
	require.Less(t, time.Since(start), 300*time.Millisecond+interval+grace+2*time.Second)
	require.True(t, rec.Has(model.LevelInfo, "Kill process (time_limit)"))
}

func TestRunLogfileCache(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	base := filepath.Join(dir, "exp")
	marker := filepath.Join(dir, "marker")
	script := fmt.Sprintf("echo run >> %q", marker)

	first := process.NewExternalProcess(shell(t, script), fast(monitor.NewLogfile(base, false))...)
	res, err := first.Run(t.Context())
	require.NoError(t, err)
	require.Equal(t, 0, res.ReturnCode)
	require.FileExists(t, base+".success.log")

	second := process.NewExternalProcess(shell(t, script), fast(monitor.NewLogfile(base, false))...)
	res, err = second.Run(t.Context())
	require.NoError(t, err)
	require.Equal(t, model.SentinelCode, res.ReturnCode)
	require.Equal(t, []string{model.ReasonCached}, res.Reasons)
	require.True(t, res.Skipped())
	require.NotEqual(t, process.StateRunning, second.State())

	b, err := os.ReadFile(marker)
	require.NoError(t, err)
	require.Equal(t, "run\n", string(b))
	require.FileExists(t, base+".success.log")
	require.NoFileExists(t, base+".failure.log")

	forced := process.NewExternalProcess(shell(t, script), fast(monitor.NewLogfile(base, true))...)
	res, err = forced.Run(t.Context())
	require.NoError(t, err)
	require.Equal(t, 0, res.ReturnCode)
	b, err = os.ReadFile(marker)
	require.NoError(t, err)
	require.Equal(t, "run\nrun\n", string(b))
}

func TestRunMutualExclusion(t *testing.T) {
	t.Parallel()
	base := filepath.Join(t.TempDir(), "exp")

	cmd := shell(t, "sleep 2")
	var wg sync.WaitGroup
	results := make([]model.RunResult, 2)
	errs := make([]error, 2)
	for i := range results {
		wg.Go(func() {
			p := process.NewExternalProcess(cmd, fast(monitor.NewLogfile(base, false))...)
			results[i], errs[i] = p.Run(t.Context())
		})
	}
	wg.Wait()
	require.NoError(t, errors.Join(errs...))

	var ran, skipped int
	for _, res := range results {
		switch {
		case res.HasReason(model.ReasonAlreadyRunning):
			skipped++
			require.Equal(t, model.SentinelCode, res.ReturnCode)
		case res.ReturnCode == 0:
			ran++
		}
	}
	require.Equal(t, 1, ran)
	require.Equal(t, 1, skipped)
	require.FileExists(t, base+".success.log")
	require.NoFileExists(t, base+".failure.log")
	require.NoFileExists(t, base+".running.log")
}

func TestRunOutputFidelity(t *testing.T) {
	t.Parallel()
	const n = 500
	rec := &recorder{}
	script := fmt.Sprintf("i=0; while [ $i -lt %d ]; do echo line$i; i=$((i+1)); done", n)
	p := process.NewExternalProcess(shell(t, script), fast(rec)...)
	res, err := p.Run(t.Context())
	require.NoError(t, err)
	require.Equal(t, 0, res.ReturnCode)

	want := make([]string, n)
	for i := range want {
		want[i] = fmt.Sprintf("line%d\n", i)
	}
	require.Equal(t, want, rec.Lines(model.LevelStdout))
}

func TestRunCancelCascade(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	tl := monitor.NewTimeLimit(time.Second, monitor.WithInterval(50*time.Millisecond))
	p := process.NewExternalProcess(shell(t, "sleep 30 & sleep 30 & wait"), fast(&recorder{}, tl)...)

	done := make(chan model.RunResult, 1)
	go func() {
		res, _ := p.Run(ctx)
		done <- res
	}()

	var desc []*gprocess.Process
	require.Eventually(t, func() bool {
		if p.PID() == 0 {
			return false
		}
		var err error
		desc, err = proctree.Descendants(ctx, p.PID())
		return err == nil && len(desc) == 2
	}, 5*time.Second, 20*time.Millisecond)

	res := <-done
	require.Equal(t, []string{model.ReasonTimeLimit}, res.Reasons)
	for _, d := range desc {
		require.False(t, proctree.Alive(ctx, d), "descendant %d survived", d.Pid)
	}
}

func TestRunSetupFailure(t *testing.T) {
	t.Parallel()
	base := filepath.Join(t.TempDir(), "exp")
	rec := &recorder{}
	cmd, err := model.NewCommand(filepath.Join(t.TempDir(), "does-not-exist"))
	require.NoError(t, err)
	p := process.NewExternalProcess(cmd, fast(rec, monitor.NewLogfile(base, false))...)

	res, err := p.Run(t.Context())
	require.NoError(t, err)
	require.Error(t, res.Err)
	require.Equal(t, model.SentinelCode, res.ReturnCode)
	require.Equal(t, []string{model.ReasonSetupFailed}, res.Reasons)
	require.False(t, rec.Has(model.LevelInfo, "Start: Run process"))
	require.NotEmpty(t, rec.Lines(model.LevelError))
	require.FileExists(t, base+".failure.log")
}

func TestRunKill(t *testing.T) {
	t.Parallel()
	p := process.NewExternalProcess(shell(t, "sleep 30"), fast(&recorder{})...)
	go func() {
		for p.PID() == 0 {
			time.Sleep(10 * time.Millisecond)
		}
		p.Kill("")
	}()
	res, err := p.Run(t.Context())
	require.NoError(t, err)
	require.Equal(t, model.SentinelCode, res.ReturnCode)
	require.Equal(t, []string{model.ReasonOther}, res.Reasons)
}

func TestRunInterrupted(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancelCause(t.Context())
	p := process.NewExternalProcess(shell(t, "sleep 30"), fast(&recorder{})...)
	go func() {
		for p.PID() == 0 {
			time.Sleep(10 * time.Millisecond)
		}
		cancel(model.ErrInterrupted)
	}()
	res, err := p.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, model.SentinelCode, res.ReturnCode)
	require.Equal(t, []string{model.ReasonKeyboard}, res.Reasons)
}

func TestRunVotesAggregate(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	p := process.NewExternalProcess(shell(t, "sleep 30"), fast(rec)...)
	go func() {
		for p.PID() == 0 {
			time.Sleep(10 * time.Millisecond)
		}
		p.Vote(5, "first")
		p.Vote(model.SentinelCode+1, "second")
	}()
	res, err := p.Run(t.Context())
	require.NoError(t, err)
	require.Equal(t, model.SentinelCode+1, res.ReturnCode)
	require.Equal(t, "first, second", res.Reason())
	require.True(t, rec.Has(model.LevelInfo, "Kill process (first)"))
}

func TestRunUnbuffered(t *testing.T) {
	t.Parallel()
	if runtime.GOOS != "linux" && runtime.GOOS != "darwin" {
		t.Skip("skipped, pseudo-terminals not supported")
	}
	rec := &recorder{}
	unit := process.NewExternal(shell(t, "echo one; echo two >&2"), process.WithUnbuffered(true))
	p := process.New(unit, fast(rec)...)
	res, err := p.Run(t.Context())
	require.NoError(t, err)
	require.Equal(t, 0, res.ReturnCode)
	require.Equal(t, []string{"one\n"}, rec.Lines(model.LevelStdout))
	require.Equal(t, []string{"two\n"}, rec.Lines(model.LevelStderr))
	require.True(t, rec.Has(model.LevelInfo, "Opening pseudo-terminal"))
}

func TestRunDefaultPrint(t *testing.T) {
	t.Parallel()
	p := process.NewExternalProcess(shell(t, "true"),
		process.WithPollInterval(20*time.Millisecond),
		process.WithDrainWindow(50*time.Millisecond),
		process.WithParams(map[string]any{"fold": 0}),
	)
	res, err := p.Run(t.Context())
	require.NoError(t, err)
	require.Equal(t, 0, res.ReturnCode)
	require.True(t, strings.Contains(res.Reason(), model.ReasonFinished))
}
