package proctree_test

import (
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/pxs-lab/experimenter/internal/proctree"

	"github.com/shirou/gopsutil/v4/process"
	"github.com/stretchr/testify/require"
)

func startTree(t *testing.T, script string) (*exec.Cmd, <-chan struct{}) {
	t.Helper()
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skipf("skipped, binary sh not available: %v", err)
	}
	cmd := exec.Command(sh, "-c", script)
	require.NoError(t, cmd.Start())
	done := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(done)
	}()
	t.Cleanup(func() {
		_ = cmd.Process.Kill()
		<-done
	})
	return cmd, done
}

func TestTerminate(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	cmd, done := startTree(t, "sleep 30 & sleep 30 & wait")

	var desc []*process.Process
	require.Eventually(t, func() bool {
		var err error
		desc, err = proctree.Descendants(ctx, cmd.Process.Pid)
		return err == nil && len(desc) == 2
	}, 5*time.Second, 50*time.Millisecond)

	var exited []int32
	killed, err := proctree.Terminate(ctx, cmd.Process.Pid, proctree.Escalation{
		Grace:  time.Second,
		OnExit: func(pid int32) { exited = append(exited, pid) },
	})
	require.NoError(t, err)
	require.Zero(t, killed)
	require.Len(t, exited, 2)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("root process survived")
	}
	for _, p := range desc {
		require.False(t, proctree.Alive(ctx, p), "pid %d still alive", p.Pid)
	}
}

func TestTerminateIgnoringTerm(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	cmd, done := startTree(t, "sh -c 'trap \"\" TERM; sleep 30' & wait")

	var desc []*process.Process
	require.Eventually(t, func() bool {
		var err error
		desc, err = proctree.Descendants(ctx, cmd.Process.Pid)
		return err == nil && len(desc) >= 1
	}, 5*time.Second, 50*time.Millisecond)
	// let the inner shell install its trap
	time.Sleep(200 * time.Millisecond)

	start := time.Now()
	killed, err := proctree.Terminate(ctx, cmd.Process.Pid, proctree.Escalation{Grace: 300 * time.Millisecond})
	require.NoError(t, err)
	require.GreaterOrEqual(t, killed, 1)
	require.GreaterOrEqual(t, time.Since(start), 300*time.Millisecond)

	<-done
	require.Eventually(t, func() bool {
		for _, p := range desc {
			if proctree.Alive(ctx, p) {
				return false
			}
		}
		return true
	}, 2*time.Second, 50*time.Millisecond)
}

func TestTerminateGone(t *testing.T) {
	t.Parallel()
	cmd, done := startTree(t, "exit 0")
	<-done
	killed, err := proctree.Terminate(t.Context(), cmd.Process.Pid, proctree.Escalation{})
	require.NoError(t, err)
	require.Zero(t, killed)
}

func TestUsage(t *testing.T) {
	t.Parallel()
	ctx := t.Context()

	u, err := proctree.TreeUsage(ctx, os.Getpid())
	require.NoError(t, err)
	require.GreaterOrEqual(t, u.Procs, 1)
	require.Positive(t, u.RSSMiB())

	avail, err := proctree.AvailableMemory(ctx)
	require.NoError(t, err)
	require.Positive(t, avail)

	free, err := proctree.FreeDisk(ctx, t.TempDir())
	require.NoError(t, err)
	require.Positive(t, free)

	_, err = proctree.FreeDisk(ctx, "")
	require.Error(t, err)

	user, sys, rss, err := proctree.SelfRusage()
	require.NoError(t, err)
	require.GreaterOrEqual(t, user+sys, 0.0)
	require.Positive(t, rss)
}
