package experimenter_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var (
	experimenterPath string

	// tmpDir is a function used to create a tempdir
	// -test.keepdir flag says test to use os.MkdirTemp
	// default is t.TempDir, which will be cleaned up
	tmpDir func(t *testing.T) string
)

func TestMain(m *testing.M) {
	var keepTestDir bool
	flag.BoolVar(&keepTestDir, "test.keepdir", false, "use os.TempDir instead of t.TempDir to keep test artifacts")

	flag.Parse()

	if testing.Short() {
		slog.Warn("integration tests with -short are ignored")
		os.Exit(0)
	}

	if !keepTestDir {
		tmpDir = func(t *testing.T) string {
			t.Helper()
			return t.TempDir()
		}
	} else {
		tmpDir = func(t *testing.T) string {
			t.Helper()
			dir, err := os.MkdirTemp("", t.Name()+"*")
			require.NoError(t, err)
			_, err = fmt.Fprintf(t.Output(), "TEMPDIR %s: -test.keepdir used, so it won't be automatically deleted", dir)
			require.NoError(t, err)
			return dir
		}
	}

	if !isExecutable("experimenter-ci") {
		slog.Error("cannot locate experimenter-ci binary: run go build -race -o experimenter-ci ./cmd/experimenter/ first")
		os.Exit(1)
	}

	var err error
	experimenterPath, err = filepath.Abs("experimenter-ci")
	if err != nil {
		slog.Error("can't get abspath for experimenter-ci", "error", err)
		os.Exit(1)
	}

	os.Exit(m.Run())
}

func run(t *testing.T, dir string, args ...string) (stdout, stderr string, code int) {
	t.Helper()
	ctx, cancel := context.WithTimeout(t.Context(), 60*time.Second)
	t.Cleanup(cancel)
	var outb, errb bytes.Buffer
	cmd := exec.CommandContext(ctx, experimenterPath, args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "EXPERIMENTERCONFIG="+filepath.Join(dir, "experimenter.yaml"))
	cmd.Stdout = &outb
	cmd.Stderr = &errb
	err := cmd.Run()
	var exitErr *exec.ExitError
	switch {
	case errors.As(err, &exitErr):
		code = exitErr.ExitCode()
	case err != nil:
		require.NoError(t, err)
	}
	return outb.String(), errb.String(), code
}

func TestRunCached(t *testing.T) {
	t.Parallel()
	dir := tmpDir(t)

	stdout, stderr, code := run(t, dir, "run", "--log", "exp", "--", "sh", "-c", "echo hello")
	require.Zero(t, code, stderr)
	require.Contains(t, stdout, "hello\n")
	require.FileExists(t, filepath.Join(dir, "exp.success.log"))

	stdout, _, code = run(t, dir, "run", "--log", "exp", "--", "sh", "-c", "echo hello")
	require.Zero(t, code)
	require.NotContains(t, stdout, "hello\n")
	require.Contains(t, stdout, "cached_version")
}

func TestRunTimeout(t *testing.T) {
	t.Parallel()
	dir := tmpDir(t)

	start := time.Now()
	_, stderr, code := run(t, dir, "run", "--timeout", "PT1S", "--interval", "100ms", "--", "sleep", "30")
	require.Equal(t, 255, code)
	require.Contains(t, stderr, "time_limit")
	require.Less(t, time.Since(start), 10*time.Second)
}

func TestRunExitCode(t *testing.T) {
	t.Parallel()
	dir := tmpDir(t)
	_, _, code := run(t, dir, "run", "--", "sh", "-c", "exit 7")
	require.Equal(t, 7, code)
}

func TestBatch(t *testing.T) {
	t.Parallel()
	dir := tmpDir(t)
	const config = `
version: 0
service:
  parallel: 2
jobs:
  - name: one
    command: {path: sh, args: ["-c", "echo one"]}
    log: logs/one
  - name: two
    script: {launcher: sh, executable: -c, config: "echo two"}
    log: logs/two
`
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "logs"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "experimenter.yaml"), []byte(config), 0o600))

	stdout, stderr, code := run(t, dir, "batch")
	require.Zero(t, code, stderr)

	var jobs []string
	for line := range strings.Lines(stdout) {
		var report struct {
			Job        string `json:"job"`
			ReturnCode int    `json:"returncode"`
		}
		require.NoError(t, json.Unmarshal([]byte(line), &report))
		require.Zero(t, report.ReturnCode)
		jobs = append(jobs, report.Job)
	}
	require.ElementsMatch(t, []string{"one", "two"}, jobs)
	require.FileExists(t, filepath.Join(dir, "logs", "one.success.log"))
	require.FileExists(t, filepath.Join(dir, "logs", "two.success.log"))
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.Mode().Perm()&0111 != 0
}
