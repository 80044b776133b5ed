package shell

import (
	"bytes"
	"context"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func skipOnWindows(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
}

func TestExec_Capture(t *testing.T) {
	skipOnWindows(t)

	out, err := NewExec(zap.NewNop()).Run(t.Context(), Command{
		Program: "sh",
		Args:    []string{"-c", "printf rel-1.22.0"},
		Capture: true,
	})
	require.NoError(t, err)
	assert.Equal(t, "rel-1.22.0", out.Stdout)
	assert.Equal(t, 0, out.ExitCode)
}

func TestExec_EnvAndDir(t *testing.T) {
	skipOnWindows(t)
	dir := t.TempDir()

	out, err := NewExec(zap.NewNop()).Run(t.Context(), Command{
		Program: "sh",
		Args:    []string{"-c", `printf "%s:%s" "$CC" "$(pwd)"`},
		Dir:     dir,
		Env:     map[string]string{"CC": "clang-18"},
		Capture: true,
	})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out.Stdout, "clang-18:"))
	assert.True(t, strings.HasSuffix(out.Stdout, filepath.Base(dir)), out.Stdout)
}

func TestExec_Stdin(t *testing.T) {
	skipOnWindows(t)

	out, err := NewExec(zap.NewNop()).Run(t.Context(), Command{
		Program: "cat",
		Stdin:   strings.NewReader("patch body"),
		Capture: true,
	})
	require.NoError(t, err)
	assert.Equal(t, "patch body", out.Stdout)
}

func TestExec_Failure(t *testing.T) {
	skipOnWindows(t)

	out, err := NewExec(zap.NewNop()).Run(t.Context(), Command{
		Program: "sh",
		Args:    []string{"-c", "echo 'fatal: not a git repository' >&2; exit 3"},
	})
	require.Error(t, err)

	var exitErr *ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, 3, exitErr.ExitCode)
	assert.Equal(t, 3, out.ExitCode)
	assert.Equal(t, "fatal: not a git repository", exitErr.Stderr)
	assert.ErrorContains(t, err, "exit code 3")
}

func TestExec_Stream(t *testing.T) {
	skipOnWindows(t)
	var stream bytes.Buffer

	out, err := NewExec(zap.NewNop(), WithStream(&stream)).Run(t.Context(), Command{
		Program: "sh",
		Args:    []string{"-c", "echo building; echo warning >&2"},
	})
	require.NoError(t, err)
	assert.Empty(t, out.Stdout)
	assert.Contains(t, stream.String(), "building")
	assert.Contains(t, stream.String(), "warning")
}

func TestExec_Cancelled(t *testing.T) {
	skipOnWindows(t)
	ctx, cancel := context.WithTimeout(t.Context(), 50*time.Millisecond)
	defer cancel()

	_, err := NewExec(zap.NewNop()).Run(ctx, Command{Program: "sleep", Args: []string{"5"}})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestExec_CancelKillsGrandchildren(t *testing.T) {
	skipOnWindows(t)
	ctx, cancel := context.WithTimeout(t.Context(), 100*time.Millisecond)
	defer cancel()

	// sh forks sleep, which inherits the stderr pipe
	start := time.Now()
	_, err := NewExec(zap.NewNop()).Run(ctx, Command{Program: "sh", Args: []string{"-c", "sleep 10; echo done"}})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestExec_MissingProgram(t *testing.T) {
	_, err := NewExec(zap.NewNop()).Run(t.Context(), Command{})
	require.ErrorContains(t, err, "program is required")

	_, err = NewExec(zap.NewNop()).Run(t.Context(), Command{Program: "definitely-not-a-real-binary-ort"})
	require.ErrorContains(t, err, "failed to start")
}

func TestMergeEnv(t *testing.T) {
	env := MergeEnv([]string{"PATH=/usr/bin", "CC=gcc", "broken"}, map[string]string{"CC": "clang-18", "CXX": "clang++-18"})
	assert.Equal(t, []string{"CC=clang-18", "CXX=clang++-18", "PATH=/usr/bin"}, env)
}

func TestTailBuffer(t *testing.T) {
	tb := &tailBuffer{max: 4}
	_, _ = tb.Write([]byte("ab"))
	_, _ = tb.Write([]byte("cde"))
	assert.Equal(t, "bcde", tb.String())

	_, _ = tb.Write([]byte("0123456789"))
	assert.Equal(t, "6789", tb.String())
}

func TestCommand_String(t *testing.T) {
	assert.Equal(t, "git clean -fdx", Command{Program: "git", Args: []string{"clean", "-fdx"}}.String())
}
