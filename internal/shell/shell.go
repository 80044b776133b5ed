// Package shell runs external programs for the build.
package shell

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	// stderrTail is the number of trailing stderr bytes kept for error messages.
	stderrTail = 4096
	// waitDelay bounds how long Run waits for output pipes after the child
	// exits or is killed.
	waitDelay = 5 * time.Second
)

// Command describes a single program invocation.
type Command struct {
	Program string
	Args    []string
	Dir     string
	// Env is merged over the current process environment.
	Env   map[string]string
	Stdin io.Reader
	// Capture collects stdout into Output.Stdout instead of streaming it.
	Capture bool
}

func (c Command) String() string {
	return strings.Join(append([]string{c.Program}, c.Args...), " ")
}

type Output struct {
	Stdout   string
	ExitCode int
	Duration time.Duration
}

// ExitError is returned when a command ran but did not succeed.
type ExitError struct {
	Command  string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *ExitError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("command %q failed with exit code %d: %s", e.Command, e.ExitCode, e.Stderr)
	}
	return fmt.Sprintf("command %q failed with exit code %d", e.Command, e.ExitCode)
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// Runner executes commands. Implementations other than Exec exist for tests.
type Runner interface {
	Run(ctx context.Context, cmd Command) (Output, error)
}

// Exec runs commands as child processes.
type Exec struct {
	logger *zap.Logger
	// stream, when set, receives the child's output as it is produced.
	stream io.Writer
}

type ExecOption func(*Exec)

// WithStream mirrors stdout and stderr of every command to w.
func WithStream(w io.Writer) ExecOption {
	return func(e *Exec) {
		e.stream = w
	}
}

func NewExec(logger *zap.Logger, opts ...ExecOption) *Exec {
	e := &Exec{logger: logger}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Exec) Run(ctx context.Context, c Command) (Output, error) {
	if c.Program == "" {
		return Output{}, errors.New("program is required")
	}

	cmd := exec.CommandContext(ctx, c.Program, c.Args...)
	cmd.Dir = c.Dir
	cmd.Env = MergeEnv(os.Environ(), c.Env)
	cmd.Stdin = c.Stdin
	cmd.WaitDelay = waitDelay
	killProcessGroup(cmd)

	var stdout bytes.Buffer
	stderr := &tailBuffer{max: stderrTail}

	var outWriters, errWriters []io.Writer
	if c.Capture {
		outWriters = append(outWriters, &stdout)
	}
	errWriters = append(errWriters, stderr)
	if e.stream != nil {
		if !c.Capture {
			outWriters = append(outWriters, e.stream)
		}
		errWriters = append(errWriters, e.stream)
	}
	if len(outWriters) > 0 {
		cmd.Stdout = io.MultiWriter(outWriters...)
	}
	cmd.Stderr = io.MultiWriter(errWriters...)

	e.logger.Debug("running command",
		zap.String("program", c.Program),
		zap.Strings("args", c.Args),
		zap.String("dir", c.Dir),
	)
	start := time.Now()
	err := cmd.Run()
	out := Output{Stdout: stdout.String(), ExitCode: -1, Duration: time.Since(start)}
	if cmd.ProcessState != nil {
		out.ExitCode = cmd.ProcessState.ExitCode()
	}
	e.logger.Debug("command finished",
		zap.String("program", c.Program),
		zap.Int("exit_code", out.ExitCode),
		zap.Duration("duration", out.Duration),
	)

	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return out, fmt.Errorf("command %q interrupted: %w", c.String(), ctxErr)
		}
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return out, fmt.Errorf("failed to start %q: %w", c.Program, err)
		}
		return out, &ExitError{
			Command:  c.String(),
			ExitCode: out.ExitCode,
			Stderr:   strings.TrimSpace(stderr.String()),
			Err:      err,
		}
	}

	return out, nil
}

// MergeEnv overlays extra on base. Keys present in both take the value from
// extra; the result is sorted for stable ordering.
func MergeEnv(base []string, extra map[string]string) []string {
	merged := make(map[string]string, len(base)+len(extra))
	for _, kv := range base {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		merged[k] = v
	}
	for k, v := range extra {
		merged[k] = v
	}

	env := make([]string, 0, len(merged))
	for k, v := range merged {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)
	return env
}

// tailBuffer keeps only the last max bytes written to it.
type tailBuffer struct {
	max int
	buf []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	n := len(p)
	if len(p) >= t.max {
		t.buf = append(t.buf[:0], p[len(p)-t.max:]...)
		return n, nil
	}
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return n, nil
}

func (t *tailBuffer) String() string {
	return string(t.buf)
}
