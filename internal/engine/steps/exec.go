package steps

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/ortartifact/ort-artifact/internal/engine"
	"github.com/ortartifact/ort-artifact/internal/shell"
	"go.uber.org/zap"
)

const (
	ExecStepKind = "exec"

	defaultTimeout = 30 * time.Minute
)

type ExecStepConfig struct {
	Program    []string
	WorkingDir *string
	Timeout    *string
	Env        map[string]string
}

// NewExecStep creates a build hook running cfg.Program through runner.
func NewExecStep(name string, logger *zap.Logger, runner shell.Runner, cfg ExecStepConfig) (engine.Step, error) {
	if len(cfg.Program) == 0 {
		return nil, fmt.Errorf("program is required")
	}

	timeout := defaultTimeout
	if cfg.Timeout != nil {
		parsed, err := time.ParseDuration(*cfg.Timeout)
		if err != nil {
			return nil, fmt.Errorf("invalid timeout %q: %w", *cfg.Timeout, err)
		}
		timeout = parsed
	}

	var workingDir string
	if cfg.WorkingDir != nil {
		if filepath.IsAbs(*cfg.WorkingDir) {
			workingDir = *cfg.WorkingDir
		} else {
			cwd, err := os.Getwd()
			if err != nil {
				return nil, fmt.Errorf("failed to get working directory: %w", err)
			}
			workingDir = filepath.Join(cwd, *cfg.WorkingDir)
		}
	}

	return engine.StepFunction(name, ExecStepKind, func(ctx context.Context) (engine.Result, error) {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		logger.Debug("invoking exec step",
			zap.String("step", name),
			zap.Strings("program", cfg.Program),
			zap.Duration("timeout", timeout),
			zap.String("working_dir", workingDir),
		)

		out, err := runner.Run(ctx, shell.Command{
			Program: cfg.Program[0],
			Args:    cfg.Program[1:],
			Dir:     workingDir,
			Env:     cfg.Env,
		})
		if err != nil {
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return engine.Result{}, fmt.Errorf("command timed out after %s: %w", timeout, err)
			}
			return engine.Result{}, fmt.Errorf("command failed: %w", err)
		}

		return engine.Result{Meta: map[string]string{
			"exec_program":   strings.Join(cfg.Program, " "),
			"exec_exit_code": strconv.Itoa(out.ExitCode),
		}}, nil
	}), nil
}
