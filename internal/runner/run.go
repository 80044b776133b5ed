package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-yaml"
	"github.com/google/uuid"
	v1 "github.com/ortartifact/ort-artifact/apis/v1"
	"github.com/ortartifact/ort-artifact/internal/engine"
	"github.com/ortartifact/ort-artifact/internal/engine/sinks"
	"github.com/ortartifact/ort-artifact/internal/shell"
	"github.com/spf13/afero"
	"go.uber.org/zap"
)

var (
	defaultValidator = validator.New(validator.WithRequiredStructEnabled())
)

// Options tune a build run.
type Options struct {
	SkipCheckout bool
	SkipBuild    bool
	// Stream receives subprocess output; nil keeps it quiet.
	Stream io.Writer

	// Fs, Shell, HTTPClient and S3Uploader replace the real system in tests.
	Fs         afero.Fs
	Shell      shell.Runner
	HTTPClient *http.Client
	S3Uploader sinks.S3Uploader
}

type Runner struct {
	logger   *zap.Logger
	job      v1.BuildJob
	pipeline *engine.Pipeline
	state    *buildState
}

// ParseBuildJob parses a YAML or JSON job file and validates it.
func ParseBuildJob(data []byte) (v1.BuildJob, error) {
	var job v1.BuildJob
	if err := yaml.Unmarshal(data, &job); err != nil {
		return v1.BuildJob{}, fmt.Errorf("failed to unmarshal job data: %w", err)
	}

	if err := defaultValidator.Struct(job); err != nil {
		return v1.BuildJob{}, fmt.Errorf("failed to validate job: %w", err)
	}

	return job, nil
}

// ResolveRoot returns an absolute working root.
func ResolveRoot(root string) (string, error) {
	if root == "" {
		wd, err := os.Getwd()
		if err != nil {
			return "", fmt.Errorf("failed to get working directory: %w", err)
		}
		return wd, nil
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("failed to resolve root %s: %w", root, err)
	}
	return abs, nil
}

// BuildVariables creates the variables map for expansion. It includes
// built-in variables and the allowed environment variables; an allowed
// variable that is not set is an error. The upstream version may itself
// reference other variables.
func BuildVariables(job v1.BuildJob, root string, allowedEnv []string) (map[string]string, error) {
	date := time.Now().UTC()
	variables := map[string]string{
		"JOB_NAME":         job.Metadata.Name,
		"JOB_DATE_ISO8601": date.Format(engine.ISO8601Basic),
		"JOB_DATE_RFC3339": date.Format(time.RFC3339),
		"ROOT":             root,
		"NPROC":            strconv.Itoa(runtime.NumCPU()),
		"HOST_OS":          runtime.GOOS,
		"HOST_ARCH":        runtime.GOARCH,
		"RUN_ID":           uuid.NewString(),
	}

	var errs error
	for _, envName := range allowedEnv {
		val, ok := os.LookupEnv(envName)
		if !ok {
			errs = errors.Join(errs, fmt.Errorf("environment variable %q is not set", envName))
			continue
		}
		variables[envName] = val
	}
	if errs != nil {
		return nil, errs
	}

	version, err := Expand(job.Spec.Upstream.Version, variables)
	if err != nil {
		return nil, fmt.Errorf("spec.upstream.version: %w", err)
	}
	variables["UPSTREAM_VERSION"] = version

	return variables, nil
}

// Prepare applies defaults and expands templates, returning the job that
// will actually run.
func Prepare(job v1.BuildJob, variables map[string]string) (v1.BuildJob, error) {
	if err := ApplyDefaults(&job); err != nil {
		return v1.BuildJob{}, err
	}
	if err := ExpandTemplates(&job, variables); err != nil {
		return v1.BuildJob{}, fmt.Errorf("failed to expand templates: %w", err)
	}
	return job, nil
}

// New builds the step pipeline for an already prepared job.
func New(ctx context.Context, logger *zap.Logger, job v1.BuildJob, runID string, opts Options) (*Runner, error) {
	logger.Info("creating runner", zap.String("job_name", job.Metadata.Name), zap.String("run_id", runID))

	if opts.Fs == nil {
		opts.Fs = afero.NewOsFs()
	}
	if opts.Shell == nil {
		var execOpts []shell.ExecOption
		if opts.Stream != nil {
			execOpts = append(execOpts, shell.WithStream(opts.Stream))
		}
		opts.Shell = shell.NewExec(logger.Named("shell"), execOpts...)
	}

	state := &buildState{}
	pipeline, err := createPipeline(ctx, logger.Named("pipeline"), job, runID, opts, state)
	if err != nil {
		return nil, fmt.Errorf("failed to create pipeline: %w", err)
	}

	return &Runner{
		logger:   logger,
		job:      job,
		pipeline: pipeline,
		state:    state,
	}, nil
}

// Steps lists the pipeline step ids in execution order.
func (r *Runner) Steps() []string {
	ids := make([]string, 0, len(r.pipeline.Steps()))
	for _, entry := range r.pipeline.Steps() {
		ids = append(ids, entry.ID)
	}
	return ids
}

// Run executes every step and returns their results. The artifact path is
// available from Artifact once the package step has run.
func (r *Runner) Run(ctx context.Context) ([]engine.Result, error) {
	results, err := r.pipeline.Run(ctx)
	if err != nil {
		return results, fmt.Errorf("failed to run pipeline: %w", err)
	}

	r.logger.Info("build finished",
		zap.String("job_name", r.job.Metadata.Name),
		zap.String("artifact", r.state.artifact),
		zap.Int("steps", len(results)),
	)
	return results, nil
}

// Started returns when the pipeline was created.
func (r *Runner) Started() time.Time {
	return r.pipeline.Date()
}

// Artifact returns the path of the packed artifact, or "" if packing did not
// run.
func (r *Runner) Artifact() string {
	return r.state.artifact
}
