package runner

import (
	"context"
	"fmt"
	"path/filepath"
	"runtime"
	"strconv"
	"time"

	v1 "github.com/ortartifact/ort-artifact/apis/v1"
	"github.com/ortartifact/ort-artifact/internal/artifact"
	"github.com/ortartifact/ort-artifact/internal/cmake"
	"github.com/ortartifact/ort-artifact/internal/compress"
	"github.com/ortartifact/ort-artifact/internal/engine"
	"github.com/ortartifact/ort-artifact/internal/engine/sinks"
	"github.com/ortartifact/ort-artifact/internal/engine/steps"
	"github.com/ortartifact/ort-artifact/internal/sdk"
	"github.com/ortartifact/ort-artifact/internal/vcs"
	"github.com/samber/lo"
	"github.com/spf13/afero"
	"go.uber.org/zap"
)

const (
	DefaultRemote = "https://github.com/microsoft/onnxruntime"
	DefaultBranch = "rel-${UPSTREAM_VERSION}"

	StepKindCheckout = "checkout"
	StepKindPatches  = "patches"
	StepKindSDK      = "sdk"
	StepKindCMake    = "cmake"
	StepKindPackage  = "package"
	StepKindPublish  = "publish"
)

// buildState carries values produced by one step and consumed by later ones.
type buildState struct {
	artifact string
}

// ApplyDefaults fills unset job fields. Defaults may contain template
// references and must be applied before ExpandTemplates.
func ApplyDefaults(job *v1.BuildJob) error {
	up := &job.Spec.Upstream
	if up.Remote == "" {
		up.Remote = DefaultRemote
	}
	if up.Branch == "" {
		up.Branch = DefaultBranch
	}
	if up.Dir == "" {
		up.Dir = "${ROOT}/onnxruntime"
	}
	if up.Depth == nil {
		up.Depth = lo.ToPtr(1)
	}
	if up.Recursive == nil {
		up.Recursive = lo.ToPtr(true)
	}

	cm := &job.Spec.CMake
	if cm.SourceDir == "" {
		cm.SourceDir = up.Dir + "/cmake"
	}
	if cm.BuildDir == "" {
		cm.BuildDir = up.Dir + "/build"
	}
	if cm.InstallPrefix == "" {
		cm.InstallPrefix = "${ROOT}/artifact/onnxruntime"
	}
	if cm.BuildType == "" {
		cm.BuildType = "Release"
	}

	pkg := &job.Spec.Package
	format, err := compress.ParseFormat(pkg.Format)
	if err != nil {
		return err
	}
	pkg.Format = string(format)
	if pkg.Dir == "" {
		pkg.Dir = cm.InstallPrefix + "/lib"
	}
	if pkg.Output == "" {
		pkg.Output = "${ROOT}/artifact" + format.Extension()
	}

	return nil
}

func createPipeline(ctx context.Context, logger *zap.Logger, job v1.BuildJob, runID string, opts Options, state *buildState) (*engine.Pipeline, error) {
	logger.Info("creating pipeline", zap.String("job_name", job.Metadata.Name))
	spec := job.Spec
	pipeline := engine.NewPipeline(job.Metadata.Name, logger)

	add := func(id string, step engine.Step) error {
		if err := pipeline.AddStep(id, step); err != nil {
			return fmt.Errorf("failed to add step: %w", err)
		}
		logger.Debug("created step", zap.String("step_id", id), zap.String("kind", step.Kind()))
		return nil
	}

	git := vcs.NewGit(opts.Shell, logger.Named("git"), vcs.WithFs(opts.Fs))
	if !opts.SkipCheckout {
		if err := add("checkout", buildCheckoutStep(git, spec.Upstream)); err != nil {
			return nil, err
		}
		if spec.Patches != nil {
			if err := add("patches", buildPatchesStep(git, spec.Upstream.Dir, spec.Patches.Dir)); err != nil {
				return nil, err
			}
		}
	}

	defines := lo.Assign(spec.CMake.Defines)
	if !opts.SkipBuild {
		var fetchOpts []sdk.FetcherOption
		if opts.HTTPClient != nil {
			fetchOpts = append(fetchOpts, sdk.WithHttpClient(opts.HTTPClient))
		}
		fetcher := sdk.NewFetcher(opts.Fs, logger.Named("sdk"), fetchOpts...)

		for _, s := range spec.SDKs {
			if err := add("sdk-"+s.ID, buildSDKStep(fetcher, s)); err != nil {
				return nil, err
			}
			if s.Define != "" {
				defines[s.Define] = s.Dest
			}
		}

		for _, h := range spec.Hooks {
			step, err := steps.NewExecStep("hook-"+h.ID, logger.Named("hook"), opts.Shell, steps.ExecStepConfig{
				Program:    h.Program,
				WorkingDir: h.WorkingDir,
				Timeout:    h.Timeout,
				Env:        h.Env,
			})
			if err != nil {
				return nil, fmt.Errorf("failed to create hook %s: %w", h.ID, err)
			}
			if err := add("hook-"+h.ID, step); err != nil {
				return nil, err
			}
		}

		cm := cmake.New(buildCMakeConfig(spec.CMake, defines), opts.Fs, opts.Shell, logger.Named("cmake"))
		for _, phase := range []struct {
			id  string
			run func(context.Context) error
		}{
			{id: "configure", run: cm.Configure},
			{id: "build", run: cm.Build},
			{id: "install", run: cm.Install},
		} {
			step := engine.StepFunction(phase.id, StepKindCMake, func(ctx context.Context) (engine.Result, error) {
				return engine.Result{}, phase.run(ctx)
			})
			if err := add(phase.id, step); err != nil {
				return nil, err
			}
		}
	}

	packStep, err := buildPackageStep(opts.Fs, logger.Named("packer"), spec.Package, state)
	if err != nil {
		return nil, err
	}
	if err := add("package", packStep); err != nil {
		return nil, err
	}

	for i, p := range spec.Publish {
		sink, name, err := buildPublishSink(ctx, opts, p, runID)
		if err != nil {
			return nil, fmt.Errorf("failed to build publish destination %d: %w", i, err)
		}
		if err := add(fmt.Sprintf("publish-%d", i), buildPublishStep(opts.Fs, sink, name, state)); err != nil {
			return nil, err
		}
	}

	return pipeline, nil
}

func buildCheckoutStep(git *vcs.Git, up v1.UpstreamSpec) engine.Step {
	opts := vcs.CheckoutOptions{
		Dir:       filepath.Clean(up.Dir),
		Remote:    up.Remote,
		Branch:    up.Branch,
		Depth:     lo.FromPtr(up.Depth),
		Recursive: lo.FromPtr(up.Recursive),
	}
	return engine.StepFunction("checkout", StepKindCheckout, func(ctx context.Context) (engine.Result, error) {
		if err := git.Checkout(ctx, opts); err != nil {
			return engine.Result{}, err
		}
		return engine.Result{Meta: map[string]string{"branch": opts.Branch, "remote": opts.Remote}}, nil
	})
}

func buildPatchesStep(git *vcs.Git, srcDir, patchDir string) engine.Step {
	return engine.StepFunction("patches", StepKindPatches, func(ctx context.Context) (engine.Result, error) {
		applied, err := git.ApplyPatches(ctx, filepath.Clean(srcDir), filepath.Clean(patchDir))
		if err != nil {
			return engine.Result{}, err
		}
		return engine.Result{Meta: map[string]string{"applied": strconv.Itoa(len(applied))}}, nil
	})
}

func buildSDKStep(fetcher *sdk.Fetcher, s v1.SDKSpec) engine.Step {
	target := sdk.SDK{
		Name:            s.ID,
		URL:             s.URL,
		Dest:            filepath.Clean(s.Dest),
		StripComponents: s.StripComponents,
		Kind:            s.Kind,
		Headers:         s.Headers,
	}
	return engine.StepFunction("sdk-"+s.ID, StepKindSDK, func(ctx context.Context) (engine.Result, error) {
		res, err := fetcher.Fetch(ctx, target)
		if err != nil {
			return engine.Result{}, err
		}
		return engine.Result{Meta: map[string]string{
			"skipped": strconv.FormatBool(res.Skipped),
			"files":   strconv.Itoa(res.Files),
		}}, nil
	})
}

func buildCMakeConfig(spec v1.CMakeSpec, defines map[string]string) cmake.Config {
	parallel := runtime.NumCPU()
	if spec.Parallel != nil {
		parallel = *spec.Parallel
	}
	return cmake.Config{
		SourceDir:     filepath.Clean(spec.SourceDir),
		BuildDir:      filepath.Clean(spec.BuildDir),
		InstallPrefix: filepath.Clean(spec.InstallPrefix),
		Generator:     spec.Generator,
		Platform:      spec.Platform,
		Toolchain:     spec.Toolchain,
		BuildType:     spec.BuildType,
		Defines:       defines,
		CFlags:        spec.CFlags,
		CXXFlags:      spec.CXXFlags,
		CUDAFlags:     spec.CUDAFlags,
		ExtraArgs:     spec.ExtraArgs,
		Env:           spec.Env,
		Parallel:      parallel,
	}
}

func buildPackageStep(fs afero.Fs, logger *zap.Logger, spec v1.PackageSpec, state *buildState) (engine.Step, error) {
	format, err := compress.ParseFormat(spec.Format)
	if err != nil {
		return nil, err
	}

	opts := artifact.Options{
		Archive: sinks.ArchiveConfig{
			Format:    format,
			Options:   compress.Options{DictCap: spec.DictCap, Level: spec.Level},
			ChunkSize: spec.ChunkSize,
		},
	}
	if spec.ModTime != nil {
		opts.ModTime = lo.ToPtr(time.Unix(*spec.ModTime, 0))
	}

	dir := filepath.Clean(spec.Dir)
	output := filepath.Clean(spec.Output)

	return engine.StepFunction("package", StepKindPackage, func(ctx context.Context) (engine.Result, error) {
		out, err := sinks.NewFileSink(fs, output)
		if err != nil {
			return engine.Result{}, err
		}

		stats, err := artifact.NewPacker(fs, logger, opts).Pack(ctx, dir, out)
		if err != nil {
			return engine.Result{}, err
		}
		state.artifact = output

		return engine.Result{Meta: map[string]string{
			"artifact":         output,
			"format":           string(format),
			"entries":          strconv.Itoa(stats.Entries),
			"skipped":          strconv.Itoa(stats.Skipped),
			"payload_bytes":    strconv.FormatInt(stats.PayloadBytes, 10),
			"compressed_bytes": strconv.FormatInt(stats.CompressedBytes, 10),
		}}, nil
	}), nil
}

func buildPublishSink(ctx context.Context, opts Options, spec v1.PublishSpec, runID string) (engine.Sink, string, error) {
	switch {
	case spec.Filesystem != nil:
		dir := filepath.Clean(spec.Filesystem.Path)
		return sinks.NewFilesystemSink(afero.NewBasePathFs(opts.Fs, dir)), spec.Filesystem.Name, nil

	case spec.S3 != nil:
		s3Spec := spec.S3
		if opts.S3Uploader != nil {
			return sinks.NewS3SinkWithUploader(s3Spec.Bucket, lo.FromPtr(s3Spec.Prefix), runID, opts.S3Uploader), s3Spec.Name, nil
		}

		cfg := sinks.S3Config{
			Bucket:         s3Spec.Bucket,
			Region:         lo.FromPtr(s3Spec.Region),
			Endpoint:       lo.FromPtr(s3Spec.Endpoint),
			Prefix:         lo.FromPtr(s3Spec.Prefix),
			ForcePathStyle: s3Spec.ForcePathStyle,
			RunID:          runID,
		}
		if s3Spec.Credentials != nil {
			cfg.AccessKeyID = s3Spec.Credentials.AccessKeyID
			cfg.SecretAccessKey = s3Spec.Credentials.SecretAccessKey
		}
		sink, err := sinks.NewS3Sink(ctx, cfg)
		return sink, s3Spec.Name, err

	default:
		return nil, "", fmt.Errorf("invalid publish configuration: no destination type specified")
	}
}

func buildPublishStep(fs afero.Fs, sink engine.Sink, name string, state *buildState) engine.Step {
	return engine.StepFunction(sink.Name(), StepKindPublish, func(ctx context.Context) (engine.Result, error) {
		if state.artifact == "" {
			return engine.Result{}, fmt.Errorf("no artifact to publish")
		}
		objectName := name
		if objectName == "" {
			objectName = filepath.Base(state.artifact)
		}

		f, err := fs.Open(state.artifact)
		if err != nil {
			return engine.Result{}, fmt.Errorf("failed to open artifact: %w", err)
		}
		defer f.Close()

		if err := sink.Write(ctx, objectName, f); err != nil {
			return engine.Result{}, err
		}
		if err := sink.Close(ctx); err != nil {
			return engine.Result{}, fmt.Errorf("failed to close sink: %w", err)
		}

		return engine.Result{Meta: map[string]string{"destination": sink.Name(), "name": objectName}}, nil
	})
}
