// Package cmake wraps the cmake configure/build/install workflow.
package cmake

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/ortartifact/ort-artifact/internal/shell"
	"github.com/spf13/afero"
	"go.uber.org/zap"
)

// Config describes one CMake project build.
type Config struct {
	SourceDir     string
	BuildDir      string
	InstallPrefix string
	Generator     string
	// Platform is passed as -A (Visual Studio generators).
	Platform  string
	Toolchain string
	BuildType string
	Defines   map[string]string
	CFlags    []string
	CXXFlags  []string
	CUDAFlags []string
	// ExtraArgs are appended verbatim to the configure command.
	ExtraArgs []string
	Env       map[string]string
	// Parallel is the build job count; 0 lets the generator decide.
	Parallel int
}

// CMake drives CMake-based builds.
type CMake struct {
	cmake  string
	cfg    Config
	fs     afero.Fs
	runner shell.Runner
	logger *zap.Logger
}

func New(cfg Config, fs afero.Fs, runner shell.Runner, logger *zap.Logger) *CMake {
	return &CMake{cmake: "cmake", cfg: cfg, fs: fs, runner: runner, logger: logger}
}

// Configure runs "cmake -S <source> -B <build>" with all configured options.
func (c *CMake) Configure(ctx context.Context) error {
	if err := c.fs.MkdirAll(c.cfg.BuildDir, 0o755); err != nil {
		return fmt.Errorf("failed to create build directory: %w", err)
	}
	return c.run(ctx, "configure", c.ConfigureArgs())
}

// Build runs "cmake --build <build>".
func (c *CMake) Build(ctx context.Context) error {
	return c.run(ctx, "build", c.BuildArgs())
}

// Install runs "cmake --install <build>".
func (c *CMake) Install(ctx context.Context) error {
	return c.run(ctx, "install", c.InstallArgs())
}

// OutputDir returns the install prefix if set, otherwise the build directory.
func (c *CMake) OutputDir() string {
	if c.cfg.InstallPrefix != "" {
		return c.cfg.InstallPrefix
	}
	return c.cfg.BuildDir
}

func (c *CMake) ConfigureArgs() []string {
	args := []string{"-S", c.cfg.SourceDir, "-B", c.cfg.BuildDir}
	if c.cfg.Generator != "" {
		args = append(args, "-G", c.cfg.Generator)
	}
	if c.cfg.Platform != "" {
		args = append(args, "-A", c.cfg.Platform)
	}
	args = append(args, c.definesArgs()...)
	return append(args, c.cfg.ExtraArgs...)
}

func (c *CMake) BuildArgs() []string {
	args := []string{"--build", c.cfg.BuildDir}
	if c.cfg.BuildType != "" {
		args = append(args, "--config", c.cfg.BuildType)
	}
	if c.cfg.Parallel > 0 {
		args = append(args, "--parallel", strconv.Itoa(c.cfg.Parallel))
	}
	return args
}

func (c *CMake) InstallArgs() []string {
	args := []string{"--install", c.cfg.BuildDir}
	if c.cfg.BuildType != "" {
		args = append(args, "--config", c.cfg.BuildType)
	}
	return args
}

// defines merges the well-known settings into the user defines. Explicit
// user defines win.
func (c *CMake) defines() map[string]string {
	d := make(map[string]string, len(c.cfg.Defines)+6)
	set := func(k, v string) {
		if v != "" {
			d[k] = v
		}
	}
	set("CMAKE_INSTALL_PREFIX", c.cfg.InstallPrefix)
	set("CMAKE_TOOLCHAIN_FILE", c.cfg.Toolchain)
	set("CMAKE_BUILD_TYPE", c.cfg.BuildType)
	set("CMAKE_C_FLAGS", strings.Join(c.cfg.CFlags, " "))
	set("CMAKE_CXX_FLAGS", strings.Join(c.cfg.CXXFlags, " "))
	set("CMAKE_CUDA_FLAGS_INIT", strings.Join(c.cfg.CUDAFlags, " "))
	for k, v := range c.cfg.Defines {
		d[k] = v
	}
	return d
}

func (c *CMake) definesArgs() []string {
	defines := c.defines()
	keys := make([]string, 0, len(defines))
	for k := range defines {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	args := make([]string, 0, len(keys))
	for _, k := range keys {
		args = append(args, "-D"+k+"="+defines[k])
	}
	return args
}

func (c *CMake) run(ctx context.Context, phase string, args []string) error {
	c.logger.Info("cmake "+phase, zap.String("build_dir", c.cfg.BuildDir))
	_, err := c.runner.Run(ctx, shell.Command{Program: c.cmake, Args: args, Env: c.cfg.Env})
	if err != nil {
		return fmt.Errorf("cmake %s: %w", phase, err)
	}
	return nil
}
