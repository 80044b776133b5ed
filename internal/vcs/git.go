// Package vcs manages the upstream source checkout.
package vcs

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/ortartifact/ort-artifact/internal/shell"
	"github.com/spf13/afero"
	"go.uber.org/zap"
)

// Git drives the git executable through a shell.Runner.
type Git struct {
	git    string
	fs     afero.Fs
	runner shell.Runner
	logger *zap.Logger
}

// GitOption configures Git.
type GitOption func(*Git)

// WithGitPath sets a custom git executable path.
func WithGitPath(path string) GitOption {
	return func(g *Git) {
		g.git = path
	}
}

// WithFs replaces the filesystem used to inspect and remove checkouts.
func WithFs(fs afero.Fs) GitOption {
	return func(g *Git) {
		g.fs = fs
	}
}

func NewGit(runner shell.Runner, logger *zap.Logger, opts ...GitOption) *Git {
	g := &Git{
		git:    "git",
		fs:     afero.NewOsFs(),
		runner: runner,
		logger: logger,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// CurrentBranch returns the branch checked out in dir, or "" on a detached HEAD.
func (g *Git) CurrentBranch(ctx context.Context, dir string) (string, error) {
	out, err := g.output(ctx, dir, "branch", "--show-current")
	if err != nil {
		return "", fmt.Errorf("current branch: %w", err)
	}
	return strings.TrimSpace(out), nil
}

type CloneOptions struct {
	Remote string
	Branch string
	// Depth limits history; 0 clones everything.
	Depth     int
	Recursive bool
}

// Clone clones opts.Remote into dir. The parent of dir must exist.
func (g *Git) Clone(ctx context.Context, dir string, opts CloneOptions) error {
	args := []string{"clone", opts.Remote}
	if opts.Recursive {
		args = append(args, "--recursive")
	}
	if opts.Branch != "" {
		args = append(args, "--single-branch", "--branch", opts.Branch)
	}
	if opts.Depth > 0 {
		args = append(args, "--depth", strconv.Itoa(opts.Depth))
	}
	args = append(args, filepath.Base(dir))

	if err := g.run(ctx, filepath.Dir(dir), args...); err != nil {
		return fmt.Errorf("clone %s: %w", opts.Remote, err)
	}
	return nil
}

// ResetHard discards tracked changes in dir.
func (g *Git) ResetHard(ctx context.Context, dir string) error {
	if err := g.run(ctx, dir, "reset", "--hard", "HEAD"); err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	return nil
}

// Clean removes untracked and ignored files in dir.
func (g *Git) Clean(ctx context.Context, dir string) error {
	if err := g.run(ctx, dir, "clean", "-fdx"); err != nil {
		return fmt.Errorf("clean: %w", err)
	}
	return nil
}

// Apply applies a patch file to the working tree in dir.
func (g *Git) Apply(ctx context.Context, dir, patch string) error {
	if err := g.run(ctx, dir, "apply", patch, "--ignore-whitespace", "--recount", "--verbose"); err != nil {
		return fmt.Errorf("apply %s: %w", filepath.Base(patch), err)
	}
	return nil
}

// CheckoutOptions describes the desired state of a source checkout.
type CheckoutOptions struct {
	Dir       string
	Remote    string
	Branch    string
	Depth     int
	Recursive bool
}

// Checkout makes Dir a clean clone of Remote at Branch. An existing checkout
// on another branch is removed and cloned again; the result is always reset
// and cleaned.
func (g *Git) Checkout(ctx context.Context, opts CheckoutOptions) error {
	logger := g.logger.With(zap.String("dir", opts.Dir), zap.String("branch", opts.Branch))

	exists, err := afero.DirExists(g.fs, opts.Dir)
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", opts.Dir, err)
	}

	reuse := false
	if exists {
		current, err := g.CurrentBranch(ctx, opts.Dir)
		if err != nil {
			return err
		}
		reuse = current == opts.Branch
		if !reuse {
			logger.Info("removing checkout on unexpected branch", zap.String("current", current))
			if err := g.fs.RemoveAll(opts.Dir); err != nil {
				return fmt.Errorf("failed to remove %s: %w", opts.Dir, err)
			}
		}
	}

	if !reuse {
		logger.Info("cloning", zap.String("remote", opts.Remote))
		if err := g.Clone(ctx, opts.Dir, CloneOptions{
			Remote:    opts.Remote,
			Branch:    opts.Branch,
			Depth:     opts.Depth,
			Recursive: opts.Recursive,
		}); err != nil {
			return err
		}
	}

	if err := g.ResetHard(ctx, opts.Dir); err != nil {
		return err
	}
	return g.Clean(ctx, opts.Dir)
}

// ApplyPatches applies every regular file in patchDir to dir in lexical
// order and returns the applied file names. A missing patchDir is not an
// error.
func (g *Git) ApplyPatches(ctx context.Context, dir, patchDir string) ([]string, error) {
	infos, err := afero.ReadDir(g.fs, patchDir)
	if errors.Is(err, fs.ErrNotExist) {
		g.logger.Debug("no patch directory", zap.String("dir", patchDir))
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list patches in %s: %w", patchDir, err)
	}

	var names []string
	for _, info := range infos {
		if info.Mode().IsRegular() {
			names = append(names, info.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		if err := g.Apply(ctx, dir, filepath.Join(patchDir, name)); err != nil {
			return nil, err
		}
		g.logger.Info("applied patch", zap.String("patch", name))
	}
	return names, nil
}

func (g *Git) run(ctx context.Context, dir string, args ...string) error {
	_, err := g.runner.Run(ctx, shell.Command{Program: g.git, Args: args, Dir: dir})
	return err
}

func (g *Git) output(ctx context.Context, dir string, args ...string) (string, error) {
	out, err := g.runner.Run(ctx, shell.Command{Program: g.git, Args: args, Dir: dir, Capture: true})
	if err != nil {
		return "", err
	}
	return out.Stdout, nil
}
