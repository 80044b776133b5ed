package sinks

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"

	"github.com/ortartifact/ort-artifact/internal/engine"
	"github.com/spf13/afero"
)

const partialSuffix = ".partial"

// FilesystemSink publishes artifacts into a directory. Each artifact is
// written next to its final name and renamed into place once complete, so
// readers never observe a half-copied file.
type FilesystemSink struct {
	fs afero.Fs
}

func NewFilesystemSink(fs afero.Fs) engine.Sink {
	return &FilesystemSink{fs: fs}
}

func (s *FilesystemSink) Name() string {
	return fmt.Sprintf("filesystem(%s)", s.fs.Name())
}

func (s *FilesystemSink) Kind() string {
	return "filesystem"
}

func (s *FilesystemSink) Write(ctx context.Context, path string, data io.Reader) (err error) {
	dir := filepath.Dir(path)
	if err := s.fs.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	partial := path + partialSuffix
	f, err := s.fs.Create(partial)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}

	_, err = io.Copy(f, data)
	err = errors.Join(err, f.Close())
	if err != nil {
		_ = s.fs.Remove(partial)
		return fmt.Errorf("failed to write %s: %w", path, err)
	}

	if err := s.fs.Rename(partial, path); err != nil {
		return fmt.Errorf("failed to move %s into place: %w", path, err)
	}

	return nil
}

func (s *FilesystemSink) Close(ctx context.Context) error {
	return nil
}
