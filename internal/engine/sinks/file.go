package sinks

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ortartifact/ort-artifact/internal/engine"
	"github.com/spf13/afero"
)

// FileSink writes an output stream to a single file, created or truncated
// when the sink is opened.
type FileSink struct {
	fs      afero.Fs
	path    string
	f       afero.File
	written int64
}

var _ engine.ChunkSink = (*FileSink)(nil)

// NewFileSink opens path for writing, creating parent directories as needed.
func NewFileSink(fs afero.Fs, path string) (*FileSink, error) {
	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := fs.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	f, err := fs.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to create file %s: %w", path, err)
	}

	return &FileSink{fs: fs, path: path, f: f}, nil
}

func (s *FileSink) Name() string {
	return fmt.Sprintf("file(%s)", s.path)
}

func (s *FileSink) Kind() string {
	return "file"
}

// Path returns the output file path.
func (s *FileSink) Path() string {
	return s.path
}

// Written returns the number of bytes written so far.
func (s *FileSink) Written() int64 {
	return s.written
}

func (s *FileSink) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if s.f == nil {
		return 0, fmt.Errorf("file sink %s is closed", s.path)
	}
	n, err := s.f.Write(p)
	s.written += int64(n)
	if err != nil {
		return n, fmt.Errorf("failed to write to file: %w", err)
	}
	return n, nil
}

func (s *FileSink) Close(ctx context.Context) error {
	if s.f == nil {
		return nil
	}
	f := s.f
	s.f = nil
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("failed to sync %s: %w", s.path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", s.path, err)
	}
	return nil
}
