package engine

import (
	"context"
	"io"
	"time"
)

// Entry is one file contributed to an archive.
type Entry struct {
	// Name is the path of the entry inside the archive.
	Name string
	// Size is the declared payload length. Source must yield exactly Size bytes.
	Size    int64
	Mode    int64
	ModTime time.Time
	Source  io.Reader
}

// Archiver serializes entries into an archive stream.
type Archiver interface {
	// AddEntry appends one entry, streaming its payload from entry.Source.
	AddEntry(ctx context.Context, entry Entry) error

	// Close writes the end-of-archive marker.
	Close() error
}
