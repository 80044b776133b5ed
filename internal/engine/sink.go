package engine

import (
	"context"
	"io"
)

// Sink receives finished artifacts by path (publishing destinations).
type Sink interface {
	Named
	Closer
	Write(ctx context.Context, path string, data io.Reader) error
}

// ChunkSink receives an output byte stream in order. A zero-length write
// must leave the sink unchanged.
type ChunkSink interface {
	Named
	Closer
	io.Writer
}
