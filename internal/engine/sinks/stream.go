package sinks

import (
	"context"
	"fmt"
	"io"

	"github.com/ortartifact/ort-artifact/internal/engine"
)

// StreamSink appends chunks to an io.Writer such as stdout.
type StreamSink struct {
	w       io.Writer
	written int64
}

func NewStreamSink(w io.Writer) *StreamSink {
	return &StreamSink{w: w}
}

var _ engine.ChunkSink = (*StreamSink)(nil)

func (s *StreamSink) Name() string {
	return "stream"
}

func (s *StreamSink) Kind() string {
	return "stream"
}

func (s *StreamSink) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	n, err := s.w.Write(p)
	s.written += int64(n)
	if err != nil {
		return n, fmt.Errorf("failed to write stream: %w", err)
	}
	return n, nil
}

// Written returns the number of bytes written so far.
func (s *StreamSink) Written() int64 {
	return s.written
}

func (s *StreamSink) Close(ctx context.Context) error {
	return nil
}
