package sinks

import (
	"context"
	"errors"
	"fmt"

	"github.com/ortartifact/ort-artifact/internal/compress"
	"github.com/ortartifact/ort-artifact/internal/engine"
	"github.com/ortartifact/ort-artifact/internal/engine/archivers"
	"go.uber.org/zap"
)

// DefaultChunkSize bounds every slice handed to the compressor.
const DefaultChunkSize = 64 * 1024

// ArchiveConfig configures an ArchiveSink.
type ArchiveConfig struct {
	Format    compress.Format
	Options   compress.Options
	ChunkSize int
}

// ArchiveStats counts what went through an ArchiveSink.
type ArchiveStats struct {
	Entries int
	// PayloadBytes is the sum of entry payloads.
	PayloadBytes int64
	// ArchiveBytes is the length of the uncompressed tar stream.
	ArchiveBytes int64
	// CompressedBytes is the length written to the inner sink.
	CompressedBytes int64
	Pushes          int
	// Chunks is the number of non-empty writes to the inner sink.
	Chunks int
}

// ArchiveSink serializes entries as tar records, pushes the record stream
// through a compressor session in bounded chunks, and appends every non-empty
// compressor output to the inner sink in order.
//
// The sink owns the session. Any fault marks the sink failed: Close then
// releases the inner sink without flushing, leaving a truncated output.
type ArchiveSink struct {
	inner     engine.ChunkSink
	session   *compress.Session
	archiver  *archivers.TarArchiver
	format    compress.Format
	chunkSize int
	logger    *zap.Logger

	stats  ArchiveStats
	failed error
	closed bool
}

// NewArchiveSink creates an archive sink writing compressed output to inner.
func NewArchiveSink(inner engine.ChunkSink, cfg ArchiveConfig, logger *zap.Logger) (*ArchiveSink, error) {
	format := cfg.Format
	if format == "" {
		format = compress.DefaultFormat
	}

	chunkSize := cfg.ChunkSize
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}

	session, err := compress.NewSession(format, cfg.Options)
	if err != nil {
		return nil, fmt.Errorf("failed to create compressor session: %w", err)
	}

	s := &ArchiveSink{
		inner:     inner,
		session:   session,
		format:    format,
		chunkSize: chunkSize,
		logger:    logger,
	}
	s.archiver = archivers.NewTarArchiver(&chunkWriter{sink: s})
	return s, nil
}

// Name returns the name of this sink.
func (s *ArchiveSink) Name() string {
	return fmt.Sprintf("archive(%s)->%s", s.format, s.inner.Name())
}

// Kind returns the kind of this sink.
func (s *ArchiveSink) Kind() string {
	return "archive"
}

// Format returns the compression format of the output stream.
func (s *ArchiveSink) Format() compress.Format {
	return s.format
}

// Stats returns counters accumulated so far.
func (s *ArchiveSink) Stats() ArchiveStats {
	return s.stats
}

// Add streams one entry into the archive.
func (s *ArchiveSink) Add(ctx context.Context, entry engine.Entry) error {
	if s.closed {
		return fmt.Errorf("archive sink is closed")
	}
	if s.failed != nil {
		return fmt.Errorf("archive sink failed earlier: %w", s.failed)
	}

	if err := s.archiver.AddEntry(ctx, entry); err != nil {
		s.failed = err
		return fmt.Errorf("failed to add %q to archive: %w", entry.Name, err)
	}

	s.stats.Entries++
	s.stats.PayloadBytes += entry.Size
	s.logger.Debug("added archive entry",
		zap.String("entry", entry.Name),
		zap.Int64("size", entry.Size),
		zap.Int64("compressed_bytes", s.stats.CompressedBytes),
	)
	return nil
}

// Close finalizes the archive, flushes the compressor exactly once and closes
// the inner sink. After a fault it only closes the inner sink and reports the
// original error.
func (s *ArchiveSink) Close(ctx context.Context) error {
	if s.closed {
		return fmt.Errorf("archive sink already closed")
	}
	s.closed = true

	if s.failed != nil {
		s.session = nil
		return errors.Join(
			fmt.Errorf("archive is incomplete: %w", s.failed),
			s.closeInner(ctx),
		)
	}

	if err := s.archiver.Close(); err != nil {
		s.session = nil
		return errors.Join(fmt.Errorf("failed to finalize archive: %w", err), s.closeInner(ctx))
	}

	final, err := s.session.Flush()
	s.session = nil
	if err != nil {
		return errors.Join(fmt.Errorf("failed to flush compressor: %w", err), s.closeInner(ctx))
	}

	if err := s.emit(final); err != nil {
		return errors.Join(err, s.closeInner(ctx))
	}

	return s.closeInner(ctx)
}

func (s *ArchiveSink) closeInner(ctx context.Context) error {
	if err := s.inner.Close(ctx); err != nil {
		return fmt.Errorf("failed to close inner sink: %w", err)
	}
	return nil
}

// push feeds p to the session in chunks of at most chunkSize bytes.
func (s *ArchiveSink) push(p []byte) (int, error) {
	written := 0
	for len(p) > 0 {
		n := min(len(p), s.chunkSize)
		out, err := s.session.Push(p[:n])
		if err != nil {
			return written, err
		}
		s.stats.Pushes++
		s.stats.ArchiveBytes += int64(n)
		if err := s.emit(out); err != nil {
			return written, err
		}
		p = p[n:]
		written += n
	}
	return written, nil
}

// emit appends compressor output to the inner sink. Empty output is dropped.
func (s *ArchiveSink) emit(out []byte) error {
	if len(out) == 0 {
		return nil
	}
	if _, err := s.inner.Write(out); err != nil {
		return fmt.Errorf("failed to write to %s: %w", s.inner.Name(), err)
	}
	s.stats.Chunks++
	s.stats.CompressedBytes += int64(len(out))
	return nil
}

// chunkWriter is the io.Writer the tar archiver writes records into.
type chunkWriter struct {
	sink *ArchiveSink
}

func (w *chunkWriter) Write(p []byte) (int, error) {
	return w.sink.push(p)
}
