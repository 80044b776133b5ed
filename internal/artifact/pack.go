// Package artifact packs a directory of build outputs into a single
// compressed tar stream.
//
// Packing is a single forward pass: files are enumerated, opened and streamed
// one at a time, and every compressed chunk is written to the output sink
// before the next chunk of input is read. A failed run leaves a truncated,
// undecodable output behind; callers must discard it and pack again.
package artifact

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/ortartifact/ort-artifact/internal/engine"
	"github.com/ortartifact/ort-artifact/internal/engine/sinks"
	"github.com/spf13/afero"
	"go.uber.org/zap"
)

// Stage is a step of the packing state machine.
type Stage int

const (
	StageIdle Stage = iota
	StageEnumerating
	StageStreaming
	StageFlushing
	StageClosed
)

func (s Stage) String() string {
	switch s {
	case StageIdle:
		return "idle"
	case StageEnumerating:
		return "enumerating"
	case StageStreaming:
		return "streaming"
	case StageFlushing:
		return "flushing"
	case StageClosed:
		return "closed"
	default:
		return fmt.Sprintf("stage(%d)", int(s))
	}
}

// Stats summarizes a packing run.
type Stats struct {
	sinks.ArchiveStats
	Skipped int
	Elapsed time.Duration
}

// Options configures a Packer.
type Options struct {
	Archive sinks.ArchiveConfig
	// ModTime, when set, replaces every file's modification time for
	// reproducible archives.
	ModTime *time.Time
	// Exclude lists paths that are never packed. The output file of a sink
	// exposing Path is always excluded.
	Exclude []string
}

type pathSink interface {
	Path() string
}

// Packer packs directories found on fs.
type Packer struct {
	fs     afero.Fs
	logger *zap.Logger
	opts   Options
	stage  Stage
}

// NewPacker creates a packer reading from fs.
func NewPacker(fs afero.Fs, logger *zap.Logger, opts Options) *Packer {
	return &Packer{fs: fs, logger: logger, opts: opts}
}

// Stage returns the stage reached by the last Pack call.
func (p *Packer) Stage() Stage {
	return p.stage
}

// Pack archives the regular files directly inside dir, in name order, and
// writes the compressed stream to out. out is closed before Pack returns,
// whether or not packing succeeded.
func (p *Packer) Pack(ctx context.Context, dir string, out engine.ChunkSink) (stats Stats, err error) {
	start := time.Now()
	p.stage = StageIdle

	archive, err := sinks.NewArchiveSink(out, p.opts.Archive, p.logger.Named("archive"))
	if err != nil {
		return stats, p.abort(ctx, err, out)
	}

	defer func() {
		stats.ArchiveStats = archive.Stats()
		stats.Elapsed = time.Since(start)
	}()

	p.transition(StageEnumerating)
	infos, err := afero.ReadDir(p.fs, dir)
	if err != nil {
		err = fmt.Errorf("failed to list %s: %w", dir, err)
		return stats, p.abort(ctx, err, archive)
	}

	excluded := p.excluded(out)

	p.transition(StageStreaming)
	for _, info := range infos {
		path := filepath.Join(dir, info.Name())
		if excluded[absPath(path)] {
			stats.Skipped++
			p.logger.Debug("skipping excluded entry", zap.String("name", info.Name()))
			continue
		}
		if !info.Mode().IsRegular() {
			stats.Skipped++
			p.logger.Debug("skipping non-regular entry", zap.String("name", info.Name()), zap.Stringer("mode", info.Mode()))
			continue
		}

		if err := p.addFile(ctx, archive, path); err != nil {
			return stats, p.abort(ctx, err, archive)
		}
	}

	p.transition(StageFlushing)
	if err := archive.Close(ctx); err != nil {
		return stats, fmt.Errorf("failed to finalize artifact: %w", err)
	}
	p.transition(StageClosed)

	final := archive.Stats()
	p.logger.Info("packed artifact",
		zap.String("dir", dir),
		zap.String("sink", out.Name()),
		zap.Int("entries", final.Entries),
		zap.Int("skipped", stats.Skipped),
		zap.Int64("archive_bytes", final.ArchiveBytes),
		zap.Int64("compressed_bytes", final.CompressedBytes),
		zap.Duration("elapsed", time.Since(start)),
	)
	return stats, nil
}

func (p *Packer) excluded(out engine.ChunkSink) map[string]bool {
	excluded := make(map[string]bool, len(p.opts.Exclude)+1)
	for _, path := range p.opts.Exclude {
		excluded[absPath(path)] = true
	}
	if ps, ok := out.(pathSink); ok {
		excluded[absPath(ps.Path())] = true
	}
	return excluded
}

func absPath(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}
	return filepath.Clean(path)
}

func (p *Packer) addFile(ctx context.Context, archive *sinks.ArchiveSink, path string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("packing cancelled: %w", err)
	}

	info, err := p.fs.Stat(path)
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", path, err)
	}

	f, err := p.fs.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	modTime := info.ModTime()
	if p.opts.ModTime != nil {
		modTime = *p.opts.ModTime
	}

	return archive.Add(ctx, engine.Entry{
		Name:    info.Name(),
		Size:    info.Size(),
		Mode:    int64(info.Mode().Perm()),
		ModTime: modTime,
		Source:  f,
	})
}

func (p *Packer) transition(next Stage) {
	p.logger.Debug("packer stage", zap.Stringer("from", p.stage), zap.Stringer("to", next))
	p.stage = next
}

// abort releases c after a fault and returns the fault. The output is left
// as-is: it is truncated and must not be used.
func (p *Packer) abort(ctx context.Context, err error, c engine.Closer) error {
	if cerr := c.Close(ctx); cerr != nil {
		p.logger.Debug("release after failure", zap.Error(cerr))
	}
	p.logger.Error("packing aborted", zap.Stringer("stage", p.stage), zap.Error(err))
	return err
}
