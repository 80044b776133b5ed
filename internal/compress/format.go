package compress

import (
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/ulikunitz/xz"
	"github.com/ulikunitz/xz/lzma"
)

// Format names a compressed container the session can produce.
type Format string

const (
	FormatXZ    Format = "xz"
	FormatLZMA2 Format = "lzma2"
	FormatZstd  Format = "zstd"
	FormatGzip  Format = "gzip"
	FormatLZ4   Format = "lz4"
	FormatNone  Format = "none"

	DefaultFormat = FormatXZ
)

var formats = []Format{FormatXZ, FormatLZMA2, FormatZstd, FormatGzip, FormatLZ4, FormatNone}

// Formats returns every supported format name.
func Formats() []Format {
	return append([]Format(nil), formats...)
}

// ParseFormat validates a format name. An empty name selects DefaultFormat.
func ParseFormat(name string) (Format, error) {
	if name == "" {
		return DefaultFormat, nil
	}
	f := Format(strings.ToLower(name))
	for _, known := range formats {
		if f == known {
			return f, nil
		}
	}
	return "", fmt.Errorf("unsupported compression format: %s", name)
}

// FormatFromPath infers the format from an artifact file name.
func FormatFromPath(path string) (Format, error) {
	base := strings.ToLower(filepath.Base(path))
	for _, f := range formats {
		if strings.HasSuffix(base, f.Extension()) && f != FormatNone {
			return f, nil
		}
	}
	if strings.HasSuffix(base, ".tgz") {
		return FormatGzip, nil
	}
	if strings.HasSuffix(base, ".tar") {
		return FormatNone, nil
	}
	return "", fmt.Errorf("cannot infer compression format from %q", path)
}

// Extension returns the artifact file extension, including the tar part.
func (f Format) Extension() string {
	switch f {
	case FormatXZ:
		return ".tar.xz"
	case FormatLZMA2:
		return ".tar.lzma2"
	case FormatZstd:
		return ".tar.zst"
	case FormatGzip:
		return ".tar.gz"
	case FormatLZ4:
		return ".tar.lz4"
	default:
		return ".tar"
	}
}

// Options tunes the encoder. Zero and nil values select library defaults.
type Options struct {
	// DictCap is the dictionary capacity for xz and lzma2.
	DictCap int
	// Level is the compression level for zstd and gzip; nil selects the
	// library default. Gzip level 0 stores without compression.
	Level *int
}

func newEncoder(f Format, w io.Writer, opts Options) (io.WriteCloser, error) {
	switch f {
	case FormatXZ:
		cfg := xz.WriterConfig{DictCap: opts.DictCap}
		enc, err := cfg.NewWriter(w)
		if err != nil {
			return nil, fmt.Errorf("failed to create xz writer: %w", err)
		}
		return enc, nil
	case FormatLZMA2:
		cfg := lzma.Writer2Config{DictCap: opts.DictCap}
		enc, err := cfg.NewWriter2(w)
		if err != nil {
			return nil, fmt.Errorf("failed to create lzma2 writer: %w", err)
		}
		return enc, nil
	case FormatZstd:
		zopts := []zstd.EOption{zstd.WithEncoderConcurrency(1)}
		if opts.Level != nil {
			zopts = append(zopts, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(*opts.Level)))
		}
		enc, err := zstd.NewWriter(w, zopts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd writer: %w", err)
		}
		return enc, nil
	case FormatGzip:
		level := gzip.DefaultCompression
		if opts.Level != nil {
			level = *opts.Level
		}
		enc, err := gzip.NewWriterLevel(w, level)
		if err != nil {
			return nil, fmt.Errorf("failed to create gzip writer: %w", err)
		}
		return enc, nil
	case FormatLZ4:
		return lz4.NewWriter(w), nil
	case FormatNone:
		return &nopWriteCloser{w}, nil
	default:
		return nil, fmt.Errorf("unsupported compression format: %s", f)
	}
}

// NewReader returns a decompressing reader for a stream produced with format f.
// Options must carry the same DictCap that was used for lzma2 streams.
func NewReader(f Format, r io.Reader, opts Options) (io.ReadCloser, error) {
	switch f {
	case FormatXZ:
		dec, err := xz.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("failed to create xz reader: %w", err)
		}
		return io.NopCloser(dec), nil
	case FormatLZMA2:
		cfg := lzma.Reader2Config{DictCap: opts.DictCap}
		dec, err := cfg.NewReader2(r)
		if err != nil {
			return nil, fmt.Errorf("failed to create lzma2 reader: %w", err)
		}
		return io.NopCloser(dec), nil
	case FormatZstd:
		dec, err := zstd.NewReader(r, zstd.WithDecoderConcurrency(1))
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd reader: %w", err)
		}
		return dec.IOReadCloser(), nil
	case FormatGzip:
		dec, err := gzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("failed to create gzip reader: %w", err)
		}
		return dec, nil
	case FormatLZ4:
		return io.NopCloser(lz4.NewReader(r)), nil
	case FormatNone:
		return io.NopCloser(r), nil
	default:
		return nil, fmt.Errorf("unsupported compression format: %s", f)
	}
}

type nopWriteCloser struct {
	io.Writer
}

func (n *nopWriteCloser) Close() error {
	return nil
}
