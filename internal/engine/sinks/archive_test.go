package sinks

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"github.com/ortartifact/ort-artifact/internal/compress"
	"github.com/ortartifact/ort-artifact/internal/engine"
	"github.com/ortartifact/ort-artifact/internal/engine/archivers"
	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// recordingSink records every chunk written to it.
type recordingSink struct {
	chunks   [][]byte
	closed   bool
	writeErr error
}

func (m *recordingSink) Name() string { return "recording" }
func (m *recordingSink) Kind() string { return "recording" }

func (m *recordingSink) Write(p []byte) (int, error) {
	if m.writeErr != nil {
		return 0, m.writeErr
	}
	m.chunks = append(m.chunks, bytes.Clone(p))
	return len(p), nil
}

func (m *recordingSink) Close(_ context.Context) error {
	m.closed = true
	return nil
}

func (m *recordingSink) bytes() []byte {
	return bytes.Join(m.chunks, nil)
}

func decompressAll(t *testing.T, f compress.Format, data []byte) []byte {
	t.Helper()
	r, err := compress.NewReader(f, bytes.NewReader(data), compress.Options{})
	require.NoError(t, err)
	plain, err := io.ReadAll(r)
	require.NoError(t, err)
	require.NoError(t, r.Close())
	return plain
}

// singleShot serializes entries without compression or chunking.
func singleShot(t *testing.T, entries []engine.Entry) []byte {
	t.Helper()
	var buf bytes.Buffer
	archiver := archivers.NewTarArchiver(&buf)
	for _, e := range entries {
		require.NoError(t, archiver.AddEntry(t.Context(), e))
	}
	require.NoError(t, archiver.Close())
	return buf.Bytes()
}

type namedContent struct {
	name    string
	content []byte
}

func toEntries(files []namedContent) []engine.Entry {
	return lo.Map(files, func(f namedContent, _ int) engine.Entry {
		return engine.Entry{Name: f.name, Size: int64(len(f.content)), Source: bytes.NewReader(f.content)}
	})
}

func packWith(t *testing.T, cfg ArchiveConfig, files []namedContent) (*recordingSink, *ArchiveSink) {
	t.Helper()
	inner := &recordingSink{}
	sink, err := NewArchiveSink(inner, cfg, zap.NewNop())
	require.NoError(t, err)

	for _, e := range toEntries(files) {
		require.NoError(t, sink.Add(t.Context(), e))
	}
	require.NoError(t, sink.Close(t.Context()))
	return inner, sink
}

func TestArchiveSink_RoundTrip(t *testing.T) {
	big := bytes.Repeat([]byte("libonnxruntime"), 40_000)
	cases := map[string][]namedContent{
		"empty":          nil,
		"zero byte file": {{name: "empty.bin"}},
		"mixed": {
			{name: "a.bin", content: []byte{0x01, 0x02, 0x03}},
			{name: "b.bin"},
			{name: "libonnxruntime.so", content: big},
		},
	}

	for name, files := range cases {
		for _, f := range compress.Formats() {
			t.Run(name+"/"+string(f), func(t *testing.T) {
				inner, sink := packWith(t, ArchiveConfig{Format: f}, files)

				assert.True(t, inner.closed, "inner sink should be closed")
				expected := singleShot(t, toEntries(files))
				assert.Equal(t, expected, decompressAll(t, f, inner.bytes()))

				stats := sink.Stats()
				assert.Equal(t, len(files), stats.Entries)
				assert.Equal(t, int64(len(expected)), stats.ArchiveBytes)
				assert.Equal(t, int64(len(inner.bytes())), stats.CompressedBytes)
				assert.Equal(t, len(inner.chunks), stats.Chunks)
			})
		}
	}
}

func TestArchiveSink_ChunkSizeInvariance(t *testing.T) {
	files := []namedContent{
		{name: "a.bin", content: bytes.Repeat([]byte{0xAB, 0xCD}, 3000)},
		{name: "b.txt", content: []byte("hello")},
	}
	expected := singleShot(t, toEntries(files))

	for _, chunkSize := range []int{1, 4096, len(expected)} {
		inner, sink := packWith(t, ArchiveConfig{Format: compress.FormatXZ, ChunkSize: chunkSize}, files)
		assert.Equal(t, expected, decompressAll(t, compress.FormatXZ, inner.bytes()), "chunk size %d", chunkSize)
		assert.GreaterOrEqual(t, sink.Stats().Pushes, len(expected)/chunkSize, "chunk size %d", chunkSize)
	}
}

func TestArchiveSink_NeverWritesEmptyChunks(t *testing.T) {
	files := []namedContent{{name: "a.bin", content: bytes.Repeat([]byte("z"), 100_000)}}
	inner, sink := packWith(t, ArchiveConfig{Format: compress.FormatXZ, ChunkSize: 512}, files)

	for i, chunk := range inner.chunks {
		assert.NotEmpty(t, chunk, "chunk %d", i)
	}
	assert.Less(t, sink.Stats().Chunks, sink.Stats().Pushes, "the encoder should buffer most pushes")
}

func TestArchiveSink_Scenario(t *testing.T) {
	files := []namedContent{
		{name: "a.bin", content: []byte{0x01, 0x02, 0x03}},
		{name: "b.bin"},
	}
	inner, _ := packWith(t, ArchiveConfig{}, files)

	tr := tar.NewReader(bytes.NewReader(decompressAll(t, compress.FormatXZ, inner.bytes())))

	h, err := tr.Next()
	require.NoError(t, err)
	assert.Equal(t, "a.bin", h.Name)
	assert.Equal(t, int64(3), h.Size)
	content, err := io.ReadAll(tr)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01, 0x02, 0x03}, content)

	h, err = tr.Next()
	require.NoError(t, err)
	assert.Equal(t, "b.bin", h.Name)
	assert.Equal(t, int64(0), h.Size)

	_, err = tr.Next()
	assert.Equal(t, io.EOF, err)
}

func TestArchiveSink_IntegrityAbortsWithoutFlush(t *testing.T) {
	for _, size := range []int64{2, 4} {
		inner := &recordingSink{}
		sink, err := NewArchiveSink(inner, ArchiveConfig{Format: compress.FormatNone}, zap.NewNop())
		require.NoError(t, err)

		err = sink.Add(t.Context(), engine.Entry{Name: "lies.bin", Size: size, Source: bytes.NewReader([]byte{1, 2, 3})})
		require.ErrorIs(t, err, archivers.ErrIntegrity)

		err = sink.Add(t.Context(), engine.Entry{Name: "next.bin", Size: 1, Source: bytes.NewReader([]byte{1})})
		require.ErrorIs(t, err, archivers.ErrIntegrity)

		err = sink.Close(t.Context())
		require.ErrorIs(t, err, archivers.ErrIntegrity)
		assert.True(t, inner.closed, "inner sink is released even on failure")

		// header plus the bytes copied before the fault: no padding, no
		// end-of-archive marker
		out := inner.bytes()
		assert.Len(t, out, 512+int(min(size, 3)), "declared size %d", size)
		assert.NotZero(t, len(out)%512, "declared size %d", size)
		assert.False(t, bytes.HasSuffix(out, make([]byte, 1024)), "declared size %d", size)
	}
}

func TestArchiveSink_InnerWriteFailure(t *testing.T) {
	diskFull := errors.New("no space left on device")
	inner := &recordingSink{writeErr: diskFull}
	sink, err := NewArchiveSink(inner, ArchiveConfig{Format: compress.FormatNone}, zap.NewNop())
	require.NoError(t, err)

	err = sink.Add(t.Context(), engine.Entry{Name: "a.bin", Size: 1, Source: bytes.NewReader([]byte{1})})
	require.ErrorIs(t, err, diskFull)

	err = sink.Close(t.Context())
	require.ErrorIs(t, err, diskFull)
	assert.True(t, inner.closed)
}

func TestArchiveSink_CloseTwice(t *testing.T) {
	inner := &recordingSink{}
	sink, err := NewArchiveSink(inner, ArchiveConfig{}, zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, sink.Close(t.Context()))
	require.Error(t, sink.Close(t.Context()))

	err = sink.Add(t.Context(), engine.Entry{Name: "late.bin", Source: bytes.NewReader(nil)})
	require.Error(t, err)
}

func TestArchiveSink_NameAndKind(t *testing.T) {
	sink, err := NewArchiveSink(&recordingSink{}, ArchiveConfig{Format: compress.FormatZstd}, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, "archive(zstd)->recording", sink.Name())
	assert.Equal(t, "archive", sink.Kind())
	assert.Equal(t, compress.FormatZstd, sink.Format())
	require.NoError(t, sink.Close(t.Context()))
}

func TestNewArchiveSink_InvalidFormat(t *testing.T) {
	_, err := NewArchiveSink(&recordingSink{}, ArchiveConfig{Format: "rar"}, zap.NewNop())
	require.Error(t, err)
}
