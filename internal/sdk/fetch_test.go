package sdk

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ortartifact/ort-artifact/internal/compress"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type archiveFile struct {
	name     string
	content  string
	dir      bool
	linkname string
}

func tarball(t *testing.T, format compress.Format, files []archiveFile) []byte {
	t.Helper()
	var plain bytes.Buffer
	tw := tar.NewWriter(&plain)
	for _, f := range files {
		h := &tar.Header{Name: f.name, Mode: 0o644, Size: int64(len(f.content)), Typeflag: tar.TypeReg}
		switch {
		case f.dir:
			h = &tar.Header{Name: f.name, Mode: 0o755, Typeflag: tar.TypeDir}
		case f.linkname != "":
			h = &tar.Header{Name: f.name, Linkname: f.linkname, Typeflag: tar.TypeSymlink}
		}
		require.NoError(t, tw.WriteHeader(h))
		if h.Typeflag == tar.TypeReg {
			_, err := tw.Write([]byte(f.content))
			require.NoError(t, err)
		}
	}
	require.NoError(t, tw.Close())

	session, err := compress.NewSession(format, compress.Options{})
	require.NoError(t, err)
	head, err := session.Push(plain.Bytes())
	require.NoError(t, err)
	tail, err := session.Flush()
	require.NoError(t, err)
	return append(head, tail...)
}

func zipball(t *testing.T, files []archiveFile) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, f := range files {
		w, err := zw.Create(f.name)
		require.NoError(t, err)
		_, err = w.Write([]byte(f.content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func serve(t *testing.T, routes map[string][]byte) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, ok := routes[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write(body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

var cudnnFiles = []archiveFile{
	{name: "cudnn-linux-x86_64-9.19.0.56_cuda12-archive/", dir: true},
	{name: "cudnn-linux-x86_64-9.19.0.56_cuda12-archive/include/cudnn.h", content: "#pragma once"},
	{name: "cudnn-linux-x86_64-9.19.0.56_cuda12-archive/lib/libcudnn.so.9", content: "ELF"},
	{name: "cudnn-linux-x86_64-9.19.0.56_cuda12-archive/LICENSE", content: "license"},
}

func TestFetcher_TarballFormats(t *testing.T) {
	tests := []struct {
		path   string
		format compress.Format
	}{
		{path: "/cudnn.tar.xz", format: compress.FormatXZ},
		{path: "/tensorrt.tar.gz", format: compress.FormatGzip},
		{path: "/tensorrt.tgz", format: compress.FormatGzip},
		{path: "/dawn.tar.zst", format: compress.FormatZstd},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			srv := serve(t, map[string][]byte{tt.path: tarball(t, tt.format, cudnnFiles)})
			fs := afero.NewMemMapFs()

			res, err := NewFetcher(fs, zap.NewNop()).Fetch(t.Context(), SDK{
				Name:            "cudnn",
				URL:             srv.URL + tt.path,
				Dest:            "/root/cudnn",
				StripComponents: 1,
			})
			require.NoError(t, err)
			assert.False(t, res.Skipped)
			assert.Equal(t, 3, res.Files)

			header, err := afero.ReadFile(fs, "/root/cudnn/include/cudnn.h")
			require.NoError(t, err)
			assert.Equal(t, "#pragma once", string(header))
			exists, err := afero.Exists(fs, "/root/cudnn/lib/libcudnn.so.9")
			require.NoError(t, err)
			assert.True(t, exists)
		})
	}
}

func TestFetcher_Zip(t *testing.T) {
	srv := serve(t, map[string][]byte{"/cudnn-windows.zip": zipball(t, []archiveFile{
		{name: "cudnn-windows-x86_64/bin/cudnn64_9.dll", content: "MZ"},
		{name: "cudnn-windows-x86_64/include/cudnn.h", content: "#pragma once"},
	})})
	fs := afero.NewMemMapFs()

	res, err := NewFetcher(fs, zap.NewNop()).Fetch(t.Context(), SDK{
		Name:            "cudnn",
		URL:             srv.URL + "/cudnn-windows.zip",
		Dest:            "/root/cudnn",
		StripComponents: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Files)

	dll, err := afero.ReadFile(fs, "/root/cudnn/bin/cudnn64_9.dll")
	require.NoError(t, err)
	assert.Equal(t, "MZ", string(dll))
}

func TestFetcher_SkipsPopulatedDest(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/root/cudnn/include/cudnn.h", []byte("cached"), 0o644))
	srv := serve(t, nil)

	res, err := NewFetcher(fs, zap.NewNop()).Fetch(t.Context(), SDK{Name: "cudnn", URL: srv.URL + "/missing.tar.xz", Dest: "/root/cudnn"})
	require.NoError(t, err)
	assert.True(t, res.Skipped)
}

func TestFetcher_ReplacesEmptyDest(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll("/root/cudnn", 0o755))
	srv := serve(t, map[string][]byte{"/cudnn.tar.xz": tarball(t, compress.FormatXZ, cudnnFiles)})

	res, err := NewFetcher(fs, zap.NewNop()).Fetch(t.Context(), SDK{
		Name:            "cudnn",
		URL:             srv.URL + "/cudnn.tar.xz",
		Dest:            "/root/cudnn",
		StripComponents: 1,
	})
	require.NoError(t, err)
	assert.False(t, res.Skipped)
	assert.Equal(t, 3, res.Files)
}

func TestFetcher_RejectsTraversal(t *testing.T) {
	tests := map[string][]archiveFile{
		"dotdot file":     {{name: "../../etc/passwd", content: "root"}},
		"escaping link":   {{name: "lib/libcudnn.so", linkname: "../../../etc/shadow"}},
		"absolute link":   {{name: "lib/libcudnn.so", linkname: "/etc/shadow"}},
		"stripped dotdot": {{name: "top/../../outside.txt", content: "x"}},
	}

	for name, files := range tests {
		t.Run(name, func(t *testing.T) {
			srv := serve(t, map[string][]byte{"/evil.tar.gz": tarball(t, compress.FormatGzip, files)})
			fs := afero.NewMemMapFs()

			_, err := NewFetcher(fs, zap.NewNop()).Fetch(t.Context(), SDK{Name: "evil", URL: srv.URL + "/evil.tar.gz", Dest: "/root/sdk"})
			require.Error(t, err)
			assert.ErrorContains(t, err, "outside")
		})
	}
}

func TestFetcher_HTTPError(t *testing.T) {
	srv := serve(t, nil)
	_, err := NewFetcher(afero.NewMemMapFs(), zap.NewNop()).Fetch(t.Context(), SDK{Name: "trt", URL: srv.URL + "/trt.tar.gz", Dest: "/root/trt"})
	require.Error(t, err)
	assert.ErrorContains(t, err, "unexpected status 404")
}

func TestArchiveKind(t *testing.T) {
	tests := []struct {
		sdk      SDK
		expected string
		wantErr  bool
	}{
		{sdk: SDK{URL: "https://example.com/a.tar.xz"}, expected: "xz"},
		{sdk: SDK{URL: "https://example.com/a.ZIP"}, expected: "zip"},
		{sdk: SDK{URL: "https://example.com/a.tar.gz?token=abc"}, expected: "gzip"},
		{sdk: SDK{URL: "https://example.com/download", Kind: "zstd"}, expected: "zstd"},
		{sdk: SDK{URL: "https://example.com/download", Kind: "zip"}, expected: "zip"},
		{sdk: SDK{URL: "https://example.com/download"}, wantErr: true},
		{sdk: SDK{URL: "https://example.com/download", Kind: "rar"}, wantErr: true},
	}

	for _, tt := range tests {
		kind, err := archiveKind(tt.sdk)
		if tt.wantErr {
			assert.Error(t, err, tt.sdk.URL)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, tt.expected, kind, tt.sdk.URL)
	}
}
