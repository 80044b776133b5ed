package sinks

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockUploader struct {
	uploads []mockUpload
	err     error
}

type mockUpload struct {
	bucket      string
	key         string
	body        []byte
	contentType string
	metadata    map[string]string
}

func (m *mockUploader) Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error) {
	if m.err != nil {
		return nil, m.err
	}
	body, _ := io.ReadAll(input.Body)
	upload := mockUpload{
		bucket:   *input.Bucket,
		key:      *input.Key,
		body:     body,
		metadata: input.Metadata,
	}
	if input.ContentType != nil {
		upload.contentType = *input.ContentType
	}
	m.uploads = append(m.uploads, upload)
	return &manager.UploadOutput{}, nil
}

func TestS3Sink_Name(t *testing.T) {
	tests := []struct {
		name     string
		bucket   string
		prefix   string
		expected string
	}{
		{name: "bucket only", bucket: "artifacts", expected: "s3(artifacts)"},
		{name: "bucket with prefix", bucket: "artifacts", prefix: "onnxruntime/1.22.0", expected: "s3(artifacts/onnxruntime/1.22.0)"},
		{name: "slashes trimmed", bucket: "artifacts", prefix: "/nightly/", expected: "s3(artifacts/nightly)"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sink := NewS3SinkWithUploader(tt.bucket, tt.prefix, "", &mockUploader{})
			assert.Equal(t, tt.expected, sink.Name())
			assert.Equal(t, "s3", sink.Kind())
		})
	}
}

func TestS3Sink_Write(t *testing.T) {
	tests := []struct {
		name        string
		prefix      string
		path        string
		expectedKey string
	}{
		{name: "without prefix", path: "artifact.tar.xz", expectedKey: "artifact.tar.xz"},
		{name: "with prefix", prefix: "releases/1.22.0", path: "artifact.tar.xz", expectedKey: "releases/1.22.0/artifact.tar.xz"},
		{name: "nested path", prefix: "ci", path: "linux/x86_64/artifact.tar.zst", expectedKey: "ci/linux/x86_64/artifact.tar.zst"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			uploader := &mockUploader{}
			sink := NewS3SinkWithUploader("artifacts", tt.prefix, "run-123", uploader)

			err := sink.Write(t.Context(), tt.path, bytes.NewBufferString("payload"))
			require.NoError(t, err)

			require.Len(t, uploader.uploads, 1)
			assert.Equal(t, "artifacts", uploader.uploads[0].bucket)
			assert.Equal(t, tt.expectedKey, uploader.uploads[0].key)
			assert.Equal(t, "payload", string(uploader.uploads[0].body))
			assert.Equal(t, "run-123", uploader.uploads[0].metadata[RunIDMetadataKey])
		})
	}
}

func TestS3Sink_Write_ContentType(t *testing.T) {
	tests := []struct {
		path                string
		expectedContentType string
	}{
		{path: "artifact.tar.xz", expectedContentType: "application/x-xz"},
		{path: "artifact.tar.gz", expectedContentType: "application/gzip"},
		{path: "artifact.tar.zst", expectedContentType: "application/zstd"},
		{path: "artifact.tar.lz4", expectedContentType: "application/x-lz4"},
		{path: "artifact.tar.lzma2", expectedContentType: "application/octet-stream"},
		{path: "artifact.tar", expectedContentType: "application/x-tar"},
		{path: "data.bin", expectedContentType: ""},
		{path: "data", expectedContentType: ""},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			uploader := &mockUploader{}
			sink := NewS3SinkWithUploader("bucket", "", "", uploader)

			err := sink.Write(t.Context(), tt.path, bytes.NewBufferString("content"))
			require.NoError(t, err)

			require.Len(t, uploader.uploads, 1)
			assert.Equal(t, tt.expectedContentType, uploader.uploads[0].contentType)
			assert.Nil(t, uploader.uploads[0].metadata)
		})
	}
}

func TestS3Sink_Write_Error(t *testing.T) {
	uploader := &mockUploader{err: errors.New("access denied")}
	sink := NewS3SinkWithUploader("bucket", "prefix", "", uploader)

	err := sink.Write(t.Context(), "artifact.tar.xz", bytes.NewBufferString("content"))
	require.Error(t, err)
	assert.ErrorContains(t, err, "s3://bucket/prefix/artifact.tar.xz")
	assert.ErrorContains(t, err, "access denied")
}
