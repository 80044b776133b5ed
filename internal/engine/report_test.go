package engine

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeReport(t *testing.T) {
	report := Report{
		Job:      "linux-x64",
		RunID:    "0b6f4d3e-8f43-4a43-9d7c-5d2a1f3c9e11",
		Started:  time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		Artifact: "/work/artifact.tar.xz",
		Steps: []Result{
			{ID: "package", Kind: "package", Duration: 2 * time.Second, Meta: map[string]string{"entries": "3"}},
		},
	}

	var compact bytes.Buffer
	require.NoError(t, EncodeReport(&compact, report, ""))
	assert.Equal(t, 1, strings.Count(compact.String(), "\n"))

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(compact.Bytes(), &decoded))
	assert.Equal(t, "linux-x64", decoded["job"])
	assert.Equal(t, "2025-06-01T12:00:00Z", decoded["started"])
	steps := decoded["steps"].([]any)
	require.Len(t, steps, 1)
	assert.Equal(t, float64(2*time.Second), steps[0].(map[string]any)["duration"])

	var indented bytes.Buffer
	require.NoError(t, EncodeReport(&indented, Report{Job: "x"}, "  "))
	assert.Contains(t, indented.String(), "\n  \"job\": \"x\"")
	assert.NotContains(t, indented.String(), "artifact")
}
