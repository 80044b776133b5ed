package engine

import (
	"encoding/json"
	"fmt"
	"io"
	"time"
)

// Report summarizes one pipeline run.
type Report struct {
	Job      string    `json:"job"`
	RunID    string    `json:"run_id"`
	Started  time.Time `json:"started"`
	Artifact string    `json:"artifact,omitempty"`
	Steps    []Result  `json:"steps"`
}

// EncodeReport writes report as JSON. An empty indent writes one line.
func EncodeReport(w io.Writer, report Report, indent string) error {
	encoder := json.NewEncoder(w)
	if indent != "" {
		encoder.SetIndent("", indent)
	}

	if err := encoder.Encode(report); err != nil {
		return fmt.Errorf("failed to encode report as JSON: %w", err)
	}
	return nil
}
