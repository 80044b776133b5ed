package engine

import "time"

type Result struct {
	ID       string            `json:"id"`
	Kind     string            `json:"kind"`
	Duration time.Duration     `json:"duration"`
	Meta     map[string]string `json:"meta,omitempty"`
}
