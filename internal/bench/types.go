// Package bench orchestrates the measurement tools against a provisioned
// target. Tools run sequentially, best effort: a missing binary or a failed
// run is recorded in the results, never propagated as a run-level error.
package bench

import (
	"errors"
	"time"
)

// Status is the outcome of one tool invocation.
type Status string

const (
	StatusSuccess        Status = "success"
	StatusFailed         Status = "failed"
	StatusTimedOut       Status = "timed_out"
	StatusSkippedMissing Status = "skipped_missing"
	StatusSkipped        Status = "skipped"
)

// ErrTimedOut marks a tool killed by its deadline. Adapters wrap it so the
// orchestrator can classify the result without parsing error text.
var ErrTimedOut = errors.New("tool timed out")

// Metric is one parsed measurement with its unit.
type Metric struct {
	Value float64 `json:"value"`
	Unit  string  `json:"unit"`
}

// Measurements is what an adapter extracts from a successful run.
type Measurements struct {
	Metrics   map[string]Metric
	RawOutput string
}

// ToolResult records one tool's outcome within a run. Started and Ended
// bracket the invocation so resource samples can be correlated to the tool
// active at the time.
type ToolResult struct {
	Tool      string            `json:"tool"`
	Status    Status            `json:"status"`
	Reason    string            `json:"reason,omitempty"`
	Started   time.Time         `json:"started"`
	Ended     time.Time         `json:"ended"`
	Elapsed   time.Duration     `json:"elapsed_ns"`
	Metrics   map[string]Metric `json:"metrics,omitempty"`
	RawOutput string            `json:"raw_output,omitempty"`
}
