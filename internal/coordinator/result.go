package coordinator

import "github.com/basket/gatekeep/internal/shared"

const (
	StatusOK       = "ok"
	StatusError    = "error"
	StatusSkipped  = "skipped"
	StatusCanceled = "canceled"
)

// StepResult is the outcome of a single step. Error is redacted before it is
// stored here. Err keeps the original error, frame included, for failure
// capture; it is never serialized.
type StepResult struct {
	StepID     string         `json:"step_id"`
	Tool       string         `json:"tool"`
	Action     string         `json:"action"`
	Status     string         `json:"status"`
	Output     string         `json:"output,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
	Error      string         `json:"error,omitempty"`
	ErrorKind  shared.Kind    `json:"error_kind,omitempty"`
	Err        error          `json:"-"`
	DurationMs int64          `json:"duration_ms"`
}

// Results maps step id to result.
type Results map[string]StepResult

// Failed lists the ids of steps that ended in error, in no particular order.
func (r Results) Failed() []string {
	var out []string
	for id, sr := range r {
		if sr.Status == StatusError {
			out = append(out, id)
		}
	}
	return out
}

// StreamOptions carries per-step callbacks for ExecuteStreaming. Both maps are
// keyed by step id and may be nil.
type StreamOptions struct {
	// Callbacks receive output chunks as a step produces them.
	Callbacks map[string]func(chunk string)
	// StopRequests are polled before a step starts. Returning true cancels
	// that step; a running step is never interrupted.
	StopRequests map[string]func() bool
}
