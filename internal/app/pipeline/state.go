package pipeline

import (
	"fmt"

	"github.com/ghalamif/RelayFlow/internal/domain"
)

// State is the coordinator's position in its read-transform-write loop.
type State int

const (
	StateIdle State = iota
	StateReading
	StateTransforming
	StateWriting
	StateCheckpointing
	StateRetrying
	StateFailed
	StateStopped
)

var stateNames = [...]string{
	StateIdle:          "idle",
	StateReading:       "reading",
	StateTransforming:  "transforming",
	StateWriting:       "writing",
	StateCheckpointing: "checkpointing",
	StateRetrying:      "retrying",
	StateFailed:        "failed",
	StateStopped:       "stopped",
}

func (s State) String() string {
	if int(s) < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Terminal reports whether the coordinator has left its loop.
func (s State) Terminal() bool { return s == StateFailed || s == StateStopped }

// Status is a point-in-time view of a coordinator.
type Status struct {
	PipelineID   string             `json:"pipeline_id"`
	RunID        string             `json:"run_id"`
	State        State              `json:"state"`
	Checkpoint   *domain.Checkpoint `json:"checkpoint,omitempty"`
	Batches      int64              `json:"batches"`
	Read         int64              `json:"read"`
	Written      int64              `json:"written"`
	Dropped      int64              `json:"dropped"`
	DeadLettered int64              `json:"dead_lettered"`
	Retries      int64              `json:"retries"`
	LastError    string             `json:"last_error,omitempty"`
}

// RunError is returned when a pipeline stops on a fatal error. Checkpoint is
// the last position known to be delivered (nil if nothing was).
type RunError struct {
	PipelineID string
	Checkpoint *domain.Checkpoint
	Cause      error
}

func (e *RunError) Error() string {
	pos := domain.StreamStart
	if e.Checkpoint != nil {
		pos = e.Checkpoint.Position
	}
	return fmt.Sprintf("pipeline %s failed at checkpoint %d: %v", e.PipelineID, pos, e.Cause)
}

func (e *RunError) Unwrap() error { return e.Cause }
