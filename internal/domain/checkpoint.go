package domain

import "time"

// Checkpoint is the last source position whose batch was written and
// acknowledged for a pipeline.
type Checkpoint struct {
	PipelineID string    `json:"pipeline_id"`
	Stream     string    `json:"stream"`
	Position   Position  `json:"position"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// DeadLetter describes a record set aside after its transform failed. It
// carries enough identity to replay the record by hand.
type DeadLetter struct {
	PipelineID string    `json:"pipeline_id"`
	RunID      string    `json:"run_id"`
	Stream     string    `json:"stream"`
	Position   Position  `json:"position"`
	Key        string    `json:"key,omitempty"`
	Payload    string    `json:"payload,omitempty"`
	Error      string    `json:"error"`
	At         time.Time `json:"at"`
}
