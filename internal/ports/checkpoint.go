package ports

import (
	"context"

	"github.com/ghalamif/RelayFlow/internal/domain"
)

// CheckpointStore persists one checkpoint per pipeline. Load returns nil when
// none has been saved. Save must be durable before it returns. Both fail with
// domain.ErrCheckpointUnavailable when the store cannot be reached.
type CheckpointStore interface {
	Load(ctx context.Context, pipelineID string) (*domain.Checkpoint, error)
	Save(ctx context.Context, cp domain.Checkpoint) error
}

// DeadLetterSink receives records whose transform failed in best-effort mode.
type DeadLetterSink interface {
	Put(ctx context.Context, dl domain.DeadLetter) error
}
