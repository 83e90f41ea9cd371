package pipeline

import (
	"context"
	"sync"

	"github.com/ghalamif/RelayFlow/internal/domain"
	"github.com/ghalamif/RelayFlow/internal/ports"
)

// Retention releases buffered records of a source once every pipeline
// reading the same stream has checkpointed past them. Pipelines join through
// Wrap before they start.
type Retention struct {
	src ports.Truncater
	obs ports.Observability

	mu       sync.Mutex
	readers  map[string]map[string]domain.Position // stream -> pipeline -> checkpoint
	released map[string]domain.Position
}

func NewRetention(src ports.Truncater, obs ports.Observability) *Retention {
	if obs == nil {
		obs = nopObs{}
	}
	return &Retention{
		src:      src,
		obs:      obs,
		readers:  make(map[string]map[string]domain.Position),
		released: make(map[string]domain.Position),
	}
}

// Wrap registers pipelineID as a reader of stream and returns a checkpoint
// store that reports its progress.
func (r *Retention) Wrap(pipelineID, stream string, store ports.CheckpointStore) ports.CheckpointStore {
	r.mu.Lock()
	if r.readers[stream] == nil {
		r.readers[stream] = make(map[string]domain.Position)
	}
	r.readers[stream][pipelineID] = domain.StreamStart
	r.mu.Unlock()
	return &retainedCheckpoints{CheckpointStore: store, retention: r, pipelineID: pipelineID, stream: stream}
}

func (r *Retention) advance(pipelineID, stream string, pos domain.Position) {
	r.mu.Lock()
	defer r.mu.Unlock()

	readers := r.readers[stream]
	if pos <= readers[pipelineID] {
		return
	}
	readers[pipelineID] = pos

	low := pos
	for _, p := range readers {
		low = min(low, p)
	}
	if low == domain.StreamStart || low <= r.released[stream] {
		return
	}
	if err := r.src.TruncateBefore(stream, low+1); err != nil {
		r.obs.LogError("retention_truncate_failed", err,
			ports.Field{Key: "stream", Value: stream},
			ports.Field{Key: "position", Value: uint64(low)})
		return
	}
	r.released[stream] = low
}

type retainedCheckpoints struct {
	ports.CheckpointStore
	retention  *Retention
	pipelineID string
	stream     string
}

func (s *retainedCheckpoints) Load(ctx context.Context, pipelineID string) (*domain.Checkpoint, error) {
	cp, err := s.CheckpointStore.Load(ctx, pipelineID)
	if err == nil && cp != nil && cp.Stream == s.stream {
		s.retention.advance(s.pipelineID, s.stream, cp.Position)
	}
	return cp, err
}

func (s *retainedCheckpoints) Save(ctx context.Context, cp domain.Checkpoint) error {
	if err := s.CheckpointStore.Save(ctx, cp); err != nil {
		return err
	}
	if cp.Stream == s.stream {
		s.retention.advance(s.pipelineID, s.stream, cp.Position)
	}
	return nil
}
