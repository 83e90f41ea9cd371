package checkpoint

import (
	"context"
	"sync"

	"github.com/ghalamif/RelayFlow/internal/domain"
	"github.com/ghalamif/RelayFlow/internal/ports"
)

// MemoryStore holds checkpoints for the life of the process.
type MemoryStore struct {
	mu   sync.RWMutex
	byID map[string]domain.Checkpoint
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: make(map[string]domain.Checkpoint)}
}

func (s *MemoryStore) Load(_ context.Context, pipelineID string) (*domain.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp, ok := s.byID[pipelineID]
	if !ok {
		return nil, nil
	}
	return &cp, nil
}

func (s *MemoryStore) Save(_ context.Context, cp domain.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[cp.PipelineID] = cp
	return nil
}

var _ ports.CheckpointStore = (*MemoryStore)(nil)
