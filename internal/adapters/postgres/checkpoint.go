package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/ghalamif/RelayFlow/internal/domain"
	"github.com/ghalamif/RelayFlow/internal/ports"
)

const DefaultCheckpointTable = "relay_checkpoints"

// CheckpointStore keeps one row per pipeline.
type CheckpointStore struct {
	db    *sql.DB
	table string
}

func NewCheckpointStore(db *sql.DB, table string) *CheckpointStore {
	if table == "" {
		table = DefaultCheckpointTable
	}
	return &CheckpointStore{db: db, table: pq.QuoteIdentifier(table)}
}

func (s *CheckpointStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	pipeline_id TEXT PRIMARY KEY,
	stream      TEXT        NOT NULL,
	position    BIGINT      NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL
)`, s.table))
	return classify(err, domain.ErrCheckpointUnavailable)
}

func (s *CheckpointStore) Load(ctx context.Context, pipelineID string) (*domain.Checkpoint, error) {
	q := fmt.Sprintf("SELECT stream, position, updated_at FROM %s WHERE pipeline_id = $1", s.table)

	cp := domain.Checkpoint{PipelineID: pipelineID}
	var pos int64
	err := s.db.QueryRowContext(ctx, q, pipelineID).Scan(&cp.Stream, &pos, &cp.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify(err, domain.ErrCheckpointUnavailable)
	}
	cp.Position = domain.Position(pos)
	return &cp, nil
}

func (s *CheckpointStore) Save(ctx context.Context, cp domain.Checkpoint) error {
	q := fmt.Sprintf(`INSERT INTO %s (pipeline_id, stream, position, updated_at) VALUES ($1,$2,$3,$4)
ON CONFLICT (pipeline_id) DO UPDATE SET stream = EXCLUDED.stream, position = EXCLUDED.position, updated_at = EXCLUDED.updated_at`, s.table)

	_, err := s.db.ExecContext(ctx, q, cp.PipelineID, cp.Stream, int64(cp.Position), cp.UpdatedAt)
	return classify(err, domain.ErrCheckpointUnavailable)
}

var _ ports.CheckpointStore = (*CheckpointStore)(nil)
