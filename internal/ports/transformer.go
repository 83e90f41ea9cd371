package ports

import (
	"context"

	"github.com/ghalamif/RelayFlow/internal/domain"
)

// TransformFunc is the user-supplied processing step. Leaving an input record
// out of the result drops it. In batch mode, returning *domain.RecordErrors
// fails only the named positions.
type TransformFunc func(ctx context.Context, records []domain.Record) ([]domain.Record, error)
