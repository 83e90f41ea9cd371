package ports

import (
	"context"

	"github.com/ghalamif/RelayFlow/internal/domain"
)

// WriteAck confirms delivery. Duplicates counts records the destination
// recognised from an earlier delivery and skipped.
type WriteAck struct {
	Written    int
	Duplicates int
}

// Destination is a connected handle on a writable resource. Write preserves
// record order and fails with domain.ErrDestinationUnavailable (retryable) or
// domain.ErrSchemaRejected (fatal).
type Destination interface {
	Write(ctx context.Context, stream string, records []domain.Record) (WriteAck, error)
	Name() string
	Close() error
}
