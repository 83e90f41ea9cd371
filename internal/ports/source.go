package ports

import (
	"context"

	"github.com/ghalamif/RelayFlow/internal/domain"
)

// Source is a connected handle on an append-only, replayable resource.
//
// Read returns up to max records of stream strictly after position `after`,
// in position order. An empty result means the stream has nothing new.
// Reading the same position twice yields the same records until the
// retention horizon passes it, after which Read fails with
// domain.ErrPositionExpired. Connectivity loss is domain.ErrSourceUnavailable.
type Source interface {
	Read(ctx context.Context, stream string, after domain.Position, max int) ([]domain.Record, error)
	Close() error
}

// Truncater is implemented by sources that can release records below pos.
// Later reads of a released position fail with domain.ErrPositionExpired.
type Truncater interface {
	TruncateBefore(stream string, pos domain.Position) error
}
