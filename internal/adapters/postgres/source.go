package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"github.com/ghalamif/RelayFlow/internal/domain"
	"github.com/ghalamif/RelayFlow/internal/ports"
)

// Source polls a table by an increasing position column. The collection
// name is used as the table unless Options.Table is set.
type Source struct {
	db   *sql.DB
	opts Options
}

func NewSource(db *sql.DB, opts Options) *Source {
	opts.ApplyDefaults()
	return &Source{db: db, opts: opts}
}

func (s *Source) query(stream string) string {
	table := s.opts.Table
	if table == "" {
		table = stream
	}
	payload := "row_to_json(t)::text"
	if s.opts.PayloadColumn != "" {
		payload = "t." + pq.QuoteIdentifier(s.opts.PayloadColumn) + "::text"
	}
	pos := "t." + pq.QuoteIdentifier(s.opts.PositionColumn)
	return fmt.Sprintf("SELECT %s, t.%s::text, %s FROM %s t WHERE %s > $1 ORDER BY %s ASC LIMIT $2",
		pos, pq.QuoteIdentifier(s.opts.KeyColumn), payload, pq.QuoteIdentifier(table), pos, pos)
}

func (s *Source) Read(ctx context.Context, stream string, after domain.Position, max int) ([]domain.Record, error) {
	rows, err := s.db.QueryContext(ctx, s.query(stream), int64(after), max)
	if err != nil {
		return nil, classify(err, domain.ErrSourceUnavailable)
	}
	defer rows.Close()

	var out []domain.Record
	for rows.Next() {
		var (
			pos     int64
			key     sql.NullString
			payload string
		)
		if err := rows.Scan(&pos, &key, &payload); err != nil {
			return nil, classify(err, domain.ErrSourceUnavailable)
		}
		if pos <= 0 {
			return nil, fmt.Errorf("%w: table %s has non-positive position %d", domain.ErrPositionOrder, stream, pos)
		}
		out = append(out, domain.Record{
			Key:      []byte(key.String),
			Payload:  domain.Payload(payload),
			Stream:   stream,
			Position: domain.Position(pos),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err, domain.ErrSourceUnavailable)
	}
	return out, nil
}

func (s *Source) Close() error { return nil }

var _ ports.Source = (*Source)(nil)
