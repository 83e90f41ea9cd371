package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/ghalamif/RelayFlow/internal/domain"
	"github.com/ghalamif/RelayFlow/internal/ports"
)

// Destination inserts records into the collection's table. Rows are unique
// on (source_stream, source_position, source_index), so a replayed batch is
// absorbed.
type Destination struct {
	db *sql.DB
}

func NewDestination(db *sql.DB) *Destination {
	return &Destination{db: db}
}

func (d *Destination) Name() string { return "postgres" }

// EnsureTable creates the destination table when it does not exist.
func (d *Destination) EnsureTable(ctx context.Context, table string) error {
	q := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	source_stream   TEXT        NOT NULL,
	source_position BIGINT      NOT NULL,
	source_index    INTEGER     NOT NULL DEFAULT 0,
	key             TEXT,
	payload         JSONB       NOT NULL,
	ts              TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (source_stream, source_position, source_index)
)`, pq.QuoteIdentifier(table))
	_, err := d.db.ExecContext(ctx, q)
	return classify(err, domain.ErrDestinationUnavailable)
}

func (d *Destination) Write(ctx context.Context, stream string, records []domain.Record) (ports.WriteAck, error) {
	if len(records) == 0 {
		return ports.WriteAck{}, nil
	}

	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(pq.QuoteIdentifier(stream))
	b.WriteString(" (source_stream, source_position, source_index, key, payload, ts) VALUES ")

	args := make([]any, 0, len(records)*6)
	for i, r := range records {
		if i > 0 {
			b.WriteString(",")
		}
		b.WriteString(fmt.Sprintf("($%d,$%d,$%d,$%d,$%d,$%d)",
			len(args)+1, len(args)+2, len(args)+3, len(args)+4, len(args)+5, len(args)+6))

		srcStream, srcPos, srcIdx, err := sourceIdentity(r)
		if err != nil {
			return ports.WriteAck{}, err
		}
		ts := r.Timestamp
		if ts.IsZero() {
			ts = time.Now().UTC()
		}
		args = append(args, srcStream, srcPos, srcIdx, string(r.Key), string(r.Payload), ts)
	}
	b.WriteString(" ON CONFLICT (source_stream, source_position, source_index) DO NOTHING")

	res, err := d.db.ExecContext(ctx, b.String(), args...)
	if err != nil {
		return ports.WriteAck{}, classify(err, domain.ErrDestinationUnavailable)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return ports.WriteAck{}, classify(err, domain.ErrDestinationUnavailable)
	}
	return ports.WriteAck{Written: int(n), Duplicates: len(records) - int(n)}, nil
}

func sourceIdentity(r domain.Record) (string, int64, int, error) {
	stream, pos, idx := r.Stream, int64(r.Position), 0
	if s, ok := r.Metadata[domain.MetaSourceStream]; ok {
		stream = s
	}
	if p, ok := r.Metadata[domain.MetaSourcePosition]; ok {
		v, err := strconv.ParseInt(p, 10, 64)
		if err != nil {
			return "", 0, 0, fmt.Errorf("%w: bad %s %q", domain.ErrSchemaRejected, domain.MetaSourcePosition, p)
		}
		pos = v
	}
	if p, ok := r.Metadata[domain.MetaSourceIndex]; ok {
		v, err := strconv.Atoi(p)
		if err != nil {
			return "", 0, 0, fmt.Errorf("%w: bad %s %q", domain.ErrSchemaRejected, domain.MetaSourceIndex, p)
		}
		idx = v
	}
	return stream, pos, idx, nil
}

func (d *Destination) Close() error { return nil }

var _ ports.Destination = (*Destination)(nil)
