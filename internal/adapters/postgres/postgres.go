package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/lib/pq"

	"github.com/ghalamif/RelayFlow/internal/domain"
)

type Options struct {
	URL            string        `yaml:"url"`
	Table          string        `yaml:"table"`           // source table; defaults to the collection name
	PositionColumn string        `yaml:"position_column"` // monotonically increasing column
	KeyColumn      string        `yaml:"key_column"`
	PayloadColumn  string        `yaml:"payload_column"` // empty sends the whole row as JSON
	MaxOpenConns   int           `yaml:"max_open_conns"`
	ConnMaxIdle    time.Duration `yaml:"conn_max_idle"`
}

func (o *Options) ApplyDefaults() {
	if o.PositionColumn == "" {
		o.PositionColumn = "id"
	}
	if o.KeyColumn == "" {
		o.KeyColumn = o.PositionColumn
	}
	if o.MaxOpenConns == 0 {
		o.MaxOpenConns = 4
	}
	if o.ConnMaxIdle == 0 {
		o.ConnMaxIdle = 5 * time.Minute
	}
}

func (o Options) Validate() error {
	if o.URL == "" {
		return fmt.Errorf("postgres: url is required")
	}
	return nil
}

// Open returns a pooled handle. No connection is made until first use.
func Open(opts Options) (*sql.DB, error) {
	db, err := sql.Open("postgres", opts.URL)
	if err != nil {
		return nil, fmt.Errorf("%w: postgres: %v", domain.ErrInvalidConfig, err)
	}
	db.SetMaxOpenConns(opts.MaxOpenConns)
	db.SetConnMaxIdleTime(opts.ConnMaxIdle)
	return db, nil
}

// classify maps driver errors onto the pipeline taxonomy. unavailable is the
// transient sentinel for the caller's role.
func classify(err error, unavailable error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "08", "53", "57", "40":
			return fmt.Errorf("%w: %v", unavailable, err)
		case "22", "23", "42":
			return fmt.Errorf("%w: %v", domain.ErrSchemaRejected, err)
		}
		return err
	}

	var netErr net.Error
	if errors.Is(err, driver.ErrBadConn) || errors.As(err, &netErr) {
		return fmt.Errorf("%w: %v", unavailable, err)
	}
	return err
}
