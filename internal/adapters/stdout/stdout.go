package stdout

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/ghalamif/RelayFlow/internal/domain"
	"github.com/ghalamif/RelayFlow/internal/ports"
)

type Options struct {
	Pretty bool `yaml:"pretty"`
}

// Destination prints every record it receives, for local runs.
type Destination struct {
	mu     sync.Mutex
	out    io.Writer
	pretty bool
}

func New(opts Options) *Destination {
	return NewWriter(os.Stdout, opts)
}

func NewWriter(w io.Writer, opts Options) *Destination {
	return &Destination{out: w, pretty: opts.Pretty}
}

func (d *Destination) Name() string { return "stdout" }

type line struct {
	Stream    string            `json:"stream"`
	Key       string            `json:"key,omitempty"`
	Payload   json.RawMessage   `json:"payload"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Timestamp *time.Time        `json:"ts,omitempty"`
}

func (d *Destination) Write(ctx context.Context, stream string, records []domain.Record) (ports.WriteAck, error) {
	if err := ctx.Err(); err != nil {
		return ports.WriteAck{}, err
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	if d.pretty {
		enc.SetIndent("", "  ")
	}
	for _, r := range records {
		l := line{Stream: stream, Key: string(r.Key), Metadata: r.Metadata}
		if json.Valid(r.Payload) {
			l.Payload = json.RawMessage(r.Payload)
		} else {
			quoted, _ := json.Marshal(string(r.Payload))
			l.Payload = quoted
		}
		if !r.Timestamp.IsZero() {
			ts := r.Timestamp
			l.Timestamp = &ts
		}
		if err := enc.Encode(l); err != nil {
			return ports.WriteAck{}, fmt.Errorf("encode record %d: %w", r.Position, err)
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, err := d.out.Write(buf.Bytes()); err != nil {
		return ports.WriteAck{}, fmt.Errorf("%w: %v", domain.ErrDestinationUnavailable, err)
	}
	return ports.WriteAck{Written: len(records)}, nil
}

func (d *Destination) Close() error { return nil }

var _ ports.Destination = (*Destination)(nil)
