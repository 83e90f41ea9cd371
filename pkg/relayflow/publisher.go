package relayflow

import (
	"context"
	"fmt"
	"time"

	"github.com/ghalamif/RelayFlow/internal/adapters/filelog"
	"github.com/ghalamif/RelayFlow/internal/adapters/memory"
	"github.com/ghalamif/RelayFlow/internal/app/pipeline"
	"github.com/ghalamif/RelayFlow/internal/domain"
	"github.com/ghalamif/RelayFlow/internal/ports"
)

// PublisherConfig configures the log-backed publisher used by external
// producers.
type PublisherConfig struct {
	// Dir holds the file log. Empty keeps records in memory only.
	Dir    string
	Fsync  bool
	Stream string
	// Capacity bounds the in-memory log per stream. Ignored when Dir is set.
	Capacity int
	Buffer   BufferPolicy
}

func (c *PublisherConfig) applyDefaults() {
	if c.Stream == "" {
		c.Stream = "published"
	}
	if c.Buffer.OnFull == "" {
		c.Buffer.OnFull = "block"
	}
	if c.Buffer.IdleSleep == 0 {
		c.Buffer.IdleSleep = 5 * time.Millisecond
	}
}

func (c *PublisherConfig) validate() error {
	switch c.Buffer.OnFull {
	case "block", "drop":
	default:
		return fmt.Errorf("buffer.on_full %q is not one of block, drop", c.Buffer.OnFull)
	}
	if c.Buffer.MaxBytes < 0 {
		return fmt.Errorf("buffer.max_bytes must be >= 0")
	}
	if c.Capacity < 0 {
		return fmt.Errorf("capacity must be >= 0")
	}
	return nil
}

type publishLog interface {
	pipeline.Appender
	ports.Source
}

// Publisher lets in-process producers append records to a replayable stream
// that pipelines then read like any other source. Register it with
// WithSource(name, publisher.Source()).
type Publisher struct {
	log    publishLog
	stream string
	policy BufferPolicy
	obs    ports.Observability
}

// NewPublisher opens the backing log. obs may be nil.
func NewPublisher(cfg PublisherConfig, obs Observability) (*Publisher, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("%w: publisher: %v", domain.ErrInvalidConfig, err)
	}

	var log publishLog
	if cfg.Dir != "" {
		l, err := filelog.Open(filelog.Options{Dir: cfg.Dir, Fsync: cfg.Fsync})
		if err != nil {
			return nil, err
		}
		log = l
	} else {
		log = memory.New(memory.Options{Capacity: cfg.Capacity})
	}

	return &Publisher{log: log, stream: cfg.Stream, policy: cfg.Buffer, obs: obs}, nil
}

// Publish appends rec to the publisher's stream, blocking or failing with
// ErrBufferFull when the log is at capacity, per the buffer policy.
func (p *Publisher) Publish(ctx context.Context, rec Record) (Position, error) {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	return pipeline.AppendBuffered(ctx, p.log, p.stream, rec, p.policy, p.obs)
}

// Source returns the log as a Source. Pipelines read the collection named by
// Stream.
func (p *Publisher) Source() Source { return p.log }

func (p *Publisher) Stream() string { return p.stream }

// Close releases the backing log. Pipelines reading from it must be stopped
// first.
func (p *Publisher) Close() error {
	return p.log.Close()
}
