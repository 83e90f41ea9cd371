package relayflow

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ghalamif/RelayFlow/internal/domain"
	"github.com/ghalamif/RelayFlow/internal/ports"
)

// ErrChannelDestinationClosed is returned when a channel destination is
// written to after being closed.
var ErrChannelDestinationClosed = errors.New("relayflow: channel destination closed")

// DestinationFunc receives each batch written to stream; returning nil
// acknowledges it. Wrap an error with ErrDestinationUnavailable to have the batch retried.
type DestinationFunc func(ctx context.Context, stream string, records []Record) error

// Delivery is one batch handed to a channel destination.
type Delivery struct {
	Stream  string
	Records []Record
}

// NewCallbackDestination adapts fn into a Destination so callers can plug
// arbitrary functions without defining structs.
func NewCallbackDestination(name string, fn DestinationFunc) Destination {
	if name == "" {
		name = "callback"
	}
	return &callbackDestination{name: name, fn: fn}
}

// NewChannelDestination exposes batches on a channel. It returns the
// destination, the read-only channel and a close function the caller should
// invoke during shutdown.
func NewChannelDestination(name string, buffer int) (Destination, <-chan Delivery, func()) {
	if name == "" {
		name = "channel"
	}
	if buffer < 0 {
		buffer = 0
	}
	d := &channelDestination{
		name:   name,
		ch:     make(chan Delivery, buffer),
		closed: make(chan struct{}),
	}
	return d, d.ch, d.close
}

type callbackDestination struct {
	name string
	fn   DestinationFunc
}

func (d *callbackDestination) Write(ctx context.Context, stream string, records []domain.Record) (ports.WriteAck, error) {
	if d.fn == nil {
		return ports.WriteAck{}, fmt.Errorf("%w: callback destination %q: nil handler", domain.ErrInvalidConfig, d.name)
	}
	if len(records) == 0 {
		return ports.WriteAck{}, nil
	}
	if err := d.fn(ctx, stream, records); err != nil {
		return ports.WriteAck{}, err
	}
	return ports.WriteAck{Written: len(records)}, nil
}

func (d *callbackDestination) Name() string { return d.name }
func (d *callbackDestination) Close() error { return nil }

type channelDestination struct {
	name   string
	ch     chan Delivery
	closed chan struct{}
	once   sync.Once
	mu     sync.RWMutex // held for reading while sending on ch
}

func (d *channelDestination) Write(ctx context.Context, stream string, records []domain.Record) (ports.WriteAck, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	select {
	case <-d.closed:
		return ports.WriteAck{}, ErrChannelDestinationClosed
	default:
	}
	if len(records) == 0 {
		return ports.WriteAck{}, nil
	}

	batch := Delivery{Stream: stream, Records: make([]Record, len(records))}
	for i, r := range records {
		batch.Records[i] = r.Clone()
	}

	select {
	case <-d.closed:
		return ports.WriteAck{}, ErrChannelDestinationClosed
	case <-ctx.Done():
		return ports.WriteAck{}, ctx.Err()
	case d.ch <- batch:
		return ports.WriteAck{Written: len(records)}, nil
	}
}

func (d *channelDestination) Name() string { return d.name }

func (d *channelDestination) Close() error {
	d.close()
	return nil
}

func (d *channelDestination) close() {
	d.once.Do(func() {
		close(d.closed)
		d.mu.Lock()
		close(d.ch)
		d.mu.Unlock()
	})
}
