package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ghalamif/RelayFlow/internal/domain"
	"github.com/ghalamif/RelayFlow/internal/ports"
)

// ErrBufferFull is returned by AppendBuffered when the log is at capacity and
// the policy drops instead of blocking.
var ErrBufferFull = errors.New("buffer full")

// Appender is the write side of a replayable stream log.
type Appender interface {
	Append(stream string, rec domain.Record) (domain.Position, error)
	SizeBytes() int64
}

// BufferPolicy bounds the log a collector writes into.
type BufferPolicy struct {
	MaxBytes  int64         `yaml:"max_bytes"`
	OnFull    string        `yaml:"on_full"` // "block", "drop"
	IdleSleep time.Duration `yaml:"idle_sleep"`
	Buffer    int           `yaml:"buffer"`
}

// RunEdgePipeline starts col and appends everything it emits to stream in
// log, turning a live feed into a replayable source. It returns once the
// collector started; the copy loop ends when ctx is done.
func RunEdgePipeline(ctx context.Context, col ports.Collector, log Appender, stream string, pol BufferPolicy, obs ports.Observability) error {
	if obs == nil {
		obs = nopObs{}
	}
	buffer := pol.Buffer
	if buffer <= 0 {
		buffer = 1024
	}
	ch := make(chan domain.Record, buffer)

	if err := col.Start(ch); err != nil {
		return err
	}

	go func() {
		for {
			var rec domain.Record
			select {
			case <-ctx.Done():
				return
			case rec = <-ch:
			}

			_, err := AppendBuffered(ctx, log, stream, rec, pol, obs)
			if err != nil && !errors.Is(err, ErrBufferFull) && ctx.Err() == nil {
				obs.LogCritical("collector_append_failed", err, ports.Field{Key: "stream", Value: stream})
			}
		}
	}()

	return nil
}

// AppendBuffered appends rec to stream once log has room under pol.
func AppendBuffered(ctx context.Context, log Appender, stream string, rec domain.Record, pol BufferPolicy, obs ports.Observability) (domain.Position, error) {
	if obs == nil {
		obs = nopObs{}
	}
	if !waitForLogCapacity(ctx, log, pol, obs) {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		obs.IncCounter(MetricCollectorDropped, 1)
		return 0, ErrBufferFull
	}

	pos, err := log.Append(stream, rec)
	if err != nil {
		return 0, err
	}
	obs.IncCounter(MetricCollectorRecords, 1)
	obs.SetGauge(MetricBufferBytes, float64(log.SizeBytes()))
	return pos, nil
}

func waitForLogCapacity(ctx context.Context, log Appender, pol BufferPolicy, obs ports.Observability) bool {
	if pol.MaxBytes <= 0 {
		return true
	}
	sleep := pol.IdleSleep
	if sleep <= 0 {
		sleep = 5 * time.Millisecond
	}

	for {
		size := log.SizeBytes()
		if size < pol.MaxBytes {
			return true
		}

		switch pol.OnFull {
		case "block", "":
			if sleepContext(ctx, sleep) != nil {
				return false
			}
		case "drop":
			obs.LogError("buffer_full_drop", fmt.Errorf("size=%d limit=%d", size, pol.MaxBytes))
			return false
		default:
			obs.LogError("buffer_policy_invalid", fmt.Errorf("policy=%s", pol.OnFull))
			return false
		}
	}
}
