package pipeline

import (
	"context"
	"fmt"
	"strconv"

	"github.com/ghalamif/RelayFlow/internal/domain"
	"github.com/ghalamif/RelayFlow/internal/ports"
)

// BatchWriter delivers transformed records to one destination stream.
type BatchWriter struct {
	dst    ports.Destination
	stream string
}

func NewBatchWriter(dst ports.Destination, stream string) *BatchWriter {
	return &BatchWriter{dst: dst, stream: stream}
}

func (w *BatchWriter) Stream() string { return w.stream }

// Write stamps each record with its source identity and hands the batch to
// the destination in order. Records expanded from one source record are
// numbered in output order so each keeps a distinct identity. An empty batch
// is acknowledged without a call.
func (w *BatchWriter) Write(ctx context.Context, records []domain.Record) (ports.WriteAck, error) {
	if len(records) == 0 {
		return ports.WriteAck{}, nil
	}

	out := make([]domain.Record, len(records))
	ordinals := make(map[domain.Position]int, len(records))
	for i, rec := range records {
		stamped := rec.WithMetadata(domain.MetaSourcePosition, strconv.FormatUint(uint64(rec.Position), 10))
		stamped.Metadata[domain.MetaSourceStream] = rec.Stream
		stamped.Metadata[domain.MetaSourceIndex] = strconv.Itoa(ordinals[rec.Position])
		ordinals[rec.Position]++
		out[i] = stamped
	}

	ack, err := w.dst.Write(ctx, w.stream, out)
	if err != nil {
		return ports.WriteAck{}, fmt.Errorf("write %s to %s: %w", w.stream, w.dst.Name(), err)
	}
	return ack, nil
}
