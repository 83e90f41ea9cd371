package pipeline

import (
	"context"
	"fmt"

	"github.com/ghalamif/RelayFlow/internal/domain"
	"github.com/ghalamif/RelayFlow/internal/ports"
)

// BatchReader pulls bounded, ordered batches of one stream from a Source.
type BatchReader struct {
	src      ports.Source
	stream   string
	maxSize  int
	maxBytes int
}

func NewBatchReader(src ports.Source, stream string, maxSize, maxBytes int) *BatchReader {
	if maxSize <= 0 {
		maxSize = 1
	}
	return &BatchReader{src: src, stream: stream, maxSize: maxSize, maxBytes: maxBytes}
}

func (r *BatchReader) Stream() string { return r.stream }

// Next returns up to maxSize records strictly after `after`. It returns
// domain.ErrEndOfStream when the source has nothing new.
func (r *BatchReader) Next(ctx context.Context, after domain.Position) (domain.Batch, error) {
	records, err := r.src.Read(ctx, r.stream, after, r.maxSize)
	if err != nil {
		return domain.Batch{}, fmt.Errorf("read %s after %d: %w", r.stream, after, err)
	}
	if len(records) == 0 {
		return domain.Batch{}, domain.ErrEndOfStream
	}
	if len(records) > r.maxSize {
		records = records[:r.maxSize]
	}

	prev := after
	budget := 0
	for i := range records {
		if records[i].Position <= prev {
			return domain.Batch{}, fmt.Errorf("%w: stream %s position %d after %d",
				domain.ErrPositionOrder, r.stream, records[i].Position, prev)
		}
		prev = records[i].Position

		if records[i].Stream == "" {
			records[i].Stream = r.stream
		}

		budget += records[i].Size()
		if r.maxBytes > 0 && i > 0 && budget > r.maxBytes {
			records = records[:i]
			break
		}
	}

	return domain.Batch{Stream: r.stream, Records: records}, nil
}
