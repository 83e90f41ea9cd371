package fixtures

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"github.com/ghalamif/RelayFlow/internal/domain"
	"github.com/ghalamif/RelayFlow/internal/ports"
)

type Options struct {
	File string `yaml:"file"`
}

// Source replays a local fixtures file shaped as
// {"collection": [record, ...]}. An entry with a "value" field is read as
// {key, value, timestamp}; any other entry is the payload itself.
type Source struct {
	path string

	once    sync.Once
	err     error
	streams map[string][]domain.Record
}

func NewSource(opts Options) (*Source, error) {
	if opts.File == "" {
		return nil, fmt.Errorf("%w: fixtures: file is required", domain.ErrInvalidConfig)
	}
	return &Source{path: opts.File}, nil
}

func (s *Source) load() {
	data, err := os.ReadFile(s.path)
	if err != nil {
		s.err = fmt.Errorf("fixtures %s: %w", s.path, err)
		return
	}
	if !gjson.ValidBytes(data) {
		s.err = fmt.Errorf("%w: fixtures %s is not valid JSON", domain.ErrInvalidConfig, s.path)
		return
	}

	s.streams = make(map[string][]domain.Record)
	gjson.ParseBytes(data).ForEach(func(collection, entries gjson.Result) bool {
		name := collection.String()
		entries.ForEach(func(_, entry gjson.Result) bool {
			s.streams[name] = append(s.streams[name], toRecord(name, len(s.streams[name])+1, entry))
			return true
		})
		return true
	})
}

func toRecord(stream string, pos int, entry gjson.Result) domain.Record {
	rec := domain.Record{Stream: stream, Position: domain.Position(pos)}

	value := entry.Get("value")
	if !value.Exists() {
		rec.Payload = domain.Payload(entry.Raw)
		return rec
	}
	rec.Payload = domain.Payload(value.Raw)
	if key := entry.Get("key"); key.Exists() {
		if key.Type == gjson.String {
			rec.Key = []byte(key.String())
		} else {
			rec.Key = []byte(key.Raw)
		}
	}
	if ts := entry.Get("timestamp"); ts.Exists() {
		if ts.Type == gjson.Number {
			rec.Timestamp = time.UnixMilli(ts.Int()).UTC()
		} else if t, err := time.Parse(time.RFC3339Nano, ts.String()); err == nil {
			rec.Timestamp = t
		}
	}
	return rec
}

func (s *Source) Read(ctx context.Context, stream string, after domain.Position, max int) ([]domain.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.once.Do(s.load)
	if s.err != nil {
		return nil, s.err
	}

	recs, ok := s.streams[stream]
	if !ok {
		return nil, fmt.Errorf("%w: fixtures %s has no collection %q", domain.ErrInvalidConfig, s.path, stream)
	}
	if int(after) >= len(recs) {
		return nil, nil
	}
	rest := recs[after:]
	if max > 0 && len(rest) > max {
		rest = rest[:max]
	}
	out := make([]domain.Record, len(rest))
	for i, r := range rest {
		out[i] = r.Clone()
	}
	return out, nil
}

func (s *Source) Close() error { return nil }

var _ ports.Source = (*Source)(nil)
