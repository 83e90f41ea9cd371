package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/ghalamif/RelayFlow/internal/domain"
	"github.com/ghalamif/RelayFlow/internal/ports"
)

type Options struct {
	Capacity int `yaml:"capacity"` // per stream; 0 means unbounded

	// ReleaseConsumed lets the runtime drop records every reading pipeline
	// has checkpointed.
	ReleaseConsumed bool `yaml:"release_consumed"`
}

// Store keeps bounded, append-only streams in memory. When a stream is full
// the oldest record is evicted and the stream's horizon moves past it.
type Store struct {
	mu      sync.Mutex
	cap     int
	size    int64
	streams map[string]*stream
}

type stream struct {
	data    []domain.Record
	horizon domain.Position
	seen    map[string]struct{}
}

func New(opts Options) *Store {
	return &Store{cap: opts.Capacity, streams: make(map[string]*stream)}
}

func (s *Store) Name() string { return "memory" }

func (s *Store) stream(name string) *stream {
	st, ok := s.streams[name]
	if !ok {
		st = &stream{seen: make(map[string]struct{})}
		s.streams[name] = st
	}
	return st
}

func (st *stream) last() domain.Position {
	return st.horizon + domain.Position(len(st.data))
}

func (s *Store) appendLocked(name string, rec domain.Record) domain.Position {
	st := s.stream(name)
	if s.cap > 0 && len(st.data) >= s.cap {
		s.size -= int64(st.data[0].Size())
		st.data = append(st.data[:0], st.data[1:]...)
		st.horizon++
	}
	out := rec.Clone()
	out.Stream = name
	out.Position = st.last() + 1
	st.data = append(st.data, out)
	s.size += int64(out.Size())
	return out.Position
}

// SizeBytes approximates the bytes held across all streams.
func (s *Store) SizeBytes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}

// Append adds rec to the named stream and returns its position.
func (s *Store) Append(name string, rec domain.Record) (domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendLocked(name, rec), nil
}

func (s *Store) Read(ctx context.Context, name string, after domain.Position, max int) ([]domain.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.stream(name)
	if after < st.horizon {
		return nil, fmt.Errorf("%w: stream %s retains positions after %d, asked for after %d",
			domain.ErrPositionExpired, name, st.horizon, after)
	}
	skip := int(after - st.horizon)
	if skip >= len(st.data) {
		return nil, nil
	}
	rest := st.data[skip:]
	if max > 0 && len(rest) > max {
		rest = rest[:max]
	}
	out := make([]domain.Record, len(rest))
	for i, r := range rest {
		out[i] = r.Clone()
	}
	return out, nil
}

// Write stores records, skipping any whose source identity was stored before.
func (s *Store) Write(ctx context.Context, name string, records []domain.Record) (ports.WriteAck, error) {
	if err := ctx.Err(); err != nil {
		return ports.WriteAck{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.stream(name)
	var ack ports.WriteAck
	for _, rec := range records {
		id := identity(rec)
		if _, dup := st.seen[id]; dup {
			ack.Duplicates++
			continue
		}
		st.seen[id] = struct{}{}
		s.appendLocked(name, rec)
		ack.Written++
	}
	return ack, nil
}

// TruncateBefore drops every record of stream below pos. Readers asking for
// a dropped position get domain.ErrPositionExpired afterwards.
func (s *Store) TruncateBefore(name string, pos domain.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if pos == 0 {
		return nil
	}
	st := s.stream(name)
	horizon := min(pos-1, st.last())
	if horizon <= st.horizon {
		return nil
	}
	drop := int(horizon - st.horizon)
	for _, r := range st.data[:drop] {
		s.size -= int64(r.Size())
	}
	st.data = append(st.data[:0], st.data[drop:]...)
	st.horizon = horizon
	return nil
}

// Records returns a copy of everything currently retained in a stream.
func (s *Store) Records(name string) []domain.Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.stream(name)
	out := make([]domain.Record, len(st.data))
	for i, r := range st.data {
		out[i] = r.Clone()
	}
	return out
}

func (s *Store) Len(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.stream(name).data)
}

func (s *Store) Close() error { return nil }

// identity falls back to the record key when no source identity was stamped.
func identity(rec domain.Record) string {
	if id := rec.SourceIdentity(); id != "" {
		return id
	}
	return "key:" + string(rec.Key)
}

var (
	_ ports.Source      = (*Store)(nil)
	_ ports.Truncater   = (*Store)(nil)
	_ ports.Destination = (*Store)(nil)
)
