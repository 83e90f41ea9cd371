package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ghalamif/RelayFlow/internal/domain"
	"github.com/ghalamif/RelayFlow/internal/ports"
)

// scriptedSource serves records from memory. errs are returned, one per
// call, before normal reads resume.
type scriptedSource struct {
	mu      sync.Mutex
	records map[string][]domain.Record
	errs    []error
	calls   int
}

func newScriptedSource(stream string, n int) *scriptedSource {
	recs := make([]domain.Record, 0, n)
	for i := 1; i <= n; i++ {
		recs = append(recs, domain.Record{
			Key:      []byte(fmt.Sprintf("k%d", i)),
			Payload:  domain.Payload(fmt.Sprintf(`{"id":%d}`, i)),
			Position: domain.Position(i),
		})
	}
	return &scriptedSource{records: map[string][]domain.Record{stream: recs}}
}

func (s *scriptedSource) Read(_ context.Context, stream string, after domain.Position, max int) ([]domain.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		return nil, err
	}
	var out []domain.Record
	for _, r := range s.records[stream] {
		if r.Position <= after {
			continue
		}
		out = append(out, r.Clone())
		if len(out) == max {
			break
		}
	}
	return out, nil
}

func (s *scriptedSource) Close() error { return nil }

// scriptedDest stores written records, deduplicating by source identity when
// dedup is set.
type scriptedDest struct {
	mu          sync.Mutex
	dedup       bool
	errs        []error
	calls       int
	records     []domain.Record
	seen        map[string]bool
	checkpoints *memCheckpoints
	savesAtAck  []int
}

func (d *scriptedDest) Write(_ context.Context, _ string, records []domain.Record) (ports.WriteAck, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if len(d.errs) > 0 {
		err := d.errs[0]
		d.errs = d.errs[1:]
		return ports.WriteAck{}, err
	}
	if d.seen == nil {
		d.seen = make(map[string]bool)
	}
	var ack ports.WriteAck
	for _, r := range records {
		id := r.SourceIdentity()
		if d.dedup && d.seen[id] {
			ack.Duplicates++
			continue
		}
		d.seen[id] = true
		d.records = append(d.records, r)
		ack.Written++
	}
	if d.checkpoints != nil {
		d.savesAtAck = append(d.savesAtAck, d.checkpoints.saveCount())
	}
	return ack, nil
}

func (d *scriptedDest) Name() string { return "scripted" }
func (d *scriptedDest) Close() error { return nil }

func (d *scriptedDest) written() []domain.Record {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]domain.Record(nil), d.records...)
}

type memCheckpoints struct {
	mu       sync.Mutex
	byID     map[string]domain.Checkpoint
	saveErrs []error
	saves    []domain.Position
}

func newMemCheckpoints() *memCheckpoints {
	return &memCheckpoints{byID: make(map[string]domain.Checkpoint)}
}

func (m *memCheckpoints) Load(_ context.Context, id string) (*domain.Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp, ok := m.byID[id]
	if !ok {
		return nil, nil
	}
	return &cp, nil
}

func (m *memCheckpoints) Save(_ context.Context, cp domain.Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.saveErrs) > 0 {
		err := m.saveErrs[0]
		m.saveErrs = m.saveErrs[1:]
		return err
	}
	m.byID[cp.PipelineID] = cp
	m.saves = append(m.saves, cp.Position)
	return nil
}

func (m *memCheckpoints) saveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.saves)
}

func (m *memCheckpoints) position(id string) (domain.Position, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp, ok := m.byID[id]
	return cp.Position, ok
}

type memDeadLetters struct {
	mu      sync.Mutex
	letters []domain.DeadLetter
}

func (m *memDeadLetters) Put(_ context.Context, dl domain.DeadLetter) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.letters = append(m.letters, dl)
	return nil
}

// fakeTimer fires immediately and remembers every requested delay.
type fakeTimer struct {
	mu     sync.Mutex
	ch     chan time.Time
	delays []time.Duration
}

func newFakeTimer() *fakeTimer { return &fakeTimer{ch: make(chan time.Time, 1)} }

func (f *fakeTimer) Start(d time.Duration) {
	f.mu.Lock()
	f.delays = append(f.delays, d)
	f.mu.Unlock()
	f.ch <- time.Now()
}

func (f *fakeTimer) Stop()                  {}
func (f *fakeTimer) C() <-chan time.Time    { return f.ch }
func (f *fakeTimer) waits() []time.Duration { f.mu.Lock(); defer f.mu.Unlock(); return append([]time.Duration(nil), f.delays...) }

type recordingObs struct {
	mu       sync.Mutex
	errs     []string
	dlqs     []domain.DeadLetter
	counters map[string]float64
}

func (r *recordingObs) LogInfo(string, ...ports.Field) {}

func (r *recordingObs) LogError(msg string, _ error, _ ...ports.Field) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, msg)
}

func (r *recordingObs) LogCritical(msg string, err error, fields ...ports.Field) {
	r.LogError(msg, err, fields...)
}

func (r *recordingObs) IncCounter(name string, v float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.counters == nil {
		r.counters = make(map[string]float64)
	}
	r.counters[name] += v
}

func (r *recordingObs) ObserveLatency(string, float64) {}
func (r *recordingObs) SetGauge(string, float64)       {}

func (r *recordingObs) RecordDLQ(dl domain.DeadLetter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dlqs = append(r.dlqs, dl)
}

func (r *recordingObs) errorMsgs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.errs...)
}

func (r *recordingObs) counter(name string) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counters[name]
}
