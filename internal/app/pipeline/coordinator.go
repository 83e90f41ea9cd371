package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ghalamif/RelayFlow/internal/domain"
	"github.com/ghalamif/RelayFlow/internal/ports"
)

// Metric names emitted through ports.Observability.
const (
	MetricRecordsRead      = "relay_records_read_total"
	MetricRecordsWritten   = "relay_records_written_total"
	MetricRecordsDropped   = "relay_records_dropped_total"
	MetricRecordsDuplicate = "relay_records_duplicate_total"
	MetricRetries          = "relay_retries_total"
	MetricCheckpoints      = "relay_checkpoints_total"
	MetricBatchLatency     = "relay_batch_latency_seconds"
	MetricWriteLatency     = "relay_write_latency_seconds"
	MetricCheckpointPos    = "relay_checkpoint_position"
	MetricDeadLetters      = "relay_dead_letters_total"

	MetricCollectorRecords = "relay_collector_records_total"
	MetricCollectorDropped = "relay_collector_dropped_total"
	MetricBufferBytes      = "relay_buffer_size_bytes"
)

// CoordinatorConfig wires one source stream to one destination stream.
type CoordinatorConfig struct {
	PipelineID  string
	Reader      *BatchReader
	Executor    *Executor
	Writer      *BatchWriter
	Checkpoints ports.CheckpointStore
	DeadLetters ports.DeadLetterSink // optional
	Obs         ports.Observability  // optional
	Policy      ports.Policy
}

// Coordinator runs the read → transform → write → checkpoint loop for a
// single pipeline. The checkpoint never moves past a batch before the
// destination acknowledged it, so a crash re-delivers at most the batch in
// flight.
type Coordinator struct {
	id          string
	runID       string
	reader      *BatchReader
	executor    *Executor
	writer      *BatchWriter
	checkpoints ports.CheckpointStore
	deadLetters ports.DeadLetterSink
	obs         ports.Observability
	policy      ports.Policy
	retrier     *retrier

	idle func(ctx context.Context, d time.Duration) error
	now  func() time.Time

	mu     sync.RWMutex
	status Status
}

func NewCoordinator(cfg CoordinatorConfig) (*Coordinator, error) {
	switch {
	case cfg.PipelineID == "":
		return nil, fmt.Errorf("%w: pipeline id is required", domain.ErrInvalidConfig)
	case cfg.Reader == nil:
		return nil, fmt.Errorf("%w: pipeline %s: reader is required", domain.ErrInvalidConfig, cfg.PipelineID)
	case cfg.Executor == nil:
		return nil, fmt.Errorf("%w: pipeline %s: executor is required", domain.ErrInvalidConfig, cfg.PipelineID)
	case cfg.Writer == nil:
		return nil, fmt.Errorf("%w: pipeline %s: writer is required", domain.ErrInvalidConfig, cfg.PipelineID)
	case cfg.Checkpoints == nil:
		return nil, fmt.Errorf("%w: pipeline %s: checkpoint store is required", domain.ErrInvalidConfig, cfg.PipelineID)
	}

	pol := cfg.Policy
	pol.ApplyDefaults()
	if err := pol.Validate(); err != nil {
		return nil, fmt.Errorf("%w: pipeline %s: %v", domain.ErrInvalidConfig, cfg.PipelineID, err)
	}

	obs := cfg.Obs
	if obs == nil {
		obs = nopObs{}
	}

	runID := uuid.NewString()
	return &Coordinator{
		id:          cfg.PipelineID,
		runID:       runID,
		reader:      cfg.Reader,
		executor:    cfg.Executor,
		writer:      cfg.Writer,
		checkpoints: cfg.Checkpoints,
		deadLetters: cfg.DeadLetters,
		obs:         obs,
		policy:      pol,
		retrier:     &retrier{policy: pol.Retry},
		idle:        sleepContext,
		now:         time.Now,
		status:      Status{PipelineID: cfg.PipelineID, RunID: runID, State: StateIdle},
	}, nil
}

func (c *Coordinator) ID() string { return c.id }

// Status returns a snapshot of the coordinator's progress.
func (c *Coordinator) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	st := c.status
	if st.Checkpoint != nil {
		cp := *st.Checkpoint
		st.Checkpoint = &cp
	}
	return st
}

// Run drives the pipeline until ctx is cancelled (returns nil) or a fatal
// error stops it (returns *RunError).
func (c *Coordinator) Run(ctx context.Context) error {
	c.setState(StateIdle)

	cp, err := c.loadCheckpoint(ctx)
	if err != nil {
		return c.finish(ctx, err)
	}
	pos := domain.StreamStart
	if cp != nil {
		pos = cp.Position
	}
	c.obs.LogInfo("pipeline_started", c.fields(ports.Field{Key: "position", Value: uint64(pos)})...)

	drainCtx, stopDrain := drainContext(ctx, c.policy.DrainTimeout)
	defer stopDrain()

	for {
		if ctx.Err() != nil {
			return c.finish(ctx, nil)
		}

		batch, err := c.read(ctx, pos)
		if errors.Is(err, domain.ErrEndOfStream) {
			c.setState(StateIdle)
			if err := c.idle(ctx, c.policy.IdleSleep); err != nil {
				return c.finish(ctx, nil)
			}
			continue
		}
		if err != nil {
			return c.finish(ctx, err)
		}

		next, err := c.process(drainCtx, batch)
		if err != nil {
			return c.finish(ctx, err)
		}
		pos = next
	}
}

func (c *Coordinator) loadCheckpoint(ctx context.Context) (*domain.Checkpoint, error) {
	var cp *domain.Checkpoint
	err := c.retry(ctx, StateIdle, "checkpoint_load", func() error {
		var err error
		cp, err = c.checkpoints.Load(ctx, c.id)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	if cp != nil && cp.Stream != "" && cp.Stream != c.reader.Stream() {
		return nil, fmt.Errorf("%w: checkpoint at %d belongs to stream %q, pipeline reads %q",
			domain.ErrInvalidConfig, cp.Position, cp.Stream, c.reader.Stream())
	}
	if cp != nil {
		c.mu.Lock()
		saved := *cp
		c.status.Checkpoint = &saved
		c.mu.Unlock()
	}
	return cp, nil
}

func (c *Coordinator) read(ctx context.Context, after domain.Position) (domain.Batch, error) {
	var batch domain.Batch
	err := c.retry(ctx, StateReading, "read", func() error {
		var err error
		batch, err = c.reader.Next(ctx, after)
		return err
	})
	return batch, err
}

// process transforms, writes and checkpoints one batch and returns the new
// checkpoint position.
func (c *Coordinator) process(ctx context.Context, batch domain.Batch) (domain.Position, error) {
	start := time.Now()
	c.count(func(s *Status) { s.Read += int64(batch.Len()) })
	c.obs.IncCounter(MetricRecordsRead, float64(batch.Len()))

	c.setState(StateTransforming)
	outcome := c.executor.Apply(ctx, batch)
	if err := ctx.Err(); err != nil {
		return 0, fmt.Errorf("transform batch %d..%d interrupted: %w", batch.First(), batch.Last(), err)
	}

	if failures := outcome.Failures(); len(failures) > 0 {
		if c.policy.FailureMode == ports.FailureModeFailFast {
			first := failures[0]
			return 0, fmt.Errorf("%w: batch %d..%d: record %d: %w",
				domain.ErrAborted, batch.First(), batch.Last(), first.Source.Position, first.Err)
		}
		if err := c.deadLetter(ctx, failures); err != nil {
			return 0, err
		}
	}

	if dropped := outcome.Count(domain.OutcomeDropped); dropped > 0 {
		c.count(func(s *Status) { s.Dropped += int64(dropped) })
		c.obs.IncCounter(MetricRecordsDropped, float64(dropped))
	}

	kept := outcome.Kept()
	if err := c.write(ctx, kept); err != nil {
		return 0, err
	}

	cp := domain.Checkpoint{
		PipelineID: c.id,
		Stream:     batch.Stream,
		Position:   batch.Last(),
		UpdatedAt:  c.now(),
	}
	if err := c.retry(ctx, StateCheckpointing, "checkpoint_save", func() error {
		return c.checkpoints.Save(ctx, cp)
	}); err != nil {
		return 0, fmt.Errorf("save checkpoint %d: %w", cp.Position, err)
	}

	c.mu.Lock()
	c.status.Checkpoint = &cp
	c.status.Batches++
	c.mu.Unlock()

	c.obs.IncCounter(MetricCheckpoints, 1)
	c.obs.SetGauge(MetricCheckpointPos, float64(cp.Position))
	c.obs.ObserveLatency(MetricBatchLatency, time.Since(start).Seconds())
	return cp.Position, nil
}

func (c *Coordinator) write(ctx context.Context, records []domain.Record) error {
	if len(records) == 0 {
		c.setState(StateWriting)
		return nil
	}

	start := time.Now()
	var ack ports.WriteAck
	err := c.retry(ctx, StateWriting, "write", func() error {
		var err error
		ack, err = c.writer.Write(ctx, records)
		return err
	})
	if err != nil {
		return err
	}

	c.count(func(s *Status) { s.Written += int64(ack.Written) })
	c.obs.IncCounter(MetricRecordsWritten, float64(ack.Written))
	if ack.Duplicates > 0 {
		c.obs.IncCounter(MetricRecordsDuplicate, float64(ack.Duplicates))
	}
	c.obs.ObserveLatency(MetricWriteLatency, time.Since(start).Seconds())
	return nil
}

func (c *Coordinator) deadLetter(ctx context.Context, failures []domain.RecordOutcome) error {
	for _, f := range failures {
		dl := domain.DeadLetter{
			PipelineID: c.id,
			RunID:      c.runID,
			Stream:     f.Source.Stream,
			Position:   f.Source.Position,
			Key:        string(f.Source.Key),
			Payload:    string(f.Source.Payload),
			Error:      f.Err.Error(),
			At:         c.now(),
		}
		c.obs.RecordDLQ(dl)

		if c.deadLetters != nil {
			if err := c.retry(ctx, StateTransforming, "dead_letter", func() error {
				return c.deadLetters.Put(ctx, dl)
			}); err != nil {
				return fmt.Errorf("dead-letter record %d: %w", dl.Position, err)
			}
		}
		c.count(func(s *Status) { s.DeadLettered++ })
	}
	return nil
}

// retry runs fn in state, moving to StateRetrying while backing off.
func (c *Coordinator) retry(ctx context.Context, state State, op string, fn func() error) error {
	return c.retrier.do(ctx, func() error {
		c.setState(state)
		return fn()
	}, func(err error, wait time.Duration) {
		c.setState(StateRetrying)
		c.count(func(s *Status) { s.Retries++ })
		c.obs.IncCounter(MetricRetries, 1)
		c.obs.LogError("retrying", err, c.fields(
			ports.Field{Key: "op", Value: op},
			ports.Field{Key: "backoff", Value: wait},
		)...)
	})
}

func (c *Coordinator) finish(ctx context.Context, err error) error {
	if err == nil || (ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded))) {
		c.setState(StateStopped)
		c.obs.LogInfo("pipeline_stopped", c.fields()...)
		return nil
	}

	c.mu.Lock()
	c.status.State = StateFailed
	c.status.LastError = err.Error()
	var cp *domain.Checkpoint
	if c.status.Checkpoint != nil {
		saved := *c.status.Checkpoint
		cp = &saved
	}
	c.mu.Unlock()

	c.obs.LogCritical("pipeline_failed", err, c.fields(ports.Field{Key: "kind", Value: domain.Classify(err).String()})...)
	return &RunError{PipelineID: c.id, Checkpoint: cp, Cause: err}
}

func (c *Coordinator) setState(s State) {
	c.mu.Lock()
	c.status.State = s
	c.mu.Unlock()
}

func (c *Coordinator) count(fn func(*Status)) {
	c.mu.Lock()
	fn(&c.status)
	c.mu.Unlock()
}

func (c *Coordinator) fields(extra ...ports.Field) []ports.Field {
	return append([]ports.Field{
		{Key: "pipeline", Value: c.id},
		{Key: "run_id", Value: c.runID},
		{Key: "source_stream", Value: c.reader.Stream()},
		{Key: "destination_stream", Value: c.writer.Stream()},
	}, extra...)
}

type nopObs struct{}

func (nopObs) LogInfo(string, ...ports.Field)            {}
func (nopObs) LogError(string, error, ...ports.Field)    {}
func (nopObs) LogCritical(string, error, ...ports.Field) {}
func (nopObs) IncCounter(string, float64)                {}
func (nopObs) ObserveLatency(string, float64)            {}
func (nopObs) SetGauge(string, float64)                  {}
func (nopObs) RecordDLQ(domain.DeadLetter)               {}
