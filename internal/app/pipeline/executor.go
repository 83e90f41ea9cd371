package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ghalamif/RelayFlow/internal/domain"
	"github.com/ghalamif/RelayFlow/internal/ports"
)

// Executor applies a user transform to batches. It reports outcomes and never
// retries; the coordinator owns policy.
type Executor struct {
	fn               ports.TransformFunc
	batchMode        bool
	workers          int
	timeout          time.Duration
	failFast         bool
	orderInsensitive bool
}

func NewExecutor(fn ports.TransformFunc, pol ports.Policy) *Executor {
	workers := pol.TransformWorkers
	if workers < 1 {
		workers = 1
	}
	return &Executor{
		fn:               fn,
		batchMode:        pol.TransformMode == ports.TransformModeBatch,
		workers:          workers,
		timeout:          pol.TransformTimeout,
		failFast:         pol.FailureMode == ports.FailureModeFailFast,
		orderInsensitive: pol.OrderInsensitive,
	}
}

// Apply runs the transform over batch and returns one outcome per input
// record, in input order. Records cut short because ctx ended are reported
// as aborted, never as failed.
func (e *Executor) Apply(ctx context.Context, batch domain.Batch) domain.BatchOutcome {
	if len(batch.Records) == 0 {
		return domain.BatchOutcome{}
	}
	if e.batchMode {
		return e.applyBatch(ctx, batch)
	}
	return e.applyPerRecord(ctx, batch)
}

func (e *Executor) applyPerRecord(ctx context.Context, batch domain.Batch) domain.BatchOutcome {
	outcomes := make([]domain.RecordOutcome, len(batch.Records))

	var (
		aborted    atomic.Bool
		mu         sync.Mutex
		completion []domain.Record
	)
	if e.orderInsensitive {
		completion = make([]domain.Record, 0, len(batch.Records))
	}

	// Workers never return errors: a failing record must not cancel siblings.
	var group errgroup.Group
	group.SetLimit(e.workers)

	for i, rec := range batch.Records {
		i, rec := i, rec
		group.Go(func() error {
			if err := ctx.Err(); err != nil {
				outcomes[i] = domain.RecordOutcome{Source: rec, Kind: domain.OutcomeAborted, Err: err}
				return nil
			}
			if e.failFast && aborted.Load() {
				outcomes[i] = domain.RecordOutcome{Source: rec, Kind: domain.OutcomeAborted, Err: domain.ErrAborted}
				return nil
			}

			oc := e.invoke(ctx, rec)
			outcomes[i] = oc

			switch {
			case oc.Kind == domain.OutcomeFailed && e.failFast:
				aborted.Store(true)
			case oc.Kind == domain.OutcomeKept && e.orderInsensitive:
				mu.Lock()
				completion = append(completion, oc.Records...)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = group.Wait()

	return domain.NewBatchOutcome(outcomes, completion)
}

func (e *Executor) invoke(ctx context.Context, rec domain.Record) domain.RecordOutcome {
	out, err := e.call(ctx, []domain.Record{rec.Clone()})
	if err != nil {
		if ctx.Err() != nil {
			return domain.RecordOutcome{Source: rec, Kind: domain.OutcomeAborted, Err: ctx.Err()}
		}
		return domain.RecordOutcome{Source: rec, Kind: domain.OutcomeFailed, Err: err}
	}
	if len(out) == 0 {
		return domain.RecordOutcome{Source: rec, Kind: domain.OutcomeDropped}
	}
	for i := range out {
		out[i].Stream = rec.Stream
		out[i].Position = rec.Position
	}
	return domain.RecordOutcome{Source: rec, Kind: domain.OutcomeKept, Records: out}
}

func (e *Executor) applyBatch(ctx context.Context, batch domain.Batch) domain.BatchOutcome {
	outcomes := make([]domain.RecordOutcome, len(batch.Records))
	index := make(map[domain.Position]int, len(batch.Records))
	for i, rec := range batch.Records {
		outcomes[i] = domain.RecordOutcome{Source: rec, Kind: domain.OutcomeDropped}
		index[rec.Position] = i
	}

	out, err := e.call(ctx, batch.Clone().Records)
	if err != nil && ctx.Err() != nil {
		for i := range outcomes {
			outcomes[i].Kind = domain.OutcomeAborted
			outcomes[i].Err = ctx.Err()
		}
		return domain.BatchOutcome{Outcomes: outcomes}
	}
	if err != nil {
		var recErrs *domain.RecordErrors
		if !errors.As(err, &recErrs) {
			return e.failAll(outcomes, err)
		}
		for pos, recErr := range recErrs.ByPosition {
			if i, ok := index[pos]; ok {
				outcomes[i].Kind = domain.OutcomeFailed
				outcomes[i].Err = recErr
			}
		}
	}

	var completion []domain.Record
	if e.orderInsensitive {
		completion = make([]domain.Record, 0, len(out))
	}
	for _, rec := range out {
		i, ok := index[rec.Position]
		if !ok {
			return e.failAll(outcomes, fmt.Errorf("transform returned record with unknown position %d", rec.Position))
		}
		if outcomes[i].Kind == domain.OutcomeFailed {
			continue
		}
		rec.Stream = batch.Records[i].Stream
		outcomes[i].Kind = domain.OutcomeKept
		outcomes[i].Records = append(outcomes[i].Records, rec)
		if completion != nil {
			completion = append(completion, rec)
		}
	}

	if e.failFast {
		failed := false
		for i := range outcomes {
			if outcomes[i].Kind == domain.OutcomeFailed {
				failed = true
				continue
			}
			if failed {
				outcomes[i] = domain.RecordOutcome{Source: outcomes[i].Source, Kind: domain.OutcomeAborted, Err: domain.ErrAborted}
			}
		}
	}

	return domain.NewBatchOutcome(outcomes, completion)
}

func (e *Executor) failAll(outcomes []domain.RecordOutcome, err error) domain.BatchOutcome {
	for i := range outcomes {
		outcomes[i].Kind = domain.OutcomeFailed
		outcomes[i].Records = nil
		outcomes[i].Err = err
	}
	return domain.BatchOutcome{Outcomes: outcomes}
}

// call invokes the user function under the configured timeout. A function
// that ignores its context is abandoned when the deadline passes; it only
// holds clones, so its late result is discarded safely.
func (e *Executor) call(ctx context.Context, in []domain.Record) ([]domain.Record, error) {
	cctx, cancel := ctx, context.CancelFunc(func() {})
	if e.timeout > 0 {
		cctx, cancel = context.WithTimeout(ctx, e.timeout)
	}
	defer cancel()

	type result struct {
		out []domain.Record
		err error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: fmt.Errorf("%w: %v", domain.ErrTransformPanic, r)}
			}
		}()
		out, err := e.fn(cctx, in)
		done <- result{out: out, err: err}
	}()

	var res result
	select {
	case res = <-done:
	case <-cctx.Done():
		res = result{err: cctx.Err()}
	}

	if res.err != nil && errors.Is(res.err, context.DeadlineExceeded) && ctx.Err() == nil {
		return nil, fmt.Errorf("%w after %s", domain.ErrTransformTimeout, e.timeout)
	}
	return res.out, res.err
}
