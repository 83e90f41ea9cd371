package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/ghalamif/RelayFlow/internal/domain"
	"github.com/ghalamif/RelayFlow/internal/ports"
)

// retrier retries transient errors with capped exponential backoff and
// jitter. Anything that domain.Classify does not call transient is returned
// on first sight.
type retrier struct {
	policy ports.RetryPolicy
	timer  backoff.Timer // nil uses a real timer
}

func (r *retrier) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.policy.InitialInterval
	b.MaxInterval = r.policy.MaxInterval
	b.Multiplier = r.policy.Multiplier
	b.RandomizationFactor = r.policy.Jitter
	b.MaxElapsedTime = 0

	retries := r.policy.MaxAttempts - 1
	if retries < 0 {
		retries = 0
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(retries)), ctx)
}

func (r *retrier) do(ctx context.Context, op func() error, notify backoff.Notify) error {
	err := backoff.RetryNotifyWithTimer(func() error {
		err := op()
		if err == nil || domain.IsTransient(err) {
			return err
		}
		return backoff.Permanent(err)
	}, r.backOff(ctx), notify, r.timer)

	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil && errors.Is(err, ctx.Err()):
		return err
	case domain.IsTransient(err):
		return fmt.Errorf("%w after %d attempts: %w", domain.ErrRetryExhausted, r.policy.MaxAttempts, err)
	default:
		return err
	}
}

// sleepContext waits for d or until ctx is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// drainContext returns a context that outlives ctx by at most timeout, so a
// batch already being written can finish after cancellation. stop must be
// called once the caller no longer needs it.
func drainContext(ctx context.Context, timeout time.Duration) (context.Context, func()) {
	drainCtx, cancel := context.WithCancelCause(context.WithoutCancel(ctx))
	done := make(chan struct{})

	go func() {
		select {
		case <-ctx.Done():
			if timeout <= 0 {
				cancel(ctx.Err())
				return
			}
			timer := time.NewTimer(timeout)
			defer timer.Stop()
			select {
			case <-timer.C:
				cancel(fmt.Errorf("drain timeout expired after %v", timeout))
			case <-done:
				cancel(nil)
			}
		case <-done:
			cancel(nil)
		}
	}()

	return drainCtx, func() { close(done) }
}
