package ports

import (
	"fmt"
	"time"
)

const (
	FailureModeBestEffort = "best_effort"
	FailureModeFailFast   = "fail_fast"

	TransformModeRecord = "record"
	TransformModeBatch  = "batch"
)

type Policy struct {
	MaxBatchSize  int           `yaml:"max_batch_size"`
	MaxBatchBytes int           `yaml:"max_batch_bytes"` // 0 = unbounded
	IdleSleep     time.Duration `yaml:"idle_sleep"`      // wait after end of stream

	FailureMode      string        `yaml:"failure_mode"`   // "best_effort", "fail_fast"
	TransformMode    string        `yaml:"transform_mode"` // "record", "batch"
	TransformWorkers int           `yaml:"transform_workers"`
	TransformTimeout time.Duration `yaml:"transform_timeout"`
	OrderInsensitive bool          `yaml:"order_insensitive"`

	DrainTimeout time.Duration `yaml:"drain_timeout"`
	Retry        RetryPolicy   `yaml:"retry"`
}

type RetryPolicy struct {
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
	Multiplier      float64       `yaml:"multiplier"`
	Jitter          float64       `yaml:"jitter"`       // randomization factor, 0..1
	MaxAttempts     int           `yaml:"max_attempts"` // total attempts including the first
}

// ApplyDefaults fills zero values. Jitter keeps an explicit zero only when
// the caller also set InitialInterval, so tests can ask for deterministic
// delays.
func (p *Policy) ApplyDefaults() {
	if p.MaxBatchSize == 0 {
		p.MaxBatchSize = 500
	}
	if p.IdleSleep == 0 {
		p.IdleSleep = 500 * time.Millisecond
	}
	if p.FailureMode == "" {
		p.FailureMode = FailureModeBestEffort
	}
	if p.TransformMode == "" {
		p.TransformMode = TransformModeRecord
	}
	if p.TransformWorkers == 0 {
		p.TransformWorkers = 1
	}
	if p.TransformTimeout == 0 {
		p.TransformTimeout = 30 * time.Second
	}
	if p.DrainTimeout == 0 {
		p.DrainTimeout = 30 * time.Second
	}
	if p.Retry.InitialInterval == 0 {
		p.Retry.InitialInterval = 100 * time.Millisecond
		if p.Retry.Jitter == 0 {
			p.Retry.Jitter = 0.2
		}
	}
	if p.Retry.MaxInterval == 0 {
		p.Retry.MaxInterval = 10 * time.Second
	}
	if p.Retry.Multiplier == 0 {
		p.Retry.Multiplier = 2
	}
	if p.Retry.MaxAttempts == 0 {
		p.Retry.MaxAttempts = 5
	}
}

func (p *Policy) Validate() error {
	if p.MaxBatchSize <= 0 {
		return fmt.Errorf("policy.max_batch_size must be > 0")
	}
	if p.MaxBatchBytes < 0 {
		return fmt.Errorf("policy.max_batch_bytes must be >= 0")
	}
	switch p.FailureMode {
	case FailureModeBestEffort, FailureModeFailFast:
	default:
		return fmt.Errorf("policy.failure_mode %q is not one of best_effort, fail_fast", p.FailureMode)
	}
	switch p.TransformMode {
	case TransformModeRecord, TransformModeBatch:
	default:
		return fmt.Errorf("policy.transform_mode %q is not one of record, batch", p.TransformMode)
	}
	if p.TransformWorkers < 1 {
		return fmt.Errorf("policy.transform_workers must be >= 1")
	}
	if p.Retry.MaxAttempts < 1 {
		return fmt.Errorf("policy.retry.max_attempts must be >= 1")
	}
	if p.Retry.Jitter < 0 || p.Retry.Jitter > 1 {
		return fmt.Errorf("policy.retry.jitter must be within [0,1]")
	}
	if p.Retry.Multiplier < 1 {
		return fmt.Errorf("policy.retry.multiplier must be >= 1")
	}
	return nil
}
