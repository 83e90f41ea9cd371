package relayflow

import (
	"github.com/ghalamif/RelayFlow/internal/app/pipeline"
	"github.com/ghalamif/RelayFlow/internal/domain"
	"github.com/ghalamif/RelayFlow/internal/ports"
)

// Record is the unit of data moving through a pipeline.
type Record = domain.Record

// Position marks a record's place within a stream.
type Position = domain.Position

// Payload is the raw JSON body of a record with copy-on-write helpers.
type Payload = domain.Payload

// Checkpoint is the last source position a pipeline delivered.
type Checkpoint = domain.Checkpoint

// DeadLetter is a record a transform failed on, kept for manual replay.
type DeadLetter = domain.DeadLetter

// RecordErrors lets a batch transform fail individual records.
type RecordErrors = domain.RecordErrors

// TransformFunc is the processing step between a source and a destination.
type TransformFunc = ports.TransformFunc

// Source reads a replayable stream.
type Source = ports.Source

// Destination writes records to a stream.
type Destination = ports.Destination

// WriteAck confirms how many records a destination accepted.
type WriteAck = ports.WriteAck

// CheckpointStore persists one checkpoint per pipeline.
type CheckpointStore = ports.CheckpointStore

// DeadLetterSink receives failed records.
type DeadLetterSink = ports.DeadLetterSink

// Collector pushes records from a live system.
type Collector = ports.Collector

// Observability emits metrics and structured logs.
type Observability = ports.Observability

// Field is a structured log field used by Observability implementations.
type Field = ports.Field

// Policy tunes batching, transforms, retries and shutdown.
type Policy = ports.Policy

// RetryPolicy configures exponential backoff for transient failures.
type RetryPolicy = ports.RetryPolicy

// Status is a point-in-time view of one pipeline.
type Status = pipeline.Status

// RunError reports the pipeline, checkpoint and cause of a fatal stop.
type RunError = pipeline.RunError

// BufferPolicy bounds the log that a Publisher or collector appends to.
type BufferPolicy = pipeline.BufferPolicy

const (
	FailureModeBestEffort = ports.FailureModeBestEffort
	FailureModeFailFast   = ports.FailureModeFailFast
	TransformModeRecord   = ports.TransformModeRecord
	TransformModeBatch    = ports.TransformModeBatch
)

var (
	ErrSourceUnavailable      = domain.ErrSourceUnavailable
	ErrDestinationUnavailable = domain.ErrDestinationUnavailable
	ErrCheckpointUnavailable  = domain.ErrCheckpointUnavailable
	ErrPositionExpired        = domain.ErrPositionExpired
	ErrInvalidConfig          = domain.ErrInvalidConfig
	ErrSchemaRejected         = domain.ErrSchemaRejected
	ErrRetryExhausted         = domain.ErrRetryExhausted
	ErrBufferFull             = pipeline.ErrBufferFull
)
