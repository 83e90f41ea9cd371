package domain

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Transient errors: retried with backoff by the coordinator.
var (
	ErrSourceUnavailable      = errors.New("source unavailable")
	ErrDestinationUnavailable = errors.New("destination unavailable")
	ErrCheckpointUnavailable  = errors.New("checkpoint store unavailable")
)

// Fatal errors: stop the pipeline and surface to the operator.
var (
	ErrPositionExpired = errors.New("position expired")
	ErrInvalidConfig   = errors.New("invalid config")
	ErrSchemaRejected  = errors.New("schema rejected")
	ErrRetryExhausted  = errors.New("retry attempts exhausted")
	ErrPositionOrder   = errors.New("source positions out of order")
)

// Record-level errors.
var (
	ErrAborted          = errors.New("aborted")
	ErrTransformTimeout = errors.New("transform timeout")
	ErrTransformPanic   = errors.New("transform panicked")
)

// ErrEndOfStream is returned by readers when no record exists past the
// requested position. It is a signal, not a failure.
var ErrEndOfStream = errors.New("end of stream")

// Kind classifies errors for retry decisions.
type Kind int

const (
	KindFatal Kind = iota
	KindTransient
	KindRecordLevel
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindRecordLevel:
		return "record"
	default:
		return "fatal"
	}
}

// Classify maps err onto the retry taxonomy. Unknown errors are fatal so they
// are surfaced rather than retried forever.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return KindFatal
	case errors.Is(err, ErrRetryExhausted):
		return KindFatal
	case errors.Is(err, ErrSourceUnavailable),
		errors.Is(err, ErrDestinationUnavailable),
		errors.Is(err, ErrCheckpointUnavailable):
		return KindTransient
	case errors.Is(err, ErrTransformTimeout),
		errors.Is(err, ErrTransformPanic):
		return KindRecordLevel
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindFatal
	default:
		var re *RecordErrors
		if errors.As(err, &re) {
			return KindRecordLevel
		}
		return KindFatal
	}
}

// IsTransient is shorthand for Classify(err) == KindTransient.
func IsTransient(err error) bool { return err != nil && Classify(err) == KindTransient }

// RecordErrors lets a batch-mode transform fail individual records while the
// rest of its output stays valid.
type RecordErrors struct {
	ByPosition map[Position]error
}

// NewRecordErrors returns an empty RecordErrors.
func NewRecordErrors() *RecordErrors {
	return &RecordErrors{ByPosition: make(map[Position]error)}
}

// Add records err for position p.
func (e *RecordErrors) Add(p Position, err error) {
	if e.ByPosition == nil {
		e.ByPosition = make(map[Position]error)
	}
	e.ByPosition[p] = err
}

func (e *RecordErrors) Error() string {
	positions := make([]Position, 0, len(e.ByPosition))
	for p := range e.ByPosition {
		positions = append(positions, p)
	}
	sort.Slice(positions, func(i, j int) bool { return positions[i] < positions[j] })

	parts := make([]string, 0, len(positions))
	for _, p := range positions {
		parts = append(parts, fmt.Sprintf("%d: %v", p, e.ByPosition[p]))
	}
	return "record errors: " + strings.Join(parts, "; ")
}

// Len returns the number of failed records.
func (e *RecordErrors) Len() int { return len(e.ByPosition) }
