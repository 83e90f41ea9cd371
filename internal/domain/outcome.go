package domain

// OutcomeKind is the per-record result of a transform.
type OutcomeKind int

const (
	OutcomeKept OutcomeKind = iota
	OutcomeDropped
	OutcomeFailed
	OutcomeAborted
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeKept:
		return "kept"
	case OutcomeDropped:
		return "dropped"
	case OutcomeFailed:
		return "failed"
	case OutcomeAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// RecordOutcome pairs a source record with what the transform made of it.
// Records holds the replacement(s) when Kind is OutcomeKept.
type RecordOutcome struct {
	Source  Record
	Kind    OutcomeKind
	Records []Record
	Err     error
}

// BatchOutcome holds per-record outcomes in source order.
type BatchOutcome struct {
	Outcomes []RecordOutcome

	// completion, when set, lists kept records in completion order for
	// order-insensitive transforms.
	completion []Record
}

// NewBatchOutcome builds an outcome whose kept records are emitted in the
// given completion order instead of source order.
func NewBatchOutcome(outcomes []RecordOutcome, completion []Record) BatchOutcome {
	return BatchOutcome{Outcomes: outcomes, completion: completion}
}

// Kept returns the records to forward to the writer.
func (o BatchOutcome) Kept() []Record {
	if o.completion != nil {
		return o.completion
	}
	var out []Record
	for _, oc := range o.Outcomes {
		if oc.Kind == OutcomeKept {
			out = append(out, oc.Records...)
		}
	}
	return out
}

// Failures returns the outcomes that failed or were aborted.
func (o BatchOutcome) Failures() []RecordOutcome {
	var out []RecordOutcome
	for _, oc := range o.Outcomes {
		if oc.Kind == OutcomeFailed || oc.Kind == OutcomeAborted {
			out = append(out, oc)
		}
	}
	return out
}

// Aborted reports whether fail-fast cut the batch short.
func (o BatchOutcome) Aborted() bool {
	for _, oc := range o.Outcomes {
		if oc.Kind == OutcomeAborted {
			return true
		}
	}
	return false
}

// Count returns how many outcomes have kind k.
func (o BatchOutcome) Count(k OutcomeKind) int {
	n := 0
	for _, oc := range o.Outcomes {
		if oc.Kind == k {
			n++
		}
	}
	return n
}
