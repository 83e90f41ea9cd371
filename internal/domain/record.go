package domain

import (
	"bytes"
	"maps"
	"time"
)

// Position marks a record's place within a stream. Positions produced by a
// source are unique and strictly increasing per stream.
type Position uint64

// StreamStart is the position before the first record of any stream.
const StreamStart Position = 0

// Metadata keys the writer stamps on outgoing records so destinations can
// deduplicate re-deliveries.
const (
	MetaSourceStream   = "relay.source.stream"
	MetaSourcePosition = "relay.source.position"
	// MetaSourceIndex numbers the records one source record expanded into.
	MetaSourceIndex = "relay.source.index"
)

// Record is the unit of data moving through a pipeline. Records are treated as
// immutable: edits go through Clone, Derive or the Payload helpers, all of
// which return copies.
type Record struct {
	Key       []byte            `json:"key,omitempty"`
	Payload   Payload           `json:"payload"`
	Stream    string            `json:"stream"`
	Position  Position          `json:"position"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Timestamp time.Time         `json:"ts"`
}

// Clone returns a deep copy sharing no mutable state with r.
func (r Record) Clone() Record {
	out := r
	out.Key = bytes.Clone(r.Key)
	out.Payload = Payload(bytes.Clone(r.Payload))
	if r.Metadata != nil {
		out.Metadata = maps.Clone(r.Metadata)
	}
	return out
}

// Derive returns an edited copy of r. fn receives a clone, so whatever it does
// to the value never reaches r.
func (r Record) Derive(fn func(*Record) error) (Record, error) {
	out := r.Clone()
	if fn == nil {
		return out, nil
	}
	if err := fn(&out); err != nil {
		return Record{}, err
	}
	return out, nil
}

// WithMetadata returns a copy of r with key set to value.
func (r Record) WithMetadata(key, value string) Record {
	out := r.Clone()
	if out.Metadata == nil {
		out.Metadata = make(map[string]string, 1)
	}
	out.Metadata[key] = value
	return out
}

// SourceIdentity returns "stream@position#index" from the stamped source
// metadata, or "" when the record was never stamped.
func (r Record) SourceIdentity() string {
	pos, ok := r.Metadata[MetaSourcePosition]
	if !ok {
		return ""
	}
	id := r.Metadata[MetaSourceStream] + "@" + pos
	if idx, ok := r.Metadata[MetaSourceIndex]; ok {
		id += "#" + idx
	}
	return id
}

// Field reads path from the record payload. Enveloped payloads (Kafka Connect
// JSON schema) are addressed relative to their "payload" object.
func (r Record) Field(path string) any {
	return r.Payload.Get(r.Payload.fieldPath(path))
}

// SetField returns a copy of r with path set to value. For enveloped payloads
// a schema entry is appended when the field did not exist yet.
func (r Record) SetField(path string, value any) (Record, error) {
	p, err := r.Payload.SetField(path, value)
	if err != nil {
		return Record{}, err
	}
	out := r.Clone()
	out.Payload = p
	return out, nil
}

// Size approximates the record's byte footprint for batch budgeting.
func (r Record) Size() int {
	n := len(r.Key) + len(r.Payload) + len(r.Stream)
	for k, v := range r.Metadata {
		n += len(k) + len(v)
	}
	return n
}
