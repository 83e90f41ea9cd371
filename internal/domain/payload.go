package domain

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Payload is the raw record body, normally JSON. All mutating helpers return a
// new Payload and leave the receiver untouched.
type Payload []byte

// Map decodes the payload as a JSON object.
func (p Payload) Map() (map[string]any, error) {
	var m map[string]any
	err := json.Unmarshal(p, &m)
	return m, err
}

// Get returns the value at path, or nil when absent.
func (p Payload) Get(path string) any {
	return gjson.GetBytes(p, path).Value()
}

// Has reports whether path exists.
func (p Payload) Has(path string) bool {
	return gjson.GetBytes(p, path).Exists()
}

// Set returns a copy of p with path set to value.
func (p Payload) Set(path string, value any) (Payload, error) {
	out, err := sjson.SetBytes(bytes.Clone(p), path, value)
	if err != nil {
		return nil, fmt.Errorf("payload set %q: %w", path, err)
	}
	return Payload(out), nil
}

// Delete returns a copy of p without path.
func (p Payload) Delete(path string) (Payload, error) {
	out, err := sjson.DeleteBytes(bytes.Clone(p), path)
	if err != nil {
		return nil, fmt.Errorf("payload delete %q: %w", path, err)
	}
	return Payload(out), nil
}

// JSONSchema reports whether the payload uses the Kafka Connect
// {"schema": ..., "payload": ...} envelope.
func (p Payload) JSONSchema() bool {
	if !gjson.ValidBytes(p) {
		return false
	}
	return gjson.GetBytes(p, "schema").Exists() && gjson.GetBytes(p, "payload").Exists()
}

// OpenCDC reports whether the payload is an enveloped OpenCDC change event.
func (p Payload) OpenCDC() bool {
	return p.JSONSchema() && gjson.GetBytes(p, "payload.after").Exists()
}

// SetField sets path relative to the envelope (if any) and, for enveloped
// payloads, registers a schema entry for fields that did not exist.
func (p Payload) SetField(path string, value any) (Payload, error) {
	full := p.fieldPath(path)
	existed := p.Has(full)

	out, err := p.Set(full, value)
	if err != nil {
		return nil, err
	}
	if existed || !p.JSONSchema() {
		return out, nil
	}

	field := schemaField{Field: path, Optional: true, Type: connectType(value)}
	return out.Set("schema.fields.-1", field)
}

func (p Payload) fieldPath(path string) string {
	if p.JSONSchema() {
		return "payload." + path
	}
	return path
}

type schemaField struct {
	Field    string `json:"field"`
	Optional bool   `json:"optional"`
	Type     string `json:"type"`
}

// connectType maps Go values to Kafka Connect schema types.
func connectType(v any) string {
	switch v.(type) {
	case string:
		return "string"
	case int8:
		return "int8"
	case int16:
		return "int16"
	case int, int32:
		return "int32"
	case int64:
		return "int64"
	case float32:
		return "float32"
	case float64:
		return "float64"
	case bool:
		return "boolean"
	default:
		return "unsupported"
	}
}
