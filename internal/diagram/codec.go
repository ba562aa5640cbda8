package diagram

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
)

// Marshal encodes d as stored in the document store.
func Marshal(d Data) ([]byte, error) {
	return json.Marshal(d.Clone())
}

// MarshalIndent is the pretty printed form used for json exports.
func MarshalIndent(d Data) ([]byte, error) {
	return json.MarshalIndent(d.Clone(), "", "  ")
}

// Unmarshal decodes a diagram without shape validation. Missing arrays
// decode as empty.
func Unmarshal(raw []byte) (Data, error) {
	var d Data
	if err := json.Unmarshal(raw, &d); err != nil {
		return Data{}, fmt.Errorf("decode diagram: %w", err)
	}
	for i := range d.Entities {
		if d.Entities[i].Attributes == nil {
			d.Entities[i].Attributes = []EntityAttribute{}
		}
	}
	return d.Clone(), nil
}

// Validate checks that raw is a diagram object with entity and relationship
// arrays and a numeric version, then decodes it.
func Validate(raw []byte) (Data, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		return Data{}, &ValidationError{Field: "diagram_data", Reason: "not an object"}
	}

	for _, name := range []string{"entities", "relationships"} {
		v, ok := fields[name]
		if !ok || !isArray(v) {
			return Data{}, &ValidationError{Field: name, Reason: "must be an array"}
		}
	}

	version, ok := jsonNumber(fields["version"])
	if !ok {
		return Data{}, &ValidationError{Field: "version", Reason: "must be a number"}
	}

	// fractional versions are accepted and truncated
	delete(fields, "version")
	rest, err := json.Marshal(fields)
	if err != nil {
		return Data{}, &ValidationError{Field: "diagram_data", Reason: err.Error()}
	}
	d, err := Unmarshal(rest)
	if err != nil {
		return Data{}, &ValidationError{Field: "diagram_data", Reason: err.Error()}
	}
	d.Version = int(math.Trunc(version))

	for _, e := range d.Entities {
		if e.ID == "" {
			return Data{}, &ValidationError{Field: "entities", Reason: "entity without id"}
		}
		for _, a := range e.Attributes {
			if !a.Type.Valid() {
				return Data{}, &ValidationError{Field: "attributes", Reason: fmt.Sprintf("unknown type %q", a.Type)}
			}
		}
	}
	for _, r := range d.Relationships {
		if r.ID == "" {
			return Data{}, &ValidationError{Field: "relationships", Reason: "relationship without id"}
		}
		if !r.Type.Valid() {
			return Data{}, &ValidationError{Field: "relationships", Reason: fmt.Sprintf("unknown type %q", r.Type)}
		}
	}

	return d, nil
}

// jsonNumber reports whether raw is a JSON number token and returns its value.
func jsonNumber(raw json.RawMessage) (float64, bool) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || (trimmed[0] != '-' && (trimmed[0] < '0' || trimmed[0] > '9')) {
		return 0, false
	}
	var f float64
	if err := json.Unmarshal(trimmed, &f); err != nil {
		return 0, false
	}
	return f, true
}

func isArray(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && trimmed[0] == '['
}
