// Package differ computes a structural, top-level JSON diff between two
// documents. It performs no I/O and has no dependency beyond encoding/json.
package differ

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// FieldChange records the before/after value of a modified field.
type FieldChange struct {
	Old json.RawMessage `json:"old"`
	New json.RawMessage `json:"new"`
}

// Diff is the structural difference between two JSON documents at their
// top level.
type Diff struct {
	Added    map[string]json.RawMessage `json:"added,omitempty"`
	Modified map[string]FieldChange     `json:"modified,omitempty"`
	Removed  map[string]json.RawMessage `json:"removed,omitempty"`
}

func (d *Diff) empty() bool {
	return d == nil || (len(d.Added) == 0 && len(d.Modified) == 0 && len(d.Removed) == 0)
}

// Diff walks the top-level fields of old and new and returns their
// structural difference, or nil if the documents are equivalent. Field
// ordering in the inputs is irrelevant; map keys make the comparison
// order-independent and json.Marshal sorts map keys for deterministic
// output.
func Diff(old, new json.RawMessage) (*Diff, error) {
	oldFields, err := decodeObject(old)
	if err != nil {
		return nil, fmt.Errorf("differ: decode old: %w", err)
	}
	newFields, err := decodeObject(new)
	if err != nil {
		return nil, fmt.Errorf("differ: decode new: %w", err)
	}

	d := &Diff{
		Added:    map[string]json.RawMessage{},
		Modified: map[string]FieldChange{},
		Removed:  map[string]json.RawMessage{},
	}

	for k, nv := range newFields {
		ov, existed := oldFields[k]
		if !existed {
			d.Added[k] = nv
			continue
		}
		if !jsonEqual(ov, nv) {
			d.Modified[k] = FieldChange{Old: ov, New: nv}
		}
	}
	for k, ov := range oldFields {
		if _, stillPresent := newFields[k]; !stillPresent {
			d.Removed[k] = ov
		}
	}

	if d.empty() {
		return nil, nil
	}
	return d, nil
}

func decodeObject(raw json.RawMessage) (map[string]json.RawMessage, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return map[string]json.RawMessage{}, nil
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	return fields, nil
}

// jsonEqual compares two raw JSON values for deep equality by
// re-marshaling through a canonical (sorted-key) form.
func jsonEqual(a, b json.RawMessage) bool {
	ca, err1 := canonicalize(a)
	cb, err2 := canonicalize(b)
	if err1 != nil || err2 != nil {
		return bytes.Equal(bytes.TrimSpace(a), bytes.TrimSpace(b))
	}
	return bytes.Equal(ca, cb)
}

func canonicalize(raw json.RawMessage) ([]byte, error) {
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return marshalSorted(v)
}

func marshalSorted(v interface{}) ([]byte, error) {
	switch val := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf := bytes.NewBufferString("{")
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, _ := json.Marshal(k)
			buf.Write(kb)
			buf.WriteByte(':')
			vb, err := marshalSorted(val[k])
			if err != nil {
				return nil, err
			}
			buf.Write(vb)
		}
		buf.WriteByte('}')
		return buf.Bytes(), nil
	case []interface{}:
		buf := bytes.NewBufferString("[")
		for i, e := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			eb, err := marshalSorted(e)
			if err != nil {
				return nil, err
			}
			buf.Write(eb)
		}
		buf.WriteByte(']')
		return buf.Bytes(), nil
	default:
		return json.Marshal(val)
	}
}
