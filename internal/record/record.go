package record

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// Record is an insertion-ordered map from field name to Value.
// The zero value is not usable; call New.
type Record struct {
	keys   []string
	values map[string]Value
}

func New() *Record {
	return &Record{values: make(map[string]Value)}
}

// FromMap builds a record from plain values. Keys are sorted so the
// result is deterministic.
func FromMap(m map[string]any) (*Record, error) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	r := New()
	for _, k := range keys {
		v, err := FromAny(m[k])
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", k, err)
		}
		r.Set(k, v)
	}
	return r, nil
}

func (r *Record) Len() int {
	if r == nil {
		return 0
	}
	return len(r.keys)
}

func (r *Record) Get(key string) (Value, bool) {
	if r == nil {
		return Value{}, false
	}
	v, ok := r.values[key]
	return v, ok
}

// Value returns the field value or null when absent.
func (r *Record) Value(key string) Value {
	v, _ := r.Get(key)
	return v
}

func (r *Record) Has(key string) bool {
	_, ok := r.Get(key)
	return ok
}

func (r *Record) Set(key string, v Value) {
	if _, ok := r.values[key]; !ok {
		r.keys = append(r.keys, key)
	}
	r.values[key] = v
}

func (r *Record) Delete(key string) {
	if _, ok := r.values[key]; !ok {
		return
	}
	delete(r.values, key)
	for i, k := range r.keys {
		if k == key {
			r.keys = append(r.keys[:i], r.keys[i+1:]...)
			break
		}
	}
}

// Keys returns a copy of the field names in insertion order.
func (r *Record) Keys() []string {
	if r == nil {
		return nil
	}
	out := make([]string, len(r.keys))
	copy(out, r.keys)
	return out
}

// Range calls fn for each field in order until fn returns false.
func (r *Record) Range(fn func(key string, v Value) bool) {
	if r == nil {
		return
	}
	for _, k := range r.keys {
		if !fn(k, r.values[k]) {
			return
		}
	}
}

// Clone returns an independent copy. Values are immutable so a shallow
// copy of the map is a deep copy of the record.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := &Record{
		keys:   make([]string, len(r.keys)),
		values: make(map[string]Value, len(r.values)),
	}
	copy(c.keys, r.keys)
	for k, v := range r.values {
		c.values[k] = v
	}
	return c
}

// Merge copies every field of o into r, overwriting existing values.
func (r *Record) Merge(o *Record) {
	o.Range(func(k string, v Value) bool {
		r.Set(k, v)
		return true
	})
}

// Project returns a copy holding only the named fields that are present.
func (r *Record) Project(fields []string) *Record {
	out := New()
	for _, f := range fields {
		if v, ok := r.Get(f); ok {
			out.Set(f, v)
		}
	}
	return out
}

// Equal reports whether both records hold the same fields with equal values.
// Field order is ignored.
func (r *Record) Equal(o *Record) bool {
	if r.Len() != o.Len() {
		return false
	}
	for _, k := range r.Keys() {
		ov, ok := o.Get(k)
		if !ok || !r.values[k].Equal(ov) {
			return false
		}
	}
	return true
}

// Map unwraps the record into plain Go values.
func (r *Record) Map() map[string]any {
	m := make(map[string]any, r.Len())
	r.Range(func(k string, v Value) bool {
		m[k] = v.Any()
		return true
	})
	return m
}

func (r *Record) MarshalJSON() ([]byte, error) {
	if r == nil {
		return []byte("null"), nil
	}
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range r.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf.Write(kb)
		buf.WriteByte(':')
		vb, err := r.values[k].MarshalJSON()
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", k, err)
		}
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes a flat JSON object, keeping the document's key order.
func (r *Record) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("record: expected JSON object")
	}

	r.keys = nil
	r.values = make(map[string]Value)
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := tok.(string)
		if !ok {
			return fmt.Errorf("record: expected object key")
		}
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return err
		}
		var v Value
		if err := v.UnmarshalJSON(raw); err != nil {
			return fmt.Errorf("field %s: %w", key, err)
		}
		r.Set(key, v)
	}
	_, err = dec.Token()
	return err
}
