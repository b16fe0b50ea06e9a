// Package state implements the ordered, merge-only key/value mapping that is
// threaded through the steps of a process.
package state

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
)

var (
	// ErrMissingKey is matched by every MissingStateKeyError.
	ErrMissingKey = errors.New("missing state key")
	// ErrWrongType indicates a state value does not have the requested type.
	ErrWrongType = errors.New("state value has wrong type")
)

// Params is the subset of State a step declared as its parameters.
type Params map[string]any

// Update is the partial State a step returns on success.
type Update map[string]any

// MissingStateKeyError reports required keys that were absent from State.
type MissingStateKeyError struct {
	Step string
	Keys []string
}

func (e *MissingStateKeyError) Error() string {
	if e.Step == "" {
		return fmt.Sprintf("missing state keys: %s", strings.Join(e.Keys, ", "))
	}
	return fmt.Sprintf("step %q: missing state keys: %s", e.Step, strings.Join(e.Keys, ", "))
}

// Is makes errors.Is(err, ErrMissingKey) succeed.
func (e *MissingStateKeyError) Is(target error) bool {
	return target == ErrMissingKey
}

// State is an ordered mapping of string keys to values. Keys keep their
// first-insertion order and are never removed. A State is never modified
// after construction; Merge returns a new value.
//
// The nil *State is a valid empty State.
type State struct {
	keys   []string
	values map[string]any
}

// New returns an empty State.
func New() *State {
	return &State{values: make(map[string]any)}
}

// FromMap builds a State from m. Keys are ordered lexically.
func FromMap(m map[string]any) *State {
	s := New()
	if len(m) == 0 {
		return s
	}
	return s.Merge(Update(m))
}

// Len returns the number of keys.
func (s *State) Len() int {
	if s == nil {
		return 0
	}
	return len(s.keys)
}

// Keys returns the keys in order.
func (s *State) Keys() []string {
	if s == nil {
		return nil
	}
	out := make([]string, len(s.keys))
	copy(out, s.keys)
	return out
}

// Get returns the value stored under key.
func (s *State) Get(key string) (any, bool) {
	if s == nil {
		return nil, false
	}
	v, ok := s.values[key]
	return v, ok
}

// Has reports whether key is present.
func (s *State) Has(key string) bool {
	_, ok := s.Get(key)
	return ok
}

// ToMap returns a shallow copy of the mapping.
func (s *State) ToMap() map[string]any {
	out := make(map[string]any, s.Len())
	if s == nil {
		return out
	}
	for k, v := range s.values {
		out[k] = v
	}
	return out
}

// Merge returns a new State with update applied. Existing keys keep their
// position and take the new value; new keys are appended in lexical order.
func (s *State) Merge(update Update) *State {
	out := &State{
		keys:   s.Keys(),
		values: s.ToMap(),
	}
	if len(update) == 0 {
		return out
	}

	var added []string
	for k := range update {
		if _, ok := out.values[k]; !ok {
			added = append(added, k)
		}
	}
	sort.Strings(added)
	out.keys = append(out.keys, added...)

	for k, v := range update {
		out.values[k] = v
	}
	return out
}

// Params extracts the declared keys. A missing required key yields a
// *MissingStateKeyError; absent optional keys are left out.
func (s *State) Params(required, optional []string) (Params, error) {
	p := make(Params, len(required)+len(optional))
	var missing []string
	for _, k := range required {
		v, ok := s.Get(k)
		if !ok {
			missing = append(missing, k)
			continue
		}
		p[k] = v
	}
	if len(missing) > 0 {
		return nil, &MissingStateKeyError{Keys: missing}
	}
	for _, k := range optional {
		if v, ok := s.Get(k); ok {
			p[k] = v
		}
	}
	return p, nil
}

// MarshalJSON encodes the State as a JSON object in key order.
func (s *State) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range s.Keys() {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		val, err := json.Marshal(s.values[k])
		if err != nil {
			return nil, fmt.Errorf("marshal state key %q: %w", k, err)
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes a JSON object, keeping the document's key order.
func (s *State) UnmarshalJSON(data []byte) error {
	s.keys = nil
	s.values = make(map[string]any)
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		return nil
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("state: expected JSON object, got %v", tok)
	}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := tok.(string)
		if !ok {
			return fmt.Errorf("state: expected object key, got %v", tok)
		}
		var v any
		if err := dec.Decode(&v); err != nil {
			return fmt.Errorf("state: decode key %q: %w", key, err)
		}
		if _, dup := s.values[key]; !dup {
			s.keys = append(s.keys, key)
		}
		s.values[key] = v
	}
	_, err = dec.Token()
	return err
}

// Value returns p[key] as a T. Numbers that went through JSON come back as
// float64, so integral floats are accepted for integer types.
func Value[T any](p Params, key string) (T, error) {
	var zero T
	raw, ok := p[key]
	if !ok {
		return zero, &MissingStateKeyError{Keys: []string{key}}
	}
	if v, ok := raw.(T); ok {
		return v, nil
	}

	var out any
	switch any(zero).(type) {
	case int:
		if f, ok := raw.(float64); ok && f == math.Trunc(f) {
			out = int(f)
		}
	case int64:
		switch n := raw.(type) {
		case float64:
			if n == math.Trunc(n) {
				out = int64(n)
			}
		case int:
			out = int64(n)
		}
	case float64:
		switch n := raw.(type) {
		case int:
			out = float64(n)
		case int64:
			out = float64(n)
		}
	}
	if out != nil {
		return out.(T), nil
	}
	return zero, fmt.Errorf("%w: key %q holds %T, want %T", ErrWrongType, key, raw, zero)
}
