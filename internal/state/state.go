// Package state holds the JSON-like working state threaded through a run.
package state

import (
	"encoding/json"
	"math"
)

// State is the working state of one run. Values are restricted to JSON-like
// shapes: nil, bool, numbers, string, []any and map[string]any. Use the typed
// accessors instead of asserting on raw values; an absent or mistyped key
// reads as the zero value.
type State map[string]any

// New returns a state seeded with a normalized deep copy of initial.
func New(initial map[string]any) State {
	s := make(State, len(initial))
	s.Merge(initial)
	return s
}

// Merge applies partial on top of s. Keys present in partial overwrite the
// same key in s; every other key in s survives untouched. A nil partial is a
// no-op. Values are normalized and deep-copied on the way in.
func (s State) Merge(partial map[string]any) {
	for k, v := range partial {
		s[k] = Normalize(v)
	}
}

// Clone returns a deep copy of s.
func (s State) Clone() State {
	if s == nil {
		return nil
	}
	return State(CopyMap(s))
}

// Map returns s as a plain map without copying.
func (s State) Map() map[string]any {
	return map[string]any(s)
}

// Has reports whether key is present with a non-nil value.
func (s State) Has(key string) bool {
	v, ok := s[key]
	return ok && v != nil
}

// Int reads key as an integer. Floats are truncated.
func (s State) Int(key string) int {
	n, _ := AsInt(s[key])
	return n
}

// Float reads key as a float64.
func (s State) Float(key string) float64 {
	f, _ := AsFloat(s[key])
	return f
}

// String reads key as a string.
func (s State) String(key string) string {
	str, _ := s[key].(string)
	return str
}

// Bool reads key as a bool.
func (s State) Bool(key string) bool {
	b, _ := s[key].(bool)
	return b
}

// Strings reads key as a list of strings. Non-string members are dropped.
func (s State) Strings(key string) []string {
	return AsStrings(s[key])
}

// Nested reads key as a nested map.
func (s State) Nested(key string) map[string]any {
	m, _ := s[key].(map[string]any)
	return m
}

// AsInt converts a JSON-like number to int.
func AsInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case int32:
		return int(n), true
	case float64:
		if math.IsNaN(n) || math.IsInf(n, 0) {
			return 0, false
		}
		return int(n), true
	case float32:
		return int(n), true
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return int(i), true
		}
		if f, err := n.Float64(); err == nil {
			return int(f), true
		}
	}
	return 0, false
}

// AsFloat converts a JSON-like number to float64.
func AsFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// AsStrings converts []string or []any to []string, dropping non-strings.
func AsStrings(v any) []string {
	switch list := v.(type) {
	case []string:
		out := make([]string, len(list))
		copy(out, list)
		return out
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			if str, ok := item.(string); ok {
				out = append(out, str)
			}
		}
		return out
	}
	return nil
}

// Normalize converts common Go shapes into their JSON-like equivalents and
// returns a deep copy. Typed slices become []any, string-keyed maps become
// map[string]any and narrow numeric types widen to int or float64.
func Normalize(v any) any {
	switch val := v.(type) {
	case nil, bool, string, int, float64:
		return val
	case int32:
		return int(val)
	case int64:
		return int(val)
	case float32:
		return float64(val)
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return int(i)
		}
		f, _ := val.Float64()
		return f
	case map[string]any:
		return CopyMap(val)
	case State:
		return CopyMap(val)
	case map[string]string:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = item
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = Normalize(item)
		}
		return out
	case []string:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = item
		}
		return out
	case []int:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = item
		}
		return out
	case []float64:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = item
		}
		return out
	case []map[string]any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = CopyMap(item)
		}
		return out
	}
	return v
}

// CopyMap deep-copies a map, normalizing every value.
func CopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = Normalize(v)
	}
	return out
}
