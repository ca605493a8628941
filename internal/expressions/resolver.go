package expressions

import (
	"strings"

	"github.com/rendis/leadflow/internal/state"
)

const (
	// StateRef resolves to a copy of the whole state.
	StateRef = "$state"

	statePathPrefix = StateRef + "."
	unwrapKey       = "state"
)

// Resolve rewrites a step payload against the current state:
//   - "$state" becomes a deep copy of st.
//   - "$state.a.b" becomes the value at that dotted path, or nil on any miss.
//   - Nested maps are resolved field by field; lists and scalars pass through.
//
// When the resolved payload is a single-key map {"state": v}, v is returned
// directly. Resolve never fails; the caller's maps are never aliased.
func Resolve(payload map[string]any, st map[string]any) any {
	if payload == nil {
		return nil
	}
	resolved := resolveMap(payload, st)
	if len(resolved) == 1 {
		if v, ok := resolved[unwrapKey]; ok {
			return v
		}
	}
	return resolved
}

// IsStateRef reports whether s is a symbolic state reference.
func IsStateRef(s string) bool {
	return s == StateRef || strings.HasPrefix(s, statePathPrefix)
}

func resolveMap(m map[string]any, st map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = resolveValue(v, st)
	}
	return out
}

func resolveValue(v any, st map[string]any) any {
	switch val := v.(type) {
	case string:
		switch {
		case val == StateRef:
			return state.CopyMap(st)
		case strings.HasPrefix(val, statePathPrefix):
			return state.Normalize(Lookup(st, strings.TrimPrefix(val, statePathPrefix)))
		}
		return val
	case map[string]any:
		return resolveMap(val, st)
	default:
		return state.Normalize(val)
	}
}
