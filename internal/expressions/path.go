package expressions

import "strings"

// Lookup walks a dot-delimited path through nested maps. An empty segment, a
// missing key or a non-map intermediate yields nil.
func Lookup(root map[string]any, path string) any {
	if path == "" {
		return nil
	}
	var current any = root
	for _, seg := range strings.Split(path, ".") {
		if seg == "" {
			return nil
		}
		m, ok := asMap(current)
		if !ok {
			return nil
		}
		current, ok = m[seg]
		if !ok {
			return nil
		}
	}
	return current
}

func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, m != nil
	case interface{ Map() map[string]any }:
		return m.Map(), true
	}
	return nil, false
}
