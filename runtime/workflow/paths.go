package workflow

import "strings"

// GetPath reads a dotted path from a nested map. Returns the value and
// whether the full path resolved. An empty path returns the root.
func GetPath(root map[string]any, path string) (any, bool) {
	if path == "" {
		return root, true
	}
	var cur any = root
	for _, seg := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// SetPath writes a value at a dotted path in a nested map, creating
// intermediate maps as needed. Existing non-map intermediates are replaced.
func SetPath(root map[string]any, path string, value any) {
	segs := strings.Split(path, ".")
	cur := root
	for _, seg := range segs[:len(segs)-1] {
		next, ok := cur[seg].(map[string]any)
		if !ok {
			next = make(map[string]any)
			cur[seg] = next
		}
		cur = next
	}
	cur[segs[len(segs)-1]] = value
}

// ProjectOutputs applies a module's outputs_to_state mapping to its output
// object, producing the flat state projection persisted under _state_mapped.
// A mapping value may be a single state key or a list of keys; every listed
// key receives the value. Values are passed through untouched (numbers stay
// numbers).
func ProjectOutputs(outputs map[string]any, outputsToState map[string]any) map[string]any {
	mapped := make(map[string]any)
	for outputPath, target := range outputsToState {
		value, ok := GetPath(outputs, outputPath)
		if !ok {
			continue
		}
		for _, key := range stateKeys(target) {
			mapped[key] = value
		}
	}
	return mapped
}

func stateKeys(target any) []string {
	switch t := target.(type) {
	case string:
		return []string{t}
	case []string:
		return t
	case []any:
		keys := make([]string, 0, len(t))
		for _, v := range t {
			if s, ok := v.(string); ok {
				keys = append(keys, s)
			}
		}
		return keys
	default:
		return nil
	}
}

// DeepMerge returns dst with src merged over it. Maps merge recursively;
// any other value in src replaces the one in dst. Neither input is mutated.
func DeepMerge(dst, src map[string]any) map[string]any {
	out := make(map[string]any, len(dst)+len(src))
	for k, v := range dst {
		out[k] = v
	}
	for k, v := range src {
		if sm, ok := v.(map[string]any); ok {
			if dm, ok := out[k].(map[string]any); ok {
				out[k] = DeepMerge(dm, sm)
				continue
			}
		}
		out[k] = v
	}
	return out
}
