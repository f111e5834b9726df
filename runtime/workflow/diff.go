package workflow

import (
	"fmt"
	"reflect"
	"sort"
	"strings"
)

type (
	// Diff summarizes the differences between two workflow definition trees.
	// It backs the start/resume confirmation flow: when submitted content
	// hashes differently from the stored source, the caller receives the
	// diff and must confirm before a new version is written.
	Diff struct {
		// HasChanges is false when the trees are equivalent.
		HasChanges bool `json:"has_changes"`
		// Summary is a human-readable "N changed, M added, K removed".
		Summary string `json:"summary"`
		// Changes lists individual differences in path order.
		Changes []Change `json:"changes"`
	}

	// Change is a single difference between the two trees.
	Change struct {
		// Type is "changed", "added", or "removed".
		Type string `json:"type"`
		// Path locates the difference in dot/bracket notation, e.g.
		// "steps[0].modules[1].inputs.prompt".
		Path string `json:"path"`
		// OldValue is set for changed and removed entries.
		OldValue any `json:"old_value,omitempty"`
		// NewValue is set for changed and added entries.
		NewValue any `json:"new_value,omitempty"`
	}
)

// noisePaths are path suffixes excluded from diffing: binary payloads and
// files that churn without semantic effect.
var noisePaths = []string{"_binary", "content_hash", ".DS_Store"}

// DiffDefinitions compares two definition trees (generic JSON maps) and
// returns the structured diff. Whitespace-only string differences are
// normalized away before comparison.
func DiffDefinitions(oldDef, newDef map[string]any) *Diff {
	d := &Diff{}
	diffValue("", oldDef, newDef, d)
	sort.SliceStable(d.Changes, func(i, j int) bool { return d.Changes[i].Path < d.Changes[j].Path })

	var changed, added, removed int
	for _, c := range d.Changes {
		switch c.Type {
		case "changed":
			changed++
		case "added":
			added++
		case "removed":
			removed++
		}
	}
	d.HasChanges = len(d.Changes) > 0
	d.Summary = fmt.Sprintf("%d changed, %d added, %d removed", changed, added, removed)
	return d
}

func diffValue(path string, oldV, newV any, d *Diff) {
	if isNoise(path) {
		return
	}
	om, oIsMap := oldV.(map[string]any)
	nm, nIsMap := newV.(map[string]any)
	if oIsMap && nIsMap {
		keys := make(map[string]struct{}, len(om)+len(nm))
		for k := range om {
			keys[k] = struct{}{}
		}
		for k := range nm {
			keys[k] = struct{}{}
		}
		for k := range keys {
			child := k
			if path != "" {
				child = path + "." + k
			}
			ov, oOK := om[k]
			nv, nOK := nm[k]
			switch {
			case oOK && nOK:
				diffValue(child, ov, nv, d)
			case oOK:
				d.Changes = append(d.Changes, Change{Type: "removed", Path: child, OldValue: ov})
			default:
				d.Changes = append(d.Changes, Change{Type: "added", Path: child, NewValue: nv})
			}
		}
		return
	}

	os, oIsSlice := oldV.([]any)
	ns, nIsSlice := newV.([]any)
	if oIsSlice && nIsSlice {
		n := len(os)
		if len(ns) > n {
			n = len(ns)
		}
		for i := 0; i < n; i++ {
			child := fmt.Sprintf("%s[%d]", path, i)
			switch {
			case i < len(os) && i < len(ns):
				diffValue(child, os[i], ns[i], d)
			case i < len(os):
				d.Changes = append(d.Changes, Change{Type: "removed", Path: child, OldValue: os[i]})
			default:
				d.Changes = append(d.Changes, Change{Type: "added", Path: child, NewValue: ns[i]})
			}
		}
		return
	}

	if !equalNormalized(oldV, newV) {
		d.Changes = append(d.Changes, Change{Type: "changed", Path: path, OldValue: oldV, NewValue: newV})
	}
}

func equalNormalized(a, b any) bool {
	as, aOK := a.(string)
	bs, bOK := b.(string)
	if aOK && bOK {
		return normalizeWhitespace(as) == normalizeWhitespace(bs)
	}
	return reflect.DeepEqual(a, b)
}

func normalizeWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func isNoise(path string) bool {
	for _, n := range noisePaths {
		if strings.HasSuffix(path, n) {
			return true
		}
	}
	return false
}
