// Package resolver defines the parameter resolution seam: turning a module's
// raw input tree into concrete values against the current state snapshot.
//
// The full expression engine (Jinja-style templates) is an external
// collaborator; Template is the built-in implementation covering direct
// references and simple interpolation, and is the default when no external
// engine is configured. Resolution is pure: given the same tree and
// snapshot, the result is identical, and the snapshot is never mutated.
package resolver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/loomworks/loom/runtime/workflow"
)

type (
	// Snapshot is the read-only context a resolution runs against.
	Snapshot struct {
		// State is the derived flat state map.
		State map[string]any
		// StepConfig is the enclosing step's config.
		StepConfig map[string]any
		// WorkflowConfig is the definition-level config.
		WorkflowConfig map[string]any
	}

	// Resolver resolves a raw input tree against a snapshot.
	Resolver interface {
		Resolve(ctx context.Context, tree map[string]any, snap Snapshot) (map[string]any, error)
	}

	// Template is the built-in resolver. It supports:
	//
	//   - "$state.<path>", "$config.<path>", "$step.<path>" whole-string
	//     references, which resolve to the referenced value with its native
	//     type;
	//   - "{{ state.<path> }}" (and config/step) placeholders inside larger
	//     strings, interpolated as text;
	//   - everything else passes through untouched.
	Template struct{}
)

// NewTemplate returns the built-in resolver.
func NewTemplate() *Template { return &Template{} }

// Resolve implements Resolver.
func (t *Template) Resolve(_ context.Context, tree map[string]any, snap Snapshot) (map[string]any, error) {
	out, err := t.resolveValue(tree, snap)
	if err != nil {
		return nil, err
	}
	m, ok := out.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("resolved tree is not an object")
	}
	return m, nil
}

func (t *Template) resolveValue(v any, snap Snapshot) (any, error) {
	switch tv := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(tv))
		for k, val := range tv {
			rv, err := t.resolveValue(val, snap)
			if err != nil {
				return nil, err
			}
			out[k] = rv
		}
		return out, nil
	case []any:
		out := make([]any, len(tv))
		for i, val := range tv {
			rv, err := t.resolveValue(val, snap)
			if err != nil {
				return nil, err
			}
			out[i] = rv
		}
		return out, nil
	case string:
		return t.resolveString(tv, snap)
	default:
		return v, nil
	}
}

func (t *Template) resolveString(s string, snap Snapshot) (any, error) {
	if ref, ok := directReference(s); ok {
		value, found := lookup(ref, snap)
		if !found {
			return nil, fmt.Errorf("unresolved reference %q", s)
		}
		return value, nil
	}
	return interpolate(s, snap)
}

// directReference recognizes "$state.x", "$config.x", "$step.x".
func directReference(s string) (string, bool) {
	for _, prefix := range []string{"$state.", "$config.", "$step."} {
		if strings.HasPrefix(s, prefix) && !strings.ContainsAny(s, " \n") {
			return strings.TrimPrefix(s, "$"), true
		}
	}
	return "", false
}

// interpolate replaces "{{ expr }}" placeholders. A string that is exactly
// one placeholder resolves to the native value; otherwise placeholders are
// rendered as text.
func interpolate(s string, snap Snapshot) (any, error) {
	start := strings.Index(s, "{{")
	if start < 0 {
		return s, nil
	}

	var b strings.Builder
	rest := s
	single := true
	var singleValue any
	count := 0
	for {
		i := strings.Index(rest, "{{")
		if i < 0 {
			b.WriteString(rest)
			break
		}
		j := strings.Index(rest[i:], "}}")
		if j < 0 {
			b.WriteString(rest)
			break
		}
		expr := strings.TrimSpace(rest[i+2 : i+j])
		value, found := lookup(expr, snap)
		if !found {
			return nil, fmt.Errorf("unresolved expression %q", expr)
		}
		count++
		if i == 0 && i+j+2 == len(rest) && count == 1 {
			singleValue = value
		} else {
			single = false
		}
		b.WriteString(rest[:i])
		b.WriteString(stringify(value))
		rest = rest[i+j+2:]
	}
	if single && count == 1 {
		return singleValue, nil
	}
	return b.String(), nil
}

// lookup resolves "state.x.y", "config.x", or "step.x" against the snapshot.
func lookup(expr string, snap Snapshot) (any, bool) {
	root, path, _ := strings.Cut(expr, ".")
	var src map[string]any
	switch root {
	case "state":
		src = snap.State
	case "config":
		src = snap.WorkflowConfig
	case "step":
		src = snap.StepConfig
	default:
		return nil, false
	}
	if path == "" {
		return src, true
	}
	return workflow.GetPath(src, path)
}

func stringify(v any) string {
	switch tv := v.(type) {
	case string:
		return tv
	case nil:
		return ""
	default:
		b, err := json.Marshal(tv)
		if err != nil {
			return fmt.Sprintf("%v", tv)
		}
		return string(b)
	}
}
