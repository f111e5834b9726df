// Package transform implements the non-interactive data transform module:
// small structural operations over resolved inputs so pipelines can reshape
// state between model calls without custom code.
package transform

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/loomworks/loom/runtime/module"
	"github.com/loomworks/loom/runtime/workflow"
)

// ModuleID is the registry identifier.
const ModuleID = "loom.transform"

// Module is the transform module.
type Module struct{}

// New builds the transform module.
func New() *Module { return &Module{} }

// ID implements module.Executable.
func (m *Module) ID() string { return ModuleID }

// InputsSchema implements module.Executable.
func (m *Module) InputsSchema() map[string]any {
	return map[string]any{
		"type":     "object",
		"required": []any{"operation"},
		"properties": map[string]any{
			"operation": map[string]any{
				"type": "string",
				"enum": []any{"pick", "merge", "concat", "join", "count", "wrap"},
			},
			"value":     map[string]any{},
			"values":    map[string]any{"type": "array"},
			"path":      map[string]any{"type": "string"},
			"separator": map[string]any{"type": "string"},
			"key":       map[string]any{"type": "string"},
		},
	}
}

// OutputsSchema implements module.Executable.
func (m *Module) OutputsSchema() map[string]any {
	return map[string]any{
		"type":     "object",
		"required": []any{"result"},
		"properties": map[string]any{
			"result": map[string]any{},
		},
	}
}

// Execute implements module.Executable.
func (m *Module) Execute(_ context.Context, inputs map[string]any, _ *module.Context) (map[string]any, error) {
	op, _ := inputs["operation"].(string)
	var (
		result any
		err    error
	)
	switch op {
	case "pick":
		result, err = pick(inputs)
	case "merge":
		result, err = merge(inputs)
	case "concat":
		result, err = concat(inputs)
	case "join":
		result, err = join(inputs)
	case "count":
		result, err = count(inputs)
	case "wrap":
		key, _ := inputs["key"].(string)
		if key == "" {
			return nil, errors.New("wrap requires key")
		}
		result = map[string]any{key: inputs["value"]}
	default:
		return nil, fmt.Errorf("unsupported operation %q", op)
	}
	if err != nil {
		return nil, err
	}
	return map[string]any{"result": result}, nil
}

func pick(inputs map[string]any) (any, error) {
	path, _ := inputs["path"].(string)
	if path == "" {
		return nil, errors.New("pick requires path")
	}
	root, ok := inputs["value"].(map[string]any)
	if !ok {
		return nil, errors.New("pick requires an object value")
	}
	v, ok := workflow.GetPath(root, path)
	if !ok {
		return nil, fmt.Errorf("path %q not found", path)
	}
	return v, nil
}

func merge(inputs map[string]any) (any, error) {
	values, ok := inputs["values"].([]any)
	if !ok {
		return nil, errors.New("merge requires values")
	}
	out := map[string]any{}
	for i, v := range values {
		obj, ok := v.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("merge value %d is not an object", i)
		}
		out = workflow.DeepMerge(out, obj)
	}
	return out, nil
}

func concat(inputs map[string]any) (any, error) {
	values, ok := inputs["values"].([]any)
	if !ok {
		return nil, errors.New("concat requires values")
	}
	var out []any
	for _, v := range values {
		if arr, ok := v.([]any); ok {
			out = append(out, arr...)
			continue
		}
		out = append(out, v)
	}
	return out, nil
}

func join(inputs map[string]any) (any, error) {
	values, ok := inputs["values"].([]any)
	if !ok {
		return nil, errors.New("join requires values")
	}
	sep, _ := inputs["separator"].(string)
	parts := make([]string, 0, len(values))
	for _, v := range values {
		switch tv := v.(type) {
		case string:
			parts = append(parts, tv)
		case nil:
		default:
			parts = append(parts, fmt.Sprint(tv))
		}
	}
	return strings.Join(parts, sep), nil
}

func count(inputs map[string]any) (any, error) {
	switch v := inputs["value"].(type) {
	case []any:
		return len(v), nil
	case map[string]any:
		return len(v), nil
	case string:
		return len(v), nil
	default:
		return nil, errors.New("count requires an array, object, or string value")
	}
}
