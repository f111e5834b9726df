package module

import (
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// ValidateInputs checks resolved inputs against a module's declared input
// schema. A nil schema validates everything. The schema document is a
// decoded JSON tree, as returned by InputsSchema.
func ValidateInputs(schema map[string]any, inputs map[string]any) error {
	if schema == nil {
		return nil
	}
	compiled, err := compileSchema(schema)
	if err != nil {
		return fmt.Errorf("compile inputs schema: %w", err)
	}
	if err := compiled.Validate(normalizeJSON(inputs)); err != nil {
		return fmt.Errorf("inputs failed schema validation: %w", err)
	}
	return nil
}

func compileSchema(doc map[string]any) (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	if err := c.AddResource("inline://schema.json", normalizeJSON(doc)); err != nil {
		return nil, err
	}
	return c.Compile("inline://schema.json")
}

// normalizeJSON converts Go-native values into the decoded-JSON shapes the
// validator expects: ints become float64, typed slices become []any.
func normalizeJSON(v any) any {
	switch tv := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(tv))
		for k, val := range tv {
			out[k] = normalizeJSON(val)
		}
		return out
	case []any:
		out := make([]any, len(tv))
		for i, val := range tv {
			out[i] = normalizeJSON(val)
		}
		return out
	case []string:
		out := make([]any, len(tv))
		for i, s := range tv {
			out[i] = s
		}
		return out
	case int:
		return float64(tv)
	case int32:
		return float64(tv)
	case int64:
		return float64(tv)
	case float32:
		return float64(tv)
	default:
		return v
	}
}
