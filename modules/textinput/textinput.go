// Package textinput implements the interactive free-text module.
package textinput

import (
	"context"
	"errors"

	"github.com/loomworks/loom/runtime/module"
)

// ModuleID is the registry identifier.
const ModuleID = "loom.text_input"

// Module is the text input module.
type Module struct{}

// New builds the textinput module.
func New() *Module { return &Module{} }

// ID implements module.Executable.
func (m *Module) ID() string { return ModuleID }

// InputsSchema implements module.Executable.
func (m *Module) InputsSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"title":       map[string]any{"type": "string"},
			"prompt":      map[string]any{"type": "string"},
			"placeholder": map[string]any{"type": "string"},
			"default":     map[string]any{"type": "string"},
			"required":    map[string]any{"type": "boolean"},
		},
	}
}

// OutputsSchema implements module.Executable.
func (m *Module) OutputsSchema() map[string]any {
	return map[string]any{
		"type":     "object",
		"required": []any{"text"},
		"properties": map[string]any{
			"text": map[string]any{"type": "string"},
		},
	}
}

// Execute implements module.Executable.
func (m *Module) Execute(context.Context, map[string]any, *module.Context) (map[string]any, error) {
	return nil, errors.New("text input module requires an interaction response")
}

// GetInteractionRequest implements module.Interactive.
func (m *Module) GetInteractionRequest(_ context.Context, inputs map[string]any, _ *module.Context) (*module.InteractionRequest, error) {
	display := map[string]any{}
	for _, key := range []string{"title", "prompt", "placeholder", "default"} {
		if v, _ := inputs[key].(string); v != "" {
			display[key] = v
		}
	}
	return &module.InteractionRequest{
		Type:    module.InteractionTextInput,
		Display: display,
	}, nil
}

// ExecuteWithResponse implements module.Interactive. The text is taken from
// the structured payload when present, else from the free-form value, else
// from the configured default.
func (m *Module) ExecuteWithResponse(_ context.Context, inputs map[string]any, _ *module.Context, resp *module.Response) (map[string]any, error) {
	text, _ := resp.Data["text"].(string)
	if text == "" {
		text = resp.CustomValue
	}
	if text == "" {
		text, _ = inputs["default"].(string)
	}
	if text == "" {
		if required, _ := inputs["required"].(bool); required {
			return nil, errors.New("text is required")
		}
	}
	return map[string]any{"text": text}, nil
}
