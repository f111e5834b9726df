// Package selection implements the interactive selection module: the run
// suspends with a list of options and resumes with the human's picks. An
// option flagged is_retry routes the response into the navigator instead of
// completing the module.
package selection

import (
	"context"
	"errors"
	"fmt"

	"github.com/loomworks/loom/runtime/module"
)

// ModuleID is the registry identifier.
const ModuleID = "loom.selection"

// Module is the selection module.
type Module struct{}

// New builds the selection module.
func New() *Module { return &Module{} }

// ID implements module.Executable.
func (m *Module) ID() string { return ModuleID }

// InputsSchema implements module.Executable.
func (m *Module) InputsSchema() map[string]any {
	return map[string]any{
		"type":     "object",
		"required": []any{"options"},
		"properties": map[string]any{
			"title":       map[string]any{"type": "string"},
			"description": map[string]any{"type": "string"},
			"options": map[string]any{
				"type":     "array",
				"minItems": 1,
			},
			"min_selections": map[string]any{"type": "integer", "minimum": 0},
			"max_selections": map[string]any{"type": "integer", "minimum": 1},
			"allow_retry":    map[string]any{"type": "boolean"},
			"retry_label":    map[string]any{"type": "string"},
		},
	}
}

// OutputsSchema implements module.Executable.
func (m *Module) OutputsSchema() map[string]any {
	return map[string]any{
		"type":     "object",
		"required": []any{"selected"},
		"properties": map[string]any{
			"selected": map[string]any{"type": "array"},
		},
	}
}

// Execute implements module.Executable. Interactive modules are never
// executed directly; the executor suspends on GetInteractionRequest instead.
func (m *Module) Execute(context.Context, map[string]any, *module.Context) (map[string]any, error) {
	return nil, errors.New("selection module requires an interaction response")
}

// GetInteractionRequest implements module.Interactive.
func (m *Module) GetInteractionRequest(_ context.Context, inputs map[string]any, mctx *module.Context) (*module.InteractionRequest, error) {
	options, err := decodeOptions(inputs["options"])
	if err != nil {
		return nil, err
	}
	if allowRetry, _ := inputs["allow_retry"].(bool); allowRetry {
		label, _ := inputs["retry_label"].(string)
		if label == "" {
			label = "Regenerate"
		}
		options = append(options, module.Option{
			ID:       module.RetryOptionID,
			Label:    label,
			Metadata: map[string]any{"is_retry": true},
		})
	}

	req := &module.InteractionRequest{
		Type:    module.InteractionSelection,
		Options: options,
		Display: display(inputs),
	}
	if c := constraints(inputs); c != nil {
		req.Constraints = c
	}
	if mctx.Addons != nil && len(mctx.Addons.Resolved) > 0 {
		req.Extra = map[string]any{"addons": mctx.Addons.Resolved}
	}
	return req, nil
}

// ExecuteWithResponse implements module.Interactive.
func (m *Module) ExecuteWithResponse(_ context.Context, inputs map[string]any, _ *module.Context, resp *module.Response) (map[string]any, error) {
	if err := validateSelections(inputs, resp); err != nil {
		return nil, err
	}

	selected := make([]any, 0, len(resp.SelectedOptions))
	labels := make([]any, 0, len(resp.SelectedOptions))
	jumpBack := false
	for _, opt := range resp.SelectedOptions {
		selected = append(selected, opt.ID)
		labels = append(labels, opt.Label)
		if v, ok := opt.Metadata["jump_back"].(bool); ok && v {
			jumpBack = true
		}
	}

	outputs := map[string]any{
		"selected":        selected,
		"selected_labels": labels,
	}
	if resp.CustomValue != "" {
		outputs["custom_value"] = resp.CustomValue
	}
	if jumpBack {
		outputs["jump_back_requested"] = true
	}
	return outputs, nil
}

func decodeOptions(raw any) ([]module.Option, error) {
	items, ok := raw.([]any)
	if !ok || len(items) == 0 {
		return nil, errors.New("options are required")
	}
	options := make([]module.Option, 0, len(items))
	for i, item := range items {
		switch v := item.(type) {
		case string:
			options = append(options, module.Option{ID: v, Label: v})
		case map[string]any:
			opt := module.Option{}
			opt.ID, _ = v["id"].(string)
			opt.Label, _ = v["label"].(string)
			opt.Metadata, _ = v["metadata"].(map[string]any)
			if opt.ID == "" {
				return nil, fmt.Errorf("option %d is missing id", i)
			}
			if opt.Label == "" {
				opt.Label = opt.ID
			}
			options = append(options, opt)
		default:
			return nil, fmt.Errorf("option %d is neither string nor object", i)
		}
	}
	return options, nil
}

func display(inputs map[string]any) map[string]any {
	d := map[string]any{}
	if title, _ := inputs["title"].(string); title != "" {
		d["title"] = title
	}
	if desc, _ := inputs["description"].(string); desc != "" {
		d["description"] = desc
	}
	if len(d) == 0 {
		return nil
	}
	return d
}

func constraints(inputs map[string]any) *module.SelectionConstraints {
	c := &module.SelectionConstraints{}
	if v, ok := inputs["min_selections"].(float64); ok {
		c.MinSelections = int(v)
	}
	if v, ok := inputs["max_selections"].(float64); ok {
		c.MaxSelections = int(v)
	}
	if c.MinSelections == 0 && c.MaxSelections == 0 {
		return nil
	}
	return c
}

func validateSelections(inputs map[string]any, resp *module.Response) error {
	n := len(resp.SelectedOptions)
	if v, ok := inputs["min_selections"].(float64); ok && n < int(v) {
		return fmt.Errorf("at least %d selections required, got %d", int(v), n)
	}
	if v, ok := inputs["max_selections"].(float64); ok && int(v) > 0 && n > int(v) {
		return fmt.Errorf("at most %d selections allowed, got %d", int(v), n)
	}
	if n == 0 && resp.CustomValue == "" {
		return errors.New("a selection or custom value is required")
	}
	return nil
}
