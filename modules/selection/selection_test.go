package selection_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/modules/selection"
	"github.com/loomworks/loom/runtime/module"
)

func TestInteractionRequestDecodesOptions(t *testing.T) {
	m := selection.New()
	req, err := m.GetInteractionRequest(context.Background(), map[string]any{
		"title":       "Pick a draft",
		"description": "Choose the version to keep",
		"options": []any{
			"plain",
			map[string]any{"id": "v2", "label": "Version 2", "metadata": map[string]any{"score": 0.9}},
			map[string]any{"id": "v3"},
		},
	}, &module.Context{})
	require.NoError(t, err)

	require.Equal(t, module.InteractionSelection, req.Type)
	require.Equal(t, "Pick a draft", req.Display["title"])
	require.Equal(t, "Choose the version to keep", req.Display["description"])

	require.Len(t, req.Options, 3)
	require.Equal(t, module.Option{ID: "plain", Label: "plain"}, req.Options[0])
	require.Equal(t, "Version 2", req.Options[1].Label)
	require.Equal(t, map[string]any{"score": 0.9}, req.Options[1].Metadata)
	// A bare id doubles as the label.
	require.Equal(t, "v3", req.Options[2].Label)
}

func TestInteractionRequestInjectsRetryOption(t *testing.T) {
	m := selection.New()
	req, err := m.GetInteractionRequest(context.Background(), map[string]any{
		"options":     []any{"keep"},
		"allow_retry": true,
		"retry_label": "Try again",
	}, &module.Context{})
	require.NoError(t, err)

	require.Len(t, req.Options, 2)
	retry := req.Options[1]
	require.Equal(t, module.RetryOptionID, retry.ID)
	require.Equal(t, "Try again", retry.Label)
	require.Equal(t, true, retry.Metadata["is_retry"])
}

func TestInteractionRequestConstraints(t *testing.T) {
	m := selection.New()
	// Resolved inputs arrive as decoded JSON, so numbers are float64.
	req, err := m.GetInteractionRequest(context.Background(), map[string]any{
		"options":        []any{"a", "b", "c"},
		"min_selections": float64(1),
		"max_selections": float64(2),
	}, &module.Context{})
	require.NoError(t, err)

	require.NotNil(t, req.Constraints)
	require.Equal(t, 1, req.Constraints.MinSelections)
	require.Equal(t, 2, req.Constraints.MaxSelections)
}

func TestInteractionRequestExposesAddons(t *testing.T) {
	m := selection.New()
	mctx := &module.Context{Addons: &module.AddonProcessor{
		Resolved: []map[string]any{{"type": "preview", "field": "draft"}},
	}}
	req, err := m.GetInteractionRequest(context.Background(), map[string]any{
		"options": []any{"a"},
	}, mctx)
	require.NoError(t, err)
	addons, ok := req.Extra["addons"].([]map[string]any)
	require.True(t, ok)
	require.Len(t, addons, 1)
	require.Equal(t, "preview", addons[0]["type"])
}

func TestInteractionRequestRejectsBadOptions(t *testing.T) {
	m := selection.New()
	_, err := m.GetInteractionRequest(context.Background(), map[string]any{}, &module.Context{})
	require.ErrorContains(t, err, "options are required")

	_, err = m.GetInteractionRequest(context.Background(), map[string]any{
		"options": []any{map[string]any{"label": "no id"}},
	}, &module.Context{})
	require.ErrorContains(t, err, "missing id")

	_, err = m.GetInteractionRequest(context.Background(), map[string]any{
		"options": []any{42},
	}, &module.Context{})
	require.ErrorContains(t, err, "neither string nor object")
}

func TestExecuteWithResponseCollectsSelections(t *testing.T) {
	m := selection.New()
	out, err := m.ExecuteWithResponse(context.Background(), map[string]any{}, nil, &module.Response{
		SelectedOptions: []module.Option{
			{ID: "v1", Label: "Version 1"},
			{ID: "v3", Label: "Version 3"},
		},
		CustomValue: "prefer the shorter one",
	})
	require.NoError(t, err)
	require.Equal(t, []any{"v1", "v3"}, out["selected"])
	require.Equal(t, []any{"Version 1", "Version 3"}, out["selected_labels"])
	require.Equal(t, "prefer the shorter one", out["custom_value"])
	require.NotContains(t, out, "jump_back_requested")
}

func TestExecuteWithResponseSignalsJumpBack(t *testing.T) {
	m := selection.New()
	out, err := m.ExecuteWithResponse(context.Background(), map[string]any{}, nil, &module.Response{
		SelectedOptions: []module.Option{
			{ID: "back", Label: "Go back", Metadata: map[string]any{"jump_back": true}},
		},
	})
	require.NoError(t, err)
	require.Equal(t, true, out["jump_back_requested"])
}

func TestExecuteWithResponseValidatesBounds(t *testing.T) {
	m := selection.New()

	_, err := m.ExecuteWithResponse(context.Background(), map[string]any{
		"min_selections": float64(2),
	}, nil, &module.Response{SelectedOptions: []module.Option{{ID: "a"}}})
	require.ErrorContains(t, err, "at least 2")

	_, err = m.ExecuteWithResponse(context.Background(), map[string]any{
		"max_selections": float64(1),
	}, nil, &module.Response{SelectedOptions: []module.Option{{ID: "a"}, {ID: "b"}}})
	require.ErrorContains(t, err, "at most 1")

	_, err = m.ExecuteWithResponse(context.Background(), map[string]any{}, nil, &module.Response{})
	require.ErrorContains(t, err, "selection or custom value")
}

func TestDirectExecuteRefuses(t *testing.T) {
	_, err := selection.New().Execute(context.Background(), map[string]any{}, nil)
	require.Error(t, err)
}
