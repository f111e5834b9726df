package workflow_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/runtime/workflow"
)

func TestDiffDefinitionsNoChanges(t *testing.T) {
	a := map[string]any{"workflow_id": "w", "steps": []any{map[string]any{"step_id": "s1"}}}
	b := map[string]any{"workflow_id": "w", "steps": []any{map[string]any{"step_id": "s1"}}}

	d := workflow.DiffDefinitions(a, b)
	require.False(t, d.HasChanges)
	require.Empty(t, d.Changes)
	require.Equal(t, "0 changed, 0 added, 0 removed", d.Summary)
}

func TestDiffDefinitionsChangesAddsRemoves(t *testing.T) {
	a := map[string]any{
		"workflow_id": "w",
		"steps": []any{
			map[string]any{"step_id": "s1", "name": "Old"},
			map[string]any{"step_id": "s2"},
		},
	}
	b := map[string]any{
		"workflow_id": "w",
		"steps": []any{
			map[string]any{"step_id": "s1", "name": "New", "config": map[string]any{"k": 1}},
		},
	}

	d := workflow.DiffDefinitions(a, b)
	require.True(t, d.HasChanges)
	require.Equal(t, "1 changed, 1 added, 1 removed", d.Summary)

	byPath := map[string]workflow.Change{}
	for _, c := range d.Changes {
		byPath[c.Path] = c
	}
	require.Equal(t, "changed", byPath["steps[0].name"].Type)
	require.Equal(t, "Old", byPath["steps[0].name"].OldValue)
	require.Equal(t, "New", byPath["steps[0].name"].NewValue)
	require.Equal(t, "added", byPath["steps[0].config"].Type)
	require.Equal(t, "removed", byPath["steps[1]"].Type)
}

func TestDiffIgnoresWhitespaceOnlyStringChanges(t *testing.T) {
	a := map[string]any{"prompt": "write  an\narticle"}
	b := map[string]any{"prompt": "write an article"}

	d := workflow.DiffDefinitions(a, b)
	require.False(t, d.HasChanges)
}

func TestDiffSkipsNoisePaths(t *testing.T) {
	a := map[string]any{"content_hash": "aaa", "name": "x"}
	b := map[string]any{"content_hash": "bbb", "name": "x"}

	d := workflow.DiffDefinitions(a, b)
	require.False(t, d.HasChanges)
}
