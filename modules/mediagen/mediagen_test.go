package mediagen_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/modules/mediagen"
	"github.com/loomworks/loom/runtime/module"
	"github.com/loomworks/loom/runtime/task"
	taskinmem "github.com/loomworks/loom/runtime/task/inmem"
)

func newModule(t *testing.T) (*mediagen.Module, *taskinmem.Queue) {
	t.Helper()
	q := taskinmem.New()
	m, err := mediagen.New(mediagen.Options{Queue: q, PollInterval: 5 * time.Millisecond})
	require.NoError(t, err)
	return m, q
}

func mctx() *module.Context {
	return &module.Context{RunID: "run-1", ModuleName: "media", State: map[string]any{}}
}

// nextEvent reads one generator event or fails after a bounded wait.
func nextEvent(t *testing.T, ch <-chan module.SubActionEvent) module.SubActionEvent {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "generator closed early")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for sub-action event")
		return module.SubActionEvent{}
	}
}

// settle reads events until the result arrives.
func settle(t *testing.T, ch <-chan module.SubActionEvent) module.SubActionEvent {
	t.Helper()
	for {
		ev := nextEvent(t, ch)
		if ev.Kind == "result" {
			return ev
		}
	}
}

func TestInteractionRequestEnqueuesGeneration(t *testing.T) {
	m, q := newModule(t)
	ctx := context.Background()

	req, err := m.GetInteractionRequest(ctx, map[string]any{
		"prompt":   "a lighthouse at dusk",
		"title":    "Cover image",
		"provider": "stability",
		"count":    float64(2),
	}, mctx())
	require.NoError(t, err)
	require.Equal(t, module.InteractionMediaGeneration, req.Type)
	require.Equal(t, "a lighthouse at dusk", req.Display["prompt"])
	require.Equal(t, "Cover image", req.Display["title"])

	taskID, _ := req.Extra["task_id"].(string)
	require.NotEmpty(t, taskID)
	require.Equal(t, mediagen.DefaultActor, req.Extra["actor"])

	stored, err := q.Get(ctx, taskID)
	require.NoError(t, err)
	require.Equal(t, task.StatusQueued, stored.Status)
	require.Equal(t, mediagen.DefaultActor, stored.Actor)
	require.Equal(t, "run-1", stored.RunID())
	require.Equal(t, "a lighthouse at dusk", stored.Payload["prompt"])
	require.Equal(t, "stability", stored.Payload["provider"])
	require.Equal(t, 2, stored.Payload["count"])
}

func TestInteractionRequestRequiresPrompt(t *testing.T) {
	m, _ := newModule(t)
	_, err := m.GetInteractionRequest(context.Background(), map[string]any{}, mctx())
	require.ErrorContains(t, err, "prompt is required")
}

func TestExecuteWithResponseAcceptsMedia(t *testing.T) {
	m, _ := newModule(t)
	ctx := context.Background()
	inputs := map[string]any{"prompt": "a lighthouse"}

	out, err := m.ExecuteWithResponse(ctx, inputs, nil, &module.Response{
		Data: map[string]any{"media": []any{map[string]any{"url": "https://cdn/img-1.png"}}},
	})
	require.NoError(t, err)
	require.Len(t, out["media"], 1)
	require.Equal(t, "a lighthouse", out["prompt"])

	// Selected option ids stand in when no structured media arrives.
	out, err = m.ExecuteWithResponse(ctx, inputs, nil, &module.Response{
		SelectedOptions: []module.Option{{ID: "img-2"}, {ID: "img-3"}},
	})
	require.NoError(t, err)
	require.Equal(t, []any{"img-2", "img-3"}, out["media"])

	_, err = m.ExecuteWithResponse(ctx, inputs, nil, &module.Response{})
	require.ErrorContains(t, err, "at least one media item")
}

func TestSubActionFollowsTaskToCompletion(t *testing.T) {
	m, q := newModule(t)
	ctx := context.Background()

	events, err := m.SubAction(ctx, mctx(), map[string]any{
		"prompt":   "a lighthouse at dawn",
		"feedback": "warmer light",
	})
	require.NoError(t, err)

	tasks, err := q.TasksForRun(ctx, "run-1", 10)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	generation := tasks[0]
	require.Equal(t, "warmer light", generation.Payload["feedback"])

	// Simulate the worker: claim, report progress, complete.
	claimed, err := q.Claim(ctx, generation.ID, "w-1", "", 0)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.NoError(t, q.UpdateProgress(ctx, generation.ID, time.Second, "rendering 1 of 2"))

	ev := nextEvent(t, events)
	require.Equal(t, "progress", ev.Kind)
	require.Equal(t, "rendering 1 of 2", ev.Data["message"])

	media := []any{map[string]any{"url": "https://cdn/img-1.png"}}
	require.NoError(t, q.Complete(ctx, generation.ID, map[string]any{"media": media}))

	result := settle(t, events)
	require.Equal(t, media, result.Data["media"])

	_, open := <-events
	require.False(t, open, "generator must close after the result")
}

func TestSubActionSurfacesTaskFailure(t *testing.T) {
	m, q := newModule(t)
	ctx := context.Background()

	events, err := m.SubAction(ctx, mctx(), map[string]any{"prompt": "a lighthouse"})
	require.NoError(t, err)

	tasks, err := q.TasksForRun(ctx, "run-1", 10)
	require.NoError(t, err)
	require.Len(t, tasks, 1)

	_, err = q.Claim(ctx, tasks[0].ID, "w-1", "", 0)
	require.NoError(t, err)
	require.NoError(t, q.Fail(ctx, tasks[0].ID, &task.Error{Type: "ProviderError", Message: "provider exploded"}))

	result := settle(t, events)
	require.Equal(t, "provider exploded", result.Data["error"])
}

func TestSubActionPromptFallsBackToState(t *testing.T) {
	m, q := newModule(t)
	ctx := context.Background()
	c := mctx()
	c.State["prompt"] = "from state"

	events, err := m.SubAction(ctx, c, map[string]any{})
	require.NoError(t, err)

	tasks, err := q.TasksForRun(ctx, "run-1", 10)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	require.Equal(t, "from state", tasks[0].Payload["prompt"])

	require.NoError(t, q.Complete(ctx, tasks[0].ID, map[string]any{"media": []any{"img"}}))
	settle(t, events)
}

func TestSubActionRequiresPrompt(t *testing.T) {
	m, _ := newModule(t)
	_, err := m.SubAction(context.Background(), mctx(), map[string]any{})
	require.ErrorContains(t, err, "prompt is required")
}

func TestNewRequiresQueue(t *testing.T) {
	_, err := mediagen.New(mediagen.Options{})
	require.ErrorContains(t, err, "task queue is required")
}
