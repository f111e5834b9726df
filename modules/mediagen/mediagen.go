// Package mediagen implements the interactive media-generation module.
// Generation itself runs on the background task queue; the module enqueues a
// task when the interaction is presented and exposes a self sub-action that
// regenerates with feedback while the interaction stays pending.
package mediagen

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/loomworks/loom/runtime/module"
	"github.com/loomworks/loom/runtime/task"
)

// ModuleID is the registry identifier.
const ModuleID = "loom.media_generation"

// DefaultActor is the queue actor handling generation tasks.
const DefaultActor = "media_generation"

// DefaultPollInterval paces sub-action polling of the task queue.
const DefaultPollInterval = 500 * time.Millisecond

type (
	// Options configures the mediagen module.
	Options struct {
		// Queue is the task queue generation work is submitted to. Required.
		Queue task.Queue
		// Actor defaults to DefaultActor.
		Actor string
		// PollInterval defaults to DefaultPollInterval.
		PollInterval time.Duration
	}

	// Module is the media generation module.
	Module struct {
		queue task.Queue
		actor string
		poll  time.Duration
	}
)

// New builds the mediagen module.
func New(opts Options) (*Module, error) {
	if opts.Queue == nil {
		return nil, errors.New("task queue is required")
	}
	actor := opts.Actor
	if actor == "" {
		actor = DefaultActor
	}
	poll := opts.PollInterval
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	return &Module{queue: opts.Queue, actor: actor, poll: poll}, nil
}

// ID implements module.Executable.
func (m *Module) ID() string { return ModuleID }

// InputsSchema implements module.Executable.
func (m *Module) InputsSchema() map[string]any {
	return map[string]any{
		"type":     "object",
		"required": []any{"prompt"},
		"properties": map[string]any{
			"prompt":   map[string]any{"type": "string", "minLength": 1},
			"provider": map[string]any{"type": "string"},
			"count":    map[string]any{"type": "integer", "minimum": 1},
			"title":    map[string]any{"type": "string"},
		},
	}
}

// OutputsSchema implements module.Executable.
func (m *Module) OutputsSchema() map[string]any {
	return map[string]any{
		"type":     "object",
		"required": []any{"media"},
		"properties": map[string]any{
			"media": map[string]any{"type": "array"},
		},
	}
}

// Execute implements module.Executable.
func (m *Module) Execute(context.Context, map[string]any, *module.Context) (map[string]any, error) {
	return nil, errors.New("media generation module requires an interaction response")
}

// GetInteractionRequest implements module.Interactive. The first generation
// batch is enqueued here so work starts before the human responds.
func (m *Module) GetInteractionRequest(ctx context.Context, inputs map[string]any, mctx *module.Context) (*module.InteractionRequest, error) {
	prompt, _ := inputs["prompt"].(string)
	if prompt == "" {
		return nil, errors.New("prompt is required")
	}
	t, err := m.enqueue(ctx, mctx, inputs, prompt, "")
	if err != nil {
		return nil, fmt.Errorf("enqueue generation task: %w", err)
	}

	display := map[string]any{"prompt": prompt}
	if title, _ := inputs["title"].(string); title != "" {
		display["title"] = title
	}
	return &module.InteractionRequest{
		Type:    module.InteractionMediaGeneration,
		Display: display,
		Extra: map[string]any{
			"task_id": t.ID,
			"actor":   m.actor,
		},
	}, nil
}

// ExecuteWithResponse implements module.Interactive. The response carries the
// accepted media items, either structured or as selected option ids.
func (m *Module) ExecuteWithResponse(_ context.Context, inputs map[string]any, _ *module.Context, resp *module.Response) (map[string]any, error) {
	var media []any
	if items, ok := resp.Data["media"].([]any); ok {
		media = items
	} else {
		for _, opt := range resp.SelectedOptions {
			media = append(media, opt.ID)
		}
	}
	if len(media) == 0 {
		return nil, errors.New("at least one media item is required")
	}
	prompt, _ := inputs["prompt"].(string)
	return map[string]any{
		"media":  media,
		"prompt": prompt,
	}, nil
}

// SubAction implements module.SelfSubActor: it enqueues a regeneration task
// and converts queue progress into sub-action events until the task settles.
func (m *Module) SubAction(ctx context.Context, mctx *module.Context, params map[string]any) (<-chan module.SubActionEvent, error) {
	prompt, _ := params["prompt"].(string)
	if prompt == "" {
		prompt, _ = mctx.State["prompt"].(string)
	}
	if prompt == "" {
		return nil, errors.New("prompt is required")
	}
	feedback, _ := params["feedback"].(string)

	t, err := m.enqueue(ctx, mctx, params, prompt, feedback)
	if err != nil {
		return nil, fmt.Errorf("enqueue regeneration task: %w", err)
	}

	out := make(chan module.SubActionEvent, 8)
	go m.watch(ctx, t.ID, out)
	return out, nil
}

// watch polls the task until it settles, forwarding progress messages.
func (m *Module) watch(ctx context.Context, taskID string, out chan<- module.SubActionEvent) {
	defer close(out)
	ticker := time.NewTicker(m.poll)
	defer ticker.Stop()

	lastMessage := ""
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		t, err := m.queue.Get(ctx, taskID)
		if err != nil {
			out <- module.SubActionEvent{
				Kind: "result",
				Data: map[string]any{"error": err.Error()},
			}
			return
		}
		if msg := t.Progress.Message; msg != "" && msg != lastMessage {
			lastMessage = msg
			select {
			case out <- module.SubActionEvent{Kind: "progress", Data: map[string]any{"message": msg}}:
			case <-ctx.Done():
				return
			}
		}
		switch t.Status {
		case task.StatusCompleted:
			data := t.Result
			if data == nil {
				data = map[string]any{}
			}
			out <- module.SubActionEvent{Kind: "result", Data: data}
			return
		case task.StatusFailed:
			msg := "generation failed"
			if t.Error != nil && t.Error.Message != "" {
				msg = t.Error.Message
			}
			out <- module.SubActionEvent{
				Kind: "result",
				Data: map[string]any{"error": msg},
			}
			return
		}
	}
}

func (m *Module) enqueue(ctx context.Context, mctx *module.Context, config map[string]any, prompt, feedback string) (*task.Task, error) {
	payload := map[string]any{
		"run_id": mctx.RunID,
		"module": mctx.ModuleName,
		"prompt": prompt,
	}
	if provider, _ := config["provider"].(string); provider != "" {
		payload["provider"] = provider
	}
	if count, ok := config["count"].(float64); ok && count > 0 {
		payload["count"] = int(count)
	}
	if feedback != "" {
		payload["feedback"] = feedback
	}
	return m.queue.Enqueue(ctx, m.actor, payload, task.EnqueueOptions{})
}
