package main

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/loomworks/loom/modules/mediagen"
	"github.com/loomworks/loom/runtime/task"
)

// defaultItemDelay paces placeholder generation when the config is silent.
const defaultItemDelay = 2 * time.Second

// mediaHandler serves media_generation tasks enqueued by the mediagen module.
// It produces placeholder assets; a production deployment replaces it with a
// handler that calls a real generation provider.
type mediaHandler struct {
	limits map[string]int
	delay  time.Duration
}

func newMediaHandler(cfg mediaConfig) *mediaHandler {
	delay := cfg.ItemDelay
	if delay <= 0 {
		delay = defaultItemDelay
	}
	return &mediaHandler{limits: cfg.ProviderLimits, delay: delay}
}

// Actor implements task.Handler.
func (h *mediaHandler) Actor() string { return mediagen.DefaultActor }

// Concurrency implements task.Handler. Generations are throttled per
// provider; unlisted providers run unbounded.
func (h *mediaHandler) Concurrency(payload map[string]any) (string, int) {
	provider, _ := payload["provider"].(string)
	if provider == "" {
		return "", 0
	}
	limit, ok := h.limits[provider]
	if !ok {
		return "", 0
	}
	return provider, limit
}

// Handle implements task.Handler.
func (h *mediaHandler) Handle(ctx context.Context, t *task.Task, progress func(elapsed time.Duration, message string)) (map[string]any, error) {
	prompt, _ := t.Payload["prompt"].(string)
	if prompt == "" {
		return nil, fmt.Errorf("task %s has no prompt", t.ID)
	}
	provider, _ := t.Payload["provider"].(string)
	if provider == "" {
		provider = "placeholder"
	}
	count := 1
	if n, ok := t.Payload["count"].(int); ok && n > 0 {
		count = n
	} else if f, ok := t.Payload["count"].(float64); ok && f > 0 {
		count = int(f)
	}

	started := time.Now()
	media := make([]any, 0, count)
	for i := 0; i < count; i++ {
		progress(time.Since(started), fmt.Sprintf("Generating %d of %d", i+1, count))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(h.delay):
		}
		id := uuid.NewString()
		media = append(media, map[string]any{
			"id":       id,
			"url":      fmt.Sprintf("https://media.invalid/%s/%s", provider, id),
			"provider": provider,
			"prompt":   prompt,
		})
	}
	progress(time.Since(started), fmt.Sprintf("Generated %d items", count))

	return map[string]any{
		"media":  media,
		"prompt": prompt,
	}, nil
}
