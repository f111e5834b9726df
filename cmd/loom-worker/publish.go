package main

import (
	"context"
	"time"

	"goa.design/clue/log"

	"github.com/loomworks/loom/runtime/stream"
	"github.com/loomworks/loom/runtime/task"
)

// publishingHandler decorates a task handler so progress reaches live run
// subscribers instead of only pollers of the queue row. Tasks without a
// run_id in their payload pass through untouched.
type publishingHandler struct {
	next task.Handler
	sink stream.Sink
}

func withStreamPublishing(next task.Handler, sink stream.Sink) task.Handler {
	return &publishingHandler{next: next, sink: sink}
}

// Actor implements task.Handler.
func (h *publishingHandler) Actor() string { return h.next.Actor() }

// Concurrency implements task.Handler.
func (h *publishingHandler) Concurrency(payload map[string]any) (string, int) {
	return h.next.Concurrency(payload)
}

// Handle implements task.Handler. Publish failures are logged, never fatal:
// the stream is a convenience channel, the queue row stays authoritative.
func (h *publishingHandler) Handle(ctx context.Context, t *task.Task, progress func(elapsed time.Duration, message string)) (map[string]any, error) {
	runID, _ := t.Payload["run_id"].(string)
	if runID == "" {
		return h.next.Handle(ctx, t, progress)
	}
	mirrored := func(elapsed time.Duration, message string) {
		progress(elapsed, message)
		ev := &stream.Event{Type: stream.TypeProgress, Data: map[string]any{
			"task":       t.ID,
			"message":    message,
			"elapsed_ms": elapsed.Milliseconds(),
		}}
		if err := h.sink.Publish(ctx, runID, ev); err != nil {
			log.Errorf(ctx, err, "failed to publish progress for run %s", runID)
		}
	}
	return h.next.Handle(ctx, t, mirrored)
}
