// Package inmem provides the in-memory task queue used by tests and
// single-process deployments.
package inmem

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/loomworks/loom/runtime/ids"
	"github.com/loomworks/loom/runtime/task"
)

// Queue is a mutex-guarded task queue. The claim is atomic under the lock,
// matching the conditional-update semantics of the persistent backends.
type Queue struct {
	mu    sync.Mutex
	tasks map[string]*task.Task
}

// New returns an empty queue.
func New() *Queue {
	return &Queue{tasks: make(map[string]*task.Task)}
}

// Enqueue implements task.Queue.
func (q *Queue) Enqueue(_ context.Context, actor string, payload map[string]any, opts task.EnqueueOptions) (*task.Task, error) {
	if actor == "" {
		return nil, fmt.Errorf("actor is required")
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = task.DefaultMaxRetries
	}
	t := &task.Task{
		ID:         ids.NewTaskID(),
		Actor:      actor,
		Payload:    payload,
		Status:     task.StatusQueued,
		Priority:   opts.Priority,
		MaxRetries: maxRetries,
		CreatedAt:  time.Now().UTC(),
		Progress:   task.Progress{Message: "Queued", UpdatedAt: time.Now().UTC()},
	}
	q.mu.Lock()
	q.tasks[t.ID] = t
	q.mu.Unlock()
	return clone(t), nil
}

// PeekNext implements task.Queue.
func (q *Queue) PeekNext(_ context.Context) (*task.Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var best *task.Task
	for _, t := range q.tasks {
		if t.Status != task.StatusQueued {
			continue
		}
		if best == nil || task.ClaimOrder(t, best) {
			best = t
		}
	}
	if best == nil {
		return nil, nil
	}
	return clone(best), nil
}

// CountProcessing implements task.Queue.
func (q *Queue) CountProcessing(_ context.Context, concurrencyIdentifier string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, t := range q.tasks {
		if t.Status == task.StatusProcessing && t.ConcurrencyIdentifier == concurrencyIdentifier {
			n++
		}
	}
	return n, nil
}

// Claim implements task.Queue. The queued check and the transition happen
// under one lock acquisition, so concurrent claims on the same id yield at
// most one winner.
func (q *Queue) Claim(_ context.Context, taskID, workerID, concurrencyIdentifier string, concurrencyLimit int) (*task.Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tasks[taskID]
	if !ok {
		return nil, task.ErrNotFound
	}
	if t.Status != task.StatusQueued {
		return nil, nil
	}
	now := time.Now().UTC()
	t.Status = task.StatusProcessing
	t.WorkerID = workerID
	t.ConcurrencyIdentifier = concurrencyIdentifier
	t.ConcurrencyLimit = concurrencyLimit
	t.StartedAt = &now
	hb := now
	t.HeartbeatAt = &hb
	return clone(t), nil
}

// UpdateProgress implements task.Queue.
func (q *Queue) UpdateProgress(_ context.Context, taskID string, elapsed time.Duration, message string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tasks[taskID]
	if !ok {
		return task.ErrNotFound
	}
	t.Progress = task.Progress{
		ElapsedMS: elapsed.Milliseconds(),
		Message:   message,
		UpdatedAt: time.Now().UTC(),
	}
	return nil
}

// UpdateHeartbeat implements task.Queue.
func (q *Queue) UpdateHeartbeat(_ context.Context, taskID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tasks[taskID]
	if !ok {
		return task.ErrNotFound
	}
	now := time.Now().UTC()
	t.HeartbeatAt = &now
	return nil
}

// Complete implements task.Queue.
func (q *Queue) Complete(_ context.Context, taskID string, result map[string]any) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tasks[taskID]
	if !ok {
		return task.ErrNotFound
	}
	if t.Status.Terminal() {
		return fmt.Errorf("task %s is already %s", taskID, t.Status)
	}
	now := time.Now().UTC()
	t.Status = task.StatusCompleted
	t.Result = result
	t.CompletedAt = &now
	return nil
}

// Fail implements task.Queue.
func (q *Queue) Fail(_ context.Context, taskID string, taskErr *task.Error) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tasks[taskID]
	if !ok {
		return task.ErrNotFound
	}
	if t.Status.Terminal() {
		return fmt.Errorf("task %s is already %s", taskID, t.Status)
	}
	now := time.Now().UTC()
	t.Status = task.StatusFailed
	t.Error = taskErr
	t.CompletedAt = &now
	return nil
}

// RecoverStale implements task.Queue.
func (q *Queue) RecoverStale(_ context.Context, cutoff time.Time) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	now := time.Now().UTC()
	for _, t := range q.tasks {
		if t.Status != task.StatusProcessing {
			continue
		}
		if t.HeartbeatAt == nil || !t.HeartbeatAt.Before(cutoff) {
			continue
		}
		n++
		if t.RetryCount < t.MaxRetries {
			t.RetryCount++
			t.Status = task.StatusQueued
			t.WorkerID = ""
			t.ConcurrencyIdentifier = ""
			t.ConcurrencyLimit = 0
			t.StartedAt = nil
			t.HeartbeatAt = nil
			t.Progress = task.Progress{
				Message:   fmt.Sprintf("Retrying (attempt %d)", t.RetryCount),
				UpdatedAt: now,
			}
			continue
		}
		t.Status = task.StatusFailed
		t.CompletedAt = &now
		t.Error = &task.Error{
			Type:    task.ErrorTypeMaxRetries,
			Message: fmt.Sprintf("no heartbeat after %d attempts", t.RetryCount+1),
		}
	}
	return n, nil
}

// Get implements task.Queue.
func (q *Queue) Get(_ context.Context, taskID string) (*task.Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tasks[taskID]
	if !ok {
		return nil, task.ErrNotFound
	}
	return clone(t), nil
}

// TasksForRun implements task.Queue.
func (q *Queue) TasksForRun(_ context.Context, runID string, limit int) ([]*task.Task, error) {
	return q.filter(limit, func(t *task.Task) bool { return t.RunID() == runID }), nil
}

// TasksForInteraction implements task.Queue.
func (q *Queue) TasksForInteraction(_ context.Context, interactionID string, limit int) ([]*task.Task, error) {
	return q.filter(limit, func(t *task.Task) bool { return t.InteractionID() == interactionID }), nil
}

// QueuedByConcurrency implements task.Queue.
func (q *Queue) QueuedByConcurrency(_ context.Context, concurrencyIdentifier string, limit int) ([]*task.Task, error) {
	out := q.filter(0, func(t *task.Task) bool {
		return t.Status == task.StatusQueued && queuedIdentifier(t) == concurrencyIdentifier
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// UpdateQueuePositions implements task.Queue.
func (q *Queue) UpdateQueuePositions(_ context.Context, concurrencyIdentifier string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	var queued []*task.Task
	for _, t := range q.tasks {
		if t.Status == task.StatusQueued && queuedIdentifier(t) == concurrencyIdentifier {
			queued = append(queued, t)
		}
	}
	sort.Slice(queued, func(i, j int) bool { return task.ClaimOrder(queued[i], queued[j]) })
	now := time.Now().UTC()
	for i, t := range queued {
		t.Progress = task.Progress{
			Message:   fmt.Sprintf("Queued (position %d of %d)", i+1, len(queued)),
			UpdatedAt: now,
		}
	}
	return nil
}

func (q *Queue) filter(limit int, keep func(*task.Task) bool) []*task.Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []*task.Task
	for _, t := range q.tasks {
		if keep(t) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return task.ClaimOrder(out[i], out[j]) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	cloned := make([]*task.Task, len(out))
	for i, t := range out {
		cloned[i] = clone(t)
	}
	return cloned
}

// queuedIdentifier reads the identifier a queued task will claim under; the
// row's own field is only set at claim time.
func queuedIdentifier(t *task.Task) string {
	if t.ConcurrencyIdentifier != "" {
		return t.ConcurrencyIdentifier
	}
	id, _ := t.Payload["provider"].(string)
	return id
}

func clone(t *task.Task) *task.Task {
	c := *t
	if t.StartedAt != nil {
		v := *t.StartedAt
		c.StartedAt = &v
	}
	if t.CompletedAt != nil {
		v := *t.CompletedAt
		c.CompletedAt = &v
	}
	if t.HeartbeatAt != nil {
		v := *t.HeartbeatAt
		c.HeartbeatAt = &v
	}
	if t.Error != nil {
		e := *t.Error
		c.Error = &e
	}
	return &c
}
