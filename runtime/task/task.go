// Package task defines the persisted background work queue: FIFO within
// priority, at-most-one-worker-per-task via atomic claims, heartbeats, and
// stale-task recovery. Tasks are orthogonal to workflow events; workers feed
// results back through the stores and streams, never by mutating run state
// directly.
package task

import (
	"context"
	"errors"
	"time"
)

// Status is a task's lifecycle state.
type Status string

const (
	// StatusQueued means the task awaits a worker.
	StatusQueued Status = "queued"
	// StatusProcessing means a worker holds the claim.
	StatusProcessing Status = "processing"
	// StatusCompleted is terminal success.
	StatusCompleted Status = "completed"
	// StatusFailed is terminal failure.
	StatusFailed Status = "failed"
)

// ErrorTypeMaxRetries marks tasks failed by exhausting stale-recovery
// retries.
const ErrorTypeMaxRetries = "MaxRetriesExceeded"

// DefaultMaxRetries bounds stale-recovery requeues.
const DefaultMaxRetries = 3

// ErrNotFound is returned when a task lookup misses.
var ErrNotFound = errors.New("task not found")

type (
	// Progress is the task's last reported progress.
	Progress struct {
		ElapsedMS int64     `json:"elapsed_ms"`
		Message   string    `json:"message"`
		UpdatedAt time.Time `json:"updated_at"`
	}

	// Error is a worker-recorded failure.
	Error struct {
		Type       string         `json:"type"`
		Message    string         `json:"message"`
		Details    map[string]any `json:"details,omitempty"`
		StackTrace string         `json:"stack_trace,omitempty"`
	}

	// Task is one queue row.
	Task struct {
		ID       string         `json:"task_id"`
		Actor    string         `json:"actor"`
		Payload  map[string]any `json:"payload"`
		Status   Status         `json:"status"`
		Priority int            `json:"priority"`

		// ConcurrencyIdentifier and ConcurrencyLimit are recorded at claim
		// time.
		ConcurrencyIdentifier string `json:"concurrency_identifier,omitempty"`
		ConcurrencyLimit      int    `json:"concurrency_limit,omitempty"`

		RetryCount int `json:"retry_count"`
		MaxRetries int `json:"max_retries"`

		CreatedAt   time.Time  `json:"created_at"`
		StartedAt   *time.Time `json:"started_at,omitempty"`
		CompletedAt *time.Time `json:"completed_at,omitempty"`
		HeartbeatAt *time.Time `json:"heartbeat_at,omitempty"`

		WorkerID string         `json:"worker_id,omitempty"`
		Progress Progress       `json:"progress"`
		Result   map[string]any `json:"result,omitempty"`
		Error    *Error         `json:"error,omitempty"`
	}

	// EnqueueOptions tunes a new task. Zero values mean priority 0 and
	// DefaultMaxRetries.
	EnqueueOptions struct {
		Priority   int
		MaxRetries int
	}

	// Queue is the persisted task queue.
	Queue interface {
		// Enqueue creates a queued task and returns it.
		Enqueue(ctx context.Context, actor string, payload map[string]any, opts EnqueueOptions) (*Task, error)

		// PeekNext returns the next claimable task (highest priority, oldest
		// created_at) or nil when the queue is empty.
		PeekNext(ctx context.Context) (*Task, error)

		// CountProcessing counts processing tasks for a concurrency identifier.
		CountProcessing(ctx context.Context, concurrencyIdentifier string) (int, error)

		// Claim atomically transitions the task from queued to processing.
		// Returns nil when the task was already claimed or is no longer queued.
		Claim(ctx context.Context, taskID, workerID, concurrencyIdentifier string, concurrencyLimit int) (*Task, error)

		// UpdateProgress records the worker's progress.
		UpdateProgress(ctx context.Context, taskID string, elapsed time.Duration, message string) error

		// UpdateHeartbeat refreshes the claim's liveness timestamp.
		UpdateHeartbeat(ctx context.Context, taskID string) error

		// Complete marks the task completed with its result.
		Complete(ctx context.Context, taskID string, result map[string]any) error

		// Fail marks the task failed with the given error.
		Fail(ctx context.Context, taskID string, taskErr *Error) error

		// RecoverStale requeues processing tasks whose heartbeat predates
		// cutoff, or fails them once retries are exhausted. Returns the number
		// of tasks touched.
		RecoverStale(ctx context.Context, cutoff time.Time) (int, error)

		// Get returns the task with the given id.
		Get(ctx context.Context, taskID string) (*Task, error)

		// TasksForRun returns tasks whose payload references the run.
		TasksForRun(ctx context.Context, runID string, limit int) ([]*Task, error)

		// TasksForInteraction returns tasks whose payload references the
		// interaction.
		TasksForInteraction(ctx context.Context, interactionID string, limit int) ([]*Task, error)

		// QueuedByConcurrency returns queued tasks for a concurrency
		// identifier in claim order.
		QueuedByConcurrency(ctx context.Context, concurrencyIdentifier string, limit int) ([]*Task, error)

		// UpdateQueuePositions rewrites the progress message of every queued
		// task for the identifier to "Queued (position i of N)" in claim order.
		UpdateQueuePositions(ctx context.Context, concurrencyIdentifier string) error
	}
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool { return s == StatusCompleted || s == StatusFailed }

// RunID extracts the payload's run reference, when present.
func (t *Task) RunID() string {
	id, _ := t.Payload["run_id"].(string)
	return id
}

// InteractionID extracts the payload's interaction reference, when present.
func (t *Task) InteractionID() string {
	id, _ := t.Payload["interaction_id"].(string)
	return id
}

// ClaimOrder reports whether a should be claimed before b: priority
// descending, then created_at ascending.
func ClaimOrder(a, b *Task) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	return a.CreatedAt.Before(b.CreatedAt)
}
