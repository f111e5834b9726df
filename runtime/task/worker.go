package task

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/loomworks/loom/runtime/telemetry"
)

const (
	// DefaultPollInterval is how often an idle worker checks the queue.
	DefaultPollInterval = time.Second
	// DefaultHeartbeatInterval is how often a busy worker refreshes its claim.
	DefaultHeartbeatInterval = 10 * time.Second
	// DefaultStaleAfter is how long a silent claim survives before the
	// janitor requeues it.
	DefaultStaleAfter = 2 * time.Minute
)

type (
	// Handler processes tasks for one actor.
	Handler interface {
		// Actor returns the dispatch key the handler serves.
		Actor() string
		// Concurrency derives the concurrency identifier and limit from a
		// task payload. An empty identifier means unbounded.
		Concurrency(payload map[string]any) (identifier string, limit int)
		// Handle runs the task. The progress callback is rate-unbounded;
		// handlers should call it on meaningful transitions only.
		Handle(ctx context.Context, t *Task, progress func(elapsed time.Duration, message string)) (map[string]any, error)
	}

	// Worker polls the queue, claims eligible tasks, and drives handlers.
	// Many workers may run against one queue; they coordinate only through
	// the atomic claim.
	Worker struct {
		queue     Queue
		handlers  map[string]Handler
		id        string
		poll      time.Duration
		heartbeat time.Duration
		logger    telemetry.Logger
		metrics   telemetry.Metrics
	}

	// WorkerOptions configures a Worker. Queue, ID, and at least one handler
	// are required.
	WorkerOptions struct {
		Queue    Queue
		ID       string
		Handlers []Handler
		// PollInterval defaults to DefaultPollInterval.
		PollInterval time.Duration
		// HeartbeatInterval defaults to DefaultHeartbeatInterval.
		HeartbeatInterval time.Duration
		// Logger defaults to the noop logger.
		Logger telemetry.Logger
		// Metrics defaults to the noop recorder.
		Metrics telemetry.Metrics
	}

	// Janitor periodically requeues stale claims.
	Janitor struct {
		queue      Queue
		every      time.Duration
		staleAfter time.Duration
		logger     telemetry.Logger
	}
)

// NewWorker builds a Worker.
func NewWorker(opts WorkerOptions) (*Worker, error) {
	if opts.Queue == nil {
		return nil, errors.New("queue is required")
	}
	if opts.ID == "" {
		return nil, errors.New("worker id is required")
	}
	if len(opts.Handlers) == 0 {
		return nil, errors.New("at least one handler is required")
	}
	w := &Worker{
		queue:     opts.Queue,
		handlers:  make(map[string]Handler, len(opts.Handlers)),
		id:        opts.ID,
		poll:      opts.PollInterval,
		heartbeat: opts.HeartbeatInterval,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
	}
	for _, h := range opts.Handlers {
		if _, dup := w.handlers[h.Actor()]; dup {
			return nil, fmt.Errorf("duplicate handler for actor %q", h.Actor())
		}
		w.handlers[h.Actor()] = h
	}
	if w.poll <= 0 {
		w.poll = DefaultPollInterval
	}
	if w.heartbeat <= 0 {
		w.heartbeat = DefaultHeartbeatInterval
	}
	if w.logger == nil {
		w.logger = telemetry.NewNoopLogger()
	}
	if w.metrics == nil {
		w.metrics = telemetry.NewNoopMetrics()
	}
	return w, nil
}

// Run polls the queue until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if err := w.tick(ctx); err != nil && ctx.Err() == nil {
			w.logger.Error(ctx, "worker tick failed", "worker_id", w.id, "error", err.Error())
		}
	}
}

// tick claims and processes at most one task.
func (w *Worker) tick(ctx context.Context) error {
	next, err := w.queue.PeekNext(ctx)
	if err != nil || next == nil {
		return err
	}
	h, ok := w.handlers[next.Actor]
	if !ok {
		// Another worker class may serve this actor; leave it queued.
		return nil
	}

	identifier, limit := h.Concurrency(next.Payload)
	if identifier != "" && limit > 0 {
		n, err := w.queue.CountProcessing(ctx, identifier)
		if err != nil {
			return err
		}
		if n >= limit {
			return w.queue.UpdateQueuePositions(ctx, identifier)
		}
	}

	claimed, err := w.queue.Claim(ctx, next.ID, w.id, identifier, limit)
	if err != nil || claimed == nil {
		// Lost the race; someone else holds it.
		return err
	}
	w.logger.Info(ctx, "claimed task",
		"worker_id", w.id, "task_id", claimed.ID, "actor", claimed.Actor)
	w.process(ctx, h, claimed)
	if identifier != "" {
		return w.queue.UpdateQueuePositions(ctx, identifier)
	}
	return nil
}

func (w *Worker) process(ctx context.Context, h Handler, t *Task) {
	started := time.Now()
	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go w.heartbeatLoop(hbCtx, t.ID)

	progress := func(elapsed time.Duration, message string) {
		if err := w.queue.UpdateProgress(ctx, t.ID, elapsed, message); err != nil {
			w.logger.Warn(ctx, "progress update failed", "task_id", t.ID, "error", err.Error())
		}
	}

	result, err := h.Handle(ctx, t, progress)
	elapsed := time.Since(started)
	w.metrics.RecordTimer("loom.task.duration", elapsed, "actor", t.Actor)
	if err != nil {
		w.metrics.IncCounter("loom.task.failed", 1, "actor", t.Actor)
		w.logger.Error(ctx, "task failed",
			"worker_id", w.id, "task_id", t.ID, "actor", t.Actor, "error", err.Error())
		if ferr := w.queue.Fail(ctx, t.ID, &Error{Type: "TaskFailure", Message: err.Error()}); ferr != nil {
			w.logger.Error(ctx, "task fail write failed", "task_id", t.ID, "error", ferr.Error())
		}
		return
	}
	w.metrics.IncCounter("loom.task.completed", 1, "actor", t.Actor)
	if cerr := w.queue.Complete(ctx, t.ID, result); cerr != nil {
		w.logger.Error(ctx, "task complete write failed", "task_id", t.ID, "error", cerr.Error())
	}
}

func (w *Worker) heartbeatLoop(ctx context.Context, taskID string) {
	ticker := time.NewTicker(w.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.queue.UpdateHeartbeat(ctx, taskID); err != nil && ctx.Err() == nil {
				w.logger.Warn(ctx, "heartbeat failed", "task_id", taskID, "error", err.Error())
			}
		}
	}
}

// NewJanitor builds a stale-claim janitor. Zero durations take the defaults.
func NewJanitor(queue Queue, every, staleAfter time.Duration, logger telemetry.Logger) (*Janitor, error) {
	if queue == nil {
		return nil, errors.New("queue is required")
	}
	j := &Janitor{queue: queue, every: every, staleAfter: staleAfter, logger: logger}
	if j.every <= 0 {
		j.every = DefaultStaleAfter / 2
	}
	if j.staleAfter <= 0 {
		j.staleAfter = DefaultStaleAfter
	}
	if j.logger == nil {
		j.logger = telemetry.NewNoopLogger()
	}
	return j, nil
}

// Run sweeps for stale claims until ctx is cancelled.
func (j *Janitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(j.every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		n, err := j.queue.RecoverStale(ctx, time.Now().Add(-j.staleAfter))
		if err != nil {
			j.logger.Error(ctx, "stale recovery failed", "error", err.Error())
			continue
		}
		if n > 0 {
			j.logger.Warn(ctx, "recovered stale tasks", "count", n)
		}
	}
}
