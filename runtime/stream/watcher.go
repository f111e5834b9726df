package stream

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/loomworks/loom/runtime/executor"
	"github.com/loomworks/loom/runtime/run"
	"github.com/loomworks/loom/runtime/state"
	"github.com/loomworks/loom/runtime/telemetry"
)

const (
	// DefaultPollInterval is the generator's cooperative yield period.
	DefaultPollInterval = 50 * time.Millisecond
	// DefaultProgressInterval bounds the progress emission rate.
	DefaultProgressInterval = 100 * time.Millisecond
)

type (
	// Watcher turns synchronous executor work into single-subscriber event
	// streams. The work runs on its own goroutine; the watcher loops at the
	// poll interval, forwards bounded-rate progress, observes cancellation,
	// and maps the final Outcome to a terminal event.
	Watcher struct {
		deriver  *state.Deriver
		runs     run.Store
		poll     time.Duration
		progress time.Duration
		logger   telemetry.Logger
	}

	// WatcherOptions configures a Watcher. Deriver and Runs are required.
	WatcherOptions struct {
		Deriver *state.Deriver
		Runs    run.Store
		// PollInterval defaults to DefaultPollInterval.
		PollInterval time.Duration
		// ProgressInterval defaults to DefaultProgressInterval.
		ProgressInterval time.Duration
		// Logger defaults to the noop logger.
		Logger telemetry.Logger
	}

	// Work is the executor call a stream observes. The progress callback may
	// be invoked from any goroutine.
	Work func(ctx context.Context, progress func(message string)) (*executor.Outcome, error)

	// progressBox holds the latest progress message.
	progressBox struct {
		mu      sync.Mutex
		message string
		dirty   bool
	}
)

// NewWatcher builds a Watcher.
func NewWatcher(opts WatcherOptions) (*Watcher, error) {
	if opts.Deriver == nil || opts.Runs == nil {
		return nil, errors.New("deriver and run store are required")
	}
	w := &Watcher{
		deriver:  opts.Deriver,
		runs:     opts.Runs,
		poll:     opts.PollInterval,
		progress: opts.ProgressInterval,
		logger:   opts.Logger,
	}
	if w.poll <= 0 {
		w.poll = DefaultPollInterval
	}
	if w.progress <= 0 {
		w.progress = DefaultProgressInterval
	}
	if w.logger == nil {
		w.logger = telemetry.NewNoopLogger()
	}
	return w, nil
}

// Watch runs work on its own goroutine and returns the stream observing it.
// The channel closes after the terminal event. Cancelling ctx emits
// "cancelled"; partial events already appended to the log are retained.
func (w *Watcher) Watch(ctx context.Context, runID string, pos *state.Position, work Work) <-chan *Event {
	out := make(chan *Event, 16)
	go w.drive(ctx, runID, pos, work, out)
	return out
}

func (w *Watcher) drive(ctx context.Context, runID string, pos *state.Position, work Work, out chan<- *Event) {
	defer close(out)
	started := time.Now()

	startData := map[string]any{"run": runID}
	if pos != nil {
		startData["step_id"] = pos.CurrentStepID
		startData["module_index"] = pos.CurrentModuleIndex
	}
	out <- &Event{Type: TypeStarted, Data: startData}

	var box progressBox
	type result struct {
		outcome *executor.Outcome
		err     error
	}
	done := make(chan result, 1)
	go func() {
		outcome, err := work(ctx, box.set)
		done <- result{outcome, err}
	}()

	limiter := rate.NewLimiter(rate.Every(w.progress), 1)
	ticker := time.NewTicker(w.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// The worker goroutine observes the same ctx; drain it in the
			// background and report the cancellation now.
			out <- &Event{Type: TypeCancelled, Data: map[string]any{
				"run":    runID,
				"reason": "cancelled",
			}}
			return
		case res := <-done:
			w.emitTerminal(ctx, runID, started, res.outcome, res.err, out)
			return
		case <-ticker.C:
			if msg, ok := box.take(); ok && limiter.Allow() {
				out <- &Event{Type: TypeProgress, Data: map[string]any{
					"run":        runID,
					"elapsed_ms": time.Since(started).Milliseconds(),
					"message":    msg,
				}}
			}
		}
	}
}

func (w *Watcher) emitTerminal(ctx context.Context, runID string, started time.Time, outcome *executor.Outcome, err error, out chan<- *Event) {
	if err != nil {
		if errors.Is(err, context.Canceled) {
			out <- &Event{Type: TypeCancelled, Data: map[string]any{"run": runID, "reason": "cancelled"}}
			return
		}
		w.logger.Error(ctx, "stream work failed", "run_id", runID, "error", err.Error())
		out <- &Event{Type: TypeError, Data: map[string]any{"run": runID, "message": err.Error()}}
		return
	}
	switch outcome.Kind {
	case executor.OutcomeAwaitingInput:
		out <- &Event{Type: TypeInteraction, Data: outcome.Interaction.Payload()}
	case executor.OutcomeCompleted:
		out <- &Event{Type: TypeComplete, Data: map[string]any{
			"run":         runID,
			"final_state": outcome.FinalState,
			"elapsed_ms":  time.Since(started).Milliseconds(),
		}}
	case executor.OutcomeError:
		out <- &Event{Type: TypeError, Data: map[string]any{
			"run":     runID,
			"message": outcome.ErrMessage,
			"step_id": outcome.StepID,
			"module":  outcome.ModuleName,
		}}
	default:
		out <- &Event{Type: TypeComplete, Data: map[string]any{"run": runID}}
	}
}

// WatchState polls the derived state map and emits a snapshot followed by
// diffs of added or changed keys. The stream ends when ctx is cancelled or
// the run reaches a terminal status.
func (w *Watcher) WatchState(ctx context.Context, runID, branchID string) <-chan *Event {
	out := make(chan *Event, 16)
	go func() {
		defer close(out)
		ticker := time.NewTicker(w.poll)
		defer ticker.Stop()

		last, err := w.deriver.ModuleOutputs(ctx, runID, branchID)
		if err != nil {
			out <- &Event{Type: TypeError, Data: map[string]any{"run": runID, "message": err.Error()}}
			return
		}
		out <- &Event{Type: TypeStateSnapshot, Data: map[string]any{"run": runID, "state": last}}

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			// The branch pointer moves on navigation; follow the run.
			r, err := w.runs.Get(ctx, runID)
			if err != nil {
				continue
			}
			cur, err := w.deriver.ModuleOutputs(ctx, runID, r.BranchID)
			if err != nil {
				continue
			}
			if delta := stateDelta(last, cur); len(delta) > 0 {
				out <- &Event{Type: TypeStateUpdate, Data: map[string]any{"run": runID, "updated": delta}}
			}
			last = cur
			if r.Status.Terminal() {
				return
			}
		}
	}()
	return out
}

// stateDelta returns the keys of cur that are absent from or differ in prev.
func stateDelta(prev, cur map[string]any) map[string]any {
	delta := make(map[string]any)
	for k, v := range cur {
		old, ok := prev[k]
		if !ok || !reflect.DeepEqual(old, v) {
			delta[k] = v
		}
	}
	return delta
}

func (b *progressBox) set(message string) {
	b.mu.Lock()
	b.message = message
	b.dirty = true
	b.mu.Unlock()
}

func (b *progressBox) take() (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.dirty {
		return "", false
	}
	b.dirty = false
	return b.message, true
}
