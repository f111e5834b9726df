// Package event defines the append-only run event log, the engine's sole
// source of truth. Position, state, and interaction history are all
// derivations over this log; nothing here is ever updated in place.
package event

import (
	"context"
	"errors"
	"time"
)

// Type identifies the kind of a run event.
type Type string

const (
	// TypeWorkflowCreated marks the creation of a run.
	TypeWorkflowCreated Type = "workflow_created"
	// TypeWorkflowCompleted marks successful completion of a run.
	TypeWorkflowCompleted Type = "workflow_completed"
	// TypeWorkflowRecovered records an automatic fork-to-stable repair.
	TypeWorkflowRecovered Type = "workflow_recovered"
	// TypeStepStarted marks the start of a step.
	TypeStepStarted Type = "step_started"
	// TypeStepCompleted marks the completion of a step.
	TypeStepCompleted Type = "step_completed"
	// TypeModuleStarted marks the start of a module execution.
	TypeModuleStarted Type = "module_started"
	// TypeModuleCompleted carries a module's outputs and state projection.
	TypeModuleCompleted Type = "module_completed"
	// TypeModuleError records a module execution failure.
	TypeModuleError Type = "module_error"
	// TypeInteractionRequested suspends the run awaiting human input.
	TypeInteractionRequested Type = "interaction_requested"
	// TypeInteractionResponse records the human's answer.
	TypeInteractionResponse Type = "interaction_response"
	// TypeRetryRequested records a retry-with-feedback request.
	TypeRetryRequested Type = "retry_requested"
	// TypeJumpRequested records a jump to an earlier module.
	TypeJumpRequested Type = "jump_requested"
	// TypeSubActionStarted marks the start of a nested sub-action.
	TypeSubActionStarted Type = "sub_action_started"
	// TypeSubActionCompleted carries a sub-action's merged results.
	TypeSubActionCompleted Type = "sub_action_completed"
	// TypeSubActionFailed records a sub-action error, keeping the log
	// symmetric with TypeSubActionStarted.
	TypeSubActionFailed Type = "sub_action_failed"
)

// Reserved keys inside Event.Data.
const (
	// StateMappedKey holds the flat state projection of a module_completed
	// or sub_action_completed event. State is rebuilt only from this key.
	StateMappedKey = "_state_mapped"
)

// ErrNotFound is returned when no event matches a lookup.
var ErrNotFound = errors.New("event not found")

type (
	// Event is a single immutable record appended to a run's log.
	//
	// IDs are time-sortable and strictly increasing within a run across all
	// branches (see the ids package), so lexical order equals total order.
	Event struct {
		// ID is the time-sortable event identifier, assigned by the producer.
		ID string
		// RunID is the run this event belongs to.
		RunID string
		// BranchID is the branch the event was appended on.
		BranchID string
		// WorkflowVersionID records the definition the run was executing.
		WorkflowVersionID string
		// Type is the event kind.
		Type Type
		// StepID is set for step- and module-scoped events.
		StepID string
		// ModuleName is set for module-scoped events.
		ModuleName string
		// Data is the event payload.
		Data map[string]any
		// Timestamp is the wall-clock append time.
		Timestamp time.Time
	}

	// Filter restricts Query results. Zero values match everything.
	Filter struct {
		// BranchIDs restricts to events on any of the given branches.
		BranchIDs []string
		// Types restricts to the given event kinds.
		Types []Type
		// StepID restricts to events for one step.
		StepID string
		// ModuleName restricts to events for one module.
		ModuleName string
		// MaxID, when non-empty, restricts to events with ID <= MaxID.
		MaxID string
	}

	// Store is the append-only event log.
	//
	// Append must be durable: failures surface to callers so the executor can
	// fail fast when canonical logging is unavailable. No update operation is
	// ever exposed.
	Store interface {
		// Append stores the event. The event's ID must already be set and be
		// unique within the run.
		Append(ctx context.Context, e *Event) error

		// Latest returns the most recent event for the run, optionally
		// restricted to the given types. Returns ErrNotFound when no event
		// matches.
		Latest(ctx context.Context, runID string, types ...Type) (*Event, error)

		// Query returns the run's events matching the filter, ordered by ID
		// ascending. limit <= 0 means no limit.
		Query(ctx context.Context, runID string, f Filter, limit int) ([]*Event, error)

		// DeleteByRun removes every event for the run. Used only by whole-run
		// purge.
		DeleteByRun(ctx context.Context, runID string) error
	}
)

// Matches reports whether e satisfies the filter.
func (f Filter) Matches(e *Event) bool {
	if len(f.BranchIDs) > 0 {
		found := false
		for _, b := range f.BranchIDs {
			if e.BranchID == b {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(f.Types) > 0 {
		found := false
		for _, t := range f.Types {
			if e.Type == t {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.StepID != "" && e.StepID != f.StepID {
		return false
	}
	if f.ModuleName != "" && e.ModuleName != f.ModuleName {
		return false
	}
	if f.MaxID != "" && e.ID > f.MaxID {
		return false
	}
	return true
}

// StateMapped returns the event's flat state projection, or nil when absent.
func (e *Event) StateMapped() map[string]any {
	if e.Data == nil {
		return nil
	}
	m, _ := e.Data[StateMappedKey].(map[string]any)
	return m
}
