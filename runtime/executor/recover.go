package executor

import (
	"context"
	"errors"
	"fmt"

	"github.com/loomworks/loom/runtime/event"
	"github.com/loomworks/loom/runtime/run"
	"github.com/loomworks/loom/runtime/state"
	"github.com/loomworks/loom/runtime/workflow"
)

// Anomaly reasons recorded in workflow_recovered events.
const (
	reasonAwaitingWithoutPending = "A1: awaiting_input without pending interaction"
	reasonProcessingWithPending  = "A2: processing with pending interaction"
	reasonProcessingAllComplete  = "A3: processing with all steps completed"
)

// Recover compares the run's cached status against its derived position and,
// on disagreement, rewinds by forking a branch at the last stable event. It
// returns true when a repair was applied; callers then re-enter the resume
// loop on the new branch. Never surfaced to clients.
func (x *Executor) Recover(ctx context.Context, r *run.Run, def *workflow.Definition) (bool, error) {
	pos, err := x.deriver.Position(ctx, r.ID, r.BranchID)
	if err != nil {
		return false, err
	}
	reason := detectAnomaly(r, def, pos)
	if reason == "" {
		return false, nil
	}

	// Stable = step_completed or module_completed. interaction_response is
	// not stable: cutting there would replay a completed interaction.
	parentID, cutoff := r.BranchID, ""
	stable, err := x.deriver.LastStableEvent(ctx, r.ID, r.BranchID)
	switch {
	case err == nil:
		parentID, cutoff = stable.BranchID, stable.ID
	case errors.Is(err, event.ErrNotFound):
		// Nothing stable yet: cut right after run creation.
		evts, lerr := x.deriver.LineageEvents(ctx, r.ID, r.BranchID)
		if lerr != nil {
			return false, lerr
		}
		if len(evts) > 0 {
			parentID, cutoff = evts[0].BranchID, evts[0].ID
		}
	default:
		return false, err
	}

	child, err := x.branches.CreateChild(ctx, r.ID, parentID, cutoff)
	if err != nil {
		return false, fmt.Errorf("fork branch: %w", err)
	}

	prev := r.BranchID
	r.BranchID = child.ID
	r.Status = run.StatusProcessing
	if err := x.runs.Update(ctx, r); err != nil {
		return false, fmt.Errorf("update run: %w", err)
	}

	if _, err := x.appendEvent(ctx, r, event.TypeWorkflowRecovered, "", "", map[string]any{
		"reason":             reason,
		"previous_branch_id": prev,
		"new_branch_id":      child.ID,
	}); err != nil {
		return false, err
	}

	x.logger.Warn(ctx, "recovered inconsistent run",
		"run_id", r.ID, "reason", reason, "previous_branch_id", prev, "new_branch_id", child.ID)
	x.metrics.IncCounter("loom.recovery.applied", 1)
	return true, nil
}

// detectAnomaly returns the recovery reason, or empty when cached status and
// derived position agree.
func detectAnomaly(r *run.Run, def *workflow.Definition, pos *state.Position) string {
	switch r.Status {
	case run.StatusAwaitingInput:
		if pos.PendingInteractionEvent == nil {
			return reasonAwaitingWithoutPending
		}
	case run.StatusProcessing:
		if pos.PendingInteractionEvent != nil {
			return reasonProcessingWithPending
		}
		if len(def.Steps) > 0 {
			completed := make(map[string]struct{}, len(pos.CompletedSteps))
			for _, id := range pos.CompletedSteps {
				completed[id] = struct{}{}
			}
			all := true
			for i := range def.Steps {
				if _, ok := completed[def.Steps[i].ID]; !ok {
					all = false
					break
				}
			}
			if all {
				return reasonProcessingAllComplete
			}
		}
	}
	return ""
}
