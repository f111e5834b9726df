package executor

import (
	"context"
	"fmt"

	"github.com/loomworks/loom/runtime/event"
	"github.com/loomworks/loom/runtime/module"
	"github.com/loomworks/loom/runtime/run"
	"github.com/loomworks/loom/runtime/state"
	"github.com/loomworks/loom/runtime/workflow"
)

// Retry re-executes targetModule with the accumulated conversation history
// and the given feedback injected under the reserved state keys. Retry stays
// on the current branch: prior completions remain on the log and feed the
// next retry context.
func (x *Executor) Retry(ctx context.Context, r *run.Run, def *workflow.Definition, targetModule, feedback string) (*Outcome, error) {
	step, _, mi, err := def.LocateModule(targetModule)
	if err != nil {
		return nil, err
	}

	if _, err := x.appendEvent(ctx, r, event.TypeRetryRequested, step.ID, targetModule, map[string]any{
		"target_module": targetModule,
		"feedback":      feedback,
	}); err != nil {
		return nil, err
	}

	rc, err := x.deriver.RetryContextFor(ctx, r.ID, targetModule)
	if err != nil {
		return nil, fmt.Errorf("derive retry context: %w", err)
	}
	overlay := map[string]any{
		state.RetryConversationKey: rc.ConversationHistory,
		state.RetryFeedbackKey:     rc.Feedback,
	}

	pos, err := x.deriver.Position(ctx, r.ID, r.BranchID)
	if err != nil {
		return nil, err
	}
	entry := &state.Position{
		CurrentStepID:      step.ID,
		CurrentModuleIndex: mi,
		CompletedSteps:     without(pos.CompletedSteps, step.ID),
	}

	x.logger.Info(ctx, "retrying module",
		"run_id", r.ID, "target_module", targetModule, "step_id", step.ID, "turns", len(rc.ConversationHistory))
	return x.execute(ctx, r, def, entry, overlay)
}

// Jump forks a new branch cut immediately before the target module's first
// event and re-enters the resume loop there. Everything after the fork point
// stays on the old branch, untouched.
func (x *Executor) Jump(ctx context.Context, r *run.Run, def *workflow.Definition, targetStepID, targetModule string) (*Outcome, error) {
	step, _, mi, err := def.FindModule(targetStepID, targetModule)
	if err != nil {
		return nil, err
	}

	fp, err := x.deriver.ForkPointBefore(ctx, r.ID, r.BranchID, targetStepID, targetModule)
	if err != nil {
		return nil, err
	}
	child, err := x.branches.CreateChild(ctx, r.ID, fp.BranchID, fp.Cutoff)
	if err != nil {
		return nil, fmt.Errorf("fork branch: %w", err)
	}

	r.BranchID = child.ID
	r.Status = run.StatusProcessing
	if err := x.runs.Update(ctx, r); err != nil {
		return nil, fmt.Errorf("update run: %w", err)
	}

	if _, err := x.appendEvent(ctx, r, event.TypeJumpRequested, step.ID, targetModule, map[string]any{
		"target_step":   targetStepID,
		"target_module": targetModule,
		"new_branch_id": child.ID,
	}); err != nil {
		return nil, err
	}

	pos, err := x.deriver.Position(ctx, r.ID, child.ID)
	if err != nil {
		return nil, err
	}
	entry := &state.Position{
		CurrentStepID:      targetStepID,
		CurrentModuleIndex: mi,
		CompletedSteps:     without(pos.CompletedSteps, targetStepID),
	}

	x.logger.Info(ctx, "jumped to module",
		"run_id", r.ID, "target_step", targetStepID, "target_module", targetModule, "branch_id", child.ID)
	return x.execute(ctx, r, def, entry, nil)
}

// BranchFromInteraction forks a branch whose cutoff is the identified
// interaction_requested event itself, re-entering the suspended state
// without re-running upstream modules. The run suspends on the new branch
// with the same interaction pending.
func (x *Executor) BranchFromInteraction(ctx context.Context, r *run.Run, interactionID string) (*Outcome, error) {
	fp, err := x.deriver.ForkPointAtInteraction(ctx, r.ID, r.BranchID, interactionID)
	if err != nil {
		return nil, err
	}
	child, err := x.branches.CreateChild(ctx, r.ID, fp.BranchID, fp.Cutoff)
	if err != nil {
		return nil, fmt.Errorf("fork branch: %w", err)
	}

	r.BranchID = child.ID
	r.Status = run.StatusAwaitingInput
	if err := x.runs.Update(ctx, r); err != nil {
		return nil, fmt.Errorf("update run: %w", err)
	}

	pos, err := x.deriver.Position(ctx, r.ID, child.ID)
	if err != nil {
		return nil, err
	}
	if pos.PendingInteractionEvent == nil {
		return nil, fmt.Errorf("interaction %q not pending after fork: %w", interactionID, event.ErrNotFound)
	}
	req := module.RequestFromPayload(pos.PendingInteraction)
	x.logger.Info(ctx, "branched from interaction",
		"run_id", r.ID, "interaction_id", interactionID, "branch_id", child.ID)
	return AwaitingInput(req, pos.PendingInteractionEvent.StepID, pos.PendingInteractionEvent.ModuleName), nil
}
