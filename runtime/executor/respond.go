package executor

import (
	"context"
	"errors"
	"fmt"

	"github.com/loomworks/loom/runtime/event"
	"github.com/loomworks/loom/runtime/module"
	"github.com/loomworks/loom/runtime/run"
	"github.com/loomworks/loom/runtime/state"
	"github.com/loomworks/loom/runtime/workflow"
)

// ErrNoPendingInteraction is returned by Respond when the run has no open
// interaction request on its current branch.
var ErrNoPendingInteraction = errors.New("no pending interaction")

// Respond consumes a client response to the pending interaction, resumes the
// suspended module, and hands control back to the resume loop. Responses that
// request navigation (retry or jump back) are routed to the navigator instead
// of completing the module.
func (x *Executor) Respond(ctx context.Context, r *run.Run, def *workflow.Definition, resp *module.Response) (*Outcome, error) {
	pos, err := x.deriver.Position(ctx, r.ID, r.BranchID)
	if err != nil {
		return nil, err
	}
	pending := pos.PendingInteractionEvent
	if pending == nil {
		return nil, ErrNoPendingInteraction
	}
	pendingID, _ := pending.Data["interaction_id"].(string)
	if resp.InteractionID != "" && resp.InteractionID != pendingID {
		return nil, fmt.Errorf("interaction %q is not pending", resp.InteractionID)
	}
	resp.InteractionID = pendingID

	step, m, mi, err := def.FindModule(pending.StepID, pending.ModuleName)
	if err != nil {
		return nil, err
	}

	if _, err := x.appendEvent(ctx, r, event.TypeInteractionResponse, pending.StepID, pending.ModuleName, responsePayload(resp, m.ID)); err != nil {
		return nil, err
	}

	if resp.IsRetry() {
		target, feedback := retryDirective(m, resp.CustomValue)
		return x.Retry(ctx, r, def, target, feedback)
	}

	impl, err := x.registry.Get(m.ID)
	if err != nil {
		return nil, err
	}
	interactive, ok := impl.(module.Interactive)
	if !ok {
		return x.haltRun(ctx, r, step.ID, pending.ModuleName,
			fmt.Errorf("module %q cannot consume an interaction response", m.ID))
	}

	st, err := x.deriver.ModuleOutputs(ctx, r.ID, r.BranchID)
	if err != nil {
		return nil, fmt.Errorf("derive state: %w", err)
	}

	// Prefer the inputs resolved at suspension time; re-resolve only when the
	// stored request predates input embedding.
	resolved, _ := pending.Data["_resolved_inputs"].(map[string]any)
	if resolved == nil {
		resolved, _, err = x.resolveInputs(ctx, m, def, step, st)
		if err != nil {
			return x.haltRun(ctx, r, step.ID, pending.ModuleName, err)
		}
	}

	mctx := x.moduleContext(ctx, r, def, step, pending.ModuleName, st)
	proc, err := x.resolveAddons(ctx, m, def, step, st)
	if err != nil {
		return x.haltRun(ctx, r, step.ID, pending.ModuleName, err)
	}
	mctx.Addons = proc

	r.Status = run.StatusProcessing
	if err := x.runs.Update(ctx, r); err != nil {
		return nil, fmt.Errorf("update run: %w", err)
	}

	outputs, err := interactive.ExecuteWithResponse(ctx, resolved, mctx, resp)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return x.recordModuleError(ctx, r, step.ID, pending.ModuleName, err)
	}

	// Navigation flags surface only through interactive returns; the resume
	// loop never sees them.
	if truthy(outputs["retry_requested"]) {
		feedback, _ := outputs["feedback"].(string)
		if feedback == "" {
			feedback = resp.CustomValue
		}
		target, feedback := retryDirectiveWith(m, feedback)
		return x.Retry(ctx, r, def, target, feedback)
	}
	if truthy(outputs["jump_back_requested"]) {
		targetStep, targetModule := jumpTarget(m, step)
		return x.Jump(ctx, r, def, targetStep, targetModule)
	}

	if err := x.completeModule(ctx, r, step.ID, pending.ModuleName, m, outputs, st); err != nil {
		return nil, err
	}

	cont := &state.Position{
		CurrentStepID:      step.ID,
		CurrentModuleIndex: mi + 1,
		CompletedSteps:     without(pos.CompletedSteps, step.ID),
	}
	return x.execute(ctx, r, def, cont, nil)
}

// retryDirective derives the retry target and feedback for a module, falling
// back to the module itself and its configured default message.
func retryDirective(m *workflow.Module, customValue string) (string, string) {
	feedback := customValue
	if feedback == "" && m.Retry != nil {
		feedback = m.Retry.DefaultFeedback
	}
	return retryDirectiveWith(m, feedback)
}

func retryDirectiveWith(m *workflow.Module, feedback string) (string, string) {
	target := m.EffectiveName()
	if m.Retry != nil && m.Retry.TargetModule != "" {
		target = m.Retry.TargetModule
	}
	return target, feedback
}

// jumpTarget derives the jump destination, defaulting to the module's own
// step when no jump configuration is present.
func jumpTarget(m *workflow.Module, step *workflow.Step) (string, string) {
	targetStep := step.ID
	targetModule := m.EffectiveName()
	if m.Jump != nil {
		if m.Jump.TargetStepID != "" {
			targetStep = m.Jump.TargetStepID
		}
		if m.Jump.TargetModule != "" {
			targetModule = m.Jump.TargetModule
		}
	}
	return targetStep, targetModule
}

func responsePayload(resp *module.Response, moduleID string) map[string]any {
	p := map[string]any{"interaction_id": resp.InteractionID}
	if moduleID != "" {
		p["module_id"] = moduleID
	}
	if len(resp.SelectedOptions) > 0 {
		opts := make([]any, len(resp.SelectedOptions))
		for i, o := range resp.SelectedOptions {
			m := map[string]any{"id": o.ID, "label": o.Label}
			if len(o.Metadata) > 0 {
				m["metadata"] = o.Metadata
			}
			opts[i] = m
		}
		p["selected_options"] = opts
	}
	if resp.CustomValue != "" {
		p["custom_value"] = resp.CustomValue
	}
	if len(resp.Data) > 0 {
		p["data"] = resp.Data
	}
	return p
}

func truthy(v any) bool {
	b, ok := v.(bool)
	return ok && b
}

func without(ids []string, drop string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != drop {
			out = append(out, id)
		}
	}
	return out
}
