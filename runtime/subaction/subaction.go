// Package subaction runs nested, non-interactive operations launched from
// inside a pending interaction. A sub-action never ends the parent
// interaction: it contributes exactly one sub_action_completed event to the
// parent log and the interaction stays pending until the user responds.
package subaction

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/loomworks/loom/runtime/branch"
	"github.com/loomworks/loom/runtime/event"
	"github.com/loomworks/loom/runtime/ids"
	"github.com/loomworks/loom/runtime/module"
	"github.com/loomworks/loom/runtime/resolver"
	"github.com/loomworks/loom/runtime/run"
	"github.com/loomworks/loom/runtime/state"
	"github.com/loomworks/loom/runtime/stream"
	"github.com/loomworks/loom/runtime/telemetry"
	"github.com/loomworks/loom/runtime/workflow"
)

type (
	// Runner executes sub-actions declared on interactive modules.
	Runner struct {
		events   event.Store
		branches branch.Store
		runs     run.Store
		deriver  *state.Deriver
		registry *module.Registry
		resolver resolver.Resolver
		ids      *ids.Generator
		logger   telemetry.Logger
	}

	// Options configures a Runner. All stores, the deriver, and the registry
	// are required.
	Options struct {
		Events   event.Store
		Branches branch.Store
		Runs     run.Store
		Deriver  *state.Deriver
		Registry *module.Registry
		// Resolver defaults to the built-in template resolver.
		Resolver resolver.Resolver
		// IDs defaults to a fresh generator.
		IDs *ids.Generator
		// Logger defaults to the noop logger.
		Logger telemetry.Logger
	}
)

// NewRunner builds a Runner.
func NewRunner(opts Options) (*Runner, error) {
	if opts.Events == nil || opts.Branches == nil || opts.Runs == nil {
		return nil, errors.New("event, branch, and run stores are required")
	}
	if opts.Deriver == nil {
		return nil, errors.New("state deriver is required")
	}
	if opts.Registry == nil {
		return nil, errors.New("module registry is required")
	}
	r := &Runner{
		events:   opts.Events,
		branches: opts.Branches,
		runs:     opts.Runs,
		deriver:  opts.Deriver,
		registry: opts.Registry,
		resolver: opts.Resolver,
		ids:      opts.IDs,
		logger:   opts.Logger,
	}
	if r.resolver == nil {
		r.resolver = resolver.NewTemplate()
	}
	if r.ids == nil {
		r.ids = ids.NewGenerator()
	}
	if r.logger == nil {
		r.logger = telemetry.NewNoopLogger()
	}
	return r, nil
}

// Execute runs the identified sub-action and returns its event stream. The
// channel closes after the terminal event. The parent interaction remains
// pending throughout.
func (r *Runner) Execute(ctx context.Context, parent *run.Run, def *workflow.Definition, interactionID, subActionID string, params map[string]any) <-chan *stream.Event {
	out := make(chan *stream.Event, 16)
	go func() {
		defer close(out)
		r.drive(ctx, parent, def, interactionID, subActionID, params, out)
	}()
	return out
}

func (r *Runner) drive(ctx context.Context, parent *run.Run, def *workflow.Definition, interactionID, subActionID string, params map[string]any, out chan<- *stream.Event) {
	execID := ids.NewExecutionID()

	reqEvent, err := r.findInteraction(ctx, parent, interactionID)
	if err != nil {
		emitError(out, parent.ID, err)
		return
	}
	_, m, _, err := def.FindModule(reqEvent.StepID, reqEvent.ModuleName)
	if err != nil {
		emitError(out, parent.ID, err)
		return
	}
	spec := findSubAction(m, subActionID)
	if spec == nil {
		emitError(out, parent.ID, fmt.Errorf("sub-action %q not declared on module %q", subActionID, m.EffectiveName()))
		return
	}

	if last, err := r.events.Latest(ctx, parent.ID); err == nil {
		r.ids.Observe(parent.ID, last.ID)
	}
	if err := r.appendParent(ctx, parent, event.TypeSubActionStarted, reqEvent.StepID, reqEvent.ModuleName, map[string]any{
		"execution_id":   execID,
		"sub_action_id":  subActionID,
		"interaction_id": interactionID,
		"params":         params,
	}); err != nil {
		emitError(out, parent.ID, err)
		return
	}

	label := spec.LoadingLabel
	if label == "" {
		label = "Working"
	}
	started := time.Now()
	emitProgress(out, parent.ID, started, label)

	parentState, err := r.deriver.ModuleOutputs(ctx, parent.ID, parent.BranchID)
	if err != nil {
		r.fail(ctx, parent, reqEvent, execID, subActionID, err, out)
		return
	}
	if spec.Feedback != nil && spec.Feedback.StateKey != "" {
		if fb, _ := params["feedback"].(string); fb != "" {
			parentState[spec.Feedback.StateKey] = fb
		}
	}

	var (
		childState map[string]any
		childRunID string
	)
	if isSelf(spec) {
		childState, err = r.runSelf(ctx, parent, def, reqEvent, m, parentState, params, started, out)
	} else {
		childState, childRunID, err = r.runTarget(ctx, parent, def, spec, parentState, started, out)
	}
	if err != nil {
		if ctx.Err() != nil {
			out <- &stream.Event{Type: stream.TypeCancelled, Data: map[string]any{"run": parent.ID, "reason": "cancelled"}}
			return
		}
		r.fail(ctx, parent, reqEvent, execID, subActionID, err, out)
		return
	}

	mapped := applyResultMapping(parentState, childState, spec.ResultMapping)

	data := map[string]any{
		"execution_id":       execID,
		"sub_action_id":      subActionID,
		"child_state":        childState,
		event.StateMappedKey: mapped,
	}
	if childRunID != "" {
		data["child_workflow_id"] = childRunID
	}
	if err := r.appendParent(ctx, parent, event.TypeSubActionCompleted, reqEvent.StepID, reqEvent.ModuleName, data); err != nil {
		emitError(out, parent.ID, err)
		return
	}

	r.logger.Info(ctx, "sub-action completed",
		"run_id", parent.ID, "sub_action_id", subActionID, "execution_id", execID)
	out <- &stream.Event{Type: stream.TypeComplete, Data: map[string]any{
		"execution_id":      execID,
		"updated_state":     mapped,
		"sub_action_result": childState,
	}}
}

// runSelf drives the module's own sub-action generator.
func (r *Runner) runSelf(ctx context.Context, parent *run.Run, def *workflow.Definition, reqEvent *event.Event, m *workflow.Module, parentState, params map[string]any, started time.Time, out chan<- *stream.Event) (map[string]any, error) {
	impl, err := r.registry.Get(m.ID)
	if err != nil {
		return nil, err
	}
	actor, ok := impl.(module.SelfSubActor)
	if !ok {
		return nil, fmt.Errorf("module %q does not drive its own sub-actions", m.ID)
	}
	step, _ := def.Step(reqEvent.StepID)
	mctx := &module.Context{
		RunID:          parent.ID,
		BranchID:       parent.BranchID,
		StepID:         reqEvent.StepID,
		ModuleName:     reqEvent.ModuleName,
		State:          parentState,
		WorkflowConfig: def.Config,
		AIConfig:       parent.AIConfig,
		Logger:         r.logger,
	}
	if step != nil {
		mctx.StepConfig = step.Config
	}

	events, err := actor.SubAction(ctx, mctx, params)
	if err != nil {
		return nil, err
	}
	var result map[string]any
	for ev := range events {
		switch ev.Kind {
		case "progress":
			msg, _ := ev.Data["message"].(string)
			emitProgress(out, parent.ID, started, msg)
		case "result":
			result = ev.Data
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if result == nil {
		return nil, errors.New("sub-action generator ended without a result")
	}
	return result, nil
}

// runTarget executes the action list as one synthetic step on a hidden child
// run seeded with the parent's state.
func (r *Runner) runTarget(ctx context.Context, parent *run.Run, def *workflow.Definition, spec *workflow.SubActionSpec, parentState map[string]any, started time.Time, out chan<- *stream.Event) (map[string]any, string, error) {
	modules := make([]*workflow.Module, 0, len(spec.Actions))
	for i := range spec.Actions {
		m, err := resolveAction(def, &spec.Actions[i])
		if err != nil {
			return nil, "", err
		}
		impl, err := r.registry.Get(m.ID)
		if err != nil {
			return nil, "", err
		}
		if _, interactive := impl.(module.Interactive); interactive {
			return nil, "", fmt.Errorf("module %q is interactive and cannot run as a sub-action", m.ID)
		}
		modules = append(modules, m)
	}

	child := &run.Run{
		ID:                ids.NewRunID(),
		UserID:            parent.UserID,
		ProjectName:       parent.ProjectName,
		TemplateName:      parent.TemplateName,
		TemplateID:        parent.TemplateID,
		WorkflowVersionID: parent.WorkflowVersionID,
		Status:            run.StatusProcessing,
		Visible:           false,
		AIConfig:          parent.AIConfig,
	}
	root, err := r.branches.CreateRoot(ctx, child.ID)
	if err != nil {
		return nil, "", fmt.Errorf("create child branch: %w", err)
	}
	child.BranchID = root.ID
	if err := r.runs.Create(ctx, child); err != nil {
		return nil, "", fmt.Errorf("create child run: %w", err)
	}

	const stepID = "sub_action"
	if err := r.appendChild(ctx, child, event.TypeWorkflowCreated, "", "", nil); err != nil {
		return nil, "", err
	}
	if err := r.appendChild(ctx, child, event.TypeStepStarted, stepID, "", nil); err != nil {
		return nil, "", err
	}

	childState := make(map[string]any, len(parentState))
	for k, v := range parentState {
		childState[k] = v
	}

	for _, m := range modules {
		if err := ctx.Err(); err != nil {
			return nil, "", err
		}
		name := m.EffectiveName()
		impl, err := r.registry.Get(m.ID)
		if err != nil {
			return nil, "", err
		}
		resolved, err := r.resolver.Resolve(ctx, m.Inputs, resolver.Snapshot{
			State:          childState,
			WorkflowConfig: def.Config,
		})
		if err != nil {
			return nil, "", fmt.Errorf("resolve sub-action inputs: %w", err)
		}
		if err := module.ValidateInputs(impl.InputsSchema(), resolved); err != nil {
			return nil, "", err
		}
		if err := r.appendChild(ctx, child, event.TypeModuleStarted, stepID, name, map[string]any{"module_id": m.ID}); err != nil {
			return nil, "", err
		}

		mctx := &module.Context{
			RunID:          child.ID,
			BranchID:       child.BranchID,
			StepID:         stepID,
			ModuleName:     name,
			State:          childState,
			WorkflowConfig: def.Config,
			AIConfig:       child.AIConfig,
			Progress:       func(msg string) { emitProgress(out, parent.ID, started, msg) },
			Logger:         r.logger,
		}
		outputs, err := impl.Execute(ctx, resolved, mctx)
		if err != nil {
			if ctx.Err() == nil {
				_ = r.appendChild(ctx, child, event.TypeModuleError, stepID, name, map[string]any{"error": err.Error()})
				child.Status = run.StatusError
				_ = r.runs.Update(ctx, child)
			}
			return nil, "", err
		}

		mapped := workflow.ProjectOutputs(outputs, m.OutputsToState)
		data := make(map[string]any, len(outputs)+1)
		for k, v := range outputs {
			data[k] = v
		}
		data[event.StateMappedKey] = mapped
		if err := r.appendChild(ctx, child, event.TypeModuleCompleted, stepID, name, data); err != nil {
			return nil, "", err
		}
		for k, v := range mapped {
			childState[k] = v
		}
		childState[name] = outputs
	}

	if err := r.appendChild(ctx, child, event.TypeStepCompleted, stepID, "", nil); err != nil {
		return nil, "", err
	}
	now := time.Now().UTC()
	child.Status = run.StatusCompleted
	child.CompletedAt = &now
	if err := r.runs.Update(ctx, child); err != nil {
		return nil, "", err
	}
	if err := r.appendChild(ctx, child, event.TypeWorkflowCompleted, "", "", map[string]any{"final_state": childState}); err != nil {
		return nil, "", err
	}
	return childState, child.ID, nil
}

// fail records sub_action_failed on the parent and emits the error.
func (r *Runner) fail(ctx context.Context, parent *run.Run, reqEvent *event.Event, execID, subActionID string, cause error, out chan<- *stream.Event) {
	_ = r.appendParent(ctx, parent, event.TypeSubActionFailed, reqEvent.StepID, reqEvent.ModuleName, map[string]any{
		"execution_id":  execID,
		"sub_action_id": subActionID,
		"error":         cause.Error(),
	})
	r.logger.Error(ctx, "sub-action failed",
		"run_id", parent.ID, "sub_action_id", subActionID, "error", cause.Error())
	emitError(out, parent.ID, cause)
}

func (r *Runner) findInteraction(ctx context.Context, parent *run.Run, interactionID string) (*event.Event, error) {
	evts, err := r.deriver.LineageEvents(ctx, parent.ID, parent.BranchID, event.TypeInteractionRequested)
	if err != nil {
		return nil, err
	}
	for i := len(evts) - 1; i >= 0; i-- {
		if id, _ := evts[i].Data["interaction_id"].(string); id == interactionID {
			return evts[i], nil
		}
	}
	return nil, fmt.Errorf("interaction %q: %w", interactionID, event.ErrNotFound)
}

func (r *Runner) appendParent(ctx context.Context, parent *run.Run, t event.Type, stepID, moduleName string, data map[string]any) error {
	return r.append(ctx, parent, t, stepID, moduleName, data)
}

func (r *Runner) appendChild(ctx context.Context, child *run.Run, t event.Type, stepID, moduleName string, data map[string]any) error {
	return r.append(ctx, child, t, stepID, moduleName, data)
}

func (r *Runner) append(ctx context.Context, target *run.Run, t event.Type, stepID, moduleName string, data map[string]any) error {
	e := &event.Event{
		ID:                r.ids.EventID(target.ID),
		RunID:             target.ID,
		BranchID:          target.BranchID,
		WorkflowVersionID: target.WorkflowVersionID,
		Type:              t,
		StepID:            stepID,
		ModuleName:        moduleName,
		Data:              data,
		Timestamp:         time.Now().UTC(),
	}
	if err := r.events.Append(ctx, e); err != nil {
		return fmt.Errorf("append %s event: %w", t, err)
	}
	return nil
}

// resolveAction merges an action's ref clone, inline fields, and overrides
// into a full module config. Overrides merge last.
func resolveAction(def *workflow.Definition, a *workflow.ActionSpec) (*workflow.Module, error) {
	m := &workflow.Module{}
	if a.Ref != nil {
		_, base, _, err := def.FindModule(a.Ref.StepID, a.Ref.ModuleName)
		if err != nil {
			return nil, err
		}
		m.ID = base.ID
		m.Name = base.Name
		m.Inputs = workflow.DeepMerge(nil, base.Inputs)
		m.OutputsToState = workflow.DeepMerge(nil, base.OutputsToState)
	}
	if a.ModuleID != "" {
		m.ID = a.ModuleID
	}
	if a.Name != "" {
		m.Name = a.Name
	}
	if len(a.Inputs) > 0 {
		m.Inputs = workflow.DeepMerge(m.Inputs, a.Inputs)
	}
	if len(a.OutputsToState) > 0 {
		m.OutputsToState = workflow.DeepMerge(m.OutputsToState, a.OutputsToState)
	}
	if len(a.Overrides) > 0 {
		m.Inputs = workflow.DeepMerge(m.Inputs, a.Overrides)
	}
	if m.ID == "" {
		return nil, errors.New("sub-action item names no module")
	}
	return m, nil
}

// applyResultMapping projects child state back into the parent. replace sets
// the child value at target; merge concatenates the parent's existing array
// with the child's, parent first.
func applyResultMapping(parentState, childState map[string]any, mappings []workflow.ResultMapping) map[string]any {
	out := make(map[string]any)
	for _, m := range mappings {
		value, ok := workflow.GetPath(childState, m.Source)
		if !ok {
			continue
		}
		if m.Mode == "merge" {
			parentArr := toSlice(valueAt(parentState, m.Target))
			childArr := toSlice(value)
			merged := make([]any, 0, len(parentArr)+len(childArr))
			merged = append(merged, parentArr...)
			merged = append(merged, childArr...)
			workflow.SetPath(out, m.Target, merged)
			continue
		}
		workflow.SetPath(out, m.Target, value)
	}
	return out
}

func valueAt(root map[string]any, path string) any {
	v, _ := workflow.GetPath(root, path)
	return v
}

func toSlice(v any) []any {
	switch tv := v.(type) {
	case []any:
		return tv
	case nil:
		return nil
	default:
		return []any{tv}
	}
}

func findSubAction(m *workflow.Module, id string) *workflow.SubActionSpec {
	for i := range m.SubActions {
		if m.SubActions[i].ID == id {
			return &m.SubActions[i]
		}
	}
	return nil
}

func isSelf(spec *workflow.SubActionSpec) bool {
	if len(spec.Actions) == 0 {
		return true
	}
	for i := range spec.Actions {
		if !spec.Actions[i].IsSelf() {
			return false
		}
	}
	return true
}

func emitProgress(out chan<- *stream.Event, runID string, started time.Time, message string) {
	out <- &stream.Event{Type: stream.TypeProgress, Data: map[string]any{
		"run":        runID,
		"elapsed_ms": time.Since(started).Milliseconds(),
		"message":    message,
	}}
}

func emitError(out chan<- *stream.Event, runID string, err error) {
	out <- &stream.Event{Type: stream.TypeError, Data: map[string]any{
		"run":     runID,
		"message": err.Error(),
	}}
}
