// Package executor advances runs through their workflow definitions. The
// executor is deterministic given the event log: it derives its starting
// position, executes modules in order, persists every effect as an event,
// and suspends when an interactive module requests input. The interaction
// handler, navigator, and recovery pass in this package compose the same
// loop with branch-graph writes.
package executor

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
	"github.com/loomworks/loom/runtime/telemetry"
	"github.com/loomworks/loom/runtime/workflow"
)

type (
	// Executor runs workflow definitions against the event-sourced state
	// model.
	Executor struct {
		events   event.Store
		branches branch.Store
		runs     run.Store
		deriver  *state.Deriver
		registry *module.Registry
		resolver resolver.Resolver
		ids      *ids.Generator
		logger   telemetry.Logger
		metrics  telemetry.Metrics
	}

	// Options configures an Executor. Events, Branches, Runs, Deriver, and
	// Registry are required.
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
		// Metrics defaults to the noop recorder.
		Metrics telemetry.Metrics
	}
)

// New builds an Executor.
func New(opts Options) (*Executor, error) {
	if opts.Events == nil || opts.Branches == nil || opts.Runs == nil {
		return nil, errors.New("event, branch, and run stores are required")
	}
	if opts.Deriver == nil {
		return nil, errors.New("state deriver is required")
	}
	if opts.Registry == nil {
		return nil, errors.New("module registry is required")
	}
	x := &Executor{
		events:   opts.Events,
		branches: opts.Branches,
		runs:     opts.Runs,
		deriver:  opts.Deriver,
		registry: opts.Registry,
		resolver: opts.Resolver,
		ids:      opts.IDs,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
	}
	if x.resolver == nil {
		x.resolver = resolver.NewTemplate()
	}
	if x.ids == nil {
		x.ids = ids.NewGenerator()
	}
	if x.logger == nil {
		x.logger = telemetry.NewNoopLogger()
	}
	if x.metrics == nil {
		x.metrics = telemetry.NewNoopMetrics()
	}
	return x, nil
}

// Deriver exposes the state deriver for read paths.
func (x *Executor) Deriver() *state.Deriver { return x.deriver }

// ExecuteFromPosition advances the run from the given derived position until
// the workflow completes, a module fails, or an interactive module suspends.
func (x *Executor) ExecuteFromPosition(ctx context.Context, r *run.Run, def *workflow.Definition, pos *state.Position) (*Outcome, error) {
	return x.execute(ctx, r, def, pos, nil)
}

// execute is the resume loop. overlay holds in-memory-only state injected by
// the navigator (retry conversation and feedback); it is never persisted.
func (x *Executor) execute(ctx context.Context, r *run.Run, def *workflow.Definition, pos *state.Position, overlay map[string]any) (*Outcome, error) {
	// Seed the id generator so new ids sort after everything on the log.
	if last, err := x.events.Latest(ctx, r.ID); err == nil {
		x.ids.Observe(r.ID, last.ID)
	}

	st, err := x.deriver.ModuleOutputs(ctx, r.ID, r.BranchID)
	if err != nil {
		return nil, fmt.Errorf("derive state: %w", err)
	}
	for k, v := range overlay {
		st[k] = v
	}

	completed := make(map[string]struct{}, len(pos.CompletedSteps))
	for _, id := range pos.CompletedSteps {
		completed[id] = struct{}{}
	}

	startIdx := 0
	if pos.CurrentStepID != "" {
		if i := def.StepIndex(pos.CurrentStepID); i >= 0 {
			startIdx = i
		}
	} else {
		for i := range def.Steps {
			if _, done := completed[def.Steps[i].ID]; !done {
				startIdx = i
				break
			}
		}
	}

	for si := startIdx; si < len(def.Steps); si++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		step := &def.Steps[si]
		resuming := si == startIdx && pos.CurrentStepID == step.ID
		if _, done := completed[step.ID]; done && !resuming {
			continue
		}

		r.Status = run.StatusProcessing
		r.CurrentStepID = step.ID
		r.CurrentStepName = step.DisplayName(si + 1)
		if err := x.runs.Update(ctx, r); err != nil {
			return nil, fmt.Errorf("update run: %w", err)
		}
		if !resuming {
			if _, err := x.appendEvent(ctx, r, event.TypeStepStarted, step.ID, "", nil); err != nil {
				return nil, err
			}
		}

		moduleStart := 0
		if resuming {
			moduleStart = pos.CurrentModuleIndex
		}
		outcome, err := x.runModules(ctx, r, def, step, moduleStart, st)
		if err != nil {
			return nil, err
		}
		if outcome != nil {
			return outcome, nil
		}

		if _, err := x.appendEvent(ctx, r, event.TypeStepCompleted, step.ID, "", nil); err != nil {
			return nil, err
		}
		completed[step.ID] = struct{}{}
	}

	now := time.Now().UTC()
	r.Status = run.StatusCompleted
	r.CurrentModule = ""
	r.CompletedAt = &now
	if err := x.runs.Update(ctx, r); err != nil {
		return nil, fmt.Errorf("update run: %w", err)
	}
	if _, err := x.appendEvent(ctx, r, event.TypeWorkflowCompleted, "", "", map[string]any{"final_state": st}); err != nil {
		return nil, err
	}
	x.logger.Info(ctx, "workflow completed", "run_id", r.ID)
	return Completed(st), nil
}

// runModules executes the step's modules from index. A nil outcome with nil
// error means every module completed and the step may be closed.
func (x *Executor) runModules(ctx context.Context, r *run.Run, def *workflow.Definition, step *workflow.Step, from int, st map[string]any) (*Outcome, error) {
	for mi := from; mi < len(step.Modules); mi++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		m := &step.Modules[mi]
		name := m.EffectiveName()

		impl, err := x.registry.Get(m.ID)
		if err != nil {
			return x.haltRun(ctx, r, step.ID, name, err)
		}

		resolved, resolverSchema, err := x.resolveInputs(ctx, m, def, step, st)
		if err != nil {
			return x.haltRun(ctx, r, step.ID, name, err)
		}
		if err := module.ValidateInputs(impl.InputsSchema(), resolved); err != nil {
			return x.haltRun(ctx, r, step.ID, name, err)
		}

		if _, err := x.appendEvent(ctx, r, event.TypeModuleStarted, step.ID, name, map[string]any{"module_id": m.ID}); err != nil {
			return nil, err
		}
		r.CurrentModule = name
		if err := x.runs.Update(ctx, r); err != nil {
			return nil, fmt.Errorf("update run: %w", err)
		}

		mctx := x.moduleContext(ctx, r, def, step, name, st)

		if interactive, ok := impl.(module.Interactive); ok {
			outcome, err := x.suspendOnInteraction(ctx, r, def, step, m, interactive, resolved, resolverSchema, mctx)
			if err != nil {
				return nil, err
			}
			return outcome, nil
		}

		started := time.Now()
		outputs, err := impl.Execute(ctx, resolved, mctx)
		x.metrics.RecordTimer("loom.module.execute", time.Since(started), "module_id", m.ID)
		if err != nil {
			if ctx.Err() != nil {
				// Cancellation leaves the log consistent: no completion and
				// no error event for the aborted work.
				return nil, ctx.Err()
			}
			return x.recordModuleError(ctx, r, step.ID, name, err)
		}

		if err := x.completeModule(ctx, r, step.ID, name, m, outputs, st); err != nil {
			return nil, err
		}
	}
	return nil, nil
}

// suspendOnInteraction runs the interactive half-step: addon attachment,
// request construction, and the suspension event.
func (x *Executor) suspendOnInteraction(ctx context.Context, r *run.Run, def *workflow.Definition, step *workflow.Step, m *workflow.Module, interactive module.Interactive, resolved, resolverSchema map[string]any, mctx *module.Context) (*Outcome, error) {
	proc, err := x.resolveAddons(ctx, m, def, step, mctx.State)
	if err != nil {
		return x.haltRun(ctx, r, step.ID, mctx.ModuleName, err)
	}
	mctx.Addons = proc

	req, err := interactive.GetInteractionRequest(ctx, resolved, mctx)
	if err != nil {
		return x.recordModuleError(ctx, r, step.ID, mctx.ModuleName, err)
	}
	if req.InteractionID == "" {
		req.InteractionID = ids.NewInteractionID()
	}
	req.ModuleID = m.ID
	req.ResolvedInputs = resolved
	if resolverSchema != nil {
		req.ResolverSchema = resolverSchema
	}

	if _, err := x.appendEvent(ctx, r, event.TypeInteractionRequested, step.ID, mctx.ModuleName, req.Payload()); err != nil {
		return nil, err
	}
	r.Status = run.StatusAwaitingInput
	if err := x.runs.Update(ctx, r); err != nil {
		return nil, fmt.Errorf("update run: %w", err)
	}
	x.logger.Info(ctx, "run awaiting input",
		"run_id", r.ID, "step_id", step.ID, "module", mctx.ModuleName, "interaction_id", req.InteractionID)
	return AwaitingInput(req, step.ID, mctx.ModuleName), nil
}

// completeModule projects outputs into state and appends module_completed.
func (x *Executor) completeModule(ctx context.Context, r *run.Run, stepID, name string, m *workflow.Module, outputs, st map[string]any) error {
	mapped := workflow.ProjectOutputs(outputs, m.OutputsToState)
	data := make(map[string]any, len(outputs)+1)
	for k, v := range outputs {
		data[k] = v
	}
	data[event.StateMappedKey] = mapped
	if _, err := x.appendEvent(ctx, r, event.TypeModuleCompleted, stepID, name, data); err != nil {
		return err
	}
	for k, v := range mapped {
		st[k] = v
	}
	st[name] = outputs
	return nil
}

// resolveInputs resolves a module's raw inputs, capturing any resolver
// schema the raw tree declares for later UI use.
func (x *Executor) resolveInputs(ctx context.Context, m *workflow.Module, def *workflow.Definition, step *workflow.Step, st map[string]any) (map[string]any, map[string]any, error) {
	raw := m.Inputs
	var resolverSchema map[string]any
	if rs, ok := raw["resolver_schema"].(map[string]any); ok {
		resolverSchema = rs
		trimmed := make(map[string]any, len(raw)-1)
		for k, v := range raw {
			if k != "resolver_schema" {
				trimmed[k] = v
			}
		}
		raw = trimmed
	}
	if raw == nil {
		raw = map[string]any{}
	}
	resolved, err := x.resolver.Resolve(ctx, raw, resolver.Snapshot{
		State:          st,
		StepConfig:     step.Config,
		WorkflowConfig: def.Config,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("resolve inputs: %w", err)
	}
	return resolved, resolverSchema, nil
}

// resolveAddons resolves each declared addon's inputs against current state
// and wraps them into the processor attached before interactive execution.
func (x *Executor) resolveAddons(ctx context.Context, m *workflow.Module, def *workflow.Definition, step *workflow.Step, st map[string]any) (*module.AddonProcessor, error) {
	if len(m.Addons) == 0 {
		return nil, nil
	}
	resolved := make([]map[string]any, 0, len(m.Addons))
	for _, addon := range m.Addons {
		ra, err := x.resolver.Resolve(ctx, addon, resolver.Snapshot{
			State:          st,
			StepConfig:     step.Config,
			WorkflowConfig: def.Config,
		})
		if err != nil {
			return nil, fmt.Errorf("resolve addon inputs: %w", err)
		}
		resolved = append(resolved, ra)
	}
	return &module.AddonProcessor{Resolved: resolved}, nil
}

func (x *Executor) moduleContext(ctx context.Context, r *run.Run, def *workflow.Definition, step *workflow.Step, name string, st map[string]any) *module.Context {
	return &module.Context{
		RunID:          r.ID,
		BranchID:       r.BranchID,
		StepID:         step.ID,
		ModuleName:     name,
		State:          st,
		WorkflowConfig: def.Config,
		StepConfig:     step.Config,
		AIConfig:       r.AIConfig,
		Progress:       progressFrom(ctx),
		Logger:         x.logger,
	}
}

// recordModuleError appends module_error and halts the run.
func (x *Executor) recordModuleError(ctx context.Context, r *run.Run, stepID, name string, cause error) (*Outcome, error) {
	msg := sanitizeError(cause)
	if _, err := x.appendEvent(ctx, r, event.TypeModuleError, stepID, name, map[string]any{"error": msg}); err != nil {
		return nil, err
	}
	return x.haltRun(ctx, r, stepID, name, cause)
}

// haltRun flips the run to error status without logging an event. Used for
// failures that precede module execution (missing module, resolution,
// validation) and as the tail of recordModuleError.
func (x *Executor) haltRun(ctx context.Context, r *run.Run, stepID, name string, cause error) (*Outcome, error) {
	msg := sanitizeError(cause)
	r.Status = run.StatusError
	if err := x.runs.Update(ctx, r); err != nil {
		return nil, fmt.Errorf("update run: %w", err)
	}
	x.logger.Error(ctx, "module failed", "run_id", r.ID, "step_id", stepID, "module", name, "error", msg)
	x.metrics.IncCounter("loom.module.errors", 1, "module", name)
	return Failed(msg, stepID, name), nil
}

func (x *Executor) appendEvent(ctx context.Context, r *run.Run, t event.Type, stepID, moduleName string, data map[string]any) (*event.Event, error) {
	e := &event.Event{
		ID:                x.ids.EventID(r.ID),
		RunID:             r.ID,
		BranchID:          r.BranchID,
		WorkflowVersionID: r.WorkflowVersionID,
		Type:              t,
		StepID:            stepID,
		ModuleName:        moduleName,
		Data:              data,
		Timestamp:         time.Now().UTC(),
	}
	if err := x.events.Append(ctx, e); err != nil {
		return nil, fmt.Errorf("append %s event: %w", t, err)
	}
	x.metrics.IncCounter("loom.events.appended", 1, "type", string(t))
	return e, nil
}
