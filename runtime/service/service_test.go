package service_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	branchinmem "github.com/loomworks/loom/runtime/branch/inmem"
	"github.com/loomworks/loom/runtime/event"
	eventinmem "github.com/loomworks/loom/runtime/event/inmem"
	"github.com/loomworks/loom/runtime/executor"
	"github.com/loomworks/loom/runtime/module"
	"github.com/loomworks/loom/runtime/run"
	runinmem "github.com/loomworks/loom/runtime/run/inmem"
	"github.com/loomworks/loom/runtime/service"
	"github.com/loomworks/loom/runtime/state"
	"github.com/loomworks/loom/runtime/subaction"
	"github.com/loomworks/loom/runtime/usage"
	usageinmem "github.com/loomworks/loom/runtime/usage/inmem"
	"github.com/loomworks/loom/runtime/version"
	versioninmem "github.com/loomworks/loom/runtime/version/inmem"
)

type fix struct {
	events   *eventinmem.Store
	branches *branchinmem.Store
	runs     *runinmem.Store
	versions *versioninmem.Store
	usage    *usageinmem.Store
	manager  *version.Manager
	svc      *service.Service
}

func newFix(t *testing.T, mods ...module.Executable) *fix {
	t.Helper()
	events := eventinmem.New()
	branches := branchinmem.New()
	runs := runinmem.New()
	versions := versioninmem.New()
	usageStore := usageinmem.New()
	deriver := state.NewDeriver(events, branches)

	reg := module.NewRegistry()
	for _, m := range mods {
		require.NoError(t, reg.Register(m))
	}

	x, err := executor.New(executor.Options{
		Events:   events,
		Branches: branches,
		Runs:     runs,
		Deriver:  deriver,
		Registry: reg,
	})
	require.NoError(t, err)

	sa, err := subaction.NewRunner(subaction.Options{
		Events:   events,
		Branches: branches,
		Runs:     runs,
		Deriver:  deriver,
		Registry: reg,
	})
	require.NoError(t, err)

	mgr, err := version.NewManager(version.ManagerOptions{Store: versions})
	require.NoError(t, err)

	svc, err := service.New(service.Options{
		Runs:       runs,
		Events:     events,
		Branches:   branches,
		Deriver:    deriver,
		Executor:   x,
		Versions:   mgr,
		SubActions: sa,
		Usage:      usageStore,
	})
	require.NoError(t, err)

	return &fix{
		events:   events,
		branches: branches,
		runs:     runs,
		versions: versions,
		usage:    usageStore,
		manager:  mgr,
		svc:      svc,
	}
}

func params(content map[string]any) service.StartParams {
	return service.StartParams{
		UserID:       "u-1",
		ProjectName:  "p-1",
		TemplateName: "article",
		Content:      content,
		SourceType:   version.SourceJSON,
	}
}

// genDef is a single auto-completing module writing "draft" into state.
func genDef() map[string]any {
	return map[string]any{
		"workflow_id": "article",
		"steps": []any{
			map[string]any{"step_id": "step-1", "name": "Draft", "modules": []any{
				map[string]any{
					"module_id":        "test.gen",
					"inputs":           map[string]any{"topic": "go"},
					"outputs_to_state": map[string]any{"response": "draft"},
				},
			}},
		},
	}
}

// pickDef appends an interactive picker after the generator.
func pickDef() map[string]any {
	def := genDef()
	steps := def["steps"].([]any)
	def["steps"] = append(steps, map[string]any{
		"step_id": "step-2", "name": "Pick", "modules": []any{
			map[string]any{
				"module_id":        "test.pick",
				"outputs_to_state": map[string]any{"choice": "choice"},
			},
		},
	})
	return def
}

type fakeModule struct {
	id    string
	calls int
	exec  func(inputs map[string]any, mctx *module.Context) (map[string]any, error)
}

func (m *fakeModule) ID() string                    { return m.id }
func (m *fakeModule) InputsSchema() map[string]any  { return nil }
func (m *fakeModule) OutputsSchema() map[string]any { return nil }

func (m *fakeModule) Execute(_ context.Context, inputs map[string]any, mctx *module.Context) (map[string]any, error) {
	m.calls++
	if m.exec != nil {
		return m.exec(inputs, mctx)
	}
	return map[string]any{"response": "v1"}, nil
}

type fakeInteractive struct {
	fakeModule
}

func (m *fakeInteractive) GetInteractionRequest(context.Context, map[string]any, *module.Context) (*module.InteractionRequest, error) {
	return &module.InteractionRequest{
		Type:    module.InteractionSelection,
		Options: []module.Option{{ID: "opt-1", Label: "Keep"}},
	}, nil
}

func (m *fakeInteractive) ExecuteWithResponse(_ context.Context, _ map[string]any, _ *module.Context, resp *module.Response) (map[string]any, error) {
	choice := ""
	if len(resp.SelectedOptions) > 0 {
		choice = resp.SelectedOptions[0].ID
	}
	return map[string]any{"choice": choice}, nil
}

func newPair(t *testing.T) (*fix, *fakeModule, *fakeInteractive) {
	gen := &fakeModule{id: "test.gen"}
	picker := &fakeInteractive{fakeModule: fakeModule{id: "test.pick"}}
	return newFix(t, gen, picker), gen, picker
}

func TestStartStoresVersionAndExecutes(t *testing.T) {
	f, gen, _ := newPair(t)
	ctx := context.Background()

	res, err := f.svc.Start(ctx, params(genDef()))
	require.NoError(t, err)
	require.False(t, res.RequiresConfirmation)
	require.NotEmpty(t, res.RunID)
	require.Equal(t, run.StatusCompleted, res.Status)
	require.Equal(t, executor.OutcomeCompleted, res.Outcome.Kind)
	require.Equal(t, "v1", res.Outcome.FinalState["draft"])
	require.Equal(t, 1, gen.calls)

	// One source version exists and the run points at it.
	r, err := f.runs.Get(ctx, res.RunID)
	require.NoError(t, err)
	sources, err := f.versions.ListSourceVersions(ctx, r.TemplateID)
	require.NoError(t, err)
	require.Len(t, sources, 1)
	require.Equal(t, sources[0].ID, r.WorkflowVersionID)

	// The creation event opens the log and history records the start.
	evts, err := f.svc.Events(ctx, res.RunID)
	require.NoError(t, err)
	require.Equal(t, event.TypeWorkflowCreated, evts[0].Type)
	require.Equal(t, event.TypeWorkflowCompleted, evts[len(evts)-1].Type)

	hist, err := f.versions.History(ctx, res.RunID)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	require.Equal(t, "start", hist[0].Reason)
}

func TestStartReturnsExistingActiveRun(t *testing.T) {
	f, gen, _ := newPair(t)
	ctx := context.Background()

	first, err := f.svc.Start(ctx, params(pickDef()))
	require.NoError(t, err)
	require.Equal(t, run.StatusAwaitingInput, first.Status)

	second, err := f.svc.Start(ctx, params(pickDef()))
	require.NoError(t, err)
	require.Equal(t, first.RunID, second.RunID)
	require.Equal(t, run.StatusAwaitingInput, second.Status)
	require.Equal(t, 1, gen.calls)
}

func TestStartForceNewSupersedes(t *testing.T) {
	f, _, _ := newPair(t)
	ctx := context.Background()

	first, err := f.svc.Start(ctx, params(pickDef()))
	require.NoError(t, err)

	p := params(pickDef())
	p.ForceNew = true
	second, err := f.svc.Start(ctx, p)
	require.NoError(t, err)
	require.NotEqual(t, first.RunID, second.RunID)

	old, err := f.runs.Get(ctx, first.RunID)
	require.NoError(t, err)
	require.False(t, old.Visible)
	require.True(t, old.Status.Terminal())

	check, err := f.svc.Check(ctx, "u-1", "article", "p-1")
	require.NoError(t, err)
	require.Equal(t, second.RunID, check.RunID)
}

func TestStartDivergentContentRequiresConfirmation(t *testing.T) {
	f, _, _ := newPair(t)
	ctx := context.Background()

	_, err := f.svc.Start(ctx, params(genDef()))
	require.NoError(t, err)

	changed := genDef()
	changed["config"] = map[string]any{"language": "de"}
	res, err := f.svc.Start(ctx, params(changed))
	require.NoError(t, err)
	require.True(t, res.RequiresConfirmation)
	require.Empty(t, res.RunID)
	require.NotEqual(t, res.OldHash, res.NewHash)
	require.True(t, res.VersionDiff.HasChanges)

	var added bool
	for _, c := range res.VersionDiff.Changes {
		if c.Type == "added" && c.Path == "config" {
			added = true
		}
	}
	require.True(t, added, "diff misses the added config block")

	// Nothing was written until the caller confirms.
	tpl, created, err := f.versions.GetOrCreateTemplate(ctx, "article", "u-1")
	require.NoError(t, err)
	require.False(t, created)
	sources, err := f.versions.ListSourceVersions(ctx, tpl.ID)
	require.NoError(t, err)
	require.Len(t, sources, 1)

	confirmed, err := f.svc.StartConfirm(ctx, params(changed))
	require.NoError(t, err)
	require.False(t, confirmed.RequiresConfirmation)
	require.NotEmpty(t, confirmed.RunID)

	sources, err = f.versions.ListSourceVersions(ctx, tpl.ID)
	require.NoError(t, err)
	require.Len(t, sources, 2)
}

func TestRespondThroughFacade(t *testing.T) {
	f, _, _ := newPair(t)
	ctx := context.Background()

	res, err := f.svc.Start(ctx, params(pickDef()))
	require.NoError(t, err)
	require.Equal(t, executor.OutcomeAwaitingInput, res.Outcome.Kind)

	done, err := f.svc.Respond(ctx, res.RunID, &module.Response{
		SelectedOptions: []module.Option{{ID: "opt-1", Label: "Keep"}},
	}, nil)
	require.NoError(t, err)
	require.Equal(t, run.StatusCompleted, done.Status)
	require.Equal(t, "opt-1", done.Outcome.FinalState["choice"])

	st, err := f.svc.State(ctx, res.RunID)
	require.NoError(t, err)
	require.Equal(t, "v1", st["draft"])
	require.Equal(t, "opt-1", st["choice"])

	pairs, err := f.svc.InteractionHistory(ctx, res.RunID)
	require.NoError(t, err)
	require.Len(t, pairs, 1)
	require.NotNil(t, pairs[0].Response)
}

func TestResumeKeepsPendingInteraction(t *testing.T) {
	f, gen, _ := newPair(t)
	ctx := context.Background()

	res, err := f.svc.Start(ctx, params(pickDef()))
	require.NoError(t, err)
	intID := res.Outcome.Interaction.InteractionID

	resumed, err := f.svc.Resume(ctx, res.RunID, pickDef(), nil)
	require.NoError(t, err)
	require.False(t, resumed.RequiresConfirmation)
	require.Equal(t, executor.OutcomeAwaitingInput, resumed.Outcome.Kind)
	require.Equal(t, intID, resumed.Outcome.Interaction.InteractionID)
	require.Equal(t, 1, gen.calls, "resume must not re-execute completed modules")
}

func TestResumeDivergentContentConfirmFlow(t *testing.T) {
	f, _, _ := newPair(t)
	ctx := context.Background()

	res, err := f.svc.Start(ctx, params(pickDef()))
	require.NoError(t, err)
	r, err := f.runs.Get(ctx, res.RunID)
	require.NoError(t, err)
	origVersion := r.WorkflowVersionID

	changed := pickDef()
	steps := changed["steps"].([]any)
	steps[0].(map[string]any)["modules"].([]any)[0].(map[string]any)["inputs"] = map[string]any{"topic": "rust"}

	pending, err := f.svc.Resume(ctx, res.RunID, changed, nil)
	require.NoError(t, err)
	require.True(t, pending.RequiresConfirmation)
	require.True(t, pending.VersionDiff.HasChanges)
	require.NotEqual(t, pending.OldHash, pending.NewHash)

	// The run still points at the original version.
	r, err = f.runs.Get(ctx, res.RunID)
	require.NoError(t, err)
	require.Equal(t, origVersion, r.WorkflowVersionID)

	confirmed, err := f.svc.ResumeConfirm(ctx, res.RunID, changed, nil)
	require.NoError(t, err)
	require.Equal(t, executor.OutcomeAwaitingInput, confirmed.Outcome.Kind)

	r, err = f.runs.Get(ctx, res.RunID)
	require.NoError(t, err)
	require.NotEqual(t, origVersion, r.WorkflowVersionID)

	hist, err := f.versions.History(ctx, res.RunID)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	require.Equal(t, "resume", hist[1].Reason)
	require.Equal(t, origVersion, hist[1].PrevVersionID)
	require.Equal(t, r.WorkflowVersionID, hist[1].VersionID)

	sources, err := f.versions.ListSourceVersions(ctx, r.TemplateID)
	require.NoError(t, err)
	require.Len(t, sources, 2)
}

func TestResumeRepairsCachedStatusDrift(t *testing.T) {
	f, _, _ := newPair(t)
	ctx := context.Background()

	res, err := f.svc.Start(ctx, params(genDef()))
	require.NoError(t, err)
	require.Equal(t, run.StatusCompleted, res.Status)

	// Simulate a crash that left the cached status behind the log.
	r, err := f.runs.Get(ctx, res.RunID)
	require.NoError(t, err)
	r.Status = run.StatusProcessing
	require.NoError(t, f.runs.Update(ctx, r))

	resumed, err := f.svc.Resume(ctx, res.RunID, nil, nil)
	require.NoError(t, err)
	require.Equal(t, run.StatusCompleted, resumed.Status)

	evts, err := f.svc.Events(ctx, res.RunID)
	require.NoError(t, err)
	var recovered bool
	for _, e := range evts {
		if e.Type == event.TypeWorkflowRecovered {
			recovered = true
		}
	}
	require.True(t, recovered, "no workflow_recovered event on the log")
}

func TestStartVersionCopiesGlobalIntoHiddenShadow(t *testing.T) {
	f, _, _ := newPair(t)
	ctx := context.Background()

	global, _, err := f.versions.GetOrCreateGlobalTemplate(ctx, "shared-article", "")
	require.NoError(t, err)
	src, _, err := f.manager.ProcessAndStore(ctx, genDef(), "", version.SourceJSON, global.ID)
	require.NoError(t, err)

	res, err := f.svc.StartVersion(ctx, src.ID, service.StartParams{
		UserID:      "u-1",
		ProjectName: "p-1",
	})
	require.NoError(t, err)
	require.Equal(t, run.StatusCompleted, res.Status)

	r, err := f.runs.Get(ctx, res.RunID)
	require.NoError(t, err)
	require.NotEqual(t, global.ID, r.TemplateID, "run must not execute on the global template")

	shadow, err := f.versions.GetTemplate(ctx, r.TemplateID)
	require.NoError(t, err)
	require.Equal(t, version.VisibilityHidden, shadow.Visibility)
	require.Equal(t, global.ID, shadow.DerivedFrom)
	require.Equal(t, "u-1", shadow.UserID)

	// The version tree was copied: the run's version lives in the shadow.
	v, err := f.versions.GetVersion(ctx, r.WorkflowVersionID)
	require.NoError(t, err)
	require.Equal(t, shadow.ID, v.TemplateID)
	require.Equal(t, src.ContentHash, v.ContentHash)

	// A second start reuses the same shadow.
	again, _, err := f.versions.GetOrCreateHiddenTemplate(ctx, global.ID, "u-1")
	require.NoError(t, err)
	require.Equal(t, shadow.ID, again.ID)
}

func TestCheckReportsTriple(t *testing.T) {
	f, _, _ := newPair(t)
	ctx := context.Background()

	check, err := f.svc.Check(ctx, "u-1", "article", "p-1")
	require.NoError(t, err)
	require.False(t, check.Exists)

	res, err := f.svc.Start(ctx, params(pickDef()))
	require.NoError(t, err)

	check, err = f.svc.Check(ctx, "u-1", "article", "p-1")
	require.NoError(t, err)
	require.True(t, check.Exists)
	require.Equal(t, res.RunID, check.RunID)
	require.Equal(t, run.StatusAwaitingInput, check.Status)
	require.Equal(t, "step-2", check.CurrentStep)
}

func TestUsageAggregation(t *testing.T) {
	f, _, _ := newPair(t)
	ctx := context.Background()

	res, err := f.svc.Start(ctx, params(genDef()))
	require.NoError(t, err)

	require.NoError(t, f.usage.Record(ctx, &usage.Record{
		RunID: res.RunID, ModuleName: "test.gen", Provider: "anthropic",
		Model: "claude-sonnet-4-5", PromptTokens: 120, CompletionTokens: 30,
	}))
	require.NoError(t, f.usage.Record(ctx, &usage.Record{
		RunID: res.RunID, ModuleName: "test.gen", Provider: "anthropic",
		Model: "claude-sonnet-4-5", PromptTokens: 80, CompletionTokens: 20,
	}))

	totals, err := f.svc.Usage(ctx, res.RunID)
	require.NoError(t, err)
	require.Equal(t, int64(200), totals.PromptTokens)
	require.Equal(t, int64(50), totals.CompletionTokens)
	require.Equal(t, int64(2), totals.Calls)
	require.Equal(t, int64(250), totals.TotalTokens())
}

func TestDeletePurgesRun(t *testing.T) {
	f, _, _ := newPair(t)
	ctx := context.Background()

	res, err := f.svc.Start(ctx, params(pickDef()))
	require.NoError(t, err)
	require.NoError(t, f.usage.Record(ctx, &usage.Record{RunID: res.RunID, PromptTokens: 10}))

	require.NoError(t, f.svc.Delete(ctx, res.RunID))

	_, err = f.runs.Get(ctx, res.RunID)
	require.ErrorIs(t, err, run.ErrNotFound)

	evts, err := f.events.Query(ctx, res.RunID, event.Filter{}, 0)
	require.NoError(t, err)
	require.Empty(t, evts)

	totals, err := f.usage.TotalsForRun(ctx, res.RunID)
	require.NoError(t, err)
	require.Zero(t, totals.Calls)
}

func TestResetRestartsFromScratch(t *testing.T) {
	f, gen, _ := newPair(t)
	ctx := context.Background()

	res, err := f.svc.Start(ctx, params(pickDef()))
	require.NoError(t, err)
	require.Equal(t, run.StatusAwaitingInput, res.Status)
	before, err := f.runs.Get(ctx, res.RunID)
	require.NoError(t, err)

	require.NoError(t, f.svc.Reset(ctx, res.RunID))

	after, err := f.runs.Get(ctx, res.RunID)
	require.NoError(t, err)
	require.Equal(t, run.StatusCreated, after.Status)
	require.NotEqual(t, before.BranchID, after.BranchID)
	require.Equal(t, before.WorkflowVersionID, after.WorkflowVersionID)

	evts, err := f.svc.Events(ctx, res.RunID)
	require.NoError(t, err)
	require.Len(t, evts, 1)
	require.Equal(t, event.TypeWorkflowCreated, evts[0].Type)
	require.Equal(t, true, evts[0].Data["reset"])

	resumed, err := f.svc.Resume(ctx, res.RunID, nil, nil)
	require.NoError(t, err)
	require.Equal(t, executor.OutcomeAwaitingInput, resumed.Outcome.Kind)
	require.Equal(t, 2, gen.calls)
}

func TestListingsSplitActiveAndAll(t *testing.T) {
	f, _, _ := newPair(t)
	ctx := context.Background()

	done, err := f.svc.Start(ctx, params(genDef()))
	require.NoError(t, err)

	p := params(pickDef())
	p.ProjectName = "p-2"
	pending, err := f.svc.Start(ctx, p)
	require.NoError(t, err)

	active, err := f.svc.ActiveRuns(ctx, "u-1")
	require.NoError(t, err)
	require.Len(t, active, 1)
	require.Equal(t, pending.RunID, active[0].ID)

	all, err := f.svc.AllRuns(ctx, "u-1")
	require.NoError(t, err)
	require.Len(t, all, 2)

	ids := map[string]bool{}
	for _, r := range all {
		ids[r.ID] = true
	}
	require.True(t, ids[done.RunID] && ids[pending.RunID])
}

func TestTemplatesListsSources(t *testing.T) {
	f, _, _ := newPair(t)
	ctx := context.Background()

	_, err := f.svc.Start(ctx, params(genDef()))
	require.NoError(t, err)

	tpls, err := f.svc.Templates(ctx, "u-1")
	require.NoError(t, err)
	require.Len(t, tpls, 1)
	for tpl, sources := range tpls {
		require.Equal(t, "article", tpl.Name)
		require.Len(t, sources, 1)
	}
}
