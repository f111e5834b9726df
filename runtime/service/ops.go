package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/loomworks/loom/runtime/event"
	"github.com/loomworks/loom/runtime/executor"
	"github.com/loomworks/loom/runtime/module"
	"github.com/loomworks/loom/runtime/run"
	"github.com/loomworks/loom/runtime/state"
	"github.com/loomworks/loom/runtime/stream"
	"github.com/loomworks/loom/runtime/usage"
	"github.com/loomworks/loom/runtime/version"
	"github.com/loomworks/loom/runtime/workflow"
)

// RunStatus is the status-endpoint view of a run.
type RunStatus struct {
	Run      *run.Run
	Position *state.Position
}

// Respond consumes a client response to the run's pending interaction.
func (s *Service) Respond(ctx context.Context, runID string, resp *module.Response, aiConfig map[string]any) (*Result, error) {
	r, def, err := s.load(ctx, runID)
	if err != nil {
		return nil, err
	}
	if aiConfig != nil {
		r.AIConfig = aiConfig
		if err := s.runs.Update(ctx, r); err != nil {
			return nil, err
		}
	}
	outcome, err := s.executor.Respond(ctx, r, def, resp)
	if err != nil {
		return nil, err
	}
	return &Result{RunID: r.ID, Status: r.Status, Outcome: outcome}, nil
}

// Retry re-executes a module with feedback.
func (s *Service) Retry(ctx context.Context, runID, targetModule, feedback string, aiConfig map[string]any) (*Result, error) {
	r, def, err := s.load(ctx, runID)
	if err != nil {
		return nil, err
	}
	if aiConfig != nil {
		r.AIConfig = aiConfig
		if err := s.runs.Update(ctx, r); err != nil {
			return nil, err
		}
	}
	outcome, err := s.executor.Retry(ctx, r, def, targetModule, feedback)
	if err != nil {
		return nil, err
	}
	return &Result{RunID: r.ID, Status: r.Status, Outcome: outcome}, nil
}

// Jump forks a branch at a past module and re-enters execution there.
func (s *Service) Jump(ctx context.Context, runID, targetStepID, targetModule string) (*Result, error) {
	r, def, err := s.load(ctx, runID)
	if err != nil {
		return nil, err
	}
	outcome, err := s.executor.Jump(ctx, r, def, targetStepID, targetModule)
	if err != nil {
		return nil, err
	}
	return &Result{RunID: r.ID, Status: r.Status, Outcome: outcome}, nil
}

// BranchFromInteraction forks a branch that re-enters a past interaction.
func (s *Service) BranchFromInteraction(ctx context.Context, runID, interactionID string) (*Result, error) {
	r, err := s.runs.Get(ctx, runID)
	if err != nil {
		return nil, err
	}
	outcome, err := s.executor.BranchFromInteraction(ctx, r, interactionID)
	if err != nil {
		return nil, err
	}
	return &Result{RunID: r.ID, Status: r.Status, Outcome: outcome}, nil
}

// Resume re-enters a run after a pause or crash. The recovery pass runs
// first and silently repairs cached-status drift. Submitting new content
// whose hash differs from the run's stored source returns a confirmation
// result instead of executing.
func (s *Service) Resume(ctx context.Context, runID string, newContent map[string]any, capabilities []string) (*Result, error) {
	r, def, err := s.load(ctx, runID)
	if err != nil {
		return nil, err
	}

	if newContent != nil {
		src, err := s.sourceFor(ctx, r)
		if err != nil {
			return nil, err
		}
		newHash, err := version.HashContent(newContent)
		if err != nil {
			return nil, err
		}
		if src.ContentHash != newHash {
			diff := workflow.DiffDefinitions(src.Resolved, newContent)
			return &Result{
				RunID:                r.ID,
				Status:               r.Status,
				RequiresConfirmation: true,
				VersionDiff:          diff,
				OldHash:              src.ContentHash,
				NewHash:              newHash,
			}, nil
		}
	}
	return s.resume(ctx, r, def)
}

// ResumeConfirm stores the submitted content as a new version, repoints the
// run at its best variant, records the switch, and resumes.
func (s *Service) ResumeConfirm(ctx context.Context, runID string, newContent map[string]any, capabilities []string) (*Result, error) {
	r, _, err := s.load(ctx, runID)
	if err != nil {
		return nil, err
	}
	src, _, err := s.versions.ProcessAndStore(ctx, newContent, "", version.SourceJSON, r.TemplateID)
	if err != nil {
		return nil, err
	}
	best, err := s.versions.BestForCapabilities(ctx, src.ID, capabilities)
	if err != nil {
		return nil, err
	}
	if best.ID != r.WorkflowVersionID {
		prev := r.WorkflowVersionID
		r.WorkflowVersionID = best.ID
		if err := s.runs.Update(ctx, r); err != nil {
			return nil, err
		}
		if err := s.versions.Store().AppendHistory(ctx, &version.HistoryEntry{
			RunID:         r.ID,
			VersionID:     best.ID,
			PrevVersionID: prev,
			Reason:        "resume",
		}); err != nil {
			return nil, err
		}
	}
	def, err := best.Definition()
	if err != nil {
		return nil, err
	}
	return s.resume(ctx, r, def)
}

// resume runs recovery and then advances the run. A run suspended on an
// interaction stays suspended; the pending request is returned as-is.
func (s *Service) resume(ctx context.Context, r *run.Run, def *workflow.Definition) (*Result, error) {
	if _, err := s.executor.Recover(ctx, r, def); err != nil {
		return nil, err
	}
	pos, err := s.deriver.Position(ctx, r.ID, r.BranchID)
	if err != nil {
		return nil, err
	}
	if pos.PendingInteraction != nil && r.Status == run.StatusAwaitingInput {
		req := module.RequestFromPayload(pos.PendingInteraction)
		e := pos.PendingInteractionEvent
		outcome := executor.AwaitingInput(req, e.StepID, e.ModuleName)
		return &Result{RunID: r.ID, Status: r.Status, Outcome: outcome}, nil
	}
	if r.Status.Terminal() {
		return &Result{RunID: r.ID, Status: r.Status}, nil
	}
	outcome, err := s.executor.ExecuteFromPosition(ctx, r, def, pos)
	if err != nil {
		return nil, err
	}
	return &Result{RunID: r.ID, Status: r.Status, Outcome: outcome}, nil
}

// SubAction executes a sub-action against the run's pending interaction and
// returns its event stream.
func (s *Service) SubAction(ctx context.Context, runID, interactionID, subActionID string, params map[string]any) (<-chan *stream.Event, error) {
	r, def, err := s.load(ctx, runID)
	if err != nil {
		return nil, err
	}
	return s.subactions.Execute(ctx, r, def, interactionID, subActionID, params), nil
}

// Status returns the run record with its derived position.
func (s *Service) Status(ctx context.Context, runID string) (*RunStatus, error) {
	r, err := s.runs.Get(ctx, runID)
	if err != nil {
		return nil, err
	}
	pos, err := s.deriver.Position(ctx, r.ID, r.BranchID)
	if err != nil {
		return nil, err
	}
	return &RunStatus{Run: r, Position: pos}, nil
}

// Events returns the run's lineage events in total order.
func (s *Service) Events(ctx context.Context, runID string) ([]*event.Event, error) {
	r, err := s.runs.Get(ctx, runID)
	if err != nil {
		return nil, err
	}
	return s.deriver.LineageEvents(ctx, r.ID, r.BranchID)
}

// InteractionHistory returns the run's completed interaction pairs.
func (s *Service) InteractionHistory(ctx context.Context, runID string) ([]state.InteractionPair, error) {
	r, err := s.runs.Get(ctx, runID)
	if err != nil {
		return nil, err
	}
	return s.deriver.InteractionHistory(ctx, r.ID, r.BranchID)
}

// State returns the run's derived state map.
func (s *Service) State(ctx context.Context, runID string) (map[string]any, error) {
	r, err := s.runs.Get(ctx, runID)
	if err != nil {
		return nil, err
	}
	return s.deriver.ModuleOutputs(ctx, r.ID, r.BranchID)
}

// WatchState returns the run's state-diff stream.
func (s *Service) WatchState(ctx context.Context, runID string) (<-chan *stream.Event, error) {
	if s.watcher == nil {
		return nil, errors.New("stream watcher not configured")
	}
	r, err := s.runs.Get(ctx, runID)
	if err != nil {
		return nil, err
	}
	return s.watcher.WatchState(ctx, r.ID, r.BranchID), nil
}

// Usage returns the run's aggregated token consumption.
func (s *Service) Usage(ctx context.Context, runID string) (*usage.Totals, error) {
	if s.usage == nil {
		return &usage.Totals{}, nil
	}
	return s.usage.TotalsForRun(ctx, runID)
}

// ActiveRuns lists the user's non-terminal runs.
func (s *Service) ActiveRuns(ctx context.Context, userID string) ([]*run.Run, error) {
	return s.runs.List(ctx, run.ListFilter{UserID: userID, ActiveOnly: true})
}

// AllRuns lists the user's runs, newest first.
func (s *Service) AllRuns(ctx context.Context, userID string) ([]*run.Run, error) {
	return s.runs.List(ctx, run.ListFilter{UserID: userID})
}

// Templates lists the user's templates with their source versions.
func (s *Service) Templates(ctx context.Context, userID string) (map[*version.Template][]*version.Version, error) {
	tpls, err := s.versions.Store().ListTemplates(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make(map[*version.Template][]*version.Version, len(tpls))
	for _, tpl := range tpls {
		sources, err := s.versions.Store().ListSourceVersions(ctx, tpl.ID)
		if err != nil {
			return nil, err
		}
		out[tpl] = sources
	}
	return out, nil
}

// Delete purges the run: record, events, branches, and usage history.
func (s *Service) Delete(ctx context.Context, runID string) error {
	if _, err := s.runs.Get(ctx, runID); err != nil {
		return err
	}
	if err := s.events.DeleteByRun(ctx, runID); err != nil {
		return err
	}
	if err := s.branches.DeleteByRun(ctx, runID); err != nil {
		return err
	}
	if s.usage != nil {
		if err := s.usage.DeleteByRun(ctx, runID); err != nil {
			return err
		}
	}
	s.ids.Forget(runID)
	s.logger.Info(ctx, "run deleted", "run_id", runID)
	return s.runs.Delete(ctx, runID)
}

// Reset discards the run's history and returns it to the created state on a
// fresh root branch, keeping the record and version pointer.
func (s *Service) Reset(ctx context.Context, runID string) error {
	r, err := s.runs.Get(ctx, runID)
	if err != nil {
		return err
	}
	if err := s.events.DeleteByRun(ctx, runID); err != nil {
		return err
	}
	if err := s.branches.DeleteByRun(ctx, runID); err != nil {
		return err
	}
	s.ids.Forget(runID)

	root, err := s.branches.CreateRoot(ctx, runID)
	if err != nil {
		return fmt.Errorf("create root branch: %w", err)
	}
	r.BranchID = root.ID
	r.Status = run.StatusCreated
	r.CurrentStepID = ""
	r.CurrentStepName = ""
	r.CurrentModule = ""
	r.CompletedAt = nil
	if err := s.runs.Update(ctx, r); err != nil {
		return err
	}
	if err := s.append(ctx, r, event.TypeWorkflowCreated, map[string]any{
		"template_id": r.TemplateID,
		"version_id":  r.WorkflowVersionID,
		"reset":       true,
	}); err != nil {
		return err
	}
	s.logger.Info(ctx, "run reset", "run_id", runID, "branch_id", root.ID)
	return nil
}

// load fetches the run and its current definition.
func (s *Service) load(ctx context.Context, runID string) (*run.Run, *workflow.Definition, error) {
	r, err := s.runs.Get(ctx, runID)
	if err != nil {
		return nil, nil, err
	}
	def, err := s.definitionFor(ctx, r)
	if err != nil {
		return nil, nil, err
	}
	return r, def, nil
}

// sourceFor returns the source version behind the run's current (possibly
// resolved-child) version.
func (s *Service) sourceFor(ctx context.Context, r *run.Run) (*version.Version, error) {
	v, err := s.versions.Store().GetVersion(ctx, r.WorkflowVersionID)
	if err != nil {
		return nil, err
	}
	if v.ParentVersionID != "" {
		return s.versions.Store().GetVersion(ctx, v.ParentVersionID)
	}
	return v, nil
}
