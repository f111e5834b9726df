// Package service is the orchestration facade the transport layer calls. It
// composes the version manager, executor, navigator, sub-action runner, and
// stream watcher into the operations the HTTP surface exposes, without
// knowing anything about HTTP itself.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/loomworks/loom/runtime/branch"
	"github.com/loomworks/loom/runtime/event"
	"github.com/loomworks/loom/runtime/executor"
	"github.com/loomworks/loom/runtime/ids"
	"github.com/loomworks/loom/runtime/run"
	"github.com/loomworks/loom/runtime/state"
	"github.com/loomworks/loom/runtime/stream"
	"github.com/loomworks/loom/runtime/subaction"
	"github.com/loomworks/loom/runtime/telemetry"
	"github.com/loomworks/loom/runtime/usage"
	"github.com/loomworks/loom/runtime/version"
	"github.com/loomworks/loom/runtime/workflow"
)

type (
	// Service is the engine facade.
	Service struct {
		runs       run.Store
		events     event.Store
		branches   branch.Store
		deriver    *state.Deriver
		executor   *executor.Executor
		versions   *version.Manager
		subactions *subaction.Runner
		watcher    *stream.Watcher
		usage      usage.Store
		ids        *ids.Generator
		logger     telemetry.Logger
	}

	// Options configures a Service. Everything except Usage, Watcher, IDs,
	// and Logger is required.
	Options struct {
		Runs       run.Store
		Events     event.Store
		Branches   branch.Store
		Deriver    *state.Deriver
		Executor   *executor.Executor
		Versions   *version.Manager
		SubActions *subaction.Runner
		// Watcher is optional; stream endpoints fail without it.
		Watcher *stream.Watcher
		// Usage is optional; usage queries return empty totals without it.
		Usage usage.Store
		// IDs defaults to a fresh generator.
		IDs *ids.Generator
		// Logger defaults to the noop logger.
		Logger telemetry.Logger
	}

	// StartParams carries a start or start-confirm request.
	StartParams struct {
		UserID       string
		ProjectName  string
		TemplateName string
		// Content is the resolved workflow definition tree.
		Content    map[string]any
		SourceType version.SourceType
		AIConfig   map[string]any
		// ForceNew supersedes an existing active run for the triple.
		ForceNew     bool
		Capabilities []string
	}

	// Result is the outcome of a start, resume, respond, or navigation call.
	Result struct {
		RunID   string
		Status  run.Status
		Outcome *executor.Outcome

		// RequiresConfirmation is set when submitted content diverges from
		// the stored source; the caller resolves it via the confirm variant.
		RequiresConfirmation bool
		VersionDiff          *workflow.Diff
		OldHash              string
		NewHash              string
	}

	// CheckResult answers an existence probe for a run triple.
	CheckResult struct {
		Exists        bool
		RunID         string
		Status        run.Status
		CurrentStep   string
		CurrentModule string
	}
)

// New builds a Service.
func New(opts Options) (*Service, error) {
	if opts.Runs == nil || opts.Events == nil || opts.Branches == nil {
		return nil, errors.New("run, event, and branch stores are required")
	}
	if opts.Deriver == nil || opts.Executor == nil || opts.Versions == nil || opts.SubActions == nil {
		return nil, errors.New("deriver, executor, version manager, and sub-action runner are required")
	}
	s := &Service{
		runs:       opts.Runs,
		events:     opts.Events,
		branches:   opts.Branches,
		deriver:    opts.Deriver,
		executor:   opts.Executor,
		versions:   opts.Versions,
		subactions: opts.SubActions,
		watcher:    opts.Watcher,
		usage:      opts.Usage,
		ids:        opts.IDs,
		logger:     opts.Logger,
	}
	if s.ids == nil {
		s.ids = ids.NewGenerator()
	}
	if s.logger == nil {
		s.logger = telemetry.NewNoopLogger()
	}
	return s, nil
}

// Watcher exposes the stream watcher for SSE bridges.
func (s *Service) Watcher() *stream.Watcher { return s.watcher }

// Start begins a run from submitted workflow content. When the template's
// stored source differs from the submitted content, no version is written
// and the result carries the diff for confirmation.
func (s *Service) Start(ctx context.Context, p StartParams) (*Result, error) {
	tpl, _, err := s.versions.Store().GetOrCreateTemplate(ctx, p.TemplateName, p.UserID)
	if err != nil {
		return nil, err
	}

	hash, err := version.HashContent(p.Content)
	if err != nil {
		return nil, err
	}
	latest, err := s.versions.Store().LatestSource(ctx, tpl.ID)
	switch {
	case err == nil:
		if latest.ContentHash != hash {
			diff := workflow.DiffDefinitions(latest.Resolved, p.Content)
			return &Result{
				RequiresConfirmation: true,
				VersionDiff:          diff,
				OldHash:              latest.ContentHash,
				NewHash:              hash,
			}, nil
		}
	case errors.Is(err, version.ErrNotFound):
		// First version for the template.
	default:
		return nil, err
	}

	return s.startWithContent(ctx, p, tpl.ID, hash)
}

// StartConfirm is Start without the divergence check: the submitted content
// is written as a new source version unconditionally.
func (s *Service) StartConfirm(ctx context.Context, p StartParams) (*Result, error) {
	tpl, _, err := s.versions.Store().GetOrCreateTemplate(ctx, p.TemplateName, p.UserID)
	if err != nil {
		return nil, err
	}
	hash, err := version.HashContent(p.Content)
	if err != nil {
		return nil, err
	}
	return s.startWithContent(ctx, p, tpl.ID, hash)
}

// StartVersion begins a run from an already stored version. Global template
// versions are first copied into the user's hidden shadow template so the
// run's history stays isolated per user.
func (s *Service) StartVersion(ctx context.Context, versionID string, p StartParams) (*Result, error) {
	v, err := s.versions.Store().GetVersion(ctx, versionID)
	if err != nil {
		return nil, err
	}
	tpl, err := s.versions.Store().GetTemplate(ctx, v.TemplateID)
	if err != nil {
		return nil, err
	}
	if tpl.Scope == version.ScopeGlobal {
		shadow, _, err := s.versions.Store().GetOrCreateHiddenTemplate(ctx, tpl.ID, p.UserID)
		if err != nil {
			return nil, err
		}
		copied, err := s.versions.CopyVersionTree(ctx, v.ID, shadow.ID)
		if err != nil {
			return nil, err
		}
		v, tpl = copied, shadow
	}

	best, err := s.versions.BestForCapabilities(ctx, v.ID, p.Capabilities)
	if err != nil {
		return nil, err
	}
	if p.TemplateName == "" {
		p.TemplateName = tpl.Name
	}
	return s.launch(ctx, p, tpl.ID, best)
}

// Check reports whether a run already exists for the triple.
func (s *Service) Check(ctx context.Context, userID, templateName, projectName string) (*CheckResult, error) {
	r, err := s.runs.FindByTriple(ctx, userID, templateName, projectName)
	if errors.Is(err, run.ErrNotFound) {
		return &CheckResult{}, nil
	}
	if err != nil {
		return nil, err
	}
	return &CheckResult{
		Exists:        true,
		RunID:         r.ID,
		Status:        r.Status,
		CurrentStep:   r.CurrentStepID,
		CurrentModule: r.CurrentModule,
	}, nil
}

func (s *Service) startWithContent(ctx context.Context, p StartParams, templateID, hash string) (*Result, error) {
	src, _, err := s.versions.ProcessAndStore(ctx, p.Content, hash, p.SourceType, templateID)
	if err != nil {
		return nil, err
	}
	best, err := s.versions.BestForCapabilities(ctx, src.ID, p.Capabilities)
	if err != nil {
		return nil, err
	}
	return s.launch(ctx, p, templateID, best)
}

// launch creates the run record, root branch, and creation event, then
// enters the resume loop from the beginning.
func (s *Service) launch(ctx context.Context, p StartParams, templateID string, v *version.Version) (*Result, error) {
	def, err := v.Definition()
	if err != nil {
		return nil, err
	}

	if existing, err := s.runs.FindByTriple(ctx, p.UserID, p.TemplateName, p.ProjectName); err == nil {
		if !p.ForceNew {
			return &Result{RunID: existing.ID, Status: existing.Status}, nil
		}
		if err := s.supersede(ctx, existing); err != nil {
			return nil, err
		}
	} else if !errors.Is(err, run.ErrNotFound) {
		return nil, err
	}

	r := &run.Run{
		ID:                ids.NewRunID(),
		UserID:            p.UserID,
		ProjectName:       p.ProjectName,
		TemplateName:      p.TemplateName,
		TemplateID:        templateID,
		WorkflowVersionID: v.ID,
		Status:            run.StatusCreated,
		Visible:           true,
		AIConfig:          p.AIConfig,
	}
	root, err := s.branches.CreateRoot(ctx, r.ID)
	if err != nil {
		return nil, fmt.Errorf("create root branch: %w", err)
	}
	r.BranchID = root.ID
	if err := s.runs.Create(ctx, r); err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}

	if err := s.append(ctx, r, event.TypeWorkflowCreated, map[string]any{
		"template_id": templateID,
		"version_id":  v.ID,
	}); err != nil {
		return nil, err
	}
	if err := s.versions.Store().AppendHistory(ctx, &version.HistoryEntry{
		RunID:     r.ID,
		VersionID: v.ID,
		Reason:    "start",
	}); err != nil {
		return nil, err
	}

	s.logger.Info(ctx, "run started",
		"run_id", r.ID, "template_id", templateID, "version_id", v.ID, "project", p.ProjectName)

	outcome, err := s.executor.ExecuteFromPosition(ctx, r, def, &state.Position{})
	if err != nil {
		return nil, err
	}
	return &Result{RunID: r.ID, Status: r.Status, Outcome: outcome}, nil
}

// supersede retires an active run so a forced new start can take the triple.
// The record and its events stay for history; only listing and the triple
// lookup let go of it.
func (s *Service) supersede(ctx context.Context, r *run.Run) error {
	now := time.Now().UTC()
	r.Status = run.StatusError
	r.Visible = false
	r.CompletedAt = &now
	return s.runs.Update(ctx, r)
}

// definitionFor loads and decodes the run's current workflow definition.
func (s *Service) definitionFor(ctx context.Context, r *run.Run) (*workflow.Definition, error) {
	v, err := s.versions.Store().GetVersion(ctx, r.WorkflowVersionID)
	if err != nil {
		return nil, err
	}
	return v.Definition()
}

func (s *Service) append(ctx context.Context, r *run.Run, t event.Type, data map[string]any) error {
	e := &event.Event{
		ID:                s.ids.EventID(r.ID),
		RunID:             r.ID,
		BranchID:          r.BranchID,
		WorkflowVersionID: r.WorkflowVersionID,
		Type:              t,
		Data:              data,
		Timestamp:         time.Now().UTC(),
	}
	if err := s.events.Append(ctx, e); err != nil {
		return fmt.Errorf("append %s event: %w", t, err)
	}
	return nil
}
