// Package run defines the durable run record: one live execution of a
// workflow for a (user, template, project) triple. The record caches status
// and current-position pointers for cheap listing; the event log remains the
// source of truth and the recovery pass repairs any divergence.
package run

import (
	"context"
	"errors"
	"time"
)

// Status represents the lifecycle state of a run.
type Status string

const (
	// StatusCreated indicates the run exists but has not executed yet.
	StatusCreated Status = "created"
	// StatusProcessing indicates the run is actively executing.
	StatusProcessing Status = "processing"
	// StatusAwaitingInput indicates the run is suspended on an interaction.
	StatusAwaitingInput Status = "awaiting_input"
	// StatusCompleted indicates the run finished successfully.
	StatusCompleted Status = "completed"
	// StatusError indicates the run halted on a module error.
	StatusError Status = "error"
)

// Terminal reports whether the status is a final state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusError
}

// ErrNotFound is returned when a run lookup misses.
var ErrNotFound = errors.New("run not found")

type (
	// Run is the durable record for one workflow execution.
	Run struct {
		// ID is the opaque run identifier.
		ID string
		// UserID identifies the owning user.
		UserID string
		// ProjectName scopes the run within the user's workspace.
		ProjectName string
		// TemplateName is the workflow template name the run executes.
		TemplateName string
		// TemplateID is the owning template's identifier.
		TemplateID string
		// WorkflowVersionID is the resolved definition the run executes.
		WorkflowVersionID string
		// BranchID is the run's current branch.
		BranchID string
		// Status is the cached lifecycle state.
		Status Status
		// CurrentStepID caches the step being executed.
		CurrentStepID string
		// CurrentStepName caches the step's display name.
		CurrentStepName string
		// CurrentModule caches the module being executed.
		CurrentModule string
		// Visible is false for hidden child runs spawned by sub-actions.
		Visible bool
		// AIConfig carries caller-supplied model configuration.
		AIConfig map[string]any
		// CreatedAt is the creation time.
		CreatedAt time.Time
		// UpdatedAt is the last mutation time.
		UpdatedAt time.Time
		// CompletedAt is set when the run reaches a terminal status.
		CompletedAt *time.Time
	}

	// ListFilter restricts List results.
	ListFilter struct {
		// UserID restricts to one user's runs. Empty matches all.
		UserID string
		// ActiveOnly restricts to non-terminal runs.
		ActiveOnly bool
		// IncludeHidden includes sub-action child runs.
		IncludeHidden bool
	}

	// Store persists run records.
	Store interface {
		// Create inserts a new run.
		Create(ctx context.Context, r *Run) error

		// Get returns the run with the given id, or ErrNotFound.
		Get(ctx context.Context, runID string) (*Run, error)

		// FindByTriple returns the non-terminal run for the
		// (user, template name, project) triple, or ErrNotFound. At most one
		// such run exists at a time.
		FindByTriple(ctx context.Context, userID, templateName, projectName string) (*Run, error)

		// Update replaces the stored record. UpdatedAt is set by the store.
		Update(ctx context.Context, r *Run) error

		// List returns runs matching the filter, newest first.
		List(ctx context.Context, f ListFilter) ([]*Run, error)

		// Delete removes the run record.
		Delete(ctx context.Context, runID string) error
	}
)
