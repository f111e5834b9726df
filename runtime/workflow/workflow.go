// Package workflow defines the resolved workflow definition tree the
// executor runs: an ordered list of steps, each an ordered list of modules.
// Definitions are immutable snapshots; changing a run's definition writes a
// new version and repoints the run.
package workflow

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

type (
	// Definition is a fully resolved, runnable workflow.
	Definition struct {
		// WorkflowID names the workflow.
		WorkflowID string `json:"workflow_id"`
		// Config carries workflow-wide settings visible to the resolver.
		Config map[string]any `json:"config,omitempty"`
		// Steps is the ordered step list.
		Steps []Step `json:"steps"`
	}

	// Step is an ordered group of modules; the granularity at which
	// completion is tracked.
	Step struct {
		// ID identifies the step within the workflow.
		ID string `json:"step_id"`
		// Name is the display name. It may embed a step number placeholder
		// ("{step_number}") substituted at execution time.
		Name string `json:"name"`
		// Config carries step-scoped settings visible to the resolver.
		Config map[string]any `json:"config,omitempty"`
		// Modules is the ordered module list.
		Modules []Module `json:"modules"`
	}

	// Module is the smallest unit of work.
	Module struct {
		// ID is the registry module identifier (dotted name).
		ID string `json:"module_id"`
		// Name is the instance name within the step; defaults to ID.
		Name string `json:"name,omitempty"`
		// Inputs is the raw (unresolved) input tree.
		Inputs map[string]any `json:"inputs,omitempty"`
		// OutputsToState maps dotted paths in the module's output object to
		// one or more flat state keys (string or list of strings).
		OutputsToState map[string]any `json:"outputs_to_state,omitempty"`
		// Retry configures retry-with-feedback behavior for interactive
		// responses that request a retry.
		Retry *RetrySpec `json:"retryable,omitempty"`
		// Jump configures the target of a jump_back_requested response.
		Jump *JumpSpec `json:"jump_back,omitempty"`
		// SubActions declares nested in-interaction operations.
		SubActions []SubActionSpec `json:"sub_actions,omitempty"`
		// Addons is the ordered opaque addon configuration list.
		Addons []map[string]any `json:"addons,omitempty"`
	}

	// RetrySpec configures retry targeting for a module.
	RetrySpec struct {
		// TargetModule is the module re-executed on retry; defaults to the
		// module itself.
		TargetModule string `json:"target_module,omitempty"`
		// DefaultFeedback is used when the response carries no custom value.
		DefaultFeedback string `json:"default_feedback,omitempty"`
	}

	// JumpSpec configures the jump target for a module.
	JumpSpec struct {
		// TargetStepID is the step jumped to.
		TargetStepID string `json:"target_step,omitempty"`
		// TargetModule is the module jumped to.
		TargetModule string `json:"target_module,omitempty"`
	}

	// SubActionSpec declares one sub-action attached to an interactive module.
	SubActionSpec struct {
		// ID names the sub-action within the module.
		ID string `json:"id"`
		// LoadingLabel is shown to the client while the sub-action runs.
		LoadingLabel string `json:"loading_label,omitempty"`
		// Actions is the ordered action list.
		Actions []ActionSpec `json:"actions"`
		// ResultMapping projects the child state back into the parent.
		ResultMapping []ResultMapping `json:"result_mapping,omitempty"`
		// Feedback, when set, injects params.feedback into the parent state
		// under StateKey before dispatch.
		Feedback *FeedbackSpec `json:"feedback,omitempty"`
	}

	// ActionSpec is one action within a sub-action. Either Ref or the inline
	// fields (or both) are set; inline overrides win on merge. A nil Ref with
	// an empty ModuleID marks a self sub-action driven by the module's own
	// generator.
	ActionSpec struct {
		// Ref clones the configuration of a module elsewhere in the workflow.
		Ref *ModuleRef `json:"ref,omitempty"`
		// ModuleID overrides or supplies the registry module id.
		ModuleID string `json:"module_id,omitempty"`
		// Name overrides the module instance name.
		Name string `json:"name,omitempty"`
		// Inputs overrides or supplies the raw input tree.
		Inputs map[string]any `json:"inputs,omitempty"`
		// OutputsToState overrides or supplies the state projection.
		OutputsToState map[string]any `json:"outputs_to_state,omitempty"`
		// Overrides is deep-merged last over the resolved configuration.
		Overrides map[string]any `json:"overrides,omitempty"`
	}

	// ModuleRef addresses a module by step and instance name.
	ModuleRef struct {
		StepID     string `json:"step_id"`
		ModuleName string `json:"module_name"`
	}

	// ResultMapping is one entry of a sub-action's result projection.
	ResultMapping struct {
		// Source is a dotted path read from the child state.
		Source string `json:"source"`
		// Target is the dotted path written into the parent projection.
		Target string `json:"target"`
		// Mode is "replace" (default) or "merge" (array concatenation,
		// parent first).
		Mode string `json:"mode,omitempty"`
	}

	// FeedbackSpec names the state key that receives sub-action feedback.
	FeedbackSpec struct {
		StateKey string `json:"state_key"`
	}
)

// ErrModuleNotFound is returned when a step/module lookup misses.
var ErrModuleNotFound = errors.New("module not found in workflow definition")

// EffectiveName returns the module's instance name, defaulting to its id.
func (m *Module) EffectiveName() string {
	if m.Name != "" {
		return m.Name
	}
	return m.ID
}

// Step returns the step with the given id.
func (d *Definition) Step(stepID string) (*Step, bool) {
	for i := range d.Steps {
		if d.Steps[i].ID == stepID {
			return &d.Steps[i], true
		}
	}
	return nil, false
}

// StepIndex returns the position of the step with the given id, or -1.
func (d *Definition) StepIndex(stepID string) int {
	for i := range d.Steps {
		if d.Steps[i].ID == stepID {
			return i
		}
	}
	return -1
}

// FindModule locates a module by step id and instance name.
func (d *Definition) FindModule(stepID, moduleName string) (*Step, *Module, int, error) {
	step, ok := d.Step(stepID)
	if !ok {
		return nil, nil, 0, fmt.Errorf("step %q: %w", stepID, ErrModuleNotFound)
	}
	for i := range step.Modules {
		if step.Modules[i].EffectiveName() == moduleName {
			return step, &step.Modules[i], i, nil
		}
	}
	return nil, nil, 0, fmt.Errorf("module %q in step %q: %w", moduleName, stepID, ErrModuleNotFound)
}

// LocateModule finds the first module with the given instance name anywhere
// in the workflow, returning its step and index.
func (d *Definition) LocateModule(moduleName string) (*Step, *Module, int, error) {
	for si := range d.Steps {
		step := &d.Steps[si]
		for mi := range step.Modules {
			if step.Modules[mi].EffectiveName() == moduleName {
				return step, &step.Modules[mi], mi, nil
			}
		}
	}
	return nil, nil, 0, fmt.Errorf("module %q: %w", moduleName, ErrModuleNotFound)
}

// DisplayName substitutes the step number placeholder in the step name.
func (s *Step) DisplayName(number int) string {
	return strings.ReplaceAll(s.Name, "{step_number}", strconv.Itoa(number))
}

// IsSelf reports whether the action is a self sub-action (no target module).
func (a *ActionSpec) IsSelf() bool {
	return a.Ref == nil && a.ModuleID == ""
}
