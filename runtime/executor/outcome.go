package executor

import "github.com/loomworks/loom/runtime/module"

// OutcomeKind classifies how an execution pass ended.
type OutcomeKind string

const (
	// OutcomeAwaitingInput means the run suspended on an interaction.
	OutcomeAwaitingInput OutcomeKind = "awaiting_input"
	// OutcomeCompleted means the workflow finished.
	OutcomeCompleted OutcomeKind = "completed"
	// OutcomeError means a module failed and the run halted.
	OutcomeError OutcomeKind = "error"
	// OutcomeProcessing means a step completed and execution continues.
	OutcomeProcessing OutcomeKind = "processing"
)

// Outcome is the result of an execution pass.
type Outcome struct {
	// Kind discriminates the variant.
	Kind OutcomeKind
	// Interaction is set for OutcomeAwaitingInput.
	Interaction *module.InteractionRequest
	// FinalState is set for OutcomeCompleted.
	FinalState map[string]any
	// ErrMessage is the sanitized failure message for OutcomeError.
	ErrMessage string
	// StepID and ModuleName locate the failure or suspension.
	StepID     string
	ModuleName string
}

// AwaitingInput builds a suspension outcome.
func AwaitingInput(req *module.InteractionRequest, stepID, moduleName string) *Outcome {
	return &Outcome{Kind: OutcomeAwaitingInput, Interaction: req, StepID: stepID, ModuleName: moduleName}
}

// Completed builds a completion outcome.
func Completed(finalState map[string]any) *Outcome {
	return &Outcome{Kind: OutcomeCompleted, FinalState: finalState}
}

// Failed builds an error outcome.
func Failed(message, stepID, moduleName string) *Outcome {
	return &Outcome{Kind: OutcomeError, ErrMessage: message, StepID: stepID, ModuleName: moduleName}
}
