// Package module defines the executable and interactive module contracts and
// the registry mapping module ids to implementations. Module identity is a
// dotted string; the executor looks implementations up at run time and
// dispatches on the interactive capability.
package module

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/loomworks/loom/runtime/telemetry"
)

// ErrNotRegistered is returned when a module id has no implementation.
var ErrNotRegistered = errors.New("module not registered")

type (
	// Context carries the execution environment handed to a module. State is
	// a snapshot; modules must not mutate it.
	Context struct {
		// RunID identifies the executing run.
		RunID string
		// BranchID is the run's current branch.
		BranchID string
		// StepID is the enclosing step.
		StepID string
		// ModuleName is the module's instance name within the step.
		ModuleName string
		// State is the derived flat state map at invocation time.
		State map[string]any
		// WorkflowConfig is the definition-level config.
		WorkflowConfig map[string]any
		// StepConfig is the step-level config.
		StepConfig map[string]any
		// AIConfig is the caller-supplied model configuration.
		AIConfig map[string]any
		// Addons is the resolved addon processor, attached before
		// interactive execution when the module declares addons.
		Addons *AddonProcessor
		// Progress reports a human-readable progress message. May be nil.
		Progress func(message string)
		// Logger is never nil.
		Logger telemetry.Logger
	}

	// Executable is a non-interactive module: pure compute or I/O.
	Executable interface {
		// ID returns the dotted registry identifier.
		ID() string
		// InputsSchema returns the JSON schema for resolved inputs, or nil.
		InputsSchema() map[string]any
		// OutputsSchema returns the JSON schema for outputs, or nil.
		OutputsSchema() map[string]any
		// Execute runs the module. It must observe ctx cancellation for
		// long-running work.
		Execute(ctx context.Context, inputs map[string]any, mctx *Context) (map[string]any, error)
	}

	// Interactive is a module that suspends the run for human input.
	Interactive interface {
		Executable
		// GetInteractionRequest builds the request presented to the human.
		GetInteractionRequest(ctx context.Context, inputs map[string]any, mctx *Context) (*InteractionRequest, error)
		// ExecuteWithResponse resumes the module with the human's response.
		ExecuteWithResponse(ctx context.Context, inputs map[string]any, mctx *Context, resp *Response) (map[string]any, error)
	}

	// SubActionEvent is one item yielded by a self-driven sub-action.
	SubActionEvent struct {
		// Kind is "progress" or "result". Exactly one result ends the stream.
		Kind string
		// Data is the event payload.
		Data map[string]any
	}

	// SelfSubActor is an optional capability of interactive modules that
	// drive their own sub-actions.
	SelfSubActor interface {
		// SubAction streams progress events and exactly one result. The
		// channel is closed after the result.
		SubAction(ctx context.Context, mctx *Context, params map[string]any) (<-chan SubActionEvent, error)
	}

	// Registry maps module ids to implementations. Safe for concurrent use;
	// discovery registers modules at startup.
	Registry struct {
		mu      sync.RWMutex
		modules map[string]Executable
	}
)

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{modules: make(map[string]Executable)}
}

// Register adds a module implementation. Registering a duplicate id is an
// error: module identity must be unambiguous.
func (r *Registry) Register(m Executable) error {
	if m == nil || m.ID() == "" {
		return errors.New("module with id is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.modules[m.ID()]; dup {
		return fmt.Errorf("module %q already registered", m.ID())
	}
	r.modules[m.ID()] = m
	return nil
}

// MustRegister registers and panics on error. Intended for startup wiring.
func (r *Registry) MustRegister(m Executable) {
	if err := r.Register(m); err != nil {
		panic(err)
	}
}

// Get returns the implementation for a module id.
func (r *Registry) Get(id string) (Executable, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.modules[id]
	if !ok {
		return nil, fmt.Errorf("module %q: %w", id, ErrNotRegistered)
	}
	return m, nil
}

// IDs returns the registered module ids, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.modules))
	for id := range r.modules {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// AddonProcessor wraps a module's resolved addon configurations. Addon
// semantics are owned by the modules themselves; the engine only guarantees
// the processor is attached before GetInteractionRequest is called.
type AddonProcessor struct {
	// Resolved is the ordered list of resolved addon input trees.
	Resolved []map[string]any
}
