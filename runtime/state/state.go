// Package state derives run state from the event log and branch graph.
//
// Every query here is pure and read-only: given a fixed log and lineage, two
// calls return equal results. The executor, navigator, and recovery pass all
// operate on these derivations rather than on cached run fields.
package state

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/loomworks/loom/runtime/branch"
	"github.com/loomworks/loom/runtime/event"
)

// Reserved state keys consumed by LLM-call modules on retry. They are
// injected in memory by the navigator and never persisted as state mappings.
const (
	// RetryConversationKey holds the alternating conversation history.
	RetryConversationKey = "_retry_conversation"
	// RetryFeedbackKey holds the latest retry feedback string.
	RetryFeedbackKey = "_retry_feedback"
)

// FeedbackPrefix prefixes user feedback turns in retry conversations.
const FeedbackPrefix = "FEEDBACK FROM USER: "

type (
	// Deriver computes state, position, and history from the stores.
	Deriver struct {
		events   event.Store
		branches branch.Store
	}

	// Position is the derived execution position of a run on a branch.
	Position struct {
		// CurrentStepID is the latest started-but-not-completed step.
		CurrentStepID string
		// CurrentModuleIndex is the index of the next module within the
		// current step.
		CurrentModuleIndex int
		// CompletedSteps holds the ids of all completed steps.
		CompletedSteps []string
		// PendingInteraction is the payload of the open interaction request,
		// or nil when none is pending.
		PendingInteraction map[string]any
		// PendingInteractionEvent is the event carrying the open request.
		PendingInteractionEvent *event.Event
	}

	// InteractionPair is a completed request/response exchange.
	InteractionPair struct {
		Request  *event.Event
		Response *event.Event
	}

	// Message is one turn of a retry conversation.
	Message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}

	// RetryContext is the conversation state injected into a retried module.
	RetryContext struct {
		ConversationHistory []Message
		Feedback            string
	}

	// ForkPoint identifies where a new branch should be cut.
	ForkPoint struct {
		// BranchID is the branch carrying the cutoff event.
		BranchID string
		// Cutoff is the inclusive cutoff event id; empty forks with no
		// upstream events excluded.
		Cutoff string
	}
)

// NewDeriver returns a Deriver over the given stores.
func NewDeriver(events event.Store, branches branch.Store) *Deriver {
	return &Deriver{events: events, branches: branches}
}

// LineageEvents returns the branch's visible events in total order. For each
// lineage ancestor, events on that ancestor with id <= its cutoff (or all
// when the cutoff is empty) participate; the union is sorted by event id.
func (d *Deriver) LineageEvents(ctx context.Context, runID, branchID string, types ...event.Type) ([]*event.Event, error) {
	b, err := d.branches.Get(ctx, branchID)
	if err != nil {
		return nil, fmt.Errorf("load branch %q: %w", branchID, err)
	}
	var all []*event.Event
	for _, a := range b.Lineage {
		evts, err := d.events.Query(ctx, runID, event.Filter{
			BranchIDs: []string{a.BranchID},
			Types:     types,
			MaxID:     a.Cutoff,
		}, 0)
		if err != nil {
			return nil, fmt.Errorf("query branch %q events: %w", a.BranchID, err)
		}
		all = append(all, evts...)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
	return all, nil
}

// ModuleOutputs replays the lineage into the flat state map used by the
// parameter resolver. module_completed and sub_action_completed events
// contribute their _state_mapped projections in order; the raw outputs of
// each module_completed are additionally stored under the module's name.
func (d *Deriver) ModuleOutputs(ctx context.Context, runID, branchID string) (map[string]any, error) {
	evts, err := d.LineageEvents(ctx, runID, branchID,
		event.TypeModuleCompleted, event.TypeSubActionCompleted)
	if err != nil {
		return nil, err
	}
	state := make(map[string]any)
	for _, e := range evts {
		for k, v := range e.StateMapped() {
			state[k] = v
		}
		if e.Type == event.TypeModuleCompleted && e.ModuleName != "" {
			state[e.ModuleName] = rawOutputs(e)
		}
	}
	return state, nil
}

// Position derives the run's execution position on the branch.
func (d *Deriver) Position(ctx context.Context, runID, branchID string) (*Position, error) {
	evts, err := d.LineageEvents(ctx, runID, branchID)
	if err != nil {
		return nil, err
	}

	pos := &Position{CurrentModuleIndex: 0}
	completed := make(map[string]struct{})
	for _, e := range evts {
		if e.Type == event.TypeStepCompleted {
			if _, seen := completed[e.StepID]; !seen {
				completed[e.StepID] = struct{}{}
				pos.CompletedSteps = append(pos.CompletedSteps, e.StepID)
			}
		}
	}

	// Latest step_started whose step is not completed defines the current step.
	var currentStart *event.Event
	for _, e := range evts {
		if e.Type != event.TypeStepStarted {
			continue
		}
		if _, done := completed[e.StepID]; done {
			continue
		}
		if currentStart == nil || e.ID > currentStart.ID {
			currentStart = e
		}
	}
	if currentStart != nil {
		pos.CurrentStepID = currentStart.StepID
		for _, e := range evts {
			if e.Type == event.TypeModuleCompleted && e.StepID == currentStart.StepID && e.ID > currentStart.ID {
				pos.CurrentModuleIndex++
			}
		}
	}

	// Pending interaction: latest request with no later response.
	var lastReq, lastResp *event.Event
	for _, e := range evts {
		switch e.Type {
		case event.TypeInteractionRequested:
			if lastReq == nil || e.ID > lastReq.ID {
				lastReq = e
			}
		case event.TypeInteractionResponse:
			if lastResp == nil || e.ID > lastResp.ID {
				lastResp = e
			}
		}
	}
	if lastReq != nil && (lastResp == nil || lastReq.ID > lastResp.ID) {
		pos.PendingInteraction = lastReq.Data
		pos.PendingInteractionEvent = lastReq
	}
	return pos, nil
}

// InteractionHistory pairs interaction requests with their responses by the
// payload-embedded interaction id. Only completed pairs are returned, ordered
// by response timestamp.
func (d *Deriver) InteractionHistory(ctx context.Context, runID, branchID string) ([]InteractionPair, error) {
	evts, err := d.LineageEvents(ctx, runID, branchID,
		event.TypeInteractionRequested, event.TypeInteractionResponse)
	if err != nil {
		return nil, err
	}
	requests := make(map[string]*event.Event)
	var pairs []InteractionPair
	for _, e := range evts {
		id := interactionID(e)
		if id == "" {
			continue
		}
		switch e.Type {
		case event.TypeInteractionRequested:
			requests[id] = e
		case event.TypeInteractionResponse:
			if req, ok := requests[id]; ok {
				pairs = append(pairs, InteractionPair{Request: req, Response: e})
			}
		}
	}
	sort.SliceStable(pairs, func(i, j int) bool {
		return pairs[i].Response.Timestamp.Before(pairs[j].Response.Timestamp)
	})
	return pairs, nil
}

// RetryContextFor builds the conversation history injected when targetModule
// is retried. The walk is run-wide rather than branch-scoped: every prior
// execution of the module and every retry request aimed at it participate,
// interleaved by timestamp, as alternating assistant/user turns.
func (d *Deriver) RetryContextFor(ctx context.Context, runID, targetModule string) (*RetryContext, error) {
	completions, err := d.events.Query(ctx, runID, event.Filter{
		Types:      []event.Type{event.TypeModuleCompleted},
		ModuleName: targetModule,
	}, 0)
	if err != nil {
		return nil, err
	}
	retries, err := d.events.Query(ctx, runID, event.Filter{
		Types: []event.Type{event.TypeRetryRequested},
	}, 0)
	if err != nil {
		return nil, err
	}
	var targeted []*event.Event
	for _, e := range retries {
		if tm, _ := e.Data["target_module"].(string); tm == targetModule {
			targeted = append(targeted, e)
		}
	}

	merged := append(append([]*event.Event(nil), completions...), targeted...)
	sort.SliceStable(merged, func(i, j int) bool {
		if merged[i].Timestamp.Equal(merged[j].Timestamp) {
			return merged[i].ID < merged[j].ID
		}
		return merged[i].Timestamp.Before(merged[j].Timestamp)
	})

	rc := &RetryContext{}
	for _, e := range merged {
		switch e.Type {
		case event.TypeModuleCompleted:
			rc.ConversationHistory = append(rc.ConversationHistory, Message{
				Role:    "assistant",
				Content: outputContent(rawOutputs(e)),
			})
		case event.TypeRetryRequested:
			feedback, _ := e.Data["feedback"].(string)
			rc.Feedback = feedback
			rc.ConversationHistory = append(rc.ConversationHistory, Message{
				Role:    "user",
				Content: FeedbackPrefix + feedback,
			})
		}
	}
	return rc, nil
}

// ForkPointBefore locates where a jump to (stepID, moduleName) should cut:
// the lineage event immediately preceding the module's first event. When the
// module has no events yet, the fork is the current branch with no cutoff.
func (d *Deriver) ForkPointBefore(ctx context.Context, runID, branchID, stepID, moduleName string) (*ForkPoint, error) {
	evts, err := d.LineageEvents(ctx, runID, branchID)
	if err != nil {
		return nil, err
	}
	first := -1
	for i, e := range evts {
		if e.StepID == stepID && e.ModuleName == moduleName {
			first = i
			break
		}
	}
	if first < 0 {
		return &ForkPoint{BranchID: branchID}, nil
	}
	if first == 0 {
		return &ForkPoint{BranchID: branchID}, nil
	}
	prev := evts[first-1]
	return &ForkPoint{BranchID: prev.BranchID, Cutoff: prev.ID}, nil
}

// ForkPointAtInteraction locates the fork that re-enters the interaction with
// the given id: the interaction_requested event itself is the inclusive
// cutoff, so the new branch resumes the same suspended state without
// re-running upstream modules.
func (d *Deriver) ForkPointAtInteraction(ctx context.Context, runID, branchID, interactionID string) (*ForkPoint, error) {
	evts, err := d.LineageEvents(ctx, runID, branchID, event.TypeInteractionRequested)
	if err != nil {
		return nil, err
	}
	for _, e := range evts {
		if reqInteractionID(e) == interactionID {
			return &ForkPoint{BranchID: e.BranchID, Cutoff: e.ID}, nil
		}
	}
	return nil, fmt.Errorf("interaction %q: %w", interactionID, event.ErrNotFound)
}

// LastStableEvent returns the most recent step_completed or module_completed
// on the lineage. interaction_response is deliberately not stable: cutting
// there would replay a completed interaction. Returns event.ErrNotFound when
// the lineage has no stable event.
func (d *Deriver) LastStableEvent(ctx context.Context, runID, branchID string) (*event.Event, error) {
	evts, err := d.LineageEvents(ctx, runID, branchID,
		event.TypeStepCompleted, event.TypeModuleCompleted)
	if err != nil {
		return nil, err
	}
	if len(evts) == 0 {
		return nil, event.ErrNotFound
	}
	return evts[len(evts)-1], nil
}

func interactionID(e *event.Event) string {
	if e.Type == event.TypeInteractionRequested {
		return reqInteractionID(e)
	}
	id, _ := e.Data["interaction_id"].(string)
	return id
}

func reqInteractionID(e *event.Event) string {
	if id, ok := e.Data["interaction_id"].(string); ok {
		return id
	}
	return ""
}

// rawOutputs strips the reserved projection key from a module_completed
// payload, leaving the module's raw output object.
func rawOutputs(e *event.Event) map[string]any {
	out := make(map[string]any, len(e.Data))
	for k, v := range e.Data {
		if k == event.StateMappedKey {
			continue
		}
		out[k] = v
	}
	return out
}

// outputContent renders a module output object as conversation content: a
// lone string response passes through, anything else is serialized as JSON.
func outputContent(outputs map[string]any) string {
	if s, ok := outputs["response"].(string); ok && len(outputs) == 1 {
		return s
	}
	b, err := json.Marshal(outputs)
	if err != nil {
		return fmt.Sprintf("%v", outputs)
	}
	return string(b)
}
