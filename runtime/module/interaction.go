package module

// InteractionType classifies what an interaction request asks of the human.
type InteractionType string

const (
	// InteractionSelection asks the human to pick from options.
	InteractionSelection InteractionType = "selection"
	// InteractionTextInput asks for free-form text.
	InteractionTextInput InteractionType = "text_input"
	// InteractionForm asks for a structured form submission.
	InteractionForm InteractionType = "form"
	// InteractionFileDownload offers a file for download.
	InteractionFileDownload InteractionType = "file_download"
	// InteractionMediaGeneration asks the human to steer media generation.
	InteractionMediaGeneration InteractionType = "media_generation"
)

// RetryOptionID marks a selection option that requests a retry regardless of
// metadata.
const RetryOptionID = "retry"

type (
	// Option is one selectable choice in an interaction request.
	Option struct {
		// ID identifies the option.
		ID string `json:"id"`
		// Label is the human-readable text.
		Label string `json:"label"`
		// Metadata carries option flags; "is_retry": true marks a retry
		// option.
		Metadata map[string]any `json:"metadata,omitempty"`
	}

	// SelectionConstraints bounds how many options may be selected.
	SelectionConstraints struct {
		MinSelections int `json:"min_selections,omitempty"`
		MaxSelections int `json:"max_selections,omitempty"`
	}

	// InteractionRequest is presented to the human when a run suspends.
	// The resolved module inputs ride along so responders can re-derive
	// context without re-resolving.
	InteractionRequest struct {
		// InteractionID is the generated pairing id.
		InteractionID string `json:"interaction_id"`
		// Type classifies the request.
		Type InteractionType `json:"interaction_type"`
		// Display is the presentation payload.
		Display map[string]any `json:"display,omitempty"`
		// Options lists selectable choices, if any.
		Options []Option `json:"options,omitempty"`
		// Constraints bounds selections.
		Constraints *SelectionConstraints `json:"selection_constraints,omitempty"`
		// ResolvedInputs is the module's resolved input tree.
		ResolvedInputs map[string]any `json:"_resolved_inputs,omitempty"`
		// ModuleID is the registry id of the requesting module.
		ModuleID string `json:"module_id,omitempty"`
		// ResolverSchema is the raw resolver schema captured from inputs,
		// for UIs that re-render input forms.
		ResolverSchema map[string]any `json:"resolver_schema,omitempty"`
		// Groups optionally groups options for display.
		Groups []map[string]any `json:"groups,omitempty"`
		// Extra carries additional module-specific presentation data.
		Extra map[string]any `json:"extra,omitempty"`
	}

	// Response is the human's answer to an interaction request.
	Response struct {
		// InteractionID pairs the response with its request.
		InteractionID string `json:"interaction_id"`
		// SelectedOptions holds the chosen options, if any.
		SelectedOptions []Option `json:"selected_options,omitempty"`
		// CustomValue is free-form text accompanying or replacing a
		// selection.
		CustomValue string `json:"custom_value,omitempty"`
		// Data carries structured form payloads.
		Data map[string]any `json:"data,omitempty"`
	}
)

// IsRetry reports whether the response requests a retry: any selected option
// carries metadata.is_retry or the reserved retry id, or the response has no
// selections but non-empty free-form feedback.
func (r *Response) IsRetry() bool {
	for _, opt := range r.SelectedOptions {
		if opt.ID == RetryOptionID {
			return true
		}
		if v, ok := opt.Metadata["is_retry"].(bool); ok && v {
			return true
		}
	}
	return len(r.SelectedOptions) == 0 && r.CustomValue != ""
}

// RequestFromPayload rebuilds a request from a stored event payload. Only
// the fields clients need to re-render the interaction are recovered.
func RequestFromPayload(p map[string]any) *InteractionRequest {
	req := &InteractionRequest{}
	req.InteractionID, _ = p["interaction_id"].(string)
	if t, ok := p["interaction_type"].(string); ok {
		req.Type = InteractionType(t)
	}
	req.Display, _ = p["display"].(map[string]any)
	if opts, ok := p["options"].([]any); ok {
		for _, o := range opts {
			om, ok := o.(map[string]any)
			if !ok {
				continue
			}
			opt := Option{}
			opt.ID, _ = om["id"].(string)
			opt.Label, _ = om["label"].(string)
			opt.Metadata, _ = om["metadata"].(map[string]any)
			req.Options = append(req.Options, opt)
		}
	}
	if sc, ok := p["selection_constraints"].(map[string]any); ok {
		req.Constraints = &SelectionConstraints{
			MinSelections: intFrom(sc["min_selections"]),
			MaxSelections: intFrom(sc["max_selections"]),
		}
	}
	req.ResolvedInputs, _ = p["_resolved_inputs"].(map[string]any)
	req.ModuleID, _ = p["module_id"].(string)
	req.ResolverSchema, _ = p["resolver_schema"].(map[string]any)
	if groups, ok := p["groups"].([]any); ok {
		for _, g := range groups {
			if gm, ok := g.(map[string]any); ok {
				req.Groups = append(req.Groups, gm)
			}
		}
	}
	req.Extra, _ = p["extra"].(map[string]any)
	return req
}

func intFrom(v any) int {
	switch tv := v.(type) {
	case int:
		return tv
	case int32:
		return int(tv)
	case int64:
		return int(tv)
	case float64:
		return int(tv)
	default:
		return 0
	}
}

// Payload serializes the request into an event payload map.
func (r *InteractionRequest) Payload() map[string]any {
	p := map[string]any{
		"interaction_id":   r.InteractionID,
		"interaction_type": string(r.Type),
	}
	if len(r.Display) > 0 {
		p["display"] = r.Display
	}
	if len(r.Options) > 0 {
		opts := make([]any, len(r.Options))
		for i, o := range r.Options {
			m := map[string]any{"id": o.ID, "label": o.Label}
			if len(o.Metadata) > 0 {
				m["metadata"] = o.Metadata
			}
			opts[i] = m
		}
		p["options"] = opts
	}
	if r.Constraints != nil {
		p["selection_constraints"] = map[string]any{
			"min_selections": r.Constraints.MinSelections,
			"max_selections": r.Constraints.MaxSelections,
		}
	}
	if len(r.ResolvedInputs) > 0 {
		p["_resolved_inputs"] = r.ResolvedInputs
	}
	if r.ModuleID != "" {
		p["module_id"] = r.ModuleID
	}
	if len(r.ResolverSchema) > 0 {
		p["resolver_schema"] = r.ResolverSchema
	}
	if len(r.Groups) > 0 {
		groups := make([]any, len(r.Groups))
		for i, g := range r.Groups {
			groups[i] = g
		}
		p["groups"] = groups
	}
	if len(r.Extra) > 0 {
		p["extra"] = r.Extra
	}
	return p
}
