// Package llm implements the non-interactive LLM call module. It streams
// completions from a configured provider, injects retry context when the
// navigator re-enters the module, and meters token usage per run.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/loomworks/loom/runtime/model"
	"github.com/loomworks/loom/runtime/module"
	"github.com/loomworks/loom/runtime/state"
	"github.com/loomworks/loom/runtime/usage"
)

// ModuleID is the registry identifier.
const ModuleID = "loom.llm"

type (
	// Options configures the llm module.
	Options struct {
		// Clients maps provider names to model clients. Required, non-empty.
		Clients map[string]model.Client
		// DefaultProvider is used when neither inputs nor AI config name one.
		// Defaults to the sole client when only one is configured.
		DefaultProvider string
		// Usage is optional; token metering is skipped without it.
		Usage usage.Store
	}

	// Module is the LLM call module.
	Module struct {
		clients         map[string]model.Client
		defaultProvider string
		usage           usage.Store
	}
)

// New builds the llm module.
func New(opts Options) (*Module, error) {
	if len(opts.Clients) == 0 {
		return nil, errors.New("at least one model client is required")
	}
	provider := opts.DefaultProvider
	if provider == "" {
		if len(opts.Clients) == 1 {
			for name := range opts.Clients {
				provider = name
			}
		} else {
			return nil, errors.New("default provider is required with multiple clients")
		}
	}
	if _, ok := opts.Clients[provider]; !ok {
		return nil, fmt.Errorf("default provider %q has no client", provider)
	}
	return &Module{
		clients:         opts.Clients,
		defaultProvider: provider,
		usage:           opts.Usage,
	}, nil
}

// ID implements module.Executable.
func (m *Module) ID() string { return ModuleID }

// InputsSchema implements module.Executable.
func (m *Module) InputsSchema() map[string]any {
	return map[string]any{
		"type":     "object",
		"required": []any{"prompt"},
		"properties": map[string]any{
			"prompt":      map[string]any{"type": "string", "minLength": 1},
			"system":      map[string]any{"type": "string"},
			"provider":    map[string]any{"type": "string"},
			"model":       map[string]any{"type": "string"},
			"max_tokens":  map[string]any{"type": "integer", "minimum": 1},
			"temperature": map[string]any{"type": "number", "minimum": 0},
		},
	}
}

// OutputsSchema implements module.Executable.
func (m *Module) OutputsSchema() map[string]any {
	return map[string]any{
		"type":     "object",
		"required": []any{"text"},
		"properties": map[string]any{
			"text": map[string]any{"type": "string"},
		},
	}
}

// Execute implements module.Executable.
func (m *Module) Execute(ctx context.Context, inputs map[string]any, mctx *module.Context) (map[string]any, error) {
	prompt, _ := inputs["prompt"].(string)
	if prompt == "" {
		return nil, errors.New("prompt is required")
	}

	client, providerName, err := m.selectClient(inputs, mctx)
	if err != nil {
		return nil, err
	}
	req := &model.Request{
		Model:    stringInput(inputs, mctx, "model"),
		Messages: m.buildMessages(prompt, inputs, mctx),
	}
	if v, ok := numberInput(inputs["max_tokens"]); ok {
		req.MaxTokens = int(v)
	}
	if v, ok := numberInput(inputs["temperature"]); ok {
		req.Temperature = v
	}

	resp, err := m.complete(ctx, client, req, mctx)
	if err != nil {
		return nil, err
	}
	m.recordUsage(ctx, mctx, providerName, req.Model, resp.Usage)

	return map[string]any{
		"text":     resp.Text,
		"provider": providerName,
		"model":    req.Model,
		"usage": map[string]any{
			"prompt_tokens":     resp.Usage.PromptTokens,
			"completion_tokens": resp.Usage.CompletionTokens,
		},
	}, nil
}

// complete prefers streaming so cancellation can interrupt mid-generation,
// falling back to a blocking call for clients without a streaming path.
func (m *Module) complete(ctx context.Context, client model.Client, req *model.Request, mctx *module.Context) (*model.Response, error) {
	streamer, err := client.Stream(ctx, req)
	if errors.Is(err, model.ErrStreamingUnsupported) {
		return client.Complete(ctx, req)
	}
	if err != nil {
		return nil, err
	}
	var generated int
	return model.Collect(streamer, func(text string) {
		if mctx.Progress == nil {
			return
		}
		generated += len(text)
		mctx.Progress(fmt.Sprintf("Generating (%d characters)", generated))
	})
}

// buildMessages assembles system, retry conversation, prompt, and retry
// feedback into the provider-neutral conversation.
func (m *Module) buildMessages(prompt string, inputs map[string]any, mctx *module.Context) []*model.Message {
	var messages []*model.Message
	if system, _ := inputs["system"].(string); system != "" {
		messages = append(messages, &model.Message{Role: model.RoleSystem, Content: system})
	}
	messages = append(messages, retryConversation(mctx.State)...)
	messages = append(messages, &model.Message{Role: model.RoleUser, Content: prompt})
	if feedback, _ := mctx.State[state.RetryFeedbackKey].(string); feedback != "" {
		messages = append(messages, &model.Message{
			Role:    model.RoleUser,
			Content: "The previous attempt was rejected with this feedback:\n" + feedback,
		})
	}
	return messages
}

// retryConversation decodes the alternating conversation history the
// navigator places in state when re-entering after a retry. The navigator
// injects typed messages; decoded JSON state carries them as generic maps.
func retryConversation(st map[string]any) []*model.Message {
	switch history := st[state.RetryConversationKey].(type) {
	case []state.Message:
		out := make([]*model.Message, 0, len(history))
		for _, turn := range history {
			if turn.Content == "" {
				continue
			}
			out = append(out, &model.Message{Role: normalizeRole(turn.Role), Content: turn.Content})
		}
		return out
	case []any:
		out := make([]*model.Message, 0, len(history))
		for _, item := range history {
			turn, ok := item.(map[string]any)
			if !ok {
				continue
			}
			role, _ := turn["role"].(string)
			content, _ := turn["content"].(string)
			if content == "" {
				continue
			}
			out = append(out, &model.Message{Role: normalizeRole(role), Content: content})
		}
		return out
	default:
		return nil
	}
}

func normalizeRole(role string) model.Role {
	r := model.Role(role)
	if r != model.RoleUser && r != model.RoleAssistant {
		r = model.RoleUser
	}
	return r
}

func (m *Module) selectClient(inputs map[string]any, mctx *module.Context) (model.Client, string, error) {
	name := stringInput(inputs, mctx, "provider")
	if name == "" {
		name = m.defaultProvider
	}
	client, ok := m.clients[strings.ToLower(name)]
	if !ok {
		return nil, "", fmt.Errorf("no client for provider %q", name)
	}
	return client, strings.ToLower(name), nil
}

func (m *Module) recordUsage(ctx context.Context, mctx *module.Context, provider, modelID string, u model.Usage) {
	if m.usage == nil {
		return
	}
	if u.PromptTokens == 0 && u.CompletionTokens == 0 {
		return
	}
	err := m.usage.Record(ctx, &usage.Record{
		RunID:            mctx.RunID,
		ModuleName:       mctx.ModuleName,
		Provider:         provider,
		Model:            modelID,
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
	})
	if err != nil {
		mctx.Logger.Warn(ctx, "record token usage", "run_id", mctx.RunID, "module", mctx.ModuleName, "err", err)
	}
}

// stringInput reads a string setting from inputs with an AI-config override.
func stringInput(inputs map[string]any, mctx *module.Context, key string) string {
	if v, ok := mctx.AIConfig[key].(string); ok && v != "" {
		return v
	}
	v, _ := inputs[key].(string)
	return v
}

func numberInput(v any) (float64, bool) {
	switch tv := v.(type) {
	case int:
		return float64(tv), true
	case int64:
		return float64(tv), true
	case float64:
		return tv, true
	default:
		return 0, false
	}
}
