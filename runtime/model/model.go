// Package model defines the provider-neutral LLM client surface. Adapters
// under features/model translate these requests into provider SDK calls; the
// llm module and sub-action generators only ever see this interface.
package model

import (
	"context"
	"errors"
	"io"
	"strings"
)

// Role identifies a conversation participant.
type Role string

const (
	// RoleSystem carries instructions outside the conversation turn order.
	RoleSystem Role = "system"
	// RoleUser is caller-authored content.
	RoleUser Role = "user"
	// RoleAssistant is model-authored content.
	RoleAssistant Role = "assistant"
)

var (
	// ErrRateLimited marks provider rate-limit failures so callers can back
	// off instead of halting the run.
	ErrRateLimited = errors.New("model provider rate limited")
	// ErrStreamingUnsupported is returned by clients without a streaming
	// path; callers fall back to Complete.
	ErrStreamingUnsupported = errors.New("streaming not supported")
)

type (
	// Message is one conversation turn.
	Message struct {
		Role    Role   `json:"role"`
		Content string `json:"content"`
	}

	// Request is a provider-neutral completion request.
	Request struct {
		// Model overrides the client's default model identifier.
		Model string
		// Messages is the conversation, oldest first. System turns are
		// lifted into the provider's system channel where one exists.
		Messages []*Message
		// MaxTokens caps the completion. Zero uses the client default.
		MaxTokens int
		// Temperature of zero uses the client default.
		Temperature float64
	}

	// Usage is the token consumption of one call.
	Usage struct {
		PromptTokens     int64
		CompletionTokens int64
	}

	// Response is a completed model call.
	Response struct {
		Text       string
		StopReason string
		Usage      Usage
	}

	// Chunk is one streamed text fragment.
	Chunk struct {
		Text string
	}

	// Streamer yields completion chunks. Recv returns io.EOF when the
	// stream ends cleanly; Usage is valid after that.
	Streamer interface {
		Recv() (Chunk, error)
		Usage() Usage
		Close() error
	}

	// Client is a model provider.
	Client interface {
		// Provider names the backing provider, e.g. "anthropic".
		Provider() string
		// Complete issues a blocking completion.
		Complete(ctx context.Context, req *Request) (*Response, error)
		// Stream issues a streaming completion. Cancelling ctx aborts the
		// stream mid-flight.
		Stream(ctx context.Context, req *Request) (Streamer, error)
	}
)

// Collect drains a streamer into a Response, invoking onText for each
// fragment. onText may be nil.
func Collect(s Streamer, onText func(string)) (*Response, error) {
	defer s.Close()
	var sb strings.Builder
	for {
		chunk, err := s.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		if chunk.Text == "" {
			continue
		}
		sb.WriteString(chunk.Text)
		if onText != nil {
			onText(chunk.Text)
		}
	}
	return &Response{Text: sb.String(), Usage: s.Usage()}, nil
}

// SystemAndTurns splits messages into system text and conversation turns for
// providers with a dedicated system channel.
func SystemAndTurns(msgs []*Message) (system []string, turns []*Message) {
	for _, m := range msgs {
		if m == nil {
			continue
		}
		if m.Role == RoleSystem {
			if m.Content != "" {
				system = append(system, m.Content)
			}
			continue
		}
		turns = append(turns, m)
	}
	return system, turns
}
