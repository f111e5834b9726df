// Package anthropic provides a model.Client backed by the Anthropic Claude
// Messages API. It translates provider-neutral requests into sdk.Message
// calls using github.com/anthropics/anthropic-sdk-go and maps responses and
// token usage back.
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/loomworks/loom/runtime/model"
)

type (
	// MessagesClient captures the subset of the Anthropic SDK used by the
	// adapter. *sdk.MessageService satisfies it; tests pass a mock.
	MessagesClient interface {
		New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
		NewStreaming(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion]
	}

	// Options configures the Anthropic adapter.
	Options struct {
		// DefaultModel is used when Request.Model is empty. Required.
		DefaultModel string
		// MaxTokens is the completion cap when a request does not set one.
		// Defaults to 4096.
		MaxTokens int
		// Temperature is used when a request does not set one.
		Temperature float64
	}

	// Client implements model.Client on Anthropic Claude Messages.
	Client struct {
		msg     MessagesClient
		modelID string
		maxTok  int
		temp    float64
	}
)

const defaultMaxTokens = 4096

// New builds an Anthropic-backed model client.
func New(msg MessagesClient, opts Options) (*Client, error) {
	if msg == nil {
		return nil, errors.New("anthropic messages client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("default model identifier is required")
	}
	maxTok := opts.MaxTokens
	if maxTok <= 0 {
		maxTok = defaultMaxTokens
	}
	return &Client{
		msg:     msg,
		modelID: opts.DefaultModel,
		maxTok:  maxTok,
		temp:    opts.Temperature,
	}, nil
}

// NewFromAPIKey constructs a client using the default Anthropic HTTP client.
func NewFromAPIKey(apiKey, defaultModel string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	ac := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&ac.Messages, Options{DefaultModel: defaultModel})
}

// Provider implements model.Client.
func (c *Client) Provider() string { return "anthropic" }

// Complete implements model.Client.
func (c *Client) Complete(ctx context.Context, req *model.Request) (*model.Response, error) {
	params, err := c.prepareRequest(req)
	if err != nil {
		return nil, err
	}
	msg, err := c.msg.New(ctx, *params)
	if err != nil {
		if isRateLimited(err) {
			return nil, fmt.Errorf("%w: %w", model.ErrRateLimited, err)
		}
		return nil, fmt.Errorf("anthropic messages.new: %w", err)
	}
	return translateResponse(msg), nil
}

// Stream implements model.Client.
func (c *Client) Stream(ctx context.Context, req *model.Request) (model.Streamer, error) {
	params, err := c.prepareRequest(req)
	if err != nil {
		return nil, err
	}
	stream := c.msg.NewStreaming(ctx, *params)
	if err := stream.Err(); err != nil {
		if isRateLimited(err) {
			return nil, fmt.Errorf("%w: %w", model.ErrRateLimited, err)
		}
		return nil, fmt.Errorf("anthropic messages.new stream: %w", err)
	}
	return newStreamer(ctx, stream), nil
}

func (c *Client) prepareRequest(req *model.Request) (*sdk.MessageNewParams, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("anthropic: messages are required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.modelID
	}
	system, turns, err := encodeMessages(req.Messages)
	if err != nil {
		return nil, err
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTok
	}
	params := sdk.MessageNewParams{
		MaxTokens: int64(maxTokens),
		Messages:  turns,
		Model:     sdk.Model(modelID),
	}
	if len(system) > 0 {
		params.System = system
	}
	if t := req.Temperature; t > 0 {
		params.Temperature = sdk.Float(t)
	} else if c.temp > 0 {
		params.Temperature = sdk.Float(c.temp)
	}
	return &params, nil
}

func encodeMessages(msgs []*model.Message) ([]sdk.TextBlockParam, []sdk.MessageParam, error) {
	systemTexts, turns := model.SystemAndTurns(msgs)
	system := make([]sdk.TextBlockParam, 0, len(systemTexts))
	for _, text := range systemTexts {
		system = append(system, sdk.TextBlockParam{Text: text})
	}
	conversation := make([]sdk.MessageParam, 0, len(turns))
	for _, m := range turns {
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		block := sdk.NewTextBlock(m.Content)
		switch m.Role {
		case model.RoleUser:
			conversation = append(conversation, sdk.NewUserMessage(block))
		case model.RoleAssistant:
			conversation = append(conversation, sdk.NewAssistantMessage(block))
		default:
			return nil, nil, fmt.Errorf("anthropic: unsupported message role %q", m.Role)
		}
	}
	if len(conversation) == 0 {
		return nil, nil, errors.New("anthropic: at least one user/assistant message is required")
	}
	return system, conversation, nil
}

func isRateLimited(err error) bool {
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusTooManyRequests
	}
	return false
}

func translateResponse(msg *sdk.Message) *model.Response {
	var sb strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	return &model.Response{
		Text:       sb.String(),
		StopReason: string(msg.StopReason),
		Usage: model.Usage{
			PromptTokens:     msg.Usage.InputTokens,
			CompletionTokens: msg.Usage.OutputTokens,
		},
	}
}
