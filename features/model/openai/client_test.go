package openai_test

import (
	"context"
	"errors"
	"testing"

	sdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/ssestream"
	"github.com/stretchr/testify/require"

	openaimodel "github.com/loomworks/loom/features/model/openai"
	"github.com/loomworks/loom/runtime/model"
)

// stubChat implements openaimodel.ChatClient. New replays the canned
// completion; NewStreaming builds an SSE stream from the canned events.
type stubChat struct {
	lastParams sdk.ChatCompletionNewParams
	resp       *sdk.ChatCompletion
	err        error

	events    []ssestream.Event
	streamErr error
}

func (s *stubChat) New(_ context.Context, body sdk.ChatCompletionNewParams, _ ...option.RequestOption) (*sdk.ChatCompletion, error) {
	s.lastParams = body
	return s.resp, s.err
}

func (s *stubChat) NewStreaming(_ context.Context, body sdk.ChatCompletionNewParams, _ ...option.RequestOption) *ssestream.Stream[sdk.ChatCompletionChunk] {
	s.lastParams = body
	return ssestream.NewStream[sdk.ChatCompletionChunk](&sliceDecoder{events: s.events}, s.streamErr)
}

// sliceDecoder feeds a fixed event sequence to ssestream.Stream.
type sliceDecoder struct {
	events []ssestream.Event
	i      int
}

func (d *sliceDecoder) Event() ssestream.Event { return d.events[d.i-1] }

func (d *sliceDecoder) Next() bool {
	if d.i >= len(d.events) {
		return false
	}
	d.i++
	return true
}

func (d *sliceDecoder) Close() error { return nil }
func (d *sliceDecoder) Err() error   { return nil }

func chunk(data string) ssestream.Event {
	return ssestream.Event{Data: []byte(data)}
}

func TestCompleteTranslatesResponse(t *testing.T) {
	stub := &stubChat{resp: &sdk.ChatCompletion{
		Choices: []sdk.ChatCompletionChoice{{
			FinishReason: "stop",
			Message:      sdk.ChatCompletionMessage{Content: "hi there"},
		}},
		Usage: sdk.CompletionUsage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}}
	cl, err := openaimodel.New(stub, openaimodel.Options{
		DefaultModel: "gpt-4o-mini",
		MaxTokens:    256,
		Temperature:  0.4,
	})
	require.NoError(t, err)

	resp, err := cl.Complete(context.Background(), &model.Request{
		Messages: []*model.Message{
			{Role: model.RoleSystem, Content: "You are terse."},
			{Role: model.RoleUser, Content: "ping"},
			{Role: model.RoleAssistant, Content: "pong"},
			{Role: model.RoleUser, Content: ""},
		},
	})
	require.NoError(t, err)
	require.Equal(t, "hi there", resp.Text)
	require.Equal(t, "stop", resp.StopReason)
	require.Equal(t, model.Usage{PromptTokens: 10, CompletionTokens: 5}, resp.Usage)

	params := stub.lastParams
	require.Equal(t, sdk.ChatModel("gpt-4o-mini"), params.Model)
	require.Equal(t, sdk.Int(256), params.MaxCompletionTokens)
	require.Equal(t, sdk.Float(0.4), params.Temperature)

	// The empty user turn is dropped; roles map onto the union variants.
	require.Len(t, params.Messages, 3)
	require.NotNil(t, params.Messages[0].OfSystem)
	require.NotNil(t, params.Messages[1].OfUser)
	require.NotNil(t, params.Messages[2].OfAssistant)
	require.Equal(t, "ping", params.Messages[1].OfUser.Content.OfString.Value)
}

func TestCompleteAppliesRequestOverrides(t *testing.T) {
	stub := &stubChat{resp: &sdk.ChatCompletion{}}
	cl, err := openaimodel.New(stub, openaimodel.Options{DefaultModel: "gpt-4o-mini"})
	require.NoError(t, err)

	_, err = cl.Complete(context.Background(), &model.Request{
		Model:       "gpt-4.1",
		MaxTokens:   64,
		Temperature: 0.9,
		Messages:    []*model.Message{{Role: model.RoleUser, Content: "hi"}},
	})
	require.NoError(t, err)

	params := stub.lastParams
	require.Equal(t, sdk.ChatModel("gpt-4.1"), params.Model)
	require.Equal(t, sdk.Int(64), params.MaxCompletionTokens)
	require.Equal(t, sdk.Float(0.9), params.Temperature)
}

func TestCompleteLeavesTuningUnsetWithoutDefaults(t *testing.T) {
	stub := &stubChat{resp: &sdk.ChatCompletion{}}
	cl, err := openaimodel.New(stub, openaimodel.Options{DefaultModel: "gpt-4o-mini"})
	require.NoError(t, err)

	_, err = cl.Complete(context.Background(), &model.Request{
		Messages: []*model.Message{{Role: model.RoleUser, Content: "hi"}},
	})
	require.NoError(t, err)
	require.Zero(t, stub.lastParams.MaxCompletionTokens)
	require.Zero(t, stub.lastParams.Temperature)
}

func TestCompleteWrapsErrors(t *testing.T) {
	stub := &stubChat{err: errors.New("boom")}
	cl, err := openaimodel.New(stub, openaimodel.Options{DefaultModel: "gpt-4o-mini"})
	require.NoError(t, err)

	req := &model.Request{Messages: []*model.Message{{Role: model.RoleUser, Content: "hi"}}}
	_, err = cl.Complete(context.Background(), req)
	require.ErrorContains(t, err, "openai chat completion")

	stub.err = model.ErrRateLimited
	_, err = cl.Complete(context.Background(), req)
	require.ErrorIs(t, err, model.ErrRateLimited)
}

func TestCompleteRejectsBadConversations(t *testing.T) {
	cl, err := openaimodel.New(&stubChat{}, openaimodel.Options{DefaultModel: "gpt-4o-mini"})
	require.NoError(t, err)

	_, err = cl.Complete(context.Background(), &model.Request{})
	require.ErrorContains(t, err, "messages are required")

	_, err = cl.Complete(context.Background(), &model.Request{
		Messages: []*model.Message{{Role: model.RoleUser, Content: ""}},
	})
	require.ErrorContains(t, err, "at least one non-empty message")

	_, err = cl.Complete(context.Background(), &model.Request{
		Messages: []*model.Message{{Role: model.Role("tool"), Content: "x"}},
	})
	require.ErrorContains(t, err, "unsupported message role")
}

func TestStreamDeliversChunksAndUsage(t *testing.T) {
	stub := &stubChat{events: []ssestream.Event{
		chunk(`{"id":"c1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"role":"assistant"},"finish_reason":null}]}`),
		chunk(`{"id":"c1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"content":"Once"}}]}`),
		chunk(`{"id":"c1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"content":" upon"}}]}`),
		chunk(`{"id":"c1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`),
		chunk(`{"id":"c1","object":"chat.completion.chunk","choices":[],"usage":{"prompt_tokens":9,"completion_tokens":4,"total_tokens":13}}`),
		chunk(`[DONE]`),
	}}
	cl, err := openaimodel.New(stub, openaimodel.Options{DefaultModel: "gpt-4o-mini"})
	require.NoError(t, err)

	st, err := cl.Stream(context.Background(), &model.Request{
		Messages: []*model.Message{{Role: model.RoleUser, Content: "start a story"}},
	})
	require.NoError(t, err)

	var frags []string
	resp, err := model.Collect(st, func(text string) { frags = append(frags, text) })
	require.NoError(t, err)
	require.Equal(t, "Once upon", resp.Text)
	require.Equal(t, []string{"Once", " upon"}, frags)
	require.Equal(t, model.Usage{PromptTokens: 9, CompletionTokens: 4}, resp.Usage)

	opts := stub.lastParams.StreamOptions
	require.Equal(t, sdk.ChatCompletionStreamOptionsParam{IncludeUsage: sdk.Bool(true)}, opts)
}

func TestStreamSurfacesInitialError(t *testing.T) {
	stub := &stubChat{streamErr: errors.New("dial timeout")}
	cl, err := openaimodel.New(stub, openaimodel.Options{DefaultModel: "gpt-4o-mini"})
	require.NoError(t, err)

	_, err = cl.Stream(context.Background(), &model.Request{
		Messages: []*model.Message{{Role: model.RoleUser, Content: "hi"}},
	})
	require.ErrorContains(t, err, "openai chat completion stream")
	require.ErrorContains(t, err, "dial timeout")
}

func TestStreamRecvHonorsCancellation(t *testing.T) {
	stub := &stubChat{events: []ssestream.Event{
		chunk(`{"id":"c1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"content":"Once"}}]}`),
	}}
	cl, err := openaimodel.New(stub, openaimodel.Options{DefaultModel: "gpt-4o-mini"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	st, err := cl.Stream(ctx, &model.Request{
		Messages: []*model.Message{{Role: model.RoleUser, Content: "hi"}},
	})
	require.NoError(t, err)
	defer func() { _ = st.Close() }()

	cancel()
	_, err = st.Recv()
	require.ErrorIs(t, err, context.Canceled)
}

func TestNewValidatesOptions(t *testing.T) {
	_, err := openaimodel.New(nil, openaimodel.Options{DefaultModel: "gpt-4o-mini"})
	require.ErrorContains(t, err, "chat client is required")

	_, err = openaimodel.New(&stubChat{}, openaimodel.Options{})
	require.ErrorContains(t, err, "default model identifier is required")

	_, err = openaimodel.NewFromAPIKey("", "gpt-4o-mini")
	require.ErrorContains(t, err, "api key is required")
}
