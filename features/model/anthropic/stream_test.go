package anthropic

import (
	"context"
	"errors"
	"sync"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/runtime/model"
)

func TestStreamDeliversChunksAndUsage(t *testing.T) {
	stub := &stubMessages{events: []ssestream.Event{
		sse("message_start", `{"type":"message_start","message":{"id":"msg_1","type":"message","role":"assistant","content":[],"model":"claude-sonnet-4-20250514","usage":{"input_tokens":12,"output_tokens":0}}}`),
		sse("content_block_start", `{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`),
		sse("content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Once"}}`),
		sse("ping", `{"type":"ping"}`),
		sse("content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":" upon"}}`),
		sse("content_block_stop", `{"type":"content_block_stop","index":0}`),
		sse("message_delta", `{"type":"message_delta","delta":{"stop_reason":"end_turn","stop_sequence":null},"usage":{"output_tokens":7}}`),
		sse("message_stop", `{"type":"message_stop"}`),
	}}
	cl, err := New(stub, Options{DefaultModel: "claude-sonnet-4-20250514"})
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
	require.Equal(t, model.Usage{PromptTokens: 12, CompletionTokens: 7}, resp.Usage)
	require.EqualValues(t, defaultMaxTokens, stub.lastParams.MaxTokens)
}

func TestStreamSurfacesInitialError(t *testing.T) {
	stub := &stubMessages{streamErr: errors.New("dial timeout")}
	cl, err := New(stub, Options{DefaultModel: "claude-sonnet-4-20250514"})
	require.NoError(t, err)

	_, err = cl.Stream(context.Background(), &model.Request{
		Messages: []*model.Message{{Role: model.RoleUser, Content: "hi"}},
	})
	require.ErrorContains(t, err, "anthropic messages.new stream")
	require.ErrorContains(t, err, "dial timeout")
}

// blockedDecoder parks Next until Close so cancellation can be observed
// while the pump goroutine is mid-read.
type blockedDecoder struct {
	unblock chan struct{}
	once    sync.Once
}

func (d *blockedDecoder) Event() ssestream.Event { return ssestream.Event{} }
func (d *blockedDecoder) Next() bool             { <-d.unblock; return false }
func (d *blockedDecoder) Err() error             { return nil }

func (d *blockedDecoder) Close() error {
	d.once.Do(func() { close(d.unblock) })
	return nil
}

func TestStreamRecvHonorsCancellation(t *testing.T) {
	dec := &blockedDecoder{unblock: make(chan struct{})}
	stream := ssestream.NewStream[sdk.MessageStreamEventUnion](dec, nil)

	ctx, cancel := context.WithCancel(context.Background())
	s := newStreamer(ctx, stream)
	defer func() { _ = s.Close() }()

	cancel()
	_, err := s.Recv()
	require.ErrorIs(t, err, context.Canceled)
}
