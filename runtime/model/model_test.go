package model_test

import (
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/runtime/model"
)

type scriptStreamer struct {
	chunks []model.Chunk
	err    error
	usage  model.Usage
	closed bool
}

func (s *scriptStreamer) Recv() (model.Chunk, error) {
	if len(s.chunks) == 0 {
		if s.err != nil {
			return model.Chunk{}, s.err
		}
		return model.Chunk{}, io.EOF
	}
	c := s.chunks[0]
	s.chunks = s.chunks[1:]
	return c, nil
}

func (s *scriptStreamer) Usage() model.Usage { return s.usage }
func (s *scriptStreamer) Close() error       { s.closed = true; return nil }

func TestCollect(t *testing.T) {
	s := &scriptStreamer{
		chunks: []model.Chunk{{Text: "Hello"}, {Text: ""}, {Text: ", "}, {Text: "world"}},
		usage:  model.Usage{PromptTokens: 12, CompletionTokens: 3},
	}
	var seen []string
	resp, err := model.Collect(s, func(text string) { seen = append(seen, text) })
	require.NoError(t, err)
	require.Equal(t, "Hello, world", resp.Text)
	require.Equal(t, int64(12), resp.Usage.PromptTokens)
	require.Equal(t, int64(3), resp.Usage.CompletionTokens)
	// Empty fragments are dropped from the callback too.
	require.Equal(t, []string{"Hello", ", ", "world"}, seen)
	require.True(t, s.closed)
}

func TestCollectPropagatesStreamError(t *testing.T) {
	boom := errors.New("connection reset")
	s := &scriptStreamer{chunks: []model.Chunk{{Text: "par"}}, err: boom}
	_, err := model.Collect(s, nil)
	require.ErrorIs(t, err, boom)
	require.True(t, s.closed)
}

func TestSystemAndTurns(t *testing.T) {
	system, turns := model.SystemAndTurns([]*model.Message{
		{Role: model.RoleSystem, Content: "You write articles."},
		nil,
		{Role: model.RoleUser, Content: "Draft an intro."},
		{Role: model.RoleSystem, Content: ""},
		{Role: model.RoleAssistant, Content: "Here is an intro."},
		{Role: model.RoleUser, Content: "Shorter."},
	})
	require.Equal(t, []string{"You write articles."}, system)
	require.Len(t, turns, 3)
	require.Equal(t, model.RoleUser, turns[0].Role)
	require.Equal(t, model.RoleAssistant, turns[1].Role)
	require.Equal(t, "Shorter.", turns[2].Content)
}

func TestSystemAndTurnsEmpty(t *testing.T) {
	system, turns := model.SystemAndTurns(nil)
	require.Empty(t, system)
	require.Empty(t, turns)
}
