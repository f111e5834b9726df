package middleware

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/loomworks/loom/runtime/model"
)

type stubClient struct {
	completeErr error
	streamErr   error

	completeCalls int
	streamCalls   int
}

func (s *stubClient) Provider() string { return "stub" }

func (s *stubClient) Complete(context.Context, *model.Request) (*model.Response, error) {
	s.completeCalls++
	if s.completeErr != nil {
		return nil, s.completeErr
	}
	return &model.Response{Text: "ok"}, nil
}

func (s *stubClient) Stream(context.Context, *model.Request) (model.Streamer, error) {
	s.streamCalls++
	return nil, s.streamErr
}

func chatRequest() *model.Request {
	return &model.Request{
		Messages:  []*model.Message{{Role: model.RoleUser, Content: "hello"}},
		MaxTokens: 10,
	}
}

func TestShrinksOnRateLimited(t *testing.T) {
	lim := NewLimiter(context.Background(), LimiterOptions{InitialTPM: 60_000})
	client := &stubClient{completeErr: model.ErrRateLimited}
	wrapped := lim.Wrap(client)

	_, err := wrapped.Complete(context.Background(), chatRequest())
	require.ErrorIs(t, err, model.ErrRateLimited)
	require.Equal(t, 1, client.completeCalls)

	lim.mu.Lock()
	defer lim.mu.Unlock()
	require.Equal(t, 30_000.0, lim.tpm)
}

func TestShrinkStopsAtFloor(t *testing.T) {
	lim := NewLimiter(context.Background(), LimiterOptions{InitialTPM: 60_000})
	client := &stubClient{completeErr: model.ErrRateLimited}
	wrapped := lim.Wrap(client)

	for i := 0; i < 8; i++ {
		_, _ = wrapped.Complete(context.Background(), chatRequest())
	}

	lim.mu.Lock()
	defer lim.mu.Unlock()
	require.Equal(t, 6_000.0, lim.tpm, "floor is 10%% of the initial budget")
}

func TestGrowsOnSuccessUpToCeiling(t *testing.T) {
	lim := NewLimiter(context.Background(), LimiterOptions{InitialTPM: 60_000, MaxTPM: 64_000})
	client := &stubClient{}
	wrapped := lim.Wrap(client)

	_, err := wrapped.Complete(context.Background(), chatRequest())
	require.NoError(t, err)

	lim.mu.Lock()
	require.Equal(t, 63_000.0, lim.tpm, "one 5%% step above the initial budget")
	lim.mu.Unlock()

	_, err = wrapped.Complete(context.Background(), chatRequest())
	require.NoError(t, err)

	lim.mu.Lock()
	defer lim.mu.Unlock()
	require.Equal(t, 64_000.0, lim.tpm, "second step clamps to the ceiling")
}

func TestChargeFailsBeforeClientRuns(t *testing.T) {
	lim := NewLimiter(context.Background(), LimiterOptions{InitialTPM: 60})
	// A zero bucket makes any charge fail immediately, exercising the gate
	// without timing dependence.
	lim.bucket = rate.NewLimiter(0, 0)

	client := &stubClient{}
	wrapped := lim.Wrap(client)

	req := &model.Request{
		Messages: []*model.Message{{Role: model.RoleUser, Content: strings.Repeat("a", 600)}},
	}
	_, err := wrapped.Complete(context.Background(), req)
	require.Error(t, err)
	require.Zero(t, client.completeCalls)

	_, err = wrapped.Stream(context.Background(), req)
	require.Error(t, err)
	require.Zero(t, client.streamCalls)
}

func TestStreamOutcomeAdjustsBudget(t *testing.T) {
	lim := NewLimiter(context.Background(), LimiterOptions{InitialTPM: 60_000})
	client := &stubClient{streamErr: model.ErrRateLimited}
	wrapped := lim.Wrap(client)

	_, err := wrapped.Stream(context.Background(), chatRequest())
	require.ErrorIs(t, err, model.ErrRateLimited)

	lim.mu.Lock()
	defer lim.mu.Unlock()
	require.Equal(t, 30_000.0, lim.tpm)
}

func TestEstimateCost(t *testing.T) {
	small := estimateCost(&model.Request{
		Messages: []*model.Message{{Role: model.RoleUser, Content: "short"}},
	})
	require.Equal(t, minCost, small, "tiny requests pay the minimum")

	long := strings.Repeat("a", 9_000)
	big := estimateCost(&model.Request{
		Messages: []*model.Message{{Role: model.RoleUser, Content: long}},
	})
	require.Equal(t, 3_000+frameAllowance, big)

	capped := estimateCost(&model.Request{
		Messages:  []*model.Message{{Role: model.RoleUser, Content: long}},
		MaxTokens: 4_000,
	})
	require.Equal(t, big+4_000, capped, "the completion cap is reserved too")
}
