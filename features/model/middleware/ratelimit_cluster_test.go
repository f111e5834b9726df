package middleware

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/runtime/model"
)

// fakeBudget implements SharedBudget on a local map.
type fakeBudget struct {
	mu      sync.Mutex
	values  map[string]float64
	changes chan struct{}
}

func newFakeBudget() *fakeBudget {
	return &fakeBudget{
		values:  make(map[string]float64),
		changes: make(chan struct{}, 1),
	}
}

func (b *fakeBudget) Load(key string) (float64, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.values[key]
	return v, ok
}

func (b *fakeBudget) Init(_ context.Context, key string, tpm float64) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.values[key]; ok {
		return false, nil
	}
	b.values[key] = tpm
	return true, nil
}

func (b *fakeBudget) Swap(_ context.Context, key string, prev, next float64) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.values[key] != prev {
		return false, nil
	}
	b.values[key] = next
	return true, nil
}

func (b *fakeBudget) Changes() <-chan struct{} { return b.changes }

func (b *fakeBudget) set(key string, tpm float64) {
	b.mu.Lock()
	b.values[key] = tpm
	b.mu.Unlock()
	select {
	case b.changes <- struct{}{}:
	default:
	}
}

func TestSharedBudgetSeedsFromExistingValue(t *testing.T) {
	budget := newFakeBudget()
	budget.set("anthropic", 40_000)

	lim := NewLimiter(context.Background(), LimiterOptions{
		InitialTPM: 80_000,
		MaxTPM:     80_000,
		Budget:     budget,
		BudgetKey:  "anthropic",
	})

	lim.mu.Lock()
	defer lim.mu.Unlock()
	require.Equal(t, 40_000.0, lim.tpm, "an already-published budget wins over the initial value")
}

func TestShrinkLowersSharedBudget(t *testing.T) {
	budget := newFakeBudget()
	lim := NewLimiter(context.Background(), LimiterOptions{
		InitialTPM: 80_000,
		MaxTPM:     80_000,
		Budget:     budget,
		BudgetKey:  "anthropic",
	})

	client := &stubClient{completeErr: model.ErrRateLimited}
	_, err := lim.Wrap(client).Complete(context.Background(), chatRequest())
	require.ErrorIs(t, err, model.ErrRateLimited)

	require.Eventuallyf(t, func() bool {
		v, ok := budget.Load("anthropic")
		return ok && v == 40_000
	}, time.Second, 5*time.Millisecond, "shared budget should halve")
}

func TestFollowerAdoptsExternalChange(t *testing.T) {
	budget := newFakeBudget()
	lim := NewLimiter(context.Background(), LimiterOptions{
		InitialTPM: 80_000,
		MaxTPM:     80_000,
		Budget:     budget,
		BudgetKey:  "anthropic",
	})

	budget.set("anthropic", 20_000)

	require.Eventuallyf(t, func() bool {
		lim.mu.Lock()
		defer lim.mu.Unlock()
		return lim.tpm == 20_000
	}, time.Second, 5*time.Millisecond, "another process's backoff should apply here")
}

func TestBudgetlessLimiterStaysLocal(t *testing.T) {
	lim := NewLimiter(context.Background(), LimiterOptions{InitialTPM: 80_000})
	require.Nil(t, lim.budget)

	client := &stubClient{}
	_, err := lim.Wrap(client).Complete(context.Background(), chatRequest())
	require.NoError(t, err)
}
