package middleware

import (
	"context"
	"strconv"
	"time"

	"goa.design/pulse/rmap"
)

const (
	budgetTimeout  = 2 * time.Second
	budgetAttempts = 3
)

type (
	// SharedBudget coordinates one tokens-per-minute figure across processes.
	// Implementations must make Swap atomic so concurrent limiters converge
	// instead of clobbering each other.
	SharedBudget interface {
		// Load returns the current shared value for key.
		Load(key string) (float64, bool)
		// Init sets key when absent and reports whether this call set it.
		Init(ctx context.Context, key string, tpm float64) (bool, error)
		// Swap replaces key's value with next if it still equals prev, and
		// reports whether the swap happened.
		Swap(ctx context.Context, key string, prev, next float64) (bool, error)
		// Changes signals after the shared state may have moved. Signals
		// coalesce; consumers re-Load on each one.
		Changes() <-chan struct{}
	}

	// RmapBudget implements SharedBudget on a Pulse replicated map, so every
	// worker holding the same Redis-backed map shares one budget per provider.
	RmapBudget struct {
		m       *rmap.Map
		changes chan struct{}
	}
)

// NewRmapBudget builds a SharedBudget over m. ctx stops the change forwarder.
func NewRmapBudget(ctx context.Context, m *rmap.Map) *RmapBudget {
	b := &RmapBudget{m: m, changes: make(chan struct{}, 1)}
	go b.forward(ctx)
	return b
}

// Load implements SharedBudget.
func (b *RmapBudget) Load(key string) (float64, bool) {
	raw, ok := b.m.Get(key)
	if !ok {
		return 0, false
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || v <= 0 {
		return 0, false
	}
	return v, true
}

// Init implements SharedBudget.
func (b *RmapBudget) Init(ctx context.Context, key string, tpm float64) (bool, error) {
	return b.m.SetIfNotExists(ctx, key, formatTPM(tpm))
}

// Swap implements SharedBudget.
func (b *RmapBudget) Swap(ctx context.Context, key string, prev, next float64) (bool, error) {
	seen, err := b.m.TestAndSet(ctx, key, formatTPM(prev), formatTPM(next))
	if err != nil {
		return false, err
	}
	return seen == formatTPM(prev), nil
}

// Changes implements SharedBudget.
func (b *RmapBudget) Changes() <-chan struct{} { return b.changes }

func (b *RmapBudget) forward(ctx context.Context) {
	events := b.m.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-events:
			if !ok {
				return
			}
			select {
			case b.changes <- struct{}{}:
			default:
			}
		}
	}
}

func formatTPM(tpm float64) string {
	return strconv.Itoa(int(tpm))
}

// seedBudget publishes the initial budget when absent and returns the shared
// value to start from. A false return means the shared budget is unusable and
// the limiter stays process-local.
func (l *Limiter) seedBudget(ctx context.Context, initial float64) (float64, bool) {
	if _, ok := l.budget.Load(l.budgetKey); !ok {
		if _, err := l.budget.Init(ctx, l.budgetKey, initial); err != nil {
			l.budget = nil
			return 0, false
		}
	}
	if shared, ok := l.budget.Load(l.budgetKey); ok {
		return shared, true
	}
	return initial, true
}

// follow adopts external budget changes until ctx ends.
func (l *Limiter) follow(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-l.budget.Changes():
			if !ok {
				return
			}
			if tpm, ok := l.budget.Load(l.budgetKey); ok {
				l.adopt(tpm)
			}
		}
	}
}

// shareShrink halves the shared budget, clamped to the limiter floor. The
// compare-and-swap loop gives up after a few lost races; whichever process
// won already shrank the budget.
func (l *Limiter) shareShrink() {
	ctx, cancel := context.WithTimeout(context.Background(), budgetTimeout)
	defer cancel()

	for i := 0; i < budgetAttempts; i++ {
		cur, ok := l.budget.Load(l.budgetKey)
		if !ok {
			return
		}
		next := cur / 2
		if next < l.floor {
			next = l.floor
		}
		if next == cur {
			return
		}
		swapped, err := l.budget.Swap(ctx, l.budgetKey, cur, next)
		if err != nil || swapped {
			return
		}
	}
}

// shareGrow raises the shared budget one step, clamped to the ceiling.
func (l *Limiter) shareGrow() {
	ctx, cancel := context.WithTimeout(context.Background(), budgetTimeout)
	defer cancel()

	for i := 0; i < budgetAttempts; i++ {
		cur, ok := l.budget.Load(l.budgetKey)
		if !ok || cur >= l.ceiling {
			return
		}
		next := cur + l.step
		if next > l.ceiling {
			next = l.ceiling
		}
		swapped, err := l.budget.Swap(ctx, l.budgetKey, cur, next)
		if err != nil || swapped {
			return
		}
	}
}
