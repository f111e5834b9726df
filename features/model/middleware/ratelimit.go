// Package middleware provides model.Client wrappers shared by the builtin
// modules, currently an adaptive tokens-per-minute limiter.
package middleware

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/time/rate"

	"github.com/loomworks/loom/runtime/model"
)

const (
	// floorFraction bounds how far backoff can shrink the budget, as a
	// fraction of the initial tokens-per-minute.
	floorFraction = 0.10
	// probeFraction is the linear recovery step per successful call, as a
	// fraction of the initial tokens-per-minute.
	probeFraction = 0.05

	defaultTPM = 60_000

	charsPerToken  = 3
	frameAllowance = 200
	minCost        = 500
)

type (
	// LimiterOptions configures NewLimiter.
	LimiterOptions struct {
		// InitialTPM is the starting tokens-per-minute budget. Defaults to
		// 60000.
		InitialTPM float64
		// MaxTPM caps probing. Values below InitialTPM are raised to it.
		MaxTPM float64
		// Budget optionally shares the effective budget across processes.
		// When set, BudgetKey names this limiter's entry.
		Budget    SharedBudget
		BudgetKey string
	}

	// Limiter gates model.Client calls behind an adaptive tokens-per-minute
	// budget. Each call is charged an estimated cost up front; a rate-limited
	// error from the provider halves the budget and successful calls grow it
	// back linearly toward the configured ceiling. With a SharedBudget the
	// same figure is coordinated across worker processes.
	//
	// Construct one Limiter per provider and wrap the provider client with
	// Wrap before registering modules that call it.
	Limiter struct {
		mu      sync.Mutex
		bucket  *rate.Limiter
		tpm     float64
		floor   float64
		ceiling float64
		step    float64

		budget    SharedBudget
		budgetKey string
	}

	gatedClient struct {
		next model.Client
		lim  *Limiter
	}
)

// NewLimiter builds a Limiter. ctx bounds the lifetime of the shared-budget
// follower; it is unused for process-local limiters.
func NewLimiter(ctx context.Context, opts LimiterOptions) *Limiter {
	initial := opts.InitialTPM
	if initial <= 0 {
		initial = defaultTPM
	}
	ceiling := opts.MaxTPM
	if ceiling < initial {
		ceiling = initial
	}
	floor := initial * floorFraction
	if floor < 1 {
		floor = 1
	}
	step := initial * probeFraction
	if step < 1 {
		step = 1
	}

	l := &Limiter{
		tpm:     initial,
		floor:   floor,
		ceiling: ceiling,
		step:    step,
	}
	if opts.Budget != nil && opts.BudgetKey != "" {
		l.budget = opts.Budget
		l.budgetKey = opts.BudgetKey
		if shared, ok := l.seedBudget(ctx, initial); ok {
			if shared < floor {
				shared = floor
			}
			if shared > ceiling {
				shared = ceiling
			}
			l.tpm = shared
		}
	}
	l.bucket = rate.NewLimiter(rate.Limit(l.tpm/60.0), int(l.tpm))
	if l.budget != nil {
		go l.follow(ctx)
	}
	return l
}

// Wrap returns next gated behind the limiter.
func (l *Limiter) Wrap(next model.Client) model.Client {
	return &gatedClient{next: next, lim: l}
}

func (c *gatedClient) Provider() string { return c.next.Provider() }

func (c *gatedClient) Complete(ctx context.Context, req *model.Request) (*model.Response, error) {
	if err := c.lim.charge(ctx, req); err != nil {
		return nil, err
	}
	resp, err := c.next.Complete(ctx, req)
	c.lim.settle(err)
	return resp, err
}

func (c *gatedClient) Stream(ctx context.Context, req *model.Request) (model.Streamer, error) {
	if err := c.lim.charge(ctx, req); err != nil {
		return nil, err
	}
	stream, err := c.next.Stream(ctx, req)
	c.lim.settle(err)
	return stream, err
}

// charge blocks until the estimated cost fits the budget or ctx ends.
func (l *Limiter) charge(ctx context.Context, req *model.Request) error {
	return l.bucket.WaitN(ctx, estimateCost(req))
}

// settle adjusts the budget from the call outcome: providers signalling rate
// limiting shrink it, anything else that completed grows it.
func (l *Limiter) settle(err error) {
	switch {
	case err == nil:
		l.grow()
	case errors.Is(err, model.ErrRateLimited):
		l.shrink()
	}
}

func (l *Limiter) shrink() {
	if changed := l.retune(func(tpm float64) float64 { return tpm / 2 }); changed && l.budget != nil {
		go l.shareShrink()
	}
}

func (l *Limiter) grow() {
	if changed := l.retune(func(tpm float64) float64 { return tpm + l.step }); changed && l.budget != nil {
		go l.shareGrow()
	}
}

// adopt replaces the budget with an externally decided value.
func (l *Limiter) adopt(tpm float64) {
	l.retune(func(float64) float64 { return tpm })
}

// retune applies f to the current budget, clamps the result to
// [floor, ceiling], and reports whether the budget moved.
func (l *Limiter) retune(f func(float64) float64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	next := f(l.tpm)
	if next < l.floor {
		next = l.floor
	}
	if next > l.ceiling {
		next = l.ceiling
	}
	if next == l.tpm {
		return false
	}
	l.tpm = next
	l.bucket.SetLimit(rate.Limit(next / 60.0))
	l.bucket.SetBurst(int(next))
	return true
}

// estimateCost guesses the token charge for one request: roughly one token
// per three characters of conversation, the request's completion cap, and a
// fixed allowance for system prompts and provider framing.
func estimateCost(req *model.Request) int {
	chars := 0
	for _, m := range req.Messages {
		if m != nil {
			chars += len(m.Content)
		}
	}
	cost := chars/charsPerToken + req.MaxTokens + frameAllowance
	if cost < minCost {
		cost = minCost
	}
	return cost
}
