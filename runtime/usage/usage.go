// Package usage records per-module token consumption. Records are written by
// LLM-call modules as executions complete and aggregated per run for
// reporting; they are metering history, not workflow state.
package usage

import (
	"context"
	"time"
)

type (
	// Record is one module execution's token consumption.
	Record struct {
		// RunID is the consuming run.
		RunID string
		// ModuleName is the module instance that made the call.
		ModuleName string
		// Provider names the model provider.
		Provider string
		// Model is the provider's model identifier.
		Model string
		// PromptTokens counts input tokens.
		PromptTokens int64
		// CompletionTokens counts output tokens.
		CompletionTokens int64
		// CreatedAt is the record time.
		CreatedAt time.Time
	}

	// Totals aggregates a run's consumption.
	Totals struct {
		PromptTokens     int64
		CompletionTokens int64
		Calls            int64
	}

	// Store persists usage records.
	Store interface {
		// Record appends a usage record.
		Record(ctx context.Context, rec *Record) error
		// ForRun returns a run's records in insertion order.
		ForRun(ctx context.Context, runID string) ([]*Record, error)
		// TotalsForRun aggregates a run's consumption.
		TotalsForRun(ctx context.Context, runID string) (*Totals, error)
		// DeleteByRun removes a run's records. Used by whole-run purge.
		DeleteByRun(ctx context.Context, runID string) error
	}
)

// TotalTokens returns prompt plus completion tokens.
func (t *Totals) TotalTokens() int64 { return t.PromptTokens + t.CompletionTokens }
