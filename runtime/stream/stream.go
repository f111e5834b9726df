// Package stream is the streaming core: per-subscriber generators that
// surface run execution as ordered lifecycle events, plus the state-watch
// differ. The backing event log remains the truth; streams are a live view,
// not a second source of record.
package stream

import "context"

// EventType tags a stream event.
type EventType string

const (
	// TypeStarted opens an execution stream.
	TypeStarted EventType = "started"
	// TypeProgress reports in-flight work at a bounded rate.
	TypeProgress EventType = "progress"
	// TypeInteraction carries the full interaction request payload.
	TypeInteraction EventType = "interaction"
	// TypeComplete carries the final state.
	TypeComplete EventType = "complete"
	// TypeError carries a sanitized failure message.
	TypeError EventType = "error"
	// TypeCancelled reports a user cancellation.
	TypeCancelled EventType = "cancelled"
	// TypeStateSnapshot carries the full derived state map.
	TypeStateSnapshot EventType = "state_snapshot"
	// TypeStateUpdate carries the keys added or changed since the last
	// snapshot or update.
	TypeStateUpdate EventType = "state_update"
)

// Event is one item on a run's stream.
type Event struct {
	// Type tags the event.
	Type EventType `json:"type"`
	// Data is the payload.
	Data map[string]any `json:"data,omitempty"`
}

// Sink fans stream events out to remote subscribers. The in-process watcher
// channels do not require a sink; sinks exist so detached workers can feed
// the same streams clients subscribe to.
type Sink interface {
	// Publish sends an event on the run's stream.
	Publish(ctx context.Context, runID string, ev *Event) error
	// Subscribe returns a channel of events for the run and a stop function.
	Subscribe(ctx context.Context, runID string) (<-chan *Event, func(), error)
	// Close releases sink resources.
	Close(ctx context.Context) error
}

// Terminal reports whether the event ends its stream.
func (e *Event) Terminal() bool {
	switch e.Type {
	case TypeComplete, TypeError, TypeCancelled:
		return true
	}
	return false
}
