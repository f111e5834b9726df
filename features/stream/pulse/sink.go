// Package pulse implements stream.Sink on goa.design/pulse streams so
// detached workers can publish onto the same run streams clients subscribe
// to. Each run gets its own Pulse stream named run/<run id>.
package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	clientspulse "github.com/loomworks/loom/features/stream/pulse/clients/pulse"
	"github.com/loomworks/loom/runtime/stream"
	"github.com/loomworks/loom/runtime/telemetry"
)

type (
	// Options configures the Pulse sink.
	Options struct {
		// Client is the Pulse client. Required.
		Client clientspulse.Client
		// SinkName prefixes consumer-group names. Defaults to "loom".
		SinkName string
		// Buffer is the subscription channel capacity. Defaults to 64.
		Buffer int
		// Logger defaults to the noop logger.
		Logger telemetry.Logger
	}

	// Sink publishes and consumes run stream events over Pulse.
	Sink struct {
		client clientspulse.Client
		name   string
		buffer int
		logger telemetry.Logger
	}

	// envelope is the wire form of one stream event.
	envelope struct {
		Type      string         `json:"type"`
		RunID     string         `json:"run_id"`
		Timestamp time.Time      `json:"timestamp"`
		Data      map[string]any `json:"data,omitempty"`
	}
)

// NewSink constructs a Pulse-backed stream sink.
func NewSink(opts Options) (*Sink, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	name := opts.SinkName
	if name == "" {
		name = "loom"
	}
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = 64
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Sink{
		client: opts.Client,
		name:   name,
		buffer: buffer,
		logger: logger,
	}, nil
}

// Publish implements stream.Sink.
func (s *Sink) Publish(ctx context.Context, runID string, ev *stream.Event) error {
	if runID == "" {
		return errors.New("run id is required")
	}
	if ev == nil {
		return errors.New("event is required")
	}
	handle, err := s.client.Stream(streamName(runID))
	if err != nil {
		return err
	}
	payload, err := json.Marshal(envelope{
		Type:      string(ev.Type),
		RunID:     runID,
		Timestamp: time.Now().UTC(),
		Data:      ev.Data,
	})
	if err != nil {
		return fmt.Errorf("encode stream event: %w", err)
	}
	if _, err := handle.Add(ctx, string(ev.Type), payload); err != nil {
		return err
	}
	return nil
}

// Subscribe implements stream.Sink. Every subscription gets its own consumer
// group so subscribers never steal each other's events.
func (s *Sink) Subscribe(ctx context.Context, runID string) (<-chan *stream.Event, func(), error) {
	if runID == "" {
		return nil, nil, errors.New("run id is required")
	}
	handle, err := s.client.Stream(streamName(runID))
	if err != nil {
		return nil, nil, err
	}
	group := fmt.Sprintf("%s-%s", s.name, uuid.NewString())
	sink, err := handle.NewSink(ctx, group)
	if err != nil {
		return nil, nil, err
	}

	out := make(chan *stream.Event, s.buffer)
	runCtx, cancel := context.WithCancel(ctx)
	go s.consume(runCtx, runID, sink, out)
	stop := func() {
		cancel()
		sink.Close(context.Background())
	}
	return out, stop, nil
}

// Close implements stream.Sink.
func (s *Sink) Close(ctx context.Context) error {
	return s.client.Close(ctx)
}

func (s *Sink) consume(ctx context.Context, runID string, sink clientspulse.Sink, out chan<- *stream.Event) {
	defer close(out)
	ch := sink.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			var env envelope
			if err := json.Unmarshal(evt.Payload, &env); err != nil {
				s.logger.Error(ctx, "decode stream event", "run_id", runID, "err", err)
				return
			}
			ev := &stream.Event{Type: stream.EventType(env.Type), Data: env.Data}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
			if err := sink.Ack(ctx, evt); err != nil {
				s.logger.Error(ctx, "ack stream event", "run_id", runID, "err", err)
				return
			}
			if ev.Terminal() {
				return
			}
		}
	}
}

func streamName(runID string) string { return "run/" + runID }
