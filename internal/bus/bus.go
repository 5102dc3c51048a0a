// Package bus provides best-effort event delivery for engine notifications.
package bus

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Event types emitted by the engine.
const (
	EventDecisionLogged    = "decision.logged"
	EventCircuitTransition = "circuit.transition"
	EventRecoveryFailed    = "recovery.failed"
	EventWeightsAdapted    = "weights.adapted"
	EventJobRun            = "scheduler.job_run"
)

// ErrBusFull is returned when the in-process bus buffer is exhausted.
var ErrBusFull = errors.New("bus: buffer full")

// Event is a single notification about a decision or state change.
type Event struct {
	Type       string         `json:"type"`
	Resource   string         `json:"resource,omitempty"`
	DecisionID string         `json:"decision_id,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// Sink receives events. Implementations must not block for long; callers
// treat every error as non-fatal.
type Sink interface {
	Publish(ctx context.Context, ev *Event) error
}

// Emit publishes ev to sink, logging instead of returning failures.
// A nil sink is a no-op.
func Emit(ctx context.Context, sink Sink, ev *Event) {
	if sink == nil || ev == nil {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	if err := sink.Publish(ctx, ev); err != nil {
		slog.Warn("Event emission failed", "type", ev.Type, "resource", ev.Resource, "error", err)
	}
}

// MultiSink fans an event out to several sinks. It reports the first error but
// always attempts every sink.
type MultiSink []Sink

func (m MultiSink) Publish(ctx context.Context, ev *Event) error {
	var first error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Publish(ctx, ev); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// MessageBus is an in-process Sink. Publishing never blocks: when the buffer
// is full the event is dropped.
type MessageBus struct {
	events chan *Event
	subs   map[string][]func(*Event)
	all    []func(*Event)
	mu     sync.RWMutex
}

// NewMessageBus creates a bus with the given buffer size (100 when <= 0).
func NewMessageBus(buffer int) *MessageBus {
	if buffer <= 0 {
		buffer = 100
	}
	return &MessageBus{
		events: make(chan *Event, buffer),
		subs:   make(map[string][]func(*Event)),
	}
}

// Publish enqueues the event for dispatch.
func (b *MessageBus) Publish(_ context.Context, ev *Event) error {
	select {
	case b.events <- ev:
		return nil
	default:
		return ErrBusFull
	}
}

// Subscribe registers a callback for one event type. An empty type receives
// every event.
func (b *MessageBus) Subscribe(eventType string, callback func(*Event)) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if eventType == "" {
		b.all = append(b.all, callback)
		return
	}
	b.subs[eventType] = append(b.subs[eventType], callback)
}

// Dispatch delivers queued events to subscribers until ctx is cancelled.
// This should be run as a goroutine.
func (b *MessageBus) Dispatch(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-b.events:
			b.deliver(ev)
		}
	}
}

// Drain delivers every event currently queued and returns how many were sent.
func (b *MessageBus) Drain() int {
	n := 0
	for {
		select {
		case ev := <-b.events:
			b.deliver(ev)
			n++
		default:
			return n
		}
	}
}

func (b *MessageBus) deliver(ev *Event) {
	b.mu.RLock()
	callbacks := append([]func(*Event){}, b.subs[ev.Type]...)
	callbacks = append(callbacks, b.all...)
	b.mu.RUnlock()

	for _, cb := range callbacks {
		cb(ev)
	}
}

// Pending returns the number of queued events.
func (b *MessageBus) Pending() int {
	return len(b.events)
}
