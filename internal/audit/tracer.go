package audit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/KafClaw/arbiter/internal/bus"
	"github.com/KafClaw/arbiter/internal/metrics"
)

// Tracer is the write and query surface over a Ledger. A nil *Tracer accepts
// writes and discards them, so components can run without an audit trail.
type Tracer struct {
	ledger Ledger
	sink   bus.Sink
	now    func() time.Time
	newID  func() string
}

// TracerOption customises a Tracer.
type TracerOption func(*Tracer)

// WithClock overrides the time source.
func WithClock(now func() time.Time) TracerOption {
	return func(t *Tracer) { t.now = now }
}

// WithIDs overrides decision id generation.
func WithIDs(newID func() string) TracerOption {
	return func(t *Tracer) { t.newID = newID }
}

// NewTracer creates a tracer over ledger. sink may be nil.
func NewTracer(ledger Ledger, sink bus.Sink, opts ...TracerOption) *Tracer {
	t := &Tracer{
		ledger: ledger,
		sink:   sink,
		now:    time.Now,
		newID:  uuid.NewString,
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// LogDecision assigns an id and timestamp (unless set) and appends d.
func (t *Tracer) LogDecision(ctx context.Context, d Decision) (Decision, error) {
	if t == nil {
		return d, nil
	}
	if d.ID == "" {
		d.ID = t.newID()
	}
	if d.Timestamp.IsZero() {
		d.Timestamp = t.now()
	}
	if err := t.ledger.AppendDecision(ctx, d); err != nil {
		return Decision{}, err
	}
	metrics.Decisions.WithLabelValues(d.Type, d.Outcome).Inc()
	slog.Debug("Decision logged", "id", d.ID, "type", d.Type, "outcome", d.Outcome, "confidence", d.Confidence)
	bus.Emit(ctx, t.sink, &bus.Event{
		Type:       bus.EventDecisionLogged,
		DecisionID: d.ID,
		Payload: map[string]any{
			"type":       d.Type,
			"outcome":    d.Outcome,
			"confidence": d.Confidence,
		},
		Timestamp: d.Timestamp,
	})
	return d, nil
}

// LogChainOfThought appends one reasoning step for a decision.
func (t *Tracer) LogChainOfThought(ctx context.Context, s Step) (Step, error) {
	if t == nil {
		return s, nil
	}
	if s.Timestamp.IsZero() {
		s.Timestamp = t.now()
	}
	if err := t.ledger.AppendStep(ctx, s); err != nil {
		return Step{}, err
	}
	return s, nil
}

// LogTrace appends a decision followed by its steps, numbering steps from 1
// in the order given. Step errors are reported after the decision is stored.
func (t *Tracer) LogTrace(ctx context.Context, d Decision, steps ...Step) (Decision, error) {
	d, err := t.LogDecision(ctx, d)
	if err != nil || t == nil {
		return d, err
	}
	for i, s := range steps {
		s.DecisionID = d.ID
		s.Step = i + 1
		if _, err := t.LogChainOfThought(ctx, s); err != nil {
			return d, fmt.Errorf("log step %d: %w", s.Step, err)
		}
	}
	return d, nil
}

// Query returns matching decisions, newest first.
func (t *Tracer) Query(ctx context.Context, f Filter) ([]Decision, error) {
	if t == nil {
		return nil, nil
	}
	return t.ledger.Decisions(ctx, f)
}

// Recent returns the n most recently appended decisions, newest first.
func (t *Tracer) Recent(ctx context.Context, n int) ([]Decision, error) {
	if n <= 0 {
		return nil, nil
	}
	return t.Query(ctx, Filter{Limit: n})
}

// Replay reconstructs a decision and its ordered steps.
func (t *Tracer) Replay(ctx context.Context, id string) (*Trace, error) {
	if t == nil {
		return nil, ErrNotFound
	}
	d, err := t.ledger.Decision(ctx, id)
	if err != nil {
		return nil, err
	}
	steps, err := t.ledger.Steps(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load steps for %s: %w", id, err)
	}
	return &Trace{Decision: d, Steps: steps}, nil
}

// Export returns a snapshot of the decisions matching f, each with its steps,
// plus the aggregate counters.
func (t *Tracer) Export(ctx context.Context, f Filter) (*Export, error) {
	if t == nil {
		return &Export{Counts: newCounts()}, nil
	}
	decisions, err := t.ledger.Decisions(ctx, f)
	if err != nil {
		return nil, err
	}
	out := &Export{GeneratedAt: t.now(), Filter: f, Traces: make([]Trace, 0, len(decisions))}
	for _, d := range decisions {
		steps, err := t.ledger.Steps(ctx, d.ID)
		if err != nil {
			return nil, fmt.Errorf("load steps for %s: %w", d.ID, err)
		}
		out.Traces = append(out.Traces, Trace{Decision: d, Steps: steps})
	}
	if out.Counts, err = t.ledger.Counts(ctx); err != nil {
		return nil, err
	}
	return out, nil
}

// Counts returns the aggregate counters.
func (t *Tracer) Counts(ctx context.Context) (Counts, error) {
	if t == nil {
		return newCounts(), nil
	}
	return t.ledger.Counts(ctx)
}
