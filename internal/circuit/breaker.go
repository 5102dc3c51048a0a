// Package circuit implements keyed circuit breakers whose state lives in a
// shared store, so every process sees one authoritative state per resource.
package circuit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/KafClaw/arbiter/internal/audit"
	"github.com/KafClaw/arbiter/internal/bus"
	"github.com/KafClaw/arbiter/internal/metrics"
	"github.com/KafClaw/arbiter/internal/store"
)

// KeyPrefix is the store prefix for breaker state.
const KeyPrefix = "circuit/"

// State of a breaker.
type State string

const (
	Closed   State = "closed"
	Open     State = "open"
	HalfOpen State = "half_open"
)

var errNoWrite = errors.New("circuit: no write")

// Config holds breaker thresholds.
type Config struct {
	// FailureThreshold consecutive failures open a closed breaker.
	FailureThreshold int `json:"failureThreshold"`
	// SuccessThreshold successes in half-open close the breaker.
	SuccessThreshold int `json:"successThreshold"`
	// HalfOpenAfter is how long an open breaker waits before probing. It is
	// also the lease on an unsettled probe.
	HalfOpenAfter time.Duration `json:"halfOpenAfter"`
	// MaxProbes bounds concurrent calls allowed while half-open.
	MaxProbes int `json:"maxProbes"`
}

func DefaultConfig() Config {
	return Config{
		FailureThreshold: 3,
		SuccessThreshold: 2,
		HalfOpenAfter:    60 * time.Second,
		MaxProbes:        1,
	}
}

// Snapshot is the persisted state of one breaker.
type Snapshot struct {
	Resource       string    `json:"resource"`
	State          State     `json:"state"`
	FailureCount   int       `json:"failure_count"`
	SuccessCount   int       `json:"success_count"`
	OpenedAt       time.Time `json:"opened_at,omitempty"`
	ProbesInFlight int       `json:"probes_in_flight"`
	ProbeStartedAt time.Time `json:"probe_started_at,omitempty"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Verdict is the result of Check.
type Verdict struct {
	Allowed bool  `json:"allowed"`
	State   State `json:"state"`
	// Probe is set when the call was admitted as a half-open probe.
	Probe bool `json:"probe"`
	// Degraded is set when state could not be read and the check failed open.
	Degraded bool `json:"degraded,omitempty"`
}

type transition struct {
	from, to State
}

// Breakers manages every keyed breaker in a store.
type Breakers struct {
	cfg    Config
	store  store.Store
	tracer *audit.Tracer
	sink   bus.Sink
	now    func() time.Time
}

// Option customises Breakers.
type Option func(*Breakers)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(b *Breakers) { b.now = now }
}

// New creates a breaker set. tracer and sink may be nil.
func New(cfg Config, st store.Store, tracer *audit.Tracer, sink bus.Sink, opts ...Option) *Breakers {
	if cfg.MaxProbes < 1 {
		cfg.MaxProbes = 1
	}
	b := &Breakers{cfg: cfg, store: st, tracer: tracer, sink: sink, now: time.Now}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Config returns the breaker thresholds.
func (b *Breakers) Config() Config { return b.cfg }

// Check reports whether a call to resource may proceed. An open breaker whose
// timeout has elapsed moves to half-open and admits one probe. Any store
// failure allows the call.
func (b *Breakers) Check(ctx context.Context, resource string) Verdict {
	var (
		v  Verdict
		tr *transition
	)
	now := b.now()
	_, err := b.update(ctx, resource, func(s *Snapshot, exists bool) (bool, error) {
		v, tr = Verdict{State: s.State}, nil
		switch s.State {
		case Closed:
			v.Allowed = true
			return !exists, nil
		case Open:
			if now.Sub(s.OpenedAt) < b.cfg.HalfOpenAfter {
				return false, nil
			}
			tr = &transition{from: Open, to: HalfOpen}
			s.State = HalfOpen
			s.SuccessCount = 0
			s.ProbesInFlight = 1
			s.ProbeStartedAt = now
			v = Verdict{Allowed: true, State: HalfOpen, Probe: true}
			return true, nil
		case HalfOpen:
			if s.ProbesInFlight > 0 && now.Sub(s.ProbeStartedAt) >= b.cfg.HalfOpenAfter {
				slog.Warn("Reclaiming stale circuit probe", "resource", resource, "probes", s.ProbesInFlight)
				s.ProbesInFlight = 0
			}
			if s.ProbesInFlight >= b.cfg.MaxProbes {
				return false, nil
			}
			s.ProbesInFlight++
			s.ProbeStartedAt = now
			v = Verdict{Allowed: true, State: HalfOpen, Probe: true}
			return true, nil
		default:
			return false, fmt.Errorf("unknown circuit state %q", s.State)
		}
	})
	if err != nil {
		slog.Warn("Circuit check failed open", "resource", resource, "error", err)
		return Verdict{Allowed: true, State: Closed, Degraded: true}
	}
	if tr != nil {
		b.announce(ctx, resource, *tr)
	}
	if !v.Allowed {
		metrics.CircuitRejections.Inc()
	}
	return v
}

// RecordSuccess registers a successful call and settles any probe.
func (b *Breakers) RecordSuccess(ctx context.Context, resource string) (Snapshot, error) {
	var tr *transition
	snap, err := b.update(ctx, resource, func(s *Snapshot, _ bool) (bool, error) {
		tr = nil
		settleProbe(s)
		s.FailureCount = 0
		s.SuccessCount++
		if s.State == HalfOpen && s.SuccessCount >= b.cfg.SuccessThreshold {
			tr = &transition{from: HalfOpen, to: Closed}
			s.State = Closed
			s.SuccessCount = 0
			s.OpenedAt = time.Time{}
		}
		return true, nil
	})
	if err != nil {
		return Snapshot{}, fmt.Errorf("record success for %s: %w", resource, err)
	}
	if tr != nil {
		b.announce(ctx, resource, *tr)
	}
	return snap, nil
}

// RecordFailure registers a failed call and settles any probe.
func (b *Breakers) RecordFailure(ctx context.Context, resource string) (Snapshot, error) {
	var tr *transition
	now := b.now()
	snap, err := b.update(ctx, resource, func(s *Snapshot, _ bool) (bool, error) {
		tr = nil
		settleProbe(s)
		s.FailureCount++
		s.SuccessCount = 0
		switch s.State {
		case Closed:
			if s.FailureCount >= b.cfg.FailureThreshold {
				tr = &transition{from: Closed, to: Open}
				s.State = Open
				s.OpenedAt = now
			}
		case HalfOpen:
			tr = &transition{from: HalfOpen, to: Open}
			s.State = Open
			s.OpenedAt = now
			s.ProbesInFlight = 0
		}
		return true, nil
	})
	if err != nil {
		return Snapshot{}, fmt.Errorf("record failure for %s: %w", resource, err)
	}
	if tr != nil {
		b.announce(ctx, resource, *tr)
	}
	return snap, nil
}

// Reset forces the breaker closed with zeroed counters.
func (b *Breakers) Reset(ctx context.Context, resource string) (Snapshot, error) {
	var tr *transition
	snap, err := b.update(ctx, resource, func(s *Snapshot, _ bool) (bool, error) {
		tr = nil
		if s.State != Closed {
			tr = &transition{from: s.State, to: Closed}
		}
		*s = Snapshot{Resource: resource, State: Closed}
		return true, nil
	})
	if err != nil {
		return Snapshot{}, fmt.Errorf("reset %s: %w", resource, err)
	}
	if tr != nil {
		b.announce(ctx, resource, *tr)
	}
	return snap, nil
}

// State returns the stored snapshot. A resource never seen is reported closed
// with exists=false.
func (b *Breakers) State(ctx context.Context, resource string) (Snapshot, bool, error) {
	e, err := b.store.Get(ctx, KeyPrefix+resource)
	if errors.Is(err, store.ErrNotFound) {
		return Snapshot{Resource: resource, State: Closed}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, err
	}
	var s Snapshot
	if err := json.Unmarshal(e.Value, &s); err != nil {
		return Snapshot{}, false, fmt.Errorf("decode circuit %s: %w", resource, err)
	}
	return s, true, nil
}

// List returns every stored breaker ordered by resource.
func (b *Breakers) List(ctx context.Context) ([]Snapshot, error) {
	entries, err := b.store.List(ctx, KeyPrefix)
	if err != nil {
		return nil, err
	}
	out := make([]Snapshot, 0, len(entries))
	for _, e := range entries {
		var s Snapshot
		if err := json.Unmarshal(e.Value, &s); err != nil {
			return nil, fmt.Errorf("decode %s: %w", e.Key, err)
		}
		out = append(out, s)
	}
	return out, nil
}

// update runs fn against the current snapshot under compare-and-swap. fn
// reports whether the snapshot must be written; the final snapshot is
// returned either way.
func (b *Breakers) update(ctx context.Context, resource string, fn func(s *Snapshot, exists bool) (bool, error)) (Snapshot, error) {
	var out Snapshot
	_, err := store.Update(ctx, b.store, KeyPrefix+resource, func(cur []byte, exists bool) ([]byte, error) {
		s := Snapshot{Resource: resource, State: Closed}
		if exists {
			if err := json.Unmarshal(cur, &s); err != nil {
				return nil, fmt.Errorf("decode circuit %s: %w", resource, err)
			}
		}
		write, err := fn(&s, exists)
		if err != nil {
			return nil, err
		}
		out = s
		if !write {
			return nil, errNoWrite
		}
		s.UpdatedAt = b.now()
		out = s
		return json.Marshal(s)
	})
	if errors.Is(err, errNoWrite) {
		return out, nil
	}
	return out, err
}

func (b *Breakers) announce(ctx context.Context, resource string, tr transition) {
	metrics.CircuitTransitions.WithLabelValues(string(tr.to)).Inc()
	if tr.to == Open {
		slog.Warn("Circuit opened", "resource", resource, "from", tr.from)
	} else {
		slog.Info("Circuit transition", "resource", resource, "from", tr.from, "to", tr.to)
	}

	d, err := b.tracer.LogDecision(ctx, audit.Decision{
		Type:       audit.TypeCircuit,
		Outcome:    string(tr.to),
		Rationale:  fmt.Sprintf("%s: %s -> %s", resource, tr.from, tr.to),
		Confidence: 1,
		Context:    map[string]any{"resource": resource, "from": string(tr.from), "to": string(tr.to)},
	})
	if err != nil {
		slog.Warn("Failed to audit circuit transition", "resource", resource, "error", err)
	}
	bus.Emit(ctx, b.sink, &bus.Event{
		Type:       bus.EventCircuitTransition,
		Resource:   resource,
		DecisionID: d.ID,
		Payload:    map[string]any{"from": string(tr.from), "to": string(tr.to)},
	})
}

func settleProbe(s *Snapshot) {
	if s.ProbesInFlight > 0 {
		s.ProbesInFlight--
	}
	if s.ProbesInFlight == 0 {
		s.ProbeStartedAt = time.Time{}
	}
}
