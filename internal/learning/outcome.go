// Package learning records task outcomes into the statistics store and
// periodically adapts the routing confidence threshold from them.
package learning

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/KafClaw/arbiter/internal/audit"
	"github.com/KafClaw/arbiter/internal/bus"
	"github.com/KafClaw/arbiter/internal/metrics"
	"github.com/KafClaw/arbiter/internal/stats"
	"github.com/KafClaw/arbiter/internal/store"
)

// StreamOutcomes is the store stream holding the outcome log.
const StreamOutcomes = "outcomes"

// User reactions to a task result.
const (
	ActionNone     = ""
	ActionApproved = "approved"
	ActionRejected = "rejected"
	ActionModified = "modified"
)

// ErrInvalidOutcome is returned for malformed outcomes.
var ErrInvalidOutcome = errors.New("learning: invalid outcome")

// Outcome is one executed task.
type Outcome struct {
	TaskID     string    `json:"task_id"`
	Agents     []string  `json:"agents"`
	Pattern    string    `json:"pattern"`
	Complexity float64   `json:"complexity"`
	Success    bool      `json:"success"`
	LatencyMs  int64     `json:"latency_ms"`
	Tokens     int64     `json:"tokens"`
	UserAction string    `json:"user_action,omitempty"`
	RecordedAt time.Time `json:"recorded_at"`
}

func (o Outcome) validate() error {
	if len(o.Agents) == 0 {
		return fmt.Errorf("%w: at least one agent is required", ErrInvalidOutcome)
	}
	for i, a := range o.Agents {
		if a == "" {
			return fmt.Errorf("%w: agent %d has an empty id", ErrInvalidOutcome, i)
		}
	}
	if !stats.ValidPattern(o.Pattern) {
		return fmt.Errorf("%w: unknown pattern %q", ErrInvalidOutcome, o.Pattern)
	}
	if math.IsNaN(o.Complexity) || o.Complexity < 0 || o.Complexity > 100 {
		return fmt.Errorf("%w: complexity %v outside [0,100]", ErrInvalidOutcome, o.Complexity)
	}
	if o.LatencyMs < 0 || o.Tokens < 0 {
		return fmt.Errorf("%w: latency and tokens must be non-negative", ErrInvalidOutcome)
	}
	switch o.UserAction {
	case ActionNone, ActionApproved, ActionRejected, ActionModified:
	default:
		return fmt.Errorf("%w: unknown user action %q", ErrInvalidOutcome, o.UserAction)
	}
	return nil
}

func (o Outcome) observation() stats.Observation {
	return stats.Observation{
		Success:   o.Success,
		LatencyMs: o.LatencyMs,
		Tokens:    o.Tokens,
		Feedback:  o.UserAction != ActionNone,
		Approved:  o.UserAction == ActionApproved,
		At:        o.RecordedAt,
	}
}

// Learner owns the outcome log and the weight adaptation job.
type Learner struct {
	store  store.Store
	repo   *stats.Repository
	tracer *audit.Tracer
	sink   bus.Sink
	now    func() time.Time
	window int
}

// Option customises a Learner.
type Option func(*Learner)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Learner) { l.now = now }
}

// WithWindow overrides the adaptation window (default 100 outcomes).
func WithWindow(n int) Option {
	return func(l *Learner) {
		if n > 0 {
			l.window = n
		}
	}
}

// NewLearner creates a learner. tracer and sink may be nil.
func NewLearner(st store.Store, repo *stats.Repository, tracer *audit.Tracer, sink bus.Sink, opts ...Option) *Learner {
	l := &Learner{
		store:  st,
		repo:   repo,
		tracer: tracer,
		sink:   sink,
		now:    time.Now,
		window: 100,
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// RecordOutcome folds o into the statistics of every named agent and of its
// pattern, then appends it to the outcome log. Each statistic is updated
// atomically; duplicate agent ids are counted once. An outcome whose
// statistics could not be updated is not logged.
func (l *Learner) RecordOutcome(ctx context.Context, o Outcome) (Outcome, error) {
	if err := o.validate(); err != nil {
		return Outcome{}, err
	}
	if o.TaskID == "" {
		o.TaskID = uuid.NewString()
	}
	if o.RecordedAt.IsZero() {
		o.RecordedAt = l.now()
	}
	o.Agents = uniq(o.Agents)

	raw, err := json.Marshal(o)
	if err != nil {
		return Outcome{}, fmt.Errorf("encode outcome: %w", err)
	}

	obs := o.observation()
	for _, id := range o.Agents {
		if _, err := l.repo.UpdateAgent(ctx, id, func(a *stats.AgentStat) error {
			a.Apply(obs)
			return nil
		}); err != nil {
			return o, fmt.Errorf("update agent %s: %w", id, err)
		}
	}
	if _, err := l.repo.UpdatePattern(ctx, o.Pattern, func(p *stats.PatternStat) error {
		p.Apply(obs)
		return nil
	}); err != nil {
		return o, fmt.Errorf("update pattern %s: %w", o.Pattern, err)
	}
	if _, err := l.store.Append(ctx, StreamOutcomes, raw); err != nil {
		slog.Error("Outcome applied to statistics but not logged", "task", o.TaskID, "error", err)
		return o, fmt.Errorf("append outcome: %w", err)
	}

	result := "failure"
	if o.Success {
		result = "success"
	}
	metrics.OutcomesRecorded.WithLabelValues(o.Pattern, result).Inc()
	slog.Debug("Outcome recorded", "task", o.TaskID, "agents", o.Agents, "pattern", o.Pattern, "success", o.Success)
	return o, nil
}

// Outcomes returns the n most recent outcomes, oldest first. n <= 0 returns
// the whole log.
func (l *Learner) Outcomes(ctx context.Context, n int) ([]Outcome, error) {
	recs, err := l.store.Tail(ctx, StreamOutcomes, n)
	if err != nil {
		return nil, err
	}
	out := make([]Outcome, 0, len(recs))
	for _, r := range recs {
		var o Outcome
		if err := json.Unmarshal(r.Value, &o); err != nil {
			return nil, fmt.Errorf("decode outcome %d: %w", r.Seq, err)
		}
		out = append(out, o)
	}
	return out, nil
}

func uniq(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
