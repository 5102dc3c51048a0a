// Package recovery retries failing operations with exponential backoff,
// consults the circuit breaker between attempts and keeps a store of tasks
// that exhausted their retries for later redrive.
package recovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"

	"github.com/KafClaw/arbiter/internal/audit"
	"github.com/KafClaw/arbiter/internal/bus"
	"github.com/KafClaw/arbiter/internal/circuit"
	"github.com/KafClaw/arbiter/internal/metrics"
	"github.com/KafClaw/arbiter/internal/store"
)

// Reason codes reported in Result.
const (
	ReasonSucceeded        = "succeeded"
	ReasonPermanent        = "permanent_error"
	ReasonCircuitOpen      = "circuit_breaker_open"
	ReasonRetriesExhausted = "max_retries_exceeded"
	// ReasonPersistFailed means retries were exhausted and the failed task
	// could not be stored for redrive.
	ReasonPersistFailed = "persist_failed"
	ReasonCancelled     = "cancelled"
)

var (
	ErrInvalidOperation = errors.New("recovery: invalid operation")
	ErrPermanent        = errors.New("recovery: permanent error")
	ErrCircuitOpen      = errors.New("recovery: circuit breaker open")
	ErrRetriesExhausted = errors.New("recovery: retries exhausted")
	ErrPersistFailed    = errors.New("recovery: failed task not persisted")
	ErrCancelled        = errors.New("recovery: cancelled")
)

// Operation is the unit of work being retried.
type Operation struct {
	// Resource names the circuit breaker consulted between attempts.
	Resource string          `json:"resource"`
	Name     string          `json:"name,omitempty"`
	AgentID  string          `json:"agent_id,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

func (op Operation) resource() string {
	if op.Resource != "" {
		return op.Resource
	}
	return op.Name
}

// Runner executes one attempt of an operation.
type Runner interface {
	Run(ctx context.Context, op Operation) error
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, op Operation) error

func (f RunnerFunc) Run(ctx context.Context, op Operation) error { return f(ctx, op) }

// Result summarises a Retry call.
type Result struct {
	TaskID     string `json:"task_id"`
	Succeeded  bool   `json:"succeeded"`
	Reason     string `json:"reason"`
	Class      Class  `json:"class,omitempty"`
	Attempts   int    `json:"attempts"`
	LastError  string `json:"last_error,omitempty"`
	DecisionID string `json:"decision_id,omitempty"`
}

// Failure is the error returned when Retry gives up.
type Failure struct {
	TaskID   string
	Reason   string
	Class    Class
	Attempts int
	Err      error
}

func (f *Failure) Error() string {
	if f.Err == nil {
		return fmt.Sprintf("task %s: %s after %d attempt(s)", f.TaskID, f.Reason, f.Attempts)
	}
	return fmt.Sprintf("task %s: %s after %d attempt(s): %v", f.TaskID, f.Reason, f.Attempts, f.Err)
}

func (f *Failure) Unwrap() []error {
	errs := reasonErrs(f.Reason)
	if f.Err != nil {
		errs = append(errs, f.Err)
	}
	return errs
}

func reasonErrs(reason string) []error {
	switch reason {
	case ReasonPermanent:
		return []error{ErrPermanent}
	case ReasonCircuitOpen:
		return []error{ErrCircuitOpen}
	case ReasonRetriesExhausted:
		return []error{ErrRetriesExhausted}
	case ReasonPersistFailed:
		return []error{ErrRetriesExhausted, ErrPersistFailed}
	default:
		return []error{ErrCancelled}
	}
}

// Orchestrator runs operations under retry and circuit protection.
type Orchestrator struct {
	cfg      Config
	store    store.Store
	breakers *circuit.Breakers
	tracer   *audit.Tracer
	sink     bus.Sink
	runner   Runner

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
	rnd   func(n int64) int64
}

// Option customises an Orchestrator.
type Option func(*Orchestrator)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithSleep overrides the backoff sleep. The function must return ctx.Err()
// when ctx is done before d elapses.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(o *Orchestrator) { o.sleep = sleep }
}

// WithRandom overrides the jitter source. rnd(n) must return a value in [0,n).
func WithRandom(rnd func(n int64) int64) Option {
	return func(o *Orchestrator) { o.rnd = rnd }
}

// WithRunner sets the runner used by Retry and Redrive.
func WithRunner(r Runner) Option {
	return func(o *Orchestrator) { o.runner = r }
}

// New creates an orchestrator. tracer and sink may be nil.
func New(cfg Config, st store.Store, breakers *circuit.Breakers, tracer *audit.Tracer, sink bus.Sink, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		cfg:      cfg,
		store:    st,
		breakers: breakers,
		tracer:   tracer,
		sink:     sink,
		now:      time.Now,
		sleep:    sleepCtx,
		rnd:      rand.Int64N,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Config returns the retry timing.
func (o *Orchestrator) Config() Config { return o.cfg }

// Retry runs op with the configured runner.
func (o *Orchestrator) Retry(ctx context.Context, taskID string, op Operation, maxRetries int) (Result, error) {
	if o.runner == nil {
		return Result{}, fmt.Errorf("%w: no runner configured", ErrInvalidOperation)
	}
	return o.RetryWith(ctx, o.runner, taskID, op, maxRetries)
}

// RetryWith runs op up to maxRetries times. Transient and intermittent
// failures are retried with backoff while the resource's breaker allows;
// permanent failures abort immediately. When every attempt fails the task is
// persisted for redrive.
func (o *Orchestrator) RetryWith(ctx context.Context, runner Runner, taskID string, op Operation, maxRetries int) (Result, error) {
	resource := op.resource()
	if resource == "" {
		return Result{}, fmt.Errorf("%w: resource or name is required", ErrInvalidOperation)
	}
	if maxRetries < 1 {
		return Result{}, fmt.Errorf("%w: max retries must be at least 1, got %d", ErrInvalidOperation, maxRetries)
	}
	if taskID == "" {
		taskID = uuid.NewString()
	}

	res := Result{TaskID: taskID}
	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		if ctx.Err() != nil {
			return o.fail(ctx, op, res, ReasonCancelled, ctx.Err())
		}
		res.Attempts = attempt

		err := runner.Run(ctx, op)
		if err == nil {
			return o.succeed(ctx, op, res, lastErr)
		}
		lastErr = err
		res.Class = Classify(err)
		res.LastError = err.Error()
		metrics.RetryAttempts.WithLabelValues(string(res.Class)).Inc()
		slog.Debug("Attempt failed", "task", taskID, "resource", resource, "attempt", attempt, "class", res.Class, "error", err)

		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			return o.fail(ctx, op, res, ReasonCancelled, err)
		}
		if res.Class == Permanent {
			return o.fail(ctx, op, res, ReasonPermanent, err)
		}
		if v := o.breakers.Check(ctx, resource); !v.Allowed {
			o.recordFailure(ctx, resource)
			return o.fail(ctx, op, res, ReasonCircuitOpen, err)
		}
		if attempt == maxRetries {
			break
		}

		delay := o.cfg.Backoff(attempt-1, o.rnd)
		metrics.RetryBackoff.Observe(delay.Seconds())
		if ctx.Err() != nil {
			return o.fail(ctx, op, res, ReasonCancelled, ctx.Err())
		}
		if err := o.sleep(ctx, delay); err != nil {
			return o.fail(ctx, op, res, ReasonCancelled, err)
		}
		o.recordFailure(ctx, resource)
	}

	o.recordFailure(ctx, resource)
	if err := o.persist(ctx, res, op); err != nil {
		return o.fail(ctx, op, res, ReasonPersistFailed, errors.Join(lastErr, fmt.Errorf("persist failed task: %w", err)))
	}
	return o.fail(ctx, op, res, ReasonRetriesExhausted, lastErr)
}

func (o *Orchestrator) succeed(ctx context.Context, op Operation, res Result, lastErr error) (Result, error) {
	res.Succeeded = true
	res.Reason = ReasonSucceeded
	res.LastError = ""
	if _, err := o.breakers.RecordSuccess(ctx, op.resource()); err != nil {
		slog.Warn("Failed to record circuit success", "resource", op.resource(), "error", err)
	}
	metrics.RecoveryResults.WithLabelValues(res.Reason).Inc()
	if res.Attempts > 1 {
		slog.Info("Operation recovered", "task", res.TaskID, "resource", op.resource(), "attempts", res.Attempts)
		res.DecisionID = o.audit(ctx, op, res, fmt.Sprintf("recovered after %d attempts; last error: %v", res.Attempts, lastErr))
	}
	return res, nil
}

func (o *Orchestrator) fail(ctx context.Context, op Operation, res Result, reason string, cause error) (Result, error) {
	res.Reason = reason
	if cause != nil {
		res.LastError = cause.Error()
	}
	metrics.RecoveryResults.WithLabelValues(reason).Inc()

	logFn := slog.Warn
	if reason == ReasonPermanent || reason == ReasonRetriesExhausted || reason == ReasonPersistFailed {
		logFn = slog.Error
	}
	logFn("Operation failed", "task", res.TaskID, "resource", op.resource(), "reason", reason, "class", res.Class, "attempts", res.Attempts, "error", cause)

	res.DecisionID = o.audit(ctx, op, res, fmt.Sprintf("%s (%s) after %d attempt(s): %v", reason, res.Class, res.Attempts, cause))
	if reason != ReasonCancelled {
		bus.Emit(ctx, o.sink, &bus.Event{
			Type:       bus.EventRecoveryFailed,
			Resource:   op.resource(),
			DecisionID: res.DecisionID,
			Payload: map[string]any{
				"task_id":  res.TaskID,
				"reason":   reason,
				"class":    string(res.Class),
				"attempts": res.Attempts,
			},
		})
	}
	return res, &Failure{TaskID: res.TaskID, Reason: reason, Class: res.Class, Attempts: res.Attempts, Err: cause}
}

func (o *Orchestrator) audit(ctx context.Context, op Operation, res Result, rationale string) string {
	outcome := res.Reason
	if res.Reason == ReasonPermanent {
		outcome = "escalated"
	}
	d, err := o.tracer.LogDecision(ctx, audit.Decision{
		Type:       audit.TypeRecovery,
		Outcome:    outcome,
		Rationale:  rationale,
		Confidence: 1,
		Context: map[string]any{
			"task_id":        res.TaskID,
			"resource":       op.resource(),
			"agent_id":       op.AgentID,
			"reason":         res.Reason,
			"classification": string(res.Class),
			"attempts":       res.Attempts,
			"last_error":     res.LastError,
		},
	})
	if err != nil {
		slog.Warn("Failed to audit recovery", "task", res.TaskID, "error", err)
	}
	return d.ID
}

func (o *Orchestrator) recordFailure(ctx context.Context, resource string) {
	if _, err := o.breakers.RecordFailure(ctx, resource); err != nil {
		slog.Warn("Failed to record circuit failure", "resource", resource, "error", err)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
