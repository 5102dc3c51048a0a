// Package engine wires the gate, scorer, learner, circuit breakers, retry
// orchestrator and decision tracer into one facade and implements the
// route and dispatch flows on top of them.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/KafClaw/arbiter/internal/audit"
	"github.com/KafClaw/arbiter/internal/bus"
	"github.com/KafClaw/arbiter/internal/circuit"
	"github.com/KafClaw/arbiter/internal/gate"
	"github.com/KafClaw/arbiter/internal/learning"
	"github.com/KafClaw/arbiter/internal/recovery"
	"github.com/KafClaw/arbiter/internal/router"
	"github.com/KafClaw/arbiter/internal/stats"
	"github.com/KafClaw/arbiter/internal/store"
)

// ErrNoExecutor is returned by operations that need to run agents when the
// engine was built without an Executor.
var ErrNoExecutor = errors.New("engine: no executor configured")

// Config groups the component settings.
type Config struct {
	Gate    gate.Config
	Scorer  router.Config
	Weights stats.RoutingWeights
	Circuit circuit.Config
	Retry   recovery.Config
	// MaxRetries is the attempt budget per agent invocation in Dispatch.
	MaxRetries  int
	AdaptWindow int
}

func DefaultConfig() Config {
	return Config{
		Gate:        gate.DefaultConfig(),
		Scorer:      router.DefaultConfig(),
		Weights:     stats.DefaultWeights(),
		Circuit:     circuit.DefaultConfig(),
		Retry:       recovery.DefaultConfig(),
		MaxRetries:  3,
		AdaptWindow: 100,
	}
}

// Deps are the collaborators injected into the engine. Store is required.
// Ledger defaults to an in-memory ledger and Analyzer to HeuristicAnalyzer.
type Deps struct {
	Store    store.Store
	Ledger   audit.Ledger
	Sink     bus.Sink
	Executor Executor
	Analyzer ComplexityAnalyzer
	Registry router.Registry
	Lexicon  *gate.Lexicon

	Now    func() time.Time
	Sleep  func(ctx context.Context, d time.Duration) error
	Random func(n int64) int64
}

// Engine is the decision engine facade. It is safe for concurrent use.
type Engine struct {
	cfg      Config
	store    store.Store
	sink     bus.Sink
	executor Executor
	analyzer ComplexityAnalyzer
	now      func() time.Time

	gate     *gate.Gate
	stats    *stats.Repository
	scorer   *router.Scorer
	learner  *learning.Learner
	breakers *circuit.Breakers
	recovery *recovery.Orchestrator
	tracer   *audit.Tracer
}

// New builds an engine from cfg and deps.
func New(cfg Config, deps Deps) (*Engine, error) {
	if deps.Store == nil {
		return nil, errors.New("engine: store is required")
	}
	if cfg.MaxRetries < 1 {
		cfg.MaxRetries = 1
	}
	g, err := gate.New(cfg.Gate, deps.Lexicon)
	if err != nil {
		return nil, fmt.Errorf("build gate: %w", err)
	}

	e := &Engine{
		cfg:      cfg,
		store:    deps.Store,
		sink:     deps.Sink,
		executor: deps.Executor,
		analyzer: deps.Analyzer,
		now:      deps.Now,
		gate:     g,
	}
	if e.analyzer == nil {
		e.analyzer = HeuristicAnalyzer{}
	}
	if e.now == nil {
		e.now = time.Now
	}
	ledger := deps.Ledger
	if ledger == nil {
		ledger = audit.NewMemoryLedger()
	}

	e.tracer = audit.NewTracer(ledger, deps.Sink, audit.WithClock(e.now))
	e.stats = stats.NewRepository(deps.Store, cfg.Weights)
	e.scorer = router.NewScorer(cfg.Scorer, e.stats, deps.Registry)
	e.learner = learning.NewLearner(deps.Store, e.stats, e.tracer, deps.Sink,
		learning.WithClock(e.now), learning.WithWindow(cfg.AdaptWindow))
	e.breakers = circuit.New(cfg.Circuit, deps.Store, e.tracer, deps.Sink, circuit.WithClock(e.now))

	ropts := []recovery.Option{recovery.WithClock(e.now), recovery.WithRunner(recovery.RunnerFunc(e.runOperation))}
	if deps.Sleep != nil {
		ropts = append(ropts, recovery.WithSleep(deps.Sleep))
	}
	if deps.Random != nil {
		ropts = append(ropts, recovery.WithRandom(deps.Random))
	}
	e.recovery = recovery.New(cfg.Retry, deps.Store, e.breakers, e.tracer, deps.Sink, ropts...)
	return e, nil
}

// Config returns the engine configuration.
func (e *Engine) Config() Config { return e.cfg }

// EvaluateStage1 scores a prompt for escalation. It has no side effects
// besides logging and metrics.
func (e *Engine) EvaluateStage1(prompt string, tokenBudget int, tool string) gate.Result {
	return e.gate.Evaluate(prompt, tokenBudget, tool)
}

// ScoreAndSelect ranks candidates and returns the top maxAgents with a
// recommended pattern.
func (e *Engine) ScoreAndSelect(ctx context.Context, candidates []string, complexity float64, maxAgents int) (*router.Plan, error) {
	return e.scorer.Select(ctx, router.Request{Candidates: candidates, Complexity: complexity, MaxAgents: maxAgents})
}

// Select is ScoreAndSelect with registry tags.
func (e *Engine) Select(ctx context.Context, req router.Request) (*router.Plan, error) {
	return e.scorer.Select(ctx, req)
}

func (e *Engine) RecordOutcome(ctx context.Context, o learning.Outcome) (learning.Outcome, error) {
	return e.learner.RecordOutcome(ctx, o)
}

func (e *Engine) Outcomes(ctx context.Context, n int) ([]learning.Outcome, error) {
	return e.learner.Outcomes(ctx, n)
}

func (e *Engine) AdaptWeights(ctx context.Context) (learning.AdaptResult, error) {
	return e.learner.AdaptWeights(ctx)
}

func (e *Engine) AgentStats(ctx context.Context) ([]stats.AgentStat, error) {
	return e.stats.ListAgents(ctx)
}

func (e *Engine) PatternStats(ctx context.Context) ([]stats.PatternStat, error) {
	return e.stats.ListPatterns(ctx)
}

func (e *Engine) Weights(ctx context.Context) (stats.RoutingWeights, error) {
	return e.stats.Weights(ctx)
}

func (e *Engine) CircuitCheck(ctx context.Context, resource string) circuit.Verdict {
	return e.breakers.Check(ctx, resource)
}

func (e *Engine) CircuitRecordSuccess(ctx context.Context, resource string) (circuit.Snapshot, error) {
	return e.breakers.RecordSuccess(ctx, resource)
}

func (e *Engine) CircuitRecordFailure(ctx context.Context, resource string) (circuit.Snapshot, error) {
	return e.breakers.RecordFailure(ctx, resource)
}

func (e *Engine) CircuitReset(ctx context.Context, resource string) (circuit.Snapshot, error) {
	return e.breakers.Reset(ctx, resource)
}

func (e *Engine) Circuits(ctx context.Context) ([]circuit.Snapshot, error) {
	return e.breakers.List(ctx)
}

// Retry runs op through the retry orchestrator. The operation's AgentID picks
// the agent and its Payload is the Task handed to the executor.
func (e *Engine) Retry(ctx context.Context, taskID string, op recovery.Operation, maxRetries int) (recovery.Result, error) {
	return e.recovery.Retry(ctx, taskID, op, maxRetries)
}

func (e *Engine) RedriveFailed(ctx context.Context) (recovery.RedriveResult, error) {
	return e.recovery.Redrive(ctx)
}

func (e *Engine) FailedTasks(ctx context.Context) ([]recovery.FailedTask, error) {
	return e.recovery.Failed(ctx)
}

func (e *Engine) DiscardFailed(ctx context.Context, taskID string) error {
	return e.recovery.Discard(ctx, taskID)
}

func (e *Engine) LogDecision(ctx context.Context, d audit.Decision) (audit.Decision, error) {
	return e.tracer.LogDecision(ctx, d)
}

func (e *Engine) LogChainOfThought(ctx context.Context, s audit.Step) (audit.Step, error) {
	return e.tracer.LogChainOfThought(ctx, s)
}

func (e *Engine) QueryDecisions(ctx context.Context, f audit.Filter) ([]audit.Decision, error) {
	return e.tracer.Query(ctx, f)
}

func (e *Engine) Replay(ctx context.Context, decisionID string) (*audit.Trace, error) {
	return e.tracer.Replay(ctx, decisionID)
}

func (e *Engine) Export(ctx context.Context, f audit.Filter) (*audit.Export, error) {
	return e.tracer.Export(ctx, f)
}

func (e *Engine) DecisionCounts(ctx context.Context) (audit.Counts, error) {
	return e.tracer.Counts(ctx)
}

// runOperation is the default retry runner: it decodes the Task from the
// operation payload and executes it on op.AgentID.
func (e *Engine) runOperation(ctx context.Context, op recovery.Operation) error {
	if e.executor == nil {
		return recovery.WithClass(ErrNoExecutor, recovery.Permanent)
	}
	if op.AgentID == "" {
		return recovery.WithClass(fmt.Errorf("operation %s has no agent", op.Name), recovery.Permanent)
	}
	var task Task
	if len(op.Payload) > 0 {
		if err := json.Unmarshal(op.Payload, &task); err != nil {
			task = Task{Payload: op.Payload}
		}
	}
	_, err := e.executor.Execute(ctx, op.AgentID, task)
	return err
}
