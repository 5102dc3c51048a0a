package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/KafClaw/arbiter/internal/audit"
	"github.com/KafClaw/arbiter/internal/learning"
	"github.com/KafClaw/arbiter/internal/recovery"
	"github.com/KafClaw/arbiter/internal/router"
	"github.com/KafClaw/arbiter/internal/stats"
)

// AgentResourcePrefix prefixes the circuit resource of every agent.
const AgentResourcePrefix = "agent:"

// ErrInvalidDispatch is returned for malformed dispatch requests.
var ErrInvalidDispatch = errors.New("engine: invalid dispatch request")

// DispatchRequest executes a task. When Plan is nil the task is routed first
// using Route.
type DispatchRequest struct {
	TaskID     string          `json:"task_id,omitempty"`
	Prompt     string          `json:"prompt"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Plan       *router.Plan    `json:"plan,omitempty"`
	Route      RouteRequest    `json:"route"`
	MaxRetries int             `json:"max_retries,omitempty"`
	// UserAction is recorded with the outcome when already known.
	UserAction string `json:"user_action,omitempty"`
}

// AgentRun is the result of running the task on one agent.
type AgentRun struct {
	AgentID   string `json:"agent_id"`
	Role      string `json:"role,omitempty"`
	Ran       bool   `json:"ran"`
	Succeeded bool   `json:"succeeded"`
	Attempts  int    `json:"attempts"`
	Reason    string `json:"reason,omitempty"`
	Class     string `json:"class,omitempty"`
	LatencyMs int64  `json:"latency_ms"`
	Tokens    int64  `json:"tokens,omitempty"`
	Output    string `json:"output,omitempty"`
	Error     string `json:"error,omitempty"`
}

// DispatchResult is the audited result of Dispatch.
type DispatchResult struct {
	TaskID          string            `json:"task_id"`
	DecisionID      string            `json:"decision_id"`
	RouteDecisionID string            `json:"route_decision_id,omitempty"`
	Pattern         string            `json:"pattern"`
	Succeeded       bool              `json:"succeeded"`
	LatencyMs       int64             `json:"latency_ms"`
	Runs            []AgentRun        `json:"runs"`
	Outcome         *learning.Outcome `json:"outcome,omitempty"`
}

// Dispatch executes a plan: every agent invocation runs under the retry
// orchestrator and the agent's circuit breaker, and the overall result is
// recorded as an outcome for learning.
//
// Sequential plans run agents in rank order and stop at the first failure.
// Parallel plans run every agent concurrently. Hierarchical plans run the top
// agent as coordinator first and the rest concurrently once it succeeds.
func (e *Engine) Dispatch(ctx context.Context, req DispatchRequest) (*DispatchResult, error) {
	if e.executor == nil {
		return nil, ErrNoExecutor
	}
	if req.MaxRetries < 0 {
		return nil, fmt.Errorf("%w: max retries must not be negative", ErrInvalidDispatch)
	}
	if req.UserAction != "" && !validAction(req.UserAction) {
		return nil, fmt.Errorf("%w: unknown user action %q", ErrInvalidDispatch, req.UserAction)
	}

	res := &DispatchResult{TaskID: req.TaskID}
	if res.TaskID == "" {
		res.TaskID = uuid.NewString()
	}
	plan := req.Plan
	if plan == nil {
		route := req.Route
		if route.Prompt == "" {
			route.Prompt = req.Prompt
		}
		rd, err := e.Route(ctx, route)
		if err != nil {
			return nil, fmt.Errorf("route task: %w", err)
		}
		plan = rd.Plan
		res.RouteDecisionID = rd.DecisionID
	}
	if len(plan.Agents) == 0 || !stats.ValidPattern(plan.Pattern) {
		return nil, fmt.Errorf("%w: plan needs agents and a known pattern", ErrInvalidDispatch)
	}
	res.Pattern = plan.Pattern

	maxRetries := req.MaxRetries
	if maxRetries == 0 {
		maxRetries = e.cfg.MaxRetries
	}
	task := Task{ID: res.TaskID, Prompt: req.Prompt, Payload: req.Payload}
	payload, err := json.Marshal(task)
	if err != nil {
		return nil, fmt.Errorf("encode task: %w", err)
	}

	ids := plan.AgentIDs()
	runs := make([]AgentRun, len(ids))
	for i, id := range ids {
		runs[i] = AgentRun{AgentID: id}
	}
	run := func(i int) bool {
		runs[i] = e.runAgent(ctx, res.TaskID, ids[i], task, payload, maxRetries)
		return runs[i].Succeeded
	}

	start := e.now()
	switch plan.Pattern {
	case stats.PatternSequential:
		for i := range ids {
			if !run(i) {
				break
			}
		}
	case stats.PatternParallel:
		runConcurrently(run, 0, len(ids))
	case stats.PatternHierarchical:
		if run(0) {
			runConcurrently(run, 1, len(ids))
		}
		runs[0].Role = "coordinator"
		for i := 1; i < len(runs); i++ {
			runs[i].Role = "worker"
		}
	}
	res.LatencyMs = e.now().Sub(start).Milliseconds()
	res.Runs = runs

	res.Succeeded = true
	var ran []string
	var tokens int64
	for _, r := range runs {
		if !r.Succeeded {
			res.Succeeded = false
		}
		if r.Ran {
			ran = append(ran, r.AgentID)
			tokens += r.Tokens
		}
	}

	if len(ran) > 0 {
		o, err := e.learner.RecordOutcome(ctx, learning.Outcome{
			TaskID:     res.TaskID,
			Agents:     ran,
			Pattern:    plan.Pattern,
			Complexity: plan.Complexity,
			Success:    res.Succeeded,
			LatencyMs:  res.LatencyMs,
			Tokens:     tokens,
			UserAction: req.UserAction,
		})
		if err != nil {
			slog.Error("Failed to record dispatch outcome", "task", res.TaskID, "error", err)
		} else {
			res.Outcome = &o
		}
	}

	res.DecisionID = e.auditDispatch(ctx, res, plan)
	slog.Info("Task dispatched", "task", res.TaskID, "pattern", res.Pattern, "agents", ran, "succeeded", res.Succeeded, "latency_ms", res.LatencyMs)
	if err := ctx.Err(); err != nil {
		return res, err
	}
	return res, nil
}

func runConcurrently(run func(int) bool, from, to int) {
	var g errgroup.Group
	for i := from; i < to; i++ {
		g.Go(func() error {
			run(i)
			return nil
		})
	}
	_ = g.Wait()
}

func (e *Engine) runAgent(ctx context.Context, taskID, agentID string, task Task, payload []byte, maxRetries int) AgentRun {
	ar := AgentRun{AgentID: agentID}
	var (
		mu   sync.Mutex
		last ExecResult
	)
	runner := recovery.RunnerFunc(func(ctx context.Context, op recovery.Operation) error {
		start := e.now()
		out, err := e.executor.Execute(ctx, agentID, task)
		if out.LatencyMs == 0 {
			out.LatencyMs = e.now().Sub(start).Milliseconds()
		}
		mu.Lock()
		last = out
		mu.Unlock()
		return err
	})

	resource := AgentResourcePrefix + agentID
	if v := e.breakers.Check(ctx, resource); !v.Allowed {
		ar.Reason = recovery.ReasonCircuitOpen
		ar.Error = fmt.Sprintf("circuit %s is %s", resource, v.State)
		return ar
	}
	op := recovery.Operation{
		Resource: resource,
		Name:     "dispatch",
		AgentID:  agentID,
		Payload:  payload,
	}
	result, err := e.recovery.RetryWith(ctx, runner, taskID+"/"+agentID, op, maxRetries)
	mu.Lock()
	defer mu.Unlock()
	ar.Ran = result.Attempts > 0
	ar.Succeeded = result.Succeeded
	ar.Attempts = result.Attempts
	ar.Reason = result.Reason
	ar.Class = string(result.Class)
	ar.LatencyMs = last.LatencyMs
	ar.Tokens = last.Tokens
	if result.Succeeded {
		ar.Output = last.Output
	}
	if err != nil {
		ar.Error = result.LastError
		if ar.Error == "" {
			ar.Error = err.Error()
		}
	}
	return ar
}

func (e *Engine) auditDispatch(ctx context.Context, res *DispatchResult, plan *router.Plan) string {
	outcome := "failure"
	if res.Succeeded {
		outcome = "success"
	}
	steps := make([]audit.Step, 0, len(res.Runs))
	var failed []string
	for _, r := range res.Runs {
		desc := fmt.Sprintf("%s skipped", r.AgentID)
		if r.Ran {
			desc = fmt.Sprintf("%s %s after %d attempt(s)", r.AgentID, r.Reason, r.Attempts)
		}
		if r.Ran && !r.Succeeded {
			failed = append(failed, r.AgentID)
		}
		steps = append(steps, audit.Step{
			Description: desc,
			Reasoning:   r.Error,
			Data: map[string]any{
				"agent":      r.AgentID,
				"role":       r.Role,
				"succeeded":  r.Succeeded,
				"latency_ms": r.LatencyMs,
				"class":      r.Class,
			},
		})
	}
	rationale := fmt.Sprintf("%s dispatch to %d agent(s)", res.Pattern, len(res.Runs))
	if len(failed) > 0 {
		rationale += "; failed: " + strings.Join(failed, ", ")
	}
	d, err := e.tracer.LogTrace(ctx, audit.Decision{
		Type:       audit.TypeDispatch,
		Outcome:    outcome,
		Rationale:  rationale,
		Confidence: plan.Confidence,
		Context: map[string]any{
			"task_id":           res.TaskID,
			"pattern":           res.Pattern,
			"latency_ms":        res.LatencyMs,
			"route_decision_id": res.RouteDecisionID,
		},
	}, steps...)
	if err != nil {
		slog.Warn("Failed to audit dispatch", "task", res.TaskID, "error", err)
	}
	return d.ID
}

func validAction(a string) bool {
	switch a {
	case learning.ActionApproved, learning.ActionRejected, learning.ActionModified:
		return true
	}
	return false
}
