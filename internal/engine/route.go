package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"

	"github.com/KafClaw/arbiter/internal/audit"
	"github.com/KafClaw/arbiter/internal/gate"
	"github.com/KafClaw/arbiter/internal/router"
)

// RouteRequest asks the engine to plan a task.
type RouteRequest struct {
	Prompt      string   `json:"prompt"`
	TokenBudget int      `json:"token_budget"`
	Tool        string   `json:"tool,omitempty"`
	Candidates  []string `json:"candidates,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	// MaxAgents caps the team size. Zero lets the analyzer's suggestion decide.
	MaxAgents int `json:"max_agents,omitempty"`
}

// RouteDecision is the audited result of Route.
type RouteDecision struct {
	DecisionID string       `json:"decision_id"`
	Escalated  bool         `json:"escalated"`
	Gate       gate.Result  `json:"gate"`
	Assessment Assessment   `json:"assessment"`
	Plan       *router.Plan `json:"plan"`
}

// Route runs the Stage-1 gate, assesses complexity and ranks candidates. A
// prompt the gate skips is routed to the single best agent. The whole chain
// is logged as one routing decision with a step per stage.
func (e *Engine) Route(ctx context.Context, req RouteRequest) (*RouteDecision, error) {
	if req.MaxAgents < 0 {
		return nil, fmt.Errorf("%w: max agents must not be negative", router.ErrInvalidRequest)
	}
	g := e.gate.Evaluate(req.Prompt, req.TokenBudget, req.Tool)

	a, err := e.analyzer.Assess(ctx, req.Prompt, g)
	if err != nil {
		err = fmt.Errorf("assess complexity: %w", err)
		e.routeFailed(ctx, req, g, "complexity assessment failed", err)
		return nil, err
	}
	a.Complexity = clampComplexity(a.Complexity)

	maxAgents := req.MaxAgents
	if maxAgents == 0 {
		maxAgents = suggestedAgents(a.Pattern)
	}
	if !g.Proceed {
		maxAgents = 1
	}
	plan, err := e.scorer.Select(ctx, router.Request{
		Candidates: req.Candidates,
		Tags:       req.Tags,
		Complexity: a.Complexity,
		MaxAgents:  maxAgents,
	})
	if err != nil {
		if !errors.Is(err, router.ErrInvalidRequest) {
			e.routeFailed(ctx, req, g, "candidate scoring failed", err)
		}
		return nil, err
	}

	rd := &RouteDecision{Escalated: g.Proceed, Gate: g, Assessment: a, Plan: plan}
	outcome := plan.Pattern
	if !g.Proceed {
		outcome = "single_agent"
	}
	d, err := e.tracer.LogTrace(ctx, audit.Decision{
		Type:       audit.TypeRouting,
		Outcome:    outcome,
		Rationale:  fmt.Sprintf("gate %s (%d/%d); %s", g.Decision, g.Score, g.Threshold, plan.PatternReason),
		Confidence: plan.Confidence,
		Context: map[string]any{
			"tool":             req.Tool,
			"gate_score":       g.Score,
			"complexity":       a.Complexity,
			"agents":           plan.AgentIDs(),
			"meets_confidence": plan.MeetsConfidence,
			"min_confidence":   plan.MinConfidence,
			"weights_version":  plan.WeightsVersion,
		},
	},
		audit.Step{
			Description: "stage-1 gate " + g.Decision,
			Reasoning:   strings.Join(g.Reasons, "; "),
			Data:        map[string]any{"score": g.Score, "threshold": g.Threshold, "word_count": g.Signals.WordCount},
		},
		audit.Step{
			Description: "complexity assessed",
			Reasoning:   a.Rationale,
			Data:        map[string]any{"complexity": a.Complexity, "suggested_pattern": a.Pattern},
		},
		audit.Step{
			Description: fmt.Sprintf("ranked %d candidates, selected %d", len(plan.Ranked), len(plan.Agents)),
			Data:        map[string]any{"ranked": rankSummary(plan.Ranked)},
		},
		audit.Step{
			Description: "pattern " + plan.Pattern,
			Reasoning:   plan.PatternReason,
			Data:        map[string]any{"confidence": plan.Confidence, "meets_confidence": plan.MeetsConfidence},
		},
	)
	if err != nil {
		slog.Warn("Failed to audit routing decision", "error", err)
	}
	rd.DecisionID = d.ID

	slog.Info("Task routed",
		"escalated", g.Proceed,
		"score", g.Score,
		"complexity", a.Complexity,
		"pattern", plan.Pattern,
		"agents", plan.AgentIDs(),
		"confidence", plan.Confidence)
	return rd, nil
}

func rankSummary(ranked []router.ScoredAgent) []map[string]any {
	out := make([]map[string]any, 0, len(ranked))
	for _, r := range ranked {
		out = append(out, map[string]any{"agent": r.AgentID, "fitness": r.Fitness, "cold_start": r.ColdStart})
	}
	return out
}

func clampComplexity(c float64) float64 {
	switch {
	case c < 0 || math.IsNaN(c):
		return 0
	case c > 100:
		return 100
	}
	return c
}

// routeFailed logs a routing decision with outcome "error". Invalid requests
// are rejected before anything is written and never reach here.
func (e *Engine) routeFailed(ctx context.Context, req RouteRequest, g gate.Result, stage string, cause error) {
	_, err := e.tracer.LogTrace(ctx, audit.Decision{
		Type:      audit.TypeRouting,
		Outcome:   "error",
		Rationale: fmt.Sprintf("%s: %v", stage, cause),
		Context: map[string]any{
			"tool":       req.Tool,
			"gate_score": g.Score,
			"candidates": req.Candidates,
		},
	},
		audit.Step{
			Description: "stage-1 gate " + g.Decision,
			Reasoning:   strings.Join(g.Reasons, "; "),
			Data:        map[string]any{"score": g.Score, "threshold": g.Threshold},
		},
		audit.Step{Description: stage, Reasoning: cause.Error()},
	)
	if err != nil {
		slog.Warn("Failed to audit routing failure", "error", err)
	}
}
