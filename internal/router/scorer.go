// Package router ranks candidate executors by learned performance and picks
// an execution pattern for the selected set.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"

	"github.com/KafClaw/arbiter/internal/stats"
)

var (
	// ErrInvalidRequest is returned for malformed selection requests.
	ErrInvalidRequest = errors.New("router: invalid request")
	// ErrNoCandidates is returned when neither the request nor the registry
	// yields a candidate.
	ErrNoCandidates = errors.New("router: no candidates")
)

// Config tunes the scorer.
type Config struct {
	BaselineLatencyMs float64 `json:"baselineLatencyMs"`
	BaselineTokens    float64 `json:"baselineTokens"`
	ColdStartFitness  float64 `json:"coldStartFitness"`
	ComplexityPivot   float64 `json:"complexityPivot"`
	ParallelMinRate   float64 `json:"parallelMinRate"`
	HierarchicalMin   int     `json:"hierarchicalMin"`
}

func DefaultConfig() Config {
	return Config{
		BaselineLatencyMs: 5000,
		BaselineTokens:    8000,
		ColdStartFitness:  0.5,
		ComplexityPivot:   60,
		ParallelMinRate:   0.70,
		HierarchicalMin:   4,
	}
}

// StatsReader is the read side of stats.Repository.
type StatsReader interface {
	Agents(ctx context.Context, ids []string) (map[string]stats.AgentStat, error)
	Pattern(ctx context.Context, name string) (stats.PatternStat, bool, error)
	Weights(ctx context.Context) (stats.RoutingWeights, error)
}

// Request asks for up to MaxAgents executors for a task of the given
// complexity (0-100). When Candidates is empty the registry is consulted
// with Tags.
type Request struct {
	Candidates []string `json:"candidates,omitempty"`
	Tags       []string `json:"tags,omitempty"`
	Complexity float64  `json:"complexity"`
	MaxAgents  int      `json:"max_agents"`
}

// ScoredAgent is one ranked candidate with its score components.
// CostProxy and ApprovalProxy are set when the component had no direct signal
// and was derived from latency or success rate instead.
type ScoredAgent struct {
	AgentID       string  `json:"agent_id"`
	Rank          int     `json:"rank"`
	Fitness       float64 `json:"fitness"`
	ColdStart     bool    `json:"cold_start"`
	Invocations   int64   `json:"invocations"`
	SuccessRate   float64 `json:"success_rate"`
	LatencyScore  float64 `json:"latency_score"`
	CostScore     float64 `json:"cost_score"`
	ApprovalScore float64 `json:"approval_score"`
	CostProxy     bool    `json:"cost_proxy"`
	ApprovalProxy bool    `json:"approval_proxy"`
}

// Plan is the result of a selection.
type Plan struct {
	Agents          []ScoredAgent `json:"agents"`
	Ranked          []ScoredAgent `json:"ranked"`
	Pattern         string        `json:"pattern"`
	PatternReason   string        `json:"pattern_reason"`
	Complexity      float64       `json:"complexity"`
	Confidence      float64       `json:"confidence"`
	MinConfidence   float64       `json:"min_confidence"`
	MeetsConfidence bool          `json:"meets_confidence"`
	WeightsVersion  int64         `json:"weights_version"`
}

// AgentIDs returns the selected agent ids in rank order.
func (p *Plan) AgentIDs() []string {
	ids := make([]string, len(p.Agents))
	for i, a := range p.Agents {
		ids[i] = a.AgentID
	}
	return ids
}

// Scorer ranks candidates. It never mutates state.
type Scorer struct {
	cfg      Config
	stats    StatsReader
	registry Registry
}

// NewScorer creates a scorer. registry may be nil.
func NewScorer(cfg Config, st StatsReader, registry Registry) *Scorer {
	return &Scorer{cfg: cfg, stats: st, registry: registry}
}

// Select ranks the candidates and returns the top MaxAgents with a pattern.
func (s *Scorer) Select(ctx context.Context, req Request) (*Plan, error) {
	if err := validate(req); err != nil {
		return nil, err
	}
	candidates, err := s.candidates(ctx, req)
	if err != nil {
		return nil, err
	}

	weights, err := s.stats.Weights(ctx)
	if err != nil {
		return nil, fmt.Errorf("load routing weights: %w", err)
	}
	known, err := s.stats.Agents(ctx, candidates)
	if err != nil {
		return nil, fmt.Errorf("load agent statistics: %w", err)
	}

	ranked := make([]ScoredAgent, 0, len(candidates))
	for _, id := range candidates {
		st, ok := known[id]
		ranked = append(ranked, s.score(id, st, ok, weights))
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].Fitness > ranked[j].Fitness })
	for i := range ranked {
		ranked[i].Rank = i + 1
	}

	n := req.MaxAgents
	if n > len(ranked) {
		n = len(ranked)
	}
	plan := &Plan{
		Agents:         append([]ScoredAgent(nil), ranked[:n]...),
		Ranked:         ranked,
		Complexity:     req.Complexity,
		MinConfidence:  weights.MinConfidence,
		WeightsVersion: weights.Version,
		Confidence:     clamp01(ranked[0].Fitness),
	}
	plan.MeetsConfidence = plan.Confidence >= weights.MinConfidence

	parallel, err := s.patternRate(ctx, stats.PatternParallel)
	if err != nil {
		return nil, err
	}
	sequential, err := s.patternRate(ctx, stats.PatternSequential)
	if err != nil {
		return nil, err
	}
	plan.Pattern, plan.PatternReason = s.cfg.ChoosePattern(n, req.Complexity, parallel, sequential)

	slog.Debug("Candidates scored",
		"candidates", len(candidates),
		"selected", n,
		"pattern", plan.Pattern,
		"confidence", plan.Confidence,
		"meets_confidence", plan.MeetsConfidence)
	return plan, nil
}

// ChoosePattern picks the execution pattern for n selected agents.
// parallelRate and sequentialRate are the stored pattern success rates
// (0 when unknown).
func (c Config) ChoosePattern(n int, complexity, parallelRate, sequentialRate float64) (string, string) {
	switch {
	case n <= 1:
		return stats.PatternSequential, "single agent"
	case n >= c.HierarchicalMin:
		return stats.PatternHierarchical, fmt.Sprintf("%d agents need a coordinator", n)
	case complexity >= c.ComplexityPivot:
		if parallelRate >= sequentialRate {
			return stats.PatternParallel, fmt.Sprintf("complexity %.0f: parallel success %.2f >= sequential %.2f", complexity, parallelRate, sequentialRate)
		}
		return stats.PatternSequential, fmt.Sprintf("complexity %.0f: sequential success %.2f > parallel %.2f", complexity, sequentialRate, parallelRate)
	case parallelRate >= c.ParallelMinRate:
		return stats.PatternParallel, fmt.Sprintf("parallel success %.2f >= %.2f", parallelRate, c.ParallelMinRate)
	default:
		return stats.PatternSequential, fmt.Sprintf("parallel success %.2f < %.2f", parallelRate, c.ParallelMinRate)
	}
}

func (s *Scorer) score(id string, st stats.AgentStat, known bool, w stats.RoutingWeights) ScoredAgent {
	sa := ScoredAgent{AgentID: id}
	if !known || st.Invocations == 0 {
		sa.ColdStart = true
		sa.Fitness = s.cfg.ColdStartFitness
		return sa
	}
	sa.Invocations = st.Invocations
	sa.SuccessRate = st.SuccessRate
	sa.LatencyScore = clamp01(1 - st.AvgLatencyMs/s.cfg.BaselineLatencyMs)

	if avg, ok := st.AvgTokens(); ok && s.cfg.BaselineTokens > 0 {
		sa.CostScore = clamp01(1 - avg/s.cfg.BaselineTokens)
	} else {
		sa.CostScore = sa.LatencyScore
		sa.CostProxy = true
	}
	if rate, ok := st.ApprovalRate(); ok {
		sa.ApprovalScore = rate
	} else {
		sa.ApprovalScore = st.SuccessRate
		sa.ApprovalProxy = true
	}

	base := w.Success*sa.SuccessRate + w.Latency*sa.LatencyScore + w.Cost*sa.CostScore + w.Approval*sa.ApprovalScore
	boost := math.Min(1.2, 1+float64(st.Invocations)/1000)
	sa.Fitness = base * boost
	return sa
}

func (s *Scorer) candidates(ctx context.Context, req Request) ([]string, error) {
	ids := dedupe(req.Candidates)
	if len(ids) == 0 && s.registry != nil {
		agents, err := s.registry.Agents(ctx, req.Tags...)
		if err != nil {
			return nil, fmt.Errorf("registry lookup: %w", err)
		}
		for _, a := range agents {
			ids = append(ids, a.ID)
		}
		ids = dedupe(ids)
	}
	if len(ids) == 0 {
		return nil, ErrNoCandidates
	}
	return ids, nil
}

func (s *Scorer) patternRate(ctx context.Context, name string) (float64, error) {
	p, ok, err := s.stats.Pattern(ctx, name)
	if err != nil {
		return 0, fmt.Errorf("load %s pattern statistics: %w", name, err)
	}
	if !ok {
		return 0, nil
	}
	return p.SuccessRate, nil
}

func validate(req Request) error {
	if math.IsNaN(req.Complexity) || req.Complexity < 0 || req.Complexity > 100 {
		return fmt.Errorf("%w: complexity %v outside [0,100]", ErrInvalidRequest, req.Complexity)
	}
	if req.MaxAgents < 1 {
		return fmt.Errorf("%w: max agents must be >= 1, got %d", ErrInvalidRequest, req.MaxAgents)
	}
	for i, id := range req.Candidates {
		if id == "" {
			return fmt.Errorf("%w: candidate %d has an empty id", ErrInvalidRequest, i)
		}
	}
	return nil
}

func dedupe(ids []string) []string {
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

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
