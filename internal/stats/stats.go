// Package stats holds the learned performance records used for routing:
// per-agent and per-pattern statistics and the routing weights.
package stats

import (
	"time"
)

// Execution patterns.
const (
	PatternSequential   = "sequential"
	PatternParallel     = "parallel"
	PatternHierarchical = "hierarchical"
)

// Patterns lists every known execution pattern.
var Patterns = []string{PatternSequential, PatternParallel, PatternHierarchical}

// ValidPattern reports whether p is a known execution pattern.
func ValidPattern(p string) bool {
	for _, known := range Patterns {
		if p == known {
			return true
		}
	}
	return false
}

// Observation is one executed task as seen by a single agent or pattern.
type Observation struct {
	Success   bool
	LatencyMs int64
	Tokens    int64
	Feedback  bool // the user reacted to the result
	Approved  bool // the reaction was an approval
	At        time.Time
}

// AgentStat is the running performance record of one executor.
// SuccessRate and AvgLatencyMs are always derived from the integer counters.
type AgentStat struct {
	AgentID        string    `json:"agent_id"`
	Invocations    int64     `json:"invocations"`
	Successes      int64     `json:"successes"`
	Failures       int64     `json:"failures"`
	TotalLatencyMs int64     `json:"total_latency_ms"`
	AvgLatencyMs   float64   `json:"avg_latency_ms"`
	SuccessRate    float64   `json:"success_rate"`
	TotalTokens    int64     `json:"total_tokens"`
	TokenSamples   int64     `json:"token_samples"`
	Feedback       int64     `json:"feedback"`
	Approvals      int64     `json:"approvals"`
	LastUsed       time.Time `json:"last_used"`
}

// Apply folds one observation into the record.
func (a *AgentStat) Apply(o Observation) {
	a.Invocations++
	if o.Success {
		a.Successes++
	} else {
		a.Failures++
	}
	a.TotalLatencyMs += o.LatencyMs
	if o.Tokens > 0 {
		a.TotalTokens += o.Tokens
		a.TokenSamples++
	}
	if o.Feedback {
		a.Feedback++
		if o.Approved {
			a.Approvals++
		}
	}
	if o.At.After(a.LastUsed) {
		a.LastUsed = o.At
	}
	a.recompute()
}

func (a *AgentStat) recompute() {
	a.SuccessRate = ratio(a.Successes, a.Invocations)
	a.AvgLatencyMs = ratio(a.TotalLatencyMs, a.Invocations)
}

// AvgTokens returns the mean tokens per sampled invocation and whether any
// token samples exist.
func (a AgentStat) AvgTokens() (float64, bool) {
	if a.TokenSamples == 0 {
		return 0, false
	}
	return float64(a.TotalTokens) / float64(a.TokenSamples), true
}

// ApprovalRate returns approvals over user feedback and whether any feedback
// has been recorded.
func (a AgentStat) ApprovalRate() (float64, bool) {
	if a.Feedback == 0 {
		return 0, false
	}
	return float64(a.Approvals) / float64(a.Feedback), true
}

// PatternStat is the running performance record of one execution pattern.
type PatternStat struct {
	Pattern        string    `json:"pattern"`
	Total          int64     `json:"total"`
	Successes      int64     `json:"successes"`
	Failures       int64     `json:"failures"`
	TotalLatencyMs int64     `json:"total_latency_ms"`
	AvgLatencyMs   float64   `json:"avg_latency_ms"`
	SuccessRate    float64   `json:"success_rate"`
	LastUsed       time.Time `json:"last_used"`
}

// Apply folds one observation into the record.
func (p *PatternStat) Apply(o Observation) {
	p.Total++
	if o.Success {
		p.Successes++
	} else {
		p.Failures++
	}
	p.TotalLatencyMs += o.LatencyMs
	if o.At.After(p.LastUsed) {
		p.LastUsed = o.At
	}
	p.SuccessRate = ratio(p.Successes, p.Total)
	p.AvgLatencyMs = ratio(p.TotalLatencyMs, p.Total)
}

// RoutingWeights are the scoring coefficients plus the adapted confidence
// threshold. Only MinConfidence changes at runtime.
type RoutingWeights struct {
	Success        float64   `json:"w_success"`
	Latency        float64   `json:"w_latency"`
	Cost           float64   `json:"w_cost"`
	Approval       float64   `json:"w_approval"`
	MinConfidence  float64   `json:"min_confidence"`
	AdaptationRate float64   `json:"adaptation_rate"`
	MinSamples     int       `json:"min_samples"`
	Version        int64     `json:"version"`
	UpdatedAt      time.Time `json:"updated_at"`
	// WindowEnd is the sequence number of the newest outcome consumed by the
	// last adaptation.
	WindowEnd int64 `json:"window_end"`
}

// DefaultWeights returns the initial routing weights.
func DefaultWeights() RoutingWeights {
	return RoutingWeights{
		Success:        0.4,
		Latency:        0.2,
		Cost:           0.2,
		Approval:       0.2,
		MinConfidence:  0.7,
		AdaptationRate: 0.05,
		MinSamples:     20,
	}
}

func ratio(num, den int64) float64 {
	if den == 0 {
		return 0
	}
	return float64(num) / float64(den)
}
