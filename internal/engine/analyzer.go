package engine

import (
	"context"
	"fmt"
	"math"

	"github.com/KafClaw/arbiter/internal/gate"
	"github.com/KafClaw/arbiter/internal/stats"
)

// Assessment is a complexity estimate for a task.
type Assessment struct {
	// Complexity is in [0,100].
	Complexity float64 `json:"complexity"`
	// Pattern is the analyzer's suggestion; the scorer makes the final call.
	Pattern   string `json:"pattern,omitempty"`
	Rationale string `json:"rationale,omitempty"`
}

// ComplexityAnalyzer estimates task complexity.
type ComplexityAnalyzer interface {
	Assess(ctx context.Context, prompt string, g gate.Result) (Assessment, error)
}

// HeuristicAnalyzer derives complexity from the Stage-1 signals: the gate
// score carries most of the weight, breadth across categories and prompt
// length add the rest.
type HeuristicAnalyzer struct{}

func (HeuristicAnalyzer) Assess(_ context.Context, _ string, g gate.Result) (Assessment, error) {
	score := float64(g.Score) / float64(gate.MaxScore) * 70
	breadth := math.Min(20, 5*float64(len(g.Signals.Categories)))
	length := math.Min(10, float64(g.Signals.WordCount)/50)
	c := math.Round(math.Min(100, score+breadth+length))

	a := Assessment{Complexity: c, Pattern: suggestPattern(c)}
	a.Rationale = fmt.Sprintf("gate score %d/%d, %d categories, %d words", g.Score, gate.MaxScore, len(g.Signals.Categories), g.Signals.WordCount)
	return a, nil
}

func suggestPattern(complexity float64) string {
	switch {
	case complexity >= 80:
		return stats.PatternHierarchical
	case complexity >= 60:
		return stats.PatternParallel
	default:
		return stats.PatternSequential
	}
}

// suggestedAgents maps a suggested pattern to a team size.
func suggestedAgents(pattern string) int {
	switch pattern {
	case stats.PatternHierarchical:
		return 4
	case stats.PatternParallel:
		return 2
	default:
		return 1
	}
}
