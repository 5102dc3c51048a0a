package config

import (
	"math"

	"github.com/KafClaw/arbiter/internal/circuit"
	"github.com/KafClaw/arbiter/internal/engine"
	"github.com/KafClaw/arbiter/internal/gate"
	"github.com/KafClaw/arbiter/internal/recovery"
	"github.com/KafClaw/arbiter/internal/router"
	"github.com/KafClaw/arbiter/internal/stats"
)

// Engine maps the loaded configuration onto the engine's settings.
func (c *Config) Engine() engine.Config {
	return engine.Config{
		Gate: gate.Config{
			Threshold:            c.Gate.Threshold,
			TokenBudgetThreshold: c.Gate.TokenBudgetThreshold,
			WordCountThreshold:   c.Gate.WordCountThreshold,
			MinKeywordHits:       c.Gate.MinKeywordHits,
			MinCategories:        c.Gate.MinCategories,
			MinComplexityHits:    c.Gate.MinComplexityHits,
		},
		Scorer: router.Config{
			BaselineLatencyMs: c.Scorer.BaselineLatencyMs,
			BaselineTokens:    c.Scorer.BaselineTokens,
			ColdStartFitness:  c.Scorer.ColdStartFitness,
			ComplexityPivot:   c.Scorer.ComplexityPivot,
			ParallelMinRate:   c.Scorer.ParallelMinRate,
			HierarchicalMin:   c.Scorer.HierarchicalMin,
		},
		Weights: stats.RoutingWeights{
			Success:        c.Weights.Success,
			Latency:        c.Weights.Latency,
			Cost:           c.Weights.Cost,
			Approval:       c.Weights.Approval,
			MinConfidence:  c.Weights.MinConfidence,
			AdaptationRate: c.Weights.AdaptationRate,
			MinSamples:     c.Weights.MinSamples,
		},
		Circuit: circuit.Config{
			FailureThreshold: c.Circuit.FailureThreshold,
			SuccessThreshold: c.Circuit.SuccessThreshold,
			HalfOpenAfter:    c.Circuit.HalfOpenAfter,
			MaxProbes:        c.Circuit.MaxProbes,
		},
		Retry: recovery.Config{
			BaseBackoffMs:      c.Retry.BaseBackoffMs,
			MaxBackoffMs:       c.Retry.MaxBackoffMs,
			MultiplierPermille: int64(math.Round(c.Retry.Multiplier * 1000)),
			Jitter:             c.Retry.Jitter,
		},
		MaxRetries:  c.Retry.MaxRetries,
		AdaptWindow: c.Weights.Window,
	}
}

// Lexicon loads the configured gate lexicon, or returns nil for the
// built-in one.
func (c *Config) Lexicon() (*gate.Lexicon, error) {
	if c.Paths.LexiconPath == "" {
		return nil, nil
	}
	return gate.LoadLexicon(c.Paths.LexiconPath)
}
