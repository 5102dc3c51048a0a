// Package gate implements the Stage-1 lexical pre-filter that decides whether
// a task warrants escalated, multi-agent handling.
package gate

import (
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strings"

	"github.com/KafClaw/arbiter/internal/metrics"
)

// Signal weights. The maximum attainable score is MaxScore.
const (
	PointsLargeBudget = 1
	PointsKeywords    = 2
	PointsCategories  = 2
	PointsComplexity  = 2
	PointsLength      = 1

	MaxScore = PointsLargeBudget + PointsKeywords + PointsCategories + PointsComplexity + PointsLength
)

// Decision values reported by Result.Decision.
const (
	DecisionProceed = "proceed"
	DecisionSkip    = "skip"
)

// Config holds the gate thresholds.
type Config struct {
	Threshold            int `json:"threshold" yaml:"threshold"`
	TokenBudgetThreshold int `json:"tokenBudgetThreshold" yaml:"tokenBudgetThreshold"`
	WordCountThreshold   int `json:"wordCountThreshold" yaml:"wordCountThreshold"`
	MinKeywordHits       int `json:"minKeywordHits" yaml:"minKeywordHits"`
	MinCategories        int `json:"minCategories" yaml:"minCategories"`
	MinComplexityHits    int `json:"minComplexityHits" yaml:"minComplexityHits"`
}

// DefaultConfig returns the stock thresholds.
func DefaultConfig() Config {
	return Config{
		Threshold:            4,
		TokenBudgetThreshold: 30000,
		WordCountThreshold:   200,
		MinKeywordHits:       3,
		MinCategories:        2,
		MinComplexityHits:    2,
	}
}

// Signals is the per-signal breakdown of one evaluation.
type Signals struct {
	LargeBudget     bool     `json:"large_budget"`
	KeywordHits     int      `json:"keyword_hits"`
	Keywords        []string `json:"keywords,omitempty"`
	Categories      []string `json:"categories,omitempty"`
	ComplexityHits  int      `json:"complexity_hits"`
	ComplexityWords []string `json:"complexity_words,omitempty"`
	WordCount       int      `json:"word_count"`

	KeywordSignal    bool `json:"keyword_signal"`
	CategorySignal   bool `json:"category_signal"`
	ComplexitySignal bool `json:"complexity_signal"`
	LengthSignal     bool `json:"length_signal"`
}

// Result is the gate outcome.
type Result struct {
	Proceed   bool     `json:"proceed"`
	Decision  string   `json:"decision"`
	Score     int      `json:"score"`
	Threshold int      `json:"threshold"`
	Signals   Signals  `json:"signals"`
	Reasons   []string `json:"reasons"`
}

// Gate scores prompts against a lexicon. It is safe for concurrent use.
type Gate struct {
	cfg        Config
	keywords   map[string][]string // keyword -> categories
	complexity map[string]struct{}
}

// New builds a gate. A nil lexicon uses DefaultLexicon.
func New(cfg Config, lex *Lexicon) (*Gate, error) {
	if cfg.Threshold < 0 || cfg.Threshold > MaxScore {
		return nil, fmt.Errorf("gate threshold %d outside [0,%d]", cfg.Threshold, MaxScore)
	}
	if cfg.TokenBudgetThreshold < 0 || cfg.WordCountThreshold < 0 ||
		cfg.MinKeywordHits < 1 || cfg.MinCategories < 1 || cfg.MinComplexityHits < 1 {
		return nil, fmt.Errorf("gate config has invalid thresholds: %+v", cfg)
	}
	if lex == nil {
		lex = DefaultLexicon()
	} else if err := lex.validate(); err != nil {
		return nil, err
	}

	g := &Gate{
		cfg:        cfg,
		keywords:   make(map[string][]string),
		complexity: make(map[string]struct{}),
	}
	for _, cat := range lex.categoryNames() {
		for _, w := range lex.Categories[cat] {
			w = normalize(w)
			if !slices.Contains(g.keywords[w], cat) {
				g.keywords[w] = append(g.keywords[w], cat)
			}
		}
	}
	for _, w := range lex.Complexity {
		g.complexity[normalize(w)] = struct{}{}
	}
	return g, nil
}

// Config returns the gate thresholds.
func (g *Gate) Config() Config { return g.cfg }

// Evaluate scores prompt. tool is used for logging only. The result depends
// only on prompt and tokenBudget.
func (g *Gate) Evaluate(prompt string, tokenBudget int, tool string) Result {
	var sig Signals
	tokens := tokenize(prompt)
	cats := make(map[string]struct{})
	for tok := range tokens {
		if c, ok := g.keywords[tok]; ok {
			sig.Keywords = append(sig.Keywords, tok)
			for _, cat := range c {
				cats[cat] = struct{}{}
			}
		}
		if _, ok := g.complexity[tok]; ok {
			sig.ComplexityWords = append(sig.ComplexityWords, tok)
		}
	}
	sort.Strings(sig.Keywords)
	sort.Strings(sig.ComplexityWords)
	for cat := range cats {
		sig.Categories = append(sig.Categories, cat)
	}
	sort.Strings(sig.Categories)

	sig.KeywordHits = len(sig.Keywords)
	sig.ComplexityHits = len(sig.ComplexityWords)
	sig.WordCount = len(strings.Fields(prompt))

	res := Result{Threshold: g.cfg.Threshold}

	if tokenBudget > g.cfg.TokenBudgetThreshold {
		sig.LargeBudget = true
		res.Score += PointsLargeBudget
		res.Reasons = append(res.Reasons, fmt.Sprintf("token budget %d > %d (+%d)", tokenBudget, g.cfg.TokenBudgetThreshold, PointsLargeBudget))
	}
	if sig.KeywordHits >= g.cfg.MinKeywordHits {
		sig.KeywordSignal = true
		res.Score += PointsKeywords
		res.Reasons = append(res.Reasons, fmt.Sprintf("%d domain keywords [%s] (+%d)", sig.KeywordHits, strings.Join(sig.Keywords, ", "), PointsKeywords))
	}
	if len(sig.Categories) >= g.cfg.MinCategories {
		sig.CategorySignal = true
		res.Score += PointsCategories
		res.Reasons = append(res.Reasons, fmt.Sprintf("%d categories [%s] (+%d)", len(sig.Categories), strings.Join(sig.Categories, ", "), PointsCategories))
	}
	if sig.ComplexityHits >= g.cfg.MinComplexityHits {
		sig.ComplexitySignal = true
		res.Score += PointsComplexity
		res.Reasons = append(res.Reasons, fmt.Sprintf("%d complexity words [%s] (+%d)", sig.ComplexityHits, strings.Join(sig.ComplexityWords, ", "), PointsComplexity))
	}
	if sig.WordCount > g.cfg.WordCountThreshold {
		sig.LengthSignal = true
		res.Score += PointsLength
		res.Reasons = append(res.Reasons, fmt.Sprintf("%d words > %d (+%d)", sig.WordCount, g.cfg.WordCountThreshold, PointsLength))
	}

	res.Signals = sig
	res.Proceed = res.Score >= g.cfg.Threshold
	res.Decision = DecisionSkip
	if res.Proceed {
		res.Decision = DecisionProceed
	}

	metrics.GateEvaluations.WithLabelValues(res.Decision).Inc()
	metrics.GateScore.Observe(float64(res.Score))
	slog.Debug("Stage-1 gate evaluated",
		"tool", tool,
		"score", res.Score,
		"threshold", res.Threshold,
		"decision", res.Decision,
		"words", sig.WordCount)
	return res
}
