// Package config provides configuration types and loading for arbiter.
package config

import (
	"time"

	"github.com/KafClaw/arbiter/internal/router"
	"github.com/KafClaw/arbiter/internal/scheduler"
)

// Config is the root configuration struct.
type Config struct {
	Paths     PathsConfig        `json:"paths" yaml:"paths"`
	Log       LogConfig          `json:"log" yaml:"log"`
	Gate      GateConfig         `json:"gate" yaml:"gate"`
	Scorer    ScorerConfig       `json:"scorer" yaml:"scorer"`
	Weights   WeightsConfig      `json:"weights" yaml:"weights"`
	Circuit   CircuitConfig      `json:"circuit" yaml:"circuit"`
	Retry     RetryConfig        `json:"retry" yaml:"retry"`
	Scheduler scheduler.Config   `json:"scheduler" yaml:"scheduler"`
	Events    EventsConfig       `json:"events" yaml:"events"`
	Metrics   MetricsConfig      `json:"metrics" yaml:"metrics"`
	Agents    []router.AgentInfo `json:"agents" yaml:"agents"`
}

// ---------------------------------------------------------------------------
// Paths – filesystem locations
// ---------------------------------------------------------------------------

// PathsConfig groups all filesystem path settings.
type PathsConfig struct {
	DataDir string `json:"dataDir" yaml:"dataDir" envconfig:"DATA_DIR" validate:"required"`
	DBPath  string `json:"dbPath" yaml:"dbPath" envconfig:"DB_PATH"`
	// LexiconPath points at a YAML or JSON gate lexicon. Empty uses the
	// built-in word lists.
	LexiconPath string `json:"lexiconPath,omitempty" yaml:"lexiconPath,omitempty" envconfig:"LEXICON_PATH"`
}

// ---------------------------------------------------------------------------
// Log
// ---------------------------------------------------------------------------

type LogConfig struct {
	Level  string `json:"level" yaml:"level" envconfig:"LEVEL" validate:"oneof=debug info warn error"`
	Format string `json:"format" yaml:"format" envconfig:"FORMAT" validate:"oneof=text json"`
}

// ---------------------------------------------------------------------------
// Gate – Stage-1 escalation thresholds
// ---------------------------------------------------------------------------

// GateConfig holds the Stage-1 signal thresholds. Threshold is compared
// against an aggregate score of at most 8.
type GateConfig struct {
	Threshold            int `json:"threshold" yaml:"threshold" envconfig:"THRESHOLD" validate:"gte=0,lte=8"`
	TokenBudgetThreshold int `json:"tokenBudgetThreshold" yaml:"tokenBudgetThreshold" envconfig:"TOKEN_BUDGET_THRESHOLD" validate:"gte=0"`
	WordCountThreshold   int `json:"wordCountThreshold" yaml:"wordCountThreshold" envconfig:"WORD_COUNT_THRESHOLD" validate:"gte=0"`
	MinKeywordHits       int `json:"minKeywordHits" yaml:"minKeywordHits" envconfig:"MIN_KEYWORD_HITS" validate:"gte=1"`
	MinCategories        int `json:"minCategories" yaml:"minCategories" envconfig:"MIN_CATEGORIES" validate:"gte=1"`
	MinComplexityHits    int `json:"minComplexityHits" yaml:"minComplexityHits" envconfig:"MIN_COMPLEXITY_HITS" validate:"gte=1"`
}

// ---------------------------------------------------------------------------
// Scorer – agent ranking and pattern selection
// ---------------------------------------------------------------------------

type ScorerConfig struct {
	BaselineLatencyMs float64 `json:"baselineLatencyMs" yaml:"baselineLatencyMs" envconfig:"BASELINE_LATENCY_MS" validate:"gt=0"`
	BaselineTokens    float64 `json:"baselineTokens" yaml:"baselineTokens" envconfig:"BASELINE_TOKENS" validate:"gt=0"`
	ColdStartFitness  float64 `json:"coldStartFitness" yaml:"coldStartFitness" envconfig:"COLD_START_FITNESS" validate:"gte=0,lte=1"`
	ComplexityPivot   float64 `json:"complexityPivot" yaml:"complexityPivot" envconfig:"COMPLEXITY_PIVOT" validate:"gte=0,lte=100"`
	ParallelMinRate   float64 `json:"parallelMinRate" yaml:"parallelMinRate" envconfig:"PARALLEL_MIN_RATE" validate:"gte=0,lte=1"`
	HierarchicalMin   int     `json:"hierarchicalMin" yaml:"hierarchicalMin" envconfig:"HIERARCHICAL_MIN" validate:"gte=2"`
}

// ---------------------------------------------------------------------------
// Weights – initial routing weights (adapted at runtime)
// ---------------------------------------------------------------------------

// WeightsConfig seeds the routing weights the first time they are read.
// Once stored, adapted weights take precedence over these values.
type WeightsConfig struct {
	Success        float64 `json:"success" yaml:"success" envconfig:"SUCCESS" validate:"gte=0,lte=1"`
	Latency        float64 `json:"latency" yaml:"latency" envconfig:"LATENCY" validate:"gte=0,lte=1"`
	Cost           float64 `json:"cost" yaml:"cost" envconfig:"COST" validate:"gte=0,lte=1"`
	Approval       float64 `json:"approval" yaml:"approval" envconfig:"APPROVAL" validate:"gte=0,lte=1"`
	MinConfidence  float64 `json:"minConfidence" yaml:"minConfidence" envconfig:"MIN_CONFIDENCE" validate:"gte=0,lte=1"`
	AdaptationRate float64 `json:"adaptationRate" yaml:"adaptationRate" envconfig:"ADAPTATION_RATE" validate:"gt=0,lte=0.5"`
	MinSamples     int     `json:"minSamples" yaml:"minSamples" envconfig:"MIN_SAMPLES" validate:"gte=1"`
	// Window is the number of most recent outcomes an adaptation reads.
	Window int `json:"window" yaml:"window" envconfig:"WINDOW" validate:"gte=1"`
}

// ---------------------------------------------------------------------------
// Circuit – breaker thresholds
// ---------------------------------------------------------------------------

type CircuitConfig struct {
	FailureThreshold int           `json:"failureThreshold" yaml:"failureThreshold" envconfig:"FAILURE_THRESHOLD" validate:"gte=1"`
	SuccessThreshold int           `json:"successThreshold" yaml:"successThreshold" envconfig:"SUCCESS_THRESHOLD" validate:"gte=1"`
	HalfOpenAfter    time.Duration `json:"halfOpenAfter" yaml:"halfOpenAfter" envconfig:"HALF_OPEN_AFTER" validate:"gt=0"`
	MaxProbes        int           `json:"maxProbes" yaml:"maxProbes" envconfig:"MAX_PROBES" validate:"gte=1"`
}

// ---------------------------------------------------------------------------
// Retry – backoff and attempt budget
// ---------------------------------------------------------------------------

type RetryConfig struct {
	BaseBackoffMs int64 `json:"baseBackoffMs" yaml:"baseBackoffMs" envconfig:"BASE_BACKOFF_MS" validate:"gte=0"`
	MaxBackoffMs  int64 `json:"maxBackoffMs" yaml:"maxBackoffMs" envconfig:"MAX_BACKOFF_MS" validate:"gtefield=BaseBackoffMs"`
	// Multiplier is applied per attempt; stored internally in per-mille.
	Multiplier float64 `json:"multiplier" yaml:"multiplier" envconfig:"MULTIPLIER" validate:"gte=1"`
	Jitter     bool    `json:"jitter" yaml:"jitter" envconfig:"JITTER"`
	// MaxRetries is the number of attempts per agent invocation.
	MaxRetries int `json:"maxRetries" yaml:"maxRetries" envconfig:"MAX_RETRIES" validate:"gte=1,lte=20"`
	// CommandTimeout bounds one agent command run.
	CommandTimeout time.Duration `json:"commandTimeout" yaml:"commandTimeout" envconfig:"COMMAND_TIMEOUT" validate:"gt=0"`
}

// ---------------------------------------------------------------------------
// Events – in-process bus and optional Kafka sink
// ---------------------------------------------------------------------------

type EventsConfig struct {
	// Brokers is a comma-separated Kafka bootstrap list. Empty disables the
	// Kafka sink.
	Brokers   string        `json:"brokers,omitempty" yaml:"brokers,omitempty" envconfig:"BROKERS"`
	Topic     string        `json:"topic" yaml:"topic" envconfig:"TOPIC" validate:"required_with=Brokers"`
	Timeout   time.Duration `json:"timeout" yaml:"timeout" envconfig:"TIMEOUT" validate:"gte=0"`
	BusBuffer int           `json:"busBuffer" yaml:"busBuffer" envconfig:"BUS_BUFFER" validate:"gte=1"`
}

// ---------------------------------------------------------------------------
// Metrics
// ---------------------------------------------------------------------------

type MetricsConfig struct {
	// Addr is the listen address for /metrics in daemon mode. Empty disables it.
	Addr string `json:"addr" yaml:"addr" envconfig:"ADDR"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Paths: PathsConfig{
			DataDir: "~/" + ConfigDir,
			DBPath:  "~/" + ConfigDir + "/arbiter.db",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Gate: GateConfig{
			Threshold:            4,
			TokenBudgetThreshold: 30000,
			WordCountThreshold:   200,
			MinKeywordHits:       3,
			MinCategories:        2,
			MinComplexityHits:    2,
		},
		Scorer: ScorerConfig{
			BaselineLatencyMs: 5000,
			BaselineTokens:    8000,
			ColdStartFitness:  0.5,
			ComplexityPivot:   60,
			ParallelMinRate:   0.70,
			HierarchicalMin:   4,
		},
		Weights: WeightsConfig{
			Success:        0.4,
			Latency:        0.2,
			Cost:           0.2,
			Approval:       0.2,
			MinConfidence:  0.7,
			AdaptationRate: 0.05,
			MinSamples:     20,
			Window:         100,
		},
		Circuit: CircuitConfig{
			FailureThreshold: 3,
			SuccessThreshold: 2,
			HalfOpenAfter:    60 * time.Second,
			MaxProbes:        1,
		},
		Retry: RetryConfig{
			BaseBackoffMs:  1000,
			MaxBackoffMs:   30000,
			Multiplier:     2,
			Jitter:         true,
			MaxRetries:     3,
			CommandTimeout: 60 * time.Second,
		},
		Scheduler: scheduler.Config{
			Enabled:         true,
			TickInterval:    30 * time.Second,
			AdaptInterval:   15 * time.Minute,
			RedriveInterval: 10 * time.Minute,
			MaxConcLearning: 1,
			MaxConcRecovery: 1,
			MaxConcDefault:  2,
			LockPath:        "~/" + ConfigDir + "/scheduler.lock",
		},
		Events: EventsConfig{
			Topic:     "arbiter.events",
			Timeout:   5 * time.Second,
			BusBuffer: 256,
		},
		Metrics: MetricsConfig{
			Addr: "127.0.0.1:9464",
		},
	}
}
