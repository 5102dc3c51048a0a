// Package audit records routing and recovery decisions as an append-only,
// replayable trail with chain-of-thought steps and aggregate counters.
package audit

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"
)

var (
	// ErrInvalid is returned for malformed decisions or steps.
	ErrInvalid = errors.New("audit: invalid record")
	// ErrNotFound is returned when a decision id is unknown.
	ErrNotFound = errors.New("audit: decision not found")
	// ErrDuplicate is returned when a decision id has already been appended.
	ErrDuplicate = errors.New("audit: duplicate decision id")
)

// Well-known decision types written by the engine.
const (
	TypeStage1Gate       = "stage1_gate"
	TypeRouting          = "routing"
	TypeDispatch         = "dispatch"
	TypeRecovery         = "recovery"
	TypeWeightAdaptation = "weight_adaptation"
	TypeCircuit          = "circuit"
	TypeScheduledJob     = "scheduled_job"
)

// Decision is an immutable audit record.
type Decision struct {
	ID         string         `json:"id"`
	Timestamp  time.Time      `json:"timestamp"`
	Type       string         `json:"type"`
	Outcome    string         `json:"outcome"`
	Rationale  string         `json:"rationale"`
	Confidence float64        `json:"confidence"`
	Context    map[string]any `json:"context,omitempty"`
}

// Step is one chain-of-thought entry attached to a decision.
type Step struct {
	DecisionID  string         `json:"decision_id"`
	Step        int            `json:"step"`
	Description string         `json:"description"`
	Reasoning   string         `json:"reasoning,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
}

// Filter selects decisions. Zero values match everything; Limit <= 0 means
// no limit. Since is inclusive, Until is exclusive.
type Filter struct {
	Type    string    `json:"type,omitempty"`
	Outcome string    `json:"outcome,omitempty"`
	Since   time.Time `json:"since,omitempty"`
	Until   time.Time `json:"until,omitempty"`
	Limit   int       `json:"limit,omitempty"`
}

func (f Filter) match(d Decision) bool {
	if f.Type != "" && d.Type != f.Type {
		return false
	}
	if f.Outcome != "" && d.Outcome != f.Outcome {
		return false
	}
	if !f.Since.IsZero() && d.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && !d.Timestamp.Before(f.Until) {
		return false
	}
	return true
}

// Counts are the aggregate indices maintained on every append.
type Counts struct {
	Total     int64            `json:"total"`
	ByType    map[string]int64 `json:"by_type"`
	ByOutcome map[string]int64 `json:"by_outcome"`
}

// Trace is a decision together with its ordered reasoning steps.
type Trace struct {
	Decision Decision `json:"decision"`
	Steps    []Step   `json:"steps"`
}

// Export is a filtered compliance snapshot of the audit trail.
type Export struct {
	GeneratedAt time.Time `json:"generated_at"`
	Filter      Filter    `json:"filter"`
	Traces      []Trace   `json:"traces"`
	Counts      Counts    `json:"counts"`
}

// Ledger persists decisions and steps.
//
// Decisions returns matches newest first in append order. Steps returns the
// steps of one decision ordered by step number, ties in append order.
type Ledger interface {
	AppendDecision(ctx context.Context, d Decision) error
	AppendStep(ctx context.Context, s Step) error
	Decision(ctx context.Context, id string) (Decision, error)
	Decisions(ctx context.Context, f Filter) ([]Decision, error)
	Steps(ctx context.Context, decisionID string) ([]Step, error)
	Counts(ctx context.Context) (Counts, error)
}

func validateDecision(d Decision) error {
	switch {
	case d.ID == "":
		return fmt.Errorf("%w: decision id is required", ErrInvalid)
	case d.Type == "":
		return fmt.Errorf("%w: decision type is required", ErrInvalid)
	case d.Outcome == "":
		return fmt.Errorf("%w: decision outcome is required", ErrInvalid)
	case math.IsNaN(d.Confidence) || d.Confidence < 0 || d.Confidence > 1:
		return fmt.Errorf("%w: confidence %v outside [0,1]", ErrInvalid, d.Confidence)
	}
	return nil
}

func validateStep(s Step) error {
	if s.DecisionID == "" {
		return fmt.Errorf("%w: step requires a decision id", ErrInvalid)
	}
	if s.Step < 1 {
		return fmt.Errorf("%w: step number must be >= 1, got %d", ErrInvalid, s.Step)
	}
	if s.Description == "" {
		return fmt.Errorf("%w: step description is required", ErrInvalid)
	}
	return nil
}

func newCounts() Counts {
	return Counts{ByType: map[string]int64{}, ByOutcome: map[string]int64{}}
}
