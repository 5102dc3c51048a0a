package learning

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"

	"github.com/KafClaw/arbiter/internal/audit"
	"github.com/KafClaw/arbiter/internal/bus"
	"github.com/KafClaw/arbiter/internal/metrics"
	"github.com/KafClaw/arbiter/internal/stats"
)

// Adaptation bounds for MinConfidence.
const (
	ConfidenceCap   = 0.90
	ConfidenceFloor = 0.50

	raiseAt = 0.80
	lowerAt = 0.60
)

// Adaptation directions reported in AdaptResult.
const (
	DirectionIncreased = "increased"
	DirectionDecreased = "decreased"
	DirectionUnchanged = "unchanged"
	DirectionSkipped   = "skipped"
)

// AdaptResult describes one adaptation run.
type AdaptResult struct {
	Applied    bool    `json:"applied"`
	Direction  string  `json:"direction"`
	Reason     string  `json:"reason"`
	Samples    int     `json:"samples"`
	AvgSuccess float64 `json:"avg_success"`
	Previous   float64 `json:"previous_min_confidence"`
	Current    float64 `json:"min_confidence"`
	WindowEnd  int64   `json:"window_end"`
	Version    int64   `json:"version"`
	DecisionID string  `json:"decision_id,omitempty"`
}

// NextConfidence applies the bounded threshold rule to current.
func NextConfidence(current, avgSuccess, rate float64) (float64, string) {
	next, dir := current, DirectionUnchanged
	switch {
	case avgSuccess >= raiseAt:
		next, dir = math.Min(ConfidenceCap, current+rate), DirectionIncreased
	case avgSuccess < lowerAt:
		next, dir = math.Max(ConfidenceFloor, current-rate), DirectionDecreased
	}
	next = round4(next)
	if next == round4(current) {
		dir = DirectionUnchanged
	}
	return next, dir
}

// AdaptWeights nudges MinConfidence from the success rate of the most recent
// outcomes. It is a no-op below MinSamples and when the newest outcome has
// already been consumed by a previous run.
func (l *Learner) AdaptWeights(ctx context.Context) (AdaptResult, error) {
	recs, err := l.store.Tail(ctx, StreamOutcomes, l.window)
	if err != nil {
		return AdaptResult{}, fmt.Errorf("read outcome window: %w", err)
	}
	weights, err := l.repo.Weights(ctx)
	if err != nil {
		return AdaptResult{}, fmt.Errorf("load routing weights: %w", err)
	}

	res := AdaptResult{
		Samples:  len(recs),
		Previous: weights.MinConfidence,
		Current:  weights.MinConfidence,
		Version:  weights.Version,
	}
	if len(recs) < weights.MinSamples || len(recs) == 0 {
		res.Direction = DirectionSkipped
		res.Reason = fmt.Sprintf("%d samples below minimum %d", len(recs), weights.MinSamples)
		metrics.WeightAdaptations.WithLabelValues(res.Direction).Inc()
		return res, nil
	}

	successes := 0
	for _, r := range recs {
		var o Outcome
		if err := json.Unmarshal(r.Value, &o); err != nil {
			return AdaptResult{}, fmt.Errorf("decode outcome %d: %w", r.Seq, err)
		}
		if o.Success {
			successes++
		}
	}
	res.AvgSuccess = float64(successes) / float64(len(recs))
	res.WindowEnd = recs[len(recs)-1].Seq

	updated, changed, err := l.repo.UpdateWeights(ctx, l.now(), func(w *stats.RoutingWeights) (bool, error) {
		if w.WindowEnd == res.WindowEnd {
			return false, nil
		}
		res.Previous = w.MinConfidence
		res.Current, res.Direction = NextConfidence(w.MinConfidence, res.AvgSuccess, w.AdaptationRate)
		w.MinConfidence = res.Current
		w.WindowEnd = res.WindowEnd
		return true, nil
	})
	if err != nil {
		return AdaptResult{}, fmt.Errorf("persist routing weights: %w", err)
	}
	res.Version = updated.Version
	if !changed {
		res.Direction = DirectionSkipped
		res.Reason = fmt.Sprintf("window ending at %d already applied", res.WindowEnd)
		res.Previous, res.Current = updated.MinConfidence, updated.MinConfidence
		metrics.WeightAdaptations.WithLabelValues(res.Direction).Inc()
		return res, nil
	}

	res.Applied = true
	res.Reason = fmt.Sprintf("avg success %.2f over %d outcomes", res.AvgSuccess, res.Samples)
	metrics.WeightAdaptations.WithLabelValues(res.Direction).Inc()
	metrics.MinConfidence.Set(res.Current)
	slog.Info("Routing weights adapted",
		"direction", res.Direction,
		"avg_success", res.AvgSuccess,
		"samples", res.Samples,
		"min_confidence", res.Current,
		"version", res.Version)

	d, err := l.tracer.LogDecision(ctx, audit.Decision{
		Type:       audit.TypeWeightAdaptation,
		Outcome:    res.Direction,
		Rationale:  res.Reason,
		Confidence: 1,
		Context: map[string]any{
			"previous":    res.Previous,
			"current":     res.Current,
			"samples":     res.Samples,
			"avg_success": res.AvgSuccess,
			"window_end":  res.WindowEnd,
			"version":     res.Version,
		},
	})
	if err != nil {
		slog.Warn("Failed to audit weight adaptation", "error", err)
	}
	res.DecisionID = d.ID
	bus.Emit(ctx, l.sink, &bus.Event{
		Type:       bus.EventWeightsAdapted,
		DecisionID: d.ID,
		Payload: map[string]any{
			"direction":      res.Direction,
			"min_confidence": res.Current,
			"version":        res.Version,
		},
	})
	return res, nil
}

func round4(v float64) float64 {
	return math.Round(v*1e4) / 1e4
}
