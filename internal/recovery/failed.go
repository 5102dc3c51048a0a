package recovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/KafClaw/arbiter/internal/audit"
	"github.com/KafClaw/arbiter/internal/store"
)

// FailedPrefix is the store prefix for failed task records.
const FailedPrefix = "failed/"

// FailedTask is a task that exhausted its retries.
type FailedTask struct {
	TaskID        string    `json:"task_id"`
	Operation     Operation `json:"operation"`
	Class         Class     `json:"class"`
	Attempts      int       `json:"attempts"`
	LastError     string    `json:"last_error"`
	FailedAt      time.Time `json:"failed_at"`
	RedriveCount  int       `json:"redrive_count"`
	LastRedriveAt time.Time `json:"last_redrive_at,omitempty"`
}

// RedriveResult counts the outcome of one Redrive pass.
type RedriveResult struct {
	Attempted int `json:"attempted"`
	Recovered int `json:"recovered"`
	Failed    int `json:"failed"`
	// Skipped tasks were not run because their circuit denied the call.
	Skipped int `json:"skipped"`
}

func (o *Orchestrator) persist(ctx context.Context, res Result, op Operation) error {
	now := o.now()
	_, err := store.Update(ctx, o.store, FailedPrefix+res.TaskID, func(cur []byte, exists bool) ([]byte, error) {
		ft := FailedTask{}
		if exists {
			if err := json.Unmarshal(cur, &ft); err != nil {
				return nil, fmt.Errorf("decode failed task %s: %w", res.TaskID, err)
			}
		}
		ft.TaskID = res.TaskID
		ft.Operation = op
		ft.Class = res.Class
		ft.Attempts = res.Attempts
		ft.LastError = res.LastError
		ft.FailedAt = now
		return json.Marshal(ft)
	})
	return err
}

// Failed lists every failed task record ordered by task id.
func (o *Orchestrator) Failed(ctx context.Context) ([]FailedTask, error) {
	entries, err := o.store.List(ctx, FailedPrefix)
	if err != nil {
		return nil, fmt.Errorf("list failed tasks: %w", err)
	}
	out := make([]FailedTask, 0, len(entries))
	for _, e := range entries {
		var ft FailedTask
		if err := json.Unmarshal(e.Value, &ft); err != nil {
			return nil, fmt.Errorf("decode %s: %w", e.Key, err)
		}
		out = append(out, ft)
	}
	return out, nil
}

// Discard removes a failed task record without running it.
func (o *Orchestrator) Discard(ctx context.Context, taskID string) error {
	err := o.store.Delete(ctx, FailedPrefix+taskID)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("failed task %s: %w", taskID, err)
	}
	return err
}

// Redrive runs every failed task once with the configured runner. Tasks whose
// circuit denies the call are skipped; recovered tasks are removed and the
// rest have their redrive count bumped.
func (o *Orchestrator) Redrive(ctx context.Context) (RedriveResult, error) {
	var rr RedriveResult
	if o.runner == nil {
		return rr, fmt.Errorf("%w: no runner configured", ErrInvalidOperation)
	}
	tasks, err := o.Failed(ctx)
	if err != nil {
		return rr, err
	}

	for _, ft := range tasks {
		if err := ctx.Err(); err != nil {
			return rr, err
		}
		resource := ft.Operation.resource()
		if v := o.breakers.Check(ctx, resource); !v.Allowed {
			rr.Skipped++
			continue
		}
		rr.Attempted++

		runErr := o.runner.Run(ctx, ft.Operation)
		if runErr == nil {
			if _, err := o.breakers.RecordSuccess(ctx, resource); err != nil {
				slog.Warn("Failed to record circuit success", "resource", resource, "error", err)
			}
			if err := o.store.Delete(ctx, FailedPrefix+ft.TaskID); err != nil && !errors.Is(err, store.ErrNotFound) {
				return rr, fmt.Errorf("remove recovered task %s: %w", ft.TaskID, err)
			}
			rr.Recovered++
			slog.Info("Failed task recovered", "task", ft.TaskID, "resource", resource)
			continue
		}

		rr.Failed++
		o.recordFailure(ctx, resource)
		if err := o.bumpRedrive(ctx, ft.TaskID, runErr); err != nil {
			return rr, err
		}
		slog.Warn("Redrive failed", "task", ft.TaskID, "resource", resource, "error", runErr)
	}

	if rr.Attempted > 0 || rr.Skipped > 0 {
		_, err := o.tracer.LogDecision(ctx, audit.Decision{
			Type:       audit.TypeRecovery,
			Outcome:    "redrive",
			Rationale:  fmt.Sprintf("redrove %d task(s): %d recovered, %d failed, %d skipped", rr.Attempted, rr.Recovered, rr.Failed, rr.Skipped),
			Confidence: 1,
			Context: map[string]any{
				"attempted": rr.Attempted,
				"recovered": rr.Recovered,
				"failed":    rr.Failed,
				"skipped":   rr.Skipped,
			},
		})
		if err != nil {
			slog.Warn("Failed to audit redrive", "error", err)
		}
	}
	return rr, nil
}

func (o *Orchestrator) bumpRedrive(ctx context.Context, taskID string, runErr error) error {
	now := o.now()
	_, err := store.Update(ctx, o.store, FailedPrefix+taskID, func(cur []byte, exists bool) ([]byte, error) {
		if !exists {
			return nil, store.ErrNotFound
		}
		var ft FailedTask
		if err := json.Unmarshal(cur, &ft); err != nil {
			return nil, fmt.Errorf("decode failed task %s: %w", taskID, err)
		}
		ft.RedriveCount++
		ft.LastRedriveAt = now
		ft.LastError = runErr.Error()
		ft.Class = Classify(runErr)
		return json.Marshal(ft)
	})
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("update failed task %s: %w", taskID, err)
	}
	return nil
}
