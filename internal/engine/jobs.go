package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/KafClaw/arbiter/internal/scheduler"
)

// Maintenance job names.
const (
	JobAdaptWeights  = "adapt-weights"
	JobRedriveFailed = "redrive-failed"
)

// Jobs returns the periodic maintenance jobs. A zero interval leaves the job
// out.
func (e *Engine) Jobs(adaptEvery, redriveEvery time.Duration) []*scheduler.Job {
	var jobs []*scheduler.Job
	if adaptEvery > 0 {
		jobs = append(jobs, &scheduler.Job{
			Name:     JobAdaptWeights,
			Interval: adaptEvery,
			Category: scheduler.CategoryLearning,
			Run: func(ctx context.Context) (string, error) {
				res, err := e.AdaptWeights(ctx)
				if err != nil {
					return "", err
				}
				return fmt.Sprintf("%s: %s", res.Direction, res.Reason), nil
			},
		})
	}
	if redriveEvery > 0 && e.executor != nil {
		jobs = append(jobs, &scheduler.Job{
			Name:     JobRedriveFailed,
			Interval: redriveEvery,
			Category: scheduler.CategoryRecovery,
			Run: func(ctx context.Context) (string, error) {
				rr, err := e.RedriveFailed(ctx)
				if err != nil {
					return "", err
				}
				return fmt.Sprintf("attempted %d, recovered %d, failed %d, skipped %d",
					rr.Attempted, rr.Recovered, rr.Failed, rr.Skipped), nil
			},
		})
	}
	return jobs
}

// NewScheduler builds a scheduler with the maintenance jobs registered.
func (e *Engine) NewScheduler(cfg scheduler.Config) (*scheduler.Scheduler, error) {
	s := scheduler.New(cfg, e.tracer, e.sink)
	for _, j := range e.Jobs(cfg.AdaptInterval, cfg.RedriveInterval) {
		if err := s.Register(j); err != nil {
			return nil, err
		}
	}
	return s, nil
}
