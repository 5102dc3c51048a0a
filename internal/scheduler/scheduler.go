// Package scheduler runs the engine's periodic maintenance jobs (weight
// adaptation, failed-task redrive) on fixed intervals.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/KafClaw/arbiter/internal/audit"
	"github.com/KafClaw/arbiter/internal/bus"
	"github.com/KafClaw/arbiter/internal/metrics"
)

// JobCategory classifies jobs for semaphore-based concurrency limits.
type JobCategory string

const (
	CategoryLearning JobCategory = "learning"
	CategoryRecovery JobCategory = "recovery"
	CategoryDefault  JobCategory = "default"
)

// Job run statuses.
const (
	StatusOK                 = "ok"
	StatusError              = "error"
	StatusSkippedConcurrency = "skipped_concurrency"
	StatusSkippedLocked      = "skipped_locked"
)

// ErrUnknownJob is returned by RunNow for unregistered names.
var ErrUnknownJob = errors.New("scheduler: unknown job")

// Job defines a schedulable unit of work.
type Job struct {
	Name     string        // Unique job identifier.
	Interval time.Duration // Minimum time between runs.
	Category JobCategory   // For semaphore selection.
	// Run performs the job and returns a short summary for the audit trail.
	Run func(ctx context.Context) (string, error)
}

// JobRun records one execution.
type JobRun struct {
	Job        string        `json:"job"`
	Status     string        `json:"status"`
	Summary    string        `json:"summary,omitempty"`
	Error      string        `json:"error,omitempty"`
	StartedAt  time.Time     `json:"started_at"`
	Duration   time.Duration `json:"duration"`
	DecisionID string        `json:"decision_id,omitempty"`
}

// Config holds scheduler settings.
type Config struct {
	Enabled         bool          `json:"enabled" yaml:"enabled" envconfig:"ENABLED"`
	TickInterval    time.Duration `json:"tickInterval" yaml:"tickInterval" envconfig:"TICK_INTERVAL" validate:"gte=0"`
	AdaptInterval   time.Duration `json:"adaptInterval" yaml:"adaptInterval" envconfig:"ADAPT_INTERVAL" validate:"gte=0"`
	RedriveInterval time.Duration `json:"redriveInterval" yaml:"redriveInterval" envconfig:"REDRIVE_INTERVAL" validate:"gte=0"`
	MaxConcLearning int           `json:"maxConcLearning" yaml:"maxConcLearning" envconfig:"MAX_CONC_LEARNING" validate:"gte=0"`
	MaxConcRecovery int           `json:"maxConcRecovery" yaml:"maxConcRecovery" envconfig:"MAX_CONC_RECOVERY" validate:"gte=0"`
	MaxConcDefault  int           `json:"maxConcDefault" yaml:"maxConcDefault" envconfig:"MAX_CONC_DEFAULT" validate:"gte=0"`
	LockPath        string        `json:"lockPath" yaml:"lockPath" envconfig:"LOCK_PATH"`
}

// DefaultConfig returns sensible scheduler defaults.
func DefaultConfig() Config {
	home, _ := os.UserHomeDir()
	return Config{
		Enabled:         true,
		TickInterval:    30 * time.Second,
		AdaptInterval:   15 * time.Minute,
		RedriveInterval: 10 * time.Minute,
		MaxConcLearning: 1,
		MaxConcRecovery: 1,
		MaxConcDefault:  2,
		LockPath:        filepath.Join(home, ".arbiter", "scheduler.lock"),
	}
}

// Scheduler manages job registration, tick dispatch, and concurrency control.
type Scheduler struct {
	cfg        Config
	tracer     *audit.Tracer
	sink       bus.Sink
	jobs       map[string]*Job
	lastRun    map[string]time.Time
	mu         sync.Mutex
	semaphores map[JobCategory]*Semaphore
	lock       *FileLock
	inflight   sync.WaitGroup
	now        func() time.Time
}

// New creates a Scheduler. tracer and sink may be nil.
func New(cfg Config, tracer *audit.Tracer, sink bus.Sink) *Scheduler {
	def := DefaultConfig()
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = def.TickInterval
	}
	if cfg.MaxConcLearning <= 0 {
		cfg.MaxConcLearning = def.MaxConcLearning
	}
	if cfg.MaxConcRecovery <= 0 {
		cfg.MaxConcRecovery = def.MaxConcRecovery
	}
	if cfg.MaxConcDefault <= 0 {
		cfg.MaxConcDefault = def.MaxConcDefault
	}
	if cfg.LockPath == "" {
		cfg.LockPath = def.LockPath
	}

	return &Scheduler{
		cfg:     cfg,
		tracer:  tracer,
		sink:    sink,
		jobs:    make(map[string]*Job),
		lastRun: make(map[string]time.Time),
		semaphores: map[JobCategory]*Semaphore{
			CategoryLearning: NewSemaphore(cfg.MaxConcLearning),
			CategoryRecovery: NewSemaphore(cfg.MaxConcRecovery),
			CategoryDefault:  NewSemaphore(cfg.MaxConcDefault),
		},
		lock: NewFileLock(cfg.LockPath),
		now:  time.Now,
	}
}

// Register adds a job to the scheduler, replacing any job with the same name.
func (s *Scheduler) Register(job *Job) error {
	if job == nil || job.Name == "" || job.Run == nil {
		return errors.New("scheduler: job needs a name and a run function")
	}
	if job.Interval <= 0 {
		return fmt.Errorf("scheduler: job %s needs a positive interval", job.Name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.Name] = job
	slog.Info("Scheduler job registered", "name", job.Name, "category", job.Category, "interval", job.Interval)
	return nil
}

// Unregister removes a job by name.
func (s *Scheduler) Unregister(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, name)
	delete(s.lastRun, name)
}

// Jobs returns the registered jobs ordered by name.
func (s *Scheduler) Jobs() []*Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Name < out[k].Name })
	return out
}

// Run starts the scheduler tick loop. It blocks until ctx is cancelled and
// waits for in-flight jobs before returning.
func (s *Scheduler) Run(ctx context.Context) error {
	slog.Info("Scheduler started", "tick", s.cfg.TickInterval, "jobs", len(s.Jobs()))
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	s.tick(ctx, s.now())
	for {
		select {
		case <-ctx.Done():
			s.inflight.Wait()
			slog.Info("Scheduler stopped")
			return ctx.Err()
		case t := <-ticker.C:
			s.tick(ctx, t)
		}
	}
}

// RunNow executes a job synchronously, waiting for a slot in its category.
func (s *Scheduler) RunNow(ctx context.Context, name string) (JobRun, error) {
	s.mu.Lock()
	job, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return JobRun{}, fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	sem := s.semaphore(job.Category)
	if err := sem.Acquire(ctx); err != nil {
		return JobRun{}, fmt.Errorf("wait for %s slot: %w", job.Category, err)
	}
	defer sem.Release()

	lock, ok := s.tryJobLock(job.Name)
	if !ok {
		run := JobRun{Job: name, Status: StatusSkippedLocked, StartedAt: s.now()}
		run.DecisionID = s.logJobRun(ctx, run)
		return run, nil
	}
	defer lock.Unlock()

	s.mu.Lock()
	s.lastRun[name] = s.now()
	s.mu.Unlock()
	return s.execute(ctx, job), nil
}

// tryJobLock takes the per-job lock that is held for the whole run, so two
// schedulers sharing LockPath never run the same job at once.
func (s *Scheduler) tryJobLock(name string) (*FileLock, bool) {
	lock := NewFileLock(s.cfg.LockPath + "." + name)
	acquired, err := lock.TryLock()
	if err != nil {
		slog.Warn("Scheduler job lock error", "job", name, "error", err)
		return nil, false
	}
	if !acquired {
		slog.Debug("Scheduler job skipped: running in another process", "job", name)
		return nil, false
	}
	return lock, true
}

// tick is called every TickInterval. Acquires the global file lock, then
// dispatches every job whose interval has elapsed. Each dispatched job also
// holds its own lock until it returns.
func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	acquired, err := s.lock.TryLock()
	if err != nil {
		slog.Warn("Scheduler lock error", "error", err)
		return
	}
	if !acquired {
		slog.Debug("Scheduler tick skipped: lock held by another process")
		return
	}
	defer s.lock.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, job := range s.jobs {
		if last, ok := s.lastRun[job.Name]; ok && now.Sub(last) < job.Interval {
			continue
		}
		s.dispatch(ctx, job, now)
	}
}

// dispatch starts job in the background if a semaphore slot is available.
// The caller holds s.mu.
func (s *Scheduler) dispatch(ctx context.Context, job *Job, now time.Time) {
	sem := s.semaphore(job.Category)
	if !sem.TryAcquire() {
		slog.Warn("Scheduler job skipped: concurrency limit", "job", job.Name, "category", job.Category)
		s.logJobRun(ctx, JobRun{Job: job.Name, Status: StatusSkippedConcurrency, StartedAt: now})
		return
	}
	lock, ok := s.tryJobLock(job.Name)
	if !ok {
		sem.Release()
		return
	}

	slog.Info("Scheduler dispatching job", "job", job.Name)
	s.lastRun[job.Name] = now
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		defer sem.Release()
		defer lock.Unlock()
		s.execute(ctx, job)
	}()
}

func (s *Scheduler) execute(ctx context.Context, job *Job) JobRun {
	run := JobRun{Job: job.Name, StartedAt: s.now()}
	summary, err := job.Run(ctx)
	run.Duration = s.now().Sub(run.StartedAt)
	run.Summary = summary
	if err != nil {
		run.Status = StatusError
		run.Error = err.Error()
		slog.Error("Scheduled job failed", "job", job.Name, "error", err)
	} else {
		run.Status = StatusOK
		slog.Info("Scheduled job finished", "job", job.Name, "summary", summary, "duration", run.Duration)
	}
	run.DecisionID = s.logJobRun(ctx, run)
	return run
}

func (s *Scheduler) semaphore(c JobCategory) *Semaphore {
	if sem := s.semaphores[c]; sem != nil {
		return sem
	}
	return s.semaphores[CategoryDefault]
}

// logJobRun records the run as a scheduled_job decision (best-effort).
func (s *Scheduler) logJobRun(ctx context.Context, run JobRun) string {
	metrics.JobRuns.WithLabelValues(run.Job, run.Status).Inc()
	rationale := run.Summary
	if run.Error != "" {
		rationale = run.Error
	}
	if rationale == "" {
		rationale = run.Status
	}
	d, err := s.tracer.LogDecision(ctx, audit.Decision{
		Type:       audit.TypeScheduledJob,
		Outcome:    run.Status,
		Rationale:  fmt.Sprintf("%s: %s", run.Job, rationale),
		Confidence: 1,
		Context: map[string]any{
			"job":         run.Job,
			"duration_ms": run.Duration.Milliseconds(),
		},
	})
	if err != nil {
		slog.Warn("Failed to audit job run", "job", run.Job, "error", err)
	}
	bus.Emit(ctx, s.sink, &bus.Event{
		Type:       bus.EventJobRun,
		DecisionID: d.ID,
		Payload:    map[string]any{"job": run.Job, "status": run.Status},
	})
	return d.ID
}
