package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/KafClaw/arbiter/internal/audit"
	"github.com/KafClaw/arbiter/internal/bus"
)

func testConfig(t *testing.T) Config {
	t.Helper()
	return Config{
		Enabled:         true,
		TickInterval:    50 * time.Millisecond,
		MaxConcLearning: 1,
		MaxConcRecovery: 1,
		MaxConcDefault:  2,
		LockPath:        t.TempDir() + "/locks/test.lock",
	}
}

func countingJob(name string, interval time.Duration, n *atomic.Int32) *Job {
	return &Job{
		Name:     name,
		Interval: interval,
		Category: CategoryDefault,
		Run: func(context.Context) (string, error) {
			n.Add(1)
			return "done", nil
		},
	}
}

func TestTickRunsDueJobsOncePerInterval(t *testing.T) {
	s := New(testConfig(t), nil, nil)
	var runs atomic.Int32
	if err := s.Register(countingJob("adapt", time.Minute, &runs)); err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	start := time.Date(2026, 2, 15, 12, 0, 0, 0, time.UTC)

	s.tick(ctx, start)
	s.inflight.Wait()
	if runs.Load() != 1 {
		t.Fatalf("first tick should run the job, got %d runs", runs.Load())
	}

	s.tick(ctx, start.Add(30*time.Second))
	s.inflight.Wait()
	if runs.Load() != 1 {
		t.Fatalf("job ran before its interval elapsed: %d runs", runs.Load())
	}

	s.tick(ctx, start.Add(time.Minute))
	s.inflight.Wait()
	if runs.Load() != 2 {
		t.Fatalf("expected second run after the interval, got %d", runs.Load())
	}
}

func TestSchedulerLockPreventsOverlap(t *testing.T) {
	lockPath := t.TempDir() + "/overlap.lock"
	cfg := testConfig(t)
	cfg.LockPath = lockPath
	s1 := New(cfg, nil, nil)
	s2 := New(cfg, nil, nil)

	acquired, err := s1.lock.TryLock()
	if err != nil || !acquired {
		t.Fatalf("s1 should acquire lock: %v", err)
	}

	var runs atomic.Int32
	if err := s2.Register(countingJob("redrive", time.Minute, &runs)); err != nil {
		t.Fatal(err)
	}
	s2.tick(context.Background(), time.Now())
	s2.inflight.Wait()
	if runs.Load() != 0 {
		t.Fatal("s2 must not dispatch while s1 holds the lock")
	}

	if err := s1.lock.Unlock(); err != nil {
		t.Fatal(err)
	}
	s2.tick(context.Background(), time.Now())
	s2.inflight.Wait()
	if runs.Load() != 1 {
		t.Fatalf("s2 should dispatch once the lock is free, got %d", runs.Load())
	}
}

func TestJobLockSpansRunAcrossSchedulers(t *testing.T) {
	cfg := testConfig(t)
	s1 := New(cfg, nil, nil)
	s2 := New(cfg, nil, nil)

	var active, peak, runs atomic.Int32
	release := make(chan struct{})
	started := make(chan struct{}, 2)
	newJob := func() *Job {
		return &Job{Name: "redrive", Interval: time.Minute, Category: CategoryRecovery, Run: func(context.Context) (string, error) {
			n := active.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			runs.Add(1)
			started <- struct{}{}
			<-release
			active.Add(-1)
			return "done", nil
		}}
	}
	if err := s1.Register(newJob()); err != nil {
		t.Fatal(err)
	}
	if err := s2.Register(newJob()); err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	s1.tick(ctx, time.Now())
	<-started
	s2.tick(ctx, time.Now())
	run, err := s2.RunNow(ctx, "redrive")
	if err != nil {
		t.Fatalf("run now: %v", err)
	}
	if run.Status != StatusSkippedLocked {
		t.Fatalf("expected %s while s1 runs the job, got %s", StatusSkippedLocked, run.Status)
	}
	close(release)
	s1.inflight.Wait()
	s2.inflight.Wait()
	if runs.Load() != 1 || peak.Load() != 1 {
		t.Fatalf("expected a single run, got runs=%d peak=%d", runs.Load(), peak.Load())
	}

	s2.tick(ctx, time.Now())
	s2.inflight.Wait()
	if runs.Load() != 2 {
		t.Fatalf("s2 should run the job once s1 finished, got %d runs", runs.Load())
	}
}

func TestConcurrencyLimitSkipsJobs(t *testing.T) {
	s := New(testConfig(t), audit.NewTracer(audit.NewMemoryLedger(), nil), nil)
	release := make(chan struct{})
	started := make(chan struct{})
	block := &Job{Name: "a-slow", Interval: time.Minute, Category: CategoryLearning, Run: func(context.Context) (string, error) {
		close(started)
		<-release
		return "", nil
	}}
	var runs atomic.Int32
	other := countingJob("b-other", time.Minute, &runs)
	other.Category = CategoryLearning
	_ = s.Register(block)

	ctx := context.Background()
	s.tick(ctx, time.Now())
	<-started
	_ = s.Register(other)
	s.tick(ctx, time.Now())
	close(release)
	s.inflight.Wait()

	if runs.Load() != 0 {
		t.Fatal("second learning job should be skipped while the first holds the slot")
	}
	ds, err := s.tracer.Query(ctx, audit.Filter{Type: audit.TypeScheduledJob, Outcome: StatusSkippedConcurrency})
	if err != nil {
		t.Fatal(err)
	}
	if len(ds) != 1 || ds[0].Context["job"] != "b-other" {
		t.Fatalf("expected one skipped run for b-other, got %+v", ds)
	}
}

func TestRunNowAuditsResult(t *testing.T) {
	msgs := bus.NewMessageBus(10)
	tracer := audit.NewTracer(audit.NewMemoryLedger(), nil)
	s := New(testConfig(t), tracer, msgs)
	ctx := context.Background()

	_ = s.Register(&Job{Name: "broken", Interval: time.Hour, Category: CategoryRecovery, Run: func(context.Context) (string, error) {
		return "", errors.New("store offline")
	}})
	var events []*bus.Event
	msgs.Subscribe(bus.EventJobRun, func(ev *bus.Event) { events = append(events, ev) })

	run, err := s.RunNow(ctx, "broken")
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != StatusError || run.Error != "store offline" || run.DecisionID == "" {
		t.Fatalf("unexpected run %+v", run)
	}
	tr, err := tracer.Replay(ctx, run.DecisionID)
	if err != nil {
		t.Fatal(err)
	}
	if tr.Decision.Type != audit.TypeScheduledJob || tr.Decision.Outcome != StatusError {
		t.Fatalf("unexpected decision %+v", tr.Decision)
	}
	msgs.Drain()
	if len(events) != 1 || events[0].Payload["status"] != StatusError {
		t.Fatalf("unexpected events %+v", events)
	}

	if _, err := s.RunNow(ctx, "missing"); !errors.Is(err, ErrUnknownJob) {
		t.Fatalf("expected ErrUnknownJob, got %v", err)
	}
}

func TestRegisterValidation(t *testing.T) {
	s := New(testConfig(t), nil, nil)
	noop := func(context.Context) (string, error) { return "", nil }
	bad := []*Job{
		nil,
		{Interval: time.Minute, Run: noop},
		{Name: "x", Run: noop},
		{Name: "x", Interval: time.Minute},
	}
	for i, j := range bad {
		if err := s.Register(j); err == nil {
			t.Errorf("case %d: expected error", i)
		}
	}
	_ = s.Register(&Job{Name: "b", Interval: time.Minute, Run: noop})
	_ = s.Register(&Job{Name: "a", Interval: time.Minute, Run: noop})
	if jobs := s.Jobs(); len(jobs) != 2 || jobs[0].Name != "a" {
		t.Fatalf("unexpected jobs %+v", jobs)
	}
	s.Unregister("a")
	if len(s.Jobs()) != 1 {
		t.Fatal("unregister failed")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	s := New(testConfig(t), nil, nil)
	var runs atomic.Int32
	_ = s.Register(countingJob("adapt", time.Hour, &runs))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	time.Sleep(120 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
	if runs.Load() != 1 {
		t.Fatalf("hourly job should run once on start, got %d", runs.Load())
	}
}

func TestSemaphoreConcurrencyLimit(t *testing.T) {
	sem := NewSemaphore(2)
	if !sem.TryAcquire() || !sem.TryAcquire() {
		t.Fatal("first two acquires should succeed")
	}
	if sem.TryAcquire() {
		t.Error("third acquire should fail (cap=2)")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := sem.Acquire(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("blocking acquire should time out, got %v", err)
	}
	sem.Release()
	if sem.Available() != 1 {
		t.Errorf("Available() = %d, want 1", sem.Available())
	}
	if err := sem.Acquire(context.Background()); err != nil {
		t.Fatal(err)
	}
}
