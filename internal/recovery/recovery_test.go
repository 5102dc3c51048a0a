package recovery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/KafClaw/arbiter/internal/audit"
	"github.com/KafClaw/arbiter/internal/bus"
	"github.com/KafClaw/arbiter/internal/circuit"
	"github.com/KafClaw/arbiter/internal/store"
)

type fixture struct {
	store    *store.MemoryStore
	breakers *circuit.Breakers
	tracer   *audit.Tracer
	bus      *bus.MessageBus
	orch     *Orchestrator
	sleeps   []time.Duration
}

func newFixture(t *testing.T, cc circuit.Config, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		store:  store.NewMemoryStore(),
		tracer: audit.NewTracer(audit.NewMemoryLedger(), nil),
		bus:    bus.NewMessageBus(100),
	}
	clock := time.Unix(1_700_000_000, 0)
	now := func() time.Time { return clock }
	f.breakers = circuit.New(cc, f.store, f.tracer, nil, circuit.WithClock(now))
	base := []Option{
		WithClock(now),
		WithRandom(func(int64) int64 { return 0 }),
		WithSleep(func(ctx context.Context, d time.Duration) error {
			f.sleeps = append(f.sleeps, d)
			return ctx.Err()
		}),
	}
	f.orch = New(DefaultConfig(), f.store, f.breakers, f.tracer, f.bus, append(base, opts...)...)
	return f
}

// failing returns a runner that fails with msg for the first n calls.
func failing(n int, msg string) (Runner, *int) {
	calls := 0
	return RunnerFunc(func(context.Context, Operation) error {
		calls++
		if calls <= n {
			return errors.New(msg)
		}
		return nil
	}), &calls
}

func TestRetryRecoversFromTransientFailures(t *testing.T) {
	f := newFixture(t, circuit.DefaultConfig())
	ctx := context.Background()
	runner, calls := failing(3, "connection timeout")

	res, err := f.orch.RetryWith(ctx, runner, "task-1", Operation{Resource: "db"}, 4)
	if err != nil {
		t.Fatalf("expected recovery, got %v", err)
	}
	if !res.Succeeded || res.Attempts != 4 || *calls != 4 || res.Reason != ReasonSucceeded {
		t.Fatalf("unexpected result %+v (calls=%d)", res, *calls)
	}
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	if fmt.Sprint(f.sleeps) != fmt.Sprint(want) {
		t.Fatalf("expected backoff %v, got %v", want, f.sleeps)
	}
	snap, _, err := f.breakers.State(ctx, "db")
	if err != nil {
		t.Fatal(err)
	}
	if snap.SuccessCount != 1 || snap.FailureCount != 0 {
		t.Fatalf("expected circuit success recorded, got %+v", snap)
	}
	// The third failure trips the default threshold before the final attempt.
	// A success while open clears the failure count but the breaker only
	// leaves Open through the half-open timeout.
	if snap.State != circuit.Open {
		t.Fatalf("expected breaker to stay open after recovery, got %s", snap.State)
	}
	failed, _ := f.orch.Failed(ctx)
	if len(failed) != 0 {
		t.Fatalf("recovered task must not be persisted: %+v", failed)
	}
	if res.DecisionID == "" {
		t.Fatal("recovery after retries should be audited")
	}
}

func TestRetryAbortsOnPermanentError(t *testing.T) {
	f := newFixture(t, circuit.DefaultConfig())
	ctx := context.Background()
	runner, calls := failing(100, "401 unauthorized")

	res, err := f.orch.RetryWith(ctx, runner, "task-2", Operation{Resource: "api"}, 5)
	if !errors.Is(err, ErrPermanent) {
		t.Fatalf("expected ErrPermanent, got %v", err)
	}
	var fail *Failure
	if !errors.As(err, &fail) || fail.Class != Permanent {
		t.Fatalf("expected *Failure with permanent class, got %#v", err)
	}
	if res.Attempts != 1 || *calls != 1 || res.Class != Permanent || res.Reason != ReasonPermanent {
		t.Fatalf("unexpected result %+v", res)
	}
	if len(f.sleeps) != 0 {
		t.Fatalf("permanent errors must not back off: %v", f.sleeps)
	}
	if failed, _ := f.orch.Failed(ctx); len(failed) != 0 {
		t.Fatalf("permanent failure must not be persisted: %+v", failed)
	}
	if _, exists, _ := f.breakers.State(ctx, "api"); exists {
		t.Fatal("permanent failure must not touch the circuit")
	}
	d, err := f.tracer.Replay(ctx, res.DecisionID)
	if err != nil {
		t.Fatal(err)
	}
	if d.Decision.Outcome != "escalated" || d.Decision.Context["classification"] != "permanent" {
		t.Fatalf("unexpected recovery decision %+v", d.Decision)
	}
}

func TestRetryExhaustionPersistsFailedTask(t *testing.T) {
	cc := circuit.DefaultConfig()
	cc.FailureThreshold = 10
	f := newFixture(t, cc)
	ctx := context.Background()
	var events []*bus.Event
	f.bus.Subscribe(bus.EventRecoveryFailed, func(ev *bus.Event) { events = append(events, ev) })

	runner, _ := failing(100, "503 service unavailable")
	op := Operation{Resource: "search", AgentID: "coder"}
	res, err := f.orch.RetryWith(ctx, runner, "task-3", op, 3)
	if !errors.Is(err, ErrRetriesExhausted) {
		t.Fatalf("expected ErrRetriesExhausted, got %v", err)
	}
	if res.Attempts != 3 || res.Class != Intermittent || res.Reason != ReasonRetriesExhausted {
		t.Fatalf("unexpected result %+v", res)
	}
	if len(f.sleeps) != 2 {
		t.Fatalf("expected 2 backoffs, got %v", f.sleeps)
	}

	snap, _, _ := f.breakers.State(ctx, "search")
	if snap.FailureCount != 3 {
		t.Fatalf("every failed attempt should reach the circuit, got %+v", snap)
	}
	failed, err := f.orch.Failed(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(failed) != 1 || failed[0].TaskID != "task-3" || failed[0].Attempts != 3 || failed[0].Operation.AgentID != "coder" {
		t.Fatalf("unexpected failed tasks %+v", failed)
	}

	f.bus.Drain()
	if len(events) != 1 || events[0].Payload["reason"] != ReasonRetriesExhausted {
		t.Fatalf("unexpected events %+v", events)
	}
}

// rejectFailedWrites rejects writes under FailedPrefix.
type rejectFailedWrites struct {
	*store.MemoryStore
}

func (s rejectFailedWrites) CompareAndSwap(ctx context.Context, key string, version int64, value []byte) (store.Entry, error) {
	if strings.HasPrefix(key, FailedPrefix) {
		return store.Entry{}, errors.New("disk full")
	}
	return s.MemoryStore.CompareAndSwap(ctx, key, version, value)
}

func TestRetryExhaustionReportsUnpersistedTask(t *testing.T) {
	f := newFixture(t, circuit.DefaultConfig())
	ctx := context.Background()
	st := rejectFailedWrites{MemoryStore: f.store}
	orch := New(DefaultConfig(), st, f.breakers, f.tracer, nil,
		WithSleep(func(ctx context.Context, _ time.Duration) error { return ctx.Err() }))

	runner, _ := failing(100, "503 service unavailable")
	res, err := orch.RetryWith(ctx, runner, "task-lost", Operation{Resource: "search"}, 2)
	if !errors.Is(err, ErrPersistFailed) || !errors.Is(err, ErrRetriesExhausted) {
		t.Fatalf("expected ErrPersistFailed and ErrRetriesExhausted, got %v", err)
	}
	if res.Reason != ReasonPersistFailed || res.Attempts != 2 || !strings.Contains(res.LastError, "disk full") {
		t.Fatalf("unexpected result %+v", res)
	}
	if failed, _ := orch.Failed(ctx); len(failed) != 0 {
		t.Fatalf("nothing should be stored, got %+v", failed)
	}
	d, err := f.tracer.Replay(ctx, res.DecisionID)
	if err != nil {
		t.Fatal(err)
	}
	if d.Decision.Outcome != ReasonPersistFailed {
		t.Fatalf("expected %s decision, got %+v", ReasonPersistFailed, d.Decision)
	}
}

func TestRetryStopsWhenCircuitOpens(t *testing.T) {
	cc := circuit.DefaultConfig()
	cc.FailureThreshold = 1
	f := newFixture(t, cc)
	ctx := context.Background()
	runner, calls := failing(100, "connection refused")

	res, err := f.orch.RetryWith(ctx, runner, "task-4", Operation{Resource: "db"}, 5)
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if res.Attempts != 2 || *calls != 2 {
		t.Fatalf("expected abort on the second attempt, got %+v", res)
	}
	if failed, _ := f.orch.Failed(ctx); len(failed) != 0 {
		t.Fatalf("circuit abort must not persist a failed task: %+v", failed)
	}
}

func TestRetryCancellation(t *testing.T) {
	f := newFixture(t, circuit.DefaultConfig())
	ctx, cancel := context.WithCancel(context.Background())
	f.orch.sleep = func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	}
	runner, calls := failing(100, "timeout")

	res, err := f.orch.RetryWith(ctx, runner, "task-5", Operation{Resource: "db"}, 5)
	if !errors.Is(err, ErrCancelled) || !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if res.Reason != ReasonCancelled || *calls != 1 {
		t.Fatalf("unexpected result %+v", res)
	}
	if failed, _ := f.orch.Failed(context.Background()); len(failed) != 0 {
		t.Fatalf("cancelled task must not be persisted: %+v", failed)
	}

	res, err = f.orch.RetryWith(ctx, runner, "task-6", Operation{Resource: "db"}, 5)
	if !errors.Is(err, ErrCancelled) || res.Attempts != 0 || *calls != 1 {
		t.Fatalf("cancelled context must not run the operation: %+v %v", res, err)
	}
}

func TestRetryValidation(t *testing.T) {
	f := newFixture(t, circuit.DefaultConfig())
	runner, calls := failing(0, "")
	ctx := context.Background()
	if _, err := f.orch.RetryWith(ctx, runner, "", Operation{}, 3); !errors.Is(err, ErrInvalidOperation) {
		t.Fatalf("expected ErrInvalidOperation for missing resource, got %v", err)
	}
	if _, err := f.orch.RetryWith(ctx, runner, "", Operation{Resource: "x"}, 0); !errors.Is(err, ErrInvalidOperation) {
		t.Fatalf("expected ErrInvalidOperation for zero retries, got %v", err)
	}
	if _, err := f.orch.Retry(ctx, "", Operation{Resource: "x"}, 1); !errors.Is(err, ErrInvalidOperation) {
		t.Fatalf("expected ErrInvalidOperation without a runner, got %v", err)
	}
	if *calls != 0 {
		t.Fatal("invalid requests must not run")
	}

	res, err := f.orch.RetryWith(ctx, runner, "", Operation{Name: "ping"}, 1)
	if err != nil || res.TaskID == "" || res.Attempts != 1 {
		t.Fatalf("expected generated task id, got %+v %v", res, err)
	}
}

func TestRedrive(t *testing.T) {
	cc := circuit.DefaultConfig()
	cc.FailureThreshold = 100
	healthy := map[string]bool{}
	runner := RunnerFunc(func(_ context.Context, op Operation) error {
		if healthy[op.Resource] {
			return nil
		}
		return errors.New("connection reset")
	})
	f := newFixture(t, cc, WithRunner(runner))
	ctx := context.Background()

	for _, res := range []string{"a", "b", "c"} {
		if _, err := f.orch.Retry(ctx, "task-"+res, Operation{Resource: res}, 1); !errors.Is(err, ErrRetriesExhausted) {
			t.Fatalf("seed %s: %v", res, err)
		}
	}
	healthy["a"] = true
	if _, err := f.breakers.Reset(ctx, "c"); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 100; i++ {
		if _, err := f.breakers.RecordFailure(ctx, "c"); err != nil {
			t.Fatal(err)
		}
	}

	rr, err := f.orch.Redrive(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if rr.Attempted != 2 || rr.Recovered != 1 || rr.Failed != 1 || rr.Skipped != 1 {
		t.Fatalf("unexpected redrive result %+v", rr)
	}
	failed, _ := f.orch.Failed(ctx)
	if len(failed) != 2 || failed[0].TaskID != "task-b" || failed[0].RedriveCount != 1 || failed[1].RedriveCount != 0 {
		t.Fatalf("unexpected failed tasks after redrive %+v", failed)
	}

	if err := f.orch.Discard(ctx, "task-b"); err != nil {
		t.Fatal(err)
	}
	if err := f.orch.Discard(ctx, "task-b"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound discarding twice, got %v", err)
	}
}

func TestFailurePathsAreAudited(t *testing.T) {
	f := newFixture(t, circuit.DefaultConfig())
	ctx := context.Background()
	perm, _ := failing(1, "404 not found")
	trans, _ := failing(5, "network unreachable")
	_, _ = f.orch.RetryWith(ctx, perm, "p", Operation{Resource: "x"}, 3)
	_, _ = f.orch.RetryWith(ctx, trans, "t", Operation{Resource: "y"}, 2)

	decisions, err := f.tracer.Query(ctx, audit.Filter{Type: audit.TypeRecovery})
	if err != nil {
		t.Fatal(err)
	}
	if len(decisions) != 2 {
		t.Fatalf("expected one decision per failure, got %+v", decisions)
	}
	if decisions[0].Outcome != ReasonRetriesExhausted || decisions[1].Outcome != "escalated" {
		t.Fatalf("unexpected outcomes %q %q", decisions[0].Outcome, decisions[1].Outcome)
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		want Class
	}{
		{errors.New("connection timeout"), Transient},
		{errors.New("read: Connection reset by peer"), Transient},
		{errors.New("unexpected EOF"), Transient},
		{context.DeadlineExceeded, Transient},
		{fmt.Errorf("call: %w", context.DeadlineExceeded), Transient},
		{errors.New("429 Too Many Requests"), Intermittent},
		{errors.New("rate limit exceeded"), Intermittent},
		{errors.New("503 Service Unavailable"), Intermittent},
		{errors.New("401 unauthorized"), Permanent},
		{errors.New("resource not found"), Permanent},
		{errors.New("HTTP 403"), Permanent},
		{errors.New("invalid argument"), Permanent},
		{errors.New("took 4000ms"), Intermittent},
		{errors.New("something odd happened"), Intermittent},
		{WithClass(errors.New("timeout"), Permanent), Permanent},
		{fmt.Errorf("wrapped: %w", WithClass(errors.New("boom"), Transient)), Transient},
	}
	for _, tc := range cases {
		if got := Classify(tc.err); got != tc.want {
			t.Errorf("Classify(%q) = %s, want %s", tc.err, got, tc.want)
		}
	}
	if Classify(nil) != "" {
		t.Error("nil error has no class")
	}
}

func TestBackoff(t *testing.T) {
	cfg := DefaultConfig()
	prev := int64(0)
	for attempt := 0; attempt < 12; attempt++ {
		b := cfg.BackoffMs(attempt)
		if b < prev {
			t.Fatalf("backoff decreased at attempt %d: %d < %d", attempt, b, prev)
		}
		if b > cfg.MaxBackoffMs {
			t.Fatalf("backoff %d exceeds max at attempt %d", b, attempt)
		}
		prev = b
	}
	if cfg.BackoffMs(0) != 1000 || cfg.BackoffMs(3) != 8000 || cfg.BackoffMs(5) != 30000 {
		t.Fatalf("unexpected schedule %d %d %d", cfg.BackoffMs(0), cfg.BackoffMs(3), cfg.BackoffMs(5))
	}

	cfg.MultiplierPermille = 1500
	if cfg.BackoffMs(2) != 2250 {
		t.Fatalf("expected fixed-point 1.5x schedule, got %d", cfg.BackoffMs(2))
	}

	cfg = DefaultConfig()
	maxJitter := func(n int64) int64 { return n - 1 }
	if got := cfg.Backoff(1, maxJitter); got != 2499*time.Millisecond {
		t.Fatalf("jitter must stay below a quarter of the backoff, got %v", got)
	}
	if got := cfg.Backoff(10, maxJitter); got != 30*time.Second {
		t.Fatalf("jittered backoff must not exceed max, got %v", got)
	}
	cfg.Jitter = false
	if got := cfg.Backoff(1, maxJitter); got != 2*time.Second {
		t.Fatalf("jitter disabled, got %v", got)
	}
}
