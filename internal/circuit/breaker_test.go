package circuit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/KafClaw/arbiter/internal/audit"
	"github.com/KafClaw/arbiter/internal/bus"
	"github.com/KafClaw/arbiter/internal/store"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestBreakers(t *testing.T, st store.Store) (*Breakers, *fakeClock) {
	t.Helper()
	clk := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	return New(DefaultConfig(), st, nil, nil, WithClock(clk.now)), clk
}

func mustFail(t *testing.T, b *Breakers, resource string, n int) Snapshot {
	t.Helper()
	var snap Snapshot
	for i := 0; i < n; i++ {
		var err error
		if snap, err = b.RecordFailure(context.Background(), resource); err != nil {
			t.Fatalf("record failure: %v", err)
		}
	}
	return snap
}

func TestOpensAfterFailureThreshold(t *testing.T) {
	b, _ := newTestBreakers(t, store.NewMemoryStore())
	ctx := context.Background()

	if snap := mustFail(t, b, "db", 2); snap.State != Closed || snap.FailureCount != 2 {
		t.Fatalf("expected closed with 2 failures, got %+v", snap)
	}
	if !b.Check(ctx, "db").Allowed {
		t.Fatal("closed breaker must allow")
	}
	snap := mustFail(t, b, "db", 1)
	if snap.State != Open || snap.OpenedAt.IsZero() {
		t.Fatalf("expected open after 3 failures, got %+v", snap)
	}
	if v := b.Check(ctx, "db"); v.Allowed || v.State != Open {
		t.Fatalf("open breaker must deny, got %+v", v)
	}
}

func TestSuccessResetsFailureCount(t *testing.T) {
	b, _ := newTestBreakers(t, store.NewMemoryStore())
	mustFail(t, b, "db", 2)
	snap, err := b.RecordSuccess(context.Background(), "db")
	if err != nil {
		t.Fatal(err)
	}
	if snap.FailureCount != 0 || snap.SuccessCount != 1 {
		t.Fatalf("success must reset failures: %+v", snap)
	}
	if snap = mustFail(t, b, "db", 2); snap.State != Closed || snap.SuccessCount != 0 {
		t.Fatalf("failure must reset successes and not yet open: %+v", snap)
	}
}

func TestHalfOpenAfterTimeoutThenCloses(t *testing.T) {
	b, clk := newTestBreakers(t, store.NewMemoryStore())
	ctx := context.Background()
	mustFail(t, b, "api", 3)

	clk.advance(59 * time.Second)
	if b.Check(ctx, "api").Allowed {
		t.Fatal("must stay open before the timeout")
	}
	clk.advance(time.Second)
	v := b.Check(ctx, "api")
	if !v.Allowed || v.State != HalfOpen || !v.Probe {
		t.Fatalf("expected half-open probe at the timeout, got %+v", v)
	}

	snap, err := b.RecordSuccess(ctx, "api")
	if err != nil {
		t.Fatal(err)
	}
	if snap.State != HalfOpen || snap.SuccessCount != 1 {
		t.Fatalf("one success must not close yet: %+v", snap)
	}
	if v := b.Check(ctx, "api"); !v.Allowed {
		t.Fatalf("settled probe frees the slot: %+v", v)
	}
	snap, err = b.RecordSuccess(ctx, "api")
	if err != nil {
		t.Fatal(err)
	}
	if snap.State != Closed || snap.SuccessCount != 0 || snap.FailureCount != 0 || snap.ProbesInFlight != 0 {
		t.Fatalf("expected closed with zeroed counters, got %+v", snap)
	}
}

func TestFailureInHalfOpenReopens(t *testing.T) {
	b, clk := newTestBreakers(t, store.NewMemoryStore())
	ctx := context.Background()
	mustFail(t, b, "api", 3)
	clk.advance(time.Minute)
	b.Check(ctx, "api")

	clk.advance(5 * time.Second)
	snap := mustFail(t, b, "api", 1)
	if snap.State != Open || !snap.OpenedAt.Equal(clk.now()) {
		t.Fatalf("expected re-open with fresh opened_at, got %+v", snap)
	}
	if b.Check(ctx, "api").Allowed {
		t.Fatal("re-opened breaker must deny")
	}
}

func TestHalfOpenProbesAreBounded(t *testing.T) {
	b, clk := newTestBreakers(t, store.NewMemoryStore())
	ctx := context.Background()
	mustFail(t, b, "svc", 3)
	clk.advance(time.Minute)

	var allowed atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if b.Check(ctx, "svc").Allowed {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()
	if allowed.Load() != 1 {
		t.Fatalf("expected exactly one probe, got %d", allowed.Load())
	}
}

func TestStaleProbeIsReclaimed(t *testing.T) {
	b, clk := newTestBreakers(t, store.NewMemoryStore())
	ctx := context.Background()
	mustFail(t, b, "svc", 3)
	clk.advance(time.Minute)
	if !b.Check(ctx, "svc").Allowed {
		t.Fatal("expected first probe")
	}
	if b.Check(ctx, "svc").Allowed {
		t.Fatal("second probe must wait for the first")
	}
	clk.advance(time.Minute)
	if v := b.Check(ctx, "svc"); !v.Allowed || !v.Probe {
		t.Fatalf("lost probe should be reclaimed, got %+v", v)
	}
}

func TestSuccessWhileOpenDoesNotClose(t *testing.T) {
	b, _ := newTestBreakers(t, store.NewMemoryStore())
	mustFail(t, b, "x", 3)
	snap, err := b.RecordSuccess(context.Background(), "x")
	if err != nil {
		t.Fatal(err)
	}
	if snap.State != Open || snap.FailureCount != 0 || snap.SuccessCount != 1 {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
}

func TestResetAndList(t *testing.T) {
	b, _ := newTestBreakers(t, store.NewMemoryStore())
	ctx := context.Background()
	mustFail(t, b, "b", 3)
	mustFail(t, b, "a", 1)

	list, err := b.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 || list[0].Resource != "a" || list[1].State != Open {
		t.Fatalf("unexpected list %+v", list)
	}

	snap, err := b.Reset(ctx, "b")
	if err != nil {
		t.Fatal(err)
	}
	if snap.State != Closed || snap.FailureCount != 0 || !snap.OpenedAt.IsZero() {
		t.Fatalf("reset must zero the breaker: %+v", snap)
	}
	if !b.Check(ctx, "b").Allowed {
		t.Fatal("reset breaker must allow")
	}
}

func TestStateOfUnknownResource(t *testing.T) {
	b, _ := newTestBreakers(t, store.NewMemoryStore())
	snap, exists, err := b.State(context.Background(), "never")
	if err != nil || exists || snap.State != Closed {
		t.Fatalf("unexpected state for unknown resource: %+v exists=%v err=%v", snap, exists, err)
	}
}

type brokenStore struct{ store.Store }

func (brokenStore) Get(context.Context, string) (store.Entry, error) {
	return store.Entry{}, errors.New("disk on fire")
}

func TestCheckFailsOpen(t *testing.T) {
	b, _ := newTestBreakers(t, brokenStore{store.NewMemoryStore()})
	v := b.Check(context.Background(), "db")
	if !v.Allowed || !v.Degraded {
		t.Fatalf("expected degraded allow, got %+v", v)
	}
	if _, err := b.RecordFailure(context.Background(), "db"); err == nil {
		t.Fatal("record must surface store errors")
	}
}

func TestTransitionsAreAuditedAndEmitted(t *testing.T) {
	st := store.NewMemoryStore()
	msgs := bus.NewMessageBus(10)
	tracer := audit.NewTracer(audit.NewMemoryLedger(), nil)
	clk := &fakeClock{t: time.Unix(0, 0)}
	b := New(DefaultConfig(), st, tracer, msgs, WithClock(clk.now))
	ctx := context.Background()

	var transitions []string
	msgs.Subscribe(bus.EventCircuitTransition, func(ev *bus.Event) {
		transitions = append(transitions, ev.Payload["to"].(string))
	})

	mustFail(t, b, "r", 3)
	clk.advance(time.Minute)
	b.Check(ctx, "r")
	_, _ = b.RecordSuccess(ctx, "r")
	b.Check(ctx, "r")
	_, _ = b.RecordSuccess(ctx, "r")
	msgs.Drain()

	want := []string{"open", "half_open", "closed"}
	if len(transitions) != len(want) {
		t.Fatalf("expected transitions %v, got %v", want, transitions)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Fatalf("expected transitions %v, got %v", want, transitions)
		}
	}
	c, _ := tracer.Counts(ctx)
	if c.ByType[audit.TypeCircuit] != 3 {
		t.Fatalf("expected 3 circuit decisions, got %+v", c)
	}
}
