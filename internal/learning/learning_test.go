package learning

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/KafClaw/arbiter/internal/audit"
	"github.com/KafClaw/arbiter/internal/bus"
	"github.com/KafClaw/arbiter/internal/stats"
	"github.com/KafClaw/arbiter/internal/store"
)

type fixture struct {
	store   *store.MemoryStore
	repo    *stats.Repository
	tracer  *audit.Tracer
	bus     *bus.MessageBus
	learner *Learner
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := store.NewMemoryStore()
	repo := stats.NewRepository(st, stats.DefaultWeights())
	b := bus.NewMessageBus(100)
	tracer := audit.NewTracer(audit.NewMemoryLedger(), nil)
	clock := time.Unix(1_700_000_000, 0)
	return &fixture{
		store:   st,
		repo:    repo,
		tracer:  tracer,
		bus:     b,
		learner: NewLearner(st, repo, tracer, b, WithClock(func() time.Time { return clock })),
	}
}

func (f *fixture) record(t *testing.T, n, successes int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := f.learner.RecordOutcome(context.Background(), Outcome{
			Agents:    []string{"coder"},
			Pattern:   stats.PatternSequential,
			Success:   i < successes,
			LatencyMs: 100,
		})
		if err != nil {
			t.Fatalf("record outcome %d: %v", i, err)
		}
	}
}

func TestRecordOutcomeUpdatesAgentsAndPattern(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	outcomes := []Outcome{
		{Agents: []string{"planner", "coder"}, Pattern: stats.PatternParallel, Complexity: 70, Success: true, LatencyMs: 1200, Tokens: 3000, UserAction: ActionApproved},
		{Agents: []string{"coder"}, Pattern: stats.PatternSequential, Complexity: 20, Success: false, LatencyMs: 800},
		{Agents: []string{"coder", "coder"}, Pattern: stats.PatternSequential, Success: true, LatencyMs: 400, UserAction: ActionRejected},
	}
	for _, o := range outcomes {
		if _, err := f.learner.RecordOutcome(ctx, o); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	coder, ok, err := f.repo.Agent(ctx, "coder")
	if err != nil || !ok {
		t.Fatalf("coder missing: %v", err)
	}
	if coder.Invocations != 3 || coder.Successes != 2 || coder.TotalLatencyMs != 2400 || coder.AvgLatencyMs != 800 {
		t.Fatalf("unexpected coder stat %+v", coder)
	}
	if coder.SuccessRate != float64(coder.Successes)/float64(coder.Invocations) {
		t.Fatalf("success rate not derived from counters: %+v", coder)
	}
	if coder.Feedback != 2 || coder.Approvals != 1 || coder.TokenSamples != 1 {
		t.Fatalf("unexpected feedback counters %+v", coder)
	}

	seq, _, _ := f.repo.Pattern(ctx, stats.PatternSequential)
	if seq.Total != 2 || seq.SuccessRate != 0.5 {
		t.Fatalf("unexpected sequential pattern stat %+v", seq)
	}

	logged, err := f.learner.Outcomes(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(logged) != 3 || logged[0].TaskID == "" || logged[2].Agents[0] != "coder" || len(logged[2].Agents) != 1 {
		t.Fatalf("unexpected outcome log %+v", logged)
	}
}

// rejectPatternWrites fails every write to a pattern statistic.
type rejectPatternWrites struct {
	*store.MemoryStore
}

func (s rejectPatternWrites) CompareAndSwap(ctx context.Context, key string, version int64, value []byte) (store.Entry, error) {
	if strings.HasPrefix(key, stats.PrefixPattern) {
		return store.Entry{}, errors.New("disk full")
	}
	return s.MemoryStore.CompareAndSwap(ctx, key, version, value)
}

func TestRecordOutcomeNotLoggedWhenStatsFail(t *testing.T) {
	ctx := context.Background()
	st := rejectPatternWrites{MemoryStore: store.NewMemoryStore()}
	l := NewLearner(st, stats.NewRepository(st, stats.DefaultWeights()), nil, nil)

	_, err := l.RecordOutcome(ctx, Outcome{Agents: []string{"coder"}, Pattern: stats.PatternSequential, Success: true})
	if err == nil || !strings.Contains(err.Error(), "disk full") {
		t.Fatalf("expected pattern update error, got %v", err)
	}
	logged, err := l.Outcomes(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(logged) != 0 {
		t.Fatalf("outcome must not be logged when statistics fail: %+v", logged)
	}
}

func TestRecordOutcomeValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	bad := []Outcome{
		{Pattern: stats.PatternSequential},
		{Agents: []string{""}, Pattern: stats.PatternSequential},
		{Agents: []string{"a"}, Pattern: "swarm"},
		{Agents: []string{"a"}, Pattern: stats.PatternSequential, Complexity: 120},
		{Agents: []string{"a"}, Pattern: stats.PatternSequential, LatencyMs: -1},
		{Agents: []string{"a"}, Pattern: stats.PatternSequential, UserAction: "liked"},
	}
	for i, o := range bad {
		if _, err := f.learner.RecordOutcome(ctx, o); !errors.Is(err, ErrInvalidOutcome) {
			t.Errorf("case %d: expected ErrInvalidOutcome, got %v", i, err)
		}
	}
	if recs, _ := f.store.Tail(ctx, StreamOutcomes, 0); len(recs) != 0 {
		t.Fatalf("invalid outcomes must not be appended, got %d", len(recs))
	}
}

func TestAdaptRaisesThreshold(t *testing.T) {
	f := newFixture(t)
	f.record(t, 20, 19) // 0.95

	res, err := f.learner.AdaptWeights(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !res.Applied || res.Direction != DirectionIncreased || res.Current != 0.75 {
		t.Fatalf("expected increase to 0.75, got %+v", res)
	}
	w, _ := f.repo.Weights(context.Background())
	if w.MinConfidence != 0.75 || w.Version != 1 {
		t.Fatalf("weights not persisted: %+v", w)
	}
	if res.DecisionID == "" {
		t.Fatal("expected an audit decision for the adaptation")
	}
}

func TestAdaptIsCappedAndFloored(t *testing.T) {
	ctx := context.Background()

	up := newFixture(t)
	for i := 0; i < 10; i++ {
		up.record(t, 20, 20)
		if _, err := up.learner.AdaptWeights(ctx); err != nil {
			t.Fatal(err)
		}
	}
	if w, _ := up.repo.Weights(ctx); w.MinConfidence != ConfidenceCap {
		t.Fatalf("expected cap %v, got %v", ConfidenceCap, w.MinConfidence)
	}

	down := newFixture(t)
	for i := 0; i < 10; i++ {
		down.record(t, 20, 8) // 0.40 per batch
		if _, err := down.learner.AdaptWeights(ctx); err != nil {
			t.Fatal(err)
		}
	}
	if w, _ := down.repo.Weights(ctx); w.MinConfidence != ConfidenceFloor {
		t.Fatalf("expected floor %v, got %v", ConfidenceFloor, w.MinConfidence)
	}
}

func TestAdaptDecreasesAndHolds(t *testing.T) {
	ctx := context.Background()

	low := newFixture(t)
	low.record(t, 20, 8)
	res, err := low.learner.AdaptWeights(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Direction != DirectionDecreased || res.Current != 0.65 {
		t.Fatalf("expected decrease to 0.65, got %+v", res)
	}

	mid := newFixture(t)
	mid.record(t, 20, 14) // 0.70
	res, err = mid.learner.AdaptWeights(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Direction != DirectionUnchanged || res.Current != 0.7 {
		t.Fatalf("expected unchanged 0.7, got %+v", res)
	}
}

func TestAdaptSkipsBelowMinSamples(t *testing.T) {
	f := newFixture(t)
	f.record(t, 19, 19)
	res, err := f.learner.AdaptWeights(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Applied || res.Direction != DirectionSkipped {
		t.Fatalf("expected skip below min samples, got %+v", res)
	}
	if w, _ := f.repo.Weights(context.Background()); w.Version != 0 {
		t.Fatalf("skip must not write weights: %+v", w)
	}
}

func TestAdaptIsIdempotentForSameWindow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.record(t, 20, 20)

	first, err := f.learner.AdaptWeights(ctx)
	if err != nil || !first.Applied {
		t.Fatalf("first run: %+v %v", first, err)
	}
	second, err := f.learner.AdaptWeights(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if second.Applied || second.Current != first.Current || second.Version != first.Version {
		t.Fatalf("second run on the same window must be a no-op: %+v", second)
	}
}

func TestAdaptUsesMostRecentWindow(t *testing.T) {
	f := newFixture(t)
	f.learner.window = 20
	f.record(t, 30, 0)  // old failures fall out of the window
	f.record(t, 20, 20) // newest window is all successes
	res, err := f.learner.AdaptWeights(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Samples != 20 || res.AvgSuccess != 1 || res.Direction != DirectionIncreased {
		t.Fatalf("expected only the newest 20 outcomes, got %+v", res)
	}
}

func TestAdaptEmitsEvent(t *testing.T) {
	f := newFixture(t)
	var events []*bus.Event
	f.bus.Subscribe(bus.EventWeightsAdapted, func(ev *bus.Event) { events = append(events, ev) })
	f.record(t, 20, 20)
	if _, err := f.learner.AdaptWeights(context.Background()); err != nil {
		t.Fatal(err)
	}
	f.bus.Drain()
	if len(events) != 1 || events[0].Payload["min_confidence"] != 0.75 {
		t.Fatalf("unexpected events %+v", events)
	}
}

func TestNextConfidence(t *testing.T) {
	cases := []struct {
		cur, avg, rate float64
		want           float64
		dir            string
	}{
		{0.70, 0.95, 0.05, 0.75, DirectionIncreased},
		{0.88, 0.80, 0.05, 0.90, DirectionIncreased},
		{0.90, 0.99, 0.05, 0.90, DirectionUnchanged},
		{0.70, 0.40, 0.05, 0.65, DirectionDecreased},
		{0.52, 0.10, 0.05, 0.50, DirectionDecreased},
		{0.70, 0.60, 0.05, 0.70, DirectionUnchanged},
		{0.70, 0.7999, 0.05, 0.70, DirectionUnchanged},
	}
	for _, tc := range cases {
		got, dir := NextConfidence(tc.cur, tc.avg, tc.rate)
		if got != tc.want || dir != tc.dir {
			t.Errorf("NextConfidence(%v,%v,%v) = %v %s, want %v %s", tc.cur, tc.avg, tc.rate, got, dir, tc.want, tc.dir)
		}
	}
}
