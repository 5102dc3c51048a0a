package audit

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemoryLedger keeps the audit trail in process memory.
type MemoryLedger struct {
	mu        sync.RWMutex
	decisions []Decision
	index     map[string]int
	steps     map[string][]Step
	counts    Counts
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		index:  make(map[string]int),
		steps:  make(map[string][]Step),
		counts: newCounts(),
	}
}

func (m *MemoryLedger) AppendDecision(_ context.Context, d Decision) error {
	if err := validateDecision(d); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.index[d.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicate, d.ID)
	}
	d.Context = cloneMap(d.Context)
	m.index[d.ID] = len(m.decisions)
	m.decisions = append(m.decisions, d)
	m.counts.Total++
	m.counts.ByType[d.Type]++
	m.counts.ByOutcome[d.Outcome]++
	return nil
}

func (m *MemoryLedger) AppendStep(_ context.Context, s Step) error {
	if err := validateStep(s); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s.Data = cloneMap(s.Data)
	m.steps[s.DecisionID] = append(m.steps[s.DecisionID], s)
	return nil
}

func (m *MemoryLedger) Decision(_ context.Context, id string) (Decision, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	i, ok := m.index[id]
	if !ok {
		return Decision{}, ErrNotFound
	}
	return cloneDecision(m.decisions[i]), nil
}

func (m *MemoryLedger) Decisions(_ context.Context, f Filter) ([]Decision, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Decision
	for i := len(m.decisions) - 1; i >= 0; i-- {
		if !f.match(m.decisions[i]) {
			continue
		}
		out = append(out, cloneDecision(m.decisions[i]))
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryLedger) Steps(_ context.Context, decisionID string) ([]Step, error) {
	m.mu.RLock()
	out := make([]Step, len(m.steps[decisionID]))
	for i, s := range m.steps[decisionID] {
		s.Data = cloneMap(s.Data)
		out[i] = s
	}
	m.mu.RUnlock()
	sort.SliceStable(out, func(i, j int) bool { return out[i].Step < out[j].Step })
	return out, nil
}

func (m *MemoryLedger) Counts(_ context.Context) (Counts, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c := newCounts()
	c.Total = m.counts.Total
	for k, v := range m.counts.ByType {
		c.ByType[k] = v
	}
	for k, v := range m.counts.ByOutcome {
		c.ByOutcome[k] = v
	}
	return c, nil
}

func cloneDecision(d Decision) Decision {
	d.Context = cloneMap(d.Context)
	return d
}

// cloneMap deep-copies nested maps and slices so stored entries never share
// memory with callers.
func cloneMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch x := v.(type) {
	case map[string]any:
		return cloneMap(x)
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = cloneValue(e)
		}
		return out
	case []string:
		return append([]string(nil), x...)
	case []map[string]any:
		out := make([]map[string]any, len(x))
		for i, e := range x {
			out[i] = cloneMap(e)
		}
		return out
	}
	return v
}
