package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-process Store used by tests and single-shot CLI runs.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]Entry
	streams map[string][]Record
	seq     int64
	closed  bool
	now     func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]Entry),
		streams: make(map[string][]Record),
		now:     time.Now,
	}
}

func (m *MemoryStore) Get(_ context.Context, key string) (Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return Entry{}, ErrClosed
	}
	e, ok := m.entries[key]
	if !ok {
		return Entry{}, ErrNotFound
	}
	return cloneEntry(e), nil
}

func (m *MemoryStore) CompareAndSwap(_ context.Context, key string, version int64, value []byte) (Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return Entry{}, ErrClosed
	}

	cur, exists := m.entries[key]
	switch {
	case version == 0 && exists:
		return Entry{}, ErrVersionConflict
	case version != 0 && (!exists || cur.Version != version):
		return Entry{}, ErrVersionConflict
	}

	e := Entry{
		Key:       key,
		Value:     append([]byte(nil), value...),
		Version:   version + 1,
		UpdatedAt: m.now(),
	}
	m.entries[key] = e
	return cloneEntry(e), nil
}

func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if _, ok := m.entries[key]; !ok {
		return ErrNotFound
	}
	delete(m.entries, key)
	return nil
}

func (m *MemoryStore) List(_ context.Context, prefix string) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	var out []Entry
	for k, e := range m.entries {
		if strings.HasPrefix(k, prefix) {
			out = append(out, cloneEntry(e))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (m *MemoryStore) Append(_ context.Context, stream string, value []byte) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return Record{}, ErrClosed
	}
	m.seq++
	r := Record{
		Seq:       m.seq,
		Stream:    stream,
		Value:     append([]byte(nil), value...),
		CreatedAt: m.now(),
	}
	m.streams[stream] = append(m.streams[stream], r)
	return r, nil
}

func (m *MemoryStore) Tail(_ context.Context, stream string, n int) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	recs := m.streams[stream]
	if n <= 0 || n > len(recs) {
		n = len(recs)
	}
	out := make([]Record, n)
	copy(out, recs[len(recs)-n:])
	return out, nil
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func cloneEntry(e Entry) Entry {
	e.Value = append([]byte(nil), e.Value...)
	return e
}
