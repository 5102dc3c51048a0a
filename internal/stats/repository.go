package stats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/KafClaw/arbiter/internal/store"
)

// Store keys.
const (
	KeyWeights    = "routing/weights"
	PrefixAgent   = "agent/"
	PrefixPattern = "pattern/"
)

var errUnchanged = errors.New("stats: unchanged")

// Repository reads and atomically updates statistics in a store.Store.
type Repository struct {
	s        store.Store
	defaults RoutingWeights
}

// NewRepository creates a repository. defaults are returned by Weights until
// the first write.
func NewRepository(s store.Store, defaults RoutingWeights) *Repository {
	return &Repository{s: s, defaults: defaults}
}

// Agent returns the statistic for id and whether it exists.
func (r *Repository) Agent(ctx context.Context, id string) (AgentStat, bool, error) {
	var a AgentStat
	ok, err := r.load(ctx, PrefixAgent+id, &a)
	return a, ok, err
}

// Agents loads the statistics for ids. Missing agents are absent from the map.
func (r *Repository) Agents(ctx context.Context, ids []string) (map[string]AgentStat, error) {
	out := make(map[string]AgentStat, len(ids))
	for _, id := range ids {
		a, ok, err := r.Agent(ctx, id)
		if err != nil {
			return nil, err
		}
		if ok {
			out[id] = a
		}
	}
	return out, nil
}

// ListAgents returns every agent statistic ordered by id.
func (r *Repository) ListAgents(ctx context.Context) ([]AgentStat, error) {
	entries, err := r.s.List(ctx, PrefixAgent)
	if err != nil {
		return nil, err
	}
	out := make([]AgentStat, 0, len(entries))
	for _, e := range entries {
		var a AgentStat
		if err := json.Unmarshal(e.Value, &a); err != nil {
			return nil, fmt.Errorf("decode %s: %w", e.Key, err)
		}
		out = append(out, a)
	}
	return out, nil
}

// UpdateAgent applies fn to the statistic for id atomically, creating it when
// missing. fn may run more than once.
func (r *Repository) UpdateAgent(ctx context.Context, id string, fn func(*AgentStat) error) (AgentStat, error) {
	var result AgentStat
	_, err := store.Update(ctx, r.s, PrefixAgent+id, func(cur []byte, exists bool) ([]byte, error) {
		a := AgentStat{AgentID: id}
		if exists {
			if err := json.Unmarshal(cur, &a); err != nil {
				return nil, fmt.Errorf("decode agent %s: %w", id, err)
			}
		}
		if err := fn(&a); err != nil {
			return nil, err
		}
		result = a
		return json.Marshal(a)
	})
	return result, err
}

// Pattern returns the statistic for a pattern and whether it exists.
func (r *Repository) Pattern(ctx context.Context, name string) (PatternStat, bool, error) {
	var p PatternStat
	ok, err := r.load(ctx, PrefixPattern+name, &p)
	return p, ok, err
}

// ListPatterns returns every pattern statistic ordered by name.
func (r *Repository) ListPatterns(ctx context.Context) ([]PatternStat, error) {
	entries, err := r.s.List(ctx, PrefixPattern)
	if err != nil {
		return nil, err
	}
	out := make([]PatternStat, 0, len(entries))
	for _, e := range entries {
		var p PatternStat
		if err := json.Unmarshal(e.Value, &p); err != nil {
			return nil, fmt.Errorf("decode %s: %w", e.Key, err)
		}
		out = append(out, p)
	}
	return out, nil
}

// UpdatePattern applies fn to a pattern statistic atomically.
func (r *Repository) UpdatePattern(ctx context.Context, name string, fn func(*PatternStat) error) (PatternStat, error) {
	var result PatternStat
	_, err := store.Update(ctx, r.s, PrefixPattern+name, func(cur []byte, exists bool) ([]byte, error) {
		p := PatternStat{Pattern: name}
		if exists {
			if err := json.Unmarshal(cur, &p); err != nil {
				return nil, fmt.Errorf("decode pattern %s: %w", name, err)
			}
		}
		if err := fn(&p); err != nil {
			return nil, err
		}
		result = p
		return json.Marshal(p)
	})
	return result, err
}

// Weights returns the stored routing weights, or the defaults when none have
// been written. Version mirrors the store version (0 for defaults).
func (r *Repository) Weights(ctx context.Context) (RoutingWeights, error) {
	e, err := r.s.Get(ctx, KeyWeights)
	if errors.Is(err, store.ErrNotFound) {
		return r.defaults, nil
	}
	if err != nil {
		return RoutingWeights{}, err
	}
	var w RoutingWeights
	if err := json.Unmarshal(e.Value, &w); err != nil {
		return RoutingWeights{}, fmt.Errorf("decode routing weights: %w", err)
	}
	w.Version = e.Version
	return w, nil
}

// UpdateWeights applies fn to the current weights. When fn reports no change
// nothing is written and the current weights are returned with changed=false.
// A write stamps UpdatedAt with now.
func (r *Repository) UpdateWeights(ctx context.Context, now time.Time, fn func(*RoutingWeights) (bool, error)) (RoutingWeights, bool, error) {
	var current RoutingWeights
	e, err := store.Update(ctx, r.s, KeyWeights, func(cur []byte, exists bool) ([]byte, error) {
		w := r.defaults
		if exists {
			if err := json.Unmarshal(cur, &w); err != nil {
				return nil, fmt.Errorf("decode routing weights: %w", err)
			}
		}
		current = w
		changed, err := fn(&w)
		if err != nil {
			return nil, err
		}
		if !changed {
			return nil, errUnchanged
		}
		w.UpdatedAt = now
		current = w
		return json.Marshal(w)
	})
	if errors.Is(err, errUnchanged) {
		w, err := r.Weights(ctx)
		return w, false, err
	}
	if err != nil {
		return RoutingWeights{}, false, err
	}
	current.Version = e.Version
	return current, true, nil
}

func (r *Repository) load(ctx context.Context, key string, v any) (bool, error) {
	e, err := r.s.Get(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(e.Value, v); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}
