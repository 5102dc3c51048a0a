package router

import (
	"context"
	"slices"
)

// AgentInfo describes a known executor.
type AgentInfo struct {
	ID      string   `json:"id"`
	Tags    []string `json:"tags,omitempty"`
	Command string   `json:"command,omitempty"`
}

// Registry enumerates known agents to seed candidates when the caller does
// not supply any.
type Registry interface {
	// Agents returns agents carrying every tag in tags, in registration order.
	Agents(ctx context.Context, tags ...string) ([]AgentInfo, error)
}

// StaticRegistry is a fixed, configuration-backed Registry.
type StaticRegistry struct {
	agents []AgentInfo
}

func NewStaticRegistry(agents []AgentInfo) *StaticRegistry {
	return &StaticRegistry{agents: append([]AgentInfo(nil), agents...)}
}

func (r *StaticRegistry) Agents(_ context.Context, tags ...string) ([]AgentInfo, error) {
	var out []AgentInfo
	for _, a := range r.agents {
		if hasTags(a.Tags, tags) {
			out = append(out, a)
		}
	}
	return out, nil
}

// Lookup returns the agent with id.
func (r *StaticRegistry) Lookup(id string) (AgentInfo, bool) {
	for _, a := range r.agents {
		if a.ID == id {
			return a, true
		}
	}
	return AgentInfo{}, false
}

func hasTags(have, want []string) bool {
	for _, t := range want {
		if !slices.Contains(have, t) {
			return false
		}
	}
	return true
}
