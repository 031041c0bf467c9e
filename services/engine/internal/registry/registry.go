package registry

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

type Priority string

const (
	PriorityHigh   Priority = "HIGH"
	PriorityMedium Priority = "MEDIUM"
	PriorityLow    Priority = "LOW"
)

// Agent is an autonomous caller with its own budget envelope. The registry
// holds the static policy; runtime spend lives in the gate's ledger.
type Agent struct {
	ID          string   `yaml:"id" json:"id"`
	Priority    Priority `yaml:"priority" json:"priority"`
	DailyBudget float64  `yaml:"dailyBudget" json:"daily_budget"`
	MaxPerCall  float64  `yaml:"maxPerCall" json:"max_per_call"`
}

// ServiceOffer is a priced capability advertised by a provider. Offers are
// read-only to the engine; administrative updates arrive through the external
// discovery service.
type ServiceOffer struct {
	ID           string   `yaml:"id" json:"id"`
	Provider     string   `yaml:"provider" json:"provider"`
	UnitPrice    float64  `yaml:"unitPrice" json:"unit_price"`
	Active       bool     `yaml:"active" json:"active"`
	Verified     bool     `yaml:"verified" json:"verified"`
	AllowAgents  []string `yaml:"allowAgents" json:"allow_agents,omitempty"`
	BlockAgents  []string `yaml:"blockAgents" json:"block_agents,omitempty"`
	DailyCap     float64  `yaml:"dailyCap" json:"daily_cap,omitempty"`
	OutputSchema string   `yaml:"outputSchema" json:"output_schema,omitempty"`
}

// Allows reports whether the offer's allow/block lists admit the agent.
// An empty allow list admits everyone not blocked.
func (s ServiceOffer) Allows(agentID string) bool {
	for _, id := range s.BlockAgents {
		if id == agentID {
			return false
		}
	}
	if len(s.AllowAgents) == 0 {
		return true
	}
	for _, id := range s.AllowAgents {
		if id == agentID {
			return true
		}
	}
	return false
}

// Registry is the read-side catalog of agents and offers.
type Registry struct {
	mu       sync.RWMutex
	agents   map[string]Agent
	services map[string]ServiceOffer
}

func New() *Registry {
	return &Registry{
		agents:   map[string]Agent{},
		services: map[string]ServiceOffer{},
	}
}

func (r *Registry) Agent(id string) (Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[id]
	return a, ok
}

func (r *Registry) Service(id string) (ServiceOffer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.services[id]
	return s, ok
}

func (r *Registry) PutAgent(a Agent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents[a.ID] = a
}

func (r *Registry) PutService(s ServiceOffer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.services[s.ID] = s
}

func (r *Registry) Agents() []Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Agent, 0, len(r.agents))
	for _, a := range r.agents {
		out = append(out, a)
	}
	return out
}

// LoadAgents reads an agents catalog file into the registry.
func (r *Registry) LoadAgents(path string) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read agents catalog: %w", err)
	}
	var doc struct {
		Agents []Agent `yaml:"agents"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse agents catalog: %w", err)
	}
	for _, a := range doc.Agents {
		if strings.TrimSpace(a.ID) == "" {
			return fmt.Errorf("agents catalog: agent without id")
		}
		if a.Priority == "" {
			a.Priority = PriorityMedium
		}
		switch a.Priority {
		case PriorityHigh, PriorityMedium, PriorityLow:
		default:
			return fmt.Errorf("agents catalog: agent %s has unknown priority %q", a.ID, a.Priority)
		}
		r.PutAgent(a)
	}
	return nil
}

// LoadServices reads a service offer catalog file into the registry.
func (r *Registry) LoadServices(path string) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read services catalog: %w", err)
	}
	var doc struct {
		Services []ServiceOffer `yaml:"services"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse services catalog: %w", err)
	}
	for _, s := range doc.Services {
		if strings.TrimSpace(s.ID) == "" || strings.TrimSpace(s.Provider) == "" {
			return fmt.Errorf("services catalog: offer needs id and provider")
		}
		if s.UnitPrice < 0 {
			return fmt.Errorf("services catalog: offer %s has negative unit price", s.ID)
		}
		r.PutService(s)
	}
	return nil
}
