package store

import (
	"context"
	"sync"
	"time"

	"paylane/services/engine/internal/escrow"
	"paylane/services/engine/internal/gate"
)

// Memory is the in-process store used by tests and single-node dev runs.
type Memory struct {
	mu      sync.RWMutex
	intents map[string]gate.PaymentIntent
	escrows map[string]escrow.Escrow
	spend   map[string]map[string]float64 // day -> agent -> spent
	calls   []CallSample
}

func NewMemory() *Memory {
	return &Memory{
		intents: map[string]gate.PaymentIntent{},
		escrows: map[string]escrow.Escrow{},
		spend:   map[string]map[string]float64{},
	}
}

func (m *Memory) SaveIntent(_ context.Context, it gate.PaymentIntent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.intents[it.ID] = it
	return nil
}

func (m *Memory) SaveAgentSpend(_ context.Context, agentID, day string, spent float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.spend[day]
	if !ok {
		d = map[string]float64{}
		m.spend[day] = d
	}
	d[agentID] = spent
	return nil
}

func (m *Memory) SaveEscrow(_ context.Context, e escrow.Escrow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.escrows[e.ID] = e
	return nil
}

func (m *Memory) SaveCallSample(_ context.Context, c CallSample) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, c)
	return nil
}

func (m *Memory) Intents(context.Context) ([]gate.PaymentIntent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]gate.PaymentIntent, 0, len(m.intents))
	for _, it := range m.intents {
		out = append(out, it)
	}
	return out, nil
}

func (m *Memory) Escrows(context.Context) ([]escrow.Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]escrow.Escrow, 0, len(m.escrows))
	for _, e := range m.escrows {
		out = append(out, e)
	}
	return out, nil
}

func (m *Memory) AgentSpends(_ context.Context, day string) (map[string]float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := map[string]float64{}
	for id, spent := range m.spend[day] {
		out[id] = spent
	}
	return out, nil
}

func (m *Memory) RecentCalls(_ context.Context, since time.Time) ([]CallSample, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []CallSample
	for _, c := range m.calls {
		if !c.At.Before(since) {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *Memory) Close() {}
