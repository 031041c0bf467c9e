package monitor

import (
	"fmt"
	"sync"
	"time"

	"paylane/services/engine/internal/config"
	"paylane/services/engine/internal/registry"
)

type Verdict string

const (
	VerdictOK     Verdict = "OK"
	VerdictReview Verdict = "REVIEW"
	VerdictBlock  Verdict = "BLOCK"
)

// Assessment is the monitor's advisory output for one pending call.
type Assessment struct {
	Verdict Verdict
	Reason  string
}

type sample struct {
	at     time.Time
	amount float64
}

// window is a time-bounded ring of recent samples. Eviction is lazy, on
// access; entries older than the span fall off the front.
type window struct {
	mu      sync.Mutex
	span    time.Duration
	samples []sample
}

func (w *window) add(now time.Time, amount float64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.evict(now)
	w.samples = append(w.samples, sample{at: now, amount: amount})
}

// tally returns the call count and cumulative amount currently in the window.
func (w *window) tally(now time.Time) (int, float64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.evict(now)
	total := 0.0
	for _, s := range w.samples {
		total += s.amount
	}
	return len(w.samples), total
}

func (w *window) evict(now time.Time) {
	cut := now.Add(-w.span)
	i := 0
	for i < len(w.samples) && !w.samples[i].at.After(cut) {
		i++
	}
	if i > 0 {
		w.samples = append(w.samples[:0], w.samples[i:]...)
	}
}

// Monitor keeps per-agent and per-provider behavioral history and classifies
// pending calls. It is advisory: the gate decides, except that BLOCK always
// escalates to a denial there.
type Monitor struct {
	cfg config.Risk
	now func() time.Time

	mu        sync.Mutex
	agents    map[string]*window
	failures  map[string]*window
	lifetimes map[string]int
}

func New(cfg config.Risk) *Monitor {
	return &Monitor{
		cfg:       cfg,
		now:       time.Now,
		agents:    map[string]*window{},
		failures:  map[string]*window{},
		lifetimes: map[string]int{},
	}
}

func (m *Monitor) agentWindow(id string) *window {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.agents[id]
	if !ok {
		w = &window{span: m.cfg.Window}
		m.agents[id] = w
	}
	return w
}

func (m *Monitor) failureWindow(providerID string) *window {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.failures[providerID]
	if !ok {
		w = &window{span: m.cfg.FailureWindow}
		m.failures[providerID] = w
	}
	return w
}

// Assess classifies a pending call and records it. The record happens for
// every verdict: a denied call still counts toward burst detection, so a
// caller cannot flood by retrying denials.
func (m *Monitor) Assess(agentID, providerID string, amount float64, priority registry.Priority) Assessment {
	now := m.now()
	w := m.agentWindow(agentID)
	calls, total := w.tally(now)
	w.add(now, amount)

	m.mu.Lock()
	lifetime := m.lifetimes[agentID]
	m.lifetimes[agentID]++
	m.mu.Unlock()

	// Rule order is precedence order; first match wins.
	if calls+1 > m.cfg.BurstCalls && total+amount > m.cfg.BurstAmount {
		return Assessment{
			Verdict: VerdictBlock,
			Reason:  fmt.Sprintf("burst: %d calls totaling %.2f within %s", calls+1, total+amount, m.cfg.Window),
		}
	}
	if fails, _ := m.failureWindow(providerID).tally(now); fails > m.cfg.ProviderFailures {
		return Assessment{
			Verdict: VerdictReview,
			Reason:  fmt.Sprintf("provider %s has %d recent failures", providerID, fails),
		}
	}
	if priority == registry.PriorityLow && lifetime < m.cfg.NovelCallCount && amount > m.cfg.LargeCallAmount {
		return Assessment{
			Verdict: VerdictReview,
			Reason:  fmt.Sprintf("first large call (%.2f) from low-priority agent", amount),
		}
	}
	if amount > m.cfg.OutlierCeiling {
		return Assessment{
			Verdict: VerdictReview,
			Reason:  fmt.Sprintf("call amount %.2f exceeds ceiling %.2f", amount, m.cfg.OutlierCeiling),
		}
	}
	return Assessment{Verdict: VerdictOK, Reason: "no risk detected"}
}

// RecordFailure notes a failed delivery against a provider. Feeds the
// provider-distress rule.
func (m *Monitor) RecordFailure(providerID string) {
	m.failureWindow(providerID).add(m.now(), 1)
}

// Seed replays historical calls into the windows, oldest first. Used to
// rebuild state after a restart; the windows themselves are not durable.
func (m *Monitor) Seed(agentID string, at time.Time, amount float64) {
	m.agentWindow(agentID).add(at, amount)
	m.mu.Lock()
	m.lifetimes[agentID]++
	m.mu.Unlock()
}
