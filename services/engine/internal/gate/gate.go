package gate

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"paylane/pkg/callbind"
	"paylane/pkg/fault"
	"paylane/services/engine/internal/monitor"
	"paylane/services/engine/internal/registry"
)

type Action string

const (
	ActionAllow     Action = "ALLOW"
	ActionDowngrade Action = "DOWNGRADE"
	ActionDeny      Action = "DENY"
)

type IntentStatus string

const (
	IntentPending  IntentStatus = "PENDING"
	IntentBound    IntentStatus = "BOUND"
	IntentSettled  IntentStatus = "SETTLED"
	IntentRejected IntentStatus = "REJECTED"
)

// PaymentIntent is the durable record of an approved spend. Terminal
// statuses are append-only; a settled or rejected intent never changes again.
type PaymentIntent struct {
	ID           string              `json:"intent_id"`
	AgentID      string              `json:"agent_id"`
	ServiceID    string              `json:"service_id"`
	ProviderID   string              `json:"provider_id"`
	InvocationID string              `json:"invocation_id"`
	Requested    int                 `json:"requested_quantity"`
	Approved     int                 `json:"approved_quantity"`
	UnitPrice    float64             `json:"unit_price"`
	Amount       float64             `json:"amount"`
	Commitment   callbind.Commitment `json:"commitment"`
	Status       IntentStatus        `json:"status"`
	CreatedAt    time.Time           `json:"created_at"`
}

// Decision is the gate's answer. Denials are first-class results, not errors;
// Fault carries the taxonomy kind for denied requests.
type Decision struct {
	Action   Action          `json:"action"`
	Approved int             `json:"approved_quantity"`
	Risk     monitor.Verdict `json:"risk_level"`
	Reason   string          `json:"reason"`
	Fault    fault.Kind      `json:"fault,omitempty"`
	Intent   *PaymentIntent  `json:"intent,omitempty"`
}

// Journal is the durable write-side the gate needs. Implemented by the
// engine store; decisions are not considered committed until journaled.
type Journal interface {
	SaveIntent(ctx context.Context, it PaymentIntent) error
	SaveAgentSpend(ctx context.Context, agentID, day string, spent float64) error
}

type ledgerEntry struct {
	mu    sync.Mutex
	day   string
	spent float64
}

// Gate owns agent budget state and produces ALLOW / DOWNGRADE / DENY
// decisions. Budget debits are serialized per agent; agents never contend
// with one another.
type Gate struct {
	reg     *registry.Registry
	mon     *monitor.Monitor
	journal Journal
	now     func() time.Time

	mu          sync.Mutex
	ledgers     map[string]*ledgerEntry
	serviceDay  map[string]*ledgerEntry
	commitments map[callbind.Commitment]string
	intents     map[string]*PaymentIntent
}

func New(reg *registry.Registry, mon *monitor.Monitor, journal Journal) *Gate {
	return &Gate{
		reg:         reg,
		mon:         mon,
		journal:     journal,
		now:         time.Now,
		ledgers:     map[string]*ledgerEntry{},
		serviceDay:  map[string]*ledgerEntry{},
		commitments: map[callbind.Commitment]string{},
		intents:     map[string]*PaymentIntent{},
	}
}

const amountEpsilon = 1e-9

func dayOf(t time.Time) string { return t.UTC().Format("2006-01-02") }

func (g *Gate) ledger(ledgers map[string]*ledgerEntry, key string) *ledgerEntry {
	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := ledgers[key]
	if !ok {
		e = &ledgerEntry{}
		ledgers[key] = e
	}
	return e
}

// resetIfStale applies the fixed daily boundary (UTC midnight), lazily.
// Caller holds e.mu.
func resetIfStale(e *ledgerEntry, day string) {
	if e.day != day {
		e.day = day
		e.spent = 0
	}
}

// Authorize runs the full decision pipeline for one invocation and, on
// approval, debits the agent's daily budget atomically with the decision.
// The returned error is reserved for system faults (journal unavailable);
// every policy outcome is a Decision.
func (g *Gate) Authorize(ctx context.Context, agentID, serviceID, invocationID string, quantity int, payload []byte) (Decision, error) {
	if quantity < 1 {
		return Decision{Action: ActionDeny, Risk: monitor.VerdictOK, Reason: "quantity must be >= 1"}, nil
	}

	agent, okAgent := g.reg.Agent(agentID)
	svc, okSvc := g.reg.Service(serviceID)
	if !okAgent || !okSvc || !svc.Active {
		return Decision{
			Action: ActionDeny, Risk: monitor.VerdictOK,
			Reason: "unknown principal",
			Fault:  fault.UnknownPrincipal,
		}, nil
	}
	if !svc.Allows(agentID) {
		return Decision{
			Action: ActionDeny, Risk: monitor.VerdictOK,
			Reason: fmt.Sprintf("agent %s is not admitted by service %s", agentID, serviceID),
			Fault:  fault.AccessDenied,
		}, nil
	}

	commitment, err := callbind.Bind(serviceID, agentID, invocationID, payload)
	if err != nil {
		return Decision{Action: ActionDeny, Risk: monitor.VerdictOK, Reason: err.Error()}, nil
	}
	// Reserve the commitment up front so two racing requests with the same
	// invocation cannot both pass the replay check.
	g.mu.Lock()
	if prior, dup := g.commitments[commitment]; dup {
		g.mu.Unlock()
		reason := "commitment already processed"
		if prior != "" {
			reason = fmt.Sprintf("commitment already bound to intent %s", prior)
		}
		return Decision{
			Action: ActionDeny, Risk: monitor.VerdictOK,
			Reason: reason,
			Fault:  fault.ReplayedCommitment,
		}, nil
	}
	g.commitments[commitment] = ""
	g.mu.Unlock()
	committed := false
	defer func() {
		if !committed {
			g.mu.Lock()
			delete(g.commitments, commitment)
			g.mu.Unlock()
		}
	}()

	requestedCost := svc.UnitPrice * float64(quantity)
	risk := g.mon.Assess(agentID, svc.Provider, requestedCost, agent.Priority)
	if risk.Verdict == monitor.VerdictBlock {
		return Decision{
			Action: ActionDeny, Risk: risk.Verdict,
			Reason: risk.Reason,
			Fault:  fault.RiskBlocked,
		}, nil
	}
	if risk.Verdict == monitor.VerdictReview && agent.Priority == registry.PriorityLow {
		return Decision{
			Action: ActionDeny, Risk: risk.Verdict,
			Reason: "review risk on low-priority agent: " + risk.Reason,
			Fault:  fault.RiskBlocked,
		}, nil
	}

	// Budget math under the agent's ledger lock: two concurrent requests
	// from the same agent see a sequential view of remaining budget.
	e := g.ledger(g.ledgers, agentID)
	e.mu.Lock()
	defer e.mu.Unlock()
	day := dayOf(g.now())
	resetIfStale(e, day)

	approved := quantity
	downgraded := false

	if svc.UnitPrice*float64(approved) > agent.MaxPerCall+amountEpsilon {
		approved = affordable(agent.MaxPerCall, svc.UnitPrice)
		downgraded = true
		if approved < 1 {
			return Decision{
				Action: ActionDeny, Risk: risk.Verdict,
				Reason: fmt.Sprintf("single call limit %.2f cannot afford one unit at %.2f", agent.MaxPerCall, svc.UnitPrice),
				Fault:  fault.BudgetExceeded,
			}, nil
		}
	}

	remaining := agent.DailyBudget - e.spent
	if svc.UnitPrice*float64(approved) > remaining+amountEpsilon {
		approved = affordable(remaining, svc.UnitPrice)
		downgraded = true
		if approved < 1 {
			return Decision{
				Action: ActionDeny, Risk: risk.Verdict,
				Reason: fmt.Sprintf("daily budget exhausted (%.2f/%.2f)", e.spent, agent.DailyBudget),
				Fault:  fault.BudgetExceeded,
			}, nil
		}
	}

	var capLedger *ledgerEntry
	var capDebit float64
	if svc.DailyCap > 0 {
		se := g.ledger(g.serviceDay, serviceID)
		se.mu.Lock()
		resetIfStale(se, day)
		capRemaining := svc.DailyCap - se.spent
		if svc.UnitPrice*float64(approved) > capRemaining+amountEpsilon {
			approved = affordable(capRemaining, svc.UnitPrice)
			downgraded = true
		}
		if approved < 1 {
			se.mu.Unlock()
			return Decision{
				Action: ActionDeny, Risk: risk.Verdict,
				Reason: fmt.Sprintf("service %s daily cap reached", serviceID),
				Fault:  fault.BudgetExceeded,
			}, nil
		}
		capDebit = svc.UnitPrice * float64(approved)
		se.spent += capDebit
		capLedger = se
		se.mu.Unlock()
	}

	amount := svc.UnitPrice * float64(approved)
	intent := PaymentIntent{
		ID:           "pi_" + uuid.NewString(),
		AgentID:      agentID,
		ServiceID:    serviceID,
		ProviderID:   svc.Provider,
		InvocationID: invocationID,
		Requested:    quantity,
		Approved:     approved,
		UnitPrice:    svc.UnitPrice,
		Amount:       amount,
		Commitment:   commitment,
		Status:       IntentPending,
		CreatedAt:    g.now(),
	}

	e.spent += amount
	if err := g.journal.SaveIntent(ctx, intent); err != nil {
		e.spent -= amount
		if capLedger != nil {
			capLedger.mu.Lock()
			capLedger.spent -= capDebit
			capLedger.mu.Unlock()
		}
		return Decision{}, fmt.Errorf("journal intent: %w", err)
	}
	if err := g.journal.SaveAgentSpend(ctx, agentID, day, e.spent); err != nil {
		return Decision{}, fmt.Errorf("journal spend: %w", err)
	}

	g.mu.Lock()
	g.commitments[commitment] = intent.ID
	stored := intent
	g.intents[intent.ID] = &stored
	g.mu.Unlock()
	committed = true

	action := ActionAllow
	reason := "approved"
	if downgraded {
		action = ActionDowngrade
		reason = fmt.Sprintf("quantity reduced from %d to %d", quantity, approved)
	}
	if risk.Verdict == monitor.VerdictReview {
		reason += " (risk review: " + risk.Reason + ")"
	}
	return Decision{Action: action, Approved: approved, Risk: risk.Verdict, Reason: reason, Intent: &intent}, nil
}

// affordable returns the largest quantity whose cost fits within budget.
func affordable(budget, unitPrice float64) int {
	if unitPrice <= 0 {
		return 0
	}
	n := int(math.Floor(budget/unitPrice + amountEpsilon))
	if n < 0 {
		return 0
	}
	return n
}

// Credit returns amount to the agent's daily headroom. Called on refunds:
// money that never reached a provider should not consume budget.
func (g *Gate) Credit(ctx context.Context, agentID string, amount float64) error {
	e := g.ledger(g.ledgers, agentID)
	e.mu.Lock()
	defer e.mu.Unlock()
	day := dayOf(g.now())
	resetIfStale(e, day)
	e.spent -= amount
	if e.spent < 0 {
		e.spent = 0
	}
	return g.journal.SaveAgentSpend(ctx, agentID, day, e.spent)
}

// Spent reports the agent's committed spend for the current day.
func (g *Gate) Spent(agentID string) float64 {
	e := g.ledger(g.ledgers, agentID)
	e.mu.Lock()
	defer e.mu.Unlock()
	resetIfStale(e, dayOf(g.now()))
	return e.spent
}

// RestoreSpend reloads a persisted daily counter at boot.
func (g *Gate) RestoreSpend(agentID, day string, spent float64) {
	e := g.ledger(g.ledgers, agentID)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.day = day
	e.spent = spent
}

// Intent reports the current record for a known intent.
func (g *Gate) Intent(id string) (PaymentIntent, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	it, ok := g.intents[id]
	if !ok {
		return PaymentIntent{}, false
	}
	return *it, true
}

// BindIntent marks an intent as backed by a funded escrow lock.
func (g *Gate) BindIntent(ctx context.Context, id string) (PaymentIntent, error) {
	return g.transition(ctx, id, IntentBound, IntentPending)
}

// FinishIntent records the terminal disposition: settled intents were paid
// out, rejected ones refunded or discarded. Terminal statuses never change
// again; repeating the same disposition is a no-op.
func (g *Gate) FinishIntent(ctx context.Context, id string, settled bool) (PaymentIntent, error) {
	to := IntentSettled
	if !settled {
		to = IntentRejected
	}
	return g.transition(ctx, id, to, IntentPending, IntentBound)
}

func (g *Gate) transition(ctx context.Context, id string, to IntentStatus, from ...IntentStatus) (PaymentIntent, error) {
	g.mu.Lock()
	it, ok := g.intents[id]
	if !ok {
		g.mu.Unlock()
		return PaymentIntent{}, fault.New(fault.UnknownPrincipal, "intent %s not found", id)
	}
	prev := it.Status
	if prev == to {
		cur := *it
		g.mu.Unlock()
		return cur, nil
	}
	allowed := false
	for _, f := range from {
		if prev == f {
			allowed = true
		}
	}
	if !allowed {
		cur := *it
		g.mu.Unlock()
		return cur, fault.New(fault.SettlementConflict, "intent %s is %s, cannot become %s", id, prev, to)
	}
	it.Status = to
	snapshot := *it
	g.mu.Unlock()

	if err := g.journal.SaveIntent(ctx, snapshot); err != nil {
		g.mu.Lock()
		if it.Status == to {
			it.Status = prev
		}
		g.mu.Unlock()
		return PaymentIntent{}, fmt.Errorf("journal intent: %w", err)
	}
	return snapshot, nil
}

// RestoreIntent re-registers a persisted intent at boot: its commitment so
// replays are still rejected, and its record so the lifecycle can resume.
func (g *Gate) RestoreIntent(it PaymentIntent) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.commitments[it.Commitment] = it.ID
	stored := it
	g.intents[it.ID] = &stored
}
