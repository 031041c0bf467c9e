package escrow

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"paylane/pkg/callbind"
	"paylane/pkg/fault"
	"paylane/services/engine/internal/config"
	"paylane/services/engine/internal/gate"
	"paylane/services/engine/internal/verify"
)

type State string

const (
	StateCreated    State = "CREATED"
	StateLocked     State = "LOCKED"
	StateSubmitted  State = "SUBMITTED"
	StateVerifying  State = "VERIFYING"
	StateDisputed   State = "DISPUTED"
	StateArbitrated State = "ARBITRATED"
	StateReleased   State = "RELEASED"
	StateRefunded   State = "REFUNDED"
	StateDiscarded  State = "DISCARDED"
)

func (s State) Terminal() bool {
	return s == StateReleased || s == StateRefunded || s == StateDiscarded
}

// Escrow is the custody record for one task. After a terminal transition it
// is an immutable audit record.
type Escrow struct {
	ID           string              `json:"escrow_id"`
	IntentID     string              `json:"intent_id"`
	AgentID      string              `json:"agent_id"`
	ServiceID    string              `json:"service_id"`
	ProviderID   string              `json:"provider_id"`
	InvocationID string              `json:"invocation_id"`
	Quantity     int                 `json:"quantity"`
	Commitment   callbind.Commitment `json:"commitment"`
	Locked       float64             `json:"locked_amount"`
	Fee          float64             `json:"fee"`
	State        State               `json:"state"`

	Output         []byte          `json:"-"`
	EvidenceDigest string          `json:"evidence_digest,omitempty"`
	Records        []verify.Record `json:"verification_records,omitempty"`
	DisputeReason  string          `json:"dispute_reason,omitempty"`
	ArbiterPass    *bool           `json:"arbiter_pass,omitempty"`

	LockProof   string  `json:"lock_proof,omitempty"`
	SettleProof string  `json:"settle_proof,omitempty"`
	Released    float64 `json:"released_amount"`
	Refunded    float64 `json:"refunded_amount"`

	CreatedAt    time.Time  `json:"created_at"`
	LockedAt     *time.Time `json:"locked_at,omitempty"`
	SubmittedAt  *time.Time `json:"submitted_at,omitempty"`
	VerifyingAt  *time.Time `json:"verifying_at,omitempty"`
	DisputedAt   *time.Time `json:"disputed_at,omitempty"`
	ArbitratedAt *time.Time `json:"arbitrated_at,omitempty"`
	SettledAt    *time.Time `json:"settled_at,omitempty"`
}

// ErrInvalidTransition is returned for any out-of-order transition attempt.
// Transitions fail loudly; there are no silent no-ops.
type ErrInvalidTransition struct {
	EscrowID string
	From     State
	To       State
}

func (e *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("escrow %s: invalid transition %s -> %s", e.EscrowID, e.From, e.To)
}

// Journal persists escrow records; a transition is not committed until saved.
type Journal interface {
	SaveEscrow(ctx context.Context, e Escrow) error
}

type slot struct {
	mu sync.Mutex
	e  Escrow
}

// Manager holds live escrows. Transitions for one escrow are serialized on
// its own slot; different escrows never contend.
type Manager struct {
	cfg     config.Escrow
	journal Journal
	log     *slog.Logger
	now     func() time.Time

	mu    sync.RWMutex
	slots map[string]*slot
}

func NewManager(cfg config.Escrow, journal Journal, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		cfg:     cfg,
		journal: journal,
		log:     log,
		now:     time.Now,
		slots:   map[string]*slot{},
	}
}

// Create opens an escrow for an approved intent. Only ALLOW or DOWNGRADE
// decisions may put funds at risk.
func (m *Manager) Create(ctx context.Context, action gate.Action, intent gate.PaymentIntent) (Escrow, error) {
	if action != gate.ActionAllow && action != gate.ActionDowngrade {
		return Escrow{}, fmt.Errorf("escrow requires an approving decision, got %s", action)
	}
	e := Escrow{
		ID:           "esc_" + uuid.NewString(),
		IntentID:     intent.ID,
		AgentID:      intent.AgentID,
		ServiceID:    intent.ServiceID,
		ProviderID:   intent.ProviderID,
		InvocationID: intent.InvocationID,
		Quantity:     intent.Approved,
		Commitment:   intent.Commitment,
		Locked:       intent.Amount,
		Fee:          round2(intent.Amount * m.cfg.FeeRate),
		State:        StateCreated,
		CreatedAt:    m.now(),
	}
	if err := m.journal.SaveEscrow(ctx, e); err != nil {
		return Escrow{}, fmt.Errorf("journal escrow: %w", err)
	}
	m.mu.Lock()
	m.slots[e.ID] = &slot{e: e}
	m.mu.Unlock()
	return e, nil
}

func round2(v float64) float64 { return float64(int64(v*100+0.5)) / 100 }

func (m *Manager) slot(id string) (*slot, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.slots[id]
	return s, ok
}

// Get returns a snapshot of the escrow.
func (m *Manager) Get(id string) (Escrow, bool) {
	s, ok := m.slot(id)
	if !ok {
		return Escrow{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.e, true
}

// update applies fn to the escrow under its lock and journals the result.
func (m *Manager) update(ctx context.Context, id string, fn func(*Escrow) error) (Escrow, error) {
	s, ok := m.slot(id)
	if !ok {
		return Escrow{}, fault.New(fault.UnknownPrincipal, "escrow %s not found", id)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.e
	if err := fn(&s.e); err != nil {
		s.e = prev
		return Escrow{}, err
	}
	if err := m.journal.SaveEscrow(ctx, s.e); err != nil {
		s.e = prev
		return Escrow{}, fmt.Errorf("journal escrow: %w", err)
	}
	return s.e, nil
}

// Lock commits funds against the bound intent. The caller performs the
// external lock first and passes its proof; a failed lock never reaches here.
func (m *Manager) Lock(ctx context.Context, id, lockProof string) (Escrow, error) {
	return m.update(ctx, id, func(e *Escrow) error {
		if e.State != StateCreated {
			return &ErrInvalidTransition{EscrowID: e.ID, From: e.State, To: StateLocked}
		}
		now := m.now()
		e.State = StateLocked
		e.LockProof = lockProof
		e.LockedAt = &now
		return nil
	})
}

// Submit records the provider's delivery. The provider must echo the call
// commitment; a mismatch is a hard integrity failure that halts automatic
// processing and opens a dispute, never a verification-tier question.
func (m *Manager) Submit(ctx context.Context, id string, echoed callbind.Commitment, output []byte) (Escrow, error) {
	var mismatch error
	e, err := m.update(ctx, id, func(e *Escrow) error {
		if e.State != StateLocked {
			return &ErrInvalidTransition{EscrowID: e.ID, From: e.State, To: StateSubmitted}
		}
		now := m.now()
		if echoed != e.Commitment {
			e.State = StateDisputed
			e.DisputeReason = "provider echoed mismatched call commitment"
			e.DisputedAt = &now
			mismatch = fault.New(fault.CommitmentMismatch, "escrow %s: delivery does not match bound invocation", e.ID)
			return nil
		}
		e.State = StateSubmitted
		e.Output = output
		e.EvidenceDigest = evidenceDigest(output)
		e.SubmittedAt = &now
		return nil
	})
	if err != nil {
		return e, err
	}
	if mismatch != nil {
		m.log.Warn("escrow commitment mismatch", "escrow_id", id, "provider_id", e.ProviderID)
		return e, mismatch
	}
	return e, nil
}

// BeginVerify moves a submitted escrow into verification.
func (m *Manager) BeginVerify(ctx context.Context, id string) (Escrow, error) {
	return m.update(ctx, id, func(e *Escrow) error {
		if e.State != StateSubmitted {
			return &ErrInvalidTransition{EscrowID: e.ID, From: e.State, To: StateVerifying}
		}
		now := m.now()
		e.State = StateVerifying
		e.VerifyingAt = &now
		return nil
	})
}

// AppendRecords attaches tier findings to the escrow's audit trail.
func (m *Manager) AppendRecords(ctx context.Context, id string, recs ...verify.Record) (Escrow, error) {
	return m.update(ctx, id, func(e *Escrow) error {
		if e.State != StateVerifying && e.State != StateDisputed && e.State != StateArbitrated {
			return &ErrInvalidTransition{EscrowID: e.ID, From: e.State, To: e.State}
		}
		e.Records = append(e.Records, recs...)
		return nil
	})
}

// Dispute opens the single sanctioned loop. Reached from Verifying when the
// top tier is inconclusive or the SLA lapses.
func (m *Manager) Dispute(ctx context.Context, id, reason string) (Escrow, error) {
	return m.update(ctx, id, func(e *Escrow) error {
		if e.State != StateSubmitted && e.State != StateVerifying {
			return &ErrInvalidTransition{EscrowID: e.ID, From: e.State, To: StateDisputed}
		}
		now := m.now()
		e.State = StateDisputed
		e.DisputeReason = reason
		e.DisputedAt = &now
		return nil
	})
}

// Arbitrate records the arbitration tier's final verdict. Disposition of the
// funds is the settlement executor's job.
func (m *Manager) Arbitrate(ctx context.Context, id string, pass bool) (Escrow, error) {
	return m.update(ctx, id, func(e *Escrow) error {
		if e.State != StateDisputed {
			return &ErrInvalidTransition{EscrowID: e.ID, From: e.State, To: StateArbitrated}
		}
		now := m.now()
		e.State = StateArbitrated
		e.ArbiterPass = &pass
		e.ArbitratedAt = &now
		return nil
	})
}

// MarkReleased finalizes the escrow after a successful transfer to the
// provider. Valid only from Verifying or Arbitrated.
func (m *Manager) MarkReleased(ctx context.Context, id, proof string) (Escrow, error) {
	return m.update(ctx, id, func(e *Escrow) error {
		if e.State != StateVerifying && e.State != StateArbitrated {
			return &ErrInvalidTransition{EscrowID: e.ID, From: e.State, To: StateReleased}
		}
		now := m.now()
		e.State = StateReleased
		e.SettleProof = proof
		e.Released = e.Locked
		e.SettledAt = &now
		return nil
	})
}

// MarkRefunded finalizes the escrow after returning funds to the agent.
func (m *Manager) MarkRefunded(ctx context.Context, id, proof string) (Escrow, error) {
	return m.update(ctx, id, func(e *Escrow) error {
		if e.State != StateVerifying && e.State != StateArbitrated {
			return &ErrInvalidTransition{EscrowID: e.ID, From: e.State, To: StateRefunded}
		}
		now := m.now()
		e.State = StateRefunded
		e.SettleProof = proof
		e.Refunded = e.Locked
		e.SettledAt = &now
		return nil
	})
}

// Sweep is the SLA watchdog pass. Escrows stuck in Submitted or Verifying
// past the SLA are escalated to Disputed; Created escrows never locked
// within the grace period are discarded (no funds were at risk).
func (m *Manager) Sweep(ctx context.Context) {
	m.mu.RLock()
	ids := make([]string, 0, len(m.slots))
	for id := range m.slots {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	now := m.now()
	for _, id := range ids {
		e, ok := m.Get(id)
		if !ok || e.State.Terminal() {
			continue
		}
		switch e.State {
		case StateSubmitted, StateVerifying:
			since := e.SubmittedAt
			if e.VerifyingAt != nil {
				since = e.VerifyingAt
			}
			if since != nil && now.Sub(*since) > m.cfg.VerifySLA {
				if _, err := m.Dispute(ctx, id, "verification SLA exceeded"); err == nil {
					m.log.Warn("escrow escalated to dispute", "escrow_id", id, "reason", "verification SLA exceeded")
				}
			}
		case StateCreated:
			if now.Sub(e.CreatedAt) > m.cfg.LockGrace {
				_, err := m.update(ctx, id, func(e *Escrow) error {
					if e.State != StateCreated {
						return &ErrInvalidTransition{EscrowID: e.ID, From: e.State, To: StateDiscarded}
					}
					e.State = StateDiscarded
					return nil
				})
				if err == nil {
					m.log.Info("stale escrow discarded", "escrow_id", id)
				}
			}
		}
	}
}

// Run drives the watchdog until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	t := time.NewTicker(m.cfg.SweepEvery)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			m.Sweep(ctx)
		}
	}
}

// Restore reloads a persisted escrow at boot.
func (m *Manager) Restore(e Escrow) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.slots[e.ID] = &slot{e: e}
}
