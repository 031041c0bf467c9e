package settle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sync"
	"testing"
	"time"

	"paylane/pkg/callbind"
	"paylane/pkg/fault"
	"paylane/services/engine/internal/config"
	"paylane/services/engine/internal/escrow"
	"paylane/services/engine/internal/gate"
	"paylane/services/engine/internal/ledgerclient"
)

type nopJournal struct{}

func (nopJournal) SaveEscrow(context.Context, escrow.Escrow) error { return nil }

// fakeLedger is idempotent on key, like the real ledger service.
type fakeLedger struct {
	mu        sync.Mutex
	failTimes int
	calls     int
	transfers map[string]string
	requests  map[string]ledgerclient.TransferRequest
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{transfers: map[string]string{}, requests: map[string]ledgerclient.TransferRequest{}}
}

func (l *fakeLedger) Transfer(_ context.Context, in ledgerclient.TransferRequest) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	if l.failTimes > 0 {
		l.failTimes--
		return "", errors.New("ledger unavailable")
	}
	if proof, ok := l.transfers[in.Key]; ok {
		return proof, nil
	}
	proof := fmt.Sprintf("txp_%d", len(l.transfers)+1)
	l.transfers[in.Key] = proof
	l.requests[in.Key] = in
	return proof, nil
}

type fakeCrediter struct {
	mu       sync.Mutex
	credited map[string]float64
}

func (c *fakeCrediter) Credit(_ context.Context, agentID string, amount float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.credited == nil {
		c.credited = map[string]float64{}
	}
	c.credited[agentID] += amount
	return nil
}

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

// verifyingEscrow drives a fresh escrow through to the Verifying state.
func verifyingEscrow(t *testing.T, m *escrow.Manager) escrow.Escrow {
	t.Helper()
	ctx := context.Background()
	c, _ := callbind.Bind("svc_unit", "agt_a", "task-1", nil)
	e, err := m.Create(ctx, gate.ActionAllow, gate.PaymentIntent{
		ID: "pi_test", AgentID: "agt_a", ServiceID: "svc_unit", ProviderID: "prov_unit",
		InvocationID: "task-1", Approved: 2, UnitPrice: 1.0, Amount: 2.0,
		Commitment: c, Status: gate.IntentPending,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if e, err = m.Lock(ctx, e.ID, "lkp_1"); err != nil {
		t.Fatalf("lock: %v", err)
	}
	if e, err = m.Submit(ctx, e.ID, e.Commitment, []byte(`{"result":"ok"}`)); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if e, err = m.BeginVerify(ctx, e.ID); err != nil {
		t.Fatalf("begin verify: %v", err)
	}
	return e
}

func testCfg() config.Settle {
	return config.Settle{MaxRetries: 3, InitialInterval: time.Millisecond}
}

func TestReleasePaysNetOfFee(t *testing.T) {
	m := escrow.NewManager(config.Default().Escrow, nopJournal{}, quietLogger())
	e := verifyingEscrow(t, m)
	ledger := newFakeLedger()
	x := NewExecutor(testCfg(), m, ledger, &fakeCrediter{}, quietLogger())

	out, err := x.Release(context.Background(), e.ID)
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if out.State != escrow.StateReleased || out.Released != out.Locked {
		t.Fatalf("release left state=%s released=%v locked=%v", out.State, out.Released, out.Locked)
	}
	key := idemKey(e.ID, "release")
	req := ledger.requests[key]
	if math.Abs(req.Amount-(e.Locked-e.Fee)) > 1e-9 {
		t.Fatalf("provider paid %v, want locked minus fee %v", req.Amount, e.Locked-e.Fee)
	}
	if req.To != "prov_unit" {
		t.Fatalf("payout went to %s", req.To)
	}
	if req.ServiceID != "svc_unit" || req.AgentID != "agt_a" || req.InvocationID != "task-1" || req.Quantity != 2 {
		t.Fatalf("transfer lost the bound call: service=%s agent=%s invocation=%s quantity=%d",
			req.ServiceID, req.AgentID, req.InvocationID, req.Quantity)
	}
	if req.Commitment != e.Commitment || req.Commitment == "" {
		t.Fatalf("transfer commitment %q, want %q", req.Commitment, e.Commitment)
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	m := escrow.NewManager(config.Default().Escrow, nopJournal{}, quietLogger())
	e := verifyingEscrow(t, m)
	ledger := newFakeLedger()
	x := NewExecutor(testCfg(), m, ledger, &fakeCrediter{}, quietLogger())
	ctx := context.Background()

	first, err := x.Release(ctx, e.ID)
	if err != nil {
		t.Fatalf("first release: %v", err)
	}
	second, err := x.Release(ctx, e.ID)
	if err != nil {
		t.Fatalf("repeat release: %v", err)
	}
	if second.SettleProof != first.SettleProof {
		t.Fatalf("repeat returned a different proof: %s vs %s", second.SettleProof, first.SettleProof)
	}
	if len(ledger.transfers) != 1 {
		t.Fatalf("%d transfers recorded, want 1", len(ledger.transfers))
	}
}

func TestRefundAfterReleaseConflicts(t *testing.T) {
	m := escrow.NewManager(config.Default().Escrow, nopJournal{}, quietLogger())
	e := verifyingEscrow(t, m)
	x := NewExecutor(testCfg(), m, newFakeLedger(), &fakeCrediter{}, quietLogger())
	ctx := context.Background()

	if _, err := x.Release(ctx, e.ID); err != nil {
		t.Fatalf("release: %v", err)
	}
	_, err := x.Refund(ctx, e.ID)
	if !fault.Is(err, fault.SettlementConflict) {
		t.Fatalf("refund after release: got %v, want settlement conflict", err)
	}
}

func TestRefundRestoresHeadroom(t *testing.T) {
	m := escrow.NewManager(config.Default().Escrow, nopJournal{}, quietLogger())
	e := verifyingEscrow(t, m)
	ledger := newFakeLedger()
	credit := &fakeCrediter{}
	x := NewExecutor(testCfg(), m, ledger, credit, quietLogger())

	out, err := x.Refund(context.Background(), e.ID)
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	if out.State != escrow.StateRefunded || out.Refunded != out.Locked {
		t.Fatalf("refund left state=%s refunded=%v", out.State, out.Refunded)
	}
	req := ledger.requests[idemKey(e.ID, "refund")]
	if math.Abs(req.Amount-e.Locked) > 1e-9 {
		t.Fatalf("agent refunded %v, want full locked %v", req.Amount, e.Locked)
	}
	if req.To != "agt_a" || req.Commitment != e.Commitment {
		t.Fatalf("refund misaddressed: to=%s commitment=%q", req.To, req.Commitment)
	}
	if credit.credited["agt_a"] != out.Refunded {
		t.Fatalf("headroom credited %v, want %v", credit.credited["agt_a"], out.Refunded)
	}
}

func TestTransferRetriesTransientFailures(t *testing.T) {
	m := escrow.NewManager(config.Default().Escrow, nopJournal{}, quietLogger())
	e := verifyingEscrow(t, m)
	ledger := newFakeLedger()
	ledger.failTimes = 2
	x := NewExecutor(testCfg(), m, ledger, &fakeCrediter{}, quietLogger())

	out, err := x.Release(context.Background(), e.ID)
	if err != nil {
		t.Fatalf("release despite transient failures: %v", err)
	}
	if out.State != escrow.StateReleased {
		t.Fatalf("state=%s after retried release", out.State)
	}
	if ledger.calls != 3 {
		t.Fatalf("%d ledger calls, want 2 failures then success", ledger.calls)
	}
}

func TestTransferGivesUpAfterMaxRetries(t *testing.T) {
	m := escrow.NewManager(config.Default().Escrow, nopJournal{}, quietLogger())
	e := verifyingEscrow(t, m)
	ledger := newFakeLedger()
	ledger.failTimes = 10
	x := NewExecutor(testCfg(), m, ledger, &fakeCrediter{}, quietLogger())

	if _, err := x.Release(context.Background(), e.ID); err == nil {
		t.Fatalf("expected release to fail once retries are exhausted")
	}
	got, _ := m.Get(e.ID)
	if got.State != escrow.StateVerifying {
		t.Fatalf("failed release must leave escrow untouched, state=%s", got.State)
	}
}

func TestRefundAfterFailedArbitration(t *testing.T) {
	m := escrow.NewManager(config.Default().Escrow, nopJournal{}, quietLogger())
	e := verifyingEscrow(t, m)
	ctx := context.Background()
	if _, err := m.Dispute(ctx, e.ID, "verification tiers inconclusive"); err != nil {
		t.Fatalf("dispute: %v", err)
	}
	if _, err := m.Arbitrate(ctx, e.ID, false); err != nil {
		t.Fatalf("arbitrate: %v", err)
	}

	x := NewExecutor(testCfg(), m, newFakeLedger(), &fakeCrediter{}, quietLogger())
	out, err := x.Refund(ctx, e.ID)
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	if out.State != escrow.StateRefunded || out.Released != 0 || out.Refunded != out.Locked {
		t.Fatalf("arbitrated refund: state=%s released=%v refunded=%v locked=%v",
			out.State, out.Released, out.Refunded, out.Locked)
	}
}

func TestReleaseBeforeVerificationRejected(t *testing.T) {
	m := escrow.NewManager(config.Default().Escrow, nopJournal{}, quietLogger())
	ctx := context.Background()
	c, _ := callbind.Bind("svc_unit", "agt_a", "task-1", nil)
	e, err := m.Create(ctx, gate.ActionAllow, gate.PaymentIntent{
		ID: "pi_test", AgentID: "agt_a", ServiceID: "svc_unit", ProviderID: "prov_unit",
		Commitment: c, Amount: 2.0,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	x := NewExecutor(testCfg(), m, newFakeLedger(), &fakeCrediter{}, quietLogger())
	var inv *escrow.ErrInvalidTransition
	if _, err := x.Release(ctx, e.ID); !errors.As(err, &inv) {
		t.Fatalf("release from CREATED: got %v, want invalid transition", err)
	}
}

func TestConcurrentReleaseSingleTransfer(t *testing.T) {
	m := escrow.NewManager(config.Default().Escrow, nopJournal{}, quietLogger())
	e := verifyingEscrow(t, m)
	ledger := newFakeLedger()
	x := NewExecutor(testCfg(), m, ledger, &fakeCrediter{}, quietLogger())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			x.Release(context.Background(), e.ID)
		}()
	}
	wg.Wait()
	if len(ledger.transfers) != 1 {
		t.Fatalf("%d distinct transfers under concurrency, want 1", len(ledger.transfers))
	}
	got, _ := m.Get(e.ID)
	if got.State != escrow.StateReleased {
		t.Fatalf("state=%s after concurrent release", got.State)
	}
}

type fakePayer struct {
	mu    sync.Mutex
	calls int
	last  struct {
		agentID, serviceID, invocationID, key string
		quantity                              int
		commitment                            callbind.Commitment
	}
}

func (p *fakePayer) Pay(_ context.Context, agentID, serviceID, invocationID string, quantity int, commitment callbind.Commitment, key string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	p.last.agentID, p.last.serviceID, p.last.invocationID = agentID, serviceID, invocationID
	p.last.quantity, p.last.commitment, p.last.key = quantity, commitment, key
	return "set_payer_1", nil
}

func TestReleaseViaPayerSkipsLedger(t *testing.T) {
	m := escrow.NewManager(config.Default().Escrow, nopJournal{}, quietLogger())
	e := verifyingEscrow(t, m)
	ledger := newFakeLedger()
	payer := &fakePayer{}
	x := NewExecutor(testCfg(), m, ledger, &fakeCrediter{}, quietLogger())
	x.UsePayer(payer)

	out, err := x.Release(context.Background(), e.ID)
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if out.State != escrow.StateReleased || out.SettleProof != "set_payer_1" {
		t.Fatalf("payer release left state=%s proof=%s", out.State, out.SettleProof)
	}
	if ledger.calls != 0 {
		t.Fatalf("payer release still hit the ledger %d times", ledger.calls)
	}
	if payer.calls != 1 || payer.last.agentID != "agt_a" || payer.last.serviceID != "svc_unit" ||
		payer.last.invocationID != "task-1" || payer.last.quantity != 2 ||
		payer.last.commitment != e.Commitment || payer.last.key != idemKey(e.ID, "release") {
		t.Fatalf("payer saw the wrong call: %+v", payer.last)
	}
}
