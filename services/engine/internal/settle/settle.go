package settle

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"

	"github.com/cenkalti/backoff/v4"

	"paylane/pkg/callbind"
	"paylane/pkg/fault"
	"paylane/services/engine/internal/config"
	"paylane/services/engine/internal/escrow"
	"paylane/services/engine/internal/ledgerclient"
)

// Ledger moves funds. Transfer must be idempotent on the request key:
// replaying a key returns the original proof instead of moving money twice.
// Every transfer carries the bound invocation and its commitment so the
// ledger's records prove what the movement paid for.
type Ledger interface {
	Transfer(ctx context.Context, in ledgerclient.TransferRequest) (proof string, err error)
}

// Payer is the key-custody pay capability: signs and submits a provider
// payout for one bound invocation. When configured it replaces the plain
// ledger transfer on the release path; refunds stay on the ledger.
type Payer interface {
	Pay(ctx context.Context, agentID, serviceID, invocationID string, quantity int, commitment callbind.Commitment, key string) (string, error)
}

// Crediter restores budget headroom on refunds. Implemented by the
// authorization gate.
type Crediter interface {
	Credit(ctx context.Context, agentID string, amount float64) error
}

// Executor disposes of locked escrow funds exactly once per escrow. Every
// transfer carries a deterministic idempotency key, so a crash between the
// transfer and the state write is safe to replay.
type Executor struct {
	cfg     config.Settle
	escrows *escrow.Manager
	ledger  Ledger
	payer   Payer
	gate    Crediter
	log     *slog.Logger

	mu       sync.Mutex
	inflight map[string]*sync.Mutex
}

func NewExecutor(cfg config.Settle, escrows *escrow.Manager, ledger Ledger, gate Crediter, log *slog.Logger) *Executor {
	if log == nil {
		log = slog.Default()
	}
	return &Executor{
		cfg:      cfg,
		escrows:  escrows,
		ledger:   ledger,
		gate:     gate,
		log:      log,
		inflight: map[string]*sync.Mutex{},
	}
}

// UsePayer routes provider payouts through the key-custody pay capability.
func (x *Executor) UsePayer(p Payer) { x.payer = p }

// idemKey is stable across retries and process restarts for a given
// escrow and disposition.
func idemKey(escrowID, op string) string {
	sum := sha256.Sum256([]byte(escrowID + ":" + op))
	return "stl_" + hex.EncodeToString(sum[:])[:24]
}

func (x *Executor) lock(escrowID string) func() {
	x.mu.Lock()
	m, ok := x.inflight[escrowID]
	if !ok {
		m = &sync.Mutex{}
		x.inflight[escrowID] = m
	}
	x.mu.Unlock()
	m.Lock()
	return m.Unlock
}

// Release pays the provider the locked amount net of the fee. Idempotent:
// an already-released escrow returns the original record; a refunded one
// is a conflict.
func (x *Executor) Release(ctx context.Context, escrowID string) (escrow.Escrow, error) {
	defer x.lock(escrowID)()

	e, ok := x.escrows.Get(escrowID)
	if !ok {
		return escrow.Escrow{}, fault.New(fault.UnknownPrincipal, "escrow %s not found", escrowID)
	}
	switch e.State {
	case escrow.StateReleased:
		return e, nil
	case escrow.StateRefunded, escrow.StateDiscarded:
		return e, fault.New(fault.SettlementConflict, "escrow %s already disposed as %s", e.ID, e.State)
	case escrow.StateVerifying, escrow.StateArbitrated:
	default:
		return e, &escrow.ErrInvalidTransition{EscrowID: e.ID, From: e.State, To: escrow.StateReleased}
	}

	payout := e.Locked - e.Fee
	key := idemKey(e.ID, "release")
	var proof string
	var err error
	if x.payer != nil {
		proof, err = x.retry(ctx, key, func() (string, error) {
			return x.payer.Pay(ctx, e.AgentID, e.ServiceID, e.InvocationID, e.Quantity, e.Commitment, key)
		})
	} else {
		proof, err = x.transfer(ctx, ledgerclient.TransferRequest{
			From: e.ID, To: e.ProviderID, Amount: payout, Key: key,
			ServiceID: e.ServiceID, AgentID: e.AgentID,
			InvocationID: e.InvocationID, Quantity: e.Quantity,
			Commitment: e.Commitment,
		})
	}
	if err != nil {
		return e, fmt.Errorf("release transfer for %s: %w", e.ID, err)
	}
	out, err := x.escrows.MarkReleased(ctx, escrowID, proof)
	if err != nil {
		return e, err
	}
	x.log.Info("escrow released",
		"escrow_id", out.ID, "provider_id", out.ProviderID,
		"payout", payout, "fee", out.Fee, "proof", proof)
	return out, nil
}

// Refund returns the full locked amount to the agent and restores the
// agent's daily budget headroom for it.
func (x *Executor) Refund(ctx context.Context, escrowID string) (escrow.Escrow, error) {
	defer x.lock(escrowID)()

	e, ok := x.escrows.Get(escrowID)
	if !ok {
		return escrow.Escrow{}, fault.New(fault.UnknownPrincipal, "escrow %s not found", escrowID)
	}
	switch e.State {
	case escrow.StateRefunded:
		return e, nil
	case escrow.StateReleased, escrow.StateDiscarded:
		return e, fault.New(fault.SettlementConflict, "escrow %s already disposed as %s", e.ID, e.State)
	case escrow.StateVerifying, escrow.StateArbitrated:
	default:
		return e, &escrow.ErrInvalidTransition{EscrowID: e.ID, From: e.State, To: escrow.StateRefunded}
	}

	proof, err := x.transfer(ctx, ledgerclient.TransferRequest{
		From: e.ID, To: e.AgentID, Amount: e.Locked, Key: idemKey(e.ID, "refund"),
		ServiceID: e.ServiceID, AgentID: e.AgentID,
		InvocationID: e.InvocationID, Quantity: e.Quantity,
		Commitment: e.Commitment,
	})
	if err != nil {
		return e, fmt.Errorf("refund transfer for %s: %w", e.ID, err)
	}
	out, err := x.escrows.MarkRefunded(ctx, escrowID, proof)
	if err != nil {
		return e, err
	}
	if err := x.gate.Credit(ctx, out.AgentID, out.Refunded); err != nil {
		// Funds are back with the agent regardless; stale headroom only
		// makes the gate slightly more conservative until midnight.
		x.log.Warn("budget credit failed after refund", "escrow_id", out.ID, "err", err)
	}
	x.log.Info("escrow refunded",
		"escrow_id", out.ID, "agent_id", out.AgentID,
		"amount", out.Refunded, "proof", proof)
	return out, nil
}

// transfer runs the ledger call under bounded exponential backoff. Only
// fund-moving calls are retried; state transitions never are.
func (x *Executor) transfer(ctx context.Context, in ledgerclient.TransferRequest) (string, error) {
	return x.retry(ctx, in.Key, func() (string, error) {
		return x.ledger.Transfer(ctx, in)
	})
}

func (x *Executor) retry(ctx context.Context, key string, op func() (string, error)) (string, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = x.cfg.InitialInterval
	var attempt int
	return backoff.RetryWithData(func() (string, error) {
		attempt++
		proof, err := op()
		if err != nil {
			x.log.Warn("transfer attempt failed", "key", key, "attempt", attempt, "err", err)
			return "", err
		}
		return proof, nil
	}, backoff.WithContext(backoff.WithMaxRetries(bo, uint64(x.cfg.MaxRetries)), ctx))
}
