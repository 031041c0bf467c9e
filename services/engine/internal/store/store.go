package store

import (
	"context"
	"time"

	"paylane/services/engine/internal/escrow"
	"paylane/services/engine/internal/gate"
)

// CallSample is one authorization attempt, approved or denied. Denied calls
// count too: the anomaly window must survive a restart with denials intact.
type CallSample struct {
	AgentID    string
	ProviderID string
	Amount     float64
	At         time.Time
}

// Store is the engine's durable write-side plus the reads needed to rebuild
// in-memory state at boot. It satisfies both the gate's and the escrow
// manager's journal interfaces.
type Store interface {
	SaveIntent(ctx context.Context, it gate.PaymentIntent) error
	SaveAgentSpend(ctx context.Context, agentID, day string, spent float64) error
	SaveEscrow(ctx context.Context, e escrow.Escrow) error
	SaveCallSample(ctx context.Context, s CallSample) error

	Intents(ctx context.Context) ([]gate.PaymentIntent, error)
	Escrows(ctx context.Context) ([]escrow.Escrow, error)
	AgentSpends(ctx context.Context, day string) (map[string]float64, error)
	RecentCalls(ctx context.Context, since time.Time) ([]CallSample, error)

	Close()
}
