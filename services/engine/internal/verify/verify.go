package verify

import (
	"context"
	"errors"
	"time"
)

// ErrNoArbiter is returned by Arbitrate when no tier-3 authority is
// configured; the escrow stays disputed for manual resolution.
var ErrNoArbiter = errors.New("no arbiter configured")

// Record is one tier's judgment of a delivery. Appended once per tier
// attempted, never overwritten.
type Record struct {
	Tier       int       `json:"tier"`
	Confidence float64   `json:"confidence"`
	Pass       bool      `json:"pass"`
	Evidence   string    `json:"evidence"`
	At         time.Time `json:"at"`
}

// Delivery is the unit of work under judgment.
type Delivery struct {
	EscrowID     string
	ServiceID    string
	Output       []byte
	OutputSchema string // JSON Schema declared by the offer; empty skips the shape check
	TaskHint     string
}

// Finding is a tier's raw output before it becomes a Record.
type Finding struct {
	Confidence float64
	Pass       bool
	Evidence   string
}

// Tier judges deliveries. Tier 1 is local and synchronous; tiers 2 and 3
// call external evaluators and respect ctx deadlines.
type Tier interface {
	Evaluate(ctx context.Context, d Delivery) (Finding, error)
}
