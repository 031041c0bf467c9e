package verify

import (
	"context"
	"log/slog"
	"time"

	"paylane/services/engine/internal/config"
)

// Outcome is the tiers' aggregate judgment. When Conclusive is false the
// delivery escalates to arbitration instead of settling automatically.
type Outcome struct {
	Records    []Record
	Conclusive bool
	Pass       bool
}

// Runner escalates a delivery through tiers 1 and 2 until one of them is
// conclusive. Tier 3 is invoked separately through Arbitrate once the
// escrow has been disputed.
type Runner struct {
	cfg     config.Verify
	local   Tier
	peers   Tier
	arbiter Tier
	log     *slog.Logger
	now     func() time.Time
}

func NewRunner(cfg config.Verify, local, peers, arbiter Tier, log *slog.Logger) *Runner {
	if log == nil {
		log = slog.Default()
	}
	return &Runner{cfg: cfg, local: local, peers: peers, arbiter: arbiter, log: log, now: time.Now}
}

// Run evaluates the delivery bottom-up. A tier that is conclusive
// short-circuits the tiers above it.
func (r *Runner) Run(ctx context.Context, d Delivery) Outcome {
	var out Outcome

	f, err := r.local.Evaluate(ctx, d)
	if err != nil {
		// Structural checks should not fail; treat a failure as maximally
		// uncertain and let the higher tiers decide.
		r.log.Warn("local verification failed", "escrow", d.EscrowID, "err", err)
		f = Finding{Confidence: 0.5, Evidence: "local check error: " + err.Error()}
	}
	out.Records = append(out.Records, r.record(1, f))
	if f.Confidence >= r.cfg.PassFloor {
		out.Conclusive, out.Pass = true, true
		return out
	}
	if f.Confidence < r.cfg.FailFloor {
		out.Conclusive, out.Pass = true, false
		return out
	}

	if r.peers == nil {
		return out
	}
	pf, err := r.peers.Evaluate(ctx, d)
	if err != nil {
		r.log.Warn("peer verification failed", "escrow", d.EscrowID, "err", err)
		return out
	}
	out.Records = append(out.Records, r.record(2, pf))
	if pf.Confidence >= r.cfg.PeerPass {
		out.Conclusive, out.Pass = true, true
	} else if pf.Confidence <= r.cfg.PeerFail {
		out.Conclusive, out.Pass = true, false
	}
	return out
}

// Arbitrate invokes tier 3. The verdict is authoritative; an error means
// the escrow stays disputed for manual handling.
func (r *Runner) Arbitrate(ctx context.Context, d Delivery) (Record, bool, error) {
	if r.arbiter == nil {
		return Record{}, false, ErrNoArbiter
	}
	f, err := r.arbiter.Evaluate(ctx, d)
	if err != nil {
		return Record{}, false, err
	}
	return r.record(3, f), f.Pass, nil
}

func (r *Runner) record(tier int, f Finding) Record {
	return Record{Tier: tier, Confidence: f.Confidence, Pass: f.Pass, Evidence: f.Evidence, At: r.now().UTC()}
}
