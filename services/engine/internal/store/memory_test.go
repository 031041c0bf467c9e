package store

import (
	"context"
	"testing"
	"time"

	"paylane/services/engine/internal/escrow"
	"paylane/services/engine/internal/gate"
)

func TestMemoryRoundTrip(t *testing.T) {
	ctx := context.Background()
	var s Store = NewMemory()

	if err := s.SaveIntent(ctx, gate.PaymentIntent{ID: "pi_1", AgentID: "agt_a", Amount: 2.0}); err != nil {
		t.Fatalf("SaveIntent: %v", err)
	}
	if err := s.SaveEscrow(ctx, escrow.Escrow{ID: "esc_1", IntentID: "pi_1", State: escrow.StateLocked}); err != nil {
		t.Fatalf("SaveEscrow: %v", err)
	}
	if err := s.SaveEscrow(ctx, escrow.Escrow{ID: "esc_1", IntentID: "pi_1", State: escrow.StateSubmitted}); err != nil {
		t.Fatalf("SaveEscrow update: %v", err)
	}
	if err := s.SaveAgentSpend(ctx, "agt_a", "2026-03-01", 4.5); err != nil {
		t.Fatalf("SaveAgentSpend: %v", err)
	}

	its, _ := s.Intents(ctx)
	if len(its) != 1 || its[0].ID != "pi_1" {
		t.Fatalf("intents: %+v", its)
	}
	es, _ := s.Escrows(ctx)
	if len(es) != 1 || es[0].State != escrow.StateSubmitted {
		t.Fatalf("escrow update not latest-wins: %+v", es)
	}
	spends, _ := s.AgentSpends(ctx, "2026-03-01")
	if spends["agt_a"] != 4.5 {
		t.Fatalf("spends: %+v", spends)
	}
	if spends, _ := s.AgentSpends(ctx, "2026-03-02"); len(spends) != 0 {
		t.Fatalf("spend leaked across days: %+v", spends)
	}
}

func TestMemoryRecentCallsFiltersByTime(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i, at := range []time.Time{base.Add(-2 * time.Minute), base.Add(-30 * time.Second), base} {
		if err := s.SaveCallSample(ctx, CallSample{AgentID: "agt_a", ProviderID: "prov_1", Amount: float64(i), At: at}); err != nil {
			t.Fatalf("SaveCallSample: %v", err)
		}
	}
	recent, err := s.RecentCalls(ctx, base.Add(-time.Minute))
	if err != nil {
		t.Fatalf("RecentCalls: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("got %d samples in window, want 2", len(recent))
	}
}
