package ledgerclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestLockAndTransferCarryBinding(t *testing.T) {
	var lockBody LockRequest
	var transferBody TransferRequest
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ledger/locks":
			_ = json.NewDecoder(r.Body).Decode(&lockBody)
			w.Header().Set("content-type", "application/json")
			_, _ = w.Write([]byte(`{"proof":"lkp_001"}`))
		case "/ledger/transfers":
			_ = json.NewDecoder(r.Body).Decode(&transferBody)
			w.Header().Set("content-type", "application/json")
			_, _ = w.Write([]byte(`{"proof":"txp_001","commitment":"sha256:abc"}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer ts.Close()

	c := New(ts.URL)
	proof, err := c.Lock(context.Background(), LockRequest{
		AgentID: "agt_1", EscrowID: "esc_1", Amount: 2.5,
		ServiceID: "svc_1", InvocationID: "task-1", Quantity: 2,
		Commitment: "sha256:abc",
	})
	if err != nil {
		t.Fatalf("Lock error: %v", err)
	}
	if proof != "lkp_001" {
		t.Fatalf("unexpected lock proof: %s", proof)
	}
	if lockBody.Commitment != "sha256:abc" || lockBody.InvocationID != "task-1" || lockBody.Quantity != 2 {
		t.Fatalf("lock body missing binding fields: %+v", lockBody)
	}

	proof, err = c.Transfer(context.Background(), TransferRequest{
		From: "esc_1", To: "prov_1", Amount: 2.475, Key: "stl_abc",
		ServiceID: "svc_1", AgentID: "agt_1", InvocationID: "task-1", Quantity: 2,
		Commitment: "sha256:abc",
	})
	if err != nil {
		t.Fatalf("Transfer error: %v", err)
	}
	if proof != "txp_001" {
		t.Fatalf("unexpected transfer proof: %s", proof)
	}
	if transferBody.Key != "stl_abc" {
		t.Fatalf("idempotency key not forwarded: %s", transferBody.Key)
	}
	if transferBody.Commitment != "sha256:abc" || transferBody.ServiceID != "svc_1" ||
		transferBody.AgentID != "agt_1" || transferBody.InvocationID != "task-1" || transferBody.Quantity != 2 {
		t.Fatalf("transfer body missing binding fields: %+v", transferBody)
	}
}

func TestTransferRejectsMismatchedCommitmentEcho(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("content-type", "application/json")
		_, _ = w.Write([]byte(`{"proof":"txp_001","commitment":"sha256:other"}`))
	}))
	defer ts.Close()

	_, err := New(ts.URL).Transfer(context.Background(), TransferRequest{
		From: "esc_1", To: "prov_1", Amount: 1, Key: "stl_x", Commitment: "sha256:abc",
	})
	if err == nil {
		t.Fatalf("expected error when the ledger records a different commitment")
	}
}

func TestTransferRejectsMissingProof(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("content-type", "application/json")
		_, _ = w.Write([]byte(`{}`))
	}))
	defer ts.Close()

	_, err := New(ts.URL).Transfer(context.Background(), TransferRequest{
		From: "a", To: "b", Amount: 1, Key: "stl_x",
	})
	if err == nil {
		t.Fatalf("expected error when ledger omits the proof")
	}
}

func TestLedgerErrorSurfaces(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "insufficient funds", http.StatusConflict)
	}))
	defer ts.Close()

	if _, err := New(ts.URL).Lock(context.Background(), LockRequest{AgentID: "agt_1", EscrowID: "esc_1", Amount: 99}); err == nil {
		t.Fatalf("expected error on ledger 409")
	}
}
