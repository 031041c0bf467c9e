package custody

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestQuoteCanPay(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/custody/quote" {
			http.NotFound(w, r)
			return
		}
		var req map[string]any
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req["agent_id"] != "agt_1" || req["quantity"] != float64(3) {
			t.Errorf("unexpected quote request: %v", req)
		}
		w.Header().Set("content-type", "application/json")
		_, _ = w.Write([]byte(`{"can_pay":true,"max_quantity":1000,"unit_price":0.5,"total":1.5}`))
	}))
	defer ts.Close()

	q, err := New(ts.URL).Quote(context.Background(), "agt_1", "svc_1", 3)
	if err != nil {
		t.Fatalf("Quote error: %v", err)
	}
	if !q.CanPay || q.MaxQuantity != 1000 || q.Total != 1.5 {
		t.Fatalf("unexpected quote: %+v", q)
	}
}

func TestQuoteDeclines(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("content-type", "application/json")
		_, _ = w.Write([]byte(`{"can_pay":false,"reason":"treasury balance too low"}`))
	}))
	defer ts.Close()

	q, err := New(ts.URL).Quote(context.Background(), "agt_1", "svc_1", 3)
	if err != nil {
		t.Fatalf("Quote error: %v", err)
	}
	if q.CanPay {
		t.Fatalf("expected declined quote: %+v", q)
	}
}

func TestPayForwardsBinding(t *testing.T) {
	var body map[string]any
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/custody/pay" {
			http.NotFound(w, r)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.Header().Set("content-type", "application/json")
		_, _ = w.Write([]byte(`{"settlement_id":"set_001"}`))
	}))
	defer ts.Close()

	id, err := New(ts.URL).Pay(context.Background(), "agt_1", "svc_1", "task-1", 2, "sha256:abc", "stl_key")
	if err != nil {
		t.Fatalf("Pay error: %v", err)
	}
	if id != "set_001" {
		t.Fatalf("unexpected settlement id: %s", id)
	}
	if body["commitment"] != "sha256:abc" || body["invocation_id"] != "task-1" ||
		body["quantity"] != float64(2) || body["idempotency_key"] != "stl_key" {
		t.Fatalf("pay request missing binding fields: %v", body)
	}
}

func TestPayRejectsMissingSettlementID(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("content-type", "application/json")
		_, _ = w.Write([]byte(`{}`))
	}))
	defer ts.Close()

	if _, err := New(ts.URL).Pay(context.Background(), "agt_1", "svc_1", "task-1", 1, "sha256:abc", "stl_key"); err == nil {
		t.Fatalf("expected error when custody omits the settlement id")
	}
}
