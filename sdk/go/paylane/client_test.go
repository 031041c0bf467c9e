package paylane

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestAuthorizeAndOpenEscrow(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/engine/authorize":
			var req AuthorizeRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				t.Errorf("authorize decode: %v", err)
			}
			if req.AgentID != "agt_1" || req.Quantity != 2 {
				t.Errorf("unexpected authorize request: %+v", req)
			}
			w.Header().Set("content-type", "application/json")
			_, _ = w.Write([]byte(`{"decision":{"action":"ALLOW","approved_quantity":2,"intent":{"intent_id":"pi_1","amount":1.0,"commitment":"sha256:abc"}}}`))
		case "/engine/escrows":
			w.Header().Set("content-type", "application/json")
			w.WriteHeader(201)
			_, _ = w.Write([]byte(`{"escrow":{"escrow_id":"esc_1","intent_id":"pi_1","state":"LOCKED","locked_amount":1.0}}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer ts.Close()

	c := New(ts.URL, "")
	dec, err := c.Authorize(context.Background(), AuthorizeRequest{
		AgentID: "agt_1", ServiceID: "svc_1", InvocationID: "task-1", Quantity: 2,
	})
	if err != nil {
		t.Fatalf("Authorize error: %v", err)
	}
	if dec.Action != "ALLOW" || dec.Intent == nil || dec.Intent.ID != "pi_1" {
		t.Fatalf("unexpected decision: %+v", dec)
	}
	e, err := c.OpenEscrow(context.Background(), dec.Intent.ID)
	if err != nil {
		t.Fatalf("OpenEscrow error: %v", err)
	}
	if e.ID != "esc_1" || e.State != "LOCKED" {
		t.Fatalf("unexpected escrow: %+v", e)
	}
}

func TestSubmitSendsBearer(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer agt_live_tok" {
			t.Errorf("missing bearer, got %q", got)
		}
		w.Header().Set("content-type", "application/json")
		_, _ = w.Write([]byte(`{"escrow":{"escrow_id":"esc_1","state":"SUBMITTED"}}`))
	}))
	defer ts.Close()

	c := New(ts.URL, "agt_live_tok")
	e, err := c.Submit(context.Background(), "esc_1", "sha256:abc", json.RawMessage(`{"result":"ok"}`))
	if err != nil {
		t.Fatalf("Submit error: %v", err)
	}
	if e.State != "SUBMITTED" {
		t.Fatalf("unexpected escrow state: %s", e.State)
	}
}

func TestErrorBodySurfaces(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("content-type", "application/json")
		w.WriteHeader(409)
		_, _ = w.Write([]byte(`{"error":{"code":"REPLAYED_COMMITMENT"}}`))
	}))
	defer ts.Close()

	if _, err := New(ts.URL, "").OpenEscrow(context.Background(), "pi_1"); err == nil {
		t.Fatalf("expected error on 409")
	}
}
