package paylane

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// Client is the agent-side SDK for the settlement engine. It covers the
// whole invocation flow: authorize, open an escrow, submit the provider's
// delivery, and poll for disposition.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	Bearer     string
}

func New(baseURL, bearer string) *Client {
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{},
		Bearer:     bearer,
	}
}

type PaymentIntent struct {
	ID         string  `json:"intent_id"`
	AgentID    string  `json:"agent_id"`
	ServiceID  string  `json:"service_id"`
	ProviderID string  `json:"provider_id"`
	Approved   int     `json:"approved_quantity"`
	UnitPrice  float64 `json:"unit_price"`
	Amount     float64 `json:"amount"`
	Commitment string  `json:"commitment"`
}

type Decision struct {
	Action   string         `json:"action"`
	Approved int            `json:"approved_quantity"`
	Risk     string         `json:"risk_level"`
	Reason   string         `json:"reason"`
	Fault    string         `json:"fault,omitempty"`
	Intent   *PaymentIntent `json:"intent,omitempty"`
}

type Escrow struct {
	ID             string  `json:"escrow_id"`
	IntentID       string  `json:"intent_id"`
	State          string  `json:"state"`
	Locked         float64 `json:"locked_amount"`
	Fee            float64 `json:"fee"`
	Released       float64 `json:"released_amount"`
	Refunded       float64 `json:"refunded_amount"`
	EvidenceDigest string  `json:"evidence_digest,omitempty"`
	SettleProof    string  `json:"settle_proof,omitempty"`
	DisputeReason  string  `json:"dispute_reason,omitempty"`
}

type AuthorizeRequest struct {
	AgentID      string          `json:"agent_id"`
	ServiceID    string          `json:"service_id"`
	InvocationID string          `json:"invocation_id"`
	Quantity     int             `json:"quantity"`
	Payload      json.RawMessage `json:"payload,omitempty"`
}

func (c *Client) Authorize(ctx context.Context, in AuthorizeRequest) (*Decision, error) {
	var out struct {
		Decision Decision `json:"decision"`
	}
	if err := c.post(ctx, "/engine/authorize", in, &out); err != nil {
		return nil, err
	}
	return &out.Decision, nil
}

func (c *Client) OpenEscrow(ctx context.Context, intentID string) (*Escrow, error) {
	var out struct {
		Escrow Escrow `json:"escrow"`
	}
	in := map[string]string{"intent_id": intentID}
	if err := c.post(ctx, "/engine/escrows", in, &out); err != nil {
		return nil, err
	}
	return &out.Escrow, nil
}

// Submit hands in the provider's output for an escrow. The commitment must
// be the one the escrow was bound with; anything else opens a dispute.
func (c *Client) Submit(ctx context.Context, escrowID, commitment string, output json.RawMessage) (*Escrow, error) {
	var out struct {
		Escrow Escrow `json:"escrow"`
	}
	in := map[string]any{"commitment": commitment, "output": output}
	if err := c.post(ctx, "/engine/escrows/"+url.PathEscape(escrowID)+"/submit", in, &out); err != nil {
		return nil, err
	}
	return &out.Escrow, nil
}

func (c *Client) Escrow(ctx context.Context, escrowID string) (*Escrow, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.BaseURL+"/engine/escrows/"+url.PathEscape(escrowID), nil)
	if err != nil {
		return nil, err
	}
	var out struct {
		Escrow Escrow `json:"escrow"`
	}
	if err := c.do(req, &out); err != nil {
		return nil, err
	}
	return &out.Escrow, nil
}

func (c *Client) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	if c.Bearer != "" {
		req.Header.Set("Authorization", "Bearer "+c.Bearer)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		var errBody map[string]any
		_ = json.NewDecoder(resp.Body).Decode(&errBody)
		return fmt.Errorf("http %d: %v", resp.StatusCode, errBody)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
