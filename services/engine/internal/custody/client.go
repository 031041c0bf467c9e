package custody

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"paylane/pkg/callbind"
)

// Client talks to the key-custody service. Custody is the sole holder of
// signing material: Quote asks whether it would pay without moving funds,
// Pay signs and submits the actual payout. The engine never sees a key.
type Client struct {
	BaseURL string
	HTTP    *http.Client
}

func New(baseURL string) *Client {
	return &Client{BaseURL: baseURL, HTTP: &http.Client{}}
}

type QuoteResult struct {
	CanPay      bool    `json:"can_pay"`
	MaxQuantity int     `json:"max_quantity"`
	UnitPrice   float64 `json:"unit_price"`
	Total       float64 `json:"total"`
	Reason      string  `json:"reason,omitempty"`
}

// Quote is the fast no-transfer check consulted before funds are locked.
func (c *Client) Quote(ctx context.Context, agentID, serviceID string, quantity int) (*QuoteResult, error) {
	body, _ := json.Marshal(map[string]any{
		"agent_id": agentID, "service_id": serviceID, "quantity": quantity,
	})
	var out QuoteResult
	if err := c.post(ctx, "/custody/quote", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Pay has custody sign and submit the payout for one bound invocation and
// returns the settlement id. The key makes replays safe: custody returns
// the original settlement id instead of paying twice.
func (c *Client) Pay(ctx context.Context, agentID, serviceID, invocationID string, quantity int, commitment callbind.Commitment, key string) (string, error) {
	body, _ := json.Marshal(map[string]any{
		"agent_id":        agentID,
		"service_id":      serviceID,
		"invocation_id":   invocationID,
		"quantity":        quantity,
		"commitment":      commitment,
		"idempotency_key": key,
	})
	var out struct {
		SettlementID string `json:"settlement_id"`
	}
	if err := c.post(ctx, "/custody/pay", body, &out); err != nil {
		return "", err
	}
	if out.SettlementID == "" {
		return "", fmt.Errorf("custody pay returned no settlement id")
	}
	return out.SettlementID, nil
}

// Notify tells custody that an escrow settled so the provider's invoice can
// close. Best effort; settlement does not depend on it.
func (c *Client) Notify(ctx context.Context, escrowID, disposition, proof string) error {
	body, _ := json.Marshal(map[string]any{
		"escrow_id": escrowID, "disposition": disposition, "proof": proof,
	})
	return c.post(ctx, "/custody/settlements", body, nil)
}

func (c *Client) post(ctx context.Context, path string, body []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("content-type", "application/json")
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("custody returned %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
