package ledgerclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"paylane/pkg/callbind"
)

// Client talks to the custody ledger service that holds the actual balances.
// Lock reserves funds into an escrow account; Transfer moves them out. Both
// carry the bound invocation identity and call commitment so the ledger's
// records let downstream parties verify what each movement paid for.
type Client struct {
	BaseURL string
	HTTP    *http.Client
}

func New(baseURL string) *Client {
	return &Client{BaseURL: baseURL, HTTP: &http.Client{}}
}

type LockRequest struct {
	AgentID      string              `json:"agent_id"`
	EscrowID     string              `json:"escrow_id"`
	Amount       float64             `json:"amount"`
	ServiceID    string              `json:"service_id"`
	InvocationID string              `json:"invocation_id"`
	Quantity     int                 `json:"quantity"`
	Commitment   callbind.Commitment `json:"commitment"`
}

type TransferRequest struct {
	From         string              `json:"from"`
	To           string              `json:"to"`
	Amount       float64             `json:"amount"`
	Key          string              `json:"idempotency_key"`
	ServiceID    string              `json:"service_id"`
	AgentID      string              `json:"agent_id"`
	InvocationID string              `json:"invocation_id"`
	Quantity     int                 `json:"quantity"`
	Commitment   callbind.Commitment `json:"commitment"`
}

// Lock reserves the amount from the agent's account into the named escrow
// account and returns the ledger's lock proof.
func (c *Client) Lock(ctx context.Context, in LockRequest) (string, error) {
	body, _ := json.Marshal(in)
	var out struct {
		Proof string `json:"proof"`
	}
	if err := c.post(ctx, "/ledger/locks", body, &out); err != nil {
		return "", err
	}
	if out.Proof == "" {
		return "", fmt.Errorf("ledger lock returned no proof")
	}
	return out.Proof, nil
}

// Transfer moves the amount between accounts. The key makes the call
// idempotent on the ledger side; replaying it returns the original proof.
// The ledger must record the commitment; if it echoes one back, it has to
// be the one sent.
func (c *Client) Transfer(ctx context.Context, in TransferRequest) (string, error) {
	body, _ := json.Marshal(in)
	var out struct {
		Proof      string              `json:"proof"`
		Commitment callbind.Commitment `json:"commitment"`
	}
	if err := c.post(ctx, "/ledger/transfers", body, &out); err != nil {
		return "", err
	}
	if out.Proof == "" {
		return "", fmt.Errorf("ledger transfer returned no proof")
	}
	if out.Commitment != "" && out.Commitment != in.Commitment {
		return "", fmt.Errorf("ledger recorded commitment %s for key %s, sent %s", out.Commitment, in.Key, in.Commitment)
	}
	return out.Proof, nil
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
		return fmt.Errorf("ledger returned %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
