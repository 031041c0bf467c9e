package verify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"paylane/pkg/fault"
)

// Arbiter is tier 3: the external arbitration authority. Its verdict is
// final; a timeout here leaves the escrow disputed rather than guessing.
type Arbiter struct {
	BaseURL string
	Timeout time.Duration
	HTTP    *http.Client
}

func NewArbiter(baseURL string, timeout time.Duration) *Arbiter {
	return &Arbiter{BaseURL: baseURL, Timeout: timeout, HTTP: &http.Client{}}
}

func (a *Arbiter) Evaluate(ctx context.Context, d Delivery) (Finding, error) {
	if a.BaseURL == "" {
		return Finding{}, fault.New(fault.VerificationTimeout, "no arbiter configured")
	}
	ctx, cancel := context.WithTimeout(ctx, a.Timeout)
	defer cancel()

	body, _ := json.Marshal(map[string]any{
		"escrow_id":  d.EscrowID,
		"service_id": d.ServiceID,
		"task_hint":  d.TaskHint,
		"output":     json.RawMessage(d.Output),
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.BaseURL+"/arbitrate", bytes.NewReader(body))
	if err != nil {
		return Finding{}, err
	}
	req.Header.Set("content-type", "application/json")
	resp, err := a.HTTP.Do(req)
	if err != nil {
		return Finding{}, fault.Wrap(fault.VerificationTimeout, err, "arbiter unreachable")
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return Finding{}, fmt.Errorf("arbiter returned %d", resp.StatusCode)
	}
	var out struct {
		Pass       bool    `json:"pass"`
		Confidence float64 `json:"confidence"`
		Reason     string  `json:"reason"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Finding{}, err
	}
	return Finding{Confidence: out.Confidence, Pass: out.Pass, Evidence: "arbiter verdict: " + out.Reason}, nil
}
