package verify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Peers is tier 2: fans a delivery out to independent evaluator endpoints
// and aggregates their confidence. Bounded by quorum and timeout.
type Peers struct {
	Endpoints []string
	Quorum    int
	Timeout   time.Duration
	HTTP      *http.Client
}

func NewPeers(endpoints []string, quorum int, timeout time.Duration) *Peers {
	return &Peers{Endpoints: endpoints, Quorum: quorum, Timeout: timeout, HTTP: &http.Client{}}
}

type peerRequest struct {
	EscrowID  string          `json:"escrow_id"`
	ServiceID string          `json:"service_id"`
	TaskHint  string          `json:"task_hint,omitempty"`
	Output    json.RawMessage `json:"output"`
}

type peerResponse struct {
	Confidence float64 `json:"confidence"`
	Evidence   string  `json:"evidence"`
}

func (p *Peers) Evaluate(ctx context.Context, d Delivery) (Finding, error) {
	if len(p.Endpoints) == 0 {
		return Finding{}, fmt.Errorf("no peer evaluators configured")
	}
	ctx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	body, err := json.Marshal(peerRequest{
		EscrowID: d.EscrowID, ServiceID: d.ServiceID, TaskHint: d.TaskHint, Output: d.Output,
	})
	if err != nil {
		return Finding{}, err
	}

	type reply struct {
		conf float64
		err  error
	}
	replies := make(chan reply, len(p.Endpoints))
	for _, ep := range p.Endpoints {
		go func(ep string) {
			conf, err := p.ask(ctx, ep, body)
			replies <- reply{conf: conf, err: err}
		}(ep)
	}

	want := p.Quorum
	if want > len(p.Endpoints) {
		want = len(p.Endpoints)
	}
	var got int
	var sum float64
	for i := 0; i < len(p.Endpoints) && got < want; i++ {
		select {
		case r := <-replies:
			if r.err != nil {
				continue
			}
			sum += r.conf
			got++
		case <-ctx.Done():
			i = len(p.Endpoints)
		}
	}
	if got == 0 {
		return Finding{}, fmt.Errorf("no peer responses before timeout")
	}
	mean := sum / float64(got)
	return Finding{
		Confidence: mean,
		Pass:       mean >= 0.5,
		Evidence:   fmt.Sprintf("peer consensus %.2f over %d responses", mean, got),
	}, nil
}

func (p *Peers) ask(ctx context.Context, endpoint string, body []byte) (float64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("content-type", "application/json")
	resp, err := p.HTTP.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return 0, fmt.Errorf("peer returned %d", resp.StatusCode)
	}
	var out peerResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, err
	}
	if out.Confidence < 0 || out.Confidence > 1 {
		return 0, fmt.Errorf("peer confidence %v out of range", out.Confidence)
	}
	return out.Confidence, nil
}
