package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"paylane/pkg/callbind"
	"paylane/pkg/db"
	"paylane/pkg/fault"
	"paylane/pkg/httpx"
	"paylane/services/engine/internal/config"
	"paylane/services/engine/internal/custody"
	"paylane/services/engine/internal/escrow"
	"paylane/services/engine/internal/gate"
	"paylane/services/engine/internal/ledgerclient"
	"paylane/services/engine/internal/monitor"
	"paylane/services/engine/internal/registry"
	"paylane/services/engine/internal/settle"
	"paylane/services/engine/internal/store"
	"paylane/services/engine/internal/verify"
)

// heldIntent pairs an approved intent with the decision that produced it.
// Escrow creation needs the action to prove the spend was approved.
type heldIntent struct {
	intent gate.PaymentIntent
	action gate.Action
}

type app struct {
	log     *slog.Logger
	cfg     config.Config
	reg     *registry.Registry
	mon     *monitor.Monitor
	gate    *gate.Gate
	escrows *escrow.Manager
	runner  *verify.Runner
	exec    *settle.Executor
	ledger  *ledgerclient.Client
	custody *custody.Client
	store   store.Store

	mu      sync.Mutex
	intents map[string]heldIntent
}

func main() {
	log := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel()}))
	slog.SetDefault(log)

	cfg, err := config.Load(os.Getenv("ENGINE_CONFIG"))
	if err != nil {
		log.Error("config load failed", "err", err)
		os.Exit(1)
	}

	st := openStore(log)
	defer st.Close()

	reg := registry.New()
	if cfg.AgentsPath != "" {
		if err := reg.LoadAgents(cfg.AgentsPath); err != nil {
			log.Error("agent catalog load failed", "path", cfg.AgentsPath, "err", err)
			os.Exit(1)
		}
	}
	if cfg.ServicesPath != "" {
		if err := reg.LoadServices(cfg.ServicesPath); err != nil {
			log.Error("service catalog load failed", "path", cfg.ServicesPath, "err", err)
			os.Exit(1)
		}
	}

	mon := monitor.New(cfg.Risk)
	g := gate.New(reg, mon, st)
	escrows := escrow.NewManager(cfg.Escrow, st, log)

	var arbiter verify.Tier
	if cfg.Verify.ArbiterURL != "" {
		arbiter = verify.NewArbiter(cfg.Verify.ArbiterURL, cfg.Verify.ArbiterTimeout)
	}
	var peers verify.Tier
	if len(cfg.Verify.PeerURLs) > 0 {
		peers = verify.NewPeers(cfg.Verify.PeerURLs, cfg.Verify.PeerQuorum, cfg.Verify.PeerTimeout)
	}
	runner := verify.NewRunner(cfg.Verify, verify.NewLocal(), peers, arbiter, log)

	ledger := ledgerclient.New(cfg.LedgerURL)
	exec := settle.NewExecutor(cfg.Settle, escrows, ledger, g, log)

	a := &app{
		log: log, cfg: cfg, reg: reg, mon: mon, gate: g,
		escrows: escrows, runner: runner, exec: exec,
		ledger: ledger, store: st,
		intents: map[string]heldIntent{},
	}
	if cfg.CustodyURL != "" {
		a.custody = custody.New(cfg.CustodyURL)
		exec.UsePayer(a.custody)
	}
	a.restore(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go escrows.Run(ctx)

	port := os.Getenv("SERVICE_PORT")
	if port == "" {
		port = "8090"
	}
	log.Info("engine listening", "port", port)
	if err := http.ListenAndServe(":"+port, a.routes()); err != nil {
		log.Error("server stopped", "err", err)
		os.Exit(1)
	}
}

func logLevel() slog.Level {
	if os.Getenv("LOG_LEVEL") == "debug" {
		return slog.LevelDebug
	}
	return slog.LevelInfo
}

func openStore(log *slog.Logger) store.Store {
	if os.Getenv("ENGINE_STORE") == "memory" {
		log.Warn("using in-memory store; state will not survive a restart")
		return store.NewMemory()
	}
	pool := db.MustConnect()
	pg := store.NewPostgres(pool)
	if err := pg.Init(context.Background()); err != nil {
		log.Error("store init failed", "err", err)
		os.Exit(1)
	}
	return pg
}

// restore rebuilds in-memory state from the journal: replay protection,
// daily spend counters, live escrows, and the anomaly window.
func (a *app) restore(ctx context.Context) {
	intents, err := a.store.Intents(ctx)
	if err != nil {
		a.log.Error("intent restore failed", "err", err)
		return
	}
	for _, it := range intents {
		a.gate.RestoreIntent(it)
		a.mu.Lock()
		a.intents[it.ID] = heldIntent{intent: it, action: gate.ActionAllow}
		a.mu.Unlock()
	}

	day := time.Now().UTC().Format("2006-01-02")
	spends, err := a.store.AgentSpends(ctx, day)
	if err != nil {
		a.log.Error("spend restore failed", "err", err)
	}
	for id, spent := range spends {
		a.gate.RestoreSpend(id, day, spent)
	}

	escrows, err := a.store.Escrows(ctx)
	if err != nil {
		a.log.Error("escrow restore failed", "err", err)
	}
	var live int
	for _, e := range escrows {
		a.escrows.Restore(e)
		if !e.State.Terminal() {
			live++
		}
	}

	calls, err := a.store.RecentCalls(ctx, time.Now().Add(-a.cfg.Risk.Window))
	if err != nil {
		a.log.Error("call sample restore failed", "err", err)
	}
	for _, c := range calls {
		a.mon.Seed(c.AgentID, c.At, c.Amount)
	}
	a.log.Info("state restored",
		"intents", len(intents), "escrows", len(escrows), "live_escrows", live,
		"call_samples", len(calls))
}

func (a *app) routes() http.Handler {
	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200) })

	r.Route("/engine", func(api chi.Router) {
		api.Post("/authorize", a.handleAuthorize)
		api.Post("/escrows", a.handleCreateEscrow)
		api.Post("/escrows/{escrow_id}/submit", a.handleSubmit)
		api.Post("/escrows/{escrow_id}/verify", a.handleVerify)
		api.Post("/escrows/{escrow_id}/dispute", a.handleDispute)
		api.Post("/escrows/{escrow_id}/arbitrate", a.handleArbitrate)
		api.Get("/escrows/{escrow_id}", a.handleGetEscrow)
		api.Get("/agents/{agent_id}", a.handleGetAgent)
	})
	return r
}

func (a *app) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AgentID      string          `json:"agent_id"`
		ServiceID    string          `json:"service_id"`
		InvocationID string          `json:"invocation_id"`
		Quantity     int             `json:"quantity"`
		Payload      json.RawMessage `json:"payload"`
	}
	if err := httpx.ReadJSON(r, &req); err != nil {
		httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil)
		return
	}
	dec, err := a.gate.Authorize(r.Context(), req.AgentID, req.ServiceID, req.InvocationID, req.Quantity, req.Payload)
	if err != nil {
		a.log.Error("authorize failed", "agent_id", req.AgentID, "err", err)
		httpx.WriteError(w, 500, "JOURNAL_ERROR", err.Error(), nil)
		return
	}
	a.recordSample(r.Context(), req.AgentID, req.ServiceID, req.Quantity, dec)
	if dec.Intent != nil {
		a.mu.Lock()
		a.intents[dec.Intent.ID] = heldIntent{intent: *dec.Intent, action: dec.Action}
		a.mu.Unlock()
	}
	a.log.Info("authorization decided",
		"agent_id", req.AgentID, "service_id", req.ServiceID,
		"action", dec.Action, "risk", dec.Risk, "reason", dec.Reason)
	httpx.WriteJSON(w, 200, map[string]any{"request_id": httpx.NewRequestID(), "decision": dec})
}

// recordSample journals the call for anomaly-window rebuild. The monitor
// already counted it in memory; this is only restart durability.
func (a *app) recordSample(ctx context.Context, agentID, serviceID string, quantity int, dec gate.Decision) {
	svc, ok := a.reg.Service(serviceID)
	if !ok {
		return
	}
	// Only calls that reached risk assessment belong in the window. Denials
	// that short-circuit earlier (unknown principal, replay, malformed
	// requests) were never counted in memory and must not be on restore.
	if dec.Intent == nil && dec.Fault != fault.RiskBlocked && dec.Fault != fault.BudgetExceeded {
		return
	}
	amount := svc.UnitPrice * float64(quantity)
	if dec.Intent != nil {
		amount = dec.Intent.Amount
	}
	s := store.CallSample{AgentID: agentID, ProviderID: svc.Provider, Amount: amount, At: time.Now().UTC()}
	if err := a.store.SaveCallSample(ctx, s); err != nil {
		a.log.Warn("call sample journal failed", "agent_id", agentID, "err", err)
	}
}

func (a *app) handleCreateEscrow(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IntentID string `json:"intent_id"`
	}
	if err := httpx.ReadJSON(r, &req); err != nil {
		httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil)
		return
	}
	a.mu.Lock()
	held, ok := a.intents[req.IntentID]
	a.mu.Unlock()
	if !ok {
		httpx.WriteFault(w, fault.New(fault.UnknownPrincipal, "intent %s not found", req.IntentID))
		return
	}
	e, err := a.escrows.Create(r.Context(), held.action, held.intent)
	if err != nil {
		httpx.WriteError(w, 422, "ESCROW_REJECTED", err.Error(), nil)
		return
	}
	// Key custody must confirm it can fund the call before any money locks.
	// An unreachable or declining custodian fails closed: the escrow stays
	// in Created and the watchdog discards it after the grace period.
	if a.custody != nil {
		q, qerr := a.custody.Quote(r.Context(), e.AgentID, e.ServiceID, e.Quantity)
		if qerr != nil {
			a.log.Error("custody quote failed", "escrow_id", e.ID, "err", qerr)
			httpx.WriteError(w, 502, "CUSTODY_ERROR", qerr.Error(), nil)
			return
		}
		if !q.CanPay || (q.MaxQuantity > 0 && e.Quantity > q.MaxQuantity) {
			reason := q.Reason
			if reason == "" {
				reason = "custodian declined the call"
			}
			a.log.Warn("custody declined",
				"escrow_id", e.ID, "quantity", e.Quantity,
				"max_quantity", q.MaxQuantity, "reason", reason)
			httpx.WriteError(w, 422, "CUSTODY_DECLINED", reason, nil)
			return
		}
		if q.Total > e.Locked {
			a.log.Warn("catalog price below provider quote",
				"service_id", e.ServiceID, "quoted", q.Total, "locked", e.Locked)
		}
	}
	proof, err := a.ledger.Lock(r.Context(), ledgerclient.LockRequest{
		AgentID:      e.AgentID,
		EscrowID:     e.ID,
		Amount:       e.Locked,
		ServiceID:    e.ServiceID,
		InvocationID: e.InvocationID,
		Quantity:     e.Quantity,
		Commitment:   e.Commitment,
	})
	if err != nil {
		// The escrow stays in Created; the watchdog discards it after the
		// grace period if the lock is never retried.
		a.log.Error("ledger lock failed", "escrow_id", e.ID, "err", err)
		httpx.WriteError(w, 502, "LEDGER_ERROR", err.Error(), nil)
		return
	}
	e, err = a.escrows.Lock(r.Context(), e.ID, proof)
	if err != nil {
		httpx.WriteFault(w, err)
		return
	}
	if _, err := a.gate.BindIntent(r.Context(), e.IntentID); err != nil {
		a.log.Warn("intent bind failed", "intent_id", e.IntentID, "err", err)
	}
	a.log.Info("escrow locked", "escrow_id", e.ID, "intent_id", e.IntentID, "amount", e.Locked)
	httpx.WriteJSON(w, 201, map[string]any{"request_id": httpx.NewRequestID(), "escrow": e})
}

func (a *app) handleSubmit(w http.ResponseWriter, r *http.Request) {
	escrowID := chi.URLParam(r, "escrow_id")
	var req struct {
		Commitment string          `json:"commitment"`
		Output     json.RawMessage `json:"output"`
	}
	if err := httpx.ReadJSON(r, &req); err != nil {
		httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil)
		return
	}
	e, err := a.escrows.Submit(r.Context(), escrowID, callbind.Commitment(req.Commitment), req.Output)
	if err != nil {
		if fault.Is(err, fault.CommitmentMismatch) {
			a.mon.RecordFailure(e.ProviderID)
		}
		httpx.WriteFault(w, err)
		return
	}
	go a.processDelivery(e.ID)
	httpx.WriteJSON(w, 202, map[string]any{"request_id": httpx.NewRequestID(), "escrow": e})
}

// handleVerify re-drives verification for a submitted delivery whose
// background run never finished, typically after a restart.
func (a *app) handleVerify(w http.ResponseWriter, r *http.Request) {
	e, ok := a.escrows.Get(chi.URLParam(r, "escrow_id"))
	if !ok {
		httpx.WriteError(w, 404, "NOT_FOUND", "escrow not found", nil)
		return
	}
	if e.State != escrow.StateSubmitted {
		httpx.WriteError(w, 409, "INVALID_STATE",
			"verification starts from SUBMITTED, escrow is "+string(e.State), nil)
		return
	}
	go a.processDelivery(e.ID)
	httpx.WriteJSON(w, 202, map[string]any{"request_id": httpx.NewRequestID(), "escrow": e})
}

// processDelivery runs the verification tiers and settles when they are
// conclusive. Inconclusive outcomes open a dispute and try arbitration;
// if that also fails the escrow waits for the watchdog or an operator.
func (a *app) processDelivery(escrowID string) {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Escrow.VerifySLA)
	defer cancel()

	e, err := a.escrows.BeginVerify(ctx, escrowID)
	if err != nil {
		a.log.Error("verification start failed", "escrow_id", escrowID, "err", err)
		return
	}
	svc, _ := a.reg.Service(e.ServiceID)
	d := verify.Delivery{
		EscrowID: e.ID, ServiceID: e.ServiceID,
		Output: e.Output, OutputSchema: svc.OutputSchema,
	}

	out := a.runner.Run(ctx, d)
	if len(out.Records) > 0 {
		if _, err := a.escrows.AppendRecords(ctx, e.ID, out.Records...); err != nil {
			a.log.Error("record append failed", "escrow_id", e.ID, "err", err)
			return
		}
	}
	if out.Conclusive {
		a.settleVerdict(ctx, e, out.Pass)
		return
	}

	if _, err := a.escrows.Dispute(ctx, e.ID, "verification tiers inconclusive"); err != nil {
		a.log.Error("dispute open failed", "escrow_id", e.ID, "err", err)
		return
	}
	rec, pass, err := a.runner.Arbitrate(ctx, d)
	if err != nil {
		a.log.Warn("arbitration unavailable, escrow stays disputed", "escrow_id", e.ID, "err", err)
		return
	}
	if e, err = a.escrows.Arbitrate(ctx, e.ID, pass); err != nil {
		a.log.Error("arbitration record failed", "escrow_id", e.ID, "err", err)
		return
	}
	if _, err := a.escrows.AppendRecords(ctx, e.ID, rec); err != nil {
		a.log.Error("record append failed", "escrow_id", e.ID, "err", err)
	}
	a.settleVerdict(ctx, e, pass)
}

func (a *app) settleVerdict(ctx context.Context, e escrow.Escrow, pass bool) {
	var out escrow.Escrow
	var err error
	if pass {
		out, err = a.exec.Release(ctx, e.ID)
	} else {
		a.mon.RecordFailure(e.ProviderID)
		out, err = a.exec.Refund(ctx, e.ID)
	}
	if err != nil {
		a.log.Error("settlement failed", "escrow_id", e.ID, "pass", pass, "err", err)
		return
	}
	if _, err := a.gate.FinishIntent(ctx, out.IntentID, pass); err != nil {
		a.log.Warn("intent disposition failed", "intent_id", out.IntentID, "err", err)
	}
	if a.custody != nil {
		disposition := "released"
		if !pass {
			disposition = "refunded"
		}
		if err := a.custody.Notify(ctx, out.ID, disposition, out.SettleProof); err != nil {
			a.log.Warn("custody notify failed", "escrow_id", out.ID, "err", err)
		}
	}
}

func (a *app) handleDispute(w http.ResponseWriter, r *http.Request) {
	escrowID := chi.URLParam(r, "escrow_id")
	var req struct {
		Reason string `json:"reason"`
	}
	if err := httpx.ReadJSON(r, &req); err != nil {
		httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil)
		return
	}
	if req.Reason == "" {
		req.Reason = "disputed by operator"
	}
	e, err := a.escrows.Dispute(r.Context(), escrowID, req.Reason)
	if err != nil {
		httpx.WriteFault(w, err)
		return
	}
	httpx.WriteJSON(w, 200, map[string]any{"request_id": httpx.NewRequestID(), "escrow": e})
}

func (a *app) handleArbitrate(w http.ResponseWriter, r *http.Request) {
	escrowID := chi.URLParam(r, "escrow_id")
	var req struct {
		Pass *bool `json:"pass"`
	}
	if err := httpx.ReadJSON(r, &req); err != nil || req.Pass == nil {
		httpx.WriteError(w, 400, "BAD_JSON", "pass verdict required", nil)
		return
	}
	e, err := a.escrows.Arbitrate(r.Context(), escrowID, *req.Pass)
	if err != nil {
		httpx.WriteFault(w, err)
		return
	}
	a.settleVerdict(r.Context(), e, *req.Pass)
	e, _ = a.escrows.Get(escrowID)
	httpx.WriteJSON(w, 200, map[string]any{"request_id": httpx.NewRequestID(), "escrow": e})
}

func (a *app) handleGetEscrow(w http.ResponseWriter, r *http.Request) {
	e, ok := a.escrows.Get(chi.URLParam(r, "escrow_id"))
	if !ok {
		httpx.WriteError(w, 404, "NOT_FOUND", "escrow not found", nil)
		return
	}
	httpx.WriteJSON(w, 200, map[string]any{"request_id": httpx.NewRequestID(), "escrow": e})
}

func (a *app) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agent_id")
	agent, ok := a.reg.Agent(agentID)
	if !ok {
		httpx.WriteError(w, 404, "NOT_FOUND", "agent not found", nil)
		return
	}
	httpx.WriteJSON(w, 200, map[string]any{
		"request_id":  httpx.NewRequestID(),
		"agent":       agent,
		"spent_today": a.gate.Spent(agentID),
	})
}
