package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"paylane/services/engine/internal/escrow"
	"paylane/services/engine/internal/gate"
)

type Postgres struct{ DB *pgxpool.Pool }

func NewPostgres(db *pgxpool.Pool) *Postgres { return &Postgres{DB: db} }

// Init creates the engine tables if they do not exist. Safe to run on every
// boot.
func (s *Postgres) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS payment_intents(
  intent_id text PRIMARY KEY,
  agent_id text NOT NULL,
  service_id text NOT NULL,
  body jsonb NOT NULL,
  created_at timestamptz NOT NULL
)`,
		`CREATE TABLE IF NOT EXISTS escrows(
  escrow_id text PRIMARY KEY,
  intent_id text NOT NULL,
  state text NOT NULL,
  body jsonb NOT NULL,
  created_at timestamptz NOT NULL,
  updated_at timestamptz NOT NULL DEFAULT now()
)`,
		`CREATE TABLE IF NOT EXISTS agent_spend(
  agent_id text NOT NULL,
  day text NOT NULL,
  spent double precision NOT NULL,
  PRIMARY KEY (agent_id, day)
)`,
		`CREATE TABLE IF NOT EXISTS call_samples(
  id bigserial PRIMARY KEY,
  agent_id text NOT NULL,
  provider_id text NOT NULL,
  amount double precision NOT NULL,
  at timestamptz NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS call_samples_at ON call_samples(at)`,
	}
	for _, stmt := range stmts {
		if _, err := s.DB.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *Postgres) SaveIntent(ctx context.Context, it gate.PaymentIntent) error {
	b, err := json.Marshal(it)
	if err != nil {
		return err
	}
	_, err = s.DB.Exec(ctx, `
INSERT INTO payment_intents(intent_id,agent_id,service_id,body,created_at)
VALUES($1,$2,$3,$4::jsonb,$5)
ON CONFLICT (intent_id) DO UPDATE SET body=$4::jsonb`,
		it.ID, it.AgentID, it.ServiceID, string(b), it.CreatedAt)
	return err
}

func (s *Postgres) SaveAgentSpend(ctx context.Context, agentID, day string, spent float64) error {
	_, err := s.DB.Exec(ctx, `
INSERT INTO agent_spend(agent_id,day,spent) VALUES($1,$2,$3)
ON CONFLICT (agent_id,day) DO UPDATE SET spent=$3`, agentID, day, spent)
	return err
}

func (s *Postgres) SaveEscrow(ctx context.Context, e escrow.Escrow) error {
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	_, err = s.DB.Exec(ctx, `
INSERT INTO escrows(escrow_id,intent_id,state,body,created_at)
VALUES($1,$2,$3,$4::jsonb,$5)
ON CONFLICT (escrow_id) DO UPDATE SET state=$3, body=$4::jsonb, updated_at=now()`,
		e.ID, e.IntentID, string(e.State), string(b), e.CreatedAt)
	return err
}

func (s *Postgres) SaveCallSample(ctx context.Context, c CallSample) error {
	_, err := s.DB.Exec(ctx, `
INSERT INTO call_samples(agent_id,provider_id,amount,at) VALUES($1,$2,$3,$4)`,
		c.AgentID, c.ProviderID, c.Amount, c.At)
	return err
}

func (s *Postgres) Intents(ctx context.Context) ([]gate.PaymentIntent, error) {
	rows, err := s.DB.Query(ctx, `SELECT body FROM payment_intents`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []gate.PaymentIntent
	for rows.Next() {
		var b []byte
		if err := rows.Scan(&b); err != nil {
			return nil, err
		}
		var it gate.PaymentIntent
		if err := json.Unmarshal(b, &it); err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

func (s *Postgres) Escrows(ctx context.Context) ([]escrow.Escrow, error) {
	rows, err := s.DB.Query(ctx, `SELECT body FROM escrows`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []escrow.Escrow
	for rows.Next() {
		var b []byte
		if err := rows.Scan(&b); err != nil {
			return nil, err
		}
		var e escrow.Escrow
		if err := json.Unmarshal(b, &e); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Postgres) AgentSpends(ctx context.Context, day string) (map[string]float64, error) {
	rows, err := s.DB.Query(ctx, `SELECT agent_id,spent FROM agent_spend WHERE day=$1`, day)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]float64{}
	for rows.Next() {
		var id string
		var spent float64
		if err := rows.Scan(&id, &spent); err != nil {
			return nil, err
		}
		out[id] = spent
	}
	return out, rows.Err()
}

func (s *Postgres) RecentCalls(ctx context.Context, since time.Time) ([]CallSample, error) {
	rows, err := s.DB.Query(ctx, `
SELECT agent_id,provider_id,amount,at FROM call_samples WHERE at >= $1 ORDER BY at`, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []CallSample
	for rows.Next() {
		var c CallSample
		if err := rows.Scan(&c.AgentID, &c.ProviderID, &c.Amount, &c.At); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Postgres) Close() { s.DB.Close() }
