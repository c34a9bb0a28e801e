package usage

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"hearth/internal/config"
)

// pgLedger persists usage records to a single append-only table indexed by ts,
// following the teacher's chat_store_postgres.go table-per-concern idiom.
type pgLedger struct {
	pool   *pgxpool.Pool
	prices PriceTable
	budget config.BudgetConfig
	clock  func() time.Time
}

// NewPostgresLedger returns a durable Ledger backed by Postgres.
func NewPostgresLedger(pool *pgxpool.Pool, prices PriceTable, budget config.BudgetConfig) Ledger {
	return &pgLedger{pool: pool, prices: prices, budget: budget, clock: time.Now}
}

func (l *pgLedger) Init(ctx context.Context) error {
	if l.pool == nil {
		return errors.New("postgres usage ledger requires pool")
	}
	_, err := l.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS usage_records (
    id BIGSERIAL PRIMARY KEY,
    ts TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    session_id TEXT NOT NULL,
    model TEXT NOT NULL,
    input_tokens INTEGER NOT NULL,
    output_tokens INTEGER NOT NULL,
    cost DOUBLE PRECISION NOT NULL,
    tier TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS usage_records_ts_idx ON usage_records(ts);
`)
	return err
}

func (l *pgLedger) Record(ctx context.Context, r Record) error {
	if r.Timestamp.IsZero() {
		r.Timestamp = l.clock().UTC()
	}
	if r.Cost == 0 {
		r.Cost = l.prices.Cost(r.Model, r.InputTokens, r.OutputTokens)
	}
	_, err := l.pool.Exec(ctx, `
INSERT INTO usage_records (ts, session_id, model, input_tokens, output_tokens, cost, tier)
VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		r.Timestamp, r.SessionID, r.Model, r.InputTokens, r.OutputTokens, r.Cost, r.Tier)
	return err
}

func (l *pgLedger) BudgetStatus(ctx context.Context) (BudgetStatus, error) {
	now := l.clock().UTC()
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())

	var daily, monthly float64
	if err := l.pool.QueryRow(ctx, `SELECT COALESCE(SUM(cost),0) FROM usage_records WHERE ts >= $1`, dayStart).Scan(&daily); err != nil {
		return BudgetStatus{}, err
	}
	if err := l.pool.QueryRow(ctx, `SELECT COALESCE(SUM(cost),0) FROM usage_records WHERE ts >= $1`, monthStart).Scan(&monthly); err != nil {
		return BudgetStatus{}, err
	}
	return computeStatus(daily, monthly, l.budget), nil
}

func (l *pgLedger) History(ctx context.Context, sinceTs time.Time) ([]Record, error) {
	rows, err := l.pool.Query(ctx, `
SELECT ts, session_id, model, input_tokens, output_tokens, cost, tier
FROM usage_records WHERE ts >= $1 ORDER BY ts ASC`, sinceTs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.Timestamp, &r.SessionID, &r.Model, &r.InputTokens, &r.OutputTokens, &r.Cost, &r.Tier); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
