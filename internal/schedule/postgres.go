package schedule

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// pgQueue is the durable Postgres-backed Scheduled-Item Queue.
type pgQueue struct {
	pool *pgxpool.Pool
}

// NewPostgresQueue returns a Postgres-backed Scheduled-Item Queue, creating
// its table if absent.
func NewPostgresQueue(ctx context.Context, pool *pgxpool.Pool) (Queue, error) {
	q := &pgQueue{pool: pool}
	if err := q.init(ctx); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *pgQueue) init(ctx context.Context) error {
	_, err := q.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS scheduled_items (
    id UUID PRIMARY KEY,
    session_id TEXT NOT NULL,
    kind TEXT NOT NULL,
    payload TEXT NOT NULL DEFAULT '',
    dedupe_key TEXT NOT NULL DEFAULT '',
    trigger_at TIMESTAMPTZ NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    fired_at TIMESTAMPTZ,
    status TEXT NOT NULL DEFAULT 'pending'
);

CREATE INDEX IF NOT EXISTS scheduled_items_due_idx ON scheduled_items(status, trigger_at);
CREATE INDEX IF NOT EXISTS scheduled_items_session_idx ON scheduled_items(session_id, status);
CREATE INDEX IF NOT EXISTS scheduled_items_dedupe_idx ON scheduled_items(dedupe_key, status);
`)
	if err != nil {
		return fmt.Errorf("schedule: init schema: %w", err)
	}
	return nil
}

func (q *pgQueue) Enqueue(ctx context.Context, item Item) (string, error) {
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	_, err := q.pool.Exec(ctx, `
INSERT INTO scheduled_items (id, session_id, kind, payload, dedupe_key, trigger_at, status)
VALUES ($1, $2, $3, $4, $5, $6, 'pending')`,
		item.ID, item.SessionID, item.Kind, item.Payload, item.DedupeKey, item.TriggerAt)
	if err != nil {
		return "", fmt.Errorf("schedule: enqueue: %w", err)
	}
	return item.ID, nil
}

// DueItems lists up to limit due rows; FOR UPDATE SKIP LOCKED keeps it from
// surfacing a row another in-flight transaction is already working. The
// actual exactly-once guarantee is MarkFired's single-row CAS UPDATE below —
// two callers can legitimately both see a row here, only one will win the
// status flip.
func (q *pgQueue) DueItems(ctx context.Context, now time.Time, limit int) ([]Item, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := q.pool.Query(ctx, `
SELECT id, session_id, kind, payload, dedupe_key, trigger_at, created_at, fired_at, status
FROM scheduled_items
WHERE status = 'pending' AND trigger_at <= $1
ORDER BY trigger_at ASC
LIMIT $2
FOR UPDATE SKIP LOCKED`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("schedule: due items: %w", err)
	}
	defer rows.Close()

	var out []Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

func (q *pgQueue) MarkFired(ctx context.Context, id string, firedAt time.Time) (bool, error) {
	tag, err := q.pool.Exec(ctx, `
UPDATE scheduled_items SET status = 'fired', fired_at = $2
WHERE id = $1 AND status = 'pending'`, id, firedAt)
	if err != nil {
		return false, fmt.Errorf("schedule: mark fired: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (q *pgQueue) HasSimilarPending(ctx context.Context, dedupeKey string, triggerAt time.Time, window time.Duration) (bool, error) {
	var exists bool
	err := q.pool.QueryRow(ctx, `
SELECT EXISTS(
    SELECT 1 FROM scheduled_items
    WHERE status = 'pending' AND dedupe_key = $1
      AND trigger_at BETWEEN $2 AND $3
)`, dedupeKey, triggerAt.Add(-window), triggerAt.Add(window)).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("schedule: has similar pending: %w", err)
	}
	return exists, nil
}

func (q *pgQueue) CleanStaleSessionRefs(ctx context.Context, sessionID string) error {
	_, err := q.pool.Exec(ctx, `
DELETE FROM scheduled_items WHERE session_id = $1 AND status = 'pending'`, sessionID)
	if err != nil {
		return fmt.Errorf("schedule: clean stale refs: %w", err)
	}
	return nil
}

func scanItem(row pgx.Rows) (Item, error) {
	var item Item
	var firedAt *time.Time
	var status string
	if err := row.Scan(&item.ID, &item.SessionID, &item.Kind, &item.Payload, &item.DedupeKey,
		&item.TriggerAt, &item.CreatedAt, &firedAt, &status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Item{}, err
		}
		return Item{}, fmt.Errorf("schedule: scan item: %w", err)
	}
	item.FiredAt = firedAt
	item.Status = Status(status)
	return item, nil
}
