// Package schedule implements the Scheduled-Item Queue (spec.md §4.11): a
// durable min-heap over triggerAt used by the Gardener and the Proactive
// Evaluator to defer a nudge or follow-up to a future wall-clock time and
// have it delivered exactly once.
package schedule

import (
	"context"
	"time"
)

// Status is a scheduled item's lifecycle state. The only legal transition is
// pending -> fired (via MarkFired's compare-and-swap); cancellation is
// modeled by CleanStaleSessionRefs removing items outright rather than by a
// third status, since a cancelled nudge has nothing left worth keeping.
type Status string

const (
	StatusPending Status = "pending"
	StatusFired   Status = "fired"
)

// Item is a single deferred piece of work: "send this nudge to this session
// no earlier than TriggerAt". Payload is opaque to the queue — the Proactive
// Evaluator and Gardener are the only producers/consumers and agree on its
// shape between themselves.
type Item struct {
	ID        string
	SessionID string
	Kind      string // e.g. "proactive_nudge", "follow_up"
	Payload   string // JSON, opaque to the queue
	DedupeKey string // HasSimilarPending groups on this
	TriggerAt time.Time
	CreatedAt time.Time
	FiredAt   *time.Time
	Status    Status
}

// Queue is the Scheduled-Item Queue's operation set (spec.md §4.11):
// enqueue, dueItems, markFired, hasSimilarPending, cleanStaleSessionRefs.
type Queue interface {
	// Enqueue durably inserts item and returns its assigned ID.
	Enqueue(ctx context.Context, item Item) (string, error)

	// DueItems returns up to limit pending items whose TriggerAt has passed
	// as of now, oldest TriggerAt first.
	DueItems(ctx context.Context, now time.Time, limit int) ([]Item, error)

	// MarkFired performs the pending->fired compare-and-swap. ok is false if
	// the item was already fired (or doesn't exist) — a concurrent poller
	// lost the race, not an error.
	MarkFired(ctx context.Context, id string, firedAt time.Time) (ok bool, err error)

	// HasSimilarPending reports whether a pending item with dedupeKey is
	// already scheduled within window of triggerAt, so a second identical
	// nudge doesn't get double-booked.
	HasSimilarPending(ctx context.Context, dedupeKey string, triggerAt time.Time, window time.Duration) (bool, error)

	// CleanStaleSessionRefs removes pending items referencing sessionID,
	// called when a session is deleted or ages out past
	// GardenerConfig.SessionMaxAgeDays so the queue never fires a nudge at a
	// session that no longer exists.
	CleanStaleSessionRefs(ctx context.Context, sessionID string) error
}
