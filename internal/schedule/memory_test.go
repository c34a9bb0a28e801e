package schedule

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryQueue_DueItemsReturnsOnlyPastTriggerAtInOrder(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue()
	now := time.Now()

	idLate, err := q.Enqueue(ctx, Item{SessionID: "s1", Kind: "nudge", TriggerAt: now.Add(time.Hour)})
	require.NoError(t, err)
	idEarly, err := q.Enqueue(ctx, Item{SessionID: "s1", Kind: "nudge", TriggerAt: now.Add(-2 * time.Minute)})
	require.NoError(t, err)
	idMid, err := q.Enqueue(ctx, Item{SessionID: "s1", Kind: "nudge", TriggerAt: now.Add(-time.Minute)})
	require.NoError(t, err)

	due, err := q.DueItems(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, idEarly, due[0].ID)
	assert.Equal(t, idMid, due[1].ID)

	_, err = q.DueItems(ctx, now, 10)
	require.NoError(t, err)

	stillDue, err := q.DueItems(ctx, now.Add(2*time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, stillDue, 1)
	assert.Equal(t, idLate, stillDue[0].ID)
}

func TestMemoryQueue_MarkFiredIsCompareAndSwap(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue()
	id, err := q.Enqueue(ctx, Item{SessionID: "s1", TriggerAt: time.Now().Add(-time.Minute)})
	require.NoError(t, err)

	ok, err := q.MarkFired(ctx, id, time.Now())
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = q.MarkFired(ctx, id, time.Now())
	require.NoError(t, err)
	assert.False(t, ok, "second MarkFired on an already-fired item must lose the CAS")
}

func TestMemoryQueue_HasSimilarPendingHonorsWindow(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue()
	trigger := time.Now().Add(time.Hour)
	_, err := q.Enqueue(ctx, Item{SessionID: "s1", DedupeKey: "daily-checkin", TriggerAt: trigger})
	require.NoError(t, err)

	within, err := q.HasSimilarPending(ctx, "daily-checkin", trigger.Add(10*time.Minute), 30*time.Minute)
	require.NoError(t, err)
	assert.True(t, within)

	outside, err := q.HasSimilarPending(ctx, "daily-checkin", trigger.Add(2*time.Hour), 30*time.Minute)
	require.NoError(t, err)
	assert.False(t, outside)

	differentKey, err := q.HasSimilarPending(ctx, "other-key", trigger, 30*time.Minute)
	require.NoError(t, err)
	assert.False(t, differentKey)
}

func TestMemoryQueue_CleanStaleSessionRefsRemovesOnlyThatSession(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue()
	now := time.Now().Add(-time.Minute)
	_, err := q.Enqueue(ctx, Item{SessionID: "stale", TriggerAt: now})
	require.NoError(t, err)
	keep, err := q.Enqueue(ctx, Item{SessionID: "keep", TriggerAt: now})
	require.NoError(t, err)

	require.NoError(t, q.CleanStaleSessionRefs(ctx, "stale"))

	due, err := q.DueItems(ctx, time.Now(), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, keep, due[0].ID)
}
