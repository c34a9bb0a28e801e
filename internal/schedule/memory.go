package schedule

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// memQueue is the in-process Queue backend, used in tests and in
// single-instance deployments that don't set schedule.backend: postgres.
type memQueue struct {
	mu      sync.Mutex
	byID    map[string]*Item
	pending *itemHeap
}

// NewMemoryQueue returns an in-memory Scheduled-Item Queue.
func NewMemoryQueue() Queue {
	h := &itemHeap{}
	heap.Init(h)
	return &memQueue{byID: make(map[string]*Item), pending: h}
}

func (q *memQueue) Enqueue(ctx context.Context, item Item) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now()
	}
	item.Status = StatusPending
	stored := item
	q.byID[stored.ID] = &stored
	heap.Push(q.pending, &stored)
	return stored.ID, nil
}

func (q *memQueue) DueItems(ctx context.Context, now time.Time, limit int) ([]Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []Item
	for q.pending.Len() > 0 && (limit <= 0 || len(out) < limit) {
		top := (*q.pending)[0]
		if top.Status != StatusPending {
			heap.Pop(q.pending)
			continue
		}
		if top.TriggerAt.After(now) {
			break
		}
		heap.Pop(q.pending)
		out = append(out, *top)
	}
	// Items are popped off the heap once surfaced as due; MarkFired settles
	// their terminal state. A caller that never marks a returned item fired
	// (e.g. it crashed mid-dispatch) must re-Enqueue on recovery — the heap
	// itself makes no redelivery guarantee. The Postgres backend differs: a
	// row that is never marked fired stays pending and the next poll returns
	// it again.
	return out, nil
}

func (q *memQueue) MarkFired(ctx context.Context, id string, firedAt time.Time) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	item, ok := q.byID[id]
	if !ok || item.Status != StatusPending {
		return false, nil
	}
	item.Status = StatusFired
	item.FiredAt = &firedAt
	return true, nil
}

func (q *memQueue) HasSimilarPending(ctx context.Context, dedupeKey string, triggerAt time.Time, window time.Duration) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, item := range q.byID {
		if item.Status != StatusPending || item.DedupeKey != dedupeKey {
			continue
		}
		diff := item.TriggerAt.Sub(triggerAt)
		if diff < 0 {
			diff = -diff
		}
		if diff <= window {
			return true, nil
		}
	}
	return false, nil
}

func (q *memQueue) CleanStaleSessionRefs(ctx context.Context, sessionID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for id, item := range q.byID {
		if item.SessionID == sessionID && item.Status == StatusPending {
			delete(q.byID, id)
		}
	}
	rebuilt := &itemHeap{}
	heap.Init(rebuilt)
	for _, item := range q.pending.items() {
		if cur, ok := q.byID[item.ID]; ok && cur.Status == StatusPending {
			heap.Push(rebuilt, cur)
		}
	}
	q.pending = rebuilt
	return nil
}

// itemHeap is a container/heap min-heap over Item.TriggerAt.
type itemHeap []*Item

func (h itemHeap) Len() int            { return len(h) }
func (h itemHeap) Less(i, j int) bool  { return h[i].TriggerAt.Before(h[j].TriggerAt) }
func (h itemHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *itemHeap) items() []*Item     { return *h }
func (h *itemHeap) Push(x any) {
	item, ok := x.(*Item)
	if !ok {
		panic(fmt.Sprintf("schedule: itemHeap.Push got %T, want *Item", x))
	}
	*h = append(*h, item)
}

func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
