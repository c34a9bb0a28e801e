package schedule

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// cachedQueue wraps a Queue with a Redis cache-aside layer over DueItems:
// polling for due work is the Gardener's light tick hitting the queue every
// few seconds across however many replicas are running, and a short-lived
// cache absorbs that fan-in without adding load to the backing store.
// Writes (Enqueue/MarkFired/CleanStaleSessionRefs) always go straight
// through — caching those would risk serving a stale pending item after it
// fired.
type cachedQueue struct {
	Queue
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisCachedQueue wraps base with a Redis-backed DueItems cache. addr
// empty disables the wrapper (returns base unchanged), matching
// config.ScheduleConfig's "blank disables it" contract.
func NewRedisCachedQueue(base Queue, addr string, db int, ttl time.Duration) Queue {
	if addr == "" {
		return base
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr, DB: db})
	if ttl <= 0 {
		ttl = 5 * time.Second
	}
	return &cachedQueue{Queue: base, rdb: rdb, ttl: ttl}
}

// DueItems serves repeated identical polls (same truncated timestamp and
// limit, across however many Gardener replicas are ticking) out of one
// cached list; MarkFired's per-item CAS still runs against the real queue
// for every caller, so a cache hit returning the same items to two replicas
// never causes double delivery — only one of them wins each item's CAS.
func (q *cachedQueue) DueItems(ctx context.Context, now time.Time, limit int) ([]Item, error) {
	key := fmt.Sprintf("hearth:schedule:due:%d:%d", now.Truncate(q.ttl).Unix(), limit)
	if cached, err := q.rdb.Get(ctx, key).Result(); err == nil {
		var items []Item
		if jsonErr := json.Unmarshal([]byte(cached), &items); jsonErr == nil {
			return items, nil
		}
	}

	items, err := q.Queue.DueItems(ctx, now, limit)
	if err != nil {
		return nil, err
	}
	if encoded, err := json.Marshal(items); err == nil {
		_ = q.rdb.Set(ctx, key, encoded, q.ttl).Err()
	}
	return items, nil
}

// Close releases the underlying Redis connection pool.
func (q *cachedQueue) Close() error {
	return q.rdb.Close()
}
