package schedule

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"hearth/internal/config"
)

// New builds a Queue from ScheduleConfig: a Postgres-backed durable queue
// when Backend is "postgres" (pool must be non-nil), an in-memory queue
// otherwise, optionally wrapped with a Redis due-item cache when RedisAddr
// is set.
func New(ctx context.Context, cfg config.ScheduleConfig, pool *pgxpool.Pool) (Queue, error) {
	var base Queue
	switch cfg.Backend {
	case "", "memory":
		base = NewMemoryQueue()
	case "postgres", "pg":
		if pool == nil {
			return nil, fmt.Errorf("schedule: postgres backend requires a connection pool")
		}
		pq, err := NewPostgresQueue(ctx, pool)
		if err != nil {
			return nil, err
		}
		base = pq
	default:
		return nil, fmt.Errorf("schedule: unsupported backend %q", cfg.Backend)
	}

	ttl := time.Duration(cfg.PollIntervalMs) * time.Millisecond
	return NewRedisCachedQueue(base, cfg.RedisAddr, cfg.RedisDB, ttl), nil
}

// NewDispatcher builds a Dispatcher from ScheduleConfig: Kafka when brokers
// are configured, otherwise a local in-process dispatcher via deliver.
func NewDispatcher(cfg config.ScheduleConfig, deliver func(ctx context.Context, item Item) error) (Dispatcher, error) {
	if len(cfg.KafkaBrokers) == 0 {
		return NewLocalDispatcher(deliver), nil
	}
	return NewKafkaDispatcher(cfg.KafkaBrokers, cfg.KafkaTopic)
}
