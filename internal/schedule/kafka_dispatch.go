package schedule

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"
)

// Dispatcher hands a fired item off to whatever delivers it to the user —
// in-process (the Agent Loop's Interrupt Queue for the item's own session)
// or, when configured, a Kafka topic so a separate channel-adapter process
// can pick it up without sharing CORE's address space.
type Dispatcher interface {
	Dispatch(ctx context.Context, item Item) error
}

// localDispatcher invokes fn in-process; the default when no Kafka brokers
// are configured.
type localDispatcher struct {
	fn func(ctx context.Context, item Item) error
}

// NewLocalDispatcher wraps fn (typically agent.Engine.Interrupt via a
// session-lookup closure) as a Dispatcher.
func NewLocalDispatcher(fn func(ctx context.Context, item Item) error) Dispatcher {
	return &localDispatcher{fn: fn}
}

func (d *localDispatcher) Dispatch(ctx context.Context, item Item) error {
	return d.fn(ctx, item)
}

// kafkaDispatcher publishes a fired item as a JSON message keyed by session
// id, so consumers on the same topic can partition work per session.
type kafkaDispatcher struct {
	writer *kafka.Writer
}

// NewKafkaDispatcher returns a Dispatcher that publishes fired items to
// topic on brokers. Returns an error immediately if brokers is empty —
// callers should fall back to NewLocalDispatcher when Kafka isn't
// configured, per config.ScheduleConfig's "empty brokers disables it"
// contract.
func NewKafkaDispatcher(brokers []string, topic string) (Dispatcher, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("schedule: kafka dispatcher requires at least one broker")
	}
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
	}
	return &kafkaDispatcher{writer: writer}, nil
}

func (d *kafkaDispatcher) Dispatch(ctx context.Context, item Item) error {
	body, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("schedule: marshal item for dispatch: %w", err)
	}
	return d.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(item.SessionID),
		Value: body,
	})
}

// Close releases the Kafka writer's connections.
func (d *kafkaDispatcher) Close() error {
	return d.writer.Close()
}
