// Package notify provides Notifier adapters. The engine treats notification
// delivery as fire-and-forget: delivery failures are logged and dropped,
// never propagated into financial state.
package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	id "almoner/pkg/domain"
)

// KafkaNotifier publishes notification events to a Kafka topic consumed by
// the marketplace's delivery service (email, push, in-app toasts).
type KafkaNotifier struct {
	client *kgo.Client
	topic  string
	logger *slog.Logger
}

// NewKafka connects to the given brokers (comma-separated) and returns a
// notifier producing to topic.
func NewKafka(brokers, topic string, logger *slog.Logger) (*KafkaNotifier, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(strings.Split(brokers, ",")...),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
	)
	if err != nil {
		return nil, err
	}
	return &KafkaNotifier{client: client, topic: topic, logger: logger}, nil
}

type envelope struct {
	UserID    string            `json:"user_id"`
	EventType string            `json:"event_type"`
	Payload   map[string]string `json:"payload,omitempty"`
	EmittedAt string            `json:"emitted_at"`
}

// Notify produces the event asynchronously. Errors are logged, not returned:
// notification delivery must never gate a ledger mutation.
func (n *KafkaNotifier) Notify(ctx context.Context, userID id.UserID, eventType string, payload map[string]string) {
	value, err := json.Marshal(envelope{
		UserID:    userID.String(),
		EventType: eventType,
		Payload:   payload,
		EmittedAt: time.Now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		n.logger.ErrorContext(ctx, "notification marshal failed", "error", err)
		return
	}

	record := &kgo.Record{
		Topic: n.topic,
		Key:   []byte(userID.String()),
		Value: value,
	}
	n.client.Produce(ctx, record, func(_ *kgo.Record, err error) {
		if err != nil {
			n.logger.Warn("notification publish failed",
				"event_type", eventType,
				"user_id", userID.String(),
				"error", err,
			)
		}
	})
}

// Close flushes pending records and releases the client.
func (n *KafkaNotifier) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = n.client.Flush(ctx)
	n.client.Close()
}
