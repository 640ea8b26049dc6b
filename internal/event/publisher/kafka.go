package publisher

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
)

// publishTimeout is the max time allowed for a single write. Used by Publish
// and by PublishAsync.
const publishTimeout = 5 * time.Second

// KafkaPublisher implements Publisher using segmentio/kafka-go. One writer
// serves all topics; the topic is set per message.
type KafkaPublisher struct {
	writer      *kafka.Writer
	topicPrefix string
}

// NewKafkaPublisher creates a publisher that writes to the given brokers.
// Topic names passed to Publish are prefixed with topicPrefix. Call Close
// when shutting down.
func NewKafkaPublisher(brokers []string, topicPrefix string) *KafkaPublisher {
	if len(brokers) == 0 {
		return nil
	}
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
	}
	return &KafkaPublisher{writer: writer, topicPrefix: topicPrefix}
}

// Publish serializes the event as JSON and writes it keyed by accountID, so
// all events of one account preserve partition order.
func (p *KafkaPublisher) Publish(ctx context.Context, topic, accountID string, event any) error {
	if p == nil || p.writer == nil {
		return nil
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	return p.writer.WriteMessages(writeCtx, kafka.Message{
		Topic: p.topicPrefix + topic,
		Key:   []byte(accountID),
		Value: payload,
	})
}

// Close closes the Kafka writer. Safe to call multiple times.
func (p *KafkaPublisher) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}

// PublishAsync runs Publish in a goroutine so the caller is not blocked.
// Use from request handlers for fire-and-forget emission; errors are logged.
//
// The goroutine uses context.Background() with publishTimeout so request
// cancellation does not abort an in-flight write.
func PublishAsync(pub Publisher, topic, accountID string, event any) {
	if pub == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()
		if err := pub.Publish(ctx, topic, accountID, event); err != nil {
			slog.Error("event publish failed", "topic", topic, "error", err)
		}
	}()
}
