// Package consumer reads auth events from Kafka and feeds the session ledger.
package consumer

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	evdomain "identity-plane/backend/internal/event/domain"
	"identity-plane/backend/internal/session/service"
)

// Consumer runs one reader per subscribed topic. Offsets are committed after
// the ledger applied the event; the dedup guard absorbs the redeliveries this
// at-least-once commit order produces.
type Consumer struct {
	brokers     []string
	topicPrefix string
	groupID     string
	ledger      *service.Ledger
	log         *slog.Logger
}

// New returns a consumer feeding ledger from the given brokers.
func New(brokers []string, topicPrefix, groupID string, ledger *service.Ledger, log *slog.Logger) *Consumer {
	return &Consumer{
		brokers:     brokers,
		topicPrefix: topicPrefix,
		groupID:     groupID,
		ledger:      ledger,
		log:         log,
	}
}

// Run consumes until ctx is cancelled. It blocks; callers run it in its own
// goroutine per binary.
func (c *Consumer) Run(ctx context.Context) {
	go c.consume(ctx, evdomain.TopicSessionCreation, c.handleCreation)
	go c.consume(ctx, evdomain.TopicSessionTermination, c.handleTermination)
	c.consume(ctx, evdomain.TopicGlobalSessionTermination, c.handleGlobalTermination)
}

func (c *Consumer) newReader(topic string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:  c.brokers,
		Topic:    c.topicPrefix + topic,
		GroupID:  c.groupID,
		MinBytes: 1,
		MaxBytes: 10e6, // 10MB
		MaxWait:  1 * time.Second,
	})
}

// consume runs the fetch/apply/commit loop for one topic. Events that fail to
// decode are committed and dropped; events whose apply fails are retried
// without committing, since redelivery is safe.
func (c *Consumer) consume(ctx context.Context, topic string, handle func(context.Context, []byte) error) {
	reader := c.newReader(topic)
	defer reader.Close()
	c.log.Info("consuming", "topic", c.topicPrefix+topic, "group", c.groupID)

	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.log.Error("kafka fetch failed", "topic", topic, "error", err)
			continue
		}

		applyCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err = handle(applyCtx, msg.Value)
		cancel()
		if err != nil {
			c.log.Error("event apply failed", "topic", topic, "offset", msg.Offset, "error", err)
			continue
		}
		if err := reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return
			}
			c.log.Error("offset commit failed", "topic", topic, "error", err)
		}
	}
}

func (c *Consumer) handleCreation(ctx context.Context, payload []byte) error {
	var ev evdomain.SessionCreation
	if err := json.Unmarshal(payload, &ev); err != nil {
		c.log.Error("undecodable session creation dropped", "error", err)
		return nil
	}
	return c.ledger.ApplyCreation(ctx, &ev)
}

func (c *Consumer) handleTermination(ctx context.Context, payload []byte) error {
	var ev evdomain.SessionTermination
	if err := json.Unmarshal(payload, &ev); err != nil {
		c.log.Error("undecodable session termination dropped", "error", err)
		return nil
	}
	return c.ledger.ApplyTermination(ctx, &ev)
}

func (c *Consumer) handleGlobalTermination(ctx context.Context, payload []byte) error {
	var ev evdomain.GlobalSessionTermination
	if err := json.Unmarshal(payload, &ev); err != nil {
		c.log.Error("undecodable global termination dropped", "error", err)
		return nil
	}
	return c.ledger.ApplyGlobalTermination(ctx, &ev)
}
