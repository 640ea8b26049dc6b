// Package consumer reads account events from Kafka and feeds the profile mirror.
package consumer

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	evdomain "identity-plane/backend/internal/event/domain"
	"identity-plane/backend/internal/profile/service"
)

// Consumer runs one reader per subscribed topic and commits offsets after
// apply; the dedup guard absorbs redeliveries.
type Consumer struct {
	brokers     []string
	topicPrefix string
	groupID     string
	mirror      *service.Mirror
	log         *slog.Logger
}

// New returns a consumer feeding mirror from the given brokers.
func New(brokers []string, topicPrefix, groupID string, mirror *service.Mirror, log *slog.Logger) *Consumer {
	return &Consumer{
		brokers:     brokers,
		topicPrefix: topicPrefix,
		groupID:     groupID,
		mirror:      mirror,
		log:         log,
	}
}

// Run consumes until ctx is cancelled. It blocks.
func (c *Consumer) Run(ctx context.Context) {
	go c.consume(ctx, evdomain.TopicUserCreation, c.handleUserCreation)
	go c.consume(ctx, evdomain.TopicAccountEmailUpdated, c.handleEmailUpdated)
	c.consume(ctx, evdomain.TopicAccountUsernameUpdated, c.handleUsernameUpdated)
}

func (c *Consumer) consume(ctx context.Context, topic string, handle func(context.Context, []byte) error) {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  c.brokers,
		Topic:    c.topicPrefix + topic,
		GroupID:  c.groupID,
		MinBytes: 1,
		MaxBytes: 10e6, // 10MB
		MaxWait:  1 * time.Second,
	})
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

func (c *Consumer) handleUserCreation(ctx context.Context, payload []byte) error {
	var ev evdomain.UserCreation
	if err := json.Unmarshal(payload, &ev); err != nil {
		c.log.Error("undecodable user creation dropped", "error", err)
		return nil
	}
	return c.mirror.ApplyUserCreation(ctx, &ev)
}

func (c *Consumer) handleEmailUpdated(ctx context.Context, payload []byte) error {
	var ev evdomain.AccountEmailUpdated
	if err := json.Unmarshal(payload, &ev); err != nil {
		c.log.Error("undecodable email update dropped", "error", err)
		return nil
	}
	return c.mirror.ApplyEmailUpdated(ctx, &ev)
}

func (c *Consumer) handleUsernameUpdated(ctx context.Context, payload []byte) error {
	var ev evdomain.AccountUsernameUpdated
	if err := json.Unmarshal(payload, &ev); err != nil {
		c.log.Error("undecodable username update dropped", "error", err)
		return nil
	}
	return c.mirror.ApplyUsernameUpdated(ctx, &ev)
}
