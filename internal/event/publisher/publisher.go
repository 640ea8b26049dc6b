// Package publisher defines the interface for emitting domain events (e.g. to Kafka).
package publisher

import "context"

// Publisher emits domain events. Callers treat it best-effort: log and ignore errors.
type Publisher interface {
	// Publish sends one event to the topic, keyed so that all events of one
	// account land on the same partition. Implementations may block briefly.
	Publish(ctx context.Context, topic, accountID string, event any) error
	// Close releases resources (e.g. Kafka writer). Safe to call if already closed.
	Close() error
}
