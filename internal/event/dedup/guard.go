// Package dedup turns the at-least-once delivery of the event transport into
// exactly-once processing. A consumer wraps each event's side effect in
// Process; the processed-event marker and the side effect commit in one
// transaction, so a redelivered event either finds its marker and is skipped,
// or the earlier attempt rolled back and the redelivery runs cleanly.
package dedup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"identity-plane/backend/internal/db"
)

// ErrDuplicate is returned when the event has already been processed.
var ErrDuplicate = errors.New("event already processed")

// Guard runs an event's side effect exactly once per event ID.
type Guard interface {
	// Process records eventID and runs apply atomically. If the event was
	// already recorded, apply is not run and ErrDuplicate is returned.
	Process(ctx context.Context, eventID string, occurredAt time.Time, apply func(ctx context.Context, tx db.DBTX) error) error
	// DeleteOlderThan removes processed-event markers older than cutoff and
	// returns how many were removed.
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// PostgresGuard implements Guard over the consumer's own database.
type PostgresGuard struct {
	pool *pgxpool.Pool
}

// NewPostgresGuard returns a guard backed by pool.
func NewPostgresGuard(pool *pgxpool.Pool) *PostgresGuard {
	return &PostgresGuard{pool: pool}
}

// Process inserts the dedup marker and runs apply in one transaction. The
// marker insert is ON CONFLICT DO NOTHING; zero rows affected means another
// delivery already committed this event.
func (g *PostgresGuard) Process(ctx context.Context, eventID string, occurredAt time.Time, apply func(ctx context.Context, tx db.DBTX) error) error {
	tx, err := g.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		INSERT INTO processed_events (event_id, occurred_at, processed_at)
		VALUES ($1, $2, now())
		ON CONFLICT (event_id) DO NOTHING`,
		eventID, occurredAt)
	if err != nil {
		return fmt.Errorf("record event: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrDuplicate
	}

	if err := apply(ctx, tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// DeleteOlderThan garbage-collects old markers. Events older than the
// retention window cannot be redelivered, so their markers are dead weight.
func (g *PostgresGuard) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := g.pool.Exec(ctx, `DELETE FROM processed_events WHERE occurred_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
