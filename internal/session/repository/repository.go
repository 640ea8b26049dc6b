package repository

import (
	"context"
	"time"

	"identity-plane/backend/internal/db"
	"identity-plane/backend/internal/session/domain"
)

// AccountTermination marks an account whose sessions are globally dead.
// Creation events that arrive after it are inserted already terminated.
type AccountTermination struct {
	AccountID    string
	Reason       domain.TerminationReason
	TerminatedAt time.Time
}

// Repository defines persistence for the session ledger.
//
// WithTx rebinds the repository to a transaction so event side effects can
// commit atomically with their dedup marker.
type Repository interface {
	WithTx(tx db.DBTX) Repository
	GetByID(ctx context.Context, id string) (*domain.Session, error)
	ListByAccount(ctx context.Context, accountID string) ([]*domain.Session, error)
	// CreateIfAbsent inserts the session unless a row with its ID already
	// exists, and reports whether the insert happened. An existing row is a
	// tombstone from an earlier termination and must stay untouched.
	CreateIfAbsent(ctx context.Context, s *domain.Session) (bool, error)
	// Terminate marks the session inactive iff it is still active, and
	// reports whether this call made the transition.
	Terminate(ctx context.Context, id string, reason domain.TerminationReason, at time.Time) (bool, error)
	// TerminateAllByAccount ends every active session of the account created
	// at or before at, and returns how many it ended.
	TerminateAllByAccount(ctx context.Context, accountID string, reason domain.TerminationReason, at time.Time) (int64, error)
	// RecordAccountTermination remembers that the account's sessions up to
	// its instant are globally terminated. The latest termination wins.
	RecordAccountTermination(ctx context.Context, t *AccountTermination) error
	GetAccountTermination(ctx context.Context, accountID string) (*AccountTermination, error)
	// SweepExpired terminates active sessions whose expiry has passed.
	SweepExpired(ctx context.Context, now time.Time) (int64, error)
}
