package repository

import (
	"context"
	"errors"
	"time"

	"identity-plane/backend/internal/account/domain"
)

// Uniqueness violations surfaced by Create, UpdateEmail, and UpdateUsername.
var (
	ErrDuplicateUsername = errors.New("username already taken")
	ErrDuplicateEmail    = errors.New("email already registered")
)

// LockoutState is the outcome of a recorded failed login attempt.
type LockoutState struct {
	FailedAttempts int
	Locked         bool
	LockedUntil    *time.Time
}

// Repository defines persistence for accounts.
type Repository interface {
	GetByID(ctx context.Context, id string) (*domain.Account, error)
	// GetByIdentifier resolves a login identifier that may be a username or an email.
	GetByIdentifier(ctx context.Context, identifier string) (*domain.Account, error)
	GetByEmail(ctx context.Context, email string) (*domain.Account, error)
	GetByUsername(ctx context.Context, username string) (*domain.Account, error)
	Create(ctx context.Context, a *domain.Account) error
	UpdatePasswordHash(ctx context.Context, id, passwordHash string) error
	// UpdateEmail sets a new email and clears the verified flag.
	UpdateEmail(ctx context.Context, id, email string) error
	UpdateUsername(ctx context.Context, id, username string) error
	SetEmailVerified(ctx context.Context, id string) error
	// SetDeleted soft-deletes or restores the account.
	SetDeleted(ctx context.Context, id string, deleted bool) error

	// RecordFailedAttempt atomically increments the failed-login counter and,
	// when the counter reaches threshold, transitions the account to locked
	// until lockUntil. The update is a single statement so concurrent failures
	// cannot lose the reached-threshold transition. Callers must invoke it
	// outside any surrounding transaction; it commits regardless of the
	// login outcome.
	RecordFailedAttempt(ctx context.Context, id string, threshold int, lockUntil time.Time) (*LockoutState, error)
	// ClearLock clears the locked flag, lock deadline, and failure counter (lazy unlock).
	ClearLock(ctx context.Context, id string) error
	// ResetFailedAttempts zeroes the failure counter after a successful authentication.
	ResetFailedAttempts(ctx context.Context, id string) error
}
