package repository

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"identity-plane/backend/internal/account/domain"
	"identity-plane/backend/internal/db"
)

const accountColumns = `id, username, email, password_hash, provider_id, role, email_verified,
	enabled, locked, locked_until, failed_login_attempts, deleted, created_at, updated_at`

type PostgresRepository struct {
	db db.DBTX
}

// NewPostgresRepository returns an account repository that uses the given db for persistence.
func NewPostgresRepository(dbtx db.DBTX) *PostgresRepository {
	return &PostgresRepository{db: dbtx}
}

// GetByID returns the account for id, or nil if not found.
// It returns an error only for database failures, not for missing rows.
func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*domain.Account, error) {
	return r.get(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id)
}

// GetByIdentifier returns the account whose username or email equals identifier, or nil if not found.
func (r *PostgresRepository) GetByIdentifier(ctx context.Context, identifier string) (*domain.Account, error) {
	return r.get(ctx, `SELECT `+accountColumns+` FROM accounts WHERE username = $1 OR email = $1`, identifier)
}

// GetByEmail returns the account for email, or nil if not found.
func (r *PostgresRepository) GetByEmail(ctx context.Context, email string) (*domain.Account, error) {
	return r.get(ctx, `SELECT `+accountColumns+` FROM accounts WHERE email = $1`, email)
}

// GetByUsername returns the account for username, or nil if not found.
func (r *PostgresRepository) GetByUsername(ctx context.Context, username string) (*domain.Account, error) {
	return r.get(ctx, `SELECT `+accountColumns+` FROM accounts WHERE username = $1`, username)
}

// Create persists the account. The account must have ID set. Returns
// ErrDuplicateUsername or ErrDuplicateEmail on uniqueness violations.
func (r *PostgresRepository) Create(ctx context.Context, a *domain.Account) error {
	var providerID *string
	if a.ProviderID != "" {
		providerID = &a.ProviderID
	}
	_, err := r.db.Exec(ctx, `
		INSERT INTO accounts (id, username, email, password_hash, provider_id, role, email_verified,
			enabled, locked, locked_until, failed_login_attempts, deleted, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		a.ID, a.Username, a.Email, a.PasswordHash, providerID, string(a.Role), a.EmailVerified,
		a.Enabled, a.Locked, a.LockedUntil, a.FailedLoginAttempts, a.Deleted, a.CreatedAt, a.UpdatedAt,
	)
	return mapUniqueViolation(err)
}

// UpdatePasswordHash updates the password hash for the account with the given id.
func (r *PostgresRepository) UpdatePasswordHash(ctx context.Context, id, passwordHash string) error {
	_, err := r.db.Exec(ctx,
		`UPDATE accounts SET password_hash = $2, updated_at = now() WHERE id = $1`, id, passwordHash)
	return err
}

// UpdateEmail sets a new email and clears the verified flag. Returns
// ErrDuplicateEmail when another account owns the email.
func (r *PostgresRepository) UpdateEmail(ctx context.Context, id, email string) error {
	_, err := r.db.Exec(ctx,
		`UPDATE accounts SET email = $2, email_verified = FALSE, updated_at = now() WHERE id = $1`, id, email)
	return mapUniqueViolation(err)
}

// UpdateUsername sets a new username. Returns ErrDuplicateUsername when taken.
func (r *PostgresRepository) UpdateUsername(ctx context.Context, id, username string) error {
	_, err := r.db.Exec(ctx,
		`UPDATE accounts SET username = $2, updated_at = now() WHERE id = $1`, id, username)
	return mapUniqueViolation(err)
}

// SetEmailVerified marks the account's email as verified.
func (r *PostgresRepository) SetEmailVerified(ctx context.Context, id string) error {
	_, err := r.db.Exec(ctx,
		`UPDATE accounts SET email_verified = TRUE, updated_at = now() WHERE id = $1`, id)
	return err
}

// SetDeleted soft-deletes or restores the account.
func (r *PostgresRepository) SetDeleted(ctx context.Context, id string, deleted bool) error {
	_, err := r.db.Exec(ctx,
		`UPDATE accounts SET deleted = $2, updated_at = now() WHERE id = $1`, id, deleted)
	return err
}

// RecordFailedAttempt increments the failure counter and transitions to locked
// when the counter reaches threshold, all in one statement so racing callers
// cannot lose the transition. Runs against the pool, never a caller's
// transaction, so the recorded failure survives the failing login request.
func (r *PostgresRepository) RecordFailedAttempt(ctx context.Context, id string, threshold int, lockUntil time.Time) (*LockoutState, error) {
	row := r.db.QueryRow(ctx, `
		UPDATE accounts
		SET failed_login_attempts = failed_login_attempts + 1,
			locked = (failed_login_attempts + 1 >= $2),
			locked_until = CASE WHEN failed_login_attempts + 1 >= $2 THEN $3 ELSE locked_until END,
			updated_at = now()
		WHERE id = $1
		RETURNING failed_login_attempts, locked, locked_until`,
		id, threshold, lockUntil,
	)
	var state LockoutState
	if err := row.Scan(&state.FailedAttempts, &state.Locked, &state.LockedUntil); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &state, nil
}

// ClearLock clears the lock flag, deadline, and failure counter (lazy unlock).
func (r *PostgresRepository) ClearLock(ctx context.Context, id string) error {
	_, err := r.db.Exec(ctx, `
		UPDATE accounts
		SET locked = FALSE, locked_until = NULL, failed_login_attempts = 0, updated_at = now()
		WHERE id = $1`, id)
	return err
}

// ResetFailedAttempts zeroes the failure counter after a successful authentication.
func (r *PostgresRepository) ResetFailedAttempts(ctx context.Context, id string) error {
	_, err := r.db.Exec(ctx,
		`UPDATE accounts SET failed_login_attempts = 0, updated_at = now() WHERE id = $1`, id)
	return err
}

func (r *PostgresRepository) get(ctx context.Context, query string, args ...any) (*domain.Account, error) {
	row := r.db.QueryRow(ctx, query, args...)
	var (
		a          domain.Account
		providerID *string
		role       string
	)
	err := row.Scan(&a.ID, &a.Username, &a.Email, &a.PasswordHash, &providerID, &role, &a.EmailVerified,
		&a.Enabled, &a.Locked, &a.LockedUntil, &a.FailedLoginAttempts, &a.Deleted, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if providerID != nil {
		a.ProviderID = *providerID
	}
	a.Role = domain.Role(role)
	return &a, nil
}

// mapUniqueViolation translates Postgres unique-constraint errors on the
// accounts table into the repository's sentinel errors.
func mapUniqueViolation(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		switch {
		case strings.Contains(pgErr.ConstraintName, "username"):
			return ErrDuplicateUsername
		case strings.Contains(pgErr.ConstraintName, "email"):
			return ErrDuplicateEmail
		}
	}
	return err
}
