package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"identity-plane/backend/internal/db"
	"identity-plane/backend/internal/session/domain"
)

const sessionColumns = `id, account_id, active, user_agent, ip_address,
	created_at, expires_at, termination_reason, terminated_at`

type PostgresRepository struct {
	db db.DBTX
}

// NewPostgresRepository returns a session repository that uses the given db for persistence.
func NewPostgresRepository(dbtx db.DBTX) *PostgresRepository {
	return &PostgresRepository{db: dbtx}
}

// WithTx returns a copy bound to tx.
func (r *PostgresRepository) WithTx(tx db.DBTX) Repository {
	return &PostgresRepository{db: tx}
}

func scanSession(row pgx.Row) (*domain.Session, error) {
	var (
		s      domain.Session
		reason *string
	)
	err := row.Scan(&s.ID, &s.AccountID, &s.Active, &s.UserAgent, &s.IPAddress,
		&s.CreatedAt, &s.ExpiresAt, &reason, &s.TerminatedAt)
	if err != nil {
		return nil, err
	}
	if reason != nil {
		s.TerminationReason = domain.TerminationReason(*reason)
	}
	return &s, nil
}

// GetByID returns the session for id, or nil if not found.
// It returns an error only for database failures, not for missing rows.
func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*domain.Session, error) {
	s, err := scanSession(r.db.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return s, nil
}

// ListByAccount returns all sessions of the account, newest first.
func (r *PostgresRepository) ListByAccount(ctx context.Context, accountID string) ([]*domain.Session, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE account_id = $1 ORDER BY created_at DESC`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*domain.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// CreateIfAbsent inserts the session, leaving any existing row (a termination
// tombstone) untouched. Reports whether a row was inserted.
func (r *PostgresRepository) CreateIfAbsent(ctx context.Context, s *domain.Session) (bool, error) {
	var reason *string
	if s.TerminationReason != "" {
		v := string(s.TerminationReason)
		reason = &v
	}
	tag, err := r.db.Exec(ctx, `
		INSERT INTO sessions (id, account_id, active, user_agent, ip_address,
			created_at, expires_at, termination_reason, terminated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO NOTHING`,
		s.ID, s.AccountID, s.Active, s.UserAgent, s.IPAddress,
		s.CreatedAt, s.ExpiresAt, reason, s.TerminatedAt,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// Terminate marks the session inactive iff still active. An unknown session
// yields (false, nil); callers decide whether to write a tombstone.
func (r *PostgresRepository) Terminate(ctx context.Context, id string, reason domain.TerminationReason, at time.Time) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE sessions SET active = FALSE, termination_reason = $2, terminated_at = $3
		WHERE id = $1 AND active = TRUE`,
		id, string(reason), at)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// TerminateAllByAccount ends every active session of the account that was
// created at or before at. Sessions started after the termination instant are
// not its targets, whichever order the events arrive in.
func (r *PostgresRepository) TerminateAllByAccount(ctx context.Context, accountID string, reason domain.TerminationReason, at time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE sessions SET active = FALSE, termination_reason = $2, terminated_at = $3
		WHERE account_id = $1 AND active = TRUE AND created_at <= $3`,
		accountID, string(reason), at)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// RecordAccountTermination remembers a global termination. The latest
// termination wins: an older record is advanced, a newer one is kept, so the
// stored instant always bounds which creations materialize dead.
func (r *PostgresRepository) RecordAccountTermination(ctx context.Context, t *AccountTermination) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO account_terminations (account_id, reason, terminated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (account_id) DO UPDATE
			SET reason = EXCLUDED.reason, terminated_at = EXCLUDED.terminated_at
			WHERE account_terminations.terminated_at < EXCLUDED.terminated_at`,
		t.AccountID, string(t.Reason), t.TerminatedAt)
	return err
}

// GetAccountTermination returns the account's latest global termination record, or nil.
func (r *PostgresRepository) GetAccountTermination(ctx context.Context, accountID string) (*AccountTermination, error) {
	row := r.db.QueryRow(ctx,
		`SELECT account_id, reason, terminated_at FROM account_terminations WHERE account_id = $1`, accountID)
	var (
		t      AccountTermination
		reason string
	)
	if err := row.Scan(&t.AccountID, &reason, &t.TerminatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	t.Reason = domain.TerminationReason(reason)
	return &t, nil
}

// SweepExpired terminates active sessions that outlived their expiry.
func (r *PostgresRepository) SweepExpired(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE sessions SET active = FALSE, termination_reason = $2, terminated_at = $1
		WHERE active = TRUE AND expires_at <= $1`,
		now, string(domain.ReasonExpired))
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
