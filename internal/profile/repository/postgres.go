package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"identity-plane/backend/internal/db"
	"identity-plane/backend/internal/profile/domain"
)

type PostgresRepository struct {
	db db.DBTX
}

// NewPostgresRepository returns a profile repository that uses the given db for persistence.
func NewPostgresRepository(dbtx db.DBTX) *PostgresRepository {
	return &PostgresRepository{db: dbtx}
}

// WithTx returns a copy bound to tx.
func (r *PostgresRepository) WithTx(tx db.DBTX) Repository {
	return &PostgresRepository{db: tx}
}

// GetByAccountID returns the profile, or nil if not found.
// It returns an error only for database failures, not for missing rows.
func (r *PostgresRepository) GetByAccountID(ctx context.Context, accountID string) (*domain.Profile, error) {
	row := r.db.QueryRow(ctx, `
		SELECT account_id, username, email, display_name, created_at, updated_at
		FROM profiles WHERE account_id = $1`, accountID)
	var p domain.Profile
	err := row.Scan(&p.AccountID, &p.Username, &p.Email, &p.DisplayName, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &p, nil
}

// Create inserts the profile. An existing row was created by an update event
// that outran this creation; its non-blank fields are newer and win.
func (r *PostgresRepository) Create(ctx context.Context, p *domain.Profile) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO profiles (account_id, username, email, display_name, created_at, updated_at)
		VALUES ($1, $2, $3, $4, now(), now())
		ON CONFLICT (account_id) DO UPDATE SET
			username = CASE WHEN profiles.username = '' THEN EXCLUDED.username ELSE profiles.username END,
			email = CASE WHEN profiles.email = '' THEN EXCLUDED.email ELSE profiles.email END,
			display_name = CASE WHEN profiles.display_name = '' THEN EXCLUDED.display_name ELSE profiles.display_name END,
			updated_at = now()`,
		p.AccountID, p.Username, p.Email, p.DisplayName,
	)
	return err
}

// UpsertEmail mirrors an email change, creating a stub row for an account the
// creation event has not announced yet.
func (r *PostgresRepository) UpsertEmail(ctx context.Context, accountID, email string) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO profiles (account_id, username, email, display_name, created_at, updated_at)
		VALUES ($1, '', $2, '', now(), now())
		ON CONFLICT (account_id) DO UPDATE SET email = EXCLUDED.email, updated_at = now()`,
		accountID, email)
	return err
}

// UpsertUsername mirrors a username change, creating a stub row if needed.
func (r *PostgresRepository) UpsertUsername(ctx context.Context, accountID, username string) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO profiles (account_id, username, email, display_name, created_at, updated_at)
		VALUES ($1, $2, '', '', now(), now())
		ON CONFLICT (account_id) DO UPDATE SET username = EXCLUDED.username, updated_at = now()`,
		accountID, username)
	return err
}

// UpdateDisplayName edits the locally owned display name.
func (r *PostgresRepository) UpdateDisplayName(ctx context.Context, accountID, displayName string) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE profiles SET display_name = $2, updated_at = now() WHERE account_id = $1`,
		accountID, displayName)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}
