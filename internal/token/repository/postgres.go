package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"identity-plane/backend/internal/db"
	"identity-plane/backend/internal/token/domain"
)

const tokenColumns = `id, token_hash, token_type, root_token_id, parent_token_id, reused,
	revoked, revoked_at, account_id, session_id, issued_at, expires_at`

type PostgresRepository struct {
	db db.DBTX
}

// NewPostgresRepository returns a token repository that uses the given db for persistence.
func NewPostgresRepository(dbtx db.DBTX) *PostgresRepository {
	return &PostgresRepository{db: dbtx}
}

// GetByHash returns the token whose value hash equals hash, or nil if not found.
// It returns an error only for database failures, not for missing rows.
func (r *PostgresRepository) GetByHash(ctx context.Context, hash string) (*domain.Token, error) {
	row := r.db.QueryRow(ctx, `SELECT `+tokenColumns+` FROM tokens WHERE token_hash = $1`, hash)
	var (
		t       domain.Token
		typ     string
		parent  *string
		session *string
	)
	err := row.Scan(&t.ID, &t.Hash, &typ, &t.RootTokenID, &parent, &t.Reused,
		&t.Revoked, &t.RevokedAt, &t.AccountID, &session, &t.IssuedAt, &t.ExpiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	t.Type = domain.Type(typ)
	if parent != nil {
		t.ParentTokenID = *parent
	}
	if session != nil {
		t.SessionID = *session
	}
	return &t, nil
}

func insertToken(ctx context.Context, dbtx db.DBTX, t *domain.Token) error {
	var parent, session *string
	if t.ParentTokenID != "" {
		parent = &t.ParentTokenID
	}
	if t.SessionID != "" {
		session = &t.SessionID
	}
	_, err := dbtx.Exec(ctx, `
		INSERT INTO tokens (id, token_hash, token_type, root_token_id, parent_token_id, reused,
			revoked, revoked_at, account_id, session_id, issued_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		t.ID, t.Hash, string(t.Type), t.RootTokenID, parent, t.Reused,
		t.Revoked, t.RevokedAt, t.AccountID, session, t.IssuedAt, t.ExpiresAt,
	)
	return err
}

// Create persists the token. The token must have ID, Hash, and RootTokenID set.
func (r *PostgresRepository) Create(ctx context.Context, t *domain.Token) error {
	return insertToken(ctx, r.db, t)
}

// Revoke marks the token revoked iff not yet revoked. The WHERE clause is the
// compare-and-swap: of two racing rotations, exactly one sees RowsAffected==1.
func (r *PostgresRepository) Revoke(ctx context.Context, id string, at time.Time) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE tokens SET revoked = TRUE, revoked_at = $2 WHERE id = $1 AND revoked = FALSE`, id, at)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// RotateChild revokes the parent and inserts child in one transaction, so no
// reader can observe the parent consumed without its successor. A lost
// compare-and-swap rolls back with (false, nil) and the child is not written.
func (r *PostgresRepository) RotateChild(ctx context.Context, parentID string, at time.Time, child *domain.Token) (bool, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`UPDATE tokens SET revoked = TRUE, revoked_at = $2 WHERE id = $1 AND revoked = FALSE`, parentID, at)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() != 1 {
		return false, nil
	}
	if err := insertToken(ctx, tx, child); err != nil {
		return false, err
	}
	return true, tx.Commit(ctx)
}

// RevokeFamily revokes every unrevoked token sharing rootTokenID in one update.
func (r *PostgresRepository) RevokeFamily(ctx context.Context, rootTokenID string, at time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE tokens SET revoked = TRUE, revoked_at = $2 WHERE root_token_id = $1 AND revoked = FALSE`,
		rootTokenID, at)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// MarkReused flags the token as presented after invalidation.
func (r *PostgresRepository) MarkReused(ctx context.Context, id string) error {
	_, err := r.db.Exec(ctx, `UPDATE tokens SET reused = TRUE WHERE id = $1`, id)
	return err
}

// CountActiveInFamily returns how many tokens in the family are still valid at now.
func (r *PostgresRepository) CountActiveInFamily(ctx context.Context, rootTokenID string, now time.Time) (int64, error) {
	row := r.db.QueryRow(ctx,
		`SELECT count(*) FROM tokens WHERE root_token_id = $1 AND revoked = FALSE AND expires_at > $2`,
		rootTokenID, now)
	var n int64
	if err := row.Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// RevokeAllByAccount revokes every unrevoked token owned by the account.
func (r *PostgresRepository) RevokeAllByAccount(ctx context.Context, accountID string, at time.Time) error {
	_, err := r.db.Exec(ctx,
		`UPDATE tokens SET revoked = TRUE, revoked_at = $2 WHERE account_id = $1 AND revoked = FALSE`,
		accountID, at)
	return err
}

// RevokeAllByAccountAndType revokes every unrevoked token of the given type owned by the account.
func (r *PostgresRepository) RevokeAllByAccountAndType(ctx context.Context, accountID string, typ domain.Type, at time.Time) error {
	_, err := r.db.Exec(ctx, `
		UPDATE tokens SET revoked = TRUE, revoked_at = $3
		WHERE account_id = $1 AND token_type = $2 AND revoked = FALSE`,
		accountID, string(typ), at)
	return err
}
