package repository

import (
	"context"

	"identity-plane/backend/internal/audit/domain"
	"identity-plane/backend/internal/db"
)

type PostgresRepository struct {
	db db.DBTX
}

// NewPostgresRepository returns an audit log repository that uses the given db for persistence.
func NewPostgresRepository(dbtx db.DBTX) *PostgresRepository {
	return &PostgresRepository{db: dbtx}
}

// Create persists one audit log entry.
func (r *PostgresRepository) Create(ctx context.Context, a *domain.AuditLog) error {
	var accountID *string
	if a.AccountID != "" {
		accountID = &a.AccountID
	}
	_, err := r.db.Exec(ctx, `
		INSERT INTO audit_logs (id, account_id, action, ip, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		a.ID, accountID, a.Action, a.IP, a.Metadata, a.CreatedAt,
	)
	return err
}

// ListByAccount returns the account's audit entries, newest first.
func (r *PostgresRepository) ListByAccount(ctx context.Context, accountID string, limit, offset int32) ([]*domain.AuditLog, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, COALESCE(account_id, ''), action, ip, metadata, created_at
		FROM audit_logs WHERE account_id = $1
		ORDER BY created_at DESC LIMIT $2 OFFSET $3`,
		accountID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*domain.AuditLog
	for rows.Next() {
		var a domain.AuditLog
		if err := rows.Scan(&a.ID, &a.AccountID, &a.Action, &a.IP, &a.Metadata, &a.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}
