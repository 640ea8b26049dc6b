package repository

import (
	"context"

	"identity-plane/backend/internal/db"
	"identity-plane/backend/internal/profile/domain"
)

// Repository defines persistence for profiles.
//
// The update methods upsert: an update event can outrun the creation event
// for the same account, so a missing row is created with the fields at hand
// rather than dropped.
type Repository interface {
	WithTx(tx db.DBTX) Repository
	GetByAccountID(ctx context.Context, accountID string) (*domain.Profile, error)
	// Create inserts the profile. If an update event already created a stub
	// row for the account, only the fields the stub left blank are filled:
	// the stub carries newer information than the creation event.
	Create(ctx context.Context, p *domain.Profile) error
	// UpsertEmail sets the mirrored email, creating a stub row if needed.
	UpsertEmail(ctx context.Context, accountID, email string) error
	// UpsertUsername sets the mirrored username, creating a stub row if needed.
	UpsertUsername(ctx context.Context, accountID, username string) error
	// UpdateDisplayName edits the locally owned field; reports whether the
	// profile exists.
	UpdateDisplayName(ctx context.Context, accountID, displayName string) (bool, error)
}
