package repository

import (
	"context"
	"time"

	"identity-plane/backend/internal/token/domain"
)

// Repository defines persistence for tokens.
type Repository interface {
	GetByHash(ctx context.Context, hash string) (*domain.Token, error)
	Create(ctx context.Context, t *domain.Token) error
	// Revoke marks the token revoked iff it is not revoked yet and returns
	// whether this caller won. The conditional update is the compare-and-swap
	// that serializes racing rotations of the same token.
	Revoke(ctx context.Context, id string, at time.Time) (bool, error)
	// RotateChild revokes the parent iff it is not revoked yet and, when it
	// wins, inserts child in the same transaction. A loser of the revoke race
	// therefore always observes the winner's child as part of the family.
	RotateChild(ctx context.Context, parentID string, at time.Time, child *domain.Token) (bool, error)
	// RevokeFamily revokes every unrevoked token sharing rootTokenID and
	// returns how many were revoked.
	RevokeFamily(ctx context.Context, rootTokenID string, at time.Time) (int64, error)
	// MarkReused flags the token as having been presented after invalidation.
	MarkReused(ctx context.Context, id string) error
	// CountActiveInFamily returns how many tokens in the family are still valid at now.
	CountActiveInFamily(ctx context.Context, rootTokenID string, now time.Time) (int64, error)
	RevokeAllByAccount(ctx context.Context, accountID string, at time.Time) error
	RevokeAllByAccountAndType(ctx context.Context, accountID string, typ domain.Type, at time.Time) error
}
