// Package service maintains the profile mirror from auth events and serves
// profile reads and display-name edits.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"identity-plane/backend/internal/db"
	"identity-plane/backend/internal/event/dedup"
	evdomain "identity-plane/backend/internal/event/domain"
	"identity-plane/backend/internal/profile/domain"
	"identity-plane/backend/internal/profile/repository"
)

// ErrProfileNotFound is returned when no profile exists for the account.
var ErrProfileNotFound = errors.New("profile not found")

// Mirror applies auth events to the profile read model.
type Mirror struct {
	repo  repository.Repository
	guard dedup.Guard
	log   *slog.Logger
}

// NewMirror returns a Mirror over repo, deduplicating through guard.
func NewMirror(repo repository.Repository, guard dedup.Guard, log *slog.Logger) *Mirror {
	return &Mirror{repo: repo, guard: guard, log: log}
}

// ApplyUserCreation creates the profile row for a new account.
func (m *Mirror) ApplyUserCreation(ctx context.Context, ev *evdomain.UserCreation) error {
	err := m.guard.Process(ctx, ev.EventID, ev.OccurredAt, func(ctx context.Context, tx db.DBTX) error {
		return m.repo.WithTx(tx).Create(ctx, &domain.Profile{
			AccountID:   ev.AccountID,
			Username:    ev.Username,
			Email:       ev.Email,
			DisplayName: ev.DisplayName,
		})
	})
	if errors.Is(err, dedup.ErrDuplicate) {
		return nil
	}
	return err
}

// ApplyEmailUpdated mirrors an email change. A missing profile row means the
// creation event has not arrived yet; a stub is written and filled later.
func (m *Mirror) ApplyEmailUpdated(ctx context.Context, ev *evdomain.AccountEmailUpdated) error {
	err := m.guard.Process(ctx, ev.EventID, ev.OccurredAt, func(ctx context.Context, tx db.DBTX) error {
		return m.repo.WithTx(tx).UpsertEmail(ctx, ev.AccountID, ev.Email)
	})
	if errors.Is(err, dedup.ErrDuplicate) {
		return nil
	}
	return err
}

// ApplyUsernameUpdated mirrors a username change, writing a stub if needed.
func (m *Mirror) ApplyUsernameUpdated(ctx context.Context, ev *evdomain.AccountUsernameUpdated) error {
	err := m.guard.Process(ctx, ev.EventID, ev.OccurredAt, func(ctx context.Context, tx db.DBTX) error {
		return m.repo.WithTx(tx).UpsertUsername(ctx, ev.AccountID, ev.Username)
	})
	if errors.Is(err, dedup.ErrDuplicate) {
		return nil
	}
	return err
}

// Get returns the profile or ErrProfileNotFound.
func (m *Mirror) Get(ctx context.Context, accountID string) (*domain.Profile, error) {
	p, err := m.repo.GetByAccountID(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("get profile: %w", err)
	}
	if p == nil {
		return nil, ErrProfileNotFound
	}
	return p, nil
}

// UpdateDisplayName edits the locally owned display name.
func (m *Mirror) UpdateDisplayName(ctx context.Context, accountID, displayName string) error {
	ok, err := m.repo.UpdateDisplayName(ctx, accountID, displayName)
	if err != nil {
		return fmt.Errorf("update display name: %w", err)
	}
	if !ok {
		return ErrProfileNotFound
	}
	return nil
}
