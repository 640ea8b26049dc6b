// Package service implements the token ledger: issuance, rotation with reuse
// detection, and revocation of refresh, verification, and reset tokens.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"identity-plane/backend/internal/security"
	"identity-plane/backend/internal/token/domain"
	"identity-plane/backend/internal/token/repository"
)

// Sentinel errors for the token ledger; callers map them to transport codes.
var (
	ErrTokenNotFound = errors.New("token not found")
	ErrInvalidToken  = errors.New("invalid or expired token")
	// ErrTokenReuseDetected is returned when an already-invalidated refresh
	// token is presented while its family is still active: the theft signal.
	// The whole family is revoked before this is returned.
	ErrTokenReuseDetected = errors.New("token reuse detected; family revoked")
)

// Issued pairs the raw opaque value (returned to the caller exactly once)
// with the persisted token row.
type Issued struct {
	Value string
	Token *domain.Token
}

// Ledger issues, rotates, and revokes tokens.
type Ledger struct {
	repo repository.Repository
}

// NewLedger returns a Ledger backed by repo.
func NewLedger(repo repository.Repository) *Ledger {
	return &Ledger{repo: repo}
}

// Issue creates a token of the given type with a fresh opaque value and no
// parent: for REFRESH this starts a new rotation family rooted at itself.
// sessionID may be empty for non-refresh types.
func (l *Ledger) Issue(ctx context.Context, accountID, sessionID string, typ domain.Type, lifetime time.Duration) (*Issued, error) {
	value, err := security.NewOpaqueValue()
	if err != nil {
		return nil, fmt.Errorf("issue token: %w", err)
	}
	now := time.Now().UTC()
	t := &domain.Token{
		ID:        uuid.New().String(),
		Hash:      security.HashOpaqueValue(value),
		Type:      typ,
		AccountID: accountID,
		SessionID: sessionID,
		IssuedAt:  now,
		ExpiresAt: now.Add(lifetime),
	}
	t.RootTokenID = t.ID
	if err := l.repo.Create(ctx, t); err != nil {
		return nil, fmt.Errorf("issue token: %w", err)
	}
	return &Issued{Value: value, Token: t}, nil
}

// Rotate exchanges a presented refresh token value for a new family member.
//
// Presenting an invalid token that still has an active family is treated as a
// reuse signal: the whole family is revoked and ErrTokenReuseDetected is
// returned. Two rotations racing on the same token are serialized by the
// repository's transactional revoke-and-insert; the loser of that race is a
// second presentation of the same value and unconditionally takes the reuse
// path, which also revokes the winner's freshly minted child.
func (l *Ledger) Rotate(ctx context.Context, presentedValue string, lifetime time.Duration) (*Issued, error) {
	now := time.Now().UTC()
	tok, err := l.repo.GetByHash(ctx, security.HashOpaqueValue(presentedValue))
	if err != nil {
		return nil, fmt.Errorf("rotate: %w", err)
	}
	if tok == nil {
		return nil, ErrTokenNotFound
	}
	if tok.Type != domain.TypeRefresh {
		return nil, ErrInvalidToken
	}

	if !tok.Valid(now) {
		return nil, l.handleReuse(ctx, tok, now)
	}

	value, err := security.NewOpaqueValue()
	if err != nil {
		return nil, fmt.Errorf("rotate: %w", err)
	}
	child := &domain.Token{
		ID:            uuid.New().String(),
		Hash:          security.HashOpaqueValue(value),
		Type:          domain.TypeRefresh,
		RootTokenID:   tok.RootTokenID,
		ParentTokenID: tok.ID,
		AccountID:     tok.AccountID,
		SessionID:     tok.SessionID,
		IssuedAt:      now,
		ExpiresAt:     now.Add(lifetime),
	}
	won, err := l.repo.RotateChild(ctx, tok.ID, now, child)
	if err != nil {
		return nil, fmt.Errorf("rotate: %w", err)
	}
	if !won {
		// A concurrent rotation consumed this token first. Two presentations
		// of one value signal theft no matter what else is still active.
		return nil, l.signalReuse(ctx, tok, now)
	}
	return &Issued{Value: value, Token: child}, nil
}

// handleReuse decides between a plain invalid token (family already fully
// revoked) and a reuse signal (family still active, revoke it all).
func (l *Ledger) handleReuse(ctx context.Context, tok *domain.Token, now time.Time) error {
	active, err := l.repo.CountActiveInFamily(ctx, tok.RootTokenID, now)
	if err != nil {
		return fmt.Errorf("rotate: %w", err)
	}
	if active == 0 {
		return ErrInvalidToken
	}
	return l.signalReuse(ctx, tok, now)
}

// signalReuse revokes the family, flags the presented token, and reports the theft.
func (l *Ledger) signalReuse(ctx context.Context, tok *domain.Token, now time.Time) error {
	if _, err := l.repo.RevokeFamily(ctx, tok.RootTokenID, now); err != nil {
		return fmt.Errorf("revoke family: %w", err)
	}
	if err := l.repo.MarkReused(ctx, tok.ID); err != nil {
		return fmt.Errorf("mark reused: %w", err)
	}
	return ErrTokenReuseDetected
}

// Lookup resolves a presented value to its token row without changing state.
// Callers use it to learn the owning account and session before acting.
func (l *Ledger) Lookup(ctx context.Context, presentedValue string) (*domain.Token, error) {
	tok, err := l.repo.GetByHash(ctx, security.HashOpaqueValue(presentedValue))
	if err != nil {
		return nil, fmt.Errorf("lookup: %w", err)
	}
	if tok == nil {
		return nil, ErrTokenNotFound
	}
	return tok, nil
}

// Consume validates and revokes a one-shot token (email verification or
// password reset). Returns the token on success so the caller can read the
// owning account.
func (l *Ledger) Consume(ctx context.Context, presentedValue string, typ domain.Type) (*domain.Token, error) {
	now := time.Now().UTC()
	tok, err := l.repo.GetByHash(ctx, security.HashOpaqueValue(presentedValue))
	if err != nil {
		return nil, fmt.Errorf("consume: %w", err)
	}
	if tok == nil {
		return nil, ErrTokenNotFound
	}
	if tok.Type != typ || !tok.Valid(now) {
		return nil, ErrInvalidToken
	}
	won, err := l.repo.Revoke(ctx, tok.ID, now)
	if err != nil {
		return nil, fmt.Errorf("consume: %w", err)
	}
	if !won {
		return nil, ErrInvalidToken
	}
	return tok, nil
}

// Revoke marks the refresh token for the presented value revoked and returns
// it. Used on explicit logout. Revoking an already-revoked token is not an
// error; the token is still returned so the caller can terminate its session.
func (l *Ledger) Revoke(ctx context.Context, presentedValue string) (*domain.Token, error) {
	tok, err := l.repo.GetByHash(ctx, security.HashOpaqueValue(presentedValue))
	if err != nil {
		return nil, fmt.Errorf("revoke: %w", err)
	}
	if tok == nil {
		return nil, ErrTokenNotFound
	}
	if _, err := l.repo.Revoke(ctx, tok.ID, time.Now().UTC()); err != nil {
		return nil, fmt.Errorf("revoke: %w", err)
	}
	return tok, nil
}

// RevokeFamily revokes the whole family of the presented token.
func (l *Ledger) RevokeFamily(ctx context.Context, rootTokenID string) error {
	if _, err := l.repo.RevokeFamily(ctx, rootTokenID, time.Now().UTC()); err != nil {
		return fmt.Errorf("revoke family: %w", err)
	}
	return nil
}

// RevokeAllByAccount revokes every outstanding token for the account.
// Used on password change and account deletion cascades.
func (l *Ledger) RevokeAllByAccount(ctx context.Context, accountID string) error {
	return l.repo.RevokeAllByAccount(ctx, accountID, time.Now().UTC())
}

// RevokeAllByAccountAndType revokes every outstanding token of one type for the account.
func (l *Ledger) RevokeAllByAccountAndType(ctx context.Context, accountID string, typ domain.Type) error {
	return l.repo.RevokeAllByAccountAndType(ctx, accountID, typ, time.Now().UTC())
}
