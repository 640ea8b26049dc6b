// Package lockout implements the failed-login lockout policy evaluated by the
// authentication flow.
package lockout

import (
	"context"
	"time"

	"identity-plane/backend/internal/account/domain"
	"identity-plane/backend/internal/account/repository"
)

// AccountStore is the minimal account repository needed by the policy.
// Implementations must run each call as its own committed statement; the
// policy's durability contract (a recorded failure survives a failing login
// request) depends on it.
type AccountStore interface {
	RecordFailedAttempt(ctx context.Context, id string, threshold int, lockUntil time.Time) (*repository.LockoutState, error)
	ClearLock(ctx context.Context, id string) error
	ResetFailedAttempts(ctx context.Context, id string) error
}

// Policy evaluates and updates failed-login state on accounts.
type Policy struct {
	store     AccountStore
	threshold int
	lockFor   time.Duration
}

// NewPolicy returns a Policy that locks an account for lockFor after
// threshold consecutive failures.
func NewPolicy(store AccountStore, threshold int, lockFor time.Duration) *Policy {
	return &Policy{store: store, threshold: threshold, lockFor: lockFor}
}

// RecordFailure durably records one failed login attempt and returns the
// resulting lockout state (nil if the account vanished). When the counter
// reaches the threshold the account is locked until now+lockFor; at least one
// of any set of racing callers observes the transition.
func (p *Policy) RecordFailure(ctx context.Context, accountID string) (*repository.LockoutState, error) {
	return p.store.RecordFailedAttempt(ctx, accountID, p.threshold, time.Now().UTC().Add(p.lockFor))
}

// MaybeUnlock clears an expired lock before credential verification proceeds
// (lazy expiry; there is no background sweeper). Returns true if the lock was
// cleared. The passed account is updated in place so the caller sees the
// unlocked state.
func (p *Policy) MaybeUnlock(ctx context.Context, a *domain.Account) (bool, error) {
	if !a.LockExpired(time.Now().UTC()) {
		return false, nil
	}
	if err := p.store.ClearLock(ctx, a.ID); err != nil {
		return false, err
	}
	a.Locked = false
	a.LockedUntil = nil
	a.FailedLoginAttempts = 0
	return true, nil
}

// RecordSuccess resets the failure counter after a successful authentication.
func (p *Policy) RecordSuccess(ctx context.Context, accountID string) error {
	return p.store.ResetFailedAttempts(ctx, accountID)
}
