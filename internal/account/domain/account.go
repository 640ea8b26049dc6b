package domain

import (
	"errors"
	"time"
)

// Role is an opaque claim carried on access tokens; this service never
// evaluates permissions from it.
type Role string

const (
	RoleUser       Role = "USER"
	RoleAdmin      Role = "ADMIN"
	RoleSuperAdmin Role = "SUPER_ADMIN"
	RoleSystem     Role = "SYSTEM"
)

// Account is the canonical identity record owned by the authentication
// service. Session and profile services reference its ID without a foreign
// key; convergence happens through the event protocol.
type Account struct {
	ID                  string
	Username            string
	Email               string
	PasswordHash        string
	ProviderID          string // set for OAuth-registered accounts; empty otherwise
	Role                Role
	EmailVerified       bool
	Enabled             bool
	Locked              bool
	LockedUntil         *time.Time
	FailedLoginAttempts int
	Deleted             bool
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// Validate validates the account for persistence. Returns an error describing the first validation failure.
func (a *Account) Validate() error {
	if a.Username == "" {
		return errors.New("username is required")
	}
	if a.Email == "" {
		return errors.New("email is required")
	}
	if a.Role == "" {
		a.Role = RoleUser
	}
	return nil
}

// LockExpired reports whether the account is locked but the lock window has
// passed, meaning a lazy unlock should clear the lock before verification.
func (a *Account) LockExpired(now time.Time) bool {
	return a.Locked && a.LockedUntil != nil && !a.LockedUntil.After(now)
}
