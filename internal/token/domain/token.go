package domain

import "time"

// Type discriminates the credential artifacts the ledger issues.
type Type string

const (
	TypeRefresh           Type = "REFRESH"
	TypeEmailVerification Type = "EMAIL_VERIFICATION"
	TypePasswordReset     Type = "PASSWORD_RESET"
)

// Token is one credential artifact. Only the SHA-256 hash of the opaque value
// is persisted; the raw value is returned to the caller once at issuance.
//
// RootTokenID is immutable once set and identifies the whole rotation family;
// ParentTokenID points at the token this one was rotated from (empty for the
// family's first member). Family revocation is a single update keyed on
// RootTokenID, never a tree walk.
type Token struct {
	ID            string
	Hash          string
	Type          Type
	RootTokenID   string
	ParentTokenID string // empty for a family root
	Reused        bool
	Revoked       bool
	RevokedAt     *time.Time
	AccountID     string
	SessionID     string // set for REFRESH tokens; one session per family
	IssuedAt      time.Time
	ExpiresAt     time.Time
}

// Valid reports whether the token is usable: not revoked and not expired.
func (t *Token) Valid(now time.Time) bool {
	return !t.Revoked && t.ExpiresAt.After(now)
}
