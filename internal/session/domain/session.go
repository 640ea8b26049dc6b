// Package domain defines the session ledger's view of a session. The ledger
// is a read model maintained from auth events; it never issues credentials.
package domain

import "time"

// TerminationReason records why a session ended.
type TerminationReason string

const (
	ReasonLogout          TerminationReason = "LOGOUT"
	ReasonGlobalLogout    TerminationReason = "GLOBAL_LOGOUT"
	ReasonExpired         TerminationReason = "EXPIRED"
	ReasonRevoked         TerminationReason = "REVOKED"
	ReasonPasswordChanged TerminationReason = "PASSWORD_CHANGED"
	ReasonAccountDeleted  TerminationReason = "ACCOUNT_DELETED"
	ReasonAdminTerminated TerminationReason = "ADMIN_TERMINATED"
)

// Session is one ledger row. A terminated session keeps its row as a
// tombstone: late-arriving creation events for it must not resurrect it.
type Session struct {
	ID                string
	AccountID         string
	Active            bool
	UserAgent         string
	IPAddress         string
	CreatedAt         time.Time
	ExpiresAt         time.Time
	TerminationReason TerminationReason // empty while active
	TerminatedAt      *time.Time
}

// Expired reports whether the session outlived its lifetime.
func (s *Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.After(now)
}
