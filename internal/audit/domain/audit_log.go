package domain

import "time"

// Actions recorded by the auth service. A denied global logout means a
// revoked or expired token was presented, possibly a replayed leak.
const (
	ActionLoginSuccess       = "login_success"
	ActionLoginFailure       = "login_failure"
	ActionAccountLocked      = "account_locked"
	ActionTokenReuse         = "token_reuse"
	ActionLogout             = "logout"
	ActionGlobalLogout       = "global_logout"
	ActionGlobalLogoutDenied = "global_logout_denied"
	ActionPasswordChange     = "password_change"
	ActionAccountDeleted     = "account_deleted"
)

// AuditLog represents one audit event. AccountID may be empty when the
// account could not be resolved (e.g. login with an unknown identifier).
type AuditLog struct {
	ID        string
	AccountID string
	Action    string
	IP        string
	Metadata  string
	CreatedAt time.Time
}
