// Package domain defines the events exchanged between the auth service and
// its downstream consumers. Delivery is at-least-once; every event carries a
// unique ID so consumers can deduplicate.
package domain

import (
	"time"

	"github.com/google/uuid"
)

// Topic suffixes. The configured prefix is prepended at wire-up time.
const (
	TopicSessionCreation          = "session-creation"
	TopicSessionTermination       = "session-termination"
	TopicGlobalSessionTermination = "global-session-termination"
	TopicAccountEmailUpdated      = "account-email-updated"
	TopicAccountUsernameUpdated   = "account-username-updated"
	TopicUserCreation             = "user-creation"
)

// Envelope is embedded in every event. EventID is the dedup key.
type Envelope struct {
	EventID    string    `json:"eventId"`
	OccurredAt time.Time `json:"occurredAt"`
}

// NewEnvelope returns an envelope with a fresh ID stamped at now.
func NewEnvelope() Envelope {
	return Envelope{EventID: uuid.New().String(), OccurredAt: time.Now().UTC()}
}

// SessionCreation announces a freshly issued session.
type SessionCreation struct {
	Envelope
	SessionID string    `json:"sessionId"`
	AccountID string    `json:"accountId"`
	UserAgent string    `json:"userAgent,omitempty"`
	IPAddress string    `json:"ipAddress,omitempty"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// SessionTermination announces that one session ended and why.
type SessionTermination struct {
	Envelope
	SessionID string `json:"sessionId"`
	AccountID string `json:"accountId"`
	Reason    string `json:"reason"`
}

// GlobalSessionTermination announces that every session of the account ended.
type GlobalSessionTermination struct {
	Envelope
	AccountID string `json:"accountId"`
	Reason    string `json:"reason"`
}

// AccountEmailUpdated announces a changed (and re-unverified) email address.
type AccountEmailUpdated struct {
	Envelope
	AccountID string `json:"accountId"`
	Email     string `json:"email"`
}

// AccountUsernameUpdated announces a changed username.
type AccountUsernameUpdated struct {
	Envelope
	AccountID string `json:"accountId"`
	Username  string `json:"username"`
}

// UserCreation announces a newly registered account.
type UserCreation struct {
	Envelope
	AccountID   string `json:"accountId"`
	Username    string `json:"username"`
	Email       string `json:"email"`
	DisplayName string `json:"displayName,omitempty"`
}
