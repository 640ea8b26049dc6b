// Package domain defines the profile read model mirrored from auth events.
package domain

import "time"

// Profile is the per-account row this service owns. Username and email are
// mirrors of the auth service's state; DisplayName is edited here directly.
type Profile struct {
	AccountID   string
	Username    string
	Email       string
	DisplayName string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}
