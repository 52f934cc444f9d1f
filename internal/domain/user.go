// Package domain contains core domain types for the WhatsApp gateway.
package domain

import (
	"time"
)

// User is the registration record linking an application user to an engine session.
type User struct {
	UserID      string    `json:"user_id"`
	SessionName string    `json:"session_name"`
	State       State     `json:"state"`
	LastSeenAt  time.Time `json:"last_seen_at"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// IdleFor returns how long the session has been without activity.
// Returns 0 if the user was seen in the future (clock skew).
func (u *User) IdleFor(now time.Time) time.Duration {
	idle := now.Sub(u.LastSeenAt)
	if idle < 0 {
		return 0
	}
	return idle
}
