// Package domain contains core domain types for the perfumaria back office.
package domain

import (
	"time"
)

// Role is the authorization role carried by an authenticated user.
type Role string

const (
	// RoleCustomer is a storefront customer.
	RoleCustomer Role = "customer"
	// RoleAdmin can operate the back office (moderation queue, session listing).
	RoleAdmin Role = "admin"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleCustomer || r == RoleAdmin
}

// User represents an authenticated storefront user known to the back office.
type User struct {
	UserID     string    `json:"user_id"`
	Username   string    `json:"username"`
	Role       Role      `json:"role"`
	LastSeenAt time.Time `json:"last_seen_at"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// IsAdmin returns true if the user holds the admin role.
func (u *User) IsAdmin() bool {
	return u != nil && u.Role == RoleAdmin
}

// IdleFor returns how long the user has been inactive.
// Returns 0 if the user was seen in the future relative to now.
func (u *User) IdleFor(now time.Time) time.Duration {
	idle := now.Sub(u.LastSeenAt)
	if idle < 0 {
		return 0
	}
	return idle
}
