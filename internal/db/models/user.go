// Package models - user.go defines the User account: credentials, invitation
// and reset token state, the superadmin flag and the legacy single-tenant
// fields (primary tenant and role) that predate memberships.
package models

import (
	"strings"
	"time"
)

// User represents an account in the identity store
type User struct {
	ID                     string     `db:"id" json:"id"`
	Email                  string     `db:"email" json:"email"`
	PasswordHash           string     `db:"password_hash" json:"-"`
	FirstName              *string    `db:"first_name" json:"first_name,omitempty"`
	LastName               *string    `db:"last_name" json:"last_name,omitempty"`
	FullName               *string    `db:"full_name" json:"full_name,omitempty"`
	Phone                  *string    `db:"phone" json:"phone,omitempty"`
	Locale                 *string    `db:"locale" json:"locale,omitempty"`
	IsActive               bool       `db:"is_active" json:"is_active"`
	IsSuperadmin           bool       `db:"is_superadmin" json:"is_superadmin"`
	PrimaryTenantID        *string    `db:"primary_tenant_id" json:"primary_tenant_id,omitempty"`
	PrimaryRole            *string    `db:"primary_role" json:"primary_role,omitempty"`
	ResetToken             *string    `db:"reset_token" json:"-"`
	ResetTokenExpires      *time.Time `db:"reset_token_expires" json:"-"`
	InvitationToken        *string    `db:"invitation_token" json:"-"`
	InvitationTokenExpires *time.Time `db:"invitation_token_expires" json:"-"`
	InvitedBy              *string    `db:"invited_by" json:"invited_by,omitempty"`
	InvitationAcceptedAt   *time.Time `db:"invitation_accepted_at" json:"invitation_accepted_at,omitempty"`
	LastLoginAt            *time.Time `db:"last_login_at" json:"last_login_at,omitempty"`
	CreatedAt              time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt              time.Time  `db:"updated_at" json:"updated_at"`
}

// NormalizeEmail lowercases and trims an address before any lookup or write
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// DisplayName returns the best human-readable name for the user
func (u *User) DisplayName() string {
	if u.FullName != nil && *u.FullName != "" {
		return *u.FullName
	}
	var parts []string
	if u.FirstName != nil && *u.FirstName != "" {
		parts = append(parts, *u.FirstName)
	}
	if u.LastName != nil && *u.LastName != "" {
		parts = append(parts, *u.LastName)
	}
	if len(parts) > 0 {
		return strings.Join(parts, " ")
	}
	return u.Email
}

// HasPendingInvitation reports whether the user was invited and has not accepted yet
func (u *User) HasPendingInvitation() bool {
	return u.InvitationToken != nil && u.InvitationAcceptedAt == nil
}

// InvitationExpired reports whether the user's invitation token is past its expiry
func (u *User) InvitationExpired(now time.Time) bool {
	return u.InvitationTokenExpires == nil || !now.Before(*u.InvitationTokenExpires)
}

// ResetExpired reports whether the user's reset token is past its expiry
func (u *User) ResetExpired(now time.Time) bool {
	return u.ResetTokenExpires == nil || !now.Before(*u.ResetTokenExpires)
}
