// Package models - membership.go defines the (user, tenant, role) membership
// and the joined views used by login and tenant listings.
package models

import "time"

// Membership binds a user to a tenant with one role
type Membership struct {
	ID                  string     `db:"id" json:"id"`
	UserID              string     `db:"user_id" json:"user_id"`
	TenantID            string     `db:"tenant_id" json:"tenant_id"`
	Role                string     `db:"role" json:"role"`
	IsActive            bool       `db:"is_active" json:"is_active"`
	IsDefault           bool       `db:"is_default" json:"is_default"`
	JoinedAt            time.Time  `db:"joined_at" json:"joined_at"`
	LastAccessAt        *time.Time `db:"last_access_at" json:"last_access_at,omitempty"`
	InvitedBy           *string    `db:"invited_by" json:"invited_by,omitempty"`
	InvitationToken     *string    `db:"invitation_token" json:"-"`
	InvitationExpiresAt *time.Time `db:"invitation_expires_at" json:"invitation_expires_at,omitempty"`
	Notes               *string    `db:"notes" json:"notes,omitempty"`
	CreatedAt           time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt           time.Time  `db:"updated_at" json:"updated_at"`
}

// IsPending reports whether the membership awaits invitation acceptance
func (m *Membership) IsPending() bool {
	return !m.IsActive && m.InvitationToken != nil
}

// MembershipWithTenant is a membership joined with its tenant
type MembershipWithTenant struct {
	Membership
	TenantName     string `db:"tenant_name" json:"tenant_name"`
	TenantSlug     string `db:"tenant_slug" json:"tenant_slug"`
	TenantIsActive bool   `db:"tenant_is_active" json:"tenant_is_active"`
}

// MembershipWithUser is a membership joined with its user, for tenant member listings
type MembershipWithUser struct {
	Membership
	UserEmail    string  `db:"user_email" json:"user_email"`
	UserFullName *string `db:"user_full_name" json:"user_full_name,omitempty"`
	UserIsActive bool    `db:"user_is_active" json:"user_is_active"`
}
