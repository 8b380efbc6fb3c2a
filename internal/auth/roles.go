// Package auth - roles.go defines the closed set of roles a session can carry.
// Raw role strings from storage or tokens are converted with ParseRole at the
// boundary; everything past that point compares Role values only.
package auth

import (
	"fmt"
)

// Role is a session or membership role
type Role string

const (
	// RoleSuperadmin is platform-wide and never stored on a membership
	RoleSuperadmin Role = "superadmin"

	// Membership roles
	RoleTenantAdmin   Role = "tenant_admin"
	RoleManager       Role = "manager"
	RoleMedico        Role = "medico"
	RoleCloser        Role = "closer"
	RoleRecepcionista Role = "recepcionista"
	RolePatient       Role = "patient"
)

// MembershipRoles returns the roles a membership may hold
func MembershipRoles() []Role {
	return []Role{
		RoleTenantAdmin,
		RoleManager,
		RoleMedico,
		RoleCloser,
		RoleRecepcionista,
		RolePatient,
	}
}

// AllRoles returns every valid role including superadmin
func AllRoles() []Role {
	return append([]Role{RoleSuperadmin}, MembershipRoles()...)
}

// ParseRole converts s into a Role, rejecting anything outside the closed set
func ParseRole(s string) (Role, error) {
	for _, r := range AllRoles() {
		if string(r) == s {
			return r, nil
		}
	}
	return "", fmt.Errorf("invalid role: %q", s)
}

// ParseMembershipRole is ParseRole restricted to membership roles
func ParseMembershipRole(s string) (Role, error) {
	r, err := ParseRole(s)
	if err != nil {
		return "", err
	}
	if !r.IsMembershipRole() {
		return "", fmt.Errorf("role %q cannot be held by a membership", s)
	}
	return r, nil
}

// IsMembershipRole reports whether r may be stored on a membership
func (r Role) IsMembershipRole() bool {
	for _, m := range MembershipRoles() {
		if r == m {
			return true
		}
	}
	return false
}

// IsStaff reports whether r is a membership role other than patient
func (r Role) IsStaff() bool {
	return r.IsMembershipRole() && r != RolePatient
}

func (r Role) String() string { return string(r) }
