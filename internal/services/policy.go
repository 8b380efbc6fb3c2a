package services

import (
	"time"

	"github.com/clinicore/identity/internal/config"
	"github.com/clinicore/identity/internal/validation"
)

// Policy holds the token lifetimes and password rules shared by the
// invitation and password services
type Policy struct {
	InvitationTTL     time.Duration
	PasswordResetTTL  time.Duration
	MinPasswordLength int
}

// DefaultPolicy is used for zero fields
var DefaultPolicy = Policy{
	InvitationTTL:     72 * time.Hour,
	PasswordResetTTL:  time.Hour,
	MinPasswordLength: 8,
}

// PolicyFromConfig reads the policy from the auth section
func PolicyFromConfig(cfg config.AuthConfig) Policy {
	return Policy{
		InvitationTTL:     cfg.InvitationTTL(),
		PasswordResetTTL:  cfg.PasswordResetTTL(),
		MinPasswordLength: cfg.MinPasswordLength,
	}.withDefaults()
}

func (p Policy) withDefaults() Policy {
	if p.InvitationTTL <= 0 {
		p.InvitationTTL = DefaultPolicy.InvitationTTL
	}
	if p.PasswordResetTTL <= 0 {
		p.PasswordResetTTL = DefaultPolicy.PasswordResetTTL
	}
	if p.MinPasswordLength <= 0 {
		p.MinPasswordLength = DefaultPolicy.MinPasswordLength
	}
	return p
}

func (p Policy) checkPassword(field, password string) error {
	return validation.Check(field, password, validation.NewPassword(p.MinPasswordLength)...)
}

func hours(d time.Duration) int {
	h := int(d / time.Hour)
	if h < 1 {
		return 1
	}
	return h
}
