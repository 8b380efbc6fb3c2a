// Package models - tenant.go defines the Tenant (clinic organization) with its
// branding and optional per-tenant SMTP override.
package models

import "time"

// Tenant plans
const (
	PlanFree         = "free"
	PlanBasic        = "basic"
	PlanProfessional = "professional"
	PlanEnterprise   = "enterprise"
)

// ValidPlans lists the accepted plan values
func ValidPlans() []string {
	return []string{PlanFree, PlanBasic, PlanProfessional, PlanEnterprise}
}

// Tenant represents an organization
type Tenant struct {
	ID           string  `db:"id" json:"id"`
	Slug         string  `db:"slug" json:"slug"`
	Name         string  `db:"name" json:"name"`
	IsActive     bool    `db:"is_active" json:"is_active"`
	Plan         string  `db:"plan" json:"plan"`
	LogoURL      *string `db:"logo_url" json:"logo_url,omitempty"`
	PrimaryColor *string `db:"primary_color" json:"primary_color,omitempty"`
	ContactEmail *string `db:"contact_email" json:"contact_email,omitempty"`
	SMTPSettings `json:"smtp"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time `db:"updated_at" json:"updated_at"`
}

// SMTPSettings is a tenant's outbound mail override. The password is stored
// sealed and never serialized.
type SMTPSettings struct {
	Enabled           bool    `db:"smtp_enabled" json:"enabled"`
	Host              *string `db:"smtp_host" json:"host,omitempty"`
	Port              *int    `db:"smtp_port" json:"port,omitempty"`
	Username          *string `db:"smtp_username" json:"username,omitempty"`
	PasswordEncrypted *string `db:"smtp_password_encrypted" json:"-"`
	FromEmail         *string `db:"smtp_from_email" json:"from_email,omitempty"`
	FromName          *string `db:"smtp_from_name" json:"from_name,omitempty"`
	UseTLS            bool    `db:"smtp_use_tls" json:"use_tls"`
	UseSSL            bool    `db:"smtp_use_ssl" json:"use_ssl"`
}

// Usable reports whether the override has enough settings to send mail
func (s SMTPSettings) Usable() bool {
	return s.Enabled && s.Host != nil && *s.Host != "" && s.FromEmail != nil && *s.FromEmail != ""
}

// HasPassword reports whether a sealed password is stored
func (s SMTPSettings) HasPassword() bool {
	return s.PasswordEncrypted != nil && *s.PasswordEncrypted != ""
}
