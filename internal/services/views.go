package services

import (
	"time"

	"github.com/clinicore/identity/internal/auth"
	"github.com/clinicore/identity/internal/db/models"
)

// UserView is the public part of a user
type UserView struct {
	ID           string     `json:"id"`
	Email        string     `json:"email"`
	FullName     string     `json:"full_name"`
	FirstName    *string    `json:"first_name,omitempty"`
	LastName     *string    `json:"last_name,omitempty"`
	Phone        *string    `json:"phone,omitempty"`
	Locale       *string    `json:"locale,omitempty"`
	IsActive     bool       `json:"is_active"`
	IsSuperadmin bool       `json:"is_superadmin"`
	LastLoginAt  *time.Time `json:"last_login_at,omitempty"`
}

func newUserView(u *models.User) UserView {
	return UserView{
		ID:           u.ID,
		Email:        u.Email,
		FullName:     u.DisplayName(),
		FirstName:    u.FirstName,
		LastName:     u.LastName,
		Phone:        u.Phone,
		Locale:       u.Locale,
		IsActive:     u.IsActive,
		IsSuperadmin: u.IsSuperadmin,
		LastLoginAt:  u.LastLoginAt,
	}
}

// TenantView is the tenant a session is bound to
type TenantView struct {
	ID   string `json:"id"`
	Slug string `json:"slug"`
	Name string `json:"name"`
}

func newTenantView(t auth.TenantSnapshot) *TenantView {
	return &TenantView{ID: t.ID, Slug: t.Slug, Name: t.Name}
}

// TenantOption is one organization a user may select
type TenantOption struct {
	TenantID     string `json:"tenant_id"`
	Slug         string `json:"slug"`
	Name         string `json:"name"`
	Role         string `json:"role"`
	MembershipID string `json:"membership_id"`
	IsDefault    bool   `json:"is_default"`
	IsCurrent    bool   `json:"is_current"`
}

func tenantOptions(ms []*models.MembershipWithTenant, currentTenantID string) []TenantOption {
	out := make([]TenantOption, 0, len(ms))
	for _, m := range ms {
		out = append(out, TenantOption{
			TenantID:     m.TenantID,
			Slug:         m.TenantSlug,
			Name:         m.TenantName,
			Role:         m.Role,
			MembershipID: m.ID,
			IsDefault:    m.IsDefault,
			IsCurrent:    currentTenantID != "" && m.TenantID == currentTenantID,
		})
	}
	return out
}

// TokenResponse is returned by login, tenant selection, switch and refresh
type TokenResponse struct {
	AccessToken             string         `json:"access_token"`
	TokenType               string         `json:"token_type"`
	ExpiresIn               int64          `json:"expires_in"`
	ExpiresAt               time.Time      `json:"expires_at"`
	RequiresTenantSelection bool           `json:"requires_tenant_selection"`
	IsSuperadmin            bool           `json:"is_superadmin"`
	User                    UserView       `json:"user"`
	Tenant                  *TenantView    `json:"tenant"`
	Role                    *string        `json:"role"`
	MembershipID            *string        `json:"membership_id"`
	AvailableTenants        []TenantOption `json:"available_tenants,omitempty"`
}

// MeResponse describes the caller and the current context
type MeResponse struct {
	User         UserView    `json:"user"`
	Tenant       *TenantView `json:"tenant"`
	Role         *string     `json:"role"`
	MembershipID *string     `json:"membership_id"`
	IsSuperadmin bool        `json:"is_superadmin"`
	IsLegacy     bool        `json:"is_legacy,omitempty"`
	IsPending    bool        `json:"requires_tenant_selection"`
}

// Page bounds a listing
type Page struct {
	Limit  int
	Offset int
}

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

func (p Page) normalize() Page {
	if p.Limit <= 0 {
		p.Limit = defaultPageSize
	}
	if p.Limit > maxPageSize {
		p.Limit = maxPageSize
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}

// List is one page of a listing
type List[T any] struct {
	Items  []T `json:"items"`
	Total  int `json:"total"`
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

func newList[T any](items []T, total int, p Page) List[T] {
	if items == nil {
		items = []T{}
	}
	return List[T]{Items: items, Total: total, Limit: p.Limit, Offset: p.Offset}
}
