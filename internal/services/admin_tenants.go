package services

import (
	"context"
	"errors"
	"strings"

	"github.com/clinicore/identity/internal/apperr"
	"github.com/clinicore/identity/internal/auth"
	"github.com/clinicore/identity/internal/db/models"
	"github.com/clinicore/identity/internal/db/repositories"
	"github.com/clinicore/identity/internal/validation"
)

var (
	ErrTenantNotFound = apperr.NotFound("tenant_not_found", "Organization not found")
	ErrSlugTaken      = apperr.Conflict("slug_taken", "An organization with this slug already exists")
)

// TenantInput creates a tenant
type TenantInput struct {
	Slug         string  `json:"slug"`
	Name         string  `json:"name"`
	Plan         string  `json:"plan"`
	LogoURL      *string `json:"logo_url"`
	PrimaryColor *string `json:"primary_color"`
	ContactEmail *string `json:"contact_email"`
	IsActive     *bool   `json:"is_active"`
}

// TenantPatch updates a tenant; nil fields are left unchanged
type TenantPatch struct {
	Slug         *string `json:"slug"`
	Name         *string `json:"name"`
	Plan         *string `json:"plan"`
	LogoURL      *string `json:"logo_url"`
	PrimaryColor *string `json:"primary_color"`
	ContactEmail *string `json:"contact_email"`
}

// TenantQuery filters ListTenants
type TenantQuery struct {
	Search   string
	IsActive *bool
	Page     Page
}

// SMTPInput replaces a tenant's mail override. A nil Password keeps the stored
// one; an empty string clears it.
type SMTPInput struct {
	Enabled   bool    `json:"enabled"`
	Host      string  `json:"host"`
	Port      int     `json:"port"`
	Username  string  `json:"username"`
	Password  *string `json:"password"`
	FromEmail string  `json:"from_email"`
	FromName  string  `json:"from_name"`
	UseTLS    bool    `json:"use_tls"`
	UseSSL    bool    `json:"use_ssl"`
}

// SMTPStatus reports whether a tenant override can be used
type SMTPStatus struct {
	Enabled     bool `json:"enabled"`
	Usable      bool `json:"usable"`
	HasPassword bool `json:"has_password"`
	Decryptable bool `json:"decryptable"`
}

func checkBranding(logoURL, color, contactEmail *string) error {
	if color != nil && *color != "" {
		if err := validation.Check("primary_color", *color, validation.Color); err != nil {
			return err
		}
	}
	if contactEmail != nil && *contactEmail != "" {
		if err := validation.Check("contact_email", *contactEmail, validation.Email...); err != nil {
			return err
		}
	}
	if logoURL != nil && len(*logoURL) > 500 {
		return apperr.InputInvalid("validation_failed", "logo_url: the length must be no more than 500")
	}
	return nil
}

func checkTenantName(name string) error {
	name = strings.TrimSpace(name)
	if name == "" || len(name) > 255 {
		return apperr.InputInvalid("validation_failed", "name: must be between 1 and 255 characters")
	}
	return nil
}

func tenantConflict(err error) error {
	if errors.Is(err, repositories.ErrDuplicate) {
		return ErrSlugTaken
	}
	return err
}

func tenantEvent(sc *auth.SessionContext, action string, t *models.Tenant, details map[string]interface{}) Event {
	return Event{
		Action:     action,
		ActorID:    sc.UserID(),
		ActorEmail: sc.Email(),
		TenantID:   t.ID,
		EntityType: "tenant",
		EntityID:   t.ID,
		Details:    details,
	}
}

// CreateTenant creates an organization
func (s *AdminService) CreateTenant(ctx context.Context, sc *auth.SessionContext, in TenantInput) (*models.Tenant, error) {
	if err := auth.RequireSuperadmin(sc); err != nil {
		return nil, err
	}
	in.Slug = strings.ToLower(strings.TrimSpace(in.Slug))
	if in.Plan == "" {
		in.Plan = models.PlanFree
	}
	if err := validation.Check("slug", in.Slug, validation.Slug...); err != nil {
		return nil, err
	}
	if err := checkTenantName(in.Name); err != nil {
		return nil, err
	}
	if err := validation.Check("plan", in.Plan, validation.Plan); err != nil {
		return nil, err
	}
	if err := checkBranding(in.LogoURL, in.PrimaryColor, in.ContactEmail); err != nil {
		return nil, err
	}

	t := &models.Tenant{
		Slug:         in.Slug,
		Name:         strings.TrimSpace(in.Name),
		Plan:         in.Plan,
		IsActive:     in.IsActive == nil || *in.IsActive,
		LogoURL:      in.LogoURL,
		PrimaryColor: in.PrimaryColor,
		ContactEmail: in.ContactEmail,
	}
	err := s.mutate(ctx, func(r *Repos, batch *AuditBatch) error {
		if err := r.Tenants.Create(ctx, t); err != nil {
			return tenantConflict(err)
		}
		return batch.Emit(ctx, r, tenantEvent(sc, models.ActionTenantCreated, t, map[string]interface{}{
			"slug": t.Slug,
			"plan": t.Plan,
		}))
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

// GetTenant returns a tenant visible to the caller
func (s *AdminService) GetTenant(ctx context.Context, sc *auth.SessionContext, id string) (*models.Tenant, error) {
	if err := auth.RequireAuthenticated(sc); err != nil {
		return nil, err
	}
	if !auth.VerifyTenantAccess(sc, id) {
		return nil, apperr.ErrCrossTenant
	}
	t, err := s.store.Repos().Tenants.GetByID(ctx, id)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	if t == nil {
		return nil, ErrTenantNotFound
	}
	return t, nil
}

// ListTenants lists organizations
func (s *AdminService) ListTenants(ctx context.Context, sc *auth.SessionContext, q TenantQuery) (List[*models.Tenant], error) {
	if err := auth.RequireSuperadmin(sc); err != nil {
		return List[*models.Tenant]{}, err
	}
	page := q.Page.normalize()
	items, total, err := s.store.Repos().Tenants.List(ctx, strings.TrimSpace(q.Search), q.IsActive, page.Limit, page.Offset)
	if err != nil {
		return List[*models.Tenant]{}, apperr.Internal(err)
	}
	return newList(items, total, page), nil
}

// UpdateTenant applies patch. A plan change is also recorded as PLAN_CHANGED.
func (s *AdminService) UpdateTenant(ctx context.Context, sc *auth.SessionContext, id string, patch TenantPatch) (*models.Tenant, error) {
	if err := auth.RequireSuperadmin(sc); err != nil {
		return nil, err
	}
	if patch.Slug != nil {
		slug := strings.ToLower(strings.TrimSpace(*patch.Slug))
		patch.Slug = &slug
		if err := validation.Check("slug", slug, validation.Slug...); err != nil {
			return nil, err
		}
	}
	if patch.Name != nil {
		if err := checkTenantName(*patch.Name); err != nil {
			return nil, err
		}
	}
	if patch.Plan != nil {
		if *patch.Plan == "" {
			return nil, apperr.InputInvalid("validation_failed", "plan: cannot be blank")
		}
		if err := validation.Check("plan", *patch.Plan, validation.Plan); err != nil {
			return nil, err
		}
	}
	if err := checkBranding(patch.LogoURL, patch.PrimaryColor, patch.ContactEmail); err != nil {
		return nil, err
	}

	var t *models.Tenant
	err := s.mutate(ctx, func(r *Repos, batch *AuditBatch) error {
		var err error
		if t, err = r.Tenants.GetByID(ctx, id); err != nil {
			return err
		}
		if t == nil {
			return ErrTenantNotFound
		}
		changed := []string{}
		oldPlan := t.Plan
		if patch.Slug != nil && *patch.Slug != t.Slug {
			t.Slug = *patch.Slug
			changed = append(changed, "slug")
		}
		if patch.Name != nil {
			t.Name = strings.TrimSpace(*patch.Name)
			changed = append(changed, "name")
		}
		if patch.Plan != nil && *patch.Plan != t.Plan {
			t.Plan = *patch.Plan
			changed = append(changed, "plan")
		}
		if patch.LogoURL != nil {
			t.LogoURL = optional(*patch.LogoURL)
			changed = append(changed, "logo_url")
		}
		if patch.PrimaryColor != nil {
			t.PrimaryColor = optional(*patch.PrimaryColor)
			changed = append(changed, "primary_color")
		}
		if patch.ContactEmail != nil {
			t.ContactEmail = optional(*patch.ContactEmail)
			changed = append(changed, "contact_email")
		}
		if err := r.Tenants.Update(ctx, t); err != nil {
			return tenantConflict(err)
		}
		if err := batch.Emit(ctx, r, tenantEvent(sc, models.ActionTenantUpdated, t, map[string]interface{}{"changed": changed})); err != nil {
			return err
		}
		if t.Plan != oldPlan {
			return batch.Emit(ctx, r, tenantEvent(sc, models.ActionPlanChanged, t, map[string]interface{}{
				"from": oldPlan,
				"to":   t.Plan,
			}))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

// SetTenantActive suspends or reactivates a tenant. Sessions bound to a
// suspended tenant are refused on their next request.
func (s *AdminService) SetTenantActive(ctx context.Context, sc *auth.SessionContext, id string, active bool) (*models.Tenant, error) {
	if err := auth.RequireSuperadmin(sc); err != nil {
		return nil, err
	}
	action := models.ActionTenantSuspended
	if active {
		action = models.ActionTenantActivated
	}
	var t *models.Tenant
	err := s.mutate(ctx, func(r *Repos, batch *AuditBatch) error {
		var err error
		if t, err = r.Tenants.GetByID(ctx, id); err != nil {
			return err
		}
		if t == nil {
			return ErrTenantNotFound
		}
		if err := r.Tenants.SetActive(ctx, id, active); err != nil {
			return err
		}
		t.IsActive = active
		return batch.Emit(ctx, r, tenantEvent(sc, action, t, nil))
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

// DeleteTenant removes a tenant and, by cascade, its memberships
func (s *AdminService) DeleteTenant(ctx context.Context, sc *auth.SessionContext, id string) error {
	if err := auth.RequireSuperadmin(sc); err != nil {
		return err
	}
	return s.mutate(ctx, func(r *Repos, batch *AuditBatch) error {
		t, err := r.Tenants.GetByID(ctx, id)
		if err != nil {
			return err
		}
		if t == nil {
			return ErrTenantNotFound
		}
		if err := r.Tenants.Delete(ctx, id); err != nil {
			return err
		}
		ev := tenantEvent(sc, models.ActionTenantDeleted, t, map[string]interface{}{"slug": t.Slug, "name": t.Name})
		// the row is gone; keep the id in the entity fields only
		ev.TenantID = ""
		return batch.Emit(ctx, r, ev)
	})
}

// SetTenantSMTP replaces the tenant's mail override, sealing the password
func (s *AdminService) SetTenantSMTP(ctx context.Context, sc *auth.SessionContext, id string, in SMTPInput) (*SMTPStatus, error) {
	if err := auth.RequireSuperadmin(sc); err != nil {
		return nil, err
	}
	if in.Enabled {
		if strings.TrimSpace(in.Host) == "" {
			return nil, apperr.InputInvalid("validation_failed", "host: cannot be blank")
		}
		if err := validation.Check("from_email", in.FromEmail, validation.Email...); err != nil {
			return nil, err
		}
	}
	if in.Port < 0 || in.Port > 65535 {
		return nil, apperr.InputInvalid("validation_failed", "port: must be between 0 and 65535")
	}

	var settings models.SMTPSettings
	err := s.mutate(ctx, func(r *Repos, batch *AuditBatch) error {
		t, err := r.Tenants.GetByID(ctx, id)
		if err != nil {
			return err
		}
		if t == nil {
			return ErrTenantNotFound
		}
		settings = models.SMTPSettings{
			Enabled:           in.Enabled,
			Host:              optional(strings.TrimSpace(in.Host)),
			Username:          optional(in.Username),
			PasswordEncrypted: t.PasswordEncrypted,
			FromEmail:         optional(in.FromEmail),
			FromName:          optional(in.FromName),
			UseTLS:            in.UseTLS,
			UseSSL:            in.UseSSL,
		}
		if in.Port > 0 {
			port := in.Port
			settings.Port = &port
		}
		passwordChanged := false
		if in.Password != nil {
			passwordChanged = true
			settings.PasswordEncrypted = nil
			if *in.Password != "" {
				sealed, err := s.cipher.Seal(*in.Password)
				if err != nil {
					return err
				}
				settings.PasswordEncrypted = &sealed
			}
		}
		if err := r.Tenants.UpdateSMTP(ctx, id, settings); err != nil {
			return err
		}
		return batch.Emit(ctx, r, tenantEvent(sc, models.ActionSystemConfigChanged, t, map[string]interface{}{
			"event":            "smtp_updated",
			"enabled":          in.Enabled,
			"password_changed": passwordChanged,
		}))
	})
	if err != nil {
		return nil, err
	}
	return &SMTPStatus{
		Enabled:     settings.Enabled,
		Usable:      settings.Usable(),
		HasPassword: settings.HasPassword(),
		Decryptable: settings.HasPassword(),
	}, nil
}

// TestTenantSMTP checks that the stored override can be used. A password that
// fails authenticated decryption is reported as tampered and audited.
func (s *AdminService) TestTenantSMTP(ctx context.Context, sc *auth.SessionContext, id string) (*SMTPStatus, error) {
	if err := auth.RequireSuperadmin(sc); err != nil {
		return nil, err
	}
	t, err := s.store.Repos().Tenants.GetByID(ctx, id)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	if t == nil {
		return nil, ErrTenantNotFound
	}
	status := &SMTPStatus{
		Enabled:     t.Enabled,
		Usable:      t.Usable(),
		HasPassword: t.HasPassword(),
	}
	if t.HasPassword() {
		if _, err := s.cipher.Open(*t.PasswordEncrypted); err != nil {
			s.audit.SMTPTampered(ctx, t.ID, err)
			return nil, apperr.ConfigTampered(err)
		}
		status.Decryptable = true
	}
	return status, nil
}

// SMTPTampered records a tenant SMTP password that failed decryption. It has
// the shape of notify.TamperHandler.
func (e *AuditEmitter) SMTPTampered(ctx context.Context, tenantID string, err error) {
	e.EmitBestEffort(ctx, Event{
		Action:     models.ActionSystemConfigChanged,
		Category:   models.CategorySystem,
		TenantID:   tenantID,
		EntityType: "tenant",
		EntityID:   tenantID,
		Details: map[string]interface{}{
			"event": "smtp_config_tampered",
			"error": err.Error(),
		},
	})
}
