package services

import (
	"context"
	"errors"

	"github.com/clinicore/identity/internal/apperr"
	"github.com/clinicore/identity/internal/auth"
	"github.com/clinicore/identity/internal/db/models"
	"github.com/clinicore/identity/internal/db/repositories"
	"github.com/clinicore/identity/internal/notify"
)

var (
	ErrMembershipMissing    = apperr.NotFound("membership_not_found", "Membership not found")
	ErrMembershipExists     = apperr.Conflict("membership_exists", "The user already belongs to this organization")
	ErrSuperadminMembership = apperr.InputInvalid("superadmin_membership", "Superadmins cannot hold organization memberships")
	ErrMembershipInactive   = apperr.Conflict("membership_inactive", "The membership is not active")
)

// MembershipInput assigns a user to a tenant
type MembershipInput struct {
	UserID    string `json:"user_id"`
	TenantID  string `json:"tenant_id"`
	Role      string `json:"role"`
	IsDefault bool   `json:"is_default"`
}

// MemberQuery filters ListMembers
type MemberQuery struct {
	// AsTenant scopes a superadmin to one tenant; tenant sessions may only repeat their own
	AsTenant string
	// AllTenants lets a superadmin list every tenant's members
	AllTenants      bool
	IncludeInactive bool
	Page            Page
}

func membershipEvent(sc *auth.SessionContext, m *models.Membership, details map[string]interface{}) Event {
	return Event{
		Action:     models.ActionUserUpdated,
		ActorID:    sc.UserID(),
		ActorEmail: sc.Email(),
		TenantID:   m.TenantID,
		EntityType: "membership",
		EntityID:   m.ID,
		Details:    details,
	}
}

func parseRole(raw string) (auth.Role, error) {
	role, err := auth.ParseMembershipRole(raw)
	if err != nil {
		return "", apperr.InputInvalid("invalid_role", "role must be an organization role")
	}
	return role, nil
}

// AssignMembership gives a user direct, active access to a tenant
func (s *AdminService) AssignMembership(ctx context.Context, sc *auth.SessionContext, in MembershipInput) (*models.Membership, error) {
	if err := auth.RequireSuperadmin(sc); err != nil {
		return nil, err
	}
	role, err := parseRole(in.Role)
	if err != nil {
		return nil, err
	}

	var (
		m      *models.Membership
		user   *models.User
		tenant *models.Tenant
	)
	err = s.mutate(ctx, func(r *Repos, batch *AuditBatch) error {
		var err error
		if user, err = r.Users.GetByIDForUpdate(ctx, in.UserID); err != nil {
			return err
		}
		if user == nil {
			return ErrUserNotFound
		}
		if user.IsSuperadmin {
			return ErrSuperadminMembership
		}
		if tenant, err = r.Tenants.GetByID(ctx, in.TenantID); err != nil {
			return err
		}
		if tenant == nil {
			return ErrTenantNotFound
		}
		existing, err := r.Memberships.GetByUserAndTenantForUpdate(ctx, user.ID, tenant.ID)
		if err != nil {
			return err
		}
		if existing != nil {
			return ErrMembershipExists
		}

		inviter := sc.UserID()
		m = &models.Membership{
			UserID:    user.ID,
			TenantID:  tenant.ID,
			Role:      role.String(),
			IsActive:  true,
			JoinedAt:  s.now().UTC(),
			InvitedBy: &inviter,
		}
		if err := r.Memberships.Create(ctx, m); err != nil {
			if errors.Is(err, repositories.ErrDuplicate) {
				return ErrMembershipExists
			}
			return err
		}
		hasDefault, err := r.Memberships.HasDefault(ctx, user.ID)
		if err != nil {
			return err
		}
		if in.IsDefault || !hasDefault {
			if err := r.Memberships.SetDefault(ctx, user.ID, m.ID); err != nil {
				return err
			}
			m.IsDefault = true
		}
		return batch.Emit(ctx, r, membershipEvent(sc, m, map[string]interface{}{
			"membership": "assigned",
			"user_id":    user.ID,
			"role":       m.Role,
		}))
	})
	if err != nil {
		return nil, err
	}

	s.mail.sendAsync(ctx, notify.Intent{
		Template: notify.TemplateTenantAssignment,
		To:       user.Email,
		TenantID: tenant.ID,
		Data: map[string]interface{}{
			"Name":       user.DisplayName(),
			"TenantName": tenant.Name,
			"Role":       m.Role,
			"LoginURL":   s.mail.loginURL(),
		},
	})
	return m, nil
}

// loadMembership returns ErrMembershipMissing for an unknown id
func (s *AdminService) loadMembership(ctx context.Context, r *Repos, id string) (*models.Membership, error) {
	m, err := r.Memberships.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, ErrMembershipMissing
	}
	return m, nil
}

// UpdateMembershipRole changes a membership's role. Tokens minted with the old
// role are refused on their next request.
func (s *AdminService) UpdateMembershipRole(ctx context.Context, sc *auth.SessionContext, id, rawRole string) (*models.Membership, error) {
	if err := auth.RequireSuperadmin(sc); err != nil {
		return nil, err
	}
	role, err := parseRole(rawRole)
	if err != nil {
		return nil, err
	}
	var m *models.Membership
	err = s.mutate(ctx, func(r *Repos, batch *AuditBatch) error {
		var err error
		if m, err = s.loadMembership(ctx, r, id); err != nil {
			return err
		}
		from := m.Role
		if err := r.Memberships.UpdateRole(ctx, id, role.String()); err != nil {
			return err
		}
		m.Role = role.String()
		return batch.Emit(ctx, r, membershipEvent(sc, m, map[string]interface{}{
			"membership": "role_changed",
			"from":       from,
			"to":         m.Role,
		}))
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

// SetDefaultMembership makes an active membership the user's default
func (s *AdminService) SetDefaultMembership(ctx context.Context, sc *auth.SessionContext, id string) (*models.Membership, error) {
	if err := auth.RequireSuperadmin(sc); err != nil {
		return nil, err
	}
	var m *models.Membership
	err := s.mutate(ctx, func(r *Repos, batch *AuditBatch) error {
		var err error
		if m, err = s.loadMembership(ctx, r, id); err != nil {
			return err
		}
		if !m.IsActive {
			return ErrMembershipInactive
		}
		if err := r.Memberships.SetDefault(ctx, m.UserID, m.ID); err != nil {
			return err
		}
		m.IsDefault = true
		return batch.Emit(ctx, r, membershipEvent(sc, m, map[string]interface{}{"membership": "default_set"}))
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

// DeactivateMembership revokes a membership without deleting it
func (s *AdminService) DeactivateMembership(ctx context.Context, sc *auth.SessionContext, id string) (*models.Membership, error) {
	if err := auth.RequireSuperadmin(sc); err != nil {
		return nil, err
	}
	var m *models.Membership
	err := s.mutate(ctx, func(r *Repos, batch *AuditBatch) error {
		var err error
		if m, err = s.loadMembership(ctx, r, id); err != nil {
			return err
		}
		if err := r.Memberships.Deactivate(ctx, id); err != nil {
			return err
		}
		m.IsActive = false
		m.IsDefault = false
		return batch.Emit(ctx, r, membershipEvent(sc, m, map[string]interface{}{"membership": "deactivated"}))
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

// ListMembers lists memberships of the caller's tenant. Superadmins name a
// tenant with AsTenant or ask for all tenants explicitly.
func (s *AdminService) ListMembers(ctx context.Context, sc *auth.SessionContext, q MemberQuery) (List[*models.MembershipWithUser], error) {
	if sc != nil && !sc.IsSuperadmin() {
		if err := auth.RequireTenantMember(sc); err != nil {
			return List[*models.MembershipWithUser]{}, err
		}
	}
	filter, err := auth.FilterByTenant(sc, auth.WithAsTenant(q.AsTenant), auth.WithSuperadminBypass(q.AllTenants))
	if err != nil {
		return List[*models.MembershipWithUser]{}, err
	}
	page := q.Page.normalize()
	items, total, err := s.store.Repos().Memberships.ListByTenant(ctx, filter, q.IncludeInactive, page.Limit, page.Offset)
	if err != nil {
		return List[*models.MembershipWithUser]{}, apperr.Internal(err)
	}
	return newList(items, total, page), nil
}

// ListUserMemberships lists every membership of a user
func (s *AdminService) ListUserMemberships(ctx context.Context, sc *auth.SessionContext, userID string) ([]*models.MembershipWithTenant, error) {
	if err := auth.RequireSuperadmin(sc); err != nil {
		return nil, err
	}
	ms, err := s.store.Repos().Memberships.ListForUser(ctx, userID)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	if ms == nil {
		ms = []*models.MembershipWithTenant{}
	}
	return ms, nil
}
