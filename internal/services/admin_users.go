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
	ErrUserNotFound      = apperr.NotFound("user_not_found", "User not found")
	ErrEmailTaken        = apperr.Conflict("email_taken", "An account with this email already exists")
	ErrCannotDeleteSelf  = apperr.Forbidden("cannot_delete_self", "You cannot delete your own account")
	ErrCannotDisableSelf = apperr.Forbidden("cannot_deactivate_self", "You cannot deactivate your own account")
	ErrCannotDemoteSelf  = apperr.Forbidden("cannot_demote_self", "You cannot remove your own superadmin privileges")
	ErrLastSuperadmin    = apperr.Conflict("last_superadmin", "At least one superadmin must remain")
	ErrUserHasMembership = apperr.Conflict("user_has_memberships", "Remove the user's memberships before granting superadmin")
)

// UserInput creates a user
type UserInput struct {
	Email        string `json:"email"`
	Password     string `json:"password"`
	FirstName    string `json:"first_name"`
	LastName     string `json:"last_name"`
	Phone        string `json:"phone"`
	Locale       string `json:"locale"`
	IsSuperadmin bool   `json:"is_superadmin"`
	IsActive     *bool  `json:"is_active"`
}

// UserPatch updates a user; nil fields are left unchanged
type UserPatch struct {
	Email        *string `json:"email"`
	FirstName    *string `json:"first_name"`
	LastName     *string `json:"last_name"`
	Phone        *string `json:"phone"`
	Locale       *string `json:"locale"`
	IsSuperadmin *bool   `json:"is_superadmin"`
}

// UserQuery filters ListUsers
type UserQuery struct {
	Search   string
	IsActive *bool
	TenantID string
	Page     Page
}

// UserDetail is a user with every membership
type UserDetail struct {
	UserView
	PrimaryTenantID *string                        `json:"primary_tenant_id,omitempty"`
	PrimaryRole     *string                        `json:"primary_role,omitempty"`
	PendingInvite   bool                           `json:"pending_invitation"`
	Memberships     []*models.MembershipWithTenant `json:"memberships"`
}

func userEvent(sc *auth.SessionContext, action string, u *models.User, details map[string]interface{}) Event {
	return Event{
		Action:     action,
		ActorID:    sc.UserID(),
		ActorEmail: sc.Email(),
		EntityType: "user",
		EntityID:   u.ID,
		Details:    details,
	}
}

// CreateUser creates an active account with a password
func (s *AdminService) CreateUser(ctx context.Context, sc *auth.SessionContext, in UserInput) (*UserView, error) {
	if err := auth.RequireSuperadmin(sc); err != nil {
		return nil, err
	}
	email := models.NormalizeEmail(in.Email)
	if err := validation.Check("email", email, validation.Email...); err != nil {
		return nil, err
	}
	if err := s.policy.checkPassword("password", in.Password); err != nil {
		return nil, err
	}
	u := &models.User{
		Email:        email,
		IsSuperadmin: in.IsSuperadmin,
		IsActive:     in.IsActive == nil || *in.IsActive,
		Locale:       optional(strings.TrimSpace(in.Locale)),
	}
	if err := applyProfile(u, in.FirstName, in.LastName, in.Phone); err != nil {
		return nil, err
	}
	hash, err := s.hasher.Hash(in.Password)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	u.PasswordHash = hash

	err = s.mutate(ctx, func(r *Repos, batch *AuditBatch) error {
		if err := r.Users.Create(ctx, u); err != nil {
			if errors.Is(err, repositories.ErrDuplicate) {
				return ErrEmailTaken
			}
			return err
		}
		return batch.Emit(ctx, r, userEvent(sc, models.ActionUserCreated, u, map[string]interface{}{
			"email":         u.Email,
			"is_superadmin": u.IsSuperadmin,
		}))
	})
	if err != nil {
		return nil, err
	}
	view := newUserView(u)
	return &view, nil
}

// GetUser returns a user with memberships
func (s *AdminService) GetUser(ctx context.Context, sc *auth.SessionContext, id string) (*UserDetail, error) {
	if err := auth.RequireSuperadmin(sc); err != nil {
		return nil, err
	}
	repos := s.store.Repos()
	u, err := repos.Users.GetByID(ctx, id)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	if u == nil {
		return nil, ErrUserNotFound
	}
	ms, err := repos.Memberships.ListForUser(ctx, id)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	if ms == nil {
		ms = []*models.MembershipWithTenant{}
	}
	return &UserDetail{
		UserView:        newUserView(u),
		PrimaryTenantID: u.PrimaryTenantID,
		PrimaryRole:     u.PrimaryRole,
		PendingInvite:   u.HasPendingInvitation() && !u.IsActive,
		Memberships:     ms,
	}, nil
}

// ListUsers searches users
func (s *AdminService) ListUsers(ctx context.Context, sc *auth.SessionContext, q UserQuery) (List[UserView], error) {
	if err := auth.RequireSuperadmin(sc); err != nil {
		return List[UserView]{}, err
	}
	page := q.Page.normalize()
	filters := repositories.UserFilters{Search: strings.TrimSpace(q.Search), IsActive: q.IsActive}
	if q.TenantID != "" {
		filters.TenantID = &q.TenantID
	}
	users, total, err := s.store.Repos().Users.List(ctx, filters, page.Limit, page.Offset)
	if err != nil {
		return List[UserView]{}, apperr.Internal(err)
	}
	views := make([]UserView, 0, len(users))
	for _, u := range users {
		views = append(views, newUserView(u))
	}
	return newList(views, total, page), nil
}

// UpdateUser applies patch
func (s *AdminService) UpdateUser(ctx context.Context, sc *auth.SessionContext, id string, patch UserPatch) (*UserView, error) {
	if err := auth.RequireSuperadmin(sc); err != nil {
		return nil, err
	}
	if patch.Email != nil {
		email := models.NormalizeEmail(*patch.Email)
		patch.Email = &email
		if err := validation.Check("email", email, validation.Email...); err != nil {
			return nil, err
		}
	}
	if patch.IsSuperadmin != nil && !*patch.IsSuperadmin && id == sc.UserID() {
		return nil, ErrCannotDemoteSelf
	}

	var u *models.User
	err := s.mutate(ctx, func(r *Repos, batch *AuditBatch) error {
		var err error
		if u, err = r.Users.GetByIDForUpdate(ctx, id); err != nil {
			return err
		}
		if u == nil {
			return ErrUserNotFound
		}
		changed := []string{}
		if patch.Email != nil && *patch.Email != u.Email {
			u.Email = *patch.Email
			changed = append(changed, "email")
		}
		first, last, phone := "", "", ""
		if patch.FirstName != nil {
			first = *patch.FirstName
			changed = append(changed, "first_name")
		}
		if patch.LastName != nil {
			last = *patch.LastName
			changed = append(changed, "last_name")
		}
		if patch.Phone != nil {
			if phone = *patch.Phone; phone == "" {
				u.Phone = nil
			}
			changed = append(changed, "phone")
		}
		if err := applyProfile(u, first, last, phone); err != nil {
			return err
		}
		if patch.Locale != nil {
			u.Locale = optional(strings.TrimSpace(*patch.Locale))
			changed = append(changed, "locale")
		}
		if patch.IsSuperadmin != nil && *patch.IsSuperadmin != u.IsSuperadmin {
			if err := s.checkSuperadminChange(ctx, r, u, *patch.IsSuperadmin); err != nil {
				return err
			}
			u.IsSuperadmin = *patch.IsSuperadmin
			changed = append(changed, "is_superadmin")
		}
		if err := r.Users.Update(ctx, u); err != nil {
			if errors.Is(err, repositories.ErrDuplicate) {
				return ErrEmailTaken
			}
			return err
		}
		return batch.Emit(ctx, r, userEvent(sc, models.ActionUserUpdated, u, map[string]interface{}{"changed": changed}))
	})
	if err != nil {
		return nil, err
	}
	view := newUserView(u)
	return &view, nil
}

// checkSuperadminChange keeps superadmins membership-free and at least one
// superadmin in place
func (s *AdminService) checkSuperadminChange(ctx context.Context, r *Repos, u *models.User, promote bool) error {
	if promote {
		ms, err := r.Memberships.ListForUser(ctx, u.ID)
		if err != nil {
			return err
		}
		if len(ms) > 0 {
			return ErrUserHasMembership
		}
		return nil
	}
	n, err := r.Users.CountSuperadmins(ctx)
	if err != nil {
		return err
	}
	if n <= 1 {
		return ErrLastSuperadmin
	}
	return nil
}

// SetUserActive activates or deactivates an account. Existing tokens stop
// working on their next request.
func (s *AdminService) SetUserActive(ctx context.Context, sc *auth.SessionContext, id string, active bool) (*UserView, error) {
	if err := auth.RequireSuperadmin(sc); err != nil {
		return nil, err
	}
	if !active && id == sc.UserID() {
		return nil, ErrCannotDisableSelf
	}
	action := models.ActionUserDeactivated
	if active {
		action = models.ActionUserActivated
	}
	var u *models.User
	err := s.mutate(ctx, func(r *Repos, batch *AuditBatch) error {
		var err error
		if u, err = r.Users.GetByIDForUpdate(ctx, id); err != nil {
			return err
		}
		if u == nil {
			return ErrUserNotFound
		}
		if err := r.Users.SetActive(ctx, id, active); err != nil {
			return err
		}
		u.IsActive = active
		return batch.Emit(ctx, r, userEvent(sc, action, u, nil))
	})
	if err != nil {
		return nil, err
	}
	view := newUserView(u)
	return &view, nil
}

// DeleteUser removes an account
func (s *AdminService) DeleteUser(ctx context.Context, sc *auth.SessionContext, id string) error {
	if err := auth.RequireSuperadmin(sc); err != nil {
		return err
	}
	if id == sc.UserID() {
		return ErrCannotDeleteSelf
	}
	return s.mutate(ctx, func(r *Repos, batch *AuditBatch) error {
		u, err := r.Users.GetByIDForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if u == nil {
			return ErrUserNotFound
		}
		if u.IsSuperadmin {
			if err := s.checkSuperadminChange(ctx, r, u, false); err != nil {
				return err
			}
		}
		if err := r.Users.Delete(ctx, id); err != nil {
			return err
		}
		return batch.Emit(ctx, r, userEvent(sc, models.ActionUserDeleted, u, map[string]interface{}{"email": u.Email}))
	})
}
