package services

import (
	"context"

	"github.com/clinicore/identity/internal/apperr"
	"github.com/clinicore/identity/internal/auth"
	"github.com/clinicore/identity/internal/db/models"
	"github.com/clinicore/identity/internal/telemetry"
)

// ResolveOptions tunes Resolve
type ResolveOptions struct {
	// AllowPending accepts tokens issued before tenant selection
	AllowPending bool
}

// SessionResolver turns a bearer token into a SessionContext. Every call
// re-reads the user, tenant and membership; nothing is cached.
type SessionResolver struct {
	store Store
	codec *auth.TokenCodec
}

// NewSessionResolver creates a resolver
func NewSessionResolver(store Store, codec *auth.TokenCodec) *SessionResolver {
	return &SessionResolver{store: store, codec: codec}
}

// Resolve validates raw and returns the session it grants
func (r *SessionResolver) Resolve(ctx context.Context, raw string, opts ResolveOptions) (*auth.SessionContext, error) {
	claims, err := r.codec.Decode(raw)
	if err != nil {
		return nil, reject(apperr.ErrTokenInvalid)
	}
	role, hasRole, err := claims.RoleValue()
	if err != nil {
		return nil, reject(apperr.ErrTokenInvalid)
	}

	repos := r.store.Repos()
	user, err := repos.Users.GetByEmail(ctx, claims.Email())
	if err != nil {
		return nil, apperr.Internal(err)
	}
	if user == nil {
		return nil, reject(apperr.ErrNoUser)
	}
	if user.ID != claims.UserID {
		return nil, reject(apperr.ErrTokenInvalid)
	}
	if !user.IsActive {
		return nil, reject(apperr.ErrUserInactive)
	}
	// a promotion or demotion since issue invalidates the token
	if claims.IsSuperadmin != user.IsSuperadmin {
		return nil, reject(apperr.ErrTokenInvalid)
	}

	snapshot := userSnapshot(user)
	if user.IsSuperadmin {
		return auth.NewSessionContext(auth.SessionParams{User: snapshot}), nil
	}

	if claims.IsPending() {
		if !opts.AllowPending {
			return nil, reject(apperr.ErrSelectionRequired)
		}
		return auth.NewSessionContext(auth.SessionParams{User: snapshot, Pending: true}), nil
	}
	if !hasRole || !role.IsMembershipRole() {
		return nil, reject(apperr.ErrTokenInvalid)
	}

	tenantID := deref(claims.TenantID)
	membershipID := deref(claims.MembershipID)
	legacy := claims.IsLegacy()
	if legacy {
		if user.PrimaryTenantID == nil || user.PrimaryRole == nil {
			return nil, reject(apperr.ErrTenantRequired)
		}
		primary, err := auth.ParseMembershipRole(*user.PrimaryRole)
		if err != nil {
			return nil, reject(apperr.ErrTokenInvalid)
		}
		tenantID, role, membershipID = *user.PrimaryTenantID, primary, ""
	}

	tenant, err := repos.Tenants.GetByID(ctx, tenantID)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	if tenant == nil || !tenant.IsActive {
		return nil, reject(apperr.ErrTenantDisabled)
	}

	if membershipID != "" {
		m, err := repos.Memberships.GetByID(ctx, membershipID)
		if err != nil {
			return nil, apperr.Internal(err)
		}
		if m == nil || !m.IsActive || m.UserID != user.ID || m.TenantID != tenant.ID || m.Role != string(role) {
			return nil, reject(apperr.ErrMembershipRevoked)
		}
	}

	return auth.NewSessionContext(auth.SessionParams{
		User:         snapshot,
		Tenant:       tenantSnapshot(tenant),
		Role:         role,
		MembershipID: membershipID,
		Legacy:       legacy,
	}), nil
}

func reject(err *apperr.Error) error {
	telemetry.AuthSessionRejectionsTotal.WithLabelValues(err.Code).Inc()
	return err
}

func userSnapshot(u *models.User) auth.UserSnapshot {
	return auth.UserSnapshot{
		ID:           u.ID,
		Email:        u.Email,
		FullName:     u.DisplayName(),
		IsActive:     u.IsActive,
		IsSuperadmin: u.IsSuperadmin,
	}
}

func tenantSnapshot(t *models.Tenant) *auth.TenantSnapshot {
	return &auth.TenantSnapshot{ID: t.ID, Slug: t.Slug, Name: t.Name, IsActive: t.IsActive}
}
