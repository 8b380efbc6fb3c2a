package services

import (
	"context"
	"sync"
	"time"

	"github.com/clinicore/identity/internal/apperr"
	"github.com/clinicore/identity/internal/auth"
	"github.com/clinicore/identity/internal/crypto"
	"github.com/clinicore/identity/internal/db/models"
	"github.com/clinicore/identity/internal/telemetry"
)

// Login errors
var (
	ErrInvalidCredentials  = apperr.Unauthorized("invalid_credentials", "Incorrect email or password")
	ErrNoAccessibleTenant  = apperr.Forbidden("no_accessible_tenant", "No accessible organization for this account")
	ErrMembershipNotFound  = apperr.Forbidden("membership_not_found", "You do not have access to this organization")
	ErrSelectionNotPending = apperr.Forbidden("selection_not_pending", "An organization is already selected; use switch-tenant")
	ErrSuperadminNoSwitch  = apperr.Forbidden("superadmin_cannot_switch", "Superadmins are not bound to an organization")
)

// LoginService authenticates users and issues session tokens
type LoginService struct {
	store  Store
	codec  *auth.TokenCodec
	hasher *crypto.PasswordHasher
	audit  *AuditEmitter
	now    func() time.Time

	dummyOnce sync.Once
	dummyHash string
}

// NewLoginService creates a login service
func NewLoginService(store Store, codec *auth.TokenCodec, hasher *crypto.PasswordHasher, emitter *AuditEmitter) *LoginService {
	return &LoginService{store: store, codec: codec, hasher: hasher, audit: emitter, now: time.Now}
}

// grant is what a token will carry
type grant struct {
	tenant       *auth.TenantSnapshot
	role         auth.Role
	membershipID string
	pending      bool
	available    []TenantOption
}

// Login checks credentials and issues either a full token or, for users with
// several organizations, a pending token for tenant selection
func (s *LoginService) Login(ctx context.Context, email, password string) (*TokenResponse, error) {
	email = models.NormalizeEmail(email)
	repos := s.store.Repos()

	user, err := repos.Users.GetByEmail(ctx, email)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	if user == nil {
		// keep the unknown-email path as slow as a wrong password
		s.hasher.Verify(password, s.dummy())
		s.loginFailed(ctx, "", email, "invalid_credentials", telemetry.LoginFailed)
		return nil, ErrInvalidCredentials
	}
	if !s.hasher.Verify(password, user.PasswordHash) {
		s.loginFailed(ctx, user.ID, email, "invalid_credentials", telemetry.LoginFailed)
		return nil, ErrInvalidCredentials
	}
	if !user.IsActive {
		s.loginFailed(ctx, user.ID, email, "inactive", telemetry.LoginInactive)
		msg := "Your account has been deactivated"
		if user.HasPendingInvitation() {
			msg = "Your account is pending invitation acceptance"
		}
		return nil, apperr.Unauthorized("user_inactive", msg)
	}

	if user.IsSuperadmin {
		return s.complete(ctx, user, grant{}, map[string]interface{}{"step": "credentials"})
	}

	memberships, err := repos.Memberships.ListActiveForUser(ctx, user.ID)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	switch len(memberships) {
	case 0:
		g, err := s.legacyGrant(ctx, repos, user)
		if err != nil {
			return nil, err
		}
		if g == nil {
			s.loginFailed(ctx, user.ID, email, "no_accessible_tenant", telemetry.LoginNoTenant)
			return nil, ErrNoAccessibleTenant
		}
		return s.complete(ctx, user, *g, map[string]interface{}{"step": "credentials", "legacy": true})
	case 1:
		m := memberships[0]
		role, err := auth.ParseMembershipRole(m.Role)
		if err != nil {
			return nil, apperr.Internal(err)
		}
		return s.complete(ctx, user, grant{
			tenant:       &auth.TenantSnapshot{ID: m.TenantID, Slug: m.TenantSlug, Name: m.TenantName, IsActive: m.TenantIsActive},
			role:         role,
			membershipID: m.ID,
		}, map[string]interface{}{"step": "credentials"})
	default:
		return s.complete(ctx, user, grant{
			pending:   true,
			available: tenantOptions(memberships, ""),
		}, map[string]interface{}{"step": "credentials", "tenant_count": len(memberships)})
	}
}

// legacyGrant falls back to the pre-membership primary tenant. It returns nil
// when that tenant is missing, disabled or the role is unusable.
func (s *LoginService) legacyGrant(ctx context.Context, repos *Repos, user *models.User) (*grant, error) {
	if user.PrimaryTenantID == nil || user.PrimaryRole == nil {
		return nil, nil
	}
	role, err := auth.ParseMembershipRole(*user.PrimaryRole)
	if err != nil {
		return nil, nil
	}
	tenant, err := repos.Tenants.GetByID(ctx, *user.PrimaryTenantID)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	if tenant == nil || !tenant.IsActive {
		return nil, nil
	}
	return &grant{tenant: tenantSnapshot(tenant), role: role}, nil
}

// SelectTenant exchanges a pending session for a full token on tenantID
func (s *LoginService) SelectTenant(ctx context.Context, sc *auth.SessionContext, tenantID string) (*TokenResponse, error) {
	if sc == nil {
		return nil, apperr.ErrTokenInvalid
	}
	if !sc.IsPending() {
		return nil, ErrSelectionNotPending
	}
	return s.bindTenant(ctx, sc, tenantID, models.ActionLoginSuccess, map[string]interface{}{"step": "tenant_selected"})
}

// SwitchTenant re-issues a full session's token on another of the user's tenants
func (s *LoginService) SwitchTenant(ctx context.Context, sc *auth.SessionContext, tenantID string) (*TokenResponse, error) {
	if err := auth.RequireAuthenticated(sc); err != nil {
		return nil, err
	}
	if sc.IsSuperadmin() {
		return nil, ErrSuperadminNoSwitch
	}
	return s.bindTenant(ctx, sc, tenantID, models.ActionTokenRefreshed, map[string]interface{}{
		"reason":      "tenant_switch",
		"from_tenant": sc.TenantID(),
	})
}

func (s *LoginService) bindTenant(ctx context.Context, sc *auth.SessionContext, tenantID, action string, details map[string]interface{}) (*TokenResponse, error) {
	if tenantID == "" {
		return nil, apperr.InputInvalid("tenant_id_required", "tenant_id is required")
	}
	repos := s.store.Repos()
	user, err := repos.Users.GetByID(ctx, sc.UserID())
	if err != nil {
		return nil, apperr.Internal(err)
	}
	if user == nil {
		return nil, apperr.ErrNoUser
	}
	memberships, err := repos.Memberships.ListActiveForUser(ctx, user.ID)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	for _, m := range memberships {
		if m.TenantID != tenantID {
			continue
		}
		role, err := auth.ParseMembershipRole(m.Role)
		if err != nil {
			return nil, apperr.Internal(err)
		}
		g := grant{
			tenant:       &auth.TenantSnapshot{ID: m.TenantID, Slug: m.TenantSlug, Name: m.TenantName, IsActive: m.TenantIsActive},
			role:         role,
			membershipID: m.ID,
		}
		return s.issue(ctx, user, g, action, details, action == models.ActionLoginSuccess)
	}
	return nil, ErrMembershipNotFound
}

// Refresh mints a new token for the same session. The resolver has already
// re-validated tenant and membership. A legacy session stays legacy.
func (s *LoginService) Refresh(ctx context.Context, sc *auth.SessionContext) (*TokenResponse, error) {
	if err := auth.RequireAuthenticated(sc); err != nil {
		return nil, err
	}
	user, err := s.store.Repos().Users.GetByID(ctx, sc.UserID())
	if err != nil {
		return nil, apperr.Internal(err)
	}
	if user == nil {
		return nil, apperr.ErrNoUser
	}
	subject := sc.TokenSubject()
	if sc.IsLegacy() {
		subject.TenantID = ""
	}
	token, expiresAt, err := s.codec.Encode(subject)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	if err := s.audit.Record(ctx, Event{
		Action:     models.ActionTokenRefreshed,
		ActorID:    user.ID,
		ActorEmail: user.Email,
		TenantID:   sc.TenantID(),
		EntityType: "user",
		EntityID:   user.ID,
	}); err != nil {
		return nil, apperr.Internal(err)
	}

	g := grant{role: sc.Role(), membershipID: sc.MembershipID()}
	if t, ok := sc.Tenant(); ok {
		g.tenant = &t
	}
	return s.response(user, g, token, expiresAt, s.codec.TTL()), nil
}

// MyTenants lists the organizations the caller can select
func (s *LoginService) MyTenants(ctx context.Context, sc *auth.SessionContext) ([]TenantOption, error) {
	if sc == nil {
		return nil, apperr.ErrTokenInvalid
	}
	memberships, err := s.store.Repos().Memberships.ListActiveForUser(ctx, sc.UserID())
	if err != nil {
		return nil, apperr.Internal(err)
	}
	return tenantOptions(memberships, sc.TenantID()), nil
}

// Me describes the caller and the current context
func (s *LoginService) Me(ctx context.Context, sc *auth.SessionContext) (*MeResponse, error) {
	if sc == nil {
		return nil, apperr.ErrTokenInvalid
	}
	user, err := s.store.Repos().Users.GetByID(ctx, sc.UserID())
	if err != nil {
		return nil, apperr.Internal(err)
	}
	if user == nil {
		return nil, apperr.ErrNoUser
	}
	resp := &MeResponse{
		User:         newUserView(user),
		IsSuperadmin: sc.IsSuperadmin(),
		IsLegacy:     sc.IsLegacy(),
		IsPending:    sc.IsPending(),
		MembershipID: optional(sc.MembershipID()),
	}
	if !sc.IsPending() {
		resp.Role = optional(sc.Role().String())
	}
	if t, ok := sc.Tenant(); ok {
		resp.Tenant = newTenantView(t)
	}
	return resp, nil
}

// Logout records the logout. Tokens are stateless and expire on their own.
func (s *LoginService) Logout(ctx context.Context, sc *auth.SessionContext) error {
	if sc == nil {
		return apperr.ErrTokenInvalid
	}
	if err := s.audit.Record(ctx, Event{
		Action:     models.ActionLogout,
		ActorID:    sc.UserID(),
		ActorEmail: sc.Email(),
		TenantID:   sc.TenantID(),
		EntityType: "user",
		EntityID:   sc.UserID(),
	}); err != nil {
		return apperr.Internal(err)
	}
	return nil
}

// complete finishes a successful credential check
func (s *LoginService) complete(ctx context.Context, user *models.User, g grant, details map[string]interface{}) (*TokenResponse, error) {
	outcome := telemetry.LoginSuccess
	if g.pending {
		outcome = telemetry.LoginPendingSelection
	}
	resp, err := s.issue(ctx, user, g, models.ActionLoginSuccess, details, true)
	if err != nil {
		return nil, err
	}
	telemetry.AuthLoginsTotal.WithLabelValues(outcome).Inc()
	return resp, nil
}

// issue records the login and mints the token for g
func (s *LoginService) issue(ctx context.Context, user *models.User, g grant, action string, details map[string]interface{}, touchLogin bool) (*TokenResponse, error) {
	now := s.now().UTC()
	ev := Event{
		Action:     action,
		ActorID:    user.ID,
		ActorEmail: user.Email,
		EntityType: "user",
		EntityID:   user.ID,
		Details:    details,
	}
	if g.tenant != nil {
		ev.TenantID = g.tenant.ID
	}

	batch := s.audit.Begin()
	err := s.store.RunInTx(ctx, func(r *Repos) error {
		if touchLogin {
			if err := r.Users.TouchLastLogin(ctx, user.ID, now); err != nil {
				return err
			}
			user.LastLoginAt = &now
		}
		if g.membershipID != "" {
			if err := r.Memberships.TouchLastAccess(ctx, g.membershipID, now); err != nil {
				return err
			}
		}
		return batch.Emit(ctx, r, ev)
	})
	if err != nil {
		return nil, apperr.Internal(err)
	}
	batch.Commit()

	var (
		token     string
		expiresAt time.Time
		ttl       time.Duration
	)
	if g.pending {
		token, expiresAt, err = s.codec.EncodePending(user.ID, user.Email)
		ttl = s.codec.PendingTTL()
	} else {
		subject := auth.TokenSubject{
			UserID:       user.ID,
			Email:        user.Email,
			Role:         g.role,
			MembershipID: g.membershipID,
			IsSuperadmin: user.IsSuperadmin,
		}
		if user.IsSuperadmin {
			subject.Role = auth.RoleSuperadmin
		} else if g.tenant != nil {
			subject.TenantID = g.tenant.ID
		}
		token, expiresAt, err = s.codec.Encode(subject)
		ttl = s.codec.TTL()
	}
	if err != nil {
		return nil, apperr.Internal(err)
	}
	return s.response(user, g, token, expiresAt, ttl), nil
}

func (s *LoginService) response(user *models.User, g grant, token string, expiresAt time.Time, ttl time.Duration) *TokenResponse {
	resp := &TokenResponse{
		AccessToken:             token,
		TokenType:               "bearer",
		ExpiresIn:               int64(ttl.Seconds()),
		ExpiresAt:               expiresAt,
		RequiresTenantSelection: g.pending,
		IsSuperadmin:            user.IsSuperadmin,
		User:                    newUserView(user),
		AvailableTenants:        g.available,
	}
	switch {
	case user.IsSuperadmin:
		resp.Role = optional(auth.RoleSuperadmin.String())
	case !g.pending:
		resp.Role = optional(g.role.String())
		resp.MembershipID = optional(g.membershipID)
		if g.tenant != nil {
			resp.Tenant = newTenantView(*g.tenant)
		}
	}
	return resp
}

func (s *LoginService) loginFailed(ctx context.Context, userID, email, reason, outcome string) {
	telemetry.AuthLoginsTotal.WithLabelValues(outcome).Inc()
	s.audit.EmitBestEffort(ctx, Event{
		Action:     models.ActionLoginFailed,
		ActorID:    userID,
		ActorEmail: email,
		EntityType: "user",
		EntityID:   userID,
		Details:    map[string]interface{}{"reason": reason},
	})
}

// dummy returns a hash verified against when the email is unknown
func (s *LoginService) dummy() string {
	s.dummyOnce.Do(func() {
		h, err := s.hasher.Hash("clinicore-identity-dummy-password")
		if err == nil {
			s.dummyHash = h
		}
	})
	return s.dummyHash
}
