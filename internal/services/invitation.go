package services

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/clinicore/identity/internal/apperr"
	"github.com/clinicore/identity/internal/auth"
	"github.com/clinicore/identity/internal/crypto"
	"github.com/clinicore/identity/internal/db/models"
	"github.com/clinicore/identity/internal/db/repositories"
	"github.com/clinicore/identity/internal/notify"
	"github.com/clinicore/identity/internal/safego"
	"github.com/clinicore/identity/internal/validation"
)

// Invitation errors
var (
	ErrInvitationInvalid  = apperr.InvitationInvalid("invitation_invalid", "Invalid invitation")
	ErrInvitationExpired  = apperr.InvitationInvalid("invitation_expired", "This invitation has expired")
	ErrInvitationAccepted = apperr.InvitationInvalid("invitation_already_accepted", "This invitation has already been accepted")
	ErrPasswordRequired   = apperr.InputInvalid("password_required", "A password is required to create the account")
	ErrInvalidPassword    = apperr.Unauthorized("invalid_password", "Incorrect password")
)

// InvitationService issues and redeems invitations
type InvitationService struct {
	store  Store
	hasher *crypto.PasswordHasher
	audit  *AuditEmitter
	mail   *mailDispatcher
	policy Policy
	now    func() time.Time
}

// NewInvitationService creates an invitation service
func NewInvitationService(store Store, hasher *crypto.PasswordHasher, emitter *AuditEmitter, mailer notify.Mailer, frontendURL string, policy Policy) *InvitationService {
	return &InvitationService{
		store:  store,
		hasher: hasher,
		audit:  emitter,
		mail:   newMailDispatcher(mailer, emitter, frontendURL),
		policy: policy.withDefaults(),
		now:    time.Now,
	}
}

// InviteRequest asks for email to join a tenant with role
type InviteRequest struct {
	Email string
	Role  string
	// AsTenant names the target tenant; required for superadmins
	AsTenant  string
	FirstName string
	LastName  string
}

// Invite creates an invitation for a new or existing user. The response is the
// same whatever branch ran, so it cannot be used to probe for accounts.
func (s *InvitationService) Invite(ctx context.Context, sc *auth.SessionContext, req InviteRequest) (Ack, error) {
	if err := auth.RequireTenantAdmin(sc); err != nil {
		return Ack{}, err
	}
	tenantID, err := auth.TargetTenantForWrite(sc, req.AsTenant)
	if err != nil {
		return Ack{}, err
	}
	email := models.NormalizeEmail(req.Email)
	if err := validation.Check("email", email, validation.Email...); err != nil {
		return Ack{}, err
	}
	role, err := auth.ParseMembershipRole(req.Role)
	if err != nil {
		return Ack{}, apperr.InputInvalid("invalid_role", "role must be an organization role")
	}

	tenant, err := s.store.Repos().Tenants.GetByID(ctx, tenantID)
	if err != nil {
		return Ack{}, apperr.Internal(err)
	}
	if tenant == nil {
		return Ack{}, apperr.NotFound("tenant_not_found", "Organization not found")
	}
	if !tenant.IsActive {
		return Ack{}, apperr.ErrTenantDisabled
	}

	inv := invitation{
		sc:        sc,
		tenant:    tenant,
		email:     email,
		role:      role,
		firstName: strings.TrimSpace(req.FirstName),
		lastName:  strings.TrimSpace(req.LastName),
	}
	batch := s.audit.Begin()
	err = s.store.RunInTx(ctx, func(r *Repos) error {
		user, err := r.Users.GetByEmailForUpdate(ctx, email)
		if err != nil {
			return err
		}
		switch {
		case user == nil:
			return s.inviteNewUser(ctx, r, batch, inv)
		case !user.IsActive && user.HasPendingInvitation():
			return s.reissueNewUser(ctx, r, batch, inv, user)
		default:
			return s.inviteExistingUser(ctx, r, batch, inv, user)
		}
	})
	if err != nil {
		if errors.Is(err, repositories.ErrDuplicate) {
			return Ack{}, apperr.Conflict("invitation_conflict", "A concurrent invitation for this email is in progress")
		}
		return Ack{}, asAppErr(err)
	}
	batch.Commit()
	return privacyAck(AckInvitation), nil
}

// invitation carries one Invite call through its branches
type invitation struct {
	sc        *auth.SessionContext
	tenant    *models.Tenant
	email     string
	role      auth.Role
	firstName string
	lastName  string
}

func (inv invitation) event(action, userID string, details map[string]interface{}) Event {
	details["role"] = inv.role.String()
	return Event{
		Action:     action,
		ActorID:    inv.sc.UserID(),
		ActorEmail: inv.sc.Email(),
		TenantID:   inv.tenant.ID,
		EntityType: "user",
		EntityID:   userID,
		Details:    details,
	}
}

func (s *InvitationService) newToken() (string, time.Time, error) {
	token, err := crypto.RandomURLToken(crypto.DefaultTokenBytes)
	if err != nil {
		return "", time.Time{}, err
	}
	return token, s.now().UTC().Add(s.policy.InvitationTTL), nil
}

func (s *InvitationService) inviteNewUser(ctx context.Context, r *Repos, batch *AuditBatch, inv invitation) error {
	token, expires, err := s.newToken()
	if err != nil {
		return err
	}
	inviter := inv.sc.UserID()
	tenantID := inv.tenant.ID
	role := inv.role.String()
	u := &models.User{
		Email:                  inv.email,
		FirstName:              optional(inv.firstName),
		LastName:               optional(inv.lastName),
		IsActive:               false,
		InvitationToken:        &token,
		InvitationTokenExpires: &expires,
		InvitedBy:              &inviter,
		PrimaryTenantID:        &tenantID,
		PrimaryRole:            &role,
	}
	if err := r.Users.Create(ctx, u); err != nil {
		return err
	}
	if err := batch.Emit(ctx, r, inv.event(models.ActionUserCreated, u.ID, map[string]interface{}{"invitation": "issued"})); err != nil {
		return err
	}
	return s.mail.send(ctx, notify.Intent{
		Template: notify.TemplateInviteNewUser,
		To:       inv.email,
		TenantID: tenantID,
		Data: map[string]interface{}{
			"TenantName":   inv.tenant.Name,
			"InviterName":  inv.sc.User().FullName,
			"Role":         role,
			"AcceptURL":    s.mail.acceptURL(token),
			"ExpiresHours": hours(s.policy.InvitationTTL),
		},
	})
}

// reissueNewUser handles a second invitation to an account that never
// accepted the first one. Only the original tenant may re-send it.
func (s *InvitationService) reissueNewUser(ctx context.Context, r *Repos, batch *AuditBatch, inv invitation, u *models.User) error {
	if u.PrimaryTenantID == nil || *u.PrimaryTenantID != inv.tenant.ID {
		return s.suppress(ctx, r, batch, inv, u, "pending_elsewhere")
	}
	token, expires, err := s.newToken()
	if err != nil {
		return err
	}
	role := inv.role.String()
	u.PrimaryRole = &role
	if inv.firstName != "" {
		u.FirstName = &inv.firstName
	}
	if inv.lastName != "" {
		u.LastName = &inv.lastName
	}
	if err := r.Users.Update(ctx, u); err != nil {
		return err
	}
	if err := r.Users.SetInvitationToken(ctx, u.ID, token, expires); err != nil {
		return err
	}
	if err := batch.Emit(ctx, r, inv.event(models.ActionUserUpdated, u.ID, map[string]interface{}{"invitation": "reissued"})); err != nil {
		return err
	}
	return s.mail.send(ctx, notify.Intent{
		Template: notify.TemplateInviteNewUser,
		To:       u.Email,
		TenantID: inv.tenant.ID,
		Data: map[string]interface{}{
			"TenantName":   inv.tenant.Name,
			"InviterName":  inv.sc.User().FullName,
			"Role":         role,
			"AcceptURL":    s.mail.acceptURL(token),
			"ExpiresHours": hours(s.policy.InvitationTTL),
		},
	})
}

func (s *InvitationService) inviteExistingUser(ctx context.Context, r *Repos, batch *AuditBatch, inv invitation, u *models.User) error {
	if u.IsSuperadmin {
		return s.suppress(ctx, r, batch, inv, u, "superadmin")
	}
	existing, err := r.Memberships.GetByUserAndTenantForUpdate(ctx, u.ID, inv.tenant.ID)
	if err != nil {
		return err
	}
	if existing != nil {
		return s.suppress(ctx, r, batch, inv, u, "already_member")
	}

	token, expires, err := s.newToken()
	if err != nil {
		return err
	}
	inviter := inv.sc.UserID()
	m := &models.Membership{
		UserID:              u.ID,
		TenantID:            inv.tenant.ID,
		Role:                inv.role.String(),
		IsActive:            false,
		InvitedBy:           &inviter,
		InvitationToken:     &token,
		InvitationExpiresAt: &expires,
	}
	if err := r.Memberships.Create(ctx, m); err != nil {
		return err
	}
	if err := batch.Emit(ctx, r, inv.event(models.ActionUserUpdated, u.ID, map[string]interface{}{
		"invitation":    "issued",
		"membership_id": m.ID,
	})); err != nil {
		return err
	}
	return s.mail.send(ctx, notify.Intent{
		Template: notify.TemplateInviteExistingUser,
		To:       u.Email,
		TenantID: inv.tenant.ID,
		Data: map[string]interface{}{
			"Name":         u.DisplayName(),
			"TenantName":   inv.tenant.Name,
			"InviterName":  inv.sc.User().FullName,
			"Role":         m.Role,
			"AcceptURL":    s.mail.acceptURL(token),
			"ExpiresHours": hours(s.policy.InvitationTTL),
		},
	})
}

// suppress records an invitation that created nothing
func (s *InvitationService) suppress(ctx context.Context, r *Repos, batch *AuditBatch, inv invitation, u *models.User, reason string) error {
	return batch.Emit(ctx, r, inv.event(models.ActionUserUpdated, u.ID, map[string]interface{}{
		"invitation": "suppressed",
		"reason":     reason,
	}))
}

// InvitationInfo describes an invitation to the acceptance page
type InvitationInfo struct {
	Valid            bool   `json:"valid"`
	IsExistingUser   bool   `json:"is_existing_user,omitempty"`
	TenantName       string `json:"tenant_name,omitempty"`
	Role             string `json:"role,omitempty"`
	InviterName      string `json:"inviter_name,omitempty"`
	UserEmail        string `json:"user_email,omitempty"`
	RequiresPassword bool   `json:"requires_password,omitempty"`
}

// Info describes the invitation behind token. Unknown, expired and accepted
// invitations all report {valid:false}.
func (s *InvitationService) Info(ctx context.Context, token string) (*InvitationInfo, error) {
	invalid := &InvitationInfo{Valid: false}
	if token == "" {
		return invalid, nil
	}
	now := s.now()
	repos := s.store.Repos()

	u, err := repos.Users.GetByInvitationToken(ctx, token)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	if u != nil {
		if u.IsActive || u.InvitationAcceptedAt != nil || u.InvitationExpired(now) || u.PrimaryTenantID == nil {
			return invalid, nil
		}
		tenant, err := repos.Tenants.GetByID(ctx, *u.PrimaryTenantID)
		if err != nil {
			return nil, apperr.Internal(err)
		}
		if tenant == nil || !tenant.IsActive {
			return invalid, nil
		}
		return &InvitationInfo{
			Valid:            true,
			TenantName:       tenant.Name,
			Role:             deref(u.PrimaryRole),
			InviterName:      s.inviterName(ctx, repos, u.InvitedBy),
			UserEmail:        u.Email,
			RequiresPassword: true,
		}, nil
	}

	var info *InvitationInfo
	err = s.store.RunInTx(ctx, func(r *Repos) error {
		m, expiresAt, _, err := findMembershipInvitation(ctx, r, token)
		if err != nil || m == nil || m.IsActive || !now.Before(expiresAt) {
			return err
		}
		tenant, err := r.Tenants.GetByID(ctx, m.TenantID)
		if err != nil || tenant == nil || !tenant.IsActive {
			return err
		}
		invitee, err := r.Users.GetByID(ctx, m.UserID)
		if err != nil || invitee == nil {
			return err
		}
		info = &InvitationInfo{
			Valid:          true,
			IsExistingUser: true,
			TenantName:     tenant.Name,
			Role:           m.Role,
			InviterName:    s.inviterName(ctx, r, m.InvitedBy),
			UserEmail:      invitee.Email,
		}
		return nil
	})
	if err != nil {
		return nil, apperr.Internal(err)
	}
	if info == nil {
		return invalid, nil
	}
	return info, nil
}

func (s *InvitationService) inviterName(ctx context.Context, r *Repos, inviterID *string) string {
	if inviterID == nil {
		return ""
	}
	inviter, err := r.Users.GetByID(ctx, *inviterID)
	if err != nil || inviter == nil {
		return ""
	}
	return inviter.DisplayName()
}

// findMembershipInvitation locks the pending membership for token. Typed
// columns are checked first; rows written before they existed keep the token
// in notes. legacy reports which form matched.
func findMembershipInvitation(ctx context.Context, r *Repos, token string) (m *models.Membership, expiresAt time.Time, legacy bool, err error) {
	m, err = r.Memberships.GetByInvitationTokenForUpdate(ctx, token)
	if err != nil {
		return nil, time.Time{}, false, err
	}
	if m != nil {
		if m.InvitationExpiresAt != nil {
			expiresAt = *m.InvitationExpiresAt
		}
		return m, expiresAt, false, nil
	}

	m, err = r.Memberships.FindByLegacyNotesTokenForUpdate(ctx, token)
	if err != nil || m == nil || m.Notes == nil {
		return nil, time.Time{}, false, err
	}
	inv, ok := models.ParseInvitationNotes(*m.Notes)
	if !ok || inv.Token != token {
		return nil, time.Time{}, false, nil
	}
	return m, inv.ExpiresAt, true, nil
}

// AcceptRequest redeems an invitation
type AcceptRequest struct {
	Token string
	// Password is required for new users and optional (verified) for existing ones
	Password  string
	FirstName string
	LastName  string
	Phone     string
}

// AcceptResult reports the redeemed invitation
type AcceptResult struct {
	Message        string `json:"message"`
	Email          string `json:"email"`
	TenantID       string `json:"tenant_id"`
	TenantName     string `json:"tenant_name"`
	Role           string `json:"role"`
	IsExistingUser bool   `json:"is_existing_user"`
}

// Accept redeems token. New-user invitations activate the account; existing
// user invitations activate the pending membership.
func (s *InvitationService) Accept(ctx context.Context, req AcceptRequest) (*AcceptResult, error) {
	if strings.TrimSpace(req.Token) == "" {
		return nil, ErrInvitationInvalid
	}
	now := s.now().UTC()
	var (
		result  *AcceptResult
		invitee *models.User
		tenant  *models.Tenant
	)
	batch := s.audit.Begin()
	err := s.store.RunInTx(ctx, func(r *Repos) error {
		u, err := r.Users.GetByInvitationTokenForUpdate(ctx, req.Token)
		if err != nil {
			return err
		}
		if u != nil {
			result, tenant, err = s.acceptNewUser(ctx, r, batch, u, req, now)
			invitee = u
			return err
		}

		m, expiresAt, legacy, err := findMembershipInvitation(ctx, r, req.Token)
		if err != nil {
			return err
		}
		if m == nil {
			return ErrInvitationInvalid
		}
		result, invitee, tenant, err = s.acceptMembership(ctx, r, batch, m, expiresAt, legacy, req, now)
		return err
	})
	if err != nil {
		return nil, asAppErr(err)
	}
	batch.Commit()
	s.notifyAccepted(ctx, invitee, tenant, result.Role)
	return result, nil
}

func (s *InvitationService) acceptNewUser(ctx context.Context, r *Repos, batch *AuditBatch, u *models.User, req AcceptRequest, now time.Time) (*AcceptResult, *models.Tenant, error) {
	if u.IsActive || u.InvitationAcceptedAt != nil {
		return nil, nil, ErrInvitationAccepted
	}
	if u.InvitationExpired(now) {
		return nil, nil, ErrInvitationExpired
	}
	var tenant *models.Tenant
	if u.PrimaryTenantID != nil {
		t, err := r.Tenants.GetByID(ctx, *u.PrimaryTenantID)
		if err != nil {
			return nil, nil, err
		}
		if t == nil || !t.IsActive {
			return nil, nil, ErrInvitationInvalid
		}
		tenant = t
	}
	if req.Password == "" {
		return nil, nil, ErrPasswordRequired
	}
	if err := s.policy.checkPassword("password", req.Password); err != nil {
		return nil, nil, err
	}
	if err := applyProfile(u, req.FirstName, req.LastName, req.Phone); err != nil {
		return nil, nil, err
	}
	hash, err := s.hasher.Hash(req.Password)
	if err != nil {
		return nil, nil, err
	}
	u.PasswordHash = hash
	if err := r.Users.AcceptInvitation(ctx, u, now); err != nil {
		return nil, nil, err
	}

	if tenant != nil && u.PrimaryRole != nil {
		if err := ensureDefaultMembership(ctx, r, u, now); err != nil {
			return nil, nil, err
		}
	}

	ev := Event{
		Action:     models.ActionUserActivated,
		ActorID:    u.ID,
		ActorEmail: u.Email,
		TenantID:   deref(u.PrimaryTenantID),
		EntityType: "user",
		EntityID:   u.ID,
		Details:    map[string]interface{}{"invitation": "accepted"},
	}
	if err := batch.Emit(ctx, r, ev); err != nil {
		return nil, nil, err
	}

	res := &AcceptResult{
		Message:  "Invitation accepted. You can now sign in.",
		Email:    u.Email,
		TenantID: deref(u.PrimaryTenantID),
		Role:     deref(u.PrimaryRole),
	}
	if tenant != nil {
		res.TenantName = tenant.Name
	}
	return res, tenant, nil
}

// ensureDefaultMembership gives a freshly activated user an active membership
// on the tenant they were invited to
func ensureDefaultMembership(ctx context.Context, r *Repos, u *models.User, now time.Time) error {
	hasDefault, err := r.Memberships.HasDefault(ctx, u.ID)
	if err != nil {
		return err
	}
	existing, err := r.Memberships.GetByUserAndTenantForUpdate(ctx, u.ID, *u.PrimaryTenantID)
	if err != nil {
		return err
	}
	if existing == nil {
		return r.Memberships.Create(ctx, &models.Membership{
			UserID:    u.ID,
			TenantID:  *u.PrimaryTenantID,
			Role:      *u.PrimaryRole,
			IsActive:  true,
			IsDefault: !hasDefault,
			JoinedAt:  now,
			InvitedBy: u.InvitedBy,
		})
	}
	if !existing.IsActive {
		if err := r.Memberships.Activate(ctx, existing.ID, now, existing.Notes); err != nil {
			return err
		}
	}
	if !hasDefault {
		return r.Memberships.SetDefault(ctx, u.ID, existing.ID)
	}
	return nil
}

func (s *InvitationService) acceptMembership(ctx context.Context, r *Repos, batch *AuditBatch, m *models.Membership, expiresAt time.Time, legacy bool, req AcceptRequest, now time.Time) (*AcceptResult, *models.User, *models.Tenant, error) {
	if m.IsActive {
		return nil, nil, nil, ErrInvitationAccepted
	}
	if !now.Before(expiresAt) {
		return nil, nil, nil, ErrInvitationExpired
	}
	u, err := r.Users.GetByIDForUpdate(ctx, m.UserID)
	if err != nil {
		return nil, nil, nil, err
	}
	if u == nil {
		return nil, nil, nil, ErrInvitationInvalid
	}
	tenant, err := r.Tenants.GetByID(ctx, m.TenantID)
	if err != nil {
		return nil, nil, nil, err
	}
	if tenant == nil || !tenant.IsActive {
		return nil, nil, nil, ErrInvitationInvalid
	}
	if req.Password != "" && !s.hasher.Verify(req.Password, u.PasswordHash) {
		return nil, nil, nil, ErrInvalidPassword
	}

	// Backfilled rows carry the token in both places.
	notes := m.Notes
	if notes != nil {
		notes = models.StripInvitationNotes(*notes)
	}
	if err := r.Memberships.Activate(ctx, m.ID, now, notes); err != nil {
		return nil, nil, nil, err
	}
	hasDefault, err := r.Memberships.HasDefault(ctx, u.ID)
	if err != nil {
		return nil, nil, nil, err
	}
	if !hasDefault {
		if err := r.Memberships.SetDefault(ctx, u.ID, m.ID); err != nil {
			return nil, nil, nil, err
		}
	}
	if err := batch.Emit(ctx, r, Event{
		Action:     models.ActionUserUpdated,
		ActorID:    u.ID,
		ActorEmail: u.Email,
		TenantID:   m.TenantID,
		EntityType: "membership",
		EntityID:   m.ID,
		Details: map[string]interface{}{
			"invitation": "accepted",
			"role":       m.Role,
			"legacy":     legacy,
		},
	}); err != nil {
		return nil, nil, nil, err
	}

	return &AcceptResult{
		Message:        "Invitation accepted.",
		Email:          u.Email,
		TenantID:       m.TenantID,
		TenantName:     tenant.Name,
		Role:           m.Role,
		IsExistingUser: true,
	}, u, tenant, nil
}

// notifyAccepted sends the welcome email and tells the tenant admins. It runs
// after commit and never fails the acceptance.
func (s *InvitationService) notifyAccepted(ctx context.Context, invitee *models.User, tenant *models.Tenant, role string) {
	if invitee == nil || tenant == nil {
		return
	}
	s.mail.sendAsync(ctx, notify.Intent{
		Template: notify.TemplateWelcome,
		To:       invitee.Email,
		TenantID: tenant.ID,
		Data: map[string]interface{}{
			"Name":       invitee.DisplayName(),
			"TenantName": tenant.Name,
			"LoginURL":   s.mail.loginURL(),
		},
	})

	ctx = context.WithoutCancel(ctx)
	safego.Go("member-joined-notice", func() {
		admins, err := s.store.Repos().Memberships.ListTenantAdmins(ctx, tenant.ID)
		if err != nil {
			slog.Error("failed to list tenant admins for new member notice", "tenant_id", tenant.ID, "error", err)
			return
		}
		for _, admin := range admins {
			if admin.UserID == invitee.ID {
				continue
			}
			name := admin.UserEmail
			if admin.UserFullName != nil && *admin.UserFullName != "" {
				name = *admin.UserFullName
			}
			s.mail.sendAsync(ctx, notify.Intent{
				Template: notify.TemplateNewMember,
				To:       admin.UserEmail,
				TenantID: tenant.ID,
				Data: map[string]interface{}{
					"AdminName":   name,
					"MemberName":  invitee.DisplayName(),
					"MemberEmail": invitee.Email,
					"TenantName":  tenant.Name,
					"Role":        role,
				},
			})
		}
	})
}

// applyProfile copies optional profile fields onto u
func applyProfile(u *models.User, firstName, lastName, phone string) error {
	if v := strings.TrimSpace(firstName); v != "" {
		u.FirstName = &v
	}
	if v := strings.TrimSpace(lastName); v != "" {
		u.LastName = &v
	}
	if strings.TrimSpace(firstName+lastName) != "" {
		full := strings.TrimSpace(deref(u.FirstName) + " " + deref(u.LastName))
		u.FullName = &full
	}
	if v := strings.TrimSpace(phone); v != "" {
		normalized, err := validation.NormalizePhone(v)
		if err != nil {
			return apperr.InputInvalid("validation_failed", "phone: must be a valid phone number")
		}
		u.Phone = &normalized
	}
	return nil
}
