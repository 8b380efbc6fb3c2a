package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/clinicore/identity/internal/apperr"
	"github.com/clinicore/identity/internal/auth"
	"github.com/clinicore/identity/internal/crypto"
	"github.com/clinicore/identity/internal/db/models"
)

const testSecret = "test-signing-secret-with-enough-entropy"

type harness struct {
	t        *testing.T
	db       *memDB
	store    *memStore
	codec    *auth.TokenCodec
	hasher   *crypto.PasswordHasher
	cipher   *crypto.SecretCipher
	mailer   *recordingMailer
	emitter  *AuditEmitter
	resolver *SessionResolver
	login    *LoginService
	invites  *InvitationService
	password *PasswordService
	admin    *AdminService
	reader   *AuditReader
	now      time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db := newMemDB()
	store := &memStore{db: db}
	codec, err := auth.NewTokenCodec(testSecret, "", 30*time.Minute, 10*time.Minute)
	require.NoError(t, err)
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	cipher, err := crypto.NewSecretCipher(key)
	require.NoError(t, err)

	h := &harness{
		t:      t,
		db:     db,
		store:  store,
		codec:  codec,
		hasher: crypto.NewPasswordHasher(bcrypt.MinCost),
		cipher: cipher,
		mailer: &recordingMailer{},
		now:    time.Now().UTC(),
	}
	h.emitter = NewAuditEmitter(store, nil)
	policy := Policy{MinPasswordLength: 8}
	h.resolver = NewSessionResolver(store, codec)
	h.login = NewLoginService(store, codec, h.hasher, h.emitter)
	h.invites = NewInvitationService(store, h.hasher, h.emitter, h.mailer, "https://app.clinic.test/", policy)
	h.password = NewPasswordService(store, h.hasher, h.emitter, h.mailer, "https://app.clinic.test", policy)
	h.admin = NewAdminService(store, h.hasher, cipher, h.emitter, h.mailer, "https://app.clinic.test", policy)
	h.reader = NewAuditReader(store)
	return h
}

func (h *harness) tenant(slug, name string, active bool) *models.Tenant {
	h.t.Helper()
	t := &models.Tenant{Slug: slug, Name: name, IsActive: active}
	require.NoError(h.t, h.store.Repos().Tenants.Create(context.Background(), t))
	return t
}

type userOpt func(*models.User)

func superadmin() userOpt { return func(u *models.User) { u.IsSuperadmin = true } }

func inactive() userOpt { return func(u *models.User) { u.IsActive = false } }

func primary(tenantID string, role auth.Role) userOpt {
	return func(u *models.User) {
		r := role.String()
		u.PrimaryTenantID, u.PrimaryRole = &tenantID, &r
	}
}

func named(first, last string) userOpt {
	return func(u *models.User) { u.FirstName, u.LastName = &first, &last }
}

func (h *harness) user(email, password string, opts ...userOpt) *models.User {
	h.t.Helper()
	u := &models.User{Email: email, IsActive: true}
	if password != "" {
		hash, err := h.hasher.Hash(password)
		require.NoError(h.t, err)
		u.PasswordHash = hash
	}
	for _, opt := range opts {
		opt(u)
	}
	require.NoError(h.t, h.store.Repos().Users.Create(context.Background(), u))
	return u
}

func (h *harness) membership(u *models.User, t *models.Tenant, role auth.Role, isDefault bool) *models.Membership {
	h.t.Helper()
	m := &models.Membership{UserID: u.ID, TenantID: t.ID, Role: role.String(), IsActive: true, IsDefault: isDefault}
	require.NoError(h.t, h.store.Repos().Memberships.Create(context.Background(), m))
	return m
}

// session resolves a freshly minted token for subject
func (h *harness) session(subject auth.TokenSubject) *auth.SessionContext {
	h.t.Helper()
	tok, _, err := h.codec.Encode(subject)
	require.NoError(h.t, err)
	sc, err := h.resolver.Resolve(context.Background(), tok, ResolveOptions{})
	require.NoError(h.t, err)
	return sc
}

func (h *harness) superadminSession(u *models.User) *auth.SessionContext {
	return h.session(auth.TokenSubject{UserID: u.ID, Email: u.Email, Role: auth.RoleSuperadmin, IsSuperadmin: true})
}

func (h *harness) tenantSession(u *models.User, m *models.Membership) *auth.SessionContext {
	role, err := auth.ParseMembershipRole(m.Role)
	require.NoError(h.t, err)
	return h.session(auth.TokenSubject{UserID: u.ID, Email: u.Email, Role: role, TenantID: m.TenantID, MembershipID: m.ID})
}

func (h *harness) resolve(token string, opts ResolveOptions) (*auth.SessionContext, error) {
	return h.resolver.Resolve(context.Background(), token, opts)
}

// code returns the apperr code of err, or "" when err is not classified
func code(err error) string {
	if ae, ok := apperr.As(err); ok {
		return ae.Code
	}
	return ""
}

func message(err error) string {
	if ae, ok := apperr.As(err); ok {
		return ae.Message
	}
	return ""
}
