package services

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/clinicore/identity/internal/auth"
	"github.com/clinicore/identity/internal/db/models"
	"github.com/clinicore/identity/internal/db/repositories"
	"github.com/clinicore/identity/internal/notify"
)

// memDB is an in-memory identity store. RunInTx snapshots the whole state and
// restores it when fn fails, which is enough to observe rollback.
type memDB struct {
	mu          sync.Mutex
	seq         int
	users       map[string]models.User
	tenants     map[string]models.Tenant
	memberships map[string]models.Membership
	audit       []models.AuditLog
	auditErr    error
}

func newMemDB() *memDB {
	return &memDB{
		users:       map[string]models.User{},
		tenants:     map[string]models.Tenant{},
		memberships: map[string]models.Membership{},
	}
}

type memSnapshot struct {
	seq         int
	users       map[string]models.User
	tenants     map[string]models.Tenant
	memberships map[string]models.Membership
	audit       []models.AuditLog
}

func (db *memDB) snapshot() memSnapshot {
	db.mu.Lock()
	defer db.mu.Unlock()
	s := memSnapshot{
		seq:         db.seq,
		users:       map[string]models.User{},
		tenants:     map[string]models.Tenant{},
		memberships: map[string]models.Membership{},
		audit:       append([]models.AuditLog(nil), db.audit...),
	}
	for k, v := range db.users {
		s.users[k] = v
	}
	for k, v := range db.tenants {
		s.tenants[k] = v
	}
	for k, v := range db.memberships {
		s.memberships[k] = v
	}
	return s
}

func (db *memDB) restore(s memSnapshot) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.seq, db.users, db.tenants, db.memberships, db.audit = s.seq, s.users, s.tenants, s.memberships, s.audit
}

func (db *memDB) nextID(prefix string) string {
	db.seq++
	return fmt.Sprintf("%s-%d", prefix, db.seq)
}

type memStore struct {
	db *memDB
}

func (s *memStore) Repos() *Repos {
	return &Repos{
		Users:       &memUsers{s.db},
		Tenants:     &memTenants{s.db},
		Memberships: &memMemberships{s.db},
		Audit:       &memAudit{s.db},
	}
}

func (s *memStore) RunInTx(_ context.Context, fn func(*Repos) error) error {
	snap := s.db.snapshot()
	if err := fn(s.Repos()); err != nil {
		s.db.restore(snap)
		return err
	}
	return nil
}

// ---------------------------------------------------------------------------
// users
// ---------------------------------------------------------------------------

type memUsers struct{ db *memDB }

func (r *memUsers) Create(_ context.Context, u *models.User) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	u.Email = models.NormalizeEmail(u.Email)
	for _, existing := range r.db.users {
		if existing.Email == u.Email {
			return fmt.Errorf("%w: users_email_key", repositories.ErrDuplicate)
		}
	}
	u.ID = r.db.nextID("user")
	u.CreatedAt = time.Now()
	u.UpdatedAt = u.CreatedAt
	r.db.users[u.ID] = *u
	return nil
}

func (r *memUsers) find(match func(models.User) bool) (*models.User, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	for _, u := range r.db.users {
		if match(u) {
			cp := u
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *memUsers) GetByID(_ context.Context, id string) (*models.User, error) {
	return r.find(func(u models.User) bool { return u.ID == id })
}

func (r *memUsers) GetByIDForUpdate(ctx context.Context, id string) (*models.User, error) {
	return r.GetByID(ctx, id)
}

func (r *memUsers) GetByEmail(_ context.Context, email string) (*models.User, error) {
	email = models.NormalizeEmail(email)
	return r.find(func(u models.User) bool { return u.Email == email })
}

func (r *memUsers) GetByEmailForUpdate(ctx context.Context, email string) (*models.User, error) {
	return r.GetByEmail(ctx, email)
}

func (r *memUsers) GetByResetTokenForUpdate(_ context.Context, token string) (*models.User, error) {
	return r.find(func(u models.User) bool { return u.ResetToken != nil && *u.ResetToken == token })
}

func (r *memUsers) GetByInvitationToken(_ context.Context, token string) (*models.User, error) {
	return r.find(func(u models.User) bool { return u.InvitationToken != nil && *u.InvitationToken == token })
}

func (r *memUsers) GetByInvitationTokenForUpdate(ctx context.Context, token string) (*models.User, error) {
	return r.GetByInvitationToken(ctx, token)
}

func (r *memUsers) mutate(id string, fn func(u *models.User)) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	u, ok := r.db.users[id]
	if !ok {
		return nil
	}
	fn(&u)
	r.db.users[id] = u
	return nil
}

func (r *memUsers) Update(_ context.Context, in *models.User) error {
	in.Email = models.NormalizeEmail(in.Email)
	r.db.mu.Lock()
	for id, existing := range r.db.users {
		if id != in.ID && existing.Email == in.Email {
			r.db.mu.Unlock()
			return fmt.Errorf("%w: users_email_key", repositories.ErrDuplicate)
		}
	}
	r.db.mu.Unlock()
	return r.mutate(in.ID, func(u *models.User) {
		u.Email, u.FirstName, u.LastName, u.FullName = in.Email, in.FirstName, in.LastName, in.FullName
		u.Phone, u.Locale, u.IsActive, u.IsSuperadmin = in.Phone, in.Locale, in.IsActive, in.IsSuperadmin
		u.PrimaryTenantID, u.PrimaryRole = in.PrimaryTenantID, in.PrimaryRole
	})
}

func (r *memUsers) SetActive(_ context.Context, id string, active bool) error {
	return r.mutate(id, func(u *models.User) { u.IsActive = active })
}

func (r *memUsers) UpdatePassword(_ context.Context, id, hash string) error {
	return r.mutate(id, func(u *models.User) {
		u.PasswordHash = hash
		u.ResetToken, u.ResetTokenExpires = nil, nil
	})
}

func (r *memUsers) SetResetToken(_ context.Context, id, token string, expires time.Time) error {
	return r.mutate(id, func(u *models.User) { u.ResetToken, u.ResetTokenExpires = &token, &expires })
}

func (r *memUsers) ClearResetToken(_ context.Context, id string) error {
	return r.mutate(id, func(u *models.User) { u.ResetToken, u.ResetTokenExpires = nil, nil })
}

func (r *memUsers) SetInvitationToken(_ context.Context, id, token string, expires time.Time) error {
	return r.mutate(id, func(u *models.User) { u.InvitationToken, u.InvitationTokenExpires = &token, &expires })
}

func (r *memUsers) AcceptInvitation(_ context.Context, in *models.User, at time.Time) error {
	err := r.mutate(in.ID, func(u *models.User) {
		u.PasswordHash, u.FirstName, u.LastName, u.FullName, u.Phone = in.PasswordHash, in.FirstName, in.LastName, in.FullName, in.Phone
		u.IsActive, u.InvitationAcceptedAt = true, &at
		u.InvitationToken, u.InvitationTokenExpires = nil, nil
	})
	in.IsActive, in.InvitationAcceptedAt = true, &at
	in.InvitationToken, in.InvitationTokenExpires = nil, nil
	return err
}

func (r *memUsers) TouchLastLogin(_ context.Context, id string, at time.Time) error {
	return r.mutate(id, func(u *models.User) { u.LastLoginAt = &at })
}

func (r *memUsers) Delete(_ context.Context, id string) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	delete(r.db.users, id)
	for mid, m := range r.db.memberships {
		if m.UserID == id {
			delete(r.db.memberships, mid)
		}
	}
	return nil
}

func (r *memUsers) List(_ context.Context, f repositories.UserFilters, limit, offset int) ([]*models.User, int, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	var out []*models.User
	for _, u := range r.db.users {
		if f.Search != "" && !strings.Contains(u.Email, strings.ToLower(f.Search)) {
			continue
		}
		if f.IsActive != nil && u.IsActive != *f.IsActive {
			continue
		}
		cp := u
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Email < out[j].Email })
	return paginate(out, limit, offset), len(out), nil
}

func (r *memUsers) CountSuperadmins(_ context.Context) (int, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	n := 0
	for _, u := range r.db.users {
		if u.IsSuperadmin {
			n++
		}
	}
	return n, nil
}

// ---------------------------------------------------------------------------
// tenants
// ---------------------------------------------------------------------------

type memTenants struct{ db *memDB }

func (r *memTenants) Create(_ context.Context, t *models.Tenant) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	for _, existing := range r.db.tenants {
		if existing.Slug == t.Slug {
			return fmt.Errorf("%w: tenants_slug_key", repositories.ErrDuplicate)
		}
	}
	t.ID = r.db.nextID("tenant")
	if t.Plan == "" {
		t.Plan = models.PlanFree
	}
	r.db.tenants[t.ID] = *t
	return nil
}

func (r *memTenants) GetByID(_ context.Context, id string) (*models.Tenant, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	t, ok := r.db.tenants[id]
	if !ok {
		return nil, nil
	}
	return &t, nil
}

func (r *memTenants) GetBySlug(_ context.Context, slug string) (*models.Tenant, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	for _, t := range r.db.tenants {
		if t.Slug == slug {
			cp := t
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *memTenants) Update(_ context.Context, t *models.Tenant) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	for id, existing := range r.db.tenants {
		if id != t.ID && existing.Slug == t.Slug {
			return fmt.Errorf("%w: tenants_slug_key", repositories.ErrDuplicate)
		}
	}
	cur := r.db.tenants[t.ID]
	smtp := cur.SMTPSettings
	cur = *t
	cur.SMTPSettings = smtp
	r.db.tenants[t.ID] = cur
	return nil
}

func (r *memTenants) SetActive(_ context.Context, id string, active bool) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	t := r.db.tenants[id]
	t.IsActive = active
	r.db.tenants[id] = t
	return nil
}

func (r *memTenants) UpdateSMTP(_ context.Context, id string, s models.SMTPSettings) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	t := r.db.tenants[id]
	t.SMTPSettings = s
	r.db.tenants[id] = t
	return nil
}

func (r *memTenants) Delete(_ context.Context, id string) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	delete(r.db.tenants, id)
	for mid, m := range r.db.memberships {
		if m.TenantID == id {
			delete(r.db.memberships, mid)
		}
	}
	return nil
}

func (r *memTenants) List(_ context.Context, search string, isActive *bool, limit, offset int) ([]*models.Tenant, int, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	var out []*models.Tenant
	for _, t := range r.db.tenants {
		if search != "" && !strings.Contains(strings.ToLower(t.Name), strings.ToLower(search)) {
			continue
		}
		if isActive != nil && t.IsActive != *isActive {
			continue
		}
		cp := t
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return paginate(out, limit, offset), len(out), nil
}

// ---------------------------------------------------------------------------
// memberships
// ---------------------------------------------------------------------------

type memMemberships struct{ db *memDB }

func (r *memMemberships) Create(_ context.Context, m *models.Membership) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	for _, existing := range r.db.memberships {
		if existing.UserID == m.UserID && existing.TenantID == m.TenantID {
			return fmt.Errorf("%w: memberships_user_tenant_key", repositories.ErrDuplicate)
		}
	}
	m.ID = r.db.nextID("membership")
	if m.JoinedAt.IsZero() {
		m.JoinedAt = time.Now()
	}
	r.db.memberships[m.ID] = *m
	return nil
}

func (r *memMemberships) find(match func(models.Membership) bool) (*models.Membership, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	for _, m := range r.db.memberships {
		if match(m) {
			cp := m
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *memMemberships) GetByID(_ context.Context, id string) (*models.Membership, error) {
	return r.find(func(m models.Membership) bool { return m.ID == id })
}

func (r *memMemberships) GetByUserAndTenant(_ context.Context, userID, tenantID string) (*models.Membership, error) {
	return r.find(func(m models.Membership) bool { return m.UserID == userID && m.TenantID == tenantID })
}

func (r *memMemberships) GetByUserAndTenantForUpdate(ctx context.Context, userID, tenantID string) (*models.Membership, error) {
	return r.GetByUserAndTenant(ctx, userID, tenantID)
}

func (r *memMemberships) GetByInvitationTokenForUpdate(_ context.Context, token string) (*models.Membership, error) {
	return r.find(func(m models.Membership) bool { return m.InvitationToken != nil && *m.InvitationToken == token })
}

func (r *memMemberships) FindByLegacyNotesTokenForUpdate(_ context.Context, token string) (*models.Membership, error) {
	return r.find(func(m models.Membership) bool {
		return m.InvitationToken == nil && m.Notes != nil && strings.Contains(*m.Notes, "invitation_token:"+token+"|")
	})
}

func (r *memMemberships) joined(match func(models.Membership, models.Tenant) bool) []*models.MembershipWithTenant {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	var out []*models.MembershipWithTenant
	for _, m := range r.db.memberships {
		t := r.db.tenants[m.TenantID]
		if !match(m, t) {
			continue
		}
		out = append(out, &models.MembershipWithTenant{
			Membership:     m,
			TenantName:     t.Name,
			TenantSlug:     t.Slug,
			TenantIsActive: t.IsActive,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].IsDefault != out[j].IsDefault {
			return out[i].IsDefault
		}
		return out[i].TenantName < out[j].TenantName
	})
	return out
}

func (r *memMemberships) ListActiveForUser(_ context.Context, userID string) ([]*models.MembershipWithTenant, error) {
	return r.joined(func(m models.Membership, t models.Tenant) bool {
		return m.UserID == userID && m.IsActive && t.IsActive
	}), nil
}

func (r *memMemberships) ListForUser(_ context.Context, userID string) ([]*models.MembershipWithTenant, error) {
	return r.joined(func(m models.Membership, _ models.Tenant) bool { return m.UserID == userID }), nil
}

func (r *memMemberships) withUsers(match func(models.Membership, models.User) bool) []*models.MembershipWithUser {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	var out []*models.MembershipWithUser
	for _, m := range r.db.memberships {
		u := r.db.users[m.UserID]
		if !match(m, u) {
			continue
		}
		out = append(out, &models.MembershipWithUser{
			Membership:   m,
			UserEmail:    u.Email,
			UserFullName: u.FullName,
			UserIsActive: u.IsActive,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserEmail < out[j].UserEmail })
	return out
}

func (r *memMemberships) ListByTenant(_ context.Context, f auth.TenantFilter, includeInactive bool, limit, offset int) ([]*models.MembershipWithUser, int, error) {
	out := r.withUsers(func(m models.Membership, _ models.User) bool {
		if !f.Bypass() && m.TenantID != f.TenantID() {
			return false
		}
		return includeInactive || m.IsActive
	})
	return paginate(out, limit, offset), len(out), nil
}

func (r *memMemberships) ListTenantAdmins(_ context.Context, tenantID string) ([]*models.MembershipWithUser, error) {
	return r.withUsers(func(m models.Membership, u models.User) bool {
		return m.TenantID == tenantID && m.Role == string(auth.RoleTenantAdmin) && m.IsActive && u.IsActive
	}), nil
}

func (r *memMemberships) HasDefault(_ context.Context, userID string) (bool, error) {
	m, _ := r.find(func(m models.Membership) bool { return m.UserID == userID && m.IsDefault })
	return m != nil, nil
}

func (r *memMemberships) mutate(fn func(id string, m *models.Membership) bool) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	for id, m := range r.db.memberships {
		if fn(id, &m) {
			r.db.memberships[id] = m
		}
	}
}

func (r *memMemberships) Activate(_ context.Context, id string, joinedAt time.Time, notes *string) error {
	r.mutate(func(mid string, m *models.Membership) bool {
		if mid != id {
			return false
		}
		m.IsActive, m.JoinedAt, m.Notes = true, joinedAt, notes
		m.InvitationToken, m.InvitationExpiresAt = nil, nil
		return true
	})
	return nil
}

func (r *memMemberships) SetDefault(_ context.Context, userID, membershipID string) error {
	r.mutate(func(id string, m *models.Membership) bool {
		if m.UserID != userID {
			return false
		}
		m.IsDefault = id == membershipID
		return true
	})
	return nil
}

func (r *memMemberships) ClearDefault(_ context.Context, userID string) error {
	r.mutate(func(_ string, m *models.Membership) bool {
		if m.UserID != userID {
			return false
		}
		m.IsDefault = false
		return true
	})
	return nil
}

func (r *memMemberships) TouchLastAccess(_ context.Context, id string, at time.Time) error {
	r.mutate(func(mid string, m *models.Membership) bool {
		if mid != id {
			return false
		}
		m.LastAccessAt = &at
		return true
	})
	return nil
}

func (r *memMemberships) UpdateRole(_ context.Context, id, role string) error {
	r.mutate(func(mid string, m *models.Membership) bool {
		if mid != id {
			return false
		}
		m.Role = role
		return true
	})
	return nil
}

func (r *memMemberships) Deactivate(_ context.Context, id string) error {
	r.mutate(func(mid string, m *models.Membership) bool {
		if mid != id {
			return false
		}
		m.IsActive, m.IsDefault = false, false
		return true
	})
	return nil
}

// ---------------------------------------------------------------------------
// audit
// ---------------------------------------------------------------------------

type memAudit struct{ db *memDB }

func (r *memAudit) Create(_ context.Context, log *models.AuditLog) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if r.db.auditErr != nil {
		return r.db.auditErr
	}
	log.ID = r.db.nextID("audit")
	r.db.audit = append(r.db.audit, *log)
	return nil
}

func (r *memAudit) List(_ context.Context, f repositories.AuditFilters, limit, offset int) ([]*models.AuditLog, int, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	var out []*models.AuditLog
	for i := len(r.db.audit) - 1; i >= 0; i-- {
		a := r.db.audit[i]
		if !f.Tenant.Bypass() && (a.TenantID == nil || *a.TenantID != f.Tenant.TenantID()) {
			continue
		}
		if f.Action != nil && a.Action != *f.Action {
			continue
		}
		if f.Category != nil && a.Category != *f.Category {
			continue
		}
		if f.UserID != nil && (a.UserID == nil || *a.UserID != *f.UserID) {
			continue
		}
		cp := a
		out = append(out, &cp)
	}
	return paginate(out, limit, offset), len(out), nil
}

func (r *memAudit) CountByActionAndEmail(_ context.Context, action, email string, since time.Time) (int, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	n := 0
	for _, a := range r.db.audit {
		if a.Action == action && a.UserEmail != nil && *a.UserEmail == email && !a.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func paginate[T any](in []T, limit, offset int) []T {
	if offset >= len(in) {
		return nil
	}
	in = in[offset:]
	if limit > 0 && limit < len(in) {
		in = in[:limit]
	}
	return in
}

// ---------------------------------------------------------------------------
// helpers over the state
// ---------------------------------------------------------------------------

func (db *memDB) user(id string) models.User {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.users[id]
}

func (db *memDB) membership(userID, tenantID string) (models.Membership, bool) {
	db.mu.Lock()
	defer db.mu.Unlock()
	for _, m := range db.memberships {
		if m.UserID == userID && m.TenantID == tenantID {
			return m, true
		}
	}
	return models.Membership{}, false
}

func (db *memDB) auditActions() []string {
	db.mu.Lock()
	defer db.mu.Unlock()
	out := make([]string, 0, len(db.audit))
	for _, a := range db.audit {
		out = append(out, a.Action)
	}
	return out
}

func (db *memDB) lastAudit(action string) (models.AuditLog, bool) {
	db.mu.Lock()
	defer db.mu.Unlock()
	for i := len(db.audit) - 1; i >= 0; i-- {
		if db.audit[i].Action == action {
			return db.audit[i], true
		}
	}
	return models.AuditLog{}, false
}

func (db *memDB) countUsers() int {
	db.mu.Lock()
	defer db.mu.Unlock()
	return len(db.users)
}

func (db *memDB) countMemberships() int {
	db.mu.Lock()
	defer db.mu.Unlock()
	return len(db.memberships)
}

// ---------------------------------------------------------------------------
// mailer
// ---------------------------------------------------------------------------

type recordingMailer struct {
	mu   sync.Mutex
	sent []notify.Intent
	err  error
}

func (m *recordingMailer) Send(_ context.Context, in notify.Intent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, in)
	return nil
}

func (m *recordingMailer) intents() []notify.Intent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]notify.Intent(nil), m.sent...)
}

func (m *recordingMailer) byTemplate(t notify.Template) []notify.Intent {
	var out []notify.Intent
	for _, in := range m.intents() {
		if in.Template == t {
			out = append(out, in)
		}
	}
	return out
}
