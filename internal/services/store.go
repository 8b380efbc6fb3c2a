// Package services implements the identity use cases: session resolution,
// login and tenant selection, invitations, the password lifecycle and the
// superadmin / tenant administration surface. Services coordinate several
// repositories inside one transaction and report failures as *apperr.Error.
package services

import (
	"context"
	"time"

	"github.com/clinicore/identity/internal/auth"
	"github.com/clinicore/identity/internal/db/models"
	"github.com/clinicore/identity/internal/db/repositories"
)

// UserStore is the user persistence used by the services
type UserStore interface {
	Create(ctx context.Context, u *models.User) error
	GetByID(ctx context.Context, id string) (*models.User, error)
	GetByIDForUpdate(ctx context.Context, id string) (*models.User, error)
	GetByEmail(ctx context.Context, email string) (*models.User, error)
	GetByEmailForUpdate(ctx context.Context, email string) (*models.User, error)
	GetByResetTokenForUpdate(ctx context.Context, token string) (*models.User, error)
	GetByInvitationToken(ctx context.Context, token string) (*models.User, error)
	GetByInvitationTokenForUpdate(ctx context.Context, token string) (*models.User, error)
	Update(ctx context.Context, u *models.User) error
	SetActive(ctx context.Context, id string, active bool) error
	UpdatePassword(ctx context.Context, id, hash string) error
	SetResetToken(ctx context.Context, id, token string, expires time.Time) error
	ClearResetToken(ctx context.Context, id string) error
	SetInvitationToken(ctx context.Context, id, token string, expires time.Time) error
	AcceptInvitation(ctx context.Context, u *models.User, acceptedAt time.Time) error
	TouchLastLogin(ctx context.Context, id string, at time.Time) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context, filters repositories.UserFilters, limit, offset int) ([]*models.User, int, error)
	CountSuperadmins(ctx context.Context) (int, error)
}

// TenantStore is the tenant persistence used by the services
type TenantStore interface {
	Create(ctx context.Context, t *models.Tenant) error
	GetByID(ctx context.Context, id string) (*models.Tenant, error)
	GetBySlug(ctx context.Context, slug string) (*models.Tenant, error)
	Update(ctx context.Context, t *models.Tenant) error
	SetActive(ctx context.Context, id string, active bool) error
	UpdateSMTP(ctx context.Context, id string, s models.SMTPSettings) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context, search string, isActive *bool, limit, offset int) ([]*models.Tenant, int, error)
}

// MembershipStore is the membership persistence used by the services
type MembershipStore interface {
	Create(ctx context.Context, m *models.Membership) error
	GetByID(ctx context.Context, id string) (*models.Membership, error)
	GetByUserAndTenant(ctx context.Context, userID, tenantID string) (*models.Membership, error)
	GetByUserAndTenantForUpdate(ctx context.Context, userID, tenantID string) (*models.Membership, error)
	GetByInvitationTokenForUpdate(ctx context.Context, token string) (*models.Membership, error)
	FindByLegacyNotesTokenForUpdate(ctx context.Context, token string) (*models.Membership, error)
	ListActiveForUser(ctx context.Context, userID string) ([]*models.MembershipWithTenant, error)
	ListForUser(ctx context.Context, userID string) ([]*models.MembershipWithTenant, error)
	ListByTenant(ctx context.Context, filter auth.TenantFilter, includeInactive bool, limit, offset int) ([]*models.MembershipWithUser, int, error)
	ListTenantAdmins(ctx context.Context, tenantID string) ([]*models.MembershipWithUser, error)
	HasDefault(ctx context.Context, userID string) (bool, error)
	Activate(ctx context.Context, id string, joinedAt time.Time, notes *string) error
	SetDefault(ctx context.Context, userID, membershipID string) error
	ClearDefault(ctx context.Context, userID string) error
	TouchLastAccess(ctx context.Context, id string, at time.Time) error
	UpdateRole(ctx context.Context, id, role string) error
	Deactivate(ctx context.Context, id string) error
}

// AuditStore is the append-only audit persistence
type AuditStore interface {
	Create(ctx context.Context, log *models.AuditLog) error
	List(ctx context.Context, filters repositories.AuditFilters, limit, offset int) ([]*models.AuditLog, int, error)
	CountByActionAndEmail(ctx context.Context, action, email string, since time.Time) (int, error)
}

// Repos groups the stores bound to one connection or transaction
type Repos struct {
	Users       UserStore
	Tenants     TenantStore
	Memberships MembershipStore
	Audit       AuditStore
}

// Store hands out repositories and runs transactions
type Store interface {
	// Repos returns stores bound to the connection pool
	Repos() *Repos
	// RunInTx runs fn inside one transaction. fn's error rolls everything back.
	RunInTx(ctx context.Context, fn func(*Repos) error) error
}

type sqlStore struct {
	store *repositories.Store
}

// NewSQLStore adapts the PostgreSQL repositories to Store
func NewSQLStore(store *repositories.Store) Store {
	return &sqlStore{store: store}
}

func (s *sqlStore) Repos() *Repos {
	return wrapRepos(s.store.Repos())
}

func (s *sqlStore) RunInTx(ctx context.Context, fn func(*Repos) error) error {
	return s.store.RunInTx(ctx, func(r *repositories.Repos) error {
		return fn(wrapRepos(r))
	})
}

func wrapRepos(r *repositories.Repos) *Repos {
	return &Repos{
		Users:       r.Users,
		Tenants:     r.Tenants,
		Memberships: r.Memberships,
		Audit:       r.Audit,
	}
}
