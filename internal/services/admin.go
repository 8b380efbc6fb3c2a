package services

import (
	"context"
	"errors"
	"time"

	"github.com/clinicore/identity/internal/apperr"
	"github.com/clinicore/identity/internal/crypto"
	"github.com/clinicore/identity/internal/db/models"
	"github.com/clinicore/identity/internal/db/repositories"
	"github.com/clinicore/identity/internal/notify"
	"github.com/clinicore/identity/internal/validation"
)

// AdminService is the superadmin and tenant administration surface. Every
// mutation is audited in the same transaction.
type AdminService struct {
	store  Store
	hasher *crypto.PasswordHasher
	cipher *crypto.SecretCipher
	audit  *AuditEmitter
	mail   *mailDispatcher
	policy Policy
	now    func() time.Time
}

// NewAdminService creates an admin service. cipher seals tenant SMTP passwords.
func NewAdminService(store Store, hasher *crypto.PasswordHasher, cipher *crypto.SecretCipher, emitter *AuditEmitter, mailer notify.Mailer, frontendURL string, policy Policy) *AdminService {
	return &AdminService{
		store:  store,
		hasher: hasher,
		cipher: cipher,
		audit:  emitter,
		mail:   newMailDispatcher(mailer, emitter, frontendURL),
		policy: policy.withDefaults(),
		now:    time.Now,
	}
}

// mutate runs fn in a transaction and ships its audit records after commit
func (s *AdminService) mutate(ctx context.Context, fn func(r *Repos, batch *AuditBatch) error) error {
	batch := s.audit.Begin()
	if err := s.store.RunInTx(ctx, func(r *Repos) error { return fn(r, batch) }); err != nil {
		return asAppErr(err)
	}
	batch.Commit()
	return nil
}

// BootstrapSuperadmin creates the first superadmin. It does nothing when a
// superadmin already exists and reports whether an account was created.
func (s *AdminService) BootstrapSuperadmin(ctx context.Context, email, password string) (bool, error) {
	email = models.NormalizeEmail(email)
	if err := validation.Check("email", email, validation.Email...); err != nil {
		return false, err
	}
	if err := s.policy.checkPassword("password", password); err != nil {
		return false, err
	}
	hash, err := s.hasher.Hash(password)
	if err != nil {
		return false, apperr.Internal(err)
	}

	created := false
	err = s.mutate(ctx, func(r *Repos, batch *AuditBatch) error {
		n, err := r.Users.CountSuperadmins(ctx)
		if err != nil {
			return err
		}
		if n > 0 {
			return nil
		}
		u := &models.User{Email: email, PasswordHash: hash, IsActive: true, IsSuperadmin: true}
		if err := r.Users.Create(ctx, u); err != nil {
			if errors.Is(err, repositories.ErrDuplicate) {
				return apperr.Conflict("email_taken", "An account with this email already exists")
			}
			return err
		}
		created = true
		return batch.Emit(ctx, r, Event{
			Action:     models.ActionUserCreated,
			ActorEmail: email,
			EntityType: "user",
			EntityID:   u.ID,
			Details:    map[string]interface{}{"bootstrap": true, "is_superadmin": true},
		})
	})
	return created, err
}
