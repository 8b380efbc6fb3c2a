package services

import (
	"context"
	"time"

	"github.com/clinicore/identity/internal/apperr"
	"github.com/clinicore/identity/internal/auth"
	"github.com/clinicore/identity/internal/crypto"
	"github.com/clinicore/identity/internal/db/models"
	"github.com/clinicore/identity/internal/notify"
	"github.com/clinicore/identity/internal/validation"
)

// Password errors
var (
	ErrCurrentPassword   = apperr.Unauthorized("invalid_password", "Current password is incorrect")
	ErrPasswordUnchanged = apperr.InputInvalid("password_unchanged", "The new password must differ from the current one")
	ErrResetTokenInvalid = apperr.InputInvalid("reset_token_invalid", "Invalid or expired reset token")
	ErrResetTokenExpired = apperr.InputInvalid("reset_token_expired", "Invalid or expired reset token")
)

// PasswordService changes and resets passwords. Every write locks the user
// row so concurrent password changes serialize.
type PasswordService struct {
	store  Store
	hasher *crypto.PasswordHasher
	audit  *AuditEmitter
	mail   *mailDispatcher
	policy Policy
	now    func() time.Time
}

// NewPasswordService creates a password service
func NewPasswordService(store Store, hasher *crypto.PasswordHasher, emitter *AuditEmitter, mailer notify.Mailer, frontendURL string, policy Policy) *PasswordService {
	return &PasswordService{
		store:  store,
		hasher: hasher,
		audit:  emitter,
		mail:   newMailDispatcher(mailer, emitter, frontendURL),
		policy: policy.withDefaults(),
		now:    time.Now,
	}
}

// Change replaces the caller's password after verifying the current one
func (s *PasswordService) Change(ctx context.Context, sc *auth.SessionContext, current, next string) error {
	if err := auth.RequireAuthenticated(sc); err != nil {
		return err
	}
	var user *models.User
	batch := s.audit.Begin()
	err := s.store.RunInTx(ctx, func(r *Repos) error {
		u, err := r.Users.GetByIDForUpdate(ctx, sc.UserID())
		if err != nil {
			return err
		}
		if u == nil {
			return apperr.ErrNoUser
		}
		if !s.hasher.Verify(current, u.PasswordHash) {
			return ErrCurrentPassword
		}
		if err := s.policy.checkPassword("new_password", next); err != nil {
			return err
		}
		if next == current {
			return ErrPasswordUnchanged
		}
		hash, err := s.hasher.Hash(next)
		if err != nil {
			return err
		}
		if err := r.Users.UpdatePassword(ctx, u.ID, hash); err != nil {
			return err
		}
		user = u
		return batch.Emit(ctx, r, Event{
			Action:     models.ActionPasswordChanged,
			ActorID:    u.ID,
			ActorEmail: u.Email,
			TenantID:   sc.TenantID(),
			EntityType: "user",
			EntityID:   u.ID,
			Details:    map[string]interface{}{"via": "change"},
		})
	})
	if err != nil {
		return asAppErr(err)
	}
	batch.Commit()
	s.sendChangedNotice(ctx, user, sc.TenantID())
	return nil
}

// Forgot issues a reset token when email belongs to an active account. The
// response never reveals whether it did.
func (s *PasswordService) Forgot(ctx context.Context, email string) (Ack, error) {
	email = models.NormalizeEmail(email)
	if validation.Check("email", email, validation.Email...) != nil {
		return privacyAck(AckPasswordReset), nil
	}

	var (
		user  *models.User
		token string
	)
	batch := s.audit.Begin()
	err := s.store.RunInTx(ctx, func(r *Repos) error {
		u, err := r.Users.GetByEmailForUpdate(ctx, email)
		if err != nil {
			return err
		}
		if u == nil || !u.IsActive {
			return nil
		}
		t, err := crypto.RandomURLToken(crypto.DefaultTokenBytes)
		if err != nil {
			return err
		}
		if err := r.Users.SetResetToken(ctx, u.ID, t, s.now().UTC().Add(s.policy.PasswordResetTTL)); err != nil {
			return err
		}
		user, token = u, t
		return batch.Emit(ctx, r, Event{
			Action:     models.ActionPasswordResetRequested,
			ActorID:    u.ID,
			ActorEmail: u.Email,
			TenantID:   deref(u.PrimaryTenantID),
			EntityType: "user",
			EntityID:   u.ID,
		})
	})
	if err != nil {
		return Ack{}, apperr.Internal(err)
	}
	batch.Commit()

	if user != nil {
		s.mail.sendAsync(ctx, notify.Intent{
			Template: notify.TemplatePasswordReset,
			To:       user.Email,
			TenantID: deref(user.PrimaryTenantID),
			Data: map[string]interface{}{
				"Name":         user.DisplayName(),
				"ResetURL":     s.mail.resetURL(token),
				"ExpiresHours": hours(s.policy.PasswordResetTTL),
			},
		})
	}
	return privacyAck(AckPasswordReset), nil
}

// Reset sets a new password using a reset token
func (s *PasswordService) Reset(ctx context.Context, token, next string) error {
	if token == "" {
		return ErrResetTokenInvalid
	}
	var (
		user    *models.User
		expired bool
	)
	batch := s.audit.Begin()
	err := s.store.RunInTx(ctx, func(r *Repos) error {
		u, err := r.Users.GetByResetTokenForUpdate(ctx, token)
		if err != nil {
			return err
		}
		if u == nil {
			return ErrResetTokenInvalid
		}
		if u.ResetExpired(s.now()) {
			// commit the cleared token, then report
			expired = true
			return r.Users.ClearResetToken(ctx, u.ID)
		}
		if err := s.policy.checkPassword("new_password", next); err != nil {
			return err
		}
		hash, err := s.hasher.Hash(next)
		if err != nil {
			return err
		}
		if err := r.Users.UpdatePassword(ctx, u.ID, hash); err != nil {
			return err
		}
		user = u
		return batch.Emit(ctx, r, Event{
			Action:     models.ActionPasswordChanged,
			ActorID:    u.ID,
			ActorEmail: u.Email,
			TenantID:   deref(u.PrimaryTenantID),
			EntityType: "user",
			EntityID:   u.ID,
			Details:    map[string]interface{}{"via": "reset"},
		})
	})
	if err != nil {
		return asAppErr(err)
	}
	if expired {
		return ErrResetTokenExpired
	}
	batch.Commit()
	s.sendChangedNotice(ctx, user, deref(user.PrimaryTenantID))
	return nil
}

func (s *PasswordService) sendChangedNotice(ctx context.Context, u *models.User, tenantID string) {
	if u == nil {
		return
	}
	s.mail.sendAsync(ctx, notify.Intent{
		Template: notify.TemplatePasswordChanged,
		To:       u.Email,
		TenantID: tenantID,
		Data: map[string]interface{}{
			"Name":      u.DisplayName(),
			"ChangedAt": s.now().UTC().Format(time.RFC1123),
		},
	})
}

// asAppErr passes classified errors through and wraps everything else
func asAppErr(err error) error {
	if _, ok := apperr.As(err); ok {
		return err
	}
	return apperr.Internal(err)
}
