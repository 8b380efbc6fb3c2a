package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/clinicore/identity/internal/db/models"
)

const userColumns = `id, email, password_hash, first_name, last_name, full_name, phone, locale,
	is_active, is_superadmin, primary_tenant_id, primary_role,
	reset_token, reset_token_expires, invitation_token, invitation_token_expires,
	invited_by, invitation_accepted_at, last_login_at, created_at, updated_at`

// UserRepository handles user database operations
type UserRepository struct {
	db sqlx.ExtContext
}

// NewUserRepository creates a new UserRepository
func NewUserRepository(db sqlx.ExtContext) *UserRepository {
	return &UserRepository{db: db}
}

// UserFilters narrows List results
type UserFilters struct {
	Search   string
	IsActive *bool
	TenantID *string
}

// Create inserts a new user. The email is stored lowercased.
func (r *UserRepository) Create(ctx context.Context, u *models.User) error {
	u.ID = uuid.New().String()
	u.Email = models.NormalizeEmail(u.Email)
	u.CreatedAt = time.Now()
	u.UpdatedAt = u.CreatedAt

	query := `
		INSERT INTO users (id, email, password_hash, first_name, last_name, full_name, phone, locale,
			is_active, is_superadmin, primary_tenant_id, primary_role,
			invitation_token, invitation_token_expires, invited_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	`

	_, err := r.db.ExecContext(ctx, query,
		u.ID,
		u.Email,
		u.PasswordHash,
		u.FirstName,
		u.LastName,
		u.FullName,
		u.Phone,
		u.Locale,
		u.IsActive,
		u.IsSuperadmin,
		u.PrimaryTenantID,
		u.PrimaryRole,
		u.InvitationToken,
		u.InvitationTokenExpires,
		u.InvitedBy,
		u.CreatedAt,
		u.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create user: %w", translateErr(err))
	}
	return nil
}

func (r *UserRepository) getOne(ctx context.Context, where string, args ...interface{}) (*models.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE ` + where

	u := &models.User{}
	err := sqlx.GetContext(ctx, r.db, u, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return u, nil
}

// GetByID retrieves a user by ID
func (r *UserRepository) GetByID(ctx context.Context, id string) (*models.User, error) {
	return r.getOne(ctx, `id = $1`, id)
}

// GetByIDForUpdate retrieves a user by ID and locks the row until the transaction ends
func (r *UserRepository) GetByIDForUpdate(ctx context.Context, id string) (*models.User, error) {
	return r.getOne(ctx, `id = $1 FOR UPDATE`, id)
}

// GetByEmail retrieves a user by email, case-insensitively
func (r *UserRepository) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	return r.getOne(ctx, `email = $1`, models.NormalizeEmail(email))
}

// GetByEmailForUpdate is GetByEmail with a row lock
func (r *UserRepository) GetByEmailForUpdate(ctx context.Context, email string) (*models.User, error) {
	return r.getOne(ctx, `email = $1 FOR UPDATE`, models.NormalizeEmail(email))
}

// GetByResetTokenForUpdate finds the user holding a reset token and locks the row
func (r *UserRepository) GetByResetTokenForUpdate(ctx context.Context, token string) (*models.User, error) {
	return r.getOne(ctx, `reset_token = $1 FOR UPDATE`, token)
}

// GetByInvitationToken finds the user holding an invitation token
func (r *UserRepository) GetByInvitationToken(ctx context.Context, token string) (*models.User, error) {
	return r.getOne(ctx, `invitation_token = $1`, token)
}

// GetByInvitationTokenForUpdate is GetByInvitationToken with a row lock
func (r *UserRepository) GetByInvitationTokenForUpdate(ctx context.Context, token string) (*models.User, error) {
	return r.getOne(ctx, `invitation_token = $1 FOR UPDATE`, token)
}

// Update writes the mutable, non-secret fields of u
func (r *UserRepository) Update(ctx context.Context, u *models.User) error {
	u.Email = models.NormalizeEmail(u.Email)
	u.UpdatedAt = time.Now()

	query := `
		UPDATE users
		SET email = $2, first_name = $3, last_name = $4, full_name = $5, phone = $6, locale = $7,
			is_active = $8, is_superadmin = $9, primary_tenant_id = $10, primary_role = $11, updated_at = $12
		WHERE id = $1
	`

	_, err := r.db.ExecContext(ctx, query,
		u.ID,
		u.Email,
		u.FirstName,
		u.LastName,
		u.FullName,
		u.Phone,
		u.Locale,
		u.IsActive,
		u.IsSuperadmin,
		u.PrimaryTenantID,
		u.PrimaryRole,
		u.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update user: %w", translateErr(err))
	}
	return nil
}

// SetActive activates or deactivates a user
func (r *UserRepository) SetActive(ctx context.Context, id string, active bool) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE users SET is_active = $2, updated_at = $3 WHERE id = $1`,
		id, active, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("failed to set user active: %w", err)
	}
	return nil
}

// UpdatePassword replaces the password hash and clears any outstanding reset token
func (r *UserRepository) UpdatePassword(ctx context.Context, id, hash string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE users SET password_hash = $2, reset_token = NULL, reset_token_expires = NULL, updated_at = $3 WHERE id = $1`,
		id, hash, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("failed to update password: %w", err)
	}
	return nil
}

// SetResetToken stores a reset token and its expiry
func (r *UserRepository) SetResetToken(ctx context.Context, id, token string, expires time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE users SET reset_token = $2, reset_token_expires = $3, updated_at = $4 WHERE id = $1`,
		id, token, expires, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("failed to set reset token: %w", err)
	}
	return nil
}

// ClearResetToken removes the reset token fields
func (r *UserRepository) ClearResetToken(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE users SET reset_token = NULL, reset_token_expires = NULL, updated_at = $2 WHERE id = $1`,
		id, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("failed to clear reset token: %w", err)
	}
	return nil
}

// SetInvitationToken replaces a pending user's invitation token
func (r *UserRepository) SetInvitationToken(ctx context.Context, id, token string, expires time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE users SET invitation_token = $2, invitation_token_expires = $3, updated_at = $4 WHERE id = $1`,
		id, token, expires, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("failed to set invitation token: %w", err)
	}
	return nil
}

// AcceptInvitation activates an invited user: password and profile are
// written, the invitation token is cleared and the acceptance time stamped.
func (r *UserRepository) AcceptInvitation(ctx context.Context, u *models.User, acceptedAt time.Time) error {
	query := `
		UPDATE users
		SET password_hash = $2, first_name = $3, last_name = $4, full_name = $5, phone = $6,
			is_active = TRUE, invitation_accepted_at = $7,
			invitation_token = NULL, invitation_token_expires = NULL, updated_at = $7
		WHERE id = $1
	`
	_, err := r.db.ExecContext(ctx, query,
		u.ID, u.PasswordHash, u.FirstName, u.LastName, u.FullName, u.Phone, acceptedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to accept invitation: %w", err)
	}
	u.IsActive = true
	u.InvitationAcceptedAt = &acceptedAt
	u.InvitationToken = nil
	u.InvitationTokenExpires = nil
	return nil
}

// TouchLastLogin records a successful login
func (r *UserRepository) TouchLastLogin(ctx context.Context, id string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `UPDATE users SET last_login_at = $2 WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("failed to touch last login: %w", err)
	}
	return nil
}

// Delete removes a user. Memberships cascade; audit rows keep the denormalized email.
func (r *UserRepository) Delete(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM users WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete user: %w", err)
	}
	return nil
}

// List returns users matching filters with pagination, plus the total count
func (r *UserRepository) List(ctx context.Context, filters UserFilters, limit, offset int) ([]*models.User, int, error) {
	where := ` WHERE 1=1`
	args := make([]interface{}, 0)
	paramIndex := 1

	if s := strings.TrimSpace(filters.Search); s != "" {
		where += fmt.Sprintf(` AND (email ILIKE $%d OR full_name ILIKE $%d OR first_name ILIKE $%d OR last_name ILIKE $%d)`,
			paramIndex, paramIndex, paramIndex, paramIndex)
		args = append(args, "%"+s+"%")
		paramIndex++
	}
	if filters.IsActive != nil {
		where += fmt.Sprintf(` AND is_active = $%d`, paramIndex)
		args = append(args, *filters.IsActive)
		paramIndex++
	}
	if filters.TenantID != nil {
		where += fmt.Sprintf(` AND id IN (SELECT user_id FROM memberships WHERE tenant_id = $%d)`, paramIndex)
		args = append(args, *filters.TenantID)
		paramIndex++
	}

	var total int
	if err := sqlx.GetContext(ctx, r.db, &total, `SELECT COUNT(*) FROM users`+where, args...); err != nil {
		return nil, 0, fmt.Errorf("failed to count users: %w", err)
	}

	query := `SELECT ` + userColumns + ` FROM users` + where +
		fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, paramIndex, paramIndex+1)
	args = append(args, limit, offset)

	users := make([]*models.User, 0)
	if err := sqlx.SelectContext(ctx, r.db, &users, query, args...); err != nil {
		return nil, 0, fmt.Errorf("failed to list users: %w", err)
	}
	return users, total, nil
}

// CountSuperadmins returns the number of superadmin accounts
func (r *UserRepository) CountSuperadmins(ctx context.Context) (int, error) {
	var n int
	if err := sqlx.GetContext(ctx, r.db, &n, `SELECT COUNT(*) FROM users WHERE is_superadmin = TRUE`); err != nil {
		return 0, fmt.Errorf("failed to count superadmins: %w", err)
	}
	return n, nil
}

// ClearExpiredTokens nulls reset tokens that expired before now
func (r *UserRepository) ClearExpiredTokens(ctx context.Context, now time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE users SET reset_token = NULL, reset_token_expires = NULL
		 WHERE reset_token IS NOT NULL AND reset_token_expires < $1`,
		now,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to clear expired reset tokens: %w", err)
	}
	return res.RowsAffected()
}
