package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/clinicore/identity/internal/auth"
	"github.com/clinicore/identity/internal/db/models"
)

const membershipColumns = `m.id, m.user_id, m.tenant_id, m.role, m.is_active, m.is_default, m.joined_at,
	m.last_access_at, m.invited_by, m.invitation_token, m.invitation_expires_at, m.notes,
	m.created_at, m.updated_at`

// MembershipRepository handles membership database operations
type MembershipRepository struct {
	db sqlx.ExtContext
}

// NewMembershipRepository creates a new MembershipRepository
func NewMembershipRepository(db sqlx.ExtContext) *MembershipRepository {
	return &MembershipRepository{db: db}
}

// Create inserts a membership
func (r *MembershipRepository) Create(ctx context.Context, m *models.Membership) error {
	m.ID = uuid.New().String()
	now := time.Now()
	m.CreatedAt = now
	m.UpdatedAt = now
	if m.JoinedAt.IsZero() {
		m.JoinedAt = now
	}

	query := `
		INSERT INTO memberships (id, user_id, tenant_id, role, is_active, is_default, joined_at,
			invited_by, invitation_token, invitation_expires_at, notes, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`
	_, err := r.db.ExecContext(ctx, query,
		m.ID, m.UserID, m.TenantID, m.Role, m.IsActive, m.IsDefault, m.JoinedAt,
		m.InvitedBy, m.InvitationToken, m.InvitationExpiresAt, m.Notes, m.CreatedAt, m.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create membership: %w", translateErr(err))
	}
	return nil
}

func (r *MembershipRepository) getOne(ctx context.Context, where string, args ...interface{}) (*models.Membership, error) {
	m := &models.Membership{}
	err := sqlx.GetContext(ctx, r.db, m, `SELECT `+membershipColumns+` FROM memberships m WHERE `+where, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

// GetByID retrieves a membership by ID
func (r *MembershipRepository) GetByID(ctx context.Context, id string) (*models.Membership, error) {
	return r.getOne(ctx, `m.id = $1`, id)
}

// GetByUserAndTenant retrieves the membership linking a user to a tenant
func (r *MembershipRepository) GetByUserAndTenant(ctx context.Context, userID, tenantID string) (*models.Membership, error) {
	return r.getOne(ctx, `m.user_id = $1 AND m.tenant_id = $2`, userID, tenantID)
}

// GetByUserAndTenantForUpdate is GetByUserAndTenant with a row lock
func (r *MembershipRepository) GetByUserAndTenantForUpdate(ctx context.Context, userID, tenantID string) (*models.Membership, error) {
	return r.getOne(ctx, `m.user_id = $1 AND m.tenant_id = $2 FOR UPDATE`, userID, tenantID)
}

// GetByInvitationTokenForUpdate finds a pending membership by its typed invitation token
func (r *MembershipRepository) GetByInvitationTokenForUpdate(ctx context.Context, token string) (*models.Membership, error) {
	return r.getOne(ctx, `m.invitation_token = $1 FOR UPDATE`, token)
}

// FindByLegacyNotesTokenForUpdate finds a membership whose invitation still
// lives only in the notes column. The caller re-parses the notes to confirm
// the match.
func (r *MembershipRepository) FindByLegacyNotesTokenForUpdate(ctx context.Context, token string) (*models.Membership, error) {
	return r.getOne(ctx,
		`m.invitation_token IS NULL AND strpos(m.notes, 'invitation_token:' || $1 || '|') > 0 LIMIT 1 FOR UPDATE`,
		token,
	)
}

// ListActiveForUser returns the user's active memberships in active tenants,
// default membership first, then by tenant name
func (r *MembershipRepository) ListActiveForUser(ctx context.Context, userID string) ([]*models.MembershipWithTenant, error) {
	query := `
		SELECT ` + membershipColumns + `, t.name AS tenant_name, t.slug AS tenant_slug, t.is_active AS tenant_is_active
		FROM memberships m
		JOIN tenants t ON t.id = m.tenant_id
		WHERE m.user_id = $1 AND m.is_active = TRUE AND t.is_active = TRUE
		ORDER BY m.is_default DESC, t.name ASC
	`
	out := make([]*models.MembershipWithTenant, 0)
	if err := sqlx.SelectContext(ctx, r.db, &out, query, userID); err != nil {
		return nil, fmt.Errorf("failed to list memberships for user: %w", err)
	}
	return out, nil
}

// ListForUser returns every membership of a user regardless of state
func (r *MembershipRepository) ListForUser(ctx context.Context, userID string) ([]*models.MembershipWithTenant, error) {
	query := `
		SELECT ` + membershipColumns + `, t.name AS tenant_name, t.slug AS tenant_slug, t.is_active AS tenant_is_active
		FROM memberships m
		JOIN tenants t ON t.id = m.tenant_id
		WHERE m.user_id = $1
		ORDER BY t.name ASC
	`
	out := make([]*models.MembershipWithTenant, 0)
	if err := sqlx.SelectContext(ctx, r.db, &out, query, userID); err != nil {
		return nil, fmt.Errorf("failed to list memberships for user: %w", err)
	}
	return out, nil
}

// ListByTenant returns memberships visible through filter with their users
func (r *MembershipRepository) ListByTenant(ctx context.Context, filter auth.TenantFilter, includeInactive bool, limit, offset int) ([]*models.MembershipWithUser, int, error) {
	where := ` WHERE 1=1`
	args := make([]interface{}, 0)
	where, args = filter.Apply(where, "m.tenant_id", args)
	if !includeInactive {
		where += ` AND m.is_active = TRUE`
	}

	from := ` FROM memberships m JOIN users u ON u.id = m.user_id`

	var total int
	if err := sqlx.GetContext(ctx, r.db, &total, `SELECT COUNT(*)`+from+where, args...); err != nil {
		return nil, 0, fmt.Errorf("failed to count memberships: %w", err)
	}

	paramIndex := len(args) + 1
	query := `SELECT ` + membershipColumns + `, u.email AS user_email, u.full_name AS user_full_name, u.is_active AS user_is_active` +
		from + where +
		fmt.Sprintf(` ORDER BY u.email ASC LIMIT $%d OFFSET $%d`, paramIndex, paramIndex+1)
	args = append(args, limit, offset)

	out := make([]*models.MembershipWithUser, 0)
	if err := sqlx.SelectContext(ctx, r.db, &out, query, args...); err != nil {
		return nil, 0, fmt.Errorf("failed to list memberships: %w", err)
	}
	return out, total, nil
}

// ListTenantAdmins returns the active tenant_admin memberships of a tenant
func (r *MembershipRepository) ListTenantAdmins(ctx context.Context, tenantID string) ([]*models.MembershipWithUser, error) {
	query := `
		SELECT ` + membershipColumns + `, u.email AS user_email, u.full_name AS user_full_name, u.is_active AS user_is_active
		FROM memberships m
		JOIN users u ON u.id = m.user_id
		WHERE m.tenant_id = $1 AND m.role = $2 AND m.is_active = TRUE AND u.is_active = TRUE
		ORDER BY u.email ASC
	`
	out := make([]*models.MembershipWithUser, 0)
	if err := sqlx.SelectContext(ctx, r.db, &out, query, tenantID, string(auth.RoleTenantAdmin)); err != nil {
		return nil, fmt.Errorf("failed to list tenant admins: %w", err)
	}
	return out, nil
}

// HasDefault reports whether the user already has a default membership
func (r *MembershipRepository) HasDefault(ctx context.Context, userID string) (bool, error) {
	var exists bool
	err := sqlx.GetContext(ctx, r.db, &exists,
		`SELECT EXISTS(SELECT 1 FROM memberships WHERE user_id = $1 AND is_default = TRUE)`, userID)
	if err != nil {
		return false, fmt.Errorf("failed to check default membership: %w", err)
	}
	return exists, nil
}

// Activate turns a pending membership into an active one and clears its
// invitation token. notes replaces the stored notes.
func (r *MembershipRepository) Activate(ctx context.Context, id string, joinedAt time.Time, notes *string) error {
	query := `
		UPDATE memberships
		SET is_active = TRUE, joined_at = $2, invitation_token = NULL, invitation_expires_at = NULL,
			notes = $3, updated_at = $2
		WHERE id = $1
	`
	if _, err := r.db.ExecContext(ctx, query, id, joinedAt, notes); err != nil {
		return fmt.Errorf("failed to activate membership: %w", err)
	}
	return nil
}

// SetDefault marks membershipID as the user's default and clears the flag on
// every other membership of that user. Run it inside a transaction.
func (r *MembershipRepository) SetDefault(ctx context.Context, userID, membershipID string) error {
	now := time.Now()
	if _, err := r.db.ExecContext(ctx,
		`UPDATE memberships SET is_default = FALSE, updated_at = $3 WHERE user_id = $1 AND id <> $2 AND is_default = TRUE`,
		userID, membershipID, now,
	); err != nil {
		return fmt.Errorf("failed to clear default membership: %w", err)
	}
	if _, err := r.db.ExecContext(ctx,
		`UPDATE memberships SET is_default = TRUE, updated_at = $3 WHERE user_id = $1 AND id = $2`,
		userID, membershipID, now,
	); err != nil {
		return fmt.Errorf("failed to set default membership: %w", err)
	}
	return nil
}

// TouchLastAccess records that the membership was used to open a session
func (r *MembershipRepository) TouchLastAccess(ctx context.Context, id string, at time.Time) error {
	if _, err := r.db.ExecContext(ctx, `UPDATE memberships SET last_access_at = $2 WHERE id = $1`, id, at); err != nil {
		return fmt.Errorf("failed to touch membership: %w", err)
	}
	return nil
}

// UpdateRole changes a membership's role
func (r *MembershipRepository) UpdateRole(ctx context.Context, id, role string) error {
	if _, err := r.db.ExecContext(ctx,
		`UPDATE memberships SET role = $2, updated_at = $3 WHERE id = $1`, id, role, time.Now(),
	); err != nil {
		return fmt.Errorf("failed to update membership role: %w", err)
	}
	return nil
}

// SetActive activates or revokes a membership. Revoking also drops the default flag.
func (r *MembershipRepository) SetActive(ctx context.Context, id string, active bool) error {
	query := `UPDATE memberships SET is_active = $2, updated_at = $3 WHERE id = $1`
	if !active {
		query = `UPDATE memberships SET is_active = $2, is_default = FALSE, updated_at = $3 WHERE id = $1`
	}
	if _, err := r.db.ExecContext(ctx, query, id, active, time.Now()); err != nil {
		return fmt.Errorf("failed to set membership active: %w", err)
	}
	return nil
}

// Deactivate revokes a membership without deleting it
func (r *MembershipRepository) Deactivate(ctx context.Context, id string) error {
	return r.SetActive(ctx, id, false)
}

// ClearDefault drops the default flag from every membership of the user
func (r *MembershipRepository) ClearDefault(ctx context.Context, userID string) error {
	if _, err := r.db.ExecContext(ctx,
		`UPDATE memberships SET is_default = FALSE, updated_at = $2 WHERE user_id = $1 AND is_default = TRUE`,
		userID, time.Now(),
	); err != nil {
		return fmt.Errorf("failed to clear default membership: %w", err)
	}
	return nil
}

// Delete removes a membership
func (r *MembershipRepository) Delete(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM memberships WHERE id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete membership: %w", err)
	}
	return nil
}

// ClearExpiredInvitations drops typed invitation tokens that expired before now
func (r *MembershipRepository) ClearExpiredInvitations(ctx context.Context, now time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE memberships SET invitation_token = NULL, invitation_expires_at = NULL
		 WHERE invitation_token IS NOT NULL AND invitation_expires_at < $1`,
		now,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to clear expired invitations: %w", err)
	}
	return res.RowsAffected()
}
