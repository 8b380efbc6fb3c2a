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

const tenantColumns = `id, slug, name, is_active, plan, logo_url, primary_color, contact_email,
	smtp_enabled, smtp_host, smtp_port, smtp_username, smtp_password_encrypted,
	smtp_from_email, smtp_from_name, smtp_use_tls, smtp_use_ssl, created_at, updated_at`

// TenantRepository handles tenant database operations
type TenantRepository struct {
	db sqlx.ExtContext
}

// NewTenantRepository creates a new TenantRepository
func NewTenantRepository(db sqlx.ExtContext) *TenantRepository {
	return &TenantRepository{db: db}
}

// Create inserts a tenant. SMTP settings start disabled.
func (r *TenantRepository) Create(ctx context.Context, t *models.Tenant) error {
	t.ID = uuid.New().String()
	t.CreatedAt = time.Now()
	t.UpdatedAt = t.CreatedAt
	if t.Plan == "" {
		t.Plan = models.PlanFree
	}

	query := `
		INSERT INTO tenants (id, slug, name, is_active, plan, logo_url, primary_color, contact_email, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err := r.db.ExecContext(ctx, query,
		t.ID, t.Slug, t.Name, t.IsActive, t.Plan, t.LogoURL, t.PrimaryColor, t.ContactEmail, t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create tenant: %w", translateErr(err))
	}
	return nil
}

func (r *TenantRepository) getOne(ctx context.Context, where string, args ...interface{}) (*models.Tenant, error) {
	t := &models.Tenant{}
	err := sqlx.GetContext(ctx, r.db, t, `SELECT `+tenantColumns+` FROM tenants WHERE `+where, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}

// GetByID retrieves a tenant by ID
func (r *TenantRepository) GetByID(ctx context.Context, id string) (*models.Tenant, error) {
	return r.getOne(ctx, `id = $1`, id)
}

// GetBySlug retrieves a tenant by slug
func (r *TenantRepository) GetBySlug(ctx context.Context, slug string) (*models.Tenant, error) {
	return r.getOne(ctx, `slug = $1`, slug)
}

// Update writes the tenant profile: slug, name, plan and branding
func (r *TenantRepository) Update(ctx context.Context, t *models.Tenant) error {
	t.UpdatedAt = time.Now()
	query := `
		UPDATE tenants
		SET slug = $2, name = $3, is_active = $4, plan = $5, logo_url = $6, primary_color = $7,
			contact_email = $8, updated_at = $9
		WHERE id = $1
	`
	_, err := r.db.ExecContext(ctx, query,
		t.ID, t.Slug, t.Name, t.IsActive, t.Plan, t.LogoURL, t.PrimaryColor, t.ContactEmail, t.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update tenant: %w", translateErr(err))
	}
	return nil
}

// SetActive enables or disables a tenant
func (r *TenantRepository) SetActive(ctx context.Context, id string, active bool) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE tenants SET is_active = $2, updated_at = $3 WHERE id = $1`,
		id, active, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("failed to set tenant active: %w", err)
	}
	return nil
}

// UpdateSMTP replaces the tenant's outbound mail settings. The password must
// already be sealed by the caller.
func (r *TenantRepository) UpdateSMTP(ctx context.Context, id string, s models.SMTPSettings) error {
	query := `
		UPDATE tenants
		SET smtp_enabled = $2, smtp_host = $3, smtp_port = $4, smtp_username = $5,
			smtp_password_encrypted = $6, smtp_from_email = $7, smtp_from_name = $8,
			smtp_use_tls = $9, smtp_use_ssl = $10, updated_at = $11
		WHERE id = $1
	`
	_, err := r.db.ExecContext(ctx, query,
		id, s.Enabled, s.Host, s.Port, s.Username, s.PasswordEncrypted, s.FromEmail, s.FromName,
		s.UseTLS, s.UseSSL, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("failed to update tenant smtp settings: %w", err)
	}
	return nil
}

// Delete removes a tenant; memberships cascade
func (r *TenantRepository) Delete(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM tenants WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete tenant: %w", err)
	}
	return nil
}

// List returns tenants with pagination, plus the total count
func (r *TenantRepository) List(ctx context.Context, search string, isActive *bool, limit, offset int) ([]*models.Tenant, int, error) {
	where := ` WHERE 1=1`
	args := make([]interface{}, 0)
	paramIndex := 1

	if s := strings.TrimSpace(search); s != "" {
		where += fmt.Sprintf(` AND (name ILIKE $%d OR slug ILIKE $%d)`, paramIndex, paramIndex)
		args = append(args, "%"+s+"%")
		paramIndex++
	}
	if isActive != nil {
		where += fmt.Sprintf(` AND is_active = $%d`, paramIndex)
		args = append(args, *isActive)
		paramIndex++
	}

	var total int
	if err := sqlx.GetContext(ctx, r.db, &total, `SELECT COUNT(*) FROM tenants`+where, args...); err != nil {
		return nil, 0, fmt.Errorf("failed to count tenants: %w", err)
	}

	query := `SELECT ` + tenantColumns + ` FROM tenants` + where +
		fmt.Sprintf(` ORDER BY name ASC LIMIT $%d OFFSET $%d`, paramIndex, paramIndex+1)
	args = append(args, limit, offset)

	tenants := make([]*models.Tenant, 0)
	if err := sqlx.SelectContext(ctx, r.db, &tenants, query, args...); err != nil {
		return nil, 0, fmt.Errorf("failed to list tenants: %w", err)
	}
	return tenants, total, nil
}
