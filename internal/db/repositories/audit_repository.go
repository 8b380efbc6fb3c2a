// audit_repository.go implements AuditRepository: the append-only write path
// and the filtered, tenant-scoped read path for audit records.
package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/clinicore/identity/internal/auth"
	"github.com/clinicore/identity/internal/db/models"
)

const auditColumns = `id, created_at, user_id, user_email, tenant_id, action, category,
	entity_type, entity_id, description, ip_address, user_agent, request_id, details`

// AuditRepository handles audit log database operations. There is no update
// or delete path; the table rejects both.
type AuditRepository struct {
	db sqlx.ExtContext
}

// NewAuditRepository creates a new AuditRepository
func NewAuditRepository(db sqlx.ExtContext) *AuditRepository {
	return &AuditRepository{db: db}
}

// AuditFilters contains filters for querying audit logs
type AuditFilters struct {
	Tenant    auth.TenantFilter
	UserID    *string
	Action    *string
	Category  *string
	StartDate *time.Time
	EndDate   *time.Time
}

// Create appends an audit record
func (r *AuditRepository) Create(ctx context.Context, log *models.AuditLog) error {
	log.ID = uuid.New().String()
	if log.CreatedAt.IsZero() {
		log.CreatedAt = time.Now()
	}
	if log.Category == "" {
		log.Category = models.DefaultCategory(log.Action)
	}

	query := `
		INSERT INTO audit_logs (` + auditColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`
	_, err := r.db.ExecContext(ctx, query,
		log.ID,
		log.CreatedAt,
		log.UserID,
		log.UserEmail,
		log.TenantID,
		log.Action,
		log.Category,
		log.EntityType,
		log.EntityID,
		log.Description,
		log.IPAddress,
		log.UserAgent,
		log.RequestID,
		log.Details,
	)
	if err != nil {
		return fmt.Errorf("failed to create audit log: %w", err)
	}
	return nil
}

// List retrieves audit logs with optional filters and pagination, newest first
func (r *AuditRepository) List(ctx context.Context, filters AuditFilters, limit, offset int) ([]*models.AuditLog, int, error) {
	where := ` WHERE 1=1`
	args := make([]interface{}, 0)
	where, args = filters.Tenant.Apply(where, "tenant_id", args)

	if filters.UserID != nil {
		args = append(args, *filters.UserID)
		where += fmt.Sprintf(` AND user_id = $%d`, len(args))
	}
	if filters.Action != nil {
		args = append(args, *filters.Action)
		where += fmt.Sprintf(` AND action = $%d`, len(args))
	}
	if filters.Category != nil {
		args = append(args, *filters.Category)
		where += fmt.Sprintf(` AND category = $%d`, len(args))
	}
	if filters.StartDate != nil {
		args = append(args, *filters.StartDate)
		where += fmt.Sprintf(` AND created_at >= $%d`, len(args))
	}
	if filters.EndDate != nil {
		args = append(args, *filters.EndDate)
		where += fmt.Sprintf(` AND created_at <= $%d`, len(args))
	}

	var total int
	if err := sqlx.GetContext(ctx, r.db, &total, `SELECT COUNT(*) FROM audit_logs`+where, args...); err != nil {
		return nil, 0, fmt.Errorf("failed to count audit logs: %w", err)
	}

	paramIndex := len(args) + 1
	query := `SELECT ` + auditColumns + ` FROM audit_logs` + where +
		fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, paramIndex, paramIndex+1)
	args = append(args, limit, offset)

	logs := make([]*models.AuditLog, 0)
	if err := sqlx.SelectContext(ctx, r.db, &logs, query, args...); err != nil {
		return nil, 0, fmt.Errorf("failed to list audit logs: %w", err)
	}
	return logs, total, nil
}

// CountByActionAndEmail counts records of action for email since the given time
func (r *AuditRepository) CountByActionAndEmail(ctx context.Context, action, email string, since time.Time) (int, error) {
	var n int
	err := sqlx.GetContext(ctx, r.db, &n,
		`SELECT COUNT(*) FROM audit_logs WHERE action = $1 AND user_email = $2 AND created_at >= $3`,
		action, email, since,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to count audit logs: %w", err)
	}
	return n, nil
}
