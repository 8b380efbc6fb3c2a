// stats.go serves aggregate counts for the platform operator dashboard.
package admin

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"

	"github.com/clinicore/identity/internal/apperr"
)

// StatsHandler reads dashboard counters straight from the database.
type StatsHandler struct {
	db *sqlx.DB
}

// NewStatsHandler creates a new stats handler
func NewStatsHandler(database *sqlx.DB) *StatsHandler {
	return &StatsHandler{db: database}
}

// DashboardStats is the response of GET /admin/stats
type DashboardStats struct {
	Tenants     TenantStats     `json:"tenants"`
	Users       UserStats       `json:"users"`
	Memberships MembershipStats `json:"memberships"`
	Audit       AuditStats      `json:"audit"`
}

type TenantStats struct {
	Total       int64 `json:"total"`
	Active      int64 `json:"active"`
	Suspended   int64 `json:"suspended"`
	SMTPEnabled int64 `json:"smtp_enabled"`
}

type UserStats struct {
	Total              int64 `json:"total"`
	Active             int64 `json:"active"`
	Superadmins        int64 `json:"superadmins"`
	PendingInvitations int64 `json:"pending_invitations"`
}

// RoleCount is the number of active memberships holding one role.
type RoleCount struct {
	Role  string `json:"role" db:"role"`
	Count int64  `json:"count" db:"count"`
}

type MembershipStats struct {
	Active int64       `json:"active"`
	ByRole []RoleCount `json:"by_role"`
}

// AuditStats counts records written in the last 24 hours.
type AuditStats struct {
	Last24h      int64 `json:"last_24h"`
	FailedLogins int64 `json:"failed_logins_24h"`
}

// GetDashboardStats returns dashboard statistics. The core counts come from a
// single round-trip; the role breakdown is a second query.
func (h *StatsHandler) GetDashboardStats(c *gin.Context) {
	ctx := c.Request.Context()

	query := `
		SELECT
			(SELECT COUNT(*) FROM tenants) AS tenant_count,
			(SELECT COUNT(*) FROM tenants WHERE is_active) AS tenant_active,
			(SELECT COUNT(*) FROM tenants WHERE smtp_enabled) AS tenant_smtp,
			(SELECT COUNT(*) FROM users) AS user_count,
			(SELECT COUNT(*) FROM users WHERE is_active) AS user_active,
			(SELECT COUNT(*) FROM users WHERE is_superadmin) AS superadmin_count,
			(SELECT COUNT(*) FROM users WHERE invitation_token IS NOT NULL AND invitation_token_expires > NOW()) AS pending_invitations,
			(SELECT COUNT(*) FROM memberships WHERE is_active) AS membership_active,
			(SELECT COUNT(*) FROM audit_logs WHERE created_at > NOW() - INTERVAL '24 hours') AS audit_recent,
			(SELECT COUNT(*) FROM audit_logs WHERE action = 'LOGIN_FAILED' AND created_at > NOW() - INTERVAL '24 hours') AS audit_failed_logins
	`

	var stats DashboardStats
	err := h.db.QueryRowContext(ctx, query).Scan(
		&stats.Tenants.Total,
		&stats.Tenants.Active,
		&stats.Tenants.SMTPEnabled,
		&stats.Users.Total,
		&stats.Users.Active,
		&stats.Users.Superadmins,
		&stats.Users.PendingInvitations,
		&stats.Memberships.Active,
		&stats.Audit.Last24h,
		&stats.Audit.FailedLogins,
	)
	if err != nil {
		fail(c, apperr.Internal(err))
		return
	}
	stats.Tenants.Suspended = stats.Tenants.Total - stats.Tenants.Active

	stats.Memberships.ByRole = []RoleCount{}
	if err := h.db.SelectContext(ctx, &stats.Memberships.ByRole, `
		SELECT role, COUNT(*) AS count
		FROM memberships
		WHERE is_active
		GROUP BY role
		ORDER BY count DESC, role
	`); err != nil {
		fail(c, apperr.Internal(err))
		return
	}

	c.JSON(http.StatusOK, stats)
}
