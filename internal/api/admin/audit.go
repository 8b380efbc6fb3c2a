package admin

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/clinicore/identity/internal/apperr"
	"github.com/clinicore/identity/internal/auth"
	"github.com/clinicore/identity/internal/db/models"
	"github.com/clinicore/identity/internal/middleware"
	"github.com/clinicore/identity/internal/services"
)

// AuditAPI reads audit records
type AuditAPI interface {
	List(ctx context.Context, sc *auth.SessionContext, q services.AuditQuery) (services.List[*models.AuditLog], error)
	FailedLogins(ctx context.Context, sc *auth.SessionContext, email string, since time.Time) (*services.FailedLoginCount, error)
}

// failedLoginWindow is the lookback used when ?since= is omitted
const failedLoginWindow = 24 * time.Hour

// AuditHandlers handles the read-only audit log endpoints
type AuditHandlers struct {
	audit AuditAPI
}

// NewAuditHandlers creates a new AuditHandlers instance
func NewAuditHandlers(audit AuditAPI) *AuditHandlers {
	return &AuditHandlers{audit: audit}
}

// ListHandler lists audit records newest first. allTenants is set on the
// superadmin route, where omitting ?as_tenant= means every tenant.
// GET /admin/audit-logs, GET /tenant/audit-logs
func (h *AuditHandlers) ListHandler(allTenants bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		from, err := optionalTime(c, "from")
		if err != nil {
			fail(c, err)
			return
		}
		to, err := optionalTime(c, "to")
		if err != nil {
			fail(c, err)
			return
		}
		asTenant := c.Query("as_tenant")
		list, err := h.audit.List(c.Request.Context(), middleware.Session(c), services.AuditQuery{
			AsTenant:   asTenant,
			AllTenants: allTenants && asTenant == "",
			UserID:     c.Query("user_id"),
			Action:     c.Query("action"),
			Category:   c.Query("category"),
			From:       from,
			To:         to,
			Page:       page(c),
		})
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, list)
	}
}

// FailedLoginsHandler counts failed sign-ins for one email.
// GET /admin/audit-logs/failed-logins?email=&since=
func (h *AuditHandlers) FailedLoginsHandler(c *gin.Context) {
	since, err := optionalTime(c, "since")
	if err != nil {
		fail(c, err)
		return
	}
	if since == nil {
		t := time.Now().Add(-failedLoginWindow)
		since = &t
	}
	count, err := h.audit.FailedLogins(c.Request.Context(), middleware.Session(c), c.Query("email"), *since)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, count)
}

// optionalTime parses an RFC 3339 query timestamp
func optionalTime(c *gin.Context, key string) (*time.Time, error) {
	raw := c.Query(key)
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, apperr.InputInvalid("invalid_query", "Query parameter "+key+" must be an RFC 3339 timestamp")
	}
	return &t, nil
}
