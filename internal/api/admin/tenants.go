// tenants.go implements the superadmin tenant administration handlers,
// including the per-tenant SMTP override.
package admin

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/clinicore/identity/internal/auth"
	"github.com/clinicore/identity/internal/db/models"
	"github.com/clinicore/identity/internal/middleware"
	"github.com/clinicore/identity/internal/services"
)

// TenantAdminAPI is the tenant administration used by TenantHandlers
type TenantAdminAPI interface {
	CreateTenant(ctx context.Context, sc *auth.SessionContext, in services.TenantInput) (*models.Tenant, error)
	GetTenant(ctx context.Context, sc *auth.SessionContext, id string) (*models.Tenant, error)
	ListTenants(ctx context.Context, sc *auth.SessionContext, q services.TenantQuery) (services.List[*models.Tenant], error)
	UpdateTenant(ctx context.Context, sc *auth.SessionContext, id string, patch services.TenantPatch) (*models.Tenant, error)
	SetTenantActive(ctx context.Context, sc *auth.SessionContext, id string, active bool) (*models.Tenant, error)
	DeleteTenant(ctx context.Context, sc *auth.SessionContext, id string) error
	SetTenantSMTP(ctx context.Context, sc *auth.SessionContext, id string, in services.SMTPInput) (*services.SMTPStatus, error)
	TestTenantSMTP(ctx context.Context, sc *auth.SessionContext, id string) (*services.SMTPStatus, error)
}

// TenantHandlers handles /admin/tenants
type TenantHandlers struct {
	admin TenantAdminAPI
}

// NewTenantHandlers creates a new TenantHandlers instance
func NewTenantHandlers(admin TenantAdminAPI) *TenantHandlers {
	return &TenantHandlers{admin: admin}
}

// ListTenantsHandler lists tenants
// GET /admin/tenants?search=&is_active=&page=&per_page=
func (h *TenantHandlers) ListTenantsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		active, err := optionalBool(c, "is_active")
		if err != nil {
			fail(c, err)
			return
		}
		list, err := h.admin.ListTenants(c.Request.Context(), middleware.Session(c), services.TenantQuery{
			Search:   c.Query("search"),
			IsActive: active,
			Page:     page(c),
		})
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, list)
	}
}

// GetTenantHandler returns one tenant
// GET /admin/tenants/:id
func (h *TenantHandlers) GetTenantHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		t, err := h.admin.GetTenant(c.Request.Context(), middleware.Session(c), c.Param("id"))
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, t)
	}
}

// CreateTenantHandler creates a tenant
// POST /admin/tenants
func (h *TenantHandlers) CreateTenantHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var in services.TenantInput
		if !bindJSON(c, &in) {
			return
		}
		t, err := h.admin.CreateTenant(c.Request.Context(), middleware.Session(c), in)
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusCreated, t)
	}
}

// UpdateTenantHandler applies a partial update
// PATCH /admin/tenants/:id
func (h *TenantHandlers) UpdateTenantHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var patch services.TenantPatch
		if !bindJSON(c, &patch) {
			return
		}
		t, err := h.admin.UpdateTenant(c.Request.Context(), middleware.Session(c), c.Param("id"), patch)
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, t)
	}
}

// SetActiveHandler suspends (active=false) or reactivates a tenant
// POST /admin/tenants/:id/suspend, POST /admin/tenants/:id/activate
func (h *TenantHandlers) SetActiveHandler(active bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		t, err := h.admin.SetTenantActive(c.Request.Context(), middleware.Session(c), c.Param("id"), active)
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, t)
	}
}

// DeleteTenantHandler deletes a tenant and, by cascade, its memberships
// DELETE /admin/tenants/:id
func (h *TenantHandlers) DeleteTenantHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := h.admin.DeleteTenant(c.Request.Context(), middleware.Session(c), c.Param("id")); err != nil {
			fail(c, err)
			return
		}
		noContent(c)
	}
}

// SetSMTPHandler replaces the tenant's SMTP override
// PUT /admin/tenants/:id/smtp
func (h *TenantHandlers) SetSMTPHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var in services.SMTPInput
		if !bindJSON(c, &in) {
			return
		}
		status, err := h.admin.SetTenantSMTP(c.Request.Context(), middleware.Session(c), c.Param("id"), in)
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, status)
	}
}

// TestSMTPHandler checks that the stored SMTP password can still be opened
// POST /admin/tenants/:id/smtp/test
func (h *TenantHandlers) TestSMTPHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		status, err := h.admin.TestTenantSMTP(c.Request.Context(), middleware.Session(c), c.Param("id"))
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, status)
	}
}
