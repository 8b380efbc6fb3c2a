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

// MembershipAdminAPI is the membership administration used by MembershipHandlers
type MembershipAdminAPI interface {
	AssignMembership(ctx context.Context, sc *auth.SessionContext, in services.MembershipInput) (*models.Membership, error)
	UpdateMembershipRole(ctx context.Context, sc *auth.SessionContext, id, role string) (*models.Membership, error)
	SetDefaultMembership(ctx context.Context, sc *auth.SessionContext, id string) (*models.Membership, error)
	DeactivateMembership(ctx context.Context, sc *auth.SessionContext, id string) (*models.Membership, error)
	ListMembers(ctx context.Context, sc *auth.SessionContext, q services.MemberQuery) (services.List[*models.MembershipWithUser], error)
	ListUserMemberships(ctx context.Context, sc *auth.SessionContext, userID string) ([]*models.MembershipWithTenant, error)
}

// MembershipHandlers handles /admin/memberships and GET /tenant/members
type MembershipHandlers struct {
	admin MembershipAdminAPI
}

// NewMembershipHandlers creates a new MembershipHandlers instance
func NewMembershipHandlers(admin MembershipAdminAPI) *MembershipHandlers {
	return &MembershipHandlers{admin: admin}
}

// ListMembersHandler lists members of the caller's tenant. Superadmins pass
// ?as_tenant= for one tenant or ?all_tenants=true for every tenant.
// GET /tenant/members, GET /admin/memberships
func (h *MembershipHandlers) ListMembersHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		all, err := optionalBool(c, "all_tenants")
		if err != nil {
			fail(c, err)
			return
		}
		inactive, err := optionalBool(c, "include_inactive")
		if err != nil {
			fail(c, err)
			return
		}
		list, err := h.admin.ListMembers(c.Request.Context(), middleware.Session(c), services.MemberQuery{
			AsTenant:        c.Query("as_tenant"),
			AllTenants:      all != nil && *all,
			IncludeInactive: inactive != nil && *inactive,
			Page:            page(c),
		})
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, list)
	}
}

// ListUserMembershipsHandler lists every membership of one user
// GET /admin/users/:id/memberships
func (h *MembershipHandlers) ListUserMembershipsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ms, err := h.admin.ListUserMemberships(c.Request.Context(), middleware.Session(c), c.Param("id"))
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"memberships": ms})
	}
}

// AssignHandler adds a user to a tenant
// POST /admin/memberships
func (h *MembershipHandlers) AssignHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var in services.MembershipInput
		if !bindJSON(c, &in) {
			return
		}
		m, err := h.admin.AssignMembership(c.Request.Context(), middleware.Session(c), in)
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusCreated, m)
	}
}

// UpdateRoleHandler changes a membership's role
// PATCH /admin/memberships/:id
func (h *MembershipHandlers) UpdateRoleHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			Role string `json:"role"`
		}
		if !bindJSON(c, &req) {
			return
		}
		m, err := h.admin.UpdateMembershipRole(c.Request.Context(), middleware.Session(c), c.Param("id"), req.Role)
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, m)
	}
}

// SetDefaultHandler makes a membership the user's default
// POST /admin/memberships/:id/default
func (h *MembershipHandlers) SetDefaultHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		m, err := h.admin.SetDefaultMembership(c.Request.Context(), middleware.Session(c), c.Param("id"))
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, m)
	}
}

// DeactivateHandler soft-deletes a membership
// DELETE /admin/memberships/:id
func (h *MembershipHandlers) DeactivateHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		m, err := h.admin.DeactivateMembership(c.Request.Context(), middleware.Session(c), c.Param("id"))
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, m)
	}
}
