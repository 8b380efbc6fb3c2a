// users.go implements the superadmin user administration handlers.
package admin

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/clinicore/identity/internal/auth"
	"github.com/clinicore/identity/internal/middleware"
	"github.com/clinicore/identity/internal/services"
)

// UserAdminAPI is the user administration used by UserHandlers
type UserAdminAPI interface {
	CreateUser(ctx context.Context, sc *auth.SessionContext, in services.UserInput) (*services.UserView, error)
	GetUser(ctx context.Context, sc *auth.SessionContext, id string) (*services.UserDetail, error)
	ListUsers(ctx context.Context, sc *auth.SessionContext, q services.UserQuery) (services.List[services.UserView], error)
	UpdateUser(ctx context.Context, sc *auth.SessionContext, id string, patch services.UserPatch) (*services.UserView, error)
	SetUserActive(ctx context.Context, sc *auth.SessionContext, id string, active bool) (*services.UserView, error)
	DeleteUser(ctx context.Context, sc *auth.SessionContext, id string) error
}

// UserHandlers handles /admin/users
type UserHandlers struct {
	admin UserAdminAPI
}

// NewUserHandlers creates a new UserHandlers instance
func NewUserHandlers(admin UserAdminAPI) *UserHandlers {
	return &UserHandlers{admin: admin}
}

// ListUsersHandler lists and searches users
// GET /admin/users?search=&is_active=&tenant_id=&page=&per_page=
func (h *UserHandlers) ListUsersHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		active, err := optionalBool(c, "is_active")
		if err != nil {
			fail(c, err)
			return
		}
		list, err := h.admin.ListUsers(c.Request.Context(), middleware.Session(c), services.UserQuery{
			Search:   c.Query("search"),
			IsActive: active,
			TenantID: c.Query("tenant_id"),
			Page:     page(c),
		})
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, list)
	}
}

// GetUserHandler returns a user with every membership
// GET /admin/users/:id
func (h *UserHandlers) GetUserHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		u, err := h.admin.GetUser(c.Request.Context(), middleware.Session(c), c.Param("id"))
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, u)
	}
}

// CreateUserHandler creates a user directly, without an invitation
// POST /admin/users
func (h *UserHandlers) CreateUserHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var in services.UserInput
		if !bindJSON(c, &in) {
			return
		}
		u, err := h.admin.CreateUser(c.Request.Context(), middleware.Session(c), in)
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusCreated, u)
	}
}

// UpdateUserHandler applies a partial update
// PATCH /admin/users/:id
func (h *UserHandlers) UpdateUserHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var patch services.UserPatch
		if !bindJSON(c, &patch) {
			return
		}
		u, err := h.admin.UpdateUser(c.Request.Context(), middleware.Session(c), c.Param("id"), patch)
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, u)
	}
}

// SetActiveHandler activates or deactivates a user
// POST /admin/users/:id/activate, POST /admin/users/:id/deactivate
func (h *UserHandlers) SetActiveHandler(active bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		u, err := h.admin.SetUserActive(c.Request.Context(), middleware.Session(c), c.Param("id"), active)
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, u)
	}
}

// DeleteUserHandler deletes a user
// DELETE /admin/users/:id
func (h *UserHandlers) DeleteUserHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := h.admin.DeleteUser(c.Request.Context(), middleware.Session(c), c.Param("id")); err != nil {
			fail(c, err)
			return
		}
		noContent(c)
	}
}
