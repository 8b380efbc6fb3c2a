// auth.go implements the /auth handlers: two-phase login, tenant selection
// and switching, refresh, introspection and the password lifecycle.
package admin

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/clinicore/identity/internal/auth"
	"github.com/clinicore/identity/internal/middleware"
	"github.com/clinicore/identity/internal/services"
)

// LoginAPI is the login protocol used by AuthHandlers
type LoginAPI interface {
	Login(ctx context.Context, email, password string) (*services.TokenResponse, error)
	SelectTenant(ctx context.Context, sc *auth.SessionContext, tenantID string) (*services.TokenResponse, error)
	SwitchTenant(ctx context.Context, sc *auth.SessionContext, tenantID string) (*services.TokenResponse, error)
	Refresh(ctx context.Context, sc *auth.SessionContext) (*services.TokenResponse, error)
	MyTenants(ctx context.Context, sc *auth.SessionContext) ([]services.TenantOption, error)
	Me(ctx context.Context, sc *auth.SessionContext) (*services.MeResponse, error)
	Logout(ctx context.Context, sc *auth.SessionContext) error
}

// PasswordAPI is the password lifecycle used by AuthHandlers
type PasswordAPI interface {
	Change(ctx context.Context, sc *auth.SessionContext, current, next string) error
	Forgot(ctx context.Context, email string) (services.Ack, error)
	Reset(ctx context.Context, token, next string) error
}

// AuthHandlers handles the /auth endpoints
type AuthHandlers struct {
	login     LoginAPI
	passwords PasswordAPI
}

// NewAuthHandlers creates a new AuthHandlers instance
func NewAuthHandlers(login LoginAPI, passwords PasswordAPI) *AuthHandlers {
	return &AuthHandlers{login: login, passwords: passwords}
}

// loginRequest accepts OAuth2 password-form fields (username/password) as well
// as JSON {email, password}
type loginRequest struct {
	Email    string `json:"email" form:"email"`
	Username string `json:"username" form:"username"`
	Password string `json:"password" form:"password"`
}

type tenantRequest struct {
	TenantID string `json:"tenant_id"`
}

// LoginHandler authenticates credentials
// POST /auth/login
func (h *AuthHandlers) LoginHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req loginRequest
		if err := c.ShouldBind(&req); err != nil {
			fail(c, errInvalidBody)
			return
		}
		email := req.Email
		if email == "" {
			email = req.Username
		}

		resp, err := h.login.Login(c.Request.Context(), email, req.Password)
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, resp)
	}
}

// SelectTenantHandler commits the tenant choice of a pending session
// POST /auth/select-tenant
func (h *AuthHandlers) SelectTenantHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req tenantRequest
		if !bindJSON(c, &req) {
			return
		}
		resp, err := h.login.SelectTenant(c.Request.Context(), middleware.Session(c), req.TenantID)
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, resp)
	}
}

// SwitchTenantHandler moves an active session to another tenant
// POST /auth/switch-tenant
func (h *AuthHandlers) SwitchTenantHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req tenantRequest
		if !bindJSON(c, &req) {
			return
		}
		resp, err := h.login.SwitchTenant(c.Request.Context(), middleware.Session(c), req.TenantID)
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, resp)
	}
}

// RefreshHandler re-mints the token with the same context
// POST /auth/refresh-token
func (h *AuthHandlers) RefreshHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		resp, err := h.login.Refresh(c.Request.Context(), middleware.Session(c))
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, resp)
	}
}

// MyTenantsHandler lists the organizations the caller can switch to
// GET /auth/my-tenants
func (h *AuthHandlers) MyTenantsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		tenants, err := h.login.MyTenants(c.Request.Context(), middleware.Session(c))
		if err != nil {
			fail(c, err)
			return
		}
		if tenants == nil {
			tenants = []services.TenantOption{}
		}
		c.JSON(http.StatusOK, gin.H{"tenants": tenants})
	}
}

// MeHandler describes the caller and the current context
// GET /auth/me
func (h *AuthHandlers) MeHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		me, err := h.login.Me(c.Request.Context(), middleware.Session(c))
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, me)
	}
}

// LogoutHandler records the logout. Tokens stay valid until they expire;
// clients discard them.
// POST /auth/logout
func (h *AuthHandlers) LogoutHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := h.login.Logout(c.Request.Context(), middleware.Session(c)); err != nil {
			fail(c, err)
			return
		}
		message(c, http.StatusOK, "Logged out")
	}
}

type changePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

// ChangePasswordHandler verifies the current password and replaces it
// POST /auth/change-password
func (h *AuthHandlers) ChangePasswordHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req changePasswordRequest
		if !bindJSON(c, &req) {
			return
		}
		err := h.passwords.Change(c.Request.Context(), middleware.Session(c), req.CurrentPassword, req.NewPassword)
		if err != nil {
			fail(c, err)
			return
		}
		message(c, http.StatusOK, "Password changed")
	}
}

// ForgotPasswordHandler requests a reset link. The response never reveals
// whether the account exists.
// POST /auth/forgot-password
func (h *AuthHandlers) ForgotPasswordHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			Email string `json:"email"`
		}
		if !bindJSON(c, &req) {
			return
		}
		ack, err := h.passwords.Forgot(c.Request.Context(), req.Email)
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, ack)
	}
}

type resetPasswordRequest struct {
	Token       string `json:"token"`
	NewPassword string `json:"new_password"`
}

// ResetPasswordHandler consumes a reset token
// POST /auth/reset-password
func (h *AuthHandlers) ResetPasswordHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req resetPasswordRequest
		if !bindJSON(c, &req) {
			return
		}
		if err := h.passwords.Reset(c.Request.Context(), req.Token, req.NewPassword); err != nil {
			fail(c, err)
			return
		}
		message(c, http.StatusOK, "Password has been reset")
	}
}
