// Package middleware (rbac.go) adapts the authorization kernel to Gin.
//
// Roles are checked against the session resolved for this request, never
// against cached claims, so a role change or revoked membership takes effect
// on the next request.

package middleware

import (
	"github.com/gin-gonic/gin"

	"github.com/clinicore/identity/internal/auth"
)

func guard(check func(*auth.SessionContext) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := check(Session(c)); err != nil {
			AbortWithError(c, err)
			return
		}
		c.Next()
	}
}

// RequireAuthenticated requires a resolved session
func RequireAuthenticated() gin.HandlerFunc {
	return guard(auth.RequireAuthenticated)
}

// RequireSuperadmin requires a superadmin session
func RequireSuperadmin() gin.HandlerFunc {
	return guard(auth.RequireSuperadmin)
}

// RequireTenantAdmin requires a superadmin or a tenant_admin session
func RequireTenantAdmin() gin.HandlerFunc {
	return guard(auth.RequireTenantAdmin)
}

// RequireTenantMember requires a session bound to a tenant with a staff role
func RequireTenantMember() gin.HandlerFunc {
	return guard(auth.RequireTenantMember)
}

// RequireRoleIn requires one of roles; superadmins pass
func RequireRoleIn(roles ...auth.Role) gin.HandlerFunc {
	return guard(func(sc *auth.SessionContext) error {
		return auth.RequireRoleIn(sc, roles...)
	})
}
