// Package middleware provides Gin HTTP middleware for session resolution,
// authorization guards, rate limiting, security headers and request context.
//
// Middleware ordering matters and is enforced in router.go:
//
//	Recovery → RequestID → Metrics → Logger → CORS → Security → RequestContext
//	  → RateLimit → Session → guards → Handler
//
// Security headers run early so they appear on all responses including errors.
// Rate limiting runs before the session so credential endpoints are throttled
// before any database work. Session resolution re-reads the user, tenant and
// membership on every request; guards only read the resolved session.
package middleware

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/clinicore/identity/internal/apperr"
	"github.com/clinicore/identity/internal/auth"
	"github.com/clinicore/identity/internal/services"
)

const (
	// SessionKey is the gin.Context key holding the *auth.SessionContext
	SessionKey = "session"
	// UserIDKey holds the authenticated user id; the rate limiter keys on it
	UserIDKey = "user_id"
)

// SessionResolver turns a bearer token into a session
type SessionResolver interface {
	Resolve(ctx context.Context, raw string, opts services.ResolveOptions) (*auth.SessionContext, error)
}

// SessionMiddleware requires a bearer token for a full session. Pending
// (tenant-selection) tokens are refused.
func SessionMiddleware(resolver SessionResolver) gin.HandlerFunc {
	return sessionMiddleware(resolver, services.ResolveOptions{})
}

// PendingSessionMiddleware is SessionMiddleware that also admits pending
// tokens. It only guards tenant selection.
func PendingSessionMiddleware(resolver SessionResolver) gin.HandlerFunc {
	return sessionMiddleware(resolver, services.ResolveOptions{AllowPending: true})
}

func sessionMiddleware(resolver SessionResolver, opts services.ResolveOptions) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, err := auth.ExtractBearerToken(c.GetHeader("Authorization"))
		if err != nil {
			AbortWithError(c, apperr.ErrTokenInvalid)
			return
		}

		sc, err := resolver.Resolve(c.Request.Context(), token, opts)
		if err != nil {
			AbortWithError(c, err)
			return
		}

		c.Set(SessionKey, sc)
		c.Set(UserIDKey, sc.UserID())
		c.Next()
	}
}

// Session returns the session resolved for this request, or nil
func Session(c *gin.Context) *auth.SessionContext {
	v, ok := c.Get(SessionKey)
	if !ok {
		return nil
	}
	sc, _ := v.(*auth.SessionContext)
	return sc
}

// AbortWithError renders err as {"error", "code"} and stops the chain
func AbortWithError(c *gin.Context, err error) {
	status, body := apperr.Render(err)
	if status == http.StatusUnauthorized {
		c.Header("WWW-Authenticate", "Bearer")
	}
	c.AbortWithStatusJSON(status, body)
}
