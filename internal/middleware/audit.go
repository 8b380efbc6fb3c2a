// audit.go provides Gin middleware that captures the request attributes stamped
// on every audit record (client IP, user agent, request id).
package middleware

import (
	"github.com/gin-gonic/gin"

	"github.com/clinicore/identity/internal/services"
)

// maxUserAgent bounds the user agent stored with audit records
const maxUserAgent = 512

// RequestContextMiddleware attaches services.RequestInfo to the request
// context so services can audit without depending on HTTP types. It must run
// after RequestIDMiddleware.
func RequestContextMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		info := services.RequestInfo{
			IPAddress: c.ClientIP(),
			UserAgent: c.Request.UserAgent(),
		}
		if len(info.UserAgent) > maxUserAgent {
			info.UserAgent = info.UserAgent[:maxUserAgent]
		}
		if id, ok := c.Get(RequestIDKey); ok {
			info.RequestID, _ = id.(string)
		}
		c.Request = c.Request.WithContext(services.WithRequestInfo(c.Request.Context(), info))
		c.Next()
	}
}
