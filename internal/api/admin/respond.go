// Package admin implements the HTTP handlers for the /auth, /tenant and /admin
// route groups. Handlers only translate between HTTP and the services layer:
// authorization decisions are made by the services against the session that
// middleware resolved, and every error is rendered through apperr.
package admin

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/clinicore/identity/internal/apperr"
	"github.com/clinicore/identity/internal/middleware"
	"github.com/clinicore/identity/internal/services"
)

const (
	defaultPerPage = 20
	maxPerPage     = 200
)

var errInvalidBody = apperr.InputInvalid("invalid_body", "Invalid request body")

// fail renders err as {"error", "code"}
func fail(c *gin.Context, err error) {
	middleware.AbortWithError(c, err)
}

// bindJSON decodes the body into dst, rendering 400 on failure
func bindJSON(c *gin.Context, dst interface{}) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		fail(c, errInvalidBody)
		return false
	}
	return true
}

// page reads ?page=1&per_page=20
func page(c *gin.Context) services.Page {
	p, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	perPage, _ := strconv.Atoi(c.DefaultQuery("per_page", strconv.Itoa(defaultPerPage)))
	if p < 1 {
		p = 1
	}
	if perPage < 1 || perPage > maxPerPage {
		perPage = defaultPerPage
	}
	return services.Page{Limit: perPage, Offset: (p - 1) * perPage}
}

// optionalBool parses a tri-state query flag such as ?is_active=false
func optionalBool(c *gin.Context, key string) (*bool, error) {
	raw, ok := c.GetQuery(key)
	if !ok || raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return nil, apperr.InputInvalid("invalid_query", "Query parameter "+key+" must be true or false")
	}
	return &v, nil
}

func message(c *gin.Context, status int, msg string) {
	c.JSON(status, gin.H{"message": msg})
}

func noContent(c *gin.Context) {
	c.Status(http.StatusNoContent)
}
