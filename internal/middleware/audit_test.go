package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/clinicore/identity/internal/services"
)

func TestRequestContextMiddleware(t *testing.T) {
	var got services.RequestInfo
	r := gin.New()
	r.Use(RequestIDMiddleware(), RequestContextMiddleware())
	r.GET("/", func(c *gin.Context) {
		got = services.RequestInfoFrom(c.Request.Context())
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "198.51.100.7:40000"
	req.Header.Set("User-Agent", strings.Repeat("x", maxUserAgent+100))
	req.Header.Set(RequestIDHeader, "req-1")
	r.ServeHTTP(w, req)

	if got.IPAddress != "198.51.100.7" {
		t.Errorf("IPAddress = %q", got.IPAddress)
	}
	if len(got.UserAgent) != maxUserAgent {
		t.Errorf("UserAgent length = %d, want %d", len(got.UserAgent), maxUserAgent)
	}
	if got.RequestID != "req-1" {
		t.Errorf("RequestID = %q, want req-1", got.RequestID)
	}
}
