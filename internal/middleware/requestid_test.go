package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

func requestIDRouter(seen *string) *gin.Engine {
	r := gin.New()
	r.Use(RequestIDMiddleware())
	r.GET("/", func(c *gin.Context) {
		v, _ := c.Get(RequestIDKey)
		*seen, _ = v.(string)
		c.Status(http.StatusOK)
	})
	return r
}

func TestRequestID(t *testing.T) {
	tests := []struct {
		name    string
		inbound string
		reuse   bool
	}{
		{"generated when absent", "", false},
		{"reused when valid", "lb-7f3a-0001", true},
		{"replaced when too long", strings.Repeat("a", maxRequestIDLen+1), false},
		{"replaced when it has spaces", "bad id", false},
		{"replaced when it has control chars", "id\x01", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var seen string
			w := httptest.NewRecorder()
			req, _ := http.NewRequest(http.MethodGet, "/", nil)
			if tt.inbound != "" {
				req.Header.Set(RequestIDHeader, tt.inbound)
			}
			requestIDRouter(&seen).ServeHTTP(w, req)

			echoed := w.Header().Get(RequestIDHeader)
			if echoed != seen {
				t.Errorf("echoed %q, context %q", echoed, seen)
			}
			if tt.reuse {
				if seen != tt.inbound {
					t.Errorf("id = %q, want %q", seen, tt.inbound)
				}
				return
			}
			if _, err := uuid.Parse(seen); err != nil {
				t.Errorf("id %q is not a uuid: %v", seen, err)
			}
		})
	}
}
