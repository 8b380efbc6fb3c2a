package admin

import (
	"bytes"
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/clinicore/identity/internal/apperr"
	"github.com/clinicore/identity/internal/auth"
	"github.com/clinicore/identity/internal/middleware"
)

func superSession() *auth.SessionContext {
	return auth.NewSessionContext(auth.SessionParams{
		User: auth.UserSnapshot{ID: "root", Email: "root@example.com", IsActive: true, IsSuperadmin: true},
	})
}

func adminSession() *auth.SessionContext {
	return auth.NewSessionContext(auth.SessionParams{
		User:         auth.UserSnapshot{ID: "u-admin", Email: "admin@alpha.test", IsActive: true},
		Tenant:       &auth.TenantSnapshot{ID: "t-alpha", Slug: "alpha", Name: "Alpha", IsActive: true},
		Role:         auth.RoleTenantAdmin,
		MembershipID: "m-admin",
	})
}

// withSession stands in for SessionMiddleware
func withSession(sc *auth.SessionContext) gin.HandlerFunc {
	return func(c *gin.Context) {
		if sc != nil {
			c.Set(middleware.SessionKey, sc)
		}
	}
}

func doJSON(r *gin.Engine, method, path string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		if raw, ok := body.(string); ok {
			buf.WriteString(raw)
		} else {
			_ = json.NewEncoder(&buf).Encode(body)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func getJSON(w *httptest.ResponseRecorder) map[string]interface{} {
	var out map[string]interface{}
	_ = json.Unmarshal(w.Body.Bytes(), &out)
	return out
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body apperr.Body
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body %q: %v", w.Body.String(), err)
	}
	return body.Code
}

func expectStatus(t *testing.T, w *httptest.ResponseRecorder, want int) {
	t.Helper()
	if w.Code != want {
		t.Fatalf("status = %d, want %d; body=%s", w.Code, want, w.Body.String())
	}
}
