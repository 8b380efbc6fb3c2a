package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/clinicore/identity/internal/auth"
)

// guardRouter places sc in the context (when non-nil), runs mid, and answers 200
func guardRouter(mid gin.HandlerFunc, sc *auth.SessionContext) *gin.Engine {
	r := gin.New()
	r.GET("/", func(c *gin.Context) {
		if sc != nil {
			c.Set(SessionKey, sc)
		}
	}, mid, func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
	return r
}

func TestGuards(t *testing.T) {
	tests := []struct {
		name     string
		mid      gin.HandlerFunc
		sc       *auth.SessionContext
		wantCode int
		wantBody string
	}{
		{"authenticated/no session", RequireAuthenticated(), nil, http.StatusUnauthorized, "unauthorized"},
		{"authenticated/pending", RequireAuthenticated(), pendingSession(), http.StatusForbidden, "tenant_selection_required"},
		{"authenticated/staff", RequireAuthenticated(), staffSession(auth.RoleRecepcionista), http.StatusOK, ""},

		{"superadmin/staff", RequireSuperadmin(), staffSession(auth.RoleTenantAdmin), http.StatusForbidden, "superadmin_required"},
		{"superadmin/super", RequireSuperadmin(), superSession(), http.StatusOK, ""},

		{"tenant admin/admin", RequireTenantAdmin(), staffSession(auth.RoleTenantAdmin), http.StatusOK, ""},
		{"tenant admin/manager", RequireTenantAdmin(), staffSession(auth.RoleManager), http.StatusForbidden, "tenant_admin_required"},
		{"tenant admin/super", RequireTenantAdmin(), superSession(), http.StatusOK, ""},

		{"member/medico", RequireTenantMember(), staffSession(auth.RoleMedico), http.StatusOK, ""},
		{"member/patient", RequireTenantMember(), staffSession(auth.RolePatient), http.StatusForbidden, "role_not_allowed"},
		{"member/super without tenant", RequireTenantMember(), superSession(), http.StatusForbidden, "tenant_required"},

		{"role in/match", RequireRoleIn(auth.RoleCloser, auth.RoleManager), staffSession(auth.RoleCloser), http.StatusOK, ""},
		{"role in/no match", RequireRoleIn(auth.RoleCloser), staffSession(auth.RoleMedico), http.StatusForbidden, "role_not_allowed"},
		{"role in/super", RequireRoleIn(auth.RoleCloser), superSession(), http.StatusOK, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			req, _ := http.NewRequest(http.MethodGet, "/", nil)
			guardRouter(tt.mid, tt.sc).ServeHTTP(w, req)

			if w.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d; body=%s", w.Code, tt.wantCode, w.Body.String())
			}
			if tt.wantBody != "" {
				if body := decodeBody(t, w); body.Code != tt.wantBody {
					t.Errorf("code = %q, want %q", body.Code, tt.wantBody)
				}
			}
		})
	}
}
