package admin

import (
	"context"
	"net/http"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/clinicore/identity/internal/apperr"
	"github.com/clinicore/identity/internal/auth"
	"github.com/clinicore/identity/internal/db/models"
	"github.com/clinicore/identity/internal/services"
)

type stubMembershipAdmin struct {
	err error

	caller *auth.SessionContext
	id     string
	role   string
	input  services.MembershipInput
	query  services.MemberQuery
	called string
}

func (s *stubMembershipAdmin) AssignMembership(_ context.Context, sc *auth.SessionContext, in services.MembershipInput) (*models.Membership, error) {
	s.caller, s.input, s.called = sc, in, "assign"
	return &models.Membership{ID: "m-new", UserID: in.UserID, TenantID: in.TenantID, Role: in.Role, IsActive: true}, s.err
}

func (s *stubMembershipAdmin) UpdateMembershipRole(_ context.Context, _ *auth.SessionContext, id, role string) (*models.Membership, error) {
	s.id, s.role, s.called = id, role, "update"
	return &models.Membership{ID: id, Role: role}, s.err
}

func (s *stubMembershipAdmin) SetDefaultMembership(_ context.Context, _ *auth.SessionContext, id string) (*models.Membership, error) {
	s.id, s.called = id, "default"
	return &models.Membership{ID: id, IsDefault: true}, s.err
}

func (s *stubMembershipAdmin) DeactivateMembership(_ context.Context, _ *auth.SessionContext, id string) (*models.Membership, error) {
	s.id, s.called = id, "deactivate"
	return &models.Membership{ID: id}, s.err
}

func (s *stubMembershipAdmin) ListMembers(_ context.Context, sc *auth.SessionContext, q services.MemberQuery) (services.List[*models.MembershipWithUser], error) {
	s.caller, s.query, s.called = sc, q, "list"
	return services.List[*models.MembershipWithUser]{Items: []*models.MembershipWithUser{}}, s.err
}

func (s *stubMembershipAdmin) ListUserMemberships(_ context.Context, _ *auth.SessionContext, userID string) ([]*models.MembershipWithTenant, error) {
	s.id, s.called = userID, "user"
	return []*models.MembershipWithTenant{{Membership: models.Membership{ID: "m-1", UserID: userID}, TenantName: "Alpha"}}, s.err
}

func newMembershipRouter(sc *auth.SessionContext) (*stubMembershipAdmin, *gin.Engine) {
	stub := &stubMembershipAdmin{}
	h := NewMembershipHandlers(stub)
	r := gin.New()
	r.GET("/tenant/members", withSession(sc), h.ListMembersHandler())
	g := r.Group("/admin", withSession(sc))
	g.GET("/memberships", h.ListMembersHandler())
	g.POST("/memberships", h.AssignHandler())
	g.PATCH("/memberships/:id", h.UpdateRoleHandler())
	g.POST("/memberships/:id/default", h.SetDefaultHandler())
	g.DELETE("/memberships/:id", h.DeactivateHandler())
	g.GET("/users/:id/memberships", h.ListUserMembershipsHandler())
	return stub, r
}

func TestListMembersHandler_Query(t *testing.T) {
	stub, r := newMembershipRouter(superSession())

	w := doJSON(r, http.MethodGet, "/admin/memberships?as_tenant=t-beta&include_inactive=true&page=2&per_page=10", nil)
	expectStatus(t, w, http.StatusOK)
	if stub.query.AsTenant != "t-beta" || stub.query.AllTenants || !stub.query.IncludeInactive {
		t.Errorf("query = %+v", stub.query)
	}
	if stub.query.Page.Limit != 10 || stub.query.Page.Offset != 10 {
		t.Errorf("page = %+v, want limit 10 offset 10", stub.query.Page)
	}
}

func TestListMembersHandler_AllTenants(t *testing.T) {
	stub, r := newMembershipRouter(superSession())
	expectStatus(t, doJSON(r, http.MethodGet, "/admin/memberships?all_tenants=true", nil), http.StatusOK)
	if !stub.query.AllTenants {
		t.Error("AllTenants = false, want true")
	}
}

func TestListMembersHandler_BadFlag(t *testing.T) {
	stub, r := newMembershipRouter(adminSession())
	w := doJSON(r, http.MethodGet, "/tenant/members?include_inactive=maybe", nil)
	expectStatus(t, w, http.StatusBadRequest)
	if code := errorCode(t, w); code != "invalid_query" {
		t.Errorf("code = %q, want invalid_query", code)
	}
	if stub.called != "" {
		t.Errorf("service called (%s) after a bad query", stub.called)
	}
}

func TestListMembersHandler_PassesCallerSession(t *testing.T) {
	sc := adminSession()
	stub, r := newMembershipRouter(sc)
	expectStatus(t, doJSON(r, http.MethodGet, "/tenant/members", nil), http.StatusOK)
	if stub.caller != sc {
		t.Error("handler did not pass the resolved session to the service")
	}
}

func TestAssignHandler(t *testing.T) {
	stub, r := newMembershipRouter(superSession())
	w := doJSON(r, http.MethodPost, "/admin/memberships", map[string]interface{}{
		"user_id": "u-1", "tenant_id": "t-alpha", "role": "medico", "is_default": true,
	})
	expectStatus(t, w, http.StatusCreated)
	if stub.input.UserID != "u-1" || stub.input.Role != "medico" || !stub.input.IsDefault {
		t.Errorf("input = %+v", stub.input)
	}
	if getJSON(w)["id"] != "m-new" {
		t.Errorf("body = %s", w.Body.String())
	}
}

func TestAssignHandler_InvalidBody(t *testing.T) {
	_, r := newMembershipRouter(superSession())
	w := doJSON(r, http.MethodPost, "/admin/memberships", "{not json")
	expectStatus(t, w, http.StatusBadRequest)
	if code := errorCode(t, w); code != "invalid_body" {
		t.Errorf("code = %q, want invalid_body", code)
	}
}

func TestAssignHandler_Conflict(t *testing.T) {
	stub, r := newMembershipRouter(superSession())
	stub.err = apperr.Conflict("membership_exists", "User is already a member of this organization")
	w := doJSON(r, http.MethodPost, "/admin/memberships", map[string]string{"user_id": "u-1", "tenant_id": "t-alpha", "role": "manager"})
	expectStatus(t, w, http.StatusConflict)
	if code := errorCode(t, w); code != "membership_exists" {
		t.Errorf("code = %q", code)
	}
}

func TestMembershipMutations(t *testing.T) {
	tests := []struct {
		name       string
		method     string
		path       string
		body       interface{}
		wantCalled string
	}{
		{"update role", http.MethodPatch, "/admin/memberships/m-7", map[string]string{"role": "closer"}, "update"},
		{"set default", http.MethodPost, "/admin/memberships/m-7/default", nil, "default"},
		{"deactivate", http.MethodDelete, "/admin/memberships/m-7", nil, "deactivate"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stub, r := newMembershipRouter(superSession())
			expectStatus(t, doJSON(r, tt.method, tt.path, tt.body), http.StatusOK)
			if stub.called != tt.wantCalled || stub.id != "m-7" {
				t.Errorf("called %q on %q, want %q on m-7", stub.called, stub.id, tt.wantCalled)
			}
		})
	}
}

func TestUpdateRoleHandler_ServiceError(t *testing.T) {
	stub, r := newMembershipRouter(superSession())
	stub.err = apperr.ErrRoleNotAllowed
	w := doJSON(r, http.MethodPatch, "/admin/memberships/m-7", map[string]string{"role": "overlord"})
	if w.Code < 400 {
		t.Fatalf("status = %d, want an error", w.Code)
	}
	if stub.role != "overlord" {
		t.Errorf("role = %q", stub.role)
	}
}

func TestListUserMembershipsHandler(t *testing.T) {
	stub, r := newMembershipRouter(superSession())
	w := doJSON(r, http.MethodGet, "/admin/users/u-9/memberships", nil)
	expectStatus(t, w, http.StatusOK)
	if stub.id != "u-9" {
		t.Errorf("user id = %q", stub.id)
	}
	ms, ok := getJSON(w)["memberships"].([]interface{})
	if !ok || len(ms) != 1 {
		t.Fatalf("body = %s", w.Body.String())
	}
	if ms[0].(map[string]interface{})["tenant_name"] != "Alpha" {
		t.Errorf("tenant_name missing: %s", w.Body.String())
	}
}
