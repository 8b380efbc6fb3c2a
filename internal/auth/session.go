package auth

// UserSnapshot is the part of the user record a session exposes
type UserSnapshot struct {
	ID           string
	Email        string
	FullName     string
	IsActive     bool
	IsSuperadmin bool
}

// TenantSnapshot is the part of the tenant record a session exposes
type TenantSnapshot struct {
	ID       string
	Slug     string
	Name     string
	IsActive bool
}

// SessionParams carries the resolved values used to build a SessionContext
type SessionParams struct {
	User         UserSnapshot
	Tenant       *TenantSnapshot
	Role         Role
	MembershipID string
	Pending      bool
	Legacy       bool
}

// SessionContext is the resolved (user, tenant, role, membership) tuple for one
// request. It is immutable once built; accessors return copies.
type SessionContext struct {
	user         UserSnapshot
	tenant       *TenantSnapshot
	role         Role
	membershipID string
	pending      bool
	legacy       bool
}

// NewSessionContext builds a session. A superadmin session never carries a
// tenant or membership and a pending session never carries a role.
func NewSessionContext(p SessionParams) *SessionContext {
	sc := &SessionContext{
		user:    p.User,
		pending: p.Pending,
		legacy:  p.Legacy,
	}
	switch {
	case p.User.IsSuperadmin:
		sc.role = RoleSuperadmin
		sc.pending = false
		sc.legacy = false
	case p.Pending:
		sc.legacy = false
	default:
		sc.role = p.Role
		sc.membershipID = p.MembershipID
		if p.Tenant != nil {
			t := *p.Tenant
			sc.tenant = &t
		}
	}
	return sc
}

func (s *SessionContext) User() UserSnapshot   { return s.user }
func (s *SessionContext) UserID() string       { return s.user.ID }
func (s *SessionContext) Email() string        { return s.user.Email }
func (s *SessionContext) Role() Role           { return s.role }
func (s *SessionContext) MembershipID() string { return s.membershipID }
func (s *SessionContext) IsSuperadmin() bool   { return s.user.IsSuperadmin }
func (s *SessionContext) IsPending() bool      { return s.pending }
func (s *SessionContext) IsLegacy() bool       { return s.legacy }
func (s *SessionContext) HasTenant() bool      { return s.tenant != nil }
func (s *SessionContext) HasMembership() bool  { return s.membershipID != "" }

// Tenant returns a copy of the bound tenant
func (s *SessionContext) Tenant() (TenantSnapshot, bool) {
	if s.tenant == nil {
		return TenantSnapshot{}, false
	}
	return *s.tenant, true
}

// TenantID returns the bound tenant id or "" when none
func (s *SessionContext) TenantID() string {
	if s.tenant == nil {
		return ""
	}
	return s.tenant.ID
}

// TokenSubject returns the claims that reproduce this session
func (s *SessionContext) TokenSubject() TokenSubject {
	return TokenSubject{
		UserID:       s.user.ID,
		Email:        s.user.Email,
		Role:         s.role,
		TenantID:     s.TenantID(),
		MembershipID: s.membershipID,
		IsSuperadmin: s.user.IsSuperadmin,
	}
}
