// Package auth - kernel.go holds the authorization kernel: pure checks over a
// resolved SessionContext. Role checks are exact set membership; there is no
// role hierarchy, so a manager is never treated as a tenant_admin.
package auth

import (
	"fmt"

	"github.com/clinicore/identity/internal/apperr"
)

// RequireAuthenticated rejects a missing or pending session
func RequireAuthenticated(sc *SessionContext) error {
	if sc == nil {
		return apperr.ErrTokenInvalid
	}
	if sc.IsPending() {
		return apperr.ErrSelectionRequired
	}
	return nil
}

// RequireSuperadmin allows only superadmin sessions
func RequireSuperadmin(sc *SessionContext) error {
	if err := RequireAuthenticated(sc); err != nil {
		return err
	}
	if !sc.IsSuperadmin() {
		return apperr.ErrSuperadminOnly
	}
	return nil
}

// RequireTenantAdmin allows superadmins and tenant_admin sessions
func RequireTenantAdmin(sc *SessionContext) error {
	if err := RequireAuthenticated(sc); err != nil {
		return err
	}
	if sc.IsSuperadmin() {
		return nil
	}
	if !sc.HasTenant() || sc.Role() != RoleTenantAdmin {
		return apperr.ErrTenantAdminOnly
	}
	return nil
}

// RequireTenantMember allows sessions bound to a tenant with a staff role
func RequireTenantMember(sc *SessionContext) error {
	if err := RequireAuthenticated(sc); err != nil {
		return err
	}
	if !sc.HasTenant() {
		return apperr.ErrTenantRequired
	}
	if !sc.Role().IsStaff() {
		return apperr.ErrRoleNotAllowed
	}
	return nil
}

// RequireRoleIn allows sessions whose role is exactly one of roles. Superadmins
// always pass.
func RequireRoleIn(sc *SessionContext, roles ...Role) error {
	if err := RequireAuthenticated(sc); err != nil {
		return err
	}
	if sc.IsSuperadmin() {
		return nil
	}
	for _, r := range roles {
		if sc.Role() == r {
			return nil
		}
	}
	return apperr.ErrRoleNotAllowed
}

// VerifyTenantAccess reports whether the session may touch rows of target
func VerifyTenantAccess(sc *SessionContext, target string) bool {
	if sc == nil || sc.IsPending() {
		return false
	}
	if sc.IsSuperadmin() {
		return true
	}
	return target != "" && sc.TenantID() == target
}

// TargetTenantForWrite picks the tenant a mutation applies to. Tenant sessions
// always write to their own tenant; asTenant may only repeat it. Superadmins
// have no tenant of their own and must name one explicitly.
func TargetTenantForWrite(sc *SessionContext, asTenant string) (string, error) {
	if err := RequireAuthenticated(sc); err != nil {
		return "", err
	}
	if sc.IsSuperadmin() {
		if asTenant == "" {
			return "", apperr.InputInvalid("as_tenant_required", "Superadmin writes must name the target organization (as_tenant)")
		}
		return asTenant, nil
	}
	if !sc.HasTenant() {
		return "", apperr.ErrTenantRequired
	}
	if asTenant != "" && asTenant != sc.TenantID() {
		return "", apperr.ErrCrossTenant
	}
	return sc.TenantID(), nil
}

// TenantFilter scopes a query to one tenant, or to none when Bypass is set
type TenantFilter struct {
	tenantID string
	bypass   bool
}

// Bypass reports whether the filter applies no tenant restriction
func (f TenantFilter) Bypass() bool { return f.bypass }

// TenantID returns the tenant the filter restricts to
func (f TenantFilter) TenantID() string { return f.tenantID }

// Apply appends "AND <column> = $n" to query when the filter restricts, using
// the next positional parameter after args.
func (f TenantFilter) Apply(query, column string, args []interface{}) (string, []interface{}) {
	if f.bypass {
		return query, args
	}
	args = append(args, f.tenantID)
	return fmt.Sprintf("%s AND %s = $%d", query, column, len(args)), args
}

// ScopedTo returns a filter restricted to tenantID
func ScopedTo(tenantID string) TenantFilter {
	return TenantFilter{tenantID: tenantID}
}

type filterOptions struct {
	superadminBypass bool
	asTenant         string
}

// FilterOption tunes FilterByTenant
type FilterOption func(*filterOptions)

// WithSuperadminBypass lets a superadmin session see every tenant
func WithSuperadminBypass(enabled bool) FilterOption {
	return func(o *filterOptions) { o.superadminBypass = enabled }
}

// WithAsTenant lets a superadmin session scope itself to one tenant
func WithAsTenant(tenantID string) FilterOption {
	return func(o *filterOptions) { o.asTenant = tenantID }
}

// FilterByTenant returns the tenant restriction for sc. A superadmin gets an
// unrestricted filter only when the caller opts in with WithSuperadminBypass.
func FilterByTenant(sc *SessionContext, opts ...FilterOption) (TenantFilter, error) {
	var o filterOptions
	for _, opt := range opts {
		opt(&o)
	}

	if err := RequireAuthenticated(sc); err != nil {
		return TenantFilter{}, err
	}

	if sc.IsSuperadmin() {
		if o.asTenant != "" {
			return TenantFilter{tenantID: o.asTenant}, nil
		}
		if o.superadminBypass {
			return TenantFilter{bypass: true}, nil
		}
		return TenantFilter{}, apperr.ErrTenantRequired
	}

	if !sc.HasTenant() {
		return TenantFilter{}, apperr.ErrTenantRequired
	}
	if o.asTenant != "" && o.asTenant != sc.TenantID() {
		return TenantFilter{}, apperr.ErrCrossTenant
	}
	return TenantFilter{tenantID: sc.TenantID()}, nil
}
