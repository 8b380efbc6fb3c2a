// Package apperr defines the error taxonomy shared by services and HTTP
// handlers. Services return *Error values; handlers translate the Kind into a
// status code and render {"error": message, "code": code}.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for transport mapping
type Kind int

const (
	KindInternal Kind = iota
	KindUnauthorized
	KindForbidden
	KindInputInvalid
	KindInvitationInvalid
	KindConflict
	KindConfigTampered
	KindNotFound
	KindRateLimited
)

func (k Kind) String() string {
	switch k {
	case KindUnauthorized:
		return "unauthorized"
	case KindForbidden:
		return "forbidden"
	case KindInputInvalid:
		return "input_invalid"
	case KindInvitationInvalid:
		return "invitation_invalid"
	case KindConflict:
		return "conflict"
	case KindConfigTampered:
		return "config_tampered"
	case KindNotFound:
		return "not_found"
	case KindRateLimited:
		return "rate_limited"
	default:
		return "internal"
	}
}

// Error is a classified application error
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s (%s): %s: %v", e.Kind, e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s (%s): %s", e.Kind, e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error with the same kind and code so callers can use
// errors.Is against the exported sentinels below.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind && e.Code == t.Code
}

// Wrap returns a copy of e carrying cause
func (e *Error) Wrap(cause error) *Error {
	cp := *e
	cp.Err = cause
	return &cp
}

// New builds an error of kind with code and message
func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

func Unauthorized(code, message string) *Error { return New(KindUnauthorized, code, message) }
func Forbidden(code, message string) *Error    { return New(KindForbidden, code, message) }
func InputInvalid(code, message string) *Error { return New(KindInputInvalid, code, message) }
func Conflict(code, message string) *Error     { return New(KindConflict, code, message) }
func NotFound(code, message string) *Error     { return New(KindNotFound, code, message) }

func InvitationInvalid(code, message string) *Error {
	return New(KindInvitationInvalid, code, message)
}

// ConfigTampered reports a stored secret that failed authenticated decryption
func ConfigTampered(cause error) *Error {
	return &Error{Kind: KindConfigTampered, Code: "config_tampered", Message: "Stored configuration could not be decrypted", Err: cause}
}

// Internal wraps an unexpected failure. The message shown to clients is generic.
func Internal(cause error) *Error {
	return &Error{Kind: KindInternal, Code: "internal_error", Message: "Internal server error", Err: cause}
}

// Codes shared across packages.
var (
	ErrTokenInvalid      = Unauthorized("token_invalid", "Could not validate credentials")
	ErrNoUser            = Unauthorized("no_user", "Could not validate credentials")
	ErrUserInactive      = Unauthorized("inactive", "Could not validate credentials")
	ErrTenantDisabled    = Forbidden("tenant_disabled", "Organization is disabled")
	ErrMembershipRevoked = Forbidden("membership_revoked", "Membership is no longer active")
	ErrSelectionRequired = Forbidden("tenant_selection_required", "Select an organization to continue")
	ErrSuperadminOnly    = Forbidden("superadmin_required", "Superadmin privileges required")
	ErrTenantAdminOnly   = Forbidden("tenant_admin_required", "Organization administrator privileges required")
	ErrTenantRequired    = Forbidden("tenant_required", "An organization context is required")
	ErrRoleNotAllowed    = Forbidden("role_not_allowed", "Your role does not allow this action")
	ErrCrossTenant       = Forbidden("cross_tenant", "Access to this organization is not allowed")
)

// As extracts an *Error from err
func As(err error) (*Error, bool) {
	var ae *Error
	if errors.As(err, &ae) {
		return ae, true
	}
	return nil, false
}

// HTTPStatus maps a kind to its response status
func HTTPStatus(k Kind) int {
	switch k {
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindInputInvalid, KindInvitationInvalid:
		return http.StatusBadRequest
	case KindConflict:
		return http.StatusConflict
	case KindNotFound:
		return http.StatusNotFound
	case KindRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// Body is the JSON error body
type Body struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// Render converts any error into a status and body. Unclassified errors become
// a generic 500; Unauthorized never reveals which check failed.
func Render(err error) (int, Body) {
	ae, ok := As(err)
	if !ok {
		ae = Internal(err)
	}
	status := HTTPStatus(ae.Kind)
	if ae.Kind == KindUnauthorized {
		msg := ae.Message
		if msg == "" {
			msg = "Could not validate credentials"
		}
		return status, Body{Error: msg, Code: "unauthorized"}
	}
	return status, Body{Error: ae.Message, Code: ae.Code}
}
