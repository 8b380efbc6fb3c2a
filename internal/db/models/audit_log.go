// Package models - audit_log.go defines the append-only AuditLog record and the
// closed sets of actions and categories it may carry.
package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"
)

// Audit actions
const (
	ActionLoginSuccess           = "LOGIN_SUCCESS"
	ActionLoginFailed            = "LOGIN_FAILED"
	ActionLogout                 = "LOGOUT"
	ActionPasswordChanged        = "PASSWORD_CHANGED"
	ActionPasswordResetRequested = "PASSWORD_RESET_REQUESTED"
	ActionTokenRefreshed         = "TOKEN_REFRESHED"
	ActionTenantCreated          = "TENANT_CREATED"
	ActionTenantUpdated          = "TENANT_UPDATED"
	ActionTenantDeleted          = "TENANT_DELETED"
	ActionTenantSuspended        = "TENANT_SUSPENDED"
	ActionTenantActivated        = "TENANT_ACTIVATED"
	ActionUserCreated            = "USER_CREATED"
	ActionUserUpdated            = "USER_UPDATED"
	ActionUserDeleted            = "USER_DELETED"
	ActionUserActivated          = "USER_ACTIVATED"
	ActionUserDeactivated        = "USER_DEACTIVATED"
	ActionPlanChanged            = "PLAN_CHANGED"
	ActionSystemConfigChanged    = "SYSTEM_CONFIG_CHANGED"
	ActionEmailFailed            = "EMAIL_FAILED"
)

// Audit categories
const (
	CategoryAuth    = "auth"
	CategoryTenant  = "tenant"
	CategoryUser    = "user"
	CategorySystem  = "system"
	CategoryBilling = "billing"
)

// AuditActions returns every valid action
func AuditActions() []string {
	return []string{
		ActionLoginSuccess, ActionLoginFailed, ActionLogout, ActionPasswordChanged,
		ActionPasswordResetRequested, ActionTokenRefreshed, ActionTenantCreated,
		ActionTenantUpdated, ActionTenantDeleted, ActionTenantSuspended,
		ActionTenantActivated, ActionUserCreated, ActionUserUpdated, ActionUserDeleted,
		ActionUserActivated, ActionUserDeactivated, ActionPlanChanged,
		ActionSystemConfigChanged, ActionEmailFailed,
	}
}

// AuditCategories returns every valid category
func AuditCategories() []string {
	return []string{CategoryAuth, CategoryTenant, CategoryUser, CategorySystem, CategoryBilling}
}

// DefaultCategory returns the category an action is filed under
func DefaultCategory(action string) string {
	switch action {
	case ActionLoginSuccess, ActionLoginFailed, ActionLogout, ActionPasswordChanged,
		ActionPasswordResetRequested, ActionTokenRefreshed:
		return CategoryAuth
	case ActionTenantCreated, ActionTenantUpdated, ActionTenantDeleted,
		ActionTenantSuspended, ActionTenantActivated:
		return CategoryTenant
	case ActionPlanChanged:
		return CategoryBilling
	case ActionSystemConfigChanged, ActionEmailFailed:
		return CategorySystem
	default:
		return CategoryUser
	}
}

// JSONMap is a JSONB column
type JSONMap map[string]interface{}

// Value implements driver.Valuer
func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return b, nil
}

// Scan implements sql.Scanner
func (m *JSONMap) Scan(src interface{}) error {
	if src == nil {
		*m = nil
		return nil
	}
	var b []byte
	switch v := src.(type) {
	case []byte:
		b = v
	case string:
		b = []byte(v)
	default:
		return errors.New("JSONMap: unsupported source type")
	}
	return json.Unmarshal(b, m)
}

// AuditLog represents an audit log entry. Rows are never updated or deleted.
type AuditLog struct {
	ID          string    `db:"id" json:"id"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
	UserID      *string   `db:"user_id" json:"user_id,omitempty"`
	UserEmail   *string   `db:"user_email" json:"user_email,omitempty"`
	TenantID    *string   `db:"tenant_id" json:"tenant_id,omitempty"`
	Action      string    `db:"action" json:"action"`
	Category    string    `db:"category" json:"category"`
	EntityType  *string   `db:"entity_type" json:"entity_type,omitempty"`
	EntityID    *string   `db:"entity_id" json:"entity_id,omitempty"`
	Description *string   `db:"description" json:"description,omitempty"`
	IPAddress   *string   `db:"ip_address" json:"ip_address,omitempty"`
	UserAgent   *string   `db:"user_agent" json:"user_agent,omitempty"`
	RequestID   *string   `db:"request_id" json:"request_id,omitempty"`
	Details     JSONMap   `db:"details" json:"details,omitempty"`
}
