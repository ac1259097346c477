package models

import "time"

// Action is the operation a permission governs.
type Action string

const (
	ActionRead              Action = "read"
	ActionCreate            Action = "create"
	ActionUpdate            Action = "update"
	ActionDelete            Action = "delete"
	ActionExport            Action = "export"
	ActionApprove           Action = "approve"
	ActionManagePermissions Action = "manage_permissions"
)

// ScopeLevel narrows what part of a resource a permission applies to.
type ScopeLevel string

const (
	ScopeGlobal   ScopeLevel = "global"
	ScopeResource ScopeLevel = "resource"
	ScopeRecord   ScopeLevel = "record"
	ScopeField    ScopeLevel = "field"
)

// Permission is one entry of the permission catalog. Name follows the
// module.resource.action convention, e.g. "masterData.machineMaster.read".
type Permission struct {
	ID               string            `db:"id"`
	Name             string            `db:"name"`
	Description      string            `db:"description"`
	Action           Action            `db:"action"`
	ResourceID       string            `db:"resource_id"`
	ScopeLevel       ScopeLevel        `db:"scope_level"`
	IsAllow          bool              `db:"is_allow"`
	FieldKey         string            `db:"field_key"`
	RecordConditions map[string]string `db:"record_conditions"`
}

// Grant is an assignment of a catalog permission to a user. Revocation
// deactivates the row; grant rows are never deleted. A grant whose
// ExpiresAt has passed is inert, same as an inactive one.
type Grant struct {
	UserID       string     `db:"user_id"`
	PermissionID string     `db:"permission_id"`
	GrantedBy    string     `db:"granted_by"`
	GrantedAt    time.Time  `db:"granted_at"`
	ExpiresAt    *time.Time `db:"expires_at"`
	IsActive     bool       `db:"is_active"`
}

// Effective reports whether the grant still authorizes anything at t.
func (g Grant) Effective(t time.Time) bool {
	return g.IsActive && (g.ExpiresAt == nil || g.ExpiresAt.After(t))
}
