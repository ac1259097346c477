package audit

// Action tags form a fixed vocabulary so the trail can be filtered
// reliably. New tags are added here, never inlined at call sites.
const (
	ActionLoginSuccess    = "login_success"
	ActionLoginFailed     = "login_failed"
	ActionLogout          = "logout"
	ActionAccountLocked   = "account_locked"
	ActionPasswordChanged = "change_password"
	ActionPasswordReset   = "reset_password"

	ActionApproveUser    = "approve_user"
	ActionRejectUser     = "reject_user"
	ActionDeactivateUser = "deactivate_user"

	ActionGrantPermissions  = "grant_user_permissions"
	ActionRevokePermissions = "revoke_user_permissions"
	ActionViewSchema        = "view_permission_schema"

	ResourceTypeUsers       = "auth_users"
	ResourceTypePermissions = "auth_permissions"
	ResourceTypeSessions    = "auth_sessions"
)
