package models

import "time"

type UserStatus string

const (
	UserStatusPending     UserStatus = "pending"
	UserStatusActive      UserStatus = "active"
	UserStatusSuspended   UserStatus = "suspended"
	UserStatusRejected    UserStatus = "rejected"
	UserStatusDeactivated UserStatus = "deactivated"
)

// AccessScope controls where a user's sessions are valid from.
type AccessScope string

const (
	// AccessScopeFactoryOnly restricts sessions to the factory network.
	AccessScopeFactoryOnly AccessScope = "FACTORY_ONLY"
	// AccessScopeUniversal allows sessions from any network.
	AccessScopeUniversal AccessScope = "UNIVERSAL"
)

type User struct {
	UserBucket            int        `db:"user_bucket"`
	ID                    string     `db:"id"`
	Username              string     `db:"username"`
	Email                 string     `db:"email"`
	FullName              string     `db:"full_name"`
	PasswordHash          string     `db:"password_hash"`
	Status                UserStatus `db:"status"`
	IsRootAdmin           bool       `db:"is_root_admin"`
	AccessScope           AccessScope `db:"access_scope"`
	Department            string     `db:"department"`
	JobTitle              string     `db:"job_title"`
	FailedLoginAttempts   int        `db:"failed_login_attempts"`
	AccountLockedUntil    *time.Time `db:"account_locked_until"`
	PasswordResetRequired bool       `db:"password_reset_required"`
	LastLogin             *time.Time `db:"last_login"`
	CreatedAt             time.Time  `db:"created_at"`
	UpdatedAt             *time.Time `db:"updated_at"`
}

// Locked reports whether the account lockout is still in force at t.
func (u *User) Locked(t time.Time) bool {
	return u.AccountLockedUntil != nil && t.Before(*u.AccountLockedUntil)
}

// EffectiveScope resolves the network scope. Root admins are always
// universal regardless of the stored value.
func (u *User) EffectiveScope() AccessScope {
	if u.IsRootAdmin {
		return AccessScopeUniversal
	}
	if u.AccessScope == "" {
		return AccessScopeFactoryOnly
	}
	return u.AccessScope
}
