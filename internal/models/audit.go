package models

import "time"

type AuditOutcome string

// Failure is a request the system refused; error is the system itself
// breaking while handling it.
const (
	OutcomeSuccess AuditOutcome = "success"
	OutcomeFailure AuditOutcome = "failure"
	OutcomeError   AuditOutcome = "error"
)

type AuditEntry struct {
	ID            string                 `db:"id"`
	UserID        string                 `db:"user_id"`
	Action        string                 `db:"action"`
	ResourceType  string                 `db:"resource_type"`
	ResourceID    string                 `db:"resource_id"`
	Details       map[string]interface{} `db:"details"`
	Outcome       AuditOutcome           `db:"outcome"`
	IPAddress     string                 `db:"ip_address"`
	UserAgent     string                 `db:"user_agent"`
	RootOverride  bool                   `db:"is_root_admin_override"`
	CreatedAt     time.Time              `db:"created_at"`
}
