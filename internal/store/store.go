package store

import (
	"context"
	"time"

	"prodflow-access/internal/models"
)

// DirectoryStore is the persistence boundary for users, sessions, the
// permission catalog, grants and the audit trail. Lookups that find
// nothing return (nil, nil); errors are reserved for store failures.
type DirectoryStore interface {
	// Sessions
	CreateSession(ctx context.Context, s *models.Session) error
	// FindActiveSession matches the token against active sessions only.
	FindActiveSession(ctx context.Context, token string) (*models.Session, error)
	TouchSession(ctx context.Context, sessionID string, at time.Time) error
	DeactivateSession(ctx context.Context, sessionID string) error

	// Users
	CreateUser(ctx context.Context, u *models.User) error
	FindUser(ctx context.Context, id string) (*models.User, error)
	FindUserByUsername(ctx context.Context, username string) (*models.User, error)
	UpdateUser(ctx context.Context, u *models.User) error

	// Permission catalog
	ListResources(ctx context.Context) ([]models.Resource, error)
	ListPermissions(ctx context.Context) ([]models.Permission, error)
	FindPermissions(ctx context.Context, ids []string) ([]models.Permission, error)

	// Grants
	FindActiveGrants(ctx context.Context, userID string) ([]models.Grant, error)
	// UpsertGrant reactivates or creates the (user, permission) row;
	// at most one row per pair exists.
	UpsertGrant(ctx context.Context, g models.Grant) error
	DeactivateGrant(ctx context.Context, userID, permissionID string) error

	// Audit
	AppendAuditEntry(ctx context.Context, e *models.AuditEntry) error
}
