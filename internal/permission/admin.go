package permission

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"prodflow-access/internal/audit"
	"prodflow-access/internal/models"
	"prodflow-access/internal/store"
	"prodflow-access/internal/util"
)

var (
	ErrUserNotFound      = errors.New("permission: user not found")
	ErrUnknownPermission = errors.New("permission: unknown permission id")
	ErrRootAdminTarget   = errors.New("permission: root admin grants cannot be modified")
	ErrNoPermissionIDs   = errors.New("permission: at least one permission id is required")
)

// Admin mutates grants. The caller is responsible for having already
// authorized the acting user; Admin only enforces target invariants.
type Admin struct {
	store store.DirectoryStore
	audit *audit.Logger
	now   func() time.Time
}

type AdminOption func(*Admin)

// WithAdminClock overrides the time source, for tests.
func WithAdminClock(now func() time.Time) AdminOption {
	return func(a *Admin) { a.now = now }
}

func NewAdmin(st store.DirectoryStore, auditLog *audit.Logger, opts ...AdminOption) *Admin {
	a := &Admin{
		store: st,
		audit: auditLog,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Grant activates the given permissions for userID with no expiry.
// Granting an already-active permission refreshes its row; the pair
// never gains a second row. The whole call fails if any id is unknown.
func (a *Admin) Grant(ctx context.Context, actor *models.User, userID string, permissionIDs []string, meta audit.RequestMeta) error {
	return a.apply(ctx, actor, userID, permissionIDs, nil, meta, true)
}

// GrantUntil is Grant with an expiry. Once expiresAt passes, the grant
// is inert without any further admin action.
func (a *Admin) GrantUntil(ctx context.Context, actor *models.User, userID string, permissionIDs []string, expiresAt time.Time, meta audit.RequestMeta) error {
	return a.apply(ctx, actor, userID, permissionIDs, &expiresAt, meta, true)
}

// Revoke deactivates the given permissions for userID. Grant rows are
// never deleted, so the trail of who granted what survives revocation.
func (a *Admin) Revoke(ctx context.Context, actor *models.User, userID string, permissionIDs []string, meta audit.RequestMeta) error {
	return a.apply(ctx, actor, userID, permissionIDs, nil, meta, false)
}

func (a *Admin) apply(ctx context.Context, actor *models.User, userID string, permissionIDs []string, expiresAt *time.Time, meta audit.RequestMeta, grant bool) error {
	action := audit.ActionRevokePermissions
	if grant {
		action = audit.ActionGrantPermissions
	}

	fail := func(reason string, outcome models.AuditOutcome, err error) error {
		a.audit.Record(ctx, audit.Entry{
			ActorID:      actor.ID,
			Action:       action,
			ResourceType: audit.ResourceTypePermissions,
			ResourceID:   userID,
			Details: map[string]interface{}{
				"permission_ids": permissionIDs,
				"reason":         reason,
			},
			Outcome:      outcome,
			RootOverride: actor.IsRootAdmin,
			Meta:         meta,
		})
		return err
	}

	if len(permissionIDs) == 0 {
		return fail("no permission ids", models.OutcomeFailure, ErrNoPermissionIDs)
	}

	target, err := a.store.FindUser(ctx, userID)
	if err != nil {
		return err
	}
	if target == nil {
		return fail("target user not found", models.OutcomeFailure, ErrUserNotFound)
	}
	if target.IsRootAdmin {
		return fail("target is root admin", models.OutcomeFailure, ErrRootAdminTarget)
	}

	// Every id must resolve before anything is written
	found, err := a.store.FindPermissions(ctx, permissionIDs)
	if err != nil {
		return err
	}
	if len(found) != len(unique(permissionIDs)) {
		return fail("unknown permission id", models.OutcomeFailure, ErrUnknownPermission)
	}

	now := a.now()
	for _, id := range unique(permissionIDs) {
		if grant {
			err = a.store.UpsertGrant(ctx, models.Grant{
				UserID:       userID,
				PermissionID: id,
				GrantedBy:    actor.ID,
				GrantedAt:    now,
				ExpiresAt:    expiresAt,
				IsActive:     true,
			})
		} else {
			err = a.store.DeactivateGrant(ctx, userID, id)
		}
		if err != nil {
			return fail("store write failed", models.OutcomeError, err)
		}
	}

	util.Info("user permissions updated",
		zap.String("actor", actor.ID),
		zap.String("target", userID),
		zap.String("action", action),
		zap.Int("count", len(unique(permissionIDs))))

	details := map[string]interface{}{
		"permission_ids": permissionIDs,
		"count":          len(unique(permissionIDs)),
	}
	if expiresAt != nil {
		details["expires_at"] = expiresAt.UTC().Format(time.RFC3339)
	}
	a.audit.Record(ctx, audit.Entry{
		ActorID:      actor.ID,
		Action:       action,
		ResourceType: audit.ResourceTypePermissions,
		ResourceID:   userID,
		Details:      details,
		Outcome:      models.OutcomeSuccess,
		RootOverride: actor.IsRootAdmin,
		Meta:         meta,
	})
	return nil
}

func unique(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := ids[:0:0]
	for _, id := range ids {
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out
}
