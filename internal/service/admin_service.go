package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"prodflow-access/internal/audit"
	"prodflow-access/internal/hashing"
	"prodflow-access/internal/models"
	"prodflow-access/internal/permission"
	"prodflow-access/internal/store"
	"prodflow-access/internal/util"
)

var (
	ErrUserNotFound      = errors.New("user not found")
	ErrNotPending        = errors.New("user is not in pending status")
	ErrNotActive         = errors.New("user is not in active status")
	ErrRootAccount       = errors.New("root administrator accounts cannot be deactivated")
	ErrProfileIncomplete = errors.New("department and designation must be set before approval")
	ErrNoActiveGrants    = errors.New("at least one active permission is required before approval")
	ErrSearchUnavailable = errors.New("audit search backend not configured")
)

// AuditSearcher serves the admin audit query surface.
type AuditSearcher interface {
	Search(ctx context.Context, f audit.Filter) ([]models.AuditEntry, error)
}

// AdminService owns the root-admin operations: user lifecycle, grants
// and the audit query surface. Callers authorize the actor first.
type AdminService struct {
	store    store.DirectoryStore
	perms    *permission.Admin
	audit    *audit.Logger
	hasher   *hashing.Hasher
	searcher AuditSearcher
	now      func() time.Time
}

type AdminOption func(*AdminService)

// WithAuditSearcher wires the Elasticsearch-backed audit query.
func WithAuditSearcher(s AuditSearcher) AdminOption {
	return func(a *AdminService) { a.searcher = s }
}

// WithAdminClock overrides the time source, for tests.
func WithAdminClock(now func() time.Time) AdminOption {
	return func(a *AdminService) { a.now = now }
}

func NewAdminService(st store.DirectoryStore, perms *permission.Admin, auditLog *audit.Logger, hasher *hashing.Hasher, opts ...AdminOption) *AdminService {
	a := &AdminService{
		store:  st,
		perms:  perms,
		audit:  auditLog,
		hasher: hasher,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// ApproveUser activates a pending account. The profile must be complete
// and at least one permission must already be granted, so an approved
// user never lands with zero access.
func (a *AdminService) ApproveUser(ctx context.Context, actor *models.User, userID string, meta audit.RequestMeta) (*models.User, error) {
	var user *models.User
	var grants []models.Grant

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		user, err = a.store.FindUser(gctx, userID)
		return err
	})
	g.Go(func() error {
		var err error
		grants, err = a.store.FindActiveGrants(gctx, userID)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("approval lookup failed: %w", err)
	}

	fail := func(reason string, err error) (*models.User, error) {
		a.audit.Record(ctx, audit.Entry{
			ActorID:      actor.ID,
			Action:       audit.ActionApproveUser,
			ResourceType: audit.ResourceTypeUsers,
			ResourceID:   userID,
			Details:      map[string]interface{}{"reason": reason},
			Outcome:      models.OutcomeFailure,
			RootOverride: actor.IsRootAdmin,
			Meta:         meta,
		})
		return nil, err
	}

	if user == nil {
		return fail("user not found", ErrUserNotFound)
	}
	if user.Status != models.UserStatusPending {
		return fail("not pending", ErrNotPending)
	}
	if user.Department == "" || strings.TrimSpace(user.JobTitle) == "" {
		return fail("profile incomplete", ErrProfileIncomplete)
	}
	if len(grants) == 0 {
		return fail("no active grants", ErrNoActiveGrants)
	}

	now := a.now()
	user.Status = models.UserStatusActive
	user.UpdatedAt = &now
	if err := a.store.UpdateUser(ctx, user); err != nil {
		return nil, fmt.Errorf("failed to approve user: %w", err)
	}

	util.Info("user approved",
		zap.String("actor", actor.ID),
		zap.String("user_id", user.ID),
		zap.String("username", user.Username))

	a.audit.Record(ctx, audit.Entry{
		ActorID:      actor.ID,
		Action:       audit.ActionApproveUser,
		ResourceType: audit.ResourceTypeUsers,
		ResourceID:   user.ID,
		Details: map[string]interface{}{
			"approved_user": map[string]interface{}{
				"username":  user.Username,
				"email":     user.Email,
				"full_name": user.FullName,
			},
		},
		Outcome:      models.OutcomeSuccess,
		RootOverride: actor.IsRootAdmin,
		Meta:         meta,
	})
	return user, nil
}

// RejectUser marks a pending account rejected.
func (a *AdminService) RejectUser(ctx context.Context, actor *models.User, userID, reason string, meta audit.RequestMeta) error {
	user, err := a.store.FindUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("rejection lookup failed: %w", err)
	}
	if user == nil {
		return ErrUserNotFound
	}
	if user.Status != models.UserStatusPending {
		return ErrNotPending
	}

	now := a.now()
	user.Status = models.UserStatusRejected
	user.UpdatedAt = &now
	if err := a.store.UpdateUser(ctx, user); err != nil {
		return fmt.Errorf("failed to reject user: %w", err)
	}

	a.audit.Record(ctx, audit.Entry{
		ActorID:      actor.ID,
		Action:       audit.ActionRejectUser,
		ResourceType: audit.ResourceTypeUsers,
		ResourceID:   user.ID,
		Details: map[string]interface{}{
			"username": user.Username,
			"reason":   util.SanitizeInput(reason),
		},
		Outcome:      models.OutcomeSuccess,
		RootOverride: actor.IsRootAdmin,
		Meta:         meta,
	})
	return nil
}

// DeactivateUser disables an active account. Unlike rejection, which
// closes out the approval workflow, deactivation retires an account
// that was once in use; its sessions stop verifying immediately.
func (a *AdminService) DeactivateUser(ctx context.Context, actor *models.User, userID, reason string, meta audit.RequestMeta) error {
	user, err := a.store.FindUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("deactivation lookup failed: %w", err)
	}
	if user == nil {
		return ErrUserNotFound
	}
	if user.IsRootAdmin {
		return ErrRootAccount
	}
	if user.Status != models.UserStatusActive {
		return ErrNotActive
	}

	now := a.now()
	user.Status = models.UserStatusDeactivated
	user.UpdatedAt = &now
	if err := a.store.UpdateUser(ctx, user); err != nil {
		return fmt.Errorf("failed to deactivate user: %w", err)
	}

	util.Info("user deactivated",
		zap.String("actor", actor.ID),
		zap.String("user_id", user.ID),
		zap.String("username", user.Username))

	a.audit.Record(ctx, audit.Entry{
		ActorID:      actor.ID,
		Action:       audit.ActionDeactivateUser,
		ResourceType: audit.ResourceTypeUsers,
		ResourceID:   user.ID,
		Details: map[string]interface{}{
			"username": user.Username,
			"reason":   util.SanitizeInput(reason),
		},
		Outcome:      models.OutcomeSuccess,
		RootOverride: actor.IsRootAdmin,
		Meta:         meta,
	})
	return nil
}

// ResetPassword stores a temporary password and forces a change at next
// login.
func (a *AdminService) ResetPassword(ctx context.Context, actor *models.User, userID, tempPassword string, meta audit.RequestMeta) error {
	if err := util.ValidatePassword(tempPassword); err != nil {
		return err
	}

	user, err := a.store.FindUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("reset lookup failed: %w", err)
	}
	if user == nil {
		return ErrUserNotFound
	}

	hash, err := a.hasher.Hash(tempPassword)
	if err != nil {
		return err
	}

	now := a.now()
	user.PasswordHash = hash
	user.PasswordResetRequired = true
	user.UpdatedAt = &now
	if err := a.store.UpdateUser(ctx, user); err != nil {
		return fmt.Errorf("failed to reset password: %w", err)
	}

	a.audit.Record(ctx, audit.Entry{
		ActorID:      actor.ID,
		Action:       audit.ActionPasswordReset,
		ResourceType: audit.ResourceTypeUsers,
		ResourceID:   user.ID,
		Details:      map[string]interface{}{"username": user.Username},
		Outcome:      models.OutcomeSuccess,
		RootOverride: actor.IsRootAdmin,
		Meta:         meta,
	})
	return nil
}

// GrantPermissions delegates to the permission administrator. A non-nil
// expiresAt makes the grants self-expiring.
func (a *AdminService) GrantPermissions(ctx context.Context, actor *models.User, userID string, permissionIDs []string, expiresAt *time.Time, meta audit.RequestMeta) error {
	if expiresAt != nil {
		return a.perms.GrantUntil(ctx, actor, userID, permissionIDs, *expiresAt, meta)
	}
	return a.perms.Grant(ctx, actor, userID, permissionIDs, meta)
}

// RevokePermissions delegates to the permission administrator.
func (a *AdminService) RevokePermissions(ctx context.Context, actor *models.User, userID string, permissionIDs []string, meta audit.RequestMeta) error {
	return a.perms.Revoke(ctx, actor, userID, permissionIDs, meta)
}

// PermissionSchema builds the module → resource → action view and logs
// the access.
func (a *AdminService) PermissionSchema(ctx context.Context, actor *models.User, meta audit.RequestMeta) ([]permission.ModuleSchema, error) {
	schema, err := permission.BuildSchema(ctx, a.store)
	if err != nil {
		return nil, fmt.Errorf("failed to build permission schema: %w", err)
	}

	total := 0
	for _, m := range schema {
		total += len(m.Resources)
	}
	a.audit.Record(ctx, audit.Entry{
		ActorID:      actor.ID,
		Action:       audit.ActionViewSchema,
		ResourceType: audit.ResourceTypePermissions,
		Details: map[string]interface{}{
			"modules_count":   len(schema),
			"total_resources": total,
		},
		Outcome:      models.OutcomeSuccess,
		RootOverride: actor.IsRootAdmin,
		Meta:         meta,
	})
	return schema, nil
}

// SearchAudit queries the mirrored audit index.
func (a *AdminService) SearchAudit(ctx context.Context, f audit.Filter) ([]models.AuditEntry, error) {
	if a.searcher == nil {
		return nil, ErrSearchUnavailable
	}
	return a.searcher.Search(ctx, f)
}
