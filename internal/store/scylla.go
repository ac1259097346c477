package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"prodflow-access/internal/bucketing"
	"prodflow-access/internal/models"
	"prodflow-access/internal/util"
)

// ScyllaStore is the production DirectoryStore. Users are spread across
// partitions by hash bucket; sessions are keyed by token for the exact
// match the verifier performs on every request.
type ScyllaStore struct {
	client  *ScyllaClient
	buckets *bucketing.Manager
	now     func() time.Time
}

type ScyllaOption func(*ScyllaStore)

// WithScyllaClock overrides the time source, for tests.
func WithScyllaClock(now func() time.Time) ScyllaOption {
	return func(s *ScyllaStore) { s.now = now }
}

func NewScyllaStore(client *ScyllaClient, buckets *bucketing.Manager, opts ...ScyllaOption) *ScyllaStore {
	s := &ScyllaStore{
		client:  client,
		buckets: buckets,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *ScyllaStore) CreateSession(ctx context.Context, sess *models.Session) error {
	batch := s.client.Batch(gocql.LoggedBatch)
	batch.Query(s.client.Prepared.CreateSession.Statement(),
		sess.SessionToken, sess.ID, sess.UserID, sess.IsActive, sess.CreatedAt,
		sess.LastActivity, sess.ExpiresAt, sess.IPAddress, sess.UserAgent)
	batch.Query(s.client.Prepared.CreateSessionToken.Statement(),
		sess.ID, sess.SessionToken)

	if err := s.client.ExecuteBatch(batch.WithContext(ctx)); err != nil {
		util.Error("failed to create session",
			zap.String("session_id", sess.ID),
			zap.Error(err))
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

func (s *ScyllaStore) FindActiveSession(ctx context.Context, token string) (*models.Session, error) {
	sess := &models.Session{}
	query := s.client.Prepared.GetSessionByToken.Bind(token).WithContext(ctx)

	err := s.client.ScanWithRetry(query,
		&sess.SessionToken, &sess.ID, &sess.UserID, &sess.IsActive,
		&sess.CreatedAt, &sess.LastActivity, &sess.ExpiresAt,
		&sess.IPAddress, &sess.UserAgent)
	if err != nil {
		if err == gocql.ErrNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find session: %w", err)
	}
	if !sess.IsActive {
		return nil, nil
	}
	return sess, nil
}

func (s *ScyllaStore) TouchSession(ctx context.Context, sessionID string, at time.Time) error {
	token, err := s.tokenForSession(ctx, sessionID)
	if err != nil || token == "" {
		return err
	}
	query := s.client.Prepared.TouchSession.Bind(at, token).WithContext(ctx)
	if err := s.client.ExecuteWithRetry(query, 2); err != nil {
		return fmt.Errorf("failed to touch session: %w", err)
	}
	return nil
}

func (s *ScyllaStore) DeactivateSession(ctx context.Context, sessionID string) error {
	token, err := s.tokenForSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if token == "" {
		return nil
	}
	query := s.client.Prepared.DeactivateSession.Bind(token).WithContext(ctx)
	if err := s.client.ExecuteWithRetry(query, 2); err != nil {
		return fmt.Errorf("failed to deactivate session: %w", err)
	}
	return nil
}

func (s *ScyllaStore) tokenForSession(ctx context.Context, sessionID string) (string, error) {
	var token string
	query := s.client.Prepared.GetTokenBySession.Bind(sessionID).WithContext(ctx)
	if err := s.client.ScanWithRetry(query, &token); err != nil {
		if err == gocql.ErrNotFound {
			return "", nil
		}
		return "", fmt.Errorf("failed to resolve session token: %w", err)
	}
	return token, nil
}

func (s *ScyllaStore) CreateUser(ctx context.Context, u *models.User) error {
	u.UserBucket = s.buckets.UserBucket(u.ID)

	batch := s.client.Batch(gocql.LoggedBatch)
	batch.Query(s.client.Prepared.CreateUser.Statement(),
		u.UserBucket, u.ID, u.Username, u.Email, u.FullName, u.PasswordHash,
		string(u.Status), u.IsRootAdmin, string(u.AccessScope), u.Department,
		u.JobTitle, u.FailedLoginAttempts, u.AccountLockedUntil,
		u.PasswordResetRequired, u.LastLogin, u.CreatedAt, u.UpdatedAt)
	batch.Query(s.client.Prepared.CreateUsername.Statement(),
		u.Username, u.UserBucket, u.ID)

	if err := s.client.ExecuteBatch(batch.WithContext(ctx)); err != nil {
		util.Error("failed to create user",
			zap.String("user_id", u.ID),
			zap.Error(err))
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

func (s *ScyllaStore) FindUser(ctx context.Context, id string) (*models.User, error) {
	bucket := s.buckets.UserBucket(id)
	return s.scanUser(s.client.Prepared.GetUserByID.Bind(bucket, id).WithContext(ctx))
}

func (s *ScyllaStore) FindUserByUsername(ctx context.Context, username string) (*models.User, error) {
	var bucket int
	var id string
	query := s.client.Prepared.GetUserByUsername.Bind(username).WithContext(ctx)
	if err := s.client.ScanWithRetry(query, &bucket, &id); err != nil {
		if err == gocql.ErrNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to resolve username: %w", err)
	}
	return s.scanUser(s.client.Prepared.GetUserByID.Bind(bucket, id).WithContext(ctx))
}

func (s *ScyllaStore) scanUser(query *gocql.Query) (*models.User, error) {
	u := &models.User{}
	var status, scope string
	var lockedUntil, lastLogin, updatedAt time.Time

	err := s.client.ScanWithRetry(query,
		&u.UserBucket, &u.ID, &u.Username, &u.Email, &u.FullName,
		&u.PasswordHash, &status, &u.IsRootAdmin, &scope, &u.Department,
		&u.JobTitle, &u.FailedLoginAttempts, &lockedUntil,
		&u.PasswordResetRequired, &lastLogin, &u.CreatedAt, &updatedAt)
	if err != nil {
		if err == gocql.ErrNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	u.Status = models.UserStatus(status)
	u.AccessScope = models.AccessScope(scope)
	if !lockedUntil.IsZero() {
		u.AccountLockedUntil = &lockedUntil
	}
	if !lastLogin.IsZero() {
		u.LastLogin = &lastLogin
	}
	if !updatedAt.IsZero() {
		u.UpdatedAt = &updatedAt
	}
	return u, nil
}

func (s *ScyllaStore) UpdateUser(ctx context.Context, u *models.User) error {
	bucket := s.buckets.UserBucket(u.ID)
	query := s.client.Prepared.UpdateUser.Bind(
		u.Email, u.FullName, u.PasswordHash, string(u.Status),
		u.IsRootAdmin, string(u.AccessScope), u.Department, u.JobTitle,
		u.FailedLoginAttempts, u.AccountLockedUntil,
		u.PasswordResetRequired, u.LastLogin, u.UpdatedAt,
		bucket, u.ID).WithContext(ctx)

	if err := s.client.ExecuteWithRetry(query, 2); err != nil {
		util.Error("failed to update user",
			zap.String("user_id", u.ID),
			zap.Error(err))
		return fmt.Errorf("failed to update user: %w", err)
	}
	return nil
}

func (s *ScyllaStore) ListResources(ctx context.Context) ([]models.Resource, error) {
	iter := s.client.Query(`
        SELECT id, key, name, module, module_label, section, description,
               sort_order, is_active
        FROM resources`).WithContext(ctx).Iter()

	var out []models.Resource
	var r models.Resource
	for iter.Scan(&r.ID, &r.Key, &r.Name, &r.Module, &r.ModuleLabel,
		&r.Section, &r.Description, &r.SortOrder, &r.IsActive) {
		out = append(out, r)
		r = models.Resource{}
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("failed to list resources: %w", err)
	}
	return out, nil
}

func (s *ScyllaStore) ListPermissions(ctx context.Context) ([]models.Permission, error) {
	iter := s.client.Query(`
        SELECT id, name, description, action, resource_id, scope_level,
               is_allow, field_key, record_conditions
        FROM permissions`).WithContext(ctx).Iter()

	var out []models.Permission
	for {
		p := models.Permission{}
		var action, scopeLevel string
		if !iter.Scan(&p.ID, &p.Name, &p.Description, &action, &p.ResourceID,
			&scopeLevel, &p.IsAllow, &p.FieldKey, &p.RecordConditions) {
			break
		}
		p.Action = models.Action(action)
		p.ScopeLevel = models.ScopeLevel(scopeLevel)
		out = append(out, p)
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("failed to list permissions: %w", err)
	}
	return out, nil
}

func (s *ScyllaStore) FindPermissions(ctx context.Context, ids []string) ([]models.Permission, error) {
	out := make([]models.Permission, 0, len(ids))
	for _, id := range ids {
		p := models.Permission{}
		var action, scopeLevel string
		query := s.client.Prepared.GetPermissionByID.Bind(id).WithContext(ctx)
		err := s.client.ScanWithRetry(query,
			&p.ID, &p.Name, &p.Description, &action, &p.ResourceID,
			&scopeLevel, &p.IsAllow, &p.FieldKey, &p.RecordConditions)
		if err != nil {
			if err == gocql.ErrNotFound {
				continue
			}
			return nil, fmt.Errorf("failed to get permission %s: %w", id, err)
		}
		p.Action = models.Action(action)
		p.ScopeLevel = models.ScopeLevel(scopeLevel)
		out = append(out, p)
	}
	return out, nil
}

func (s *ScyllaStore) FindActiveGrants(ctx context.Context, userID string) ([]models.Grant, error) {
	iter := s.client.Prepared.GetGrantsByUser.Bind(userID).WithContext(ctx).Iter()

	// Expiry is filtered here rather than in CQL; a null expires_at
	// scans as the zero time.
	now := s.now()
	var out []models.Grant
	var g models.Grant
	var expires time.Time
	for iter.Scan(&g.UserID, &g.PermissionID, &g.GrantedBy, &g.GrantedAt, &expires, &g.IsActive) {
		if !expires.IsZero() {
			t := expires
			g.ExpiresAt = &t
		}
		if g.Effective(now) {
			out = append(out, g)
		}
		g = models.Grant{}
		expires = time.Time{}
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("failed to list grants: %w", err)
	}
	return out, nil
}

func (s *ScyllaStore) UpsertGrant(ctx context.Context, g models.Grant) error {
	query := s.client.Prepared.UpsertGrant.Bind(
		g.UserID, g.PermissionID, g.GrantedBy, g.GrantedAt, g.ExpiresAt, g.IsActive).WithContext(ctx)
	if err := s.client.ExecuteWithRetry(query, 2); err != nil {
		return fmt.Errorf("failed to upsert grant: %w", err)
	}
	return nil
}

func (s *ScyllaStore) DeactivateGrant(ctx context.Context, userID, permissionID string) error {
	query := s.client.Prepared.DeactivateGrant.Bind(userID, permissionID).WithContext(ctx)
	if err := s.client.ExecuteWithRetry(query, 2); err != nil {
		return fmt.Errorf("failed to deactivate grant: %w", err)
	}
	return nil
}

func (s *ScyllaStore) AppendAuditEntry(ctx context.Context, e *models.AuditEntry) error {
	detailsJSON := "{}"
	if e.Details != nil {
		b, err := json.Marshal(e.Details)
		if err != nil {
			return fmt.Errorf("failed to encode audit details: %w", err)
		}
		detailsJSON = string(b)
	}

	query := s.client.Prepared.AppendAudit.Bind(
		s.buckets.DateBucket(e.CreatedAt), e.CreatedAt, e.ID, e.UserID,
		e.Action, e.ResourceType, e.ResourceID, detailsJSON,
		string(e.Outcome), e.IPAddress, e.UserAgent, e.RootOverride).WithContext(ctx)

	if err := s.client.ExecuteWithRetry(query, 2); err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}
