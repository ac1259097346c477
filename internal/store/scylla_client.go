package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"prodflow-access/internal/config"
	"prodflow-access/internal/util"
)

// PreparedStatements holds the statements the directory store reuses on
// its hot paths.
type PreparedStatements struct {
	CreateSession      *gocql.Query
	CreateSessionToken *gocql.Query
	GetSessionByToken  *gocql.Query
	GetTokenBySession  *gocql.Query
	TouchSession       *gocql.Query
	DeactivateSession  *gocql.Query

	CreateUser        *gocql.Query
	CreateUsername    *gocql.Query
	GetUserByID       *gocql.Query
	GetUserByUsername *gocql.Query
	UpdateUser        *gocql.Query

	GetPermissionByID *gocql.Query
	GetGrantsByUser   *gocql.Query
	UpsertGrant       *gocql.Query
	DeactivateGrant   *gocql.Query

	AppendAudit *gocql.Query
}

type ScyllaClient struct {
	Session      *gocql.Session
	config       *config.ScyllaConfig
	Prepared     *PreparedStatements
	prepareMutex sync.RWMutex
	isPrepared   bool
}

func NewScyllaClient(cfg *config.Config) (*ScyllaClient, error) {
	scyllaConfig := cfg.Scylla

	cluster := gocql.NewCluster(scyllaConfig.Hosts...)
	cluster.Keyspace = scyllaConfig.Keyspace
	cluster.Consistency = parseConsistency(scyllaConfig.Consistency)
	cluster.Timeout = scyllaConfig.Timeout
	cluster.ConnectTimeout = 10 * time.Second
	cluster.NumConns = 4
	cluster.SocketKeepalive = 30 * time.Second
	cluster.MaxPreparedStmts = 1000
	cluster.PageSize = 1000
	cluster.RetryPolicy = &gocql.ExponentialBackoffRetryPolicy{
		Min:        time.Second,
		Max:        10 * time.Second,
		NumRetries: 3,
	}

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create scylla session: %w", err)
	}

	c := &ScyllaClient{
		Session: session,
		config:  &scyllaConfig,
	}

	if err := c.prepareStatements(); err != nil {
		session.Close()
		return nil, fmt.Errorf("failed to prepare statements: %w", err)
	}

	util.Info("ScyllaDB client initialized",
		zap.Strings("hosts", scyllaConfig.Hosts),
		zap.String("keyspace", scyllaConfig.Keyspace))

	return c, nil
}

func parseConsistency(s string) gocql.Consistency {
	switch s {
	case "ONE":
		return gocql.One
	case "QUORUM":
		return gocql.Quorum
	case "ALL":
		return gocql.All
	case "LOCAL_ONE":
		return gocql.LocalOne
	default:
		return gocql.LocalQuorum
	}
}

func (s *ScyllaClient) prepareStatements() error {
	s.prepareMutex.Lock()
	defer s.prepareMutex.Unlock()

	if s.isPrepared {
		return nil
	}

	p := &PreparedStatements{}

	p.CreateSession = s.Session.Query(`
        INSERT INTO sessions_by_token (
            session_token, id, user_id, is_active, created_at,
            last_activity, expires_at, ip_address, user_agent
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	p.CreateSessionToken = s.Session.Query(`
        INSERT INTO session_tokens (id, session_token) VALUES (?, ?)`)

	p.GetSessionByToken = s.Session.Query(`
        SELECT session_token, id, user_id, is_active, created_at,
               last_activity, expires_at, ip_address, user_agent
        FROM sessions_by_token WHERE session_token = ?`)

	p.GetTokenBySession = s.Session.Query(`
        SELECT session_token FROM session_tokens WHERE id = ?`)

	p.TouchSession = s.Session.Query(`
        UPDATE sessions_by_token SET last_activity = ? WHERE session_token = ?`)

	p.DeactivateSession = s.Session.Query(`
        UPDATE sessions_by_token SET is_active = false WHERE session_token = ?`)

	p.CreateUser = s.Session.Query(`
        INSERT INTO users (
            user_bucket, id, username, email, full_name, password_hash,
            status, is_root_admin, access_scope, department, job_title,
            failed_login_attempts, account_locked_until, password_reset_required,
            last_login, created_at, updated_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	p.CreateUsername = s.Session.Query(`
        INSERT INTO users_by_username (username, user_bucket, user_id)
        VALUES (?, ?, ?)`)

	p.GetUserByID = s.Session.Query(`
        SELECT user_bucket, id, username, email, full_name, password_hash,
               status, is_root_admin, access_scope, department, job_title,
               failed_login_attempts, account_locked_until, password_reset_required,
               last_login, created_at, updated_at
        FROM users WHERE user_bucket = ? AND id = ?`)

	p.GetUserByUsername = s.Session.Query(`
        SELECT user_bucket, user_id FROM users_by_username WHERE username = ?`)

	p.UpdateUser = s.Session.Query(`
        UPDATE users SET
            email = ?, full_name = ?, password_hash = ?, status = ?,
            is_root_admin = ?, access_scope = ?, department = ?, job_title = ?,
            failed_login_attempts = ?, account_locked_until = ?,
            password_reset_required = ?, last_login = ?, updated_at = ?
        WHERE user_bucket = ? AND id = ?`)

	p.GetPermissionByID = s.Session.Query(`
        SELECT id, name, description, action, resource_id, scope_level,
               is_allow, field_key, record_conditions
        FROM permissions WHERE id = ?`)

	p.GetGrantsByUser = s.Session.Query(`
        SELECT user_id, permission_id, granted_by, granted_at, expires_at, is_active
        FROM grants_by_user WHERE user_id = ?`)

	p.UpsertGrant = s.Session.Query(`
        INSERT INTO grants_by_user (user_id, permission_id, granted_by, granted_at, expires_at, is_active)
        VALUES (?, ?, ?, ?, ?, ?)`)

	p.DeactivateGrant = s.Session.Query(`
        UPDATE grants_by_user SET is_active = false
        WHERE user_id = ? AND permission_id = ?`)

	p.AppendAudit = s.Session.Query(`
        INSERT INTO audit_log (
            date_bucket, created_at, id, user_id, action, resource_type,
            resource_id, details_json, outcome, ip_address, user_agent,
            is_root_admin_override
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	s.Prepared = p
	s.isPrepared = true
	return nil
}

func (s *ScyllaClient) Close() {
	if s.Session != nil {
		s.Session.Close()
		util.Info("ScyllaDB client closed")
	}
}

func (s *ScyllaClient) Query(stmt string, values ...interface{}) *gocql.Query {
	return s.Session.Query(stmt, values...)
}

func (s *ScyllaClient) Batch(typ gocql.BatchType) *gocql.Batch {
	return s.Session.NewBatch(typ)
}

func (s *ScyllaClient) ExecuteBatch(batch *gocql.Batch) error {
	return s.Session.ExecuteBatch(batch)
}

func (s *ScyllaClient) HealthCheck() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var clusterName string
	err := s.Session.Query(`SELECT cluster_name FROM system.local`).WithContext(ctx).Scan(&clusterName)
	if err != nil {
		return fmt.Errorf("scylla health check failed: %w", err)
	}
	return nil
}

// ExecuteWithRetry retries transient write failures with linear backoff.
func (s *ScyllaClient) ExecuteWithRetry(query *gocql.Query, maxRetries int) error {
	var lastErr error
	for i := 0; i <= maxRetries; i++ {
		if err := query.Exec(); err != nil {
			lastErr = err
			if i < maxRetries {
				time.Sleep(time.Duration(i+1) * 100 * time.Millisecond)
				continue
			}
		} else {
			return nil
		}
	}
	return lastErr
}

func (s *ScyllaClient) ScanWithRetry(query *gocql.Query, dest ...interface{}) error {
	var lastErr error
	for i := 0; i < 3; i++ {
		if err := query.Scan(dest...); err != nil {
			if err == gocql.ErrNotFound {
				return err
			}
			lastErr = err
			if i < 2 {
				time.Sleep(time.Duration(i+1) * 100 * time.Millisecond)
				continue
			}
		} else {
			return nil
		}
	}
	return lastErr
}
