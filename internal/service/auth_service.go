package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"prodflow-access/internal/audit"
	"prodflow-access/internal/hashing"
	"prodflow-access/internal/models"
	"prodflow-access/internal/session"
	"prodflow-access/internal/store"
	"prodflow-access/internal/util"
)

var (
	// ErrInvalidCredentials deliberately covers unknown usernames,
	// reserved usernames and wrong passwords alike.
	ErrInvalidCredentials = errors.New("invalid username or password")
	ErrAccountLocked      = errors.New("account temporarily locked")
	ErrAccountPending     = errors.New("account awaiting approval")
	ErrAccountDisabled    = errors.New("account disabled")
	ErrFactoryNetworkOnly = errors.New("login restricted to factory network")
)

// Usernames that must never resolve to a login, whatever the directory
// holds.
var reservedUsernames = map[string]struct{}{
	"admin":         {},
	"administrator": {},
	"root":          {},
	"system":        {},
	"superuser":     {},
	"support":       {},
}

const sessionTokenBytes = 32

// AuthService owns the credential flows: login, logout and password
// changes.
type AuthService struct {
	store            store.DirectoryStore
	hasher           *hashing.Hasher
	audit            *audit.Logger
	factory          *session.FactoryNetwork
	cache            *session.Cache
	sessionTTL       time.Duration
	lockoutThreshold int
	lockoutDuration  time.Duration
	now              func() time.Time
}

type AuthOption func(*AuthService)

// WithFactoryNetwork enables network-scope enforcement at login.
func WithFactoryNetwork(fn *session.FactoryNetwork) AuthOption {
	return func(s *AuthService) { s.factory = fn }
}

// WithSessionCache lets logout invalidate the Redis entry immediately.
func WithSessionCache(c *session.Cache) AuthOption {
	return func(s *AuthService) { s.cache = c }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) AuthOption {
	return func(s *AuthService) { s.now = now }
}

func WithLockoutPolicy(threshold int, duration time.Duration) AuthOption {
	return func(s *AuthService) {
		s.lockoutThreshold = threshold
		s.lockoutDuration = duration
	}
}

func WithSessionTTL(ttl time.Duration) AuthOption {
	return func(s *AuthService) { s.sessionTTL = ttl }
}

func NewAuthService(st store.DirectoryStore, hasher *hashing.Hasher, auditLog *audit.Logger, opts ...AuthOption) *AuthService {
	s := &AuthService{
		store:            st,
		hasher:           hasher,
		audit:            auditLog,
		sessionTTL:       30 * 24 * time.Hour,
		lockoutThreshold: 5,
		lockoutDuration:  30 * time.Minute,
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type LoginInput struct {
	Username string
	Password string
	Meta     audit.RequestMeta
}

type LoginResult struct {
	User    *models.User
	Session *models.Session
}

// Login checks credentials and opens a session.
func (s *AuthService) Login(ctx context.Context, in LoginInput) (*LoginResult, error) {
	username, err := util.ValidateUsername(in.Username)
	if err != nil {
		return nil, err
	}
	if err := util.ValidatePassword(in.Password); err != nil {
		return nil, err
	}

	if _, reserved := reservedUsernames[username]; reserved {
		s.auditLoginFailed(ctx, "", username, "reserved username", in.Meta)
		return nil, ErrInvalidCredentials
	}

	user, err := s.store.FindUserByUsername(ctx, username)
	if err != nil {
		return nil, fmt.Errorf("login lookup failed: %w", err)
	}
	if user == nil {
		s.auditLoginFailed(ctx, "", username, "unknown username", in.Meta)
		return nil, ErrInvalidCredentials
	}

	now := s.now()
	if user.Locked(now) {
		s.auditLoginFailed(ctx, user.ID, username, "account locked", in.Meta)
		return nil, ErrAccountLocked
	}

	switch user.Status {
	case models.UserStatusActive:
	case models.UserStatusPending:
		s.auditLoginFailed(ctx, user.ID, username, "pending approval", in.Meta)
		return nil, ErrAccountPending
	default:
		s.auditLoginFailed(ctx, user.ID, username, "account disabled", in.Meta)
		return nil, ErrAccountDisabled
	}

	ok, err := s.hasher.Verify(in.Password, user.PasswordHash)
	if err != nil {
		return nil, fmt.Errorf("password verification failed: %w", err)
	}
	if !ok {
		return nil, s.recordFailedAttempt(ctx, user, username, in.Meta)
	}

	if s.factory != nil && in.Meta.IPAddress != "" &&
		user.EffectiveScope() == models.AccessScopeFactoryOnly &&
		!s.factory.Contains(in.Meta.IPAddress) {
		s.auditLoginFailed(ctx, user.ID, username, "outside factory network", in.Meta)
		return nil, ErrFactoryNetworkOnly
	}

	token, err := newSessionToken()
	if err != nil {
		return nil, err
	}
	sess := &models.Session{
		ID:           uuid.New().String(),
		UserID:       user.ID,
		SessionToken: token,
		IsActive:     true,
		CreatedAt:    now,
		LastActivity: now,
		ExpiresAt:    now.Add(s.sessionTTL),
		IPAddress:    in.Meta.IPAddress,
		UserAgent:    in.Meta.UserAgent,
	}

	user.FailedLoginAttempts = 0
	user.AccountLockedUntil = nil
	user.LastLogin = &now
	user.UpdatedAt = &now

	// Session insert and counter reset are independent writes
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.store.CreateSession(gctx, sess) })
	g.Go(func() error { return s.store.UpdateUser(gctx, user) })
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("failed to open session: %w", err)
	}

	s.audit.Record(ctx, audit.Entry{
		ActorID:      user.ID,
		Action:       audit.ActionLoginSuccess,
		ResourceType: audit.ResourceTypeSessions,
		ResourceID:   sess.ID,
		Details:      map[string]interface{}{"username": username},
		Outcome:      models.OutcomeSuccess,
		Meta:         in.Meta,
	})

	util.Info("user logged in",
		zap.String("user_id", user.ID),
		zap.String("username", username))

	return &LoginResult{User: user, Session: sess}, nil
}

func (s *AuthService) recordFailedAttempt(ctx context.Context, user *models.User, username string, meta audit.RequestMeta) error {
	now := s.now()
	user.FailedLoginAttempts++
	locked := false
	if user.FailedLoginAttempts >= s.lockoutThreshold {
		until := now.Add(s.lockoutDuration)
		user.AccountLockedUntil = &until
		user.FailedLoginAttempts = 0
		locked = true
	}
	user.UpdatedAt = &now

	if err := s.store.UpdateUser(ctx, user); err != nil {
		util.Error("failed to persist login attempt counter",
			zap.String("user_id", user.ID),
			zap.Error(err))
	}

	s.auditLoginFailed(ctx, user.ID, username, "wrong password", meta)
	if locked {
		s.audit.Record(ctx, audit.Entry{
			ActorID:      user.ID,
			Action:       audit.ActionAccountLocked,
			ResourceType: audit.ResourceTypeUsers,
			ResourceID:   user.ID,
			Details:      map[string]interface{}{"locked_minutes": int(s.lockoutDuration.Minutes())},
			Outcome:      models.OutcomeSuccess,
			Meta:         meta,
		})
		return ErrAccountLocked
	}
	return ErrInvalidCredentials
}

func (s *AuthService) auditLoginFailed(ctx context.Context, actorID, username, reason string, meta audit.RequestMeta) {
	s.audit.Record(ctx, audit.Entry{
		ActorID:      actorID,
		Action:       audit.ActionLoginFailed,
		ResourceType: audit.ResourceTypeSessions,
		Details: map[string]interface{}{
			"username": username,
			"reason":   reason,
		},
		Outcome: models.OutcomeFailure,
		Meta:    meta,
	})
}

// Logout closes the session and drops its cache entry.
func (s *AuthService) Logout(ctx context.Context, sc *session.Context, meta audit.RequestMeta) error {
	if err := s.store.DeactivateSession(ctx, sc.Session.ID); err != nil {
		return fmt.Errorf("failed to close session: %w", err)
	}
	if s.cache != nil {
		s.cache.Invalidate(ctx, sc.Session.SessionToken)
	}

	s.audit.Record(ctx, audit.Entry{
		ActorID:      sc.User.ID,
		Action:       audit.ActionLogout,
		ResourceType: audit.ResourceTypeSessions,
		ResourceID:   sc.Session.ID,
		Outcome:      models.OutcomeSuccess,
		Meta:         meta,
	})
	return nil
}

// ChangePassword verifies the current password before storing the new
// hash.
func (s *AuthService) ChangePassword(ctx context.Context, sc *session.Context, current, next string, meta audit.RequestMeta) error {
	if err := util.ValidatePassword(next); err != nil {
		return err
	}

	ok, err := s.hasher.Verify(current, sc.User.PasswordHash)
	if err != nil {
		return fmt.Errorf("password verification failed: %w", err)
	}
	if !ok {
		s.audit.Record(ctx, audit.Entry{
			ActorID:      sc.User.ID,
			Action:       audit.ActionPasswordChanged,
			ResourceType: audit.ResourceTypeUsers,
			ResourceID:   sc.User.ID,
			Details:      map[string]interface{}{"reason": "wrong current password"},
			Outcome:      models.OutcomeFailure,
			Meta:         meta,
		})
		return ErrInvalidCredentials
	}

	hash, err := s.hasher.Hash(next)
	if err != nil {
		return err
	}

	now := s.now()
	user := sc.User
	user.PasswordHash = hash
	user.PasswordResetRequired = false
	user.UpdatedAt = &now
	if err := s.store.UpdateUser(ctx, user); err != nil {
		return fmt.Errorf("failed to store new password: %w", err)
	}

	s.audit.Record(ctx, audit.Entry{
		ActorID:      user.ID,
		Action:       audit.ActionPasswordChanged,
		ResourceType: audit.ResourceTypeUsers,
		ResourceID:   user.ID,
		Outcome:      models.OutcomeSuccess,
		Meta:         meta,
	})
	return nil
}

func newSessionToken() (string, error) {
	b := make([]byte, sessionTokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate session token: %w", err)
	}
	return hex.EncodeToString(b), nil
}
