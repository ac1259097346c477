package session

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"prodflow-access/internal/models"
	"prodflow-access/internal/store"
	"prodflow-access/internal/util"
)

var (
	// ErrNoSession covers every authentication negative: missing or
	// unknown token, expired or inactive session, missing or inactive
	// user. Callers must not leak which case occurred.
	ErrNoSession = errors.New("session: authentication required")

	// ErrNetworkScope rejects a factory-only user connecting from
	// outside the plant network.
	ErrNetworkScope = errors.New("session: network access denied")
)

// Context is the identity attached to a verified request.
type Context struct {
	User    *models.User
	Session *models.Session
}

// Verifier resolves bearer tokens into session contexts.
type Verifier struct {
	store   store.DirectoryStore
	cache   *Cache
	factory *FactoryNetwork
	now     func() time.Time
	async   func(func())
}

type VerifierOption func(*Verifier)

// WithCache adds the Redis read-through cache.
func WithCache(c *Cache) VerifierOption {
	return func(v *Verifier) { v.cache = c }
}

// WithFactoryNetwork enables network-scope enforcement.
func WithFactoryNetwork(fn *FactoryNetwork) VerifierOption {
	return func(v *Verifier) { v.factory = fn }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) VerifierOption {
	return func(v *Verifier) { v.now = now }
}

// WithSideEffectRunner overrides how fire-and-forget writes run; tests
// use an inline runner.
func WithSideEffectRunner(run func(func())) VerifierOption {
	return func(v *Verifier) { v.async = run }
}

func NewVerifier(st store.DirectoryStore, opts ...VerifierOption) *Verifier {
	v := &Verifier{
		store: st,
		now:   time.Now,
		async: func(fn func()) { go fn() },
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify resolves token to an active session and user. clientIP may be
// empty when transport-level information is unavailable.
func (v *Verifier) Verify(ctx context.Context, token, clientIP string) (*Context, error) {
	if token == "" {
		return nil, ErrNoSession
	}

	sess, err := v.lookup(ctx, token)
	if err != nil {
		util.Error("session lookup failed", zap.Error(err))
		return nil, ErrNoSession
	}
	if sess == nil {
		return nil, ErrNoSession
	}

	now := v.now()
	if sess.Expired(now) {
		// Flip the stale row off the active path; failure here only
		// delays cleanup.
		v.async(func() {
			bg, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := v.store.DeactivateSession(bg, sess.ID); err != nil {
				util.Warn("failed to deactivate expired session",
					zap.String("session_id", sess.ID),
					zap.Error(err))
			}
			if v.cache != nil {
				v.cache.Invalidate(bg, sess.SessionToken)
			}
		})
		return nil, ErrNoSession
	}

	user, err := v.store.FindUser(ctx, sess.UserID)
	if err != nil {
		util.Error("user lookup failed",
			zap.String("user_id", sess.UserID),
			zap.Error(err))
		return nil, ErrNoSession
	}
	if user == nil {
		// Dangling session; the owning user is gone.
		return nil, ErrNoSession
	}
	if user.Status != models.UserStatusActive {
		return nil, ErrNoSession
	}

	if v.factory != nil && clientIP != "" &&
		user.EffectiveScope() == models.AccessScopeFactoryOnly &&
		!v.factory.Contains(clientIP) {
		util.Warn("factory-only user rejected from outside network",
			zap.String("user_id", user.ID),
			zap.String("client_ip", clientIP))
		return nil, ErrNetworkScope
	}

	v.async(func() {
		bg, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := v.store.TouchSession(bg, sess.ID, now); err != nil {
			util.Debug("session touch failed",
				zap.String("session_id", sess.ID),
				zap.Error(err))
		}
	})

	return &Context{User: user, Session: sess}, nil
}

func (v *Verifier) lookup(ctx context.Context, token string) (*models.Session, error) {
	if v.cache != nil {
		if sess := v.cache.Get(ctx, token); sess != nil {
			return sess, nil
		}
	}

	sess, err := v.store.FindActiveSession(ctx, token)
	if err != nil || sess == nil {
		return sess, err
	}
	if v.cache != nil {
		v.cache.Put(ctx, sess)
	}
	return sess, nil
}

// TokenFromRequest pulls the session token from the session cookie or,
// failing that, an Authorization bearer header.
func TokenFromRequest(r *http.Request) string {
	if c, err := r.Cookie("session_token"); err == nil && c.Value != "" {
		return c.Value
	}
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}
