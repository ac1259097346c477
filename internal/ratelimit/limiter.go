package ratelimit

import (
	"context"
	"time"

	"go.uber.org/zap"

	"prodflow-access/internal/util"
)

// Entry is the per-key counting state. A key is unseen until its first
// request, counting while inside a window, and blocked once it exceeds
// the window's budget.
type Entry struct {
	Count        int       `json:"count"`
	ResetAt      time.Time `json:"reset_at"`
	BlockedUntil time.Time `json:"blocked_until,omitempty"`
}

// Store persists limiter state. The memory store serves a single
// instance; the Redis store shares state across replicas.
type Store interface {
	Get(ctx context.Context, key string) (*Entry, error)
	Put(ctx context.Context, key string, e *Entry, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// Limiter enforces a fixed-window limit with a penalty block once the
// window budget is exhausted.
type Limiter struct {
	store  Store
	max    int
	window time.Duration
	block  time.Duration
	now    func() time.Time
}

type Option func(*Limiter)

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

func NewLimiter(store Store, max int, window, block time.Duration, opts ...Option) *Limiter {
	l := &Limiter{
		store:  store,
		max:    max,
		window: window,
		block:  block,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Allow records one request for key and decides whether it may proceed.
// Store failures fail open: an unreachable limiter store must not take
// the service down with it.
func (l *Limiter) Allow(ctx context.Context, key string) Decision {
	now := l.now()

	entry, err := l.store.Get(ctx, key)
	if err != nil {
		util.Warn("rate limit store read failed, allowing request",
			zap.String("key", key),
			zap.Error(err))
		return Decision{Allowed: true, Remaining: l.max - 1}
	}

	if entry != nil && !entry.BlockedUntil.IsZero() {
		if now.Before(entry.BlockedUntil) {
			return Decision{RetryAfter: entry.BlockedUntil.Sub(now)}
		}
		entry = nil
	}

	if entry == nil || !now.Before(entry.ResetAt) {
		fresh := &Entry{Count: 1, ResetAt: now.Add(l.window)}
		l.put(ctx, key, fresh, l.window)
		return Decision{Allowed: true, Remaining: l.max - 1}
	}

	entry.Count++
	if entry.Count > l.max {
		entry.BlockedUntil = now.Add(l.block)
		l.put(ctx, key, entry, l.block)
		util.Warn("rate limit exceeded",
			zap.String("key", key),
			zap.Int("count", entry.Count),
			zap.Duration("blocked_for", l.block))
		return Decision{RetryAfter: l.block}
	}

	l.put(ctx, key, entry, entry.ResetAt.Sub(now))
	return Decision{Allowed: true, Remaining: l.max - entry.Count}
}

// Reset clears the state for key, e.g. after a successful login.
func (l *Limiter) Reset(ctx context.Context, key string) {
	if err := l.store.Delete(ctx, key); err != nil {
		util.Warn("rate limit reset failed",
			zap.String("key", key),
			zap.Error(err))
	}
}

func (l *Limiter) put(ctx context.Context, key string, e *Entry, ttl time.Duration) {
	if err := l.store.Put(ctx, key, e, ttl); err != nil {
		util.Warn("rate limit store write failed",
			zap.String("key", key),
			zap.Error(err))
	}
}
