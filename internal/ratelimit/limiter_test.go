package ratelimit

import (
	"context"
	"testing"
	"time"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestLimiter(max int, window, block time.Duration) (*Limiter, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 1, 15, 8, 0, 0, 0, time.UTC)}
	l := NewLimiter(NewMemoryStore(), max, window, block, WithClock(clock.now))
	return l, clock
}

func TestLimiterWindowAndBlock(t *testing.T) {
	ctx := context.Background()
	l, clock := newTestLimiter(3, time.Second, 5*time.Second)

	for i := 0; i < 3; i++ {
		d := l.Allow(ctx, "press-7")
		if !d.Allowed {
			t.Fatalf("request %d denied", i+1)
		}
	}

	d := l.Allow(ctx, "press-7")
	if d.Allowed {
		t.Fatal("4th request in window allowed")
	}
	if d.RetryAfter != 5*time.Second {
		t.Fatalf("RetryAfter = %v, want 5s", d.RetryAfter)
	}

	// Still inside the penalty block even after the window passes
	clock.advance(2 * time.Second)
	if d := l.Allow(ctx, "press-7"); d.Allowed {
		t.Fatal("request during block allowed")
	}

	// Block expires, counting starts over
	clock.advance(4 * time.Second)
	if d := l.Allow(ctx, "press-7"); !d.Allowed {
		t.Fatal("request after block denied")
	}
}

func TestLimiterWindowReset(t *testing.T) {
	ctx := context.Background()
	l, clock := newTestLimiter(2, time.Second, 10*time.Second)

	l.Allow(ctx, "k")
	l.Allow(ctx, "k")

	clock.advance(1100 * time.Millisecond)
	d := l.Allow(ctx, "k")
	if !d.Allowed {
		t.Fatal("request in fresh window denied")
	}
	if d.Remaining != 1 {
		t.Fatalf("Remaining = %d, want 1", d.Remaining)
	}
}

func TestLimiterKeysIndependent(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLimiter(1, time.Second, time.Minute)

	if d := l.Allow(ctx, "a"); !d.Allowed {
		t.Fatal("first request for a denied")
	}
	if d := l.Allow(ctx, "a"); d.Allowed {
		t.Fatal("second request for a allowed")
	}
	if d := l.Allow(ctx, "b"); !d.Allowed {
		t.Fatal("first request for b denied")
	}
}

func TestLimiterReset(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLimiter(1, time.Minute, time.Minute)

	l.Allow(ctx, "operator")
	l.Allow(ctx, "operator")
	l.Reset(ctx, "operator")

	if d := l.Allow(ctx, "operator"); !d.Allowed {
		t.Fatal("request after reset denied")
	}
}

func TestMemoryStoreSweep(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_ = s.Put(ctx, "stale", &Entry{Count: 1}, -time.Second)
	_ = s.Put(ctx, "live", &Entry{Count: 1}, time.Hour)

	s.sweep(time.Now())

	if e, _ := s.Get(ctx, "stale"); e != nil {
		t.Fatal("expired entry survived sweep")
	}
	if e, _ := s.Get(ctx, "live"); e == nil {
		t.Fatal("live entry swept")
	}
}
