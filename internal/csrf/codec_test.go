package csrf

import (
	"errors"
	"strings"
	"testing"
	"time"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func TestNewCodecRequiresSecret(t *testing.T) {
	if _, err := NewCodec(""); !errors.Is(err, ErrMissingSecret) {
		t.Fatalf("expected ErrMissingSecret, got %v", err)
	}
}

func TestIssueAndVerify(t *testing.T) {
	c, err := NewCodec(testSecret)
	if err != nil {
		t.Fatal(err)
	}

	token, err := c.Issue("sess-abc-123")
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Verify(token, "sess-abc-123"); err != nil {
		t.Fatalf("Verify: %v", err)
	}
}

func TestVerifyRejectsOtherSession(t *testing.T) {
	c, _ := NewCodec(testSecret)
	token, _ := c.Issue("session-one")
	if err := c.Verify(token, "session-two"); !errors.Is(err, ErrSessionMismatch) {
		t.Fatalf("expected ErrSessionMismatch, got %v", err)
	}
}

func TestVerifyRejectsTamperedToken(t *testing.T) {
	c, _ := NewCodec(testSecret)
	token, _ := c.Issue("s1")

	tampered := token[:len(token)-2] + "ff"
	if tampered == token {
		tampered = token[:len(token)-2] + "00"
	}
	if err := c.Verify(tampered, "s1"); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("expected ErrBadSignature, got %v", err)
	}

	if err := c.Verify("garbage", "s1"); err == nil {
		t.Fatal("expected error for malformed token")
	}
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	now := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	c, _ := NewCodec(testSecret, WithClock(func() time.Time { return clock() }))
	token, _ := c.Issue("s1")

	now = now.Add(59 * time.Minute)
	if err := c.Verify(token, "s1"); err != nil {
		t.Fatalf("token rejected inside validity window: %v", err)
	}

	now = now.Add(2 * time.Minute)
	if err := c.Verify(token, "s1"); !errors.Is(err, ErrExpiredToken) {
		t.Fatalf("expected ErrExpiredToken, got %v", err)
	}
}

func TestVerifyRejectsFutureToken(t *testing.T) {
	now := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	c, _ := NewCodec(testSecret, WithClock(func() time.Time { return clock() }))
	token, _ := c.Issue("s1")

	// Slight drift between hosts is tolerated
	now = now.Add(-time.Minute)
	if err := c.Verify(token, "s1"); err != nil {
		t.Fatalf("token rejected inside skew window: %v", err)
	}

	// A timestamp well in the future means a forged or corrupted clock
	now = now.Add(-10 * time.Minute)
	if err := c.Verify(token, "s1"); !errors.Is(err, ErrExpiredToken) {
		t.Fatalf("expected ErrExpiredToken, got %v", err)
	}
}

func TestVerifyRejectsForeignSecret(t *testing.T) {
	a, _ := NewCodec(testSecret)
	b, _ := NewCodec(strings.Repeat("x", 32))

	token, _ := a.Issue("s1")
	if err := b.Verify(token, "s1"); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("expected ErrBadSignature, got %v", err)
	}
}
