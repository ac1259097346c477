package csrf

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultValidity bounds how long an issued token may be replayed.
	DefaultValidity = time.Hour

	// maxClockSkew is how far in the future an embedded timestamp may
	// lie before the token is rejected.
	maxClockSkew = 2 * time.Minute

	nonceBytes = 16
)

var (
	ErrMissingSecret   = errors.New("csrf: signing secret is required")
	ErrMalformedToken  = errors.New("csrf: malformed token")
	ErrBadSignature    = errors.New("csrf: signature mismatch")
	ErrSessionMismatch = errors.New("csrf: token bound to different session")
	ErrExpiredToken    = errors.New("csrf: token expired")
)

// Codec issues and verifies stateless tokens bound to a session. A
// token is sessionID-timestampMs-nonce-signature, where the signature
// is HMAC-SHA256 over the first three parts.
type Codec struct {
	secret   []byte
	validity time.Duration
	now      func() time.Time
}

type Option func(*Codec)

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Codec) { c.now = now }
}

func WithValidity(d time.Duration) Option {
	return func(c *Codec) { c.validity = d }
}

// NewCodec fails when no secret is configured; the service must not
// start without one.
func NewCodec(secret string, opts ...Option) (*Codec, error) {
	if secret == "" {
		return nil, ErrMissingSecret
	}
	c := &Codec{
		secret:   []byte(secret),
		validity: DefaultValidity,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Issue mints a token bound to sessionID.
func (c *Codec) Issue(sessionID string) (string, error) {
	nonce := make([]byte, nonceBytes)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("csrf: failed to generate nonce: %w", err)
	}

	ts := strconv.FormatInt(c.now().UnixMilli(), 10)
	payload := sessionID + "-" + ts + "-" + hex.EncodeToString(nonce)
	return payload + "-" + c.sign(payload), nil
}

// Verify checks the token's signature, session binding and age.
func (c *Codec) Verify(token, sessionID string) error {
	// The session id may itself contain dashes; split from the right.
	idx := strings.LastIndex(token, "-")
	if idx <= 0 {
		return ErrMalformedToken
	}
	payload, sig := token[:idx], token[idx+1:]

	expected := c.sign(payload)
	if subtle.ConstantTimeCompare([]byte(sig), []byte(expected)) != 1 {
		return ErrBadSignature
	}

	rest := payload
	idx = strings.LastIndex(rest, "-")
	if idx <= 0 {
		return ErrMalformedToken
	}
	rest = rest[:idx] // drop nonce

	idx = strings.LastIndex(rest, "-")
	if idx <= 0 {
		return ErrMalformedToken
	}
	tokenSession, tsStr := rest[:idx], rest[idx+1:]

	if subtle.ConstantTimeCompare([]byte(tokenSession), []byte(sessionID)) != 1 {
		return ErrSessionMismatch
	}

	tsMilli, err := strconv.ParseInt(tsStr, 10, 64)
	if err != nil {
		return ErrMalformedToken
	}
	issuedAt := time.UnixMilli(tsMilli)
	age := c.now().Sub(issuedAt)
	if age > c.validity || age < -maxClockSkew {
		return ErrExpiredToken
	}
	return nil
}

func (c *Codec) sign(payload string) string {
	mac := hmac.New(sha256.New, c.secret)
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}
