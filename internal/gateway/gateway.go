package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"prodflow-access/internal/csrf"
	"prodflow-access/internal/ratelimit"
	"prodflow-access/internal/session"
	"prodflow-access/internal/util"
)

// CSRFHeader carries the anti-forgery token on mutating requests.
const CSRFHeader = "X-CSRF-Token"

// Config selects which checks Secure runs for an endpoint.
type Config struct {
	AllowedMethods []string
	Limiter        *ratelimit.Limiter
	RequireAuth    bool
	RequireCSRF    bool
}

// Gateway runs the ordered request checks every protected endpoint
// shares: method, rate limit, session, CSRF. The first failing check
// short-circuits the rest.
type Gateway struct {
	verifier *session.Verifier
	csrf     *csrf.Codec
}

func New(verifier *session.Verifier, codec *csrf.Codec) *Gateway {
	return &Gateway{verifier: verifier, csrf: codec}
}

// Secure applies cfg's checks to the request. On failure it writes the
// error response and returns ok=false; the session context is non-nil
// only when authentication ran and passed.
func (g *Gateway) Secure(w http.ResponseWriter, r *http.Request, cfg Config) (*session.Context, bool) {
	if len(cfg.AllowedMethods) > 0 && !methodAllowed(r.Method, cfg.AllowedMethods) {
		w.Header().Set("Allow", strings.Join(cfg.AllowedMethods, ", "))
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return nil, false
	}

	if cfg.Limiter != nil {
		d := cfg.Limiter.Allow(r.Context(), ClientIdentifier(r))
		if !d.Allowed {
			retryAfter := int(d.RetryAfter.Seconds())
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfter))
			writeError(w, http.StatusTooManyRequests, "Too many requests")
			return nil, false
		}
	}

	var sc *session.Context
	if cfg.RequireAuth {
		token := session.TokenFromRequest(r)
		var err error
		sc, err = g.verifier.Verify(r.Context(), token, ClientIP(r))
		if err != nil {
			if errors.Is(err, session.ErrNetworkScope) {
				writeError(w, http.StatusForbidden, "Access restricted to factory network")
				return nil, false
			}
			writeError(w, http.StatusUnauthorized, "Authentication required")
			return nil, false
		}
	}

	if cfg.RequireCSRF && mutating(r.Method) {
		if sc == nil {
			writeError(w, http.StatusUnauthorized, "Authentication required")
			return nil, false
		}
		token := r.Header.Get(CSRFHeader)
		if token == "" {
			writeError(w, http.StatusForbidden, "CSRF token required")
			return nil, false
		}
		if err := g.csrf.Verify(token, sc.Session.ID); err != nil {
			util.Warn("csrf verification failed",
				zap.String("session_id", sc.Session.ID),
				zap.Error(err))
			writeError(w, http.StatusForbidden, "Invalid CSRF token")
			return nil, false
		}
	}

	return sc, true
}

// IssueCSRF mints a token bound to the given session.
func (g *Gateway) IssueCSRF(sessionID string) (string, error) {
	return g.csrf.Issue(sessionID)
}

func methodAllowed(method string, allowed []string) bool {
	for _, m := range allowed {
		if strings.EqualFold(m, method) {
			return true
		}
	}
	return false
}

func mutating(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return false
	}
	return true
}

type errorBody struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody{Success: false, Error: message})
}
