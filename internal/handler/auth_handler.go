package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"prodflow-access/internal/audit"
	"prodflow-access/internal/gateway"
	"prodflow-access/internal/models"
	"prodflow-access/internal/ratelimit"
	"prodflow-access/internal/service"
	"prodflow-access/internal/util"
)

const sessionCookieName = "session_token"

// AuthHandler serves the credential endpoints: login, logout, session
// introspection and password changes.
type AuthHandler struct {
	gw            *gateway.Gateway
	auth          *service.AuthService
	loginLimiter  *ratelimit.Limiter
	apiLimiter    *ratelimit.Limiter
	sessionTTL    time.Duration
	secureCookies bool
	production    bool
}

func NewAuthHandler(gw *gateway.Gateway, auth *service.AuthService, loginLimiter, apiLimiter *ratelimit.Limiter, sessionTTL time.Duration, secureCookies, production bool) *AuthHandler {
	return &AuthHandler{
		gw:            gw,
		auth:          auth,
		loginLimiter:  loginLimiter,
		apiLimiter:    apiLimiter,
		sessionTTL:    sessionTTL,
		secureCookies: secureCookies,
		production:    production,
	}
}

func (h *AuthHandler) RegisterRoutes(r chi.Router) {
	r.Route("/auth", func(r chi.Router) {
		r.Post("/login", h.Login)
		r.Post("/logout", h.Logout)
		r.Get("/session", h.Session)
		r.Get("/csrf", h.CSRFToken)
		r.Post("/password", h.ChangePassword)
	})
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type userView struct {
	ID                    string `json:"id"`
	Username              string `json:"username"`
	Email                 string `json:"email"`
	FullName              string `json:"fullName"`
	Department            string `json:"department"`
	JobTitle              string `json:"jobTitle"`
	IsRootAdmin           bool   `json:"isRootAdmin"`
	AccessScope           string `json:"accessScope"`
	PasswordResetRequired bool   `json:"passwordResetRequired"`
}

func viewOf(u *models.User) userView {
	return userView{
		ID:                    u.ID,
		Username:              u.Username,
		Email:                 u.Email,
		FullName:              u.FullName,
		Department:            u.Department,
		JobTitle:              u.JobTitle,
		IsRootAdmin:           u.IsRootAdmin,
		AccessScope:           string(u.EffectiveScope()),
		PasswordResetRequired: u.PasswordResetRequired,
	}
}

func requestMeta(r *http.Request) audit.RequestMeta {
	return audit.RequestMeta{
		IPAddress: gateway.ClientIP(r),
		UserAgent: r.UserAgent(),
	}
}

func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.gw.Secure(w, r, gateway.Config{
		AllowedMethods: []string{http.MethodPost},
		Limiter:        h.loginLimiter,
	}); !ok {
		return
	}

	var req loginRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	res, err := h.auth.Login(r.Context(), service.LoginInput{
		Username: req.Username,
		Password: req.Password,
		Meta:     requestMeta(r),
	})
	if err != nil {
		respondWithError(w, err, h.production)
		return
	}

	csrfToken, err := h.gw.IssueCSRF(res.Session.ID)
	if err != nil {
		respondWithError(w, err, h.production)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    res.Session.SessionToken,
		Path:     "/",
		MaxAge:   int(h.sessionTTL.Seconds()),
		HttpOnly: true,
		Secure:   h.secureCookies,
		SameSite: http.SameSiteLaxMode,
	})

	respondWithJSON(w, http.StatusOK, Response{
		Success: true,
		Data: map[string]interface{}{
			"user":         viewOf(res.User),
			"sessionToken": res.Session.SessionToken,
			"csrfToken":    csrfToken,
			"expiresAt":    res.Session.ExpiresAt,
		},
		Message: "Login successful",
	})
}

func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	sc, ok := h.gw.Secure(w, r, gateway.Config{
		AllowedMethods: []string{http.MethodPost},
		Limiter:        h.apiLimiter,
		RequireAuth:    true,
		RequireCSRF:    true,
	})
	if !ok {
		return
	}

	if err := h.auth.Logout(r.Context(), sc, requestMeta(r)); err != nil {
		respondWithError(w, err, h.production)
		return
	}

	// Expire the cookie
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.secureCookies,
		SameSite: http.SameSiteLaxMode,
	})

	respondWithJSON(w, http.StatusOK, Response{Success: true, Message: "Logged out"})
}

func (h *AuthHandler) Session(w http.ResponseWriter, r *http.Request) {
	sc, ok := h.gw.Secure(w, r, gateway.Config{
		AllowedMethods: []string{http.MethodGet},
		Limiter:        h.apiLimiter,
		RequireAuth:    true,
	})
	if !ok {
		return
	}

	csrfToken, err := h.gw.IssueCSRF(sc.Session.ID)
	if err != nil {
		respondWithError(w, err, h.production)
		return
	}

	respondWithJSON(w, http.StatusOK, Response{
		Success: true,
		Data: map[string]interface{}{
			"user":      viewOf(sc.User),
			"csrfToken": csrfToken,
			"expiresAt": sc.Session.ExpiresAt,
		},
	})
}

func (h *AuthHandler) CSRFToken(w http.ResponseWriter, r *http.Request) {
	sc, ok := h.gw.Secure(w, r, gateway.Config{
		AllowedMethods: []string{http.MethodGet},
		Limiter:        h.apiLimiter,
		RequireAuth:    true,
	})
	if !ok {
		return
	}

	token, err := h.gw.IssueCSRF(sc.Session.ID)
	if err != nil {
		respondWithError(w, err, h.production)
		return
	}
	respondWithJSON(w, http.StatusOK, Response{
		Success: true,
		Data:    map[string]interface{}{"csrfToken": token},
	})
}

type changePasswordRequest struct {
	CurrentPassword string `json:"currentPassword"`
	NewPassword     string `json:"newPassword"`
}

func (h *AuthHandler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	sc, ok := h.gw.Secure(w, r, gateway.Config{
		AllowedMethods: []string{http.MethodPost},
		Limiter:        h.apiLimiter,
		RequireAuth:    true,
		RequireCSRF:    true,
	})
	if !ok {
		return
	}

	var req changePasswordRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if err := h.auth.ChangePassword(r.Context(), sc, req.CurrentPassword, req.NewPassword, requestMeta(r)); err != nil {
		respondWithError(w, err, h.production)
		return
	}

	util.Info("password changed", zap.String("user_id", sc.User.ID))
	respondWithJSON(w, http.StatusOK, Response{Success: true, Message: "Password updated"})
}
