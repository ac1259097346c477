package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"prodflow-access/internal/audit"
	"prodflow-access/internal/gateway"
	"prodflow-access/internal/models"
	"prodflow-access/internal/ratelimit"
	"prodflow-access/internal/service"
	"prodflow-access/internal/session"
)

// AdminHandler serves the root-admin surface: user approval, password
// resets, permission grants and the audit query. Every endpoint
// requires a root-admin session.
type AdminHandler struct {
	gw         *gateway.Gateway
	admin      *service.AdminService
	apiLimiter *ratelimit.Limiter
	production bool
}

func NewAdminHandler(gw *gateway.Gateway, admin *service.AdminService, apiLimiter *ratelimit.Limiter, production bool) *AdminHandler {
	return &AdminHandler{gw: gw, admin: admin, apiLimiter: apiLimiter, production: production}
}

func (h *AdminHandler) RegisterRoutes(r chi.Router) {
	r.Route("/admin", func(r chi.Router) {
		r.Post("/users/{userID}/approve", h.ApproveUser)
		r.Post("/users/{userID}/reject", h.RejectUser)
		r.Post("/users/{userID}/deactivate", h.DeactivateUser)
		r.Post("/users/{userID}/password-reset", h.ResetPassword)
		r.Put("/users/{userID}/permissions", h.UpdatePermissions)
		r.Get("/permissions/schema", h.PermissionSchema)
		r.Get("/audit", h.SearchAudit)
	})
}

// secureAdmin runs the gateway checks and then requires root admin.
func (h *AdminHandler) secureAdmin(w http.ResponseWriter, r *http.Request, methods []string, csrf bool) (*session.Context, bool) {
	sc, ok := h.gw.Secure(w, r, gateway.Config{
		AllowedMethods: methods,
		Limiter:        h.apiLimiter,
		RequireAuth:    true,
		RequireCSRF:    csrf,
	})
	if !ok {
		return nil, false
	}
	if !sc.User.IsRootAdmin {
		respondWithJSON(w, http.StatusForbidden, Response{
			Success: false,
			Error:   "Root administrator access required",
		})
		return nil, false
	}
	return sc, true
}

func (h *AdminHandler) ApproveUser(w http.ResponseWriter, r *http.Request) {
	sc, ok := h.secureAdmin(w, r, []string{http.MethodPost}, true)
	if !ok {
		return
	}

	user, err := h.admin.ApproveUser(r.Context(), sc.User, chi.URLParam(r, "userID"), requestMeta(r))
	if err != nil {
		respondWithError(w, err, h.production)
		return
	}
	respondWithJSON(w, http.StatusOK, Response{
		Success: true,
		Data:    map[string]interface{}{"user": viewOf(user)},
		Message: "User approved",
	})
}

type rejectRequest struct {
	Reason string `json:"reason"`
}

func (h *AdminHandler) RejectUser(w http.ResponseWriter, r *http.Request) {
	sc, ok := h.secureAdmin(w, r, []string{http.MethodPost}, true)
	if !ok {
		return
	}

	var req rejectRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if err := h.admin.RejectUser(r.Context(), sc.User, chi.URLParam(r, "userID"), req.Reason, requestMeta(r)); err != nil {
		respondWithError(w, err, h.production)
		return
	}
	respondWithJSON(w, http.StatusOK, Response{Success: true, Message: "User rejected"})
}

type deactivateRequest struct {
	Reason string `json:"reason"`
}

func (h *AdminHandler) DeactivateUser(w http.ResponseWriter, r *http.Request) {
	sc, ok := h.secureAdmin(w, r, []string{http.MethodPost}, true)
	if !ok {
		return
	}

	var req deactivateRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if err := h.admin.DeactivateUser(r.Context(), sc.User, chi.URLParam(r, "userID"), req.Reason, requestMeta(r)); err != nil {
		respondWithError(w, err, h.production)
		return
	}
	respondWithJSON(w, http.StatusOK, Response{Success: true, Message: "User deactivated"})
}

type passwordResetRequest struct {
	TemporaryPassword string `json:"temporaryPassword"`
}

func (h *AdminHandler) ResetPassword(w http.ResponseWriter, r *http.Request) {
	sc, ok := h.secureAdmin(w, r, []string{http.MethodPost}, true)
	if !ok {
		return
	}

	var req passwordResetRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if err := h.admin.ResetPassword(r.Context(), sc.User, chi.URLParam(r, "userID"), req.TemporaryPassword, requestMeta(r)); err != nil {
		respondWithError(w, err, h.production)
		return
	}
	respondWithJSON(w, http.StatusOK, Response{Success: true, Message: "Temporary password set"})
}

type permissionsRequest struct {
	Action        string     `json:"action"`
	PermissionIDs []string   `json:"permissionIds"`
	ExpiresAt     *time.Time `json:"expiresAt,omitempty"`
}

func (h *AdminHandler) UpdatePermissions(w http.ResponseWriter, r *http.Request) {
	sc, ok := h.secureAdmin(w, r, []string{http.MethodPut}, true)
	if !ok {
		return
	}

	var req permissionsRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	userID := chi.URLParam(r, "userID")
	meta := requestMeta(r)

	var err error
	switch req.Action {
	case "grant":
		err = h.admin.GrantPermissions(r.Context(), sc.User, userID, req.PermissionIDs, req.ExpiresAt, meta)
	case "revoke":
		err = h.admin.RevokePermissions(r.Context(), sc.User, userID, req.PermissionIDs, meta)
	default:
		respondWithJSON(w, http.StatusBadRequest, Response{
			Success: false,
			Error:   `action must be "grant" or "revoke"`,
		})
		return
	}
	if err != nil {
		respondWithError(w, err, h.production)
		return
	}
	respondWithJSON(w, http.StatusOK, Response{Success: true, Message: "Permissions updated"})
}

func (h *AdminHandler) PermissionSchema(w http.ResponseWriter, r *http.Request) {
	sc, ok := h.secureAdmin(w, r, []string{http.MethodGet}, false)
	if !ok {
		return
	}

	schema, err := h.admin.PermissionSchema(r.Context(), sc.User, requestMeta(r))
	if err != nil {
		respondWithError(w, err, h.production)
		return
	}
	respondWithJSON(w, http.StatusOK, Response{
		Success: true,
		Data:    map[string]interface{}{"modules": schema},
	})
}

func (h *AdminHandler) SearchAudit(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.secureAdmin(w, r, []string{http.MethodGet}, false); !ok {
		return
	}

	q := r.URL.Query()
	f := audit.Filter{
		ActorID: q.Get("actorId"),
		Action:  q.Get("action"),
		Outcome: models.AuditOutcome(q.Get("outcome")),
	}
	if v := q.Get("from"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			f.From = t
		}
	}
	if v := q.Get("to"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			f.To = t
		}
	}
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			f.Limit = n
		}
	}

	entries, err := h.admin.SearchAudit(r.Context(), f)
	if err != nil {
		respondWithError(w, err, h.production)
		return
	}
	respondWithJSON(w, http.StatusOK, Response{
		Success: true,
		Data: map[string]interface{}{
			"entries": entries,
			"count":   len(entries),
		},
	})
}
