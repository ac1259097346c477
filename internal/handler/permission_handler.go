package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"prodflow-access/internal/gateway"
	"prodflow-access/internal/models"
	"prodflow-access/internal/permission"
	"prodflow-access/internal/ratelimit"
)

// PermissionHandler serves authorization checks for the session's own
// user. Other ERP services call this before acting on a request.
type PermissionHandler struct {
	gw         *gateway.Gateway
	engine     *permission.Engine
	apiLimiter *ratelimit.Limiter
	production bool
}

func NewPermissionHandler(gw *gateway.Gateway, engine *permission.Engine, apiLimiter *ratelimit.Limiter, production bool) *PermissionHandler {
	return &PermissionHandler{gw: gw, engine: engine, apiLimiter: apiLimiter, production: production}
}

func (h *PermissionHandler) RegisterRoutes(r chi.Router) {
	r.Post("/permissions/check", h.Check)
}

type checkRequest struct {
	Resource         string            `json:"resource"`
	Action           string            `json:"action"`
	FieldKey         string            `json:"fieldKey,omitempty"`
	RecordConditions map[string]string `json:"recordConditions,omitempty"`
}

func (h *PermissionHandler) Check(w http.ResponseWriter, r *http.Request) {
	sc, ok := h.gw.Secure(w, r, gateway.Config{
		AllowedMethods: []string{http.MethodPost},
		Limiter:        h.apiLimiter,
		RequireAuth:    true,
	})
	if !ok {
		return
	}

	var req checkRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Resource == "" || req.Action == "" {
		respondWithJSON(w, http.StatusBadRequest, Response{
			Success: false,
			Error:   "resource and action are required",
		})
		return
	}

	allowed, err := h.engine.Check(r.Context(), sc.User, permission.Query{
		Action:           models.Action(req.Action),
		ResourceKey:      req.Resource,
		FieldKey:         req.FieldKey,
		RecordConditions: req.RecordConditions,
	})
	if err != nil {
		respondWithError(w, err, h.production)
		return
	}

	respondWithJSON(w, http.StatusOK, Response{
		Success: true,
		Data: map[string]interface{}{
			"allowed":  allowed,
			"resource": req.Resource,
			"action":   req.Action,
		},
	})
}
