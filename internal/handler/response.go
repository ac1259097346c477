package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"prodflow-access/internal/csrf"
	"prodflow-access/internal/permission"
	"prodflow-access/internal/service"
	"prodflow-access/internal/session"
	"prodflow-access/internal/util"
)

// Response is the JSON envelope every endpoint returns.
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Message string      `json:"message,omitempty"`
}

func respondWithJSON(w http.ResponseWriter, status int, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		util.Error("failed to encode response", zap.Error(err))
	}
}

func respondWithError(w http.ResponseWriter, err error, production bool) {
	status, message := statusForError(err, production)
	respondWithJSON(w, status, Response{Success: false, Error: message})
}

// statusForError maps service errors onto HTTP statuses. Unknown errors
// collapse to a generic 500 so internals never leak in production.
func statusForError(err error, production bool) (int, string) {
	var ve *util.ValidationError
	if errors.As(err, &ve) {
		return http.StatusBadRequest, ve.Error()
	}

	switch {
	case errors.Is(err, service.ErrInvalidCredentials):
		return http.StatusUnauthorized, service.ErrInvalidCredentials.Error()
	case errors.Is(err, session.ErrNoSession):
		return http.StatusUnauthorized, "Authentication required"
	case errors.Is(err, service.ErrAccountLocked):
		return http.StatusLocked, service.ErrAccountLocked.Error()
	case errors.Is(err, service.ErrAccountPending):
		return http.StatusForbidden, service.ErrAccountPending.Error()
	case errors.Is(err, service.ErrAccountDisabled):
		return http.StatusForbidden, service.ErrAccountDisabled.Error()
	case errors.Is(err, service.ErrFactoryNetworkOnly),
		errors.Is(err, session.ErrNetworkScope):
		return http.StatusForbidden, "Access restricted to factory network"
	case errors.Is(err, service.ErrUserNotFound),
		errors.Is(err, permission.ErrUserNotFound):
		return http.StatusNotFound, "User not found"
	case errors.Is(err, service.ErrNotPending),
		errors.Is(err, service.ErrNotActive),
		errors.Is(err, service.ErrProfileIncomplete),
		errors.Is(err, service.ErrNoActiveGrants):
		return http.StatusConflict, err.Error()
	case errors.Is(err, service.ErrRootAccount):
		return http.StatusForbidden, service.ErrRootAccount.Error()
	case errors.Is(err, permission.ErrUnknownPermission),
		errors.Is(err, permission.ErrNoPermissionIDs):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, permission.ErrRootAdminTarget):
		return http.StatusForbidden, "Root administrator permissions cannot be modified"
	case errors.Is(err, csrf.ErrExpiredToken), errors.Is(err, csrf.ErrBadSignature),
		errors.Is(err, csrf.ErrSessionMismatch), errors.Is(err, csrf.ErrMalformedToken):
		return http.StatusForbidden, "Invalid CSRF token"
	case errors.Is(err, service.ErrSearchUnavailable):
		return http.StatusServiceUnavailable, service.ErrSearchUnavailable.Error()
	}

	util.Error("unhandled service error", zap.Error(err))
	if production {
		return http.StatusInternalServerError, "Internal server error"
	}
	return http.StatusInternalServerError, err.Error()
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		respondWithJSON(w, http.StatusBadRequest, Response{Success: false, Error: "Invalid request body"})
		return false
	}
	return true
}
