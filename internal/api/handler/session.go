package handler

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/hszk-dev/sumvid/internal/api/middleware"
	"github.com/hszk-dev/sumvid/internal/domain/model"
	"github.com/hszk-dev/sumvid/internal/usecase"
)

type LoginRequest struct {
	Token string `json:"token"`
}

// SessionHandler stores and clears the bearer token of an install.
type SessionHandler struct {
	caller
}

// NewSessionHandler creates a new SessionHandler.
func NewSessionHandler(sessions usecase.SessionService) *SessionHandler {
	return &SessionHandler{caller: caller{sessions: sessions}}
}

// Routes registers the session endpoints on r.
func (h *SessionHandler) Routes(r chi.Router) {
	r.Put("/session", h.Login)
	r.Delete("/session", h.Logout)
}

// Login handles PUT /v1/session
func (h *SessionHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	token := strings.TrimSpace(req.Token)
	if token == "" {
		Error(w, http.StatusBadRequest, "invalid_token", "Token is required")
		return
	}

	identity := middleware.GetIdentity(r.Context())
	if identity == "" {
		Error(w, http.StatusBadRequest, "missing_identity", middleware.InstallIDHeader+" header is required")
		return
	}

	if err := h.sessions.Login(r.Context(), identity, token); err != nil {
		h.serviceError(w, r, model.SessionContext{Identity: identity}, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// Logout handles DELETE /v1/session
func (h *SessionHandler) Logout(w http.ResponseWriter, r *http.Request) {
	identity := middleware.GetIdentity(r.Context())
	if identity == "" {
		Error(w, http.StatusBadRequest, "missing_identity", middleware.InstallIDHeader+" header is required")
		return
	}

	if err := h.sessions.Logout(r.Context(), identity); err != nil {
		h.serviceError(w, r, model.SessionContext{Identity: identity}, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
