package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/hszk-dev/sumvid/internal/api/middleware"
	"github.com/hszk-dev/sumvid/internal/domain/model"
	"github.com/hszk-dev/sumvid/internal/domain/repository"
	"github.com/hszk-dev/sumvid/internal/usecase"
)

// caller resolves the session of the requesting install and maps service errors.
// It is embedded by every handler that acts on behalf of an identity.
type caller struct {
	sessions usecase.SessionService
}

// session builds the SessionContext of r. It writes 400 when the install id is missing.
func (c caller) session(w http.ResponseWriter, r *http.Request, contentID string) (model.SessionContext, bool) {
	ctx := r.Context()
	sess, err := c.sessions.Resolve(ctx, middleware.GetIdentity(ctx), middleware.GetToken(ctx), contentID)
	if err != nil {
		if errors.Is(err, model.ErrEmptyIdentity) {
			Error(w, http.StatusBadRequest, "missing_identity", middleware.InstallIDHeader+" header is required")
			return model.SessionContext{}, false
		}
		c.serviceError(w, r, sess, err)
		return model.SessionContext{}, false
	}
	return sess, true
}

// serviceError writes the response for err. An expired token is also cleared from the store.
func (c caller) serviceError(w http.ResponseWriter, r *http.Request, sess model.SessionContext, err error) {
	switch {
	case errors.Is(err, repository.ErrUnauthorized):
		if sess.Identity != "" {
			if logoutErr := c.sessions.Logout(r.Context(), sess.Identity); logoutErr != nil {
				slog.Warn("failed to clear expired token",
					"identity", sess.Identity,
					"error", logoutErr,
				)
			}
		}
		Error(w, http.StatusUnauthorized, "auth_expired", "Authentication expired. Please log in again")
	case errors.Is(err, repository.ErrLockHeld):
		Error(w, http.StatusConflict, "busy", "Another request for this account is still running. Try again shortly")
	case errors.Is(err, repository.ErrRateLimited):
		Error(w, http.StatusTooManyRequests, "backend_rate_limited", "The generation service is busy. Try again shortly")
	case errors.Is(err, repository.ErrBackendUnavailable), errors.Is(err, repository.ErrBackendStatus):
		slog.Warn("backend failure",
			"identity", sess.Identity,
			"content_id", sess.ContentID,
			"error", err,
		)
		Error(w, http.StatusBadGateway, "backend_error", "The generation service failed. Try again")
	case errors.Is(err, model.ErrEmptyContentID):
		Error(w, http.StatusBadRequest, "invalid_content_id", "Content ID cannot be empty")
	case errors.Is(err, model.ErrInvalidKind), errors.Is(err, usecase.ErrUnsupportedKind):
		Error(w, http.StatusBadRequest, "invalid_kind", "Artifact kind is not supported for this operation")
	case errors.Is(err, usecase.ErrEmptyContent):
		Error(w, http.StatusBadRequest, "empty_content", "Content is required")
	case errors.Is(err, usecase.ErrEmptyMessage):
		Error(w, http.StatusBadRequest, "empty_message", "Message is required")
	case errors.Is(err, usecase.ErrInvalidFilename):
		Error(w, http.StatusBadRequest, "invalid_file_name", "File name is required")
	default:
		slog.Error("request failed",
			"request_id", middleware.GetRequestID(r.Context()),
			"identity", sess.Identity,
			"error", err,
		)
		Error(w, http.StatusInternalServerError, "internal_error", "An unexpected error occurred")
	}
}
