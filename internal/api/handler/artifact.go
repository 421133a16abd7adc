package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hszk-dev/sumvid/internal/domain/model"
	"github.com/hszk-dev/sumvid/internal/usecase"
)

// Request/Response types

type GenerateRequest struct {
	Content string `json:"content"`
	Title   string `json:"title"`
	Context string `json:"context"`
	Summary string `json:"summary"`
}

type PutArtifactRequest struct {
	Payload json.RawMessage `json:"payload"`
}

type ArtifactResponse struct {
	ContentID string          `json:"content_id"`
	Kind      string          `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	Cached    bool            `json:"cached"`
	Usage     *UsageResponse  `json:"usage,omitempty"`
}

// ArtifactHandler serves cached artifacts and runs generations.
type ArtifactHandler struct {
	caller
	cache usecase.ContentCache
	coord usecase.RegenerationCoordinator
}

// NewArtifactHandler creates a new ArtifactHandler.
func NewArtifactHandler(
	sessions usecase.SessionService,
	cache usecase.ContentCache,
	coord usecase.RegenerationCoordinator,
) *ArtifactHandler {
	return &ArtifactHandler{
		caller: caller{sessions: sessions},
		cache:  cache,
		coord:  coord,
	}
}

// Routes registers the artifact endpoints on r.
func (h *ArtifactHandler) Routes(r chi.Router) {
	r.Route("/contents/{contentID}/artifacts/{kind}", func(r chi.Router) {
		r.Get("/", h.Get)
		r.Put("/", h.Put)
		r.Delete("/", h.Delete)
		r.Post("/", h.Ensure)
		r.Post("/regenerate", h.Regenerate)
	})
}

// Get handles GET /v1/contents/{contentID}/artifacts/{kind}
func (h *ArtifactHandler) Get(w http.ResponseWriter, r *http.Request) {
	key, ok := parseArtifactKey(w, r)
	if !ok {
		return
	}

	payload, found := h.cache.Get(r.Context(), key.ContentID, key.Kind)
	if !found {
		Error(w, http.StatusNotFound, "artifact_not_found", "No cached artifact for this content")
		return
	}

	JSON(w, http.StatusOK, ArtifactResponse{
		ContentID: key.ContentID,
		Kind:      key.Kind.String(),
		Payload:   payload,
		Cached:    true,
	})
}

// Put handles PUT /v1/contents/{contentID}/artifacts/{kind}
func (h *ArtifactHandler) Put(w http.ResponseWriter, r *http.Request) {
	key, ok := parseArtifactKey(w, r)
	if !ok {
		return
	}

	var req PutArtifactRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if len(req.Payload) == 0 || string(req.Payload) == "null" {
		Error(w, http.StatusBadRequest, "invalid_payload", "Payload is required")
		return
	}

	if err := h.cache.Put(r.Context(), key.ContentID, key.Kind, req.Payload); err != nil {
		h.serviceError(w, r, model.SessionContext{ContentID: key.ContentID}, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// Delete handles DELETE /v1/contents/{contentID}/artifacts/{kind}
func (h *ArtifactHandler) Delete(w http.ResponseWriter, r *http.Request) {
	key, ok := parseArtifactKey(w, r)
	if !ok {
		return
	}

	if err := h.cache.Invalidate(r.Context(), key.ContentID, key.Kind); err != nil {
		h.serviceError(w, r, model.SessionContext{ContentID: key.ContentID}, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// Ensure handles POST /v1/contents/{contentID}/artifacts/{kind}
func (h *ArtifactHandler) Ensure(w http.ResponseWriter, r *http.Request) {
	h.generate(w, r, h.coord.Ensure)
}

// Regenerate handles POST /v1/contents/{contentID}/artifacts/{kind}/regenerate
func (h *ArtifactHandler) Regenerate(w http.ResponseWriter, r *http.Request) {
	h.generate(w, r, h.coord.Trigger)
}

type generateFunc func(ctx context.Context, sess model.SessionContext, req usecase.RegenerationRequest) (usecase.RegenerationResult, error)

func (h *ArtifactHandler) generate(w http.ResponseWriter, r *http.Request, run generateFunc) {
	key, ok := parseArtifactKey(w, r)
	if !ok {
		return
	}

	var req GenerateRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	sess, ok := h.session(w, r, key.ContentID)
	if !ok {
		return
	}

	result, err := run(r.Context(), sess, usecase.RegenerationRequest{
		ContentID: key.ContentID,
		Kind:      key.Kind,
		Content:   req.Content,
		Title:     req.Title,
		Context:   req.Context,
		Summary:   req.Summary,
	})
	if err != nil {
		h.serviceError(w, r, sess, err)
		return
	}

	switch result.Status {
	case usecase.StatusBusy:
		writeBusy(w)
	case usecase.StatusLimitReached:
		writeLimitReached(w, result.Limit)
	default:
		resp := ArtifactResponse{
			ContentID: key.ContentID,
			Kind:      key.Kind.String(),
			Payload:   result.Payload,
			Cached:    result.Cached,
		}
		if result.Limit != nil {
			usage := toUsageResponse(*result.Limit)
			resp.Usage = &usage
		}
		JSON(w, http.StatusOK, resp)
	}
}

func parseArtifactKey(w http.ResponseWriter, r *http.Request) (model.CacheKey, bool) {
	kind, err := model.ParseKind(chi.URLParam(r, "kind"))
	if err != nil {
		Error(w, http.StatusBadRequest, "invalid_kind", "Unknown artifact kind")
		return model.CacheKey{}, false
	}

	key, err := model.NewCacheKey(chi.URLParam(r, "contentID"), kind)
	if err != nil {
		Error(w, http.StatusBadRequest, "invalid_content_id", "Content ID cannot be empty")
		return model.CacheKey{}, false
	}
	return key, true
}
