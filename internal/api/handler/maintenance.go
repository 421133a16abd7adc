package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hszk-dev/sumvid/internal/domain/model"
	"github.com/hszk-dev/sumvid/internal/domain/repository"
	"github.com/hszk-dev/sumvid/internal/usecase"
)

type SweepResponse struct {
	EventID string `json:"event_id,omitempty"`
	Removed *int   `json:"removed,omitempty"`
}

// MaintenanceHandler runs store housekeeping on demand.
type MaintenanceHandler struct {
	events repository.EventPublisher
	cache  usecase.ContentCache
	now    func() time.Time
}

// NewMaintenanceHandler creates a new MaintenanceHandler.
// With a publisher the sweep is queued for the worker; without one it runs inline.
func NewMaintenanceHandler(events repository.EventPublisher, cache usecase.ContentCache) *MaintenanceHandler {
	return &MaintenanceHandler{events: events, cache: cache, now: time.Now}
}

// Routes registers the maintenance endpoints on r.
func (h *MaintenanceHandler) Routes(r chi.Router) {
	r.Post("/maintenance/sweep", h.Sweep)
}

// Sweep handles POST /v1/maintenance/sweep
func (h *MaintenanceHandler) Sweep(w http.ResponseWriter, r *http.Request) {
	if h.events == nil {
		removed, err := h.cache.SweepExpired(r.Context())
		if err != nil {
			caller{}.serviceError(w, r, model.SessionContext{}, err)
			return
		}
		JSON(w, http.StatusOK, SweepResponse{Removed: &removed})
		return
	}

	event := model.NewArtifactEvent("", "", model.ActionSweep, h.now())
	if err := h.events.PublishArtifactEvent(r.Context(), event); err != nil {
		caller{}.serviceError(w, r, model.SessionContext{}, err)
		return
	}

	JSON(w, http.StatusAccepted, SweepResponse{EventID: event.ID.String()})
}
