package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hszk-dev/sumvid/internal/domain/model"
	"github.com/hszk-dev/sumvid/internal/usecase"
)

type UsageResponse struct {
	Allowed   bool   `json:"allowed"`
	Used      int    `json:"used"`
	Limit     int    `json:"limit"`
	Remaining int    `json:"remaining"`
	ResetAt   string `json:"reset_at,omitempty"`
	Source    string `json:"source"`
}

type UploadUsageResponse struct {
	Allowed        bool   `json:"allowed"`
	Remaining      int    `json:"remaining"`
	HoursUntilNext int    `json:"hours_until_next,omitempty"`
	Message        string `json:"message,omitempty"`
}

// LimitReachedResponse is returned with 429 when the enhancement quota is spent.
type LimitReachedResponse struct {
	Error   string        `json:"error"`
	Message string        `json:"message"`
	Usage   UsageResponse `json:"usage"`
}

// UsageHandler reports the caller's quotas.
type UsageHandler struct {
	caller
	usage usecase.UsageLimiter
}

// NewUsageHandler creates a new UsageHandler.
func NewUsageHandler(sessions usecase.SessionService, usage usecase.UsageLimiter) *UsageHandler {
	return &UsageHandler{caller: caller{sessions: sessions}, usage: usage}
}

// Routes registers the usage endpoints on r.
func (h *UsageHandler) Routes(r chi.Router) {
	r.Get("/usage", h.Get)
	r.Get("/usage/uploads", h.Uploads)
}

// Get handles GET /v1/usage
func (h *UsageHandler) Get(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r, "")
	if !ok {
		return
	}

	limit, err := h.usage.CheckLimit(r.Context(), sess)
	if err != nil {
		h.serviceError(w, r, sess, err)
		return
	}

	JSON(w, http.StatusOK, toUsageResponse(limit))
}

// Uploads handles GET /v1/usage/uploads
func (h *UsageHandler) Uploads(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r, "")
	if !ok {
		return
	}

	limit, err := h.usage.CheckUploadLimit(r.Context(), sess)
	if err != nil {
		h.serviceError(w, r, sess, err)
		return
	}

	JSON(w, http.StatusOK, UploadUsageResponse{
		Allowed:        limit.Allowed,
		Remaining:      limit.Remaining,
		HoursUntilNext: limit.HoursUntilNext,
		Message:        limit.Message,
	})
}

func toUsageResponse(l model.LimitResult) UsageResponse {
	resp := UsageResponse{
		Allowed:   l.Allowed,
		Used:      l.Used,
		Limit:     l.Limit,
		Remaining: l.Remaining,
		Source:    string(l.Source),
	}
	if !l.ResetAt.IsZero() {
		resp.ResetAt = l.ResetAt.UTC().Format(time.RFC3339)
	}
	return resp
}

func writeLimitReached(w http.ResponseWriter, l *model.LimitResult) {
	resp := LimitReachedResponse{
		Error:   "limit_reached",
		Message: "You have used all free enhancements for today. Upgrade to Pro for unlimited access",
	}
	if l != nil {
		resp.Usage = toUsageResponse(*l)
	}
	JSON(w, http.StatusTooManyRequests, resp)
}

func writeBusy(w http.ResponseWriter) {
	Error(w, http.StatusConflict, "busy", "A generation for this content is already running")
}
