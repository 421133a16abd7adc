package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hszk-dev/sumvid/internal/domain/model"
	"github.com/hszk-dev/sumvid/internal/usecase"
)

type ChatRequest struct {
	Message    string `json:"message"`
	Transcript string `json:"transcript,omitempty"`
	PageText   string `json:"page_text,omitempty"`
}

type ClarifyRequest struct {
	Text       string `json:"text"`
	Transcript string `json:"transcript,omitempty"`
	PageText   string `json:"page_text,omitempty"`
}

type ChatResponse struct {
	Reply   string              `json:"reply,omitempty"`
	History []model.ChatMessage `json:"history"`
	Usage   *UsageResponse      `json:"usage,omitempty"`
}

// ChatHandler serves the per-content chat transcript.
type ChatHandler struct {
	caller
	chat usecase.ChatService
}

// NewChatHandler creates a new ChatHandler.
func NewChatHandler(sessions usecase.SessionService, chat usecase.ChatService) *ChatHandler {
	return &ChatHandler{caller: caller{sessions: sessions}, chat: chat}
}

// Routes registers the chat endpoints on r.
func (h *ChatHandler) Routes(r chi.Router) {
	r.Route("/contents/{contentID}/chat", func(r chi.Router) {
		r.Get("/", h.History)
		r.Post("/", h.Send)
		r.Delete("/", h.Clear)
		r.Post("/clarify", h.Clarify)
	})
}

// Send handles POST /v1/contents/{contentID}/chat
func (h *ChatHandler) Send(w http.ResponseWriter, r *http.Request) {
	contentID := chi.URLParam(r, "contentID")

	var req ChatRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	sess, ok := h.session(w, r, contentID)
	if !ok {
		return
	}

	result, err := h.chat.Send(r.Context(), sess, usecase.ChatInput{
		ContentID:  contentID,
		Message:    req.Message,
		Transcript: req.Transcript,
		PageText:   req.PageText,
	})
	if err != nil {
		h.serviceError(w, r, sess, err)
		return
	}

	writeChatResult(w, result)
}

// Clarify handles POST /v1/contents/{contentID}/chat/clarify
func (h *ChatHandler) Clarify(w http.ResponseWriter, r *http.Request) {
	contentID := chi.URLParam(r, "contentID")

	var req ClarifyRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	sess, ok := h.session(w, r, contentID)
	if !ok {
		return
	}

	result, err := h.chat.Clarify(r.Context(), sess, usecase.ClarifyInput{
		ContentID:  contentID,
		Text:       req.Text,
		Transcript: req.Transcript,
		PageText:   req.PageText,
	})
	if err != nil {
		h.serviceError(w, r, sess, err)
		return
	}

	writeChatResult(w, result)
}

func writeChatResult(w http.ResponseWriter, result usecase.ChatResult) {
	switch result.Status {
	case usecase.StatusBusy:
		writeBusy(w)
	case usecase.StatusLimitReached:
		writeLimitReached(w, result.Limit)
	default:
		resp := ChatResponse{Reply: result.Reply, History: result.History}
		if result.Limit != nil {
			usage := toUsageResponse(*result.Limit)
			resp.Usage = &usage
		}
		JSON(w, http.StatusOK, resp)
	}
}

// History handles GET /v1/contents/{contentID}/chat
func (h *ChatHandler) History(w http.ResponseWriter, r *http.Request) {
	contentID := chi.URLParam(r, "contentID")

	history, err := h.chat.History(r.Context(), contentID)
	if err != nil {
		h.serviceError(w, r, model.SessionContext{ContentID: contentID}, err)
		return
	}

	JSON(w, http.StatusOK, ChatResponse{History: history})
}

// Clear handles DELETE /v1/contents/{contentID}/chat
func (h *ChatHandler) Clear(w http.ResponseWriter, r *http.Request) {
	contentID := chi.URLParam(r, "contentID")

	if err := h.chat.Clear(r.Context(), contentID); err != nil {
		h.serviceError(w, r, model.SessionContext{ContentID: contentID}, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
