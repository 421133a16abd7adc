package handler

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hszk-dev/sumvid/internal/usecase"
)

// uploadField is the multipart form field carrying the file.
const uploadField = "file"

type UploadResponse struct {
	ObjectKey string `json:"object_key"`
	URL       string `json:"url"`
	Remaining int    `json:"remaining"`
	Text      string `json:"text"`
	HasImage  bool   `json:"has_image"`
}

type UploadLimitResponse struct {
	Error          string `json:"error"`
	Message        string `json:"message"`
	HoursUntilNext int    `json:"hours_until_next"`
}

// UploadHandler accepts user files and screenshots.
type UploadHandler struct {
	caller
	uploads  usecase.UploadService
	maxBytes int64
}

// NewUploadHandler creates a new UploadHandler accepting files up to maxBytes.
func NewUploadHandler(sessions usecase.SessionService, uploads usecase.UploadService, maxBytes int64) *UploadHandler {
	return &UploadHandler{
		caller:   caller{sessions: sessions},
		uploads:  uploads,
		maxBytes: maxBytes,
	}
}

// Routes registers the upload endpoint on r.
func (h *UploadHandler) Routes(r chi.Router) {
	r.Post("/uploads", h.Create)
}

// Create handles POST /v1/uploads
func (h *UploadHandler) Create(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r, "")
	if !ok {
		return
	}

	if r.ContentLength > h.maxBytes {
		Error(w, http.StatusRequestEntityTooLarge, "file_too_large", "File exceeds the maximum upload size")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxBytes)
	file, header, err := r.FormFile(uploadField)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			Error(w, http.StatusRequestEntityTooLarge, "file_too_large", "File exceeds the maximum upload size")
			return
		}
		Error(w, http.StatusBadRequest, "invalid_upload", "Multipart field \"file\" is required")
		return
	}
	defer file.Close()

	contentType := header.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	result, err := h.uploads.Upload(r.Context(), sess, usecase.UploadInput{
		Filename:    header.Filename,
		ContentType: contentType,
		Body:        file,
	})
	if err != nil {
		h.serviceError(w, r, sess, err)
		return
	}

	if !result.Allowed {
		JSON(w, http.StatusTooManyRequests, UploadLimitResponse{
			Error:          "upload_limit",
			Message:        result.Message,
			HoursUntilNext: result.HoursUntilNext,
		})
		return
	}

	JSON(w, http.StatusCreated, UploadResponse{
		ObjectKey: result.ObjectKey,
		URL:       result.URL,
		Remaining: result.Remaining,
		Text:      result.Text,
		HasImage:  result.HasImage,
	})
}
