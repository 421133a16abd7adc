package repository

import (
	"context"
	"io"

	"github.com/hszk-dev/sumvid/internal/domain/model"
)

// SummarizeRequest is the input of a summary generation.
type SummarizeRequest struct {
	ContentID string
	Content   string
	Context   string
	Title     string
}

// QuizRequest is the input of a quiz generation. Summary carries the cached summary as context.
type QuizRequest struct {
	ContentID  string
	Content    string
	Summary    string
	Difficulty string
	Title      string
}

// FlashcardsRequest is the input of a flashcard generation.
type FlashcardsRequest struct {
	Content string
	Title   string
}

// ChatRequest is one chat turn with its history and combined context.
type ChatRequest struct {
	Message string
	History []model.ChatMessage
	Context string
}

// GenerationBackend is the remote AI service.
// All methods authenticate with the given bearer token and map HTTP 401 to ErrUnauthorized
// and HTTP 429 to ErrRateLimited.
type GenerationBackend interface {
	Summarize(ctx context.Context, token string, req SummarizeRequest) (string, error)
	Quiz(ctx context.Context, token string, req QuizRequest) (string, error)
	Flashcards(ctx context.Context, token string, req FlashcardsRequest) ([]model.Flashcard, error)
	Chat(ctx context.Context, token string, req ChatRequest) (string, error)
	GetUsage(ctx context.Context, token string) (*model.RemoteUsage, error)
}

// PremiumStatusProvider resolves whether an identity has a paid subscription.
type PremiumStatusProvider interface {
	IsPremium(ctx context.Context, sess model.SessionContext) (bool, error)
}

// ProcessedFile is the backend's extraction of an uploaded file.
type ProcessedFile struct {
	Text      string
	ImageData string
}

// FileProcessor extracts text (or image data) from user uploads.
type FileProcessor interface {
	ProcessFile(ctx context.Context, token, filename, contentType string, body io.Reader) (*ProcessedFile, error)
}
