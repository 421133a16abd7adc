package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hszk-dev/sumvid/internal/domain/model"
	"github.com/hszk-dev/sumvid/internal/domain/repository"
	"github.com/hszk-dev/sumvid/internal/infrastructure/metrics"
)

// ErrEmptyMessage is returned when a chat message has no text.
var ErrEmptyMessage = errors.New("message is empty")

const (
	// clarifySnippetLimit bounds the context quoted inside a clarify prompt.
	clarifySnippetLimit = 2000
	// clarifyContextLimit bounds the context sent along with a clarify prompt.
	clarifyContextLimit = 5000
)

// ChatInput is one user turn. Transcript and PageText are what the extension currently shows.
type ChatInput struct {
	ContentID  string
	Message    string
	Transcript string
	PageText   string
}

// ClarifyInput asks for an explanation of Text, a selection on the current page.
type ClarifyInput struct {
	ContentID  string
	Text       string
	Transcript string
	PageText   string
}

// ChatResult is the outcome of a chat turn.
type ChatResult struct {
	Status  RegenerationStatus
	Reply   string
	History []model.ChatMessage
	Limit   *model.LimitResult
}

// ChatService manages the cached chat transcript of a content id.
type ChatService interface {
	// Send appends a user message and the backend's reply to the transcript.
	// The context combines the transcript or page text with the identity's latest upload,
	// which is consumed by a successful turn.
	Send(ctx context.Context, sess model.SessionContext, in ChatInput) (ChatResult, error)

	// Clarify explains a selected passage using the same combined context, without sending
	// the earlier transcript. The exchange is appended to the transcript.
	Clarify(ctx context.Context, sess model.SessionContext, in ClarifyInput) (ChatResult, error)

	// History returns the cached transcript, empty when none is cached.
	History(ctx context.Context, contentID string) ([]model.ChatMessage, error)

	// Clear drops the transcript.
	Clear(ctx context.Context, contentID string) error
}

// ChatServiceConfig holds configuration for ChatService.
type ChatServiceConfig struct {
	// Timeout bounds every backend call.
	Timeout time.Duration
	// LockTTL bounds how long a crashed process can hold a transcript. Zero means twice Timeout.
	LockTTL time.Duration
}

type chatService struct {
	cache   ContentCache
	store   repository.KeyValueStore
	usage   UsageLimiter
	backend repository.GenerationBackend
	locker  repository.Locker
	cfg     ChatServiceConfig
}

// NewChatService creates a ChatService sharing locker with the regeneration coordinator.
// Pending file contexts are read from store.
func NewChatService(
	cache ContentCache,
	store repository.KeyValueStore,
	usage UsageLimiter,
	backend repository.GenerationBackend,
	locker repository.Locker,
	cfg ChatServiceConfig,
) ChatService {
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 2 * cfg.Timeout
	}
	return &chatService{
		cache:   cache,
		store:   store,
		usage:   usage,
		backend: backend,
		locker:  locker,
		cfg:     cfg,
	}
}

// chatTurn is a prepared backend request and what to store for it.
type chatTurn struct {
	request repository.ChatRequest
	// shown replaces request.Message in the stored transcript.
	shown string
	// freshHistory skips the cached transcript in the request.
	freshHistory bool
	// consumeFile drops the pending file context after a successful turn.
	consumeFile bool
}

func (s *chatService) Send(ctx context.Context, sess model.SessionContext, in ChatInput) (ChatResult, error) {
	message := strings.TrimSpace(in.Message)
	if message == "" {
		return ChatResult{}, ErrEmptyMessage
	}

	return s.run(ctx, sess, in.ContentID, func(ctx context.Context, file *model.FileContext) chatTurn {
		sources := model.ContextSources{
			Transcript: in.Transcript,
			PageText:   in.PageText,
			File:       file,
		}
		if in.Transcript == "" && in.PageText == "" {
			sources.Summary = s.cachedSummary(ctx, in.ContentID)
		}
		return chatTurn{
			request: repository.ChatRequest{
				Message: message,
				Context: sources.Combine(),
			},
			shown:       message,
			consumeFile: file != nil,
		}
	})
}

func (s *chatService) Clarify(ctx context.Context, sess model.SessionContext, in ClarifyInput) (ChatResult, error) {
	text := strings.TrimSpace(in.Text)
	if text == "" {
		return ChatResult{}, ErrEmptyMessage
	}

	return s.run(ctx, sess, in.ContentID, func(ctx context.Context, file *model.FileContext) chatTurn {
		combined := model.ContextSources{
			Transcript: in.Transcript,
			PageText:   in.PageText,
			File:       file,
		}.Combine()

		prompt := fmt.Sprintf("Please clarify the following text in the context of the current webpage:\n\n\"%s\"\n\n", text)
		if combined != "" {
			prompt += "Here is the context:\n\n" + model.Truncate(combined, clarifySnippetLimit)
		}

		return chatTurn{
			request: repository.ChatRequest{
				Message: prompt,
				History: []model.ChatMessage{},
				Context: model.Truncate(combined, clarifyContextLimit),
			},
			shown:        fmt.Sprintf("Clarify this for me: \"%s\"", text),
			freshHistory: true,
		}
	})
}

// run executes one locked chat turn built by prepare.
func (s *chatService) run(
	ctx context.Context,
	sess model.SessionContext,
	contentID string,
	prepare func(ctx context.Context, file *model.FileContext) chatTurn,
) (ChatResult, error) {
	key, err := model.NewCacheKey(contentID, model.KindChat)
	if err != nil {
		return ChatResult{}, err
	}

	lease, ok := lockGeneration(ctx, s.locker, s.cfg.LockTTL, key.String())
	if !ok {
		metrics.RegenerationsTotal.WithLabelValues(model.KindChat.String(), string(StatusBusy)).Inc()
		return ChatResult{Status: StatusBusy}, nil
	}
	defer release(ctx, lease)

	limit, err := s.usage.CheckLimit(ctx, sess)
	if err != nil {
		return ChatResult{}, fmt.Errorf("usage check: %w", err)
	}
	if !limit.Allowed {
		metrics.RegenerationsTotal.WithLabelValues(model.KindChat.String(), string(StatusLimitReached)).Inc()
		return ChatResult{Status: StatusLimitReached, Limit: &limit}, nil
	}

	history := s.history(ctx, contentID)
	file := s.fileContext(ctx, sess.Identity)
	turn := prepare(ctx, file)
	if !turn.freshHistory {
		turn.request.History = history
	}

	parents := parentStamps(ctx, s.cache, contentID, model.KindChat)

	callCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	reply, err := s.backend.Chat(callCtx, sess.Token, turn.request)
	if err != nil {
		metrics.RegenerationsTotal.WithLabelValues(model.KindChat.String(), metrics.RegenerationFailed).Inc()
		return ChatResult{}, fmt.Errorf("chat for %s: %w", contentID, err)
	}

	history = append(history,
		model.ChatMessage{Role: model.RoleUser, Content: turn.shown},
		model.ChatMessage{Role: model.RoleAssistant, Content: reply},
	)

	stale := parentsReplaced(ctx, s.cache, contentID, parents)
	if stale {
		slog.Warn("not caching chat turn after summary replacement",
			"content_id", contentID,
		)
	} else if err := s.saveHistory(ctx, contentID, history); err != nil {
		slog.Warn("failed to cache chat history",
			"content_id", contentID,
			"error", err,
		)
	}

	if turn.consumeFile {
		if err := s.store.Remove(ctx, model.FileContextKey(sess.Identity)); err != nil {
			slog.Warn("failed to clear file context",
				"identity", sess.Identity,
				"error", err,
			)
		}
	}

	if err := s.usage.RecordUsage(ctx, sess, limit.Source); err != nil {
		slog.Warn("failed to record usage",
			"identity", sess.Identity,
			"source", limit.Source,
			"error", err,
		)
	}

	status := string(StatusCompleted)
	if stale {
		status = metrics.RegenerationStale
	}
	metrics.RegenerationsTotal.WithLabelValues(model.KindChat.String(), status).Inc()
	return ChatResult{Status: StatusCompleted, Reply: reply, History: history, Limit: &limit}, nil
}

func (s *chatService) saveHistory(ctx context.Context, contentID string, history []model.ChatMessage) error {
	payload, err := json.Marshal(history)
	if err != nil {
		return fmt.Errorf("failed to encode chat history: %w", err)
	}
	return s.cache.Put(ctx, contentID, model.KindChat, payload)
}

// cachedSummary returns the cached summary text, or "" when absent or unreadable.
func (s *chatService) cachedSummary(ctx context.Context, contentID string) string {
	payload, ok := s.cache.Get(ctx, contentID, model.KindSummary)
	if !ok {
		return ""
	}
	var summary string
	if err := json.Unmarshal(payload, &summary); err != nil {
		slog.Warn("ignoring unreadable cached summary",
			"content_id", contentID,
			"error", err,
		)
		return ""
	}
	return summary
}

// fileContext returns the identity's pending upload context, or nil.
func (s *chatService) fileContext(ctx context.Context, identity string) *model.FileContext {
	var file model.FileContext
	found, err := loadJSON(ctx, s.store, model.FileContextKey(identity), &file)
	if err != nil {
		slog.Warn("ignoring unreadable file context",
			"identity", identity,
			"error", err,
		)
		return nil
	}
	if !found {
		return nil
	}
	return &file
}

func (s *chatService) History(ctx context.Context, contentID string) ([]model.ChatMessage, error) {
	if contentID == "" {
		return nil, model.ErrEmptyContentID
	}
	return s.history(ctx, contentID), nil
}

func (s *chatService) Clear(ctx context.Context, contentID string) error {
	return s.cache.Invalidate(ctx, contentID, model.KindChat)
}

func (s *chatService) history(ctx context.Context, contentID string) []model.ChatMessage {
	payload, ok := s.cache.Get(ctx, contentID, model.KindChat)
	if !ok {
		return []model.ChatMessage{}
	}

	var history []model.ChatMessage
	if err := json.Unmarshal(payload, &history); err != nil {
		slog.Warn("ignoring unreadable chat history",
			"content_id", contentID,
			"error", err,
		)
		return []model.ChatMessage{}
	}
	return history
}
