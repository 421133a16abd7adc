package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hszk-dev/sumvid/internal/domain/model"
	"github.com/hszk-dev/sumvid/internal/domain/repository"
	"github.com/hszk-dev/sumvid/internal/infrastructure/metrics"
)

var (
	// ErrUnsupportedKind is returned when a kind cannot be produced by the backend.
	ErrUnsupportedKind = errors.New("artifact kind cannot be generated")

	// ErrEmptyContent is returned when there is nothing to generate from.
	ErrEmptyContent = errors.New("content is empty")
)

// RegenerationStatus is the outcome of a generation request that did not fail.
type RegenerationStatus string

const (
	StatusCompleted    RegenerationStatus = "completed"
	StatusBusy         RegenerationStatus = "busy"
	StatusLimitReached RegenerationStatus = "limit_reached"
)

// RegenerationRequest describes what to generate.
type RegenerationRequest struct {
	ContentID string
	Kind      model.ArtifactKind
	// Content is the transcript or page text.
	Content string
	Title   string
	// Context steers the output: free-form instructions for summaries, difficulty for quizzes.
	Context string
	// Summary is quiz context. The cached summary is used when empty.
	Summary string
}

// RegenerationResult is returned for completed, busy and limit-reached outcomes.
type RegenerationResult struct {
	Status  RegenerationStatus
	Payload json.RawMessage
	// Cached is set when Ensure served an existing entry.
	Cached bool
	// Limit is the quota decision; nil when the request was rejected as busy.
	Limit *model.LimitResult
}

// RegenerationCoordinator runs at most one generation per cache key at a time,
// across every process sharing the locker.
type RegenerationCoordinator interface {
	// Trigger discards the cached artifact and its dependents, then generates a new one.
	// It holds the artifact's key and its dependents' keys, so it is busy while any of them
	// is generating. A busy request is neither queued nor merged.
	Trigger(ctx context.Context, sess model.SessionContext, req RegenerationRequest) (RegenerationResult, error)

	// Ensure returns the cached artifact, generating it on a miss.
	Ensure(ctx context.Context, sess model.SessionContext, req RegenerationRequest) (RegenerationResult, error)
}

// RegenerationConfig holds configuration for RegenerationCoordinator.
type RegenerationConfig struct {
	// GenerationTimeout bounds every backend call.
	GenerationTimeout time.Duration
	// LockTTL bounds how long a crashed process can hold a key. Zero means twice GenerationTimeout.
	LockTTL time.Duration
	// Now overrides the clock (for testing).
	Now func() time.Time
}

// DefaultRegenerationConfig returns the default configuration.
func DefaultRegenerationConfig() RegenerationConfig {
	return RegenerationConfig{
		GenerationTimeout: 30 * time.Second,
		Now:               time.Now,
	}
}

type regenerationCoordinator struct {
	cache   ContentCache
	usage   UsageLimiter
	backend repository.GenerationBackend
	events  repository.EventPublisher
	locker  repository.Locker
	cfg     RegenerationConfig
}

// NewRegenerationCoordinator creates a new RegenerationCoordinator.
// events may be nil when no queue is configured.
func NewRegenerationCoordinator(
	cache ContentCache,
	usage UsageLimiter,
	backend repository.GenerationBackend,
	events repository.EventPublisher,
	locker repository.Locker,
	cfg RegenerationConfig,
) RegenerationCoordinator {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 2 * cfg.GenerationTimeout
	}
	return &regenerationCoordinator{
		cache:   cache,
		usage:   usage,
		backend: backend,
		events:  events,
		locker:  locker,
		cfg:     cfg,
	}
}

func (c *regenerationCoordinator) Trigger(ctx context.Context, sess model.SessionContext, req RegenerationRequest) (RegenerationResult, error) {
	key, err := c.validate(req)
	if err != nil {
		return RegenerationResult{}, err
	}

	keys := []string{key.String()}
	for _, dep := range req.Kind.Dependents() {
		keys = append(keys, model.CacheKey{ContentID: req.ContentID, Kind: dep}.String())
	}

	lease, ok := lockGeneration(ctx, c.locker, c.cfg.LockTTL, keys...)
	if !ok {
		metrics.RegenerationsTotal.WithLabelValues(req.Kind.String(), string(StatusBusy)).Inc()
		return RegenerationResult{Status: StatusBusy}, nil
	}
	defer release(ctx, lease)

	return c.generate(ctx, sess, req, true)
}

func (c *regenerationCoordinator) Ensure(ctx context.Context, sess model.SessionContext, req RegenerationRequest) (RegenerationResult, error) {
	key, err := c.validate(req)
	if err != nil {
		return RegenerationResult{}, err
	}

	if payload, ok := c.cache.Get(ctx, req.ContentID, req.Kind); ok {
		return RegenerationResult{Status: StatusCompleted, Payload: payload, Cached: true}, nil
	}

	lease, ok := lockGeneration(ctx, c.locker, c.cfg.LockTTL, key.String())
	if !ok {
		metrics.RegenerationsTotal.WithLabelValues(req.Kind.String(), string(StatusBusy)).Inc()
		return RegenerationResult{Status: StatusBusy}, nil
	}
	defer release(ctx, lease)

	// The previous holder may have just filled the entry.
	if payload, ok := c.cache.Get(ctx, req.ContentID, req.Kind); ok {
		return RegenerationResult{Status: StatusCompleted, Payload: payload, Cached: true}, nil
	}

	return c.generate(ctx, sess, req, false)
}

func (c *regenerationCoordinator) validate(req RegenerationRequest) (model.CacheKey, error) {
	key, err := model.NewCacheKey(req.ContentID, req.Kind)
	if err != nil {
		return model.CacheKey{}, err
	}
	switch req.Kind {
	case model.KindSummary, model.KindFlashcards:
		if req.Content == "" {
			return model.CacheKey{}, ErrEmptyContent
		}
	case model.KindQuiz:
	default:
		return model.CacheKey{}, fmt.Errorf("%w: %s", ErrUnsupportedKind, req.Kind)
	}
	return key, nil
}

// generate runs the locked part of a generation. The caller holds the key.
// The result is not cached when a parent artifact was replaced during the backend call.
func (c *regenerationCoordinator) generate(ctx context.Context, sess model.SessionContext, req RegenerationRequest, invalidate bool) (RegenerationResult, error) {
	limit, err := c.usage.CheckLimit(ctx, sess)
	if err != nil {
		return RegenerationResult{}, fmt.Errorf("usage check: %w", err)
	}
	if !limit.Allowed {
		metrics.RegenerationsTotal.WithLabelValues(req.Kind.String(), string(StatusLimitReached)).Inc()
		return RegenerationResult{Status: StatusLimitReached, Limit: &limit}, nil
	}

	if invalidate {
		if err := c.cache.Invalidate(ctx, req.ContentID, req.Kind); err != nil {
			slog.Warn("failed to invalidate before regeneration",
				"content_id", req.ContentID,
				"kind", req.Kind,
				"error", err,
			)
		}
		c.publish(ctx, req.ContentID, req.Kind, model.ActionInvalidated)
	}

	parents := parentStamps(ctx, c.cache, req.ContentID, req.Kind)

	payload, err := c.call(ctx, sess, req)
	if err != nil {
		metrics.RegenerationsTotal.WithLabelValues(req.Kind.String(), metrics.RegenerationFailed).Inc()
		return RegenerationResult{}, fmt.Errorf("generate %s for %s: %w", req.Kind, req.ContentID, err)
	}

	stale := parentsReplaced(ctx, c.cache, req.ContentID, parents)
	if stale {
		slog.Warn("not caching artifact built on a replaced parent",
			"content_id", req.ContentID,
			"kind", req.Kind,
		)
	} else if err := c.cache.Put(ctx, req.ContentID, req.Kind, payload); err != nil {
		slog.Warn("failed to cache generated artifact",
			"content_id", req.ContentID,
			"kind", req.Kind,
			"error", err,
		)
	}

	if err := c.usage.RecordUsage(ctx, sess, limit.Source); err != nil {
		slog.Warn("failed to record usage",
			"identity", sess.Identity,
			"source", limit.Source,
			"error", err,
		)
	}

	if stale {
		metrics.RegenerationsTotal.WithLabelValues(req.Kind.String(), metrics.RegenerationStale).Inc()
	} else {
		c.publish(ctx, req.ContentID, req.Kind, model.ActionGenerated)
		metrics.RegenerationsTotal.WithLabelValues(req.Kind.String(), string(StatusCompleted)).Inc()
	}

	return RegenerationResult{Status: StatusCompleted, Payload: payload, Limit: &limit}, nil
}

// call asks the backend for the artifact and encodes it as the cache payload.
func (c *regenerationCoordinator) call(ctx context.Context, sess model.SessionContext, req RegenerationRequest) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.GenerationTimeout)
	defer cancel()

	var out any
	switch req.Kind {
	case model.KindSummary:
		summary, err := c.backend.Summarize(ctx, sess.Token, repository.SummarizeRequest{
			ContentID: req.ContentID,
			Content:   req.Content,
			Context:   req.Context,
			Title:     req.Title,
		})
		if err != nil {
			return nil, err
		}
		out = summary

	case model.KindQuiz:
		summary := req.Summary
		if summary == "" {
			summary = c.cachedText(ctx, req.ContentID, model.KindSummary)
		}
		if req.Content == "" && summary == "" {
			return nil, ErrEmptyContent
		}
		quiz, err := c.backend.Quiz(ctx, sess.Token, repository.QuizRequest{
			ContentID:  req.ContentID,
			Content:    req.Content,
			Summary:    summary,
			Difficulty: req.Context,
			Title:      req.Title,
		})
		if err != nil {
			return nil, err
		}
		out = quiz

	case model.KindFlashcards:
		cards, err := c.backend.Flashcards(ctx, sess.Token, repository.FlashcardsRequest{
			Content: req.Content,
			Title:   req.Title,
		})
		if err != nil {
			return nil, err
		}
		out = cards

	default:
		return nil, ErrUnsupportedKind
	}

	return json.Marshal(out)
}

// cachedText returns a cached string payload, or "" when absent.
func (c *regenerationCoordinator) cachedText(ctx context.Context, contentID string, kind model.ArtifactKind) string {
	payload, ok := c.cache.Get(ctx, contentID, kind)
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(payload, &s); err != nil {
		return ""
	}
	return s
}

// parentStamps records when each cached parent of kind was written. Absent parents are left out.
func parentStamps(ctx context.Context, cache ContentCache, contentID string, kind model.ArtifactKind) map[model.ArtifactKind]int64 {
	stamps := make(map[model.ArtifactKind]int64)
	for _, parent := range kind.DependsOn() {
		if entry, ok := cache.Lookup(ctx, contentID, parent); ok {
			stamps[parent] = entry.Timestamp
		}
	}
	return stamps
}

// parentsReplaced reports whether a parent recorded by parentStamps was since removed or rewritten.
func parentsReplaced(ctx context.Context, cache ContentCache, contentID string, stamps map[model.ArtifactKind]int64) bool {
	for parent, ts := range stamps {
		entry, ok := cache.Lookup(ctx, contentID, parent)
		if !ok || entry.Timestamp != ts {
			return true
		}
	}
	return false
}

func (c *regenerationCoordinator) publish(ctx context.Context, contentID string, kind model.ArtifactKind, action model.EventAction) {
	publishEvent(ctx, c.events, model.NewArtifactEvent(contentID, kind, action, c.cfg.Now()))
}

// publishEvent sends event when a publisher is configured. Failures are logged only.
func publishEvent(ctx context.Context, events repository.EventPublisher, event model.ArtifactEvent) {
	if events == nil {
		return
	}
	if err := events.PublishArtifactEvent(ctx, event); err != nil {
		slog.Warn("failed to publish artifact event",
			"content_id", event.ContentID,
			"kind", event.Kind,
			"action", event.Action,
			"error", err,
		)
	}
}
