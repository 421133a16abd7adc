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

// ContentCache stores generated artifacts per (content id, kind) with a fixed TTL.
// Expiry is lazy: an expired entry is removed by the read that finds it.
type ContentCache interface {
	// Get returns the payload if a fresh entry exists.
	// Store failures and corrupt entries are logged and reported as a miss.
	Get(ctx context.Context, contentID string, kind model.ArtifactKind) (json.RawMessage, bool)

	// Lookup is Get returning the whole entry, including when it was stored.
	Lookup(ctx context.Context, contentID string, kind model.ArtifactKind) (model.CacheEntry, bool)

	// Put stores payload stamped with the current time, replacing any previous entry.
	Put(ctx context.Context, contentID string, kind model.ArtifactKind, payload json.RawMessage) error

	// Invalidate removes the given kinds and their dependents in one batch.
	Invalidate(ctx context.Context, contentID string, kinds ...model.ArtifactKind) error

	// SweepExpired removes every expired or undecodable entry and returns how many were removed.
	SweepExpired(ctx context.Context) (int, error)
}

// ContentCacheConfig holds configuration for ContentCache.
type ContentCacheConfig struct {
	TTL time.Duration
	// Now overrides the clock (for testing).
	Now func() time.Time
}

// DefaultContentCacheConfig returns the default configuration.
func DefaultContentCacheConfig() ContentCacheConfig {
	return ContentCacheConfig{
		TTL: 24 * time.Hour,
		Now: time.Now,
	}
}

type contentCache struct {
	store repository.KeyValueStore
	ttl   time.Duration
	now   func() time.Time
}

// NewContentCache creates a ContentCache on top of store.
func NewContentCache(store repository.KeyValueStore, cfg ContentCacheConfig) ContentCache {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &contentCache{
		store: store,
		ttl:   cfg.TTL,
		now:   cfg.Now,
	}
}

func (c *contentCache) Get(ctx context.Context, contentID string, kind model.ArtifactKind) (json.RawMessage, bool) {
	entry, ok := c.Lookup(ctx, contentID, kind)
	if !ok {
		return nil, false
	}
	return entry.Content, true
}

func (c *contentCache) Lookup(ctx context.Context, contentID string, kind model.ArtifactKind) (model.CacheEntry, bool) {
	key, err := model.NewCacheKey(contentID, kind)
	if err != nil {
		return model.CacheEntry{}, false
	}
	k := key.String()

	values, err := c.store.Get(ctx, k)
	if err != nil {
		slog.Warn("cache get failed",
			"content_id", contentID,
			"kind", kind,
			"error", err,
		)
		metrics.CacheOperationsTotal.WithLabelValues(metrics.CacheOpGet, metrics.CacheStatusError, kind.String()).Inc()
		return model.CacheEntry{}, false
	}

	raw, ok := values[k]
	if !ok {
		metrics.CacheOperationsTotal.WithLabelValues(metrics.CacheOpGet, metrics.CacheStatusMiss, kind.String()).Inc()
		return model.CacheEntry{}, false
	}

	var entry model.CacheEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		slog.Warn("discarding corrupt cache entry",
			"key", k,
			"error", err,
		)
		c.remove(ctx, k)
		metrics.CacheOperationsTotal.WithLabelValues(metrics.CacheOpGet, metrics.CacheStatusError, kind.String()).Inc()
		return model.CacheEntry{}, false
	}

	if !entry.IsValid(c.now(), c.ttl) {
		c.remove(ctx, k)
		metrics.CacheOperationsTotal.WithLabelValues(metrics.CacheOpGet, metrics.CacheStatusExpired, kind.String()).Inc()
		return model.CacheEntry{}, false
	}

	metrics.CacheOperationsTotal.WithLabelValues(metrics.CacheOpGet, metrics.CacheStatusHit, kind.String()).Inc()
	return entry, true
}

func (c *contentCache) Put(ctx context.Context, contentID string, kind model.ArtifactKind, payload json.RawMessage) error {
	key, err := model.NewCacheKey(contentID, kind)
	if err != nil {
		return err
	}

	data, err := model.NewCacheEntry(contentID, payload, c.now()).Encode()
	if err != nil {
		return fmt.Errorf("failed to encode cache entry: %w", err)
	}

	if err := c.store.Set(ctx, map[string][]byte{key.String(): data}); err != nil {
		metrics.CacheOperationsTotal.WithLabelValues(metrics.CacheOpPut, metrics.CacheStatusError, kind.String()).Inc()
		return fmt.Errorf("failed to store %s: %w", key, err)
	}

	metrics.CacheOperationsTotal.WithLabelValues(metrics.CacheOpPut, metrics.CacheStatusSuccess, kind.String()).Inc()
	return nil
}

func (c *contentCache) Invalidate(ctx context.Context, contentID string, kinds ...model.ArtifactKind) error {
	if contentID == "" {
		return model.ErrEmptyContentID
	}

	keys := make([]string, 0, len(kinds)*3)
	seen := make(map[model.ArtifactKind]bool)
	add := func(k model.ArtifactKind) {
		if seen[k] {
			return
		}
		seen[k] = true
		keys = append(keys, model.CacheKey{ContentID: contentID, Kind: k}.String())
	}

	for _, kind := range kinds {
		if !kind.IsValid() {
			return model.ErrInvalidKind
		}
		add(kind)
		for _, dep := range kind.Dependents() {
			add(dep)
		}
	}
	if len(keys) == 0 {
		return nil
	}

	if err := c.store.Remove(ctx, keys...); err != nil {
		metrics.CacheOperationsTotal.WithLabelValues(metrics.CacheOpInvalidate, metrics.CacheStatusError, "").Inc()
		return fmt.Errorf("failed to invalidate %v: %w", keys, err)
	}

	for k := range seen {
		metrics.CacheOperationsTotal.WithLabelValues(metrics.CacheOpInvalidate, metrics.CacheStatusSuccess, k.String()).Inc()
	}
	return nil
}

func (c *contentCache) SweepExpired(ctx context.Context) (int, error) {
	now := c.now()
	removed := 0
	var errs []error

	for _, kind := range model.AllKinds {
		n, err := c.sweepKind(ctx, kind, now)
		removed += n
		if err != nil {
			errs = append(errs, err)
		}
	}

	status := metrics.CacheStatusSuccess
	if len(errs) > 0 {
		status = metrics.CacheStatusError
	}
	metrics.CacheOperationsTotal.WithLabelValues(metrics.CacheOpSweep, status, "").Inc()

	return removed, errors.Join(errs...)
}

func (c *contentCache) sweepKind(ctx context.Context, kind model.ArtifactKind, now time.Time) (int, error) {
	keys, err := c.store.Keys(ctx, model.KindPrefix(kind))
	if err != nil {
		return 0, fmt.Errorf("failed to list %s entries: %w", kind, err)
	}
	if len(keys) == 0 {
		return 0, nil
	}

	values, err := c.store.Get(ctx, keys...)
	if err != nil {
		return 0, fmt.Errorf("failed to read %s entries: %w", kind, err)
	}

	var stale []string
	for k, raw := range values {
		var entry model.CacheEntry
		if err := json.Unmarshal(raw, &entry); err != nil || !entry.IsValid(now, c.ttl) {
			stale = append(stale, k)
		}
	}
	if len(stale) == 0 {
		return 0, nil
	}

	if err := c.store.Remove(ctx, stale...); err != nil {
		return 0, fmt.Errorf("failed to remove %s entries: %w", kind, err)
	}
	return len(stale), nil
}

// remove deletes a single key found stale during a read.
func (c *contentCache) remove(ctx context.Context, key string) {
	if err := c.store.Remove(ctx, key); err != nil {
		slog.Warn("failed to remove stale cache entry",
			"key", key,
			"error", err,
		)
	}
}
