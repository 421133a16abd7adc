package usecase

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/hszk-dev/sumvid/internal/domain/model"
	"github.com/hszk-dev/sumvid/internal/domain/repository"
	"github.com/hszk-dev/sumvid/internal/infrastructure/metrics"
)

// PremiumCache is a PremiumStatusProvider that remembers answers for a short TTL.
type PremiumCache interface {
	repository.PremiumStatusProvider

	// Forget drops the cached answer for identity.
	Forget(identity string)
}

// PremiumCacheConfig holds configuration for PremiumCache.
type PremiumCacheConfig struct {
	TTL time.Duration
	// Now overrides the clock (for testing).
	Now func() time.Time
}

// DefaultPremiumCacheConfig returns the default configuration.
func DefaultPremiumCacheConfig() PremiumCacheConfig {
	return PremiumCacheConfig{
		TTL: 30 * time.Second,
		Now: time.Now,
	}
}

type premiumEntry struct {
	premium   bool
	fetchedAt time.Time
}

type premiumCache struct {
	provider repository.PremiumStatusProvider
	ttl      time.Duration
	now      func() time.Time
	sfGroup  singleflight.Group

	mu      sync.Mutex
	entries map[string]premiumEntry
}

// NewPremiumCache wraps provider with a per-identity TTL cache.
func NewPremiumCache(provider repository.PremiumStatusProvider, cfg PremiumCacheConfig) PremiumCache {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &premiumCache{
		provider: provider,
		ttl:      cfg.TTL,
		now:      cfg.Now,
		entries:  make(map[string]premiumEntry),
	}
}

// IsPremium returns the cached status or asks the provider.
// Concurrent lookups for one identity share a single provider call, which is not
// cancelled with the caller that started it. Failed lookups are not cached.
func (c *premiumCache) IsPremium(ctx context.Context, sess model.SessionContext) (bool, error) {
	if !sess.Authenticated() {
		return false, nil
	}

	if premium, ok := c.cached(sess.Identity); ok {
		return premium, nil
	}

	result, err, shared := c.sfGroup.Do(sess.Identity, func() (any, error) {
		premium, err := c.provider.IsPremium(context.WithoutCancel(ctx), sess)
		if err != nil {
			return false, err
		}
		c.mu.Lock()
		c.entries[sess.Identity] = premiumEntry{premium: premium, fetchedAt: c.now()}
		c.mu.Unlock()
		return premium, nil
	})

	if shared {
		metrics.SingleflightRequestsTotal.WithLabelValues(metrics.SingleflightShared).Inc()
	} else {
		metrics.SingleflightRequestsTotal.WithLabelValues(metrics.SingleflightInitiated).Inc()
	}

	if err != nil {
		return false, err
	}
	return result.(bool), nil
}

func (c *premiumCache) Forget(identity string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, identity)
}

func (c *premiumCache) cached(identity string) (bool, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[identity]
	if !ok || c.now().Sub(e.fetchedAt) >= c.ttl {
		return false, false
	}
	return e.premium, true
}
