package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hszk-dev/sumvid/internal/domain/model"
	"github.com/hszk-dev/sumvid/internal/domain/repository"
	"github.com/hszk-dev/sumvid/internal/infrastructure/metrics"
)

// UsageReporter returns the authoritative usage snapshot for a token.
type UsageReporter interface {
	GetUsage(ctx context.Context, token string) (*model.RemoteUsage, error)
}

// UsageLimiter decides whether an identity may spend a generation or an upload.
type UsageLimiter interface {
	// CheckLimit consults, in order: premium status, the remote usage service,
	// the local counter. When the remote service fails and no local counter exists
	// the check fails open. repository.ErrUnauthorized is returned as is.
	CheckLimit(ctx context.Context, sess model.SessionContext) (model.LimitResult, error)

	// RecordUsage counts one generation locally when the decision came from the
	// local counter or failed open. Remote and premium decisions are counted by the server.
	RecordUsage(ctx context.Context, sess model.SessionContext, source model.UsageSource) error

	// CheckUploadLimit applies the rolling upload quota without consuming it.
	CheckUploadLimit(ctx context.Context, sess model.SessionContext) (model.UploadLimitResult, error)

	// ReserveUpload checks the quota and, when allowed, appends the current time to the
	// upload log in the same locked step. The entry is reported as ReservedAt.
	// An error wrapping repository.ErrLockHeld means another upload of the identity
	// held the log for longer than the configured wait.
	ReserveUpload(ctx context.Context, sess model.SessionContext) (model.UploadLimitResult, error)

	// CancelUpload gives back a reservation whose upload did not complete.
	CancelUpload(ctx context.Context, sess model.SessionContext, reservedAt time.Time) error
}

// UsageLimiterConfig holds configuration for UsageLimiter.
type UsageLimiterConfig struct {
	DefaultLimit  int
	Window        time.Duration
	UploadLimit   int
	UploadLogSize int
	// LockTTL bounds how long a crashed process can hold a counter.
	LockTTL time.Duration
	// LockWait is how long a counter update waits for a concurrent one.
	LockWait time.Duration
	// Now overrides the clock (for testing).
	Now func() time.Time
}

// DefaultUsageLimiterConfig returns the default configuration.
func DefaultUsageLimiterConfig() UsageLimiterConfig {
	return UsageLimiterConfig{
		DefaultLimit:  10,
		Window:        24 * time.Hour,
		UploadLimit:   2,
		UploadLogSize: 10,
		LockTTL:       10 * time.Second,
		LockWait:      2 * time.Second,
		Now:           time.Now,
	}
}

type usageLimiter struct {
	store   repository.KeyValueStore
	locker  repository.Locker
	remote  UsageReporter
	premium repository.PremiumStatusProvider
	cfg     UsageLimiterConfig
}

// NewUsageLimiter creates a new UsageLimiter.
func NewUsageLimiter(
	store repository.KeyValueStore,
	locker repository.Locker,
	remote UsageReporter,
	premium repository.PremiumStatusProvider,
	cfg UsageLimiterConfig,
) UsageLimiter {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = DefaultUsageLimiterConfig().LockTTL
	}
	return &usageLimiter{
		store:   store,
		locker:  locker,
		remote:  remote,
		premium: premium,
		cfg:     cfg,
	}
}

func (l *usageLimiter) CheckLimit(ctx context.Context, sess model.SessionContext) (model.LimitResult, error) {
	result, err := l.checkLimit(ctx, sess)
	if err != nil {
		return model.LimitResult{}, err
	}
	metrics.UsageChecksTotal.WithLabelValues(string(result.Source), metrics.AllowedLabel(result.Allowed)).Inc()
	return result, nil
}

func (l *usageLimiter) checkLimit(ctx context.Context, sess model.SessionContext) (model.LimitResult, error) {
	now := l.cfg.Now()

	if l.isPremium(ctx, sess) {
		return unlimited(model.SourcePremium), nil
	}

	if !sess.Authenticated() {
		return l.checkLocal(ctx, sess, now, true), nil
	}

	usage, err := l.remote.GetUsage(ctx, sess.Token)
	if err != nil {
		if errors.Is(err, repository.ErrUnauthorized) {
			return model.LimitResult{}, err
		}
		slog.Warn("remote usage unavailable, using local counter",
			"identity", sess.Identity,
			"error", err,
		)
		return l.checkLocal(ctx, sess, now, false), nil
	}

	if usage.Tier == model.TierPremium {
		return unlimited(model.SourceRemote), nil
	}

	counter := l.mirror(ctx, sess, usage, now)
	resetAt := usage.ResetAt
	if resetAt.IsZero() {
		resetAt = counter.ResetAt(l.cfg.Window)
	}

	return model.LimitResult{
		Allowed:   usage.Used < usage.Limit,
		Used:      usage.Used,
		Limit:     usage.Limit,
		Remaining: max(0, usage.Limit-usage.Used),
		ResetAt:   resetAt,
		Source:    model.SourceRemote,
	}, nil
}

// checkLocal evaluates the local counter. A missing counter is a fresh window
// when missingIsFresh is set and a fail-open decision otherwise.
func (l *usageLimiter) checkLocal(ctx context.Context, sess model.SessionContext, now time.Time, missingIsFresh bool) model.LimitResult {
	counter, found, err := l.loadCounter(ctx, sess.Identity, now)
	if err != nil {
		slog.Warn("local usage counter unavailable, failing open",
			"identity", sess.Identity,
			"error", err,
		)
		return l.failOpen(now)
	}
	if !found && !missingIsFresh {
		return l.failOpen(now)
	}

	return model.LimitResult{
		Allowed:   counter.Allowed(),
		Used:      counter.Used,
		Limit:     counter.Limit,
		Remaining: counter.Remaining(),
		ResetAt:   counter.ResetAt(l.cfg.Window),
		Source:    model.SourceLocal,
	}
}

func (l *usageLimiter) failOpen(now time.Time) model.LimitResult {
	return model.LimitResult{
		Allowed:   true,
		Limit:     l.cfg.DefaultLimit,
		Remaining: l.cfg.DefaultLimit,
		ResetAt:   now.Add(l.cfg.Window),
		Source:    model.SourceFailOpen,
	}
}

// mirror copies a remote snapshot into the local counter so later outages
// continue from the server's count.
func (l *usageLimiter) mirror(ctx context.Context, sess model.SessionContext, usage *model.RemoteUsage, now time.Time) model.UsageCounter {
	counter, _, err := l.loadCounter(ctx, sess.Identity, now)
	if err != nil {
		counter = model.NewUsageCounter(usage.Limit, now)
	}
	counter.Used = usage.Used
	counter.Limit = usage.Limit
	if !usage.ResetAt.IsZero() {
		counter.WindowStart = usage.ResetAt.Add(-l.cfg.Window).UnixMilli()
	}

	key := model.UsageCounterKey(sess.Identity)
	err = l.locked(ctx, key, func() error {
		return saveJSON(ctx, l.store, key, counter)
	})
	if err != nil {
		slog.Warn("failed to mirror usage snapshot",
			"identity", sess.Identity,
			"error", err,
		)
	}
	return counter
}

func (l *usageLimiter) RecordUsage(ctx context.Context, sess model.SessionContext, source model.UsageSource) error {
	if source != model.SourceLocal && source != model.SourceFailOpen {
		return nil
	}

	key := model.UsageCounterKey(sess.Identity)
	return l.locked(ctx, key, func() error {
		now := l.cfg.Now()
		counter, _, err := l.loadCounter(ctx, sess.Identity, now)
		if err != nil {
			counter = model.NewUsageCounter(l.cfg.DefaultLimit, now)
		}
		counter.Used++

		return saveJSON(ctx, l.store, key, counter)
	})
}

// loadCounter returns the identity's counter rolled over to the current window.
// A missing counter comes back as a fresh one with found=false.
func (l *usageLimiter) loadCounter(ctx context.Context, identity string, now time.Time) (model.UsageCounter, bool, error) {
	var counter model.UsageCounter
	found, err := loadJSON(ctx, l.store, model.UsageCounterKey(identity), &counter)
	if err != nil {
		return model.UsageCounter{}, false, err
	}
	if !found {
		return model.NewUsageCounter(l.cfg.DefaultLimit, now), false, nil
	}
	if counter.Limit <= 0 {
		counter.Limit = l.cfg.DefaultLimit
	}
	return counter.Rollover(now, l.cfg.Window), true, nil
}

func (l *usageLimiter) CheckUploadLimit(ctx context.Context, sess model.SessionContext) (model.UploadLimitResult, error) {
	result := unlimitedUploads()
	if !l.isPremium(ctx, sess) {
		result = l.checkUploadLimit(ctx, sess, false)
	}
	metrics.UploadChecksTotal.WithLabelValues(metrics.AllowedLabel(result.Allowed)).Inc()
	return result, nil
}

func (l *usageLimiter) ReserveUpload(ctx context.Context, sess model.SessionContext) (model.UploadLimitResult, error) {
	result := unlimitedUploads()
	if !l.isPremium(ctx, sess) {
		err := l.locked(ctx, model.UploadLogKey(sess.Identity), func() error {
			result = l.checkUploadLimit(ctx, sess, true)
			return nil
		})
		if err != nil {
			return model.UploadLimitResult{}, err
		}
	}
	metrics.UploadChecksTotal.WithLabelValues(metrics.AllowedLabel(result.Allowed)).Inc()
	return result, nil
}

// checkUploadLimit evaluates the upload log and, with reserve set, records an
// allowed upload. An unreadable log counts as empty; an unreachable store fails open.
func (l *usageLimiter) checkUploadLimit(ctx context.Context, sess model.SessionContext, reserve bool) model.UploadLimitResult {
	key := model.UploadLogKey(sess.Identity)
	var log model.UploadLog
	if _, err := loadJSON(ctx, l.store, key, &log); err != nil {
		if !errors.Is(err, errUndecodable) {
			slog.Warn("upload log unavailable, failing open",
				"identity", sess.Identity,
				"error", err,
			)
			return model.UploadLimitResult{Allowed: true, Remaining: l.cfg.UploadLimit}
		}
		slog.Warn("resetting unreadable upload log",
			"identity", sess.Identity,
			"error", err,
		)
		log = nil
	}

	now := l.cfg.Now()
	recent := log.Within(now, l.cfg.Window)
	if len(recent) >= l.cfg.UploadLimit {
		hours := model.HoursUntilNext(recent, now, l.cfg.Window)
		return model.UploadLimitResult{
			Allowed:        false,
			Message:        model.UploadLimitMessage(l.cfg.UploadLimit, hours),
			HoursUntilNext: hours,
			Remaining:      0,
		}
	}

	remaining := l.cfg.UploadLimit - len(recent)
	if !reserve {
		return model.UploadLimitResult{Allowed: true, Remaining: remaining}
	}

	if err := saveJSON(ctx, l.store, key, log.Append(now, l.cfg.UploadLogSize)); err != nil {
		slog.Warn("failed to reserve upload, failing open",
			"identity", sess.Identity,
			"error", err,
		)
		return model.UploadLimitResult{Allowed: true, Remaining: remaining}
	}

	return model.UploadLimitResult{
		Allowed:    true,
		Remaining:  remaining - 1,
		ReservedAt: now,
	}
}

func (l *usageLimiter) CancelUpload(ctx context.Context, sess model.SessionContext, reservedAt time.Time) error {
	if reservedAt.IsZero() {
		return nil
	}

	key := model.UploadLogKey(sess.Identity)
	return l.locked(ctx, key, func() error {
		var log model.UploadLog
		if _, err := loadJSON(ctx, l.store, key, &log); err != nil {
			return err
		}
		return saveJSON(ctx, l.store, key, log.Remove(reservedAt))
	})
}

// locked runs fn while holding key. A locker that cannot be reached is logged and
// fn runs unlocked, matching the fail-open policy of the counters themselves.
func (l *usageLimiter) locked(ctx context.Context, key string, fn func() error) error {
	lease, err := acquire(ctx, l.locker, l.cfg.LockTTL, l.cfg.LockWait, key)
	switch {
	case errors.Is(err, repository.ErrLockHeld):
		return fmt.Errorf("%s: %w", key, err)
	case err != nil:
		if ctx.Err() != nil {
			return ctx.Err()
		}
		slog.Warn("counter lock unavailable, continuing unlocked",
			"key", key,
			"error", err,
		)
		return fn()
	}
	defer release(ctx, lease)
	return fn()
}

// isPremium treats lookup failures as not premium.
func (l *usageLimiter) isPremium(ctx context.Context, sess model.SessionContext) bool {
	if l.premium == nil {
		return false
	}
	premium, err := l.premium.IsPremium(ctx, sess)
	if err != nil {
		slog.Warn("premium status unavailable",
			"identity", sess.Identity,
			"error", err,
		)
		return false
	}
	return premium
}

func unlimitedUploads() model.UploadLimitResult {
	return model.UploadLimitResult{Allowed: true, Remaining: model.Unlimited}
}

func unlimited(source model.UsageSource) model.LimitResult {
	return model.LimitResult{
		Allowed:   true,
		Limit:     model.Unlimited,
		Remaining: model.Unlimited,
		Source:    source,
	}
}
