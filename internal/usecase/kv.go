package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hszk-dev/sumvid/internal/domain/repository"
)

// errUndecodable marks a stored value that is present but cannot be decoded.
var errUndecodable = errors.New("undecodable value")

// lockRetryInterval is how often acquire polls a held lock.
const lockRetryInterval = 25 * time.Millisecond

// loadJSON decodes the value stored at key into v. found is false when the key is absent.
func loadJSON(ctx context.Context, store repository.KeyValueStore, key string, v any) (found bool, err error) {
	values, err := store.Get(ctx, key)
	if err != nil {
		return false, err
	}
	raw, ok := values[key]
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, fmt.Errorf("failed to decode %s: %w: %v", key, errUndecodable, err)
	}
	return true, nil
}

// saveJSON stores v at key.
func saveJSON(ctx context.Context, store repository.KeyValueStore, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}
	return store.Set(ctx, map[string][]byte{key: data})
}

// acquire takes keys through locker, polling while they are held until wait elapses.
// With wait <= 0 it tries exactly once.
func acquire(ctx context.Context, locker repository.Locker, ttl, wait time.Duration, keys ...string) (repository.Lease, error) {
	deadline := time.Now().Add(wait)
	for {
		lease, err := locker.TryLock(ctx, ttl, keys...)
		if !errors.Is(err, repository.ErrLockHeld) || !time.Now().Before(deadline) {
			return lease, err
		}

		timer := time.NewTimer(lockRetryInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

// release frees lease even when ctx is already cancelled.
func release(ctx context.Context, lease repository.Lease) {
	if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
		slog.Warn("failed to release lock", "error", err)
	}
}

// noLease stands in when a generation runs without a lock.
type noLease struct{}

func (noLease) Release(context.Context) error { return nil }

// lockGeneration takes keys for a generation without waiting. ok is false when another
// generation holds one of them. An unreachable locker is logged and the generation runs unlocked.
func lockGeneration(ctx context.Context, locker repository.Locker, ttl time.Duration, keys ...string) (lease repository.Lease, ok bool) {
	lease, err := locker.TryLock(ctx, ttl, keys...)
	switch {
	case errors.Is(err, repository.ErrLockHeld):
		return nil, false
	case err != nil:
		slog.Warn("generation lock unavailable, continuing unlocked",
			"keys", keys,
			"error", err,
		)
		return noLease{}, true
	}
	return lease, true
}
