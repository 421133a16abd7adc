package cache

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/hszk-dev/sumvid/internal/domain/repository"
)

// lockPrefix namespaces lock keys apart from store keys.
const lockPrefix = keyPrefix + "lock:"

// releaseScript deletes each lock key only while it still carries the lease token,
// so a lease that outlived its TTL cannot free a newer holder's lock.
var releaseScript = redis.NewScript(`
for _, key in ipairs(KEYS) do
	if redis.call("GET", key) == ARGV[1] then
		redis.call("DEL", key)
	end
end
return 1
`)

// RedisLocker implements repository.Locker with SET NX PX keys.
type RedisLocker struct {
	client *redis.Client
}

// NewRedisLocker creates a new Redis-backed locker.
func NewRedisLocker(client *redis.Client) *RedisLocker {
	return &RedisLocker{client: client}
}

// TryLock takes keys in sorted order and rolls back the ones already taken
// as soon as one is held elsewhere.
func (l *RedisLocker) TryLock(ctx context.Context, ttl time.Duration, keys ...string) (repository.Lease, error) {
	lease := &redisLease{
		client: l.client,
		token:  uuid.NewString(),
	}

	for _, k := range sortedUnique(keys) {
		key := lockPrefix + k
		ok, err := l.client.SetNX(ctx, key, lease.token, ttl).Result()
		if err != nil {
			err = fmt.Errorf("failed to acquire lock %s: %w", k, err)
			return nil, errors.Join(err, lease.Release(context.WithoutCancel(ctx)))
		}
		if !ok {
			if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
				return nil, err
			}
			return nil, repository.ErrLockHeld
		}
		lease.keys = append(lease.keys, key)
	}

	return lease, nil
}

type redisLease struct {
	client *redis.Client
	token  string
	keys   []string
}

func (l *redisLease) Release(ctx context.Context) error {
	if len(l.keys) == 0 {
		return nil
	}
	if err := releaseScript.Run(ctx, l.client, l.keys, l.token).Err(); err != nil {
		return fmt.Errorf("failed to release locks: %w", err)
	}
	l.keys = nil
	return nil
}

func sortedUnique(keys []string) []string {
	out := append([]string(nil), keys...)
	sort.Strings(out)
	n := 0
	for i, k := range out {
		if i > 0 && k == out[n-1] {
			continue
		}
		out[n] = k
		n++
	}
	return out[:n]
}

// Compile-time verification that RedisLocker implements repository.Locker.
var _ repository.Locker = (*RedisLocker)(nil)
