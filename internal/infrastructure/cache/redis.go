package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/hszk-dev/sumvid/internal/domain/repository"
)

const (
	// keyPrefix namespaces every store key in Redis.
	keyPrefix = "sumvid:"

	// changesChannel carries StoreChange notifications between processes.
	changesChannel = "sumvid:changes"

	scanBatchSize = 100
)

// RedisStore implements repository.KeyValueStore using Redis as the backing store.
// Changes are announced on a pub/sub channel so watchers in any process see them.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a new Redis-backed key-value store.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{
		client: client,
	}
}

// Get returns the values of the keys that exist.
func (s *RedisStore) Get(ctx context.Context, keys ...string) (map[string][]byte, error) {
	out := make(map[string][]byte, len(keys))
	if len(keys) == 0 {
		return out, nil
	}

	values, err := s.client.MGet(ctx, s.buildKeys(keys)...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis mget: %w", err)
	}

	for i, v := range values {
		str, ok := v.(string)
		if !ok {
			continue // nil means the key does not exist
		}
		out[keys[i]] = []byte(str)
	}

	return out, nil
}

// Set writes all items with a single MSET so readers never see a partial batch.
func (s *RedisStore) Set(ctx context.Context, items map[string][]byte) error {
	if len(items) == 0 {
		return nil
	}

	pairs := make([]any, 0, len(items)*2)
	keys := make([]string, 0, len(items))
	for k, v := range items {
		pairs = append(pairs, s.buildKey(k), v)
		keys = append(keys, k)
	}

	if err := s.client.MSet(ctx, pairs...).Err(); err != nil {
		return fmt.Errorf("redis mset: %w", err)
	}

	s.publish(ctx, repository.StoreChange{Op: repository.ChangeSet, Keys: keys})
	return nil
}

// Remove deletes all keys with a single DEL.
func (s *RedisStore) Remove(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}

	if err := s.client.Del(ctx, s.buildKeys(keys)...).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}

	s.publish(ctx, repository.StoreChange{Op: repository.ChangeRemove, Keys: keys})
	return nil
}

// Keys lists stored keys starting with prefix using SCAN.
func (s *RedisStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	match := s.buildKey(escapeGlob(prefix)) + "*"

	var (
		keys   []string
		cursor uint64
	)
	for {
		batch, next, err := s.client.Scan(ctx, cursor, match, scanBatchSize).Result()
		if err != nil {
			return nil, fmt.Errorf("redis scan: %w", err)
		}
		for _, k := range batch {
			keys = append(keys, strings.TrimPrefix(k, keyPrefix))
		}
		if next == 0 {
			break
		}
		cursor = next
	}

	return keys, nil
}

// Watch subscribes to the change channel. The returned channel is closed when ctx ends.
func (s *RedisStore) Watch(ctx context.Context) (<-chan repository.StoreChange, error) {
	sub := s.client.Subscribe(ctx, changesChannel)

	// Wait for the subscription confirmation so no change published after Watch returns is missed.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("redis subscribe: %w", err)
	}

	out := make(chan repository.StoreChange)
	msgs := sub.Channel()

	go func() {
		defer close(out)
		defer func() { _ = sub.Close() }()

		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var change repository.StoreChange
				if err := json.Unmarshal([]byte(msg.Payload), &change); err != nil {
					slog.Warn("discarding malformed store change", "error", err)
					continue
				}
				select {
				case out <- change:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}

// publish announces a change. The write already succeeded, so failures are only logged.
func (s *RedisStore) publish(ctx context.Context, change repository.StoreChange) {
	data, err := json.Marshal(change)
	if err != nil {
		slog.Warn("failed to encode store change", "error", err)
		return
	}
	if err := s.client.Publish(ctx, changesChannel, data).Err(); err != nil {
		slog.Warn("failed to publish store change",
			"op", change.Op,
			"error", err,
		)
	}
}

// buildKey constructs the Redis key for a store key.
func (s *RedisStore) buildKey(key string) string {
	return keyPrefix + key
}

func (s *RedisStore) buildKeys(keys []string) []string {
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = s.buildKey(k)
	}
	return out
}

// escapeGlob quotes the characters SCAN MATCH treats as patterns.
func escapeGlob(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Compile-time verification that RedisStore implements repository.KeyValueStore.
var _ repository.KeyValueStore = (*RedisStore)(nil)
