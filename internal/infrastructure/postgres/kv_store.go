package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/hszk-dev/sumvid/internal/domain/repository"
)

// changesChannel is the NOTIFY channel carrying StoreChange payloads.
const changesChannel = "sumvid_changes"

// ErrWatchUnsupported is returned by Watch when the store has no listener factory.
var ErrWatchUnsupported = errors.New("store change stream not configured")

// DBTX is an interface that abstracts pgxpool.Pool for testability.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Listener receives notifications on a dedicated connection.
type Listener interface {
	Listen(ctx context.Context, channel string) error
	WaitForNotification(ctx context.Context) (*pgconn.Notification, error)
	Close(ctx context.Context) error
}

// ListenerFactory opens a new Listener.
type ListenerFactory func(ctx context.Context) (Listener, error)

// KVStore implements repository.KeyValueStore on a single PostgreSQL table.
// Every write commits together with a pg_notify so watchers only see committed changes.
type KVStore struct {
	db     DBTX
	listen ListenerFactory
}

// NewKVStore creates a new KVStore. listen may be nil when Watch is not needed.
func NewKVStore(db DBTX, listen ListenerFactory) *KVStore {
	return &KVStore{db: db, listen: listen}
}

// EnsureSchema creates the backing table when it does not exist.
func (s *KVStore) EnsureSchema(ctx context.Context) error {
	const query = `
		CREATE TABLE IF NOT EXISTS kv_entries (
			key        TEXT PRIMARY KEY,
			value      BYTEA NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`

	if _, err := s.db.Exec(ctx, query); err != nil {
		return fmt.Errorf("failed to create kv_entries: %w", err)
	}
	return nil
}

// Get returns the values of the keys that exist.
func (s *KVStore) Get(ctx context.Context, keys ...string) (map[string][]byte, error) {
	out := make(map[string][]byte, len(keys))
	if len(keys) == 0 {
		return out, nil
	}

	const query = `
		SELECT key, value
		FROM kv_entries
		WHERE key = ANY($1)
	`

	rows, err := s.db.Query(ctx, query, keys)
	if err != nil {
		return nil, fmt.Errorf("failed to get entries: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			key   string
			value []byte
		)
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("failed to scan entry: %w", err)
		}
		out[key] = value
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating entries: %w", err)
	}

	return out, nil
}

// Set upserts all items in one transaction.
func (s *KVStore) Set(ctx context.Context, items map[string][]byte) error {
	if len(items) == 0 {
		return nil
	}

	const query = `
		INSERT INTO kv_entries (key, value, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at
	`

	keys := make([]string, 0, len(items))
	for k := range items {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	return s.inTx(ctx, repository.StoreChange{Op: repository.ChangeSet, Keys: keys}, func(tx pgx.Tx) error {
		for _, k := range keys {
			if _, err := tx.Exec(ctx, query, k, items[k]); err != nil {
				return fmt.Errorf("failed to upsert %q: %w", k, err)
			}
		}
		return nil
	})
}

// Remove deletes all keys with a single statement.
func (s *KVStore) Remove(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}

	const query = `DELETE FROM kv_entries WHERE key = ANY($1)`

	return s.inTx(ctx, repository.StoreChange{Op: repository.ChangeRemove, Keys: keys}, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, query, keys); err != nil {
			return fmt.Errorf("failed to delete entries: %w", err)
		}
		return nil
	})
}

// Keys lists stored keys starting with prefix.
func (s *KVStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	const query = `
		SELECT key
		FROM kv_entries
		WHERE key LIKE $1 ESCAPE '\'
		ORDER BY key
	`

	rows, err := s.db.Query(ctx, query, escapeLike(prefix)+"%")
	if err != nil {
		return nil, fmt.Errorf("failed to list keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("failed to scan key: %w", err)
		}
		keys = append(keys, key)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating keys: %w", err)
	}

	return keys, nil
}

// Watch listens on the change channel. The returned channel is closed when ctx ends
// or the listening connection fails.
func (s *KVStore) Watch(ctx context.Context) (<-chan repository.StoreChange, error) {
	if s.listen == nil {
		return nil, ErrWatchUnsupported
	}

	l, err := s.listen(ctx)
	if err != nil {
		return nil, err
	}
	if err := l.Listen(ctx, changesChannel); err != nil {
		_ = l.Close(context.Background())
		return nil, fmt.Errorf("failed to listen: %w", err)
	}

	out := make(chan repository.StoreChange)

	go func() {
		defer close(out)
		defer func() { _ = l.Close(context.Background()) }()

		for {
			n, err := l.WaitForNotification(ctx)
			if err != nil {
				if ctx.Err() == nil {
					slog.Error("store change stream stopped", "error", err)
				}
				return
			}

			var change repository.StoreChange
			if err := json.Unmarshal([]byte(n.Payload), &change); err != nil {
				slog.Warn("discarding malformed store change", "error", err)
				continue
			}

			select {
			case out <- change:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}

// inTx runs fn and the change notifications in one transaction.
func (s *KVStore) inTx(ctx context.Context, change repository.StoreChange, fn func(tx pgx.Tx) error) error {
	payloads, err := changePayloads(change)
	if err != nil {
		return err
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}

	for _, payload := range payloads {
		if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, changesChannel, payload); err != nil {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("failed to notify: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}

	return nil
}

// maxNotifyPayload keeps each NOTIFY payload under the server's 8000 byte limit.
const maxNotifyPayload = 7900

// changePayloads splits change into encoded payloads no longer than maxNotifyPayload.
// A key too long to fit on its own is left out of the notifications.
func changePayloads(change repository.StoreChange) ([]string, error) {
	empty, err := json.Marshal(repository.StoreChange{Op: change.Op, Keys: []string{}})
	if err != nil {
		return nil, fmt.Errorf("failed to encode store change: %w", err)
	}

	var (
		payloads []string
		chunk    []string
		size     = len(empty)
	)
	flush := func() error {
		data, err := json.Marshal(repository.StoreChange{Op: change.Op, Keys: chunk})
		if err != nil {
			return fmt.Errorf("failed to encode store change: %w", err)
		}
		payloads = append(payloads, string(data))
		chunk = nil
		size = len(empty)
		return nil
	}

	for _, k := range change.Keys {
		enc, err := json.Marshal(k)
		if err != nil {
			return nil, fmt.Errorf("failed to encode store change: %w", err)
		}
		n := len(enc) + 1 // separator
		if len(empty)+n > maxNotifyPayload {
			slog.Warn("key too long for change notification", slog.Int("key_length", len(k)))
			continue
		}
		if size+n > maxNotifyPayload {
			if err := flush(); err != nil {
				return nil, err
			}
		}
		chunk = append(chunk, k)
		size += n
	}
	if len(chunk) > 0 {
		if err := flush(); err != nil {
			return nil, err
		}
	}

	return payloads, nil
}

// escapeLike quotes the LIKE wildcards in s.
func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

// Compile-time verification that KVStore implements repository.KeyValueStore.
var _ repository.KeyValueStore = (*KVStore)(nil)
