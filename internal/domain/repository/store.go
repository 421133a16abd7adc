package repository

import "context"

// ChangeOp is the kind of mutation reported on the change stream.
type ChangeOp string

const (
	ChangeSet    ChangeOp = "set"
	ChangeRemove ChangeOp = "remove"
)

// StoreChange reports that Keys were written or removed.
type StoreChange struct {
	Op   ChangeOp `json:"op"`
	Keys []string `json:"keys"`
}

// KeyValueStore is the persistent key-value primitive that the cache and usage
// components are built on. Values are opaque JSON documents.
// Implementations should be provided by the infrastructure layer (e.g., Redis, PostgreSQL).
type KeyValueStore interface {
	// Get returns the values of the keys that exist. Missing keys are absent from the map.
	Get(ctx context.Context, keys ...string) (map[string][]byte, error)

	// Set writes all items. Existing values are overwritten.
	Set(ctx context.Context, items map[string][]byte) error

	// Remove deletes all keys as one batch. Missing keys are ignored.
	Remove(ctx context.Context, keys ...string) error

	// Keys lists stored keys starting with prefix.
	Keys(ctx context.Context, prefix string) ([]string, error)

	// Watch streams changes until ctx is cancelled, then closes the channel.
	Watch(ctx context.Context) (<-chan StoreChange, error)
}
