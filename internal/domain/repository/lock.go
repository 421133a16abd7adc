package repository

import (
	"context"
	"time"
)

// Lease is a set of keys held through a Locker.
type Lease interface {
	// Release frees every key of the lease. Releasing twice is a no-op.
	Release(ctx context.Context) error
}

// Locker hands out locks shared by every process using the same store.
// Implementations should be provided by the infrastructure layer (e.g., Redis, PostgreSQL).
type Locker interface {
	// TryLock takes all keys or none and never waits. It returns ErrLockHeld when any key
	// is taken. ttl bounds how long a crashed holder can block the keys, where the
	// backend supports expiry.
	TryLock(ctx context.Context, ttl time.Duration, keys ...string) (Lease, error)
}
