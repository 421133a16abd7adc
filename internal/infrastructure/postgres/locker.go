package postgres

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/hszk-dev/sumvid/internal/domain/repository"
)

// AdvisoryLocker implements repository.Locker with transaction-scoped advisory locks.
// A lease keeps its transaction open; ending it frees the locks, and so does a dropped
// connection, so the ttl is not needed.
type AdvisoryLocker struct {
	db DBTX
}

// NewAdvisoryLocker creates a new AdvisoryLocker.
func NewAdvisoryLocker(db DBTX) *AdvisoryLocker {
	return &AdvisoryLocker{db: db}
}

// TryLock takes keys in sorted order inside a new transaction.
func (l *AdvisoryLocker) TryLock(ctx context.Context, _ time.Duration, keys ...string) (repository.Lease, error) {
	const query = `SELECT pg_try_advisory_xact_lock(hashtextextended($1, 0))`

	tx, err := l.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin lock transaction: %w", err)
	}
	lease := &advisoryLease{tx: tx}

	for _, k := range sortedUnique(keys) {
		var locked bool
		if err := tx.QueryRow(ctx, query, k).Scan(&locked); err != nil {
			err = fmt.Errorf("failed to acquire lock %s: %w", k, err)
			return nil, errors.Join(err, lease.Release(context.WithoutCancel(ctx)))
		}
		if !locked {
			if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
				return nil, err
			}
			return nil, repository.ErrLockHeld
		}
	}

	return lease, nil
}

type advisoryLease struct {
	tx pgx.Tx
}

func (l *advisoryLease) Release(ctx context.Context) error {
	if l.tx == nil {
		return nil
	}
	tx := l.tx
	l.tx = nil
	if err := tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return fmt.Errorf("failed to release locks: %w", err)
	}
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

// Compile-time verification that AdvisoryLocker implements repository.Locker.
var _ repository.Locker = (*AdvisoryLocker)(nil)
