package repository

import "errors"

var (
	// ErrUnauthorized is returned when the backend rejects the bearer token (HTTP 401).
	// Callers must clear the stored token and prompt for a new login.
	ErrUnauthorized = errors.New("authentication expired")

	// ErrRateLimited is returned when the backend answers HTTP 429.
	ErrRateLimited = errors.New("rate limited by backend")

	// ErrBackendUnavailable is returned for transport failures and timeouts.
	ErrBackendUnavailable = errors.New("backend unavailable")

	// ErrBackendStatus is returned for any other non-2xx backend response.
	ErrBackendStatus = errors.New("unexpected backend status")

	// ErrObjectNotFound is returned when a stored object does not exist.
	ErrObjectNotFound = errors.New("object not found")

	// ErrBucketNotFound is returned when the configured bucket does not exist.
	ErrBucketNotFound = errors.New("bucket not found")

	// ErrLockHeld is returned by Locker.TryLock when any requested key is taken.
	ErrLockHeld = errors.New("lock held by another owner")
)
