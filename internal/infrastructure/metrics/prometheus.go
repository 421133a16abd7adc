// Package metrics provides Prometheus metrics for observability.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "sumvid"

var (
	// CacheOperationsTotal tracks artifact cache operations.
	// Labels:
	//   - operation: get, put, invalidate, sweep
	//   - status: hit, miss, expired, success, error
	//   - kind: summary, quiz, chat, flashcards, notes ("" for sweep)
	CacheOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_operations_total",
			Help:      "Total number of artifact cache operations",
		},
		[]string{"operation", "status", "kind"},
	)

	// UsageChecksTotal tracks enhancement quota decisions.
	// Labels:
	//   - source: premium, remote, local, fail_open
	//   - result: allowed, denied
	UsageChecksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "usage_checks_total",
			Help:      "Total number of enhancement quota checks",
		},
		[]string{"source", "result"},
	)

	// UploadChecksTotal tracks upload quota decisions.
	// Labels:
	//   - result: allowed, denied
	UploadChecksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upload_checks_total",
			Help:      "Total number of upload quota checks",
		},
		[]string{"result"},
	)

	// RegenerationsTotal tracks generation attempts.
	// Labels:
	//   - kind: summary, quiz, flashcards, chat
	//   - status: completed, busy, limit_reached, failed
	RegenerationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "regenerations_total",
			Help:      "Total number of artifact generations by outcome",
		},
		[]string{"kind", "status"},
	)

	// SingleflightRequestsTotal tracks premium lookup coalescing.
	// Labels:
	//   - result: initiated (new execution), shared (reused result)
	SingleflightRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "singleflight_requests_total",
			Help:      "Total number of singleflight requests",
		},
		[]string{"result"},
	)

	// ArtifactEventsTotal tracks events handled by the worker.
	// Labels:
	//   - action: generated, invalidated, sweep
	ArtifactEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "artifact_events_total",
			Help:      "Total number of artifact events consumed",
		},
		[]string{"action"},
	)

	// RateLimitedTotal counts API requests rejected by the per-caller throttle.
	RateLimitedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_requests_total",
			Help:      "Total number of API requests rejected by rate limiting",
		},
	)
)

// Cache operation status constants.
const (
	CacheStatusHit     = "hit"
	CacheStatusMiss    = "miss"
	CacheStatusExpired = "expired"
	CacheStatusSuccess = "success"
	CacheStatusError   = "error"
)

// Cache operation type constants.
const (
	CacheOpGet        = "get"
	CacheOpPut        = "put"
	CacheOpInvalidate = "invalidate"
	CacheOpSweep      = "sweep"
)

// Quota result constants.
const (
	ResultAllowed = "allowed"
	ResultDenied  = "denied"
)

// Regeneration status constants not covered by usecase values.
const (
	// RegenerationFailed counts backend failures.
	RegenerationFailed = "failed"
	// RegenerationStale counts results not cached because their parent artifact was replaced meanwhile.
	RegenerationStale = "stale"
)

// Singleflight result constants.
const (
	SingleflightInitiated = "initiated"
	SingleflightShared    = "shared"
)

// AllowedLabel maps a quota decision to its label value.
func AllowedLabel(allowed bool) string {
	if allowed {
		return ResultAllowed
	}
	return ResultDenied
}
