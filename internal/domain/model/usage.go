package model

import (
	"fmt"
	"math"
	"time"
)

// Tier is the subscription level of an identity.
type Tier string

const (
	TierFreemium Tier = "freemium"
	TierPremium  Tier = "premium"
)

// ParseTier maps the backend's subscription status onto a Tier. Unknown values are freemium.
func ParseTier(s string) Tier {
	if Tier(s) == TierPremium {
		return TierPremium
	}
	return TierFreemium
}

// UsageSource records which path produced a usage decision.
type UsageSource string

const (
	SourcePremium  UsageSource = "premium"
	SourceRemote   UsageSource = "remote"
	SourceLocal    UsageSource = "local"
	SourceFailOpen UsageSource = "fail_open"
)

// Unlimited is reported as Remaining when no quota applies.
const Unlimited = -1

// RemoteUsage is the backend's authoritative view of an identity's consumption.
type RemoteUsage struct {
	Used    int
	Limit   int
	Tier    Tier
	ResetAt time.Time
}

// UsageCounter is the locally mirrored enhancement counter.
type UsageCounter struct {
	Used        int   `json:"used"`
	Limit       int   `json:"limit"`
	WindowStart int64 `json:"windowStart"`
}

// NewUsageCounter opens a fresh window at now.
func NewUsageCounter(limit int, now time.Time) UsageCounter {
	return UsageCounter{Limit: limit, WindowStart: now.UnixMilli()}
}

func (c UsageCounter) windowStart() time.Time {
	return time.UnixMilli(c.WindowStart)
}

// Rollover returns the counter reset to a new window when the current one has elapsed.
func (c UsageCounter) Rollover(now time.Time, window time.Duration) UsageCounter {
	if now.Sub(c.windowStart()) >= window {
		return UsageCounter{Used: 0, Limit: c.Limit, WindowStart: now.UnixMilli()}
	}
	return c
}

// Allowed reports whether another generation fits in the window.
func (c UsageCounter) Allowed() bool {
	return c.Used < c.Limit
}

// Remaining never goes below zero.
func (c UsageCounter) Remaining() int {
	return max(0, c.Limit-c.Used)
}

// ResetAt is the end of the current window.
func (c UsageCounter) ResetAt(window time.Duration) time.Time {
	return c.windowStart().Add(window)
}

// LimitResult is the outcome of an enhancement quota check.
type LimitResult struct {
	Allowed   bool
	Used      int
	Limit     int
	Remaining int
	ResetAt   time.Time
	Source    UsageSource
}

// UploadLimitResult is the outcome of an upload quota check.
type UploadLimitResult struct {
	Allowed        bool
	Message        string
	HoursUntilNext int
	Remaining      int
	// ReservedAt is the log entry taken by a successful reservation; zero otherwise.
	ReservedAt time.Time
}

// UploadLog is the bounded list of recent upload times in unix milliseconds, oldest first.
type UploadLog []int64

// Append adds at and keeps only the newest capacity entries.
func (l UploadLog) Append(at time.Time, capacity int) UploadLog {
	out := append(append(UploadLog{}, l...), at.UnixMilli())
	if capacity > 0 && len(out) > capacity {
		out = out[len(out)-capacity:]
	}
	return out
}

// Remove drops the first entry recorded at at.
func (l UploadLog) Remove(at time.Time) UploadLog {
	ms := at.UnixMilli()
	out := make(UploadLog, 0, len(l))
	removed := false
	for _, ts := range l {
		if !removed && ts == ms {
			removed = true
			continue
		}
		out = append(out, ts)
	}
	return out
}

// Within returns the timestamps strictly newer than now - window.
func (l UploadLog) Within(now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window).UnixMilli()
	var recent []time.Time
	for _, ts := range l {
		if ts > cutoff {
			recent = append(recent, time.UnixMilli(ts))
		}
	}
	return recent
}

// HoursUntilNext returns how long, in whole hours rounded up, until the oldest of recent leaves the window.
func HoursUntilNext(recent []time.Time, now time.Time, window time.Duration) int {
	if len(recent) == 0 {
		return 0
	}
	oldest := recent[0]
	for _, ts := range recent[1:] {
		if ts.Before(oldest) {
			oldest = ts
		}
	}
	wait := oldest.Add(window).Sub(now)
	return int(math.Ceil(wait.Hours()))
}

// UploadLimitMessage is the text shown when a freemium identity runs out of uploads.
func UploadLimitMessage(limit, hours int) string {
	plural := "s"
	if hours == 1 {
		plural = ""
	}
	return fmt.Sprintf(
		"Free users can upload %d files or screenshots per 24 hours. Please wait %d hour%s or upgrade to Pro for unlimited uploads.",
		limit, hours, plural,
	)
}
