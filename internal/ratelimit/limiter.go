package ratelimit

import (
	"strings"
	"sync"
	"time"
)

// Class buckets requests by how much damage a burst can do. Sensitive paths
// (token, link-code, and membership management) override the method-derived
// class.
type Class string

const (
	ClassDefault   Class = "default"
	ClassRead      Class = "read"
	ClassWrite     Class = "write"
	ClassSensitive Class = "sensitive"
)

// Limit is a fixed-window ceiling for one class.
type Limit struct {
	MaxRequests int
	Window      time.Duration
}

// DefaultLimits returns the per-class ceilings used in production.
func DefaultLimits() map[Class]Limit {
	return map[Class]Limit{
		ClassDefault:   {MaxRequests: 60, Window: time.Minute},
		ClassRead:      {MaxRequests: 120, Window: time.Minute},
		ClassWrite:     {MaxRequests: 30, Window: time.Minute},
		ClassSensitive: {MaxRequests: 10, Window: time.Minute},
	}
}

// Classify maps an HTTP method and path to a throttling class.
func Classify(method, path string) Class {
	if strings.Contains(path, "/agent-token") ||
		strings.Contains(path, "/agent/") ||
		strings.Contains(path, "/members") {
		return ClassSensitive
	}
	switch method {
	case "GET", "HEAD":
		return ClassRead
	case "POST", "PUT", "PATCH", "DELETE":
		return ClassWrite
	default:
		return ClassDefault
	}
}

// Decision reports the outcome of an admission check. RetryAfter is in
// whole seconds, always positive on denial.
type Decision struct {
	Allowed    bool
	RetryAfter int
}

// The counter table is process-local and non-durable: under multiple
// instances the limits are approximate by design.
const defaultSweepThreshold = 10000

// LimiterConfig describes the knobs of the fixed-window limiter.
type LimiterConfig struct {
	Limits         map[Class]Limit
	Clock          func() time.Time
	SweepThreshold int
}

// Limiter throttles requests per (identity, class) with fixed windows.
type Limiter struct {
	mu             sync.Mutex
	entries        map[string]*windowEntry
	limits         map[Class]Limit
	now            func() time.Time
	sweepThreshold int
}

type windowEntry struct {
	count   int
	resetAt time.Time
}

// NewLimiter constructs the limiter.
func NewLimiter(cfg LimiterConfig) *Limiter {
	limits := cfg.Limits
	if len(limits) == 0 {
		limits = DefaultLimits()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	threshold := cfg.SweepThreshold
	if threshold <= 0 {
		threshold = defaultSweepThreshold
	}
	return &Limiter{
		entries:        make(map[string]*windowEntry),
		limits:         limits,
		now:            clock,
		sweepThreshold: threshold,
	}
}

// Allow admits or denies one request for the identity in the given class.
// The first request of a window counts 1 and pins the reset time; expired
// windows reset transparently on the next access.
func (l *Limiter) Allow(identityKey string, class Class) Decision {
	limit, ok := l.limits[class]
	if !ok {
		limit = l.limits[ClassDefault]
	}
	if limit.MaxRequests <= 0 {
		return Decision{Allowed: true}
	}

	key := identityKey + "|" + string(class)
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	entry, exists := l.entries[key]
	if !exists || !now.Before(entry.resetAt) {
		if len(l.entries) >= l.sweepThreshold {
			l.sweepLocked(now)
		}
		l.entries[key] = &windowEntry{count: 1, resetAt: now.Add(limit.Window)}
		return Decision{Allowed: true}
	}

	entry.count++
	if entry.count > limit.MaxRequests {
		retryAfter := int((entry.resetAt.Sub(now) + time.Second - 1) / time.Second)
		if retryAfter < 1 {
			retryAfter = 1
		}
		return Decision{Allowed: false, RetryAfter: retryAfter}
	}
	return Decision{Allowed: true}
}

// Size reports the number of live counter entries.
func (l *Limiter) Size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

func (l *Limiter) sweepLocked(now time.Time) {
	for key, entry := range l.entries {
		if !now.Before(entry.resetAt) {
			delete(l.entries, key)
		}
	}
}
