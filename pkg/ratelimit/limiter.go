// Package ratelimit provides per-signer sliding-window admission control for
// co-sign attempts.
//
// The window is approximated with fixed one-minute buckets: Check sums every
// bucket whose start falls within the trailing window, Record increments the
// current bucket with an atomic upsert. Budget is consumed on success only;
// the orchestrator calls Record strictly after the signature has persisted.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

const (
	// DefaultLimit is the per-signer budget within one window.
	DefaultLimit = 50

	// DefaultWindow is the trailing window duration.
	DefaultWindow = 60 * time.Minute

	// bucketGranularity is the fixed bucket size.
	bucketGranularity = time.Minute
)

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed   bool
	Current   int64
	Limit     int64
	Remaining int64
	ResetAt   time.Time
}

// Limiter is the admission-control contract the orchestrator depends on.
type Limiter interface {
	// Check reports whether the signer has budget left. It never mutates
	// state.
	Check(ctx context.Context, signerID string) (Decision, error)

	// Record consumes one unit of budget for the signer.
	Record(ctx context.Context, signerID string) error

	Limit() int64
	Window() time.Duration
}

// decide derives the Decision fields from a bucket sum and the oldest counted
// bucket. Remaining is clamped at zero; ResetAt is when the oldest counted
// bucket falls out of the window, conservatively now+window when the signer
// has no recorded events.
func decide(now time.Time, current int64, oldest time.Time, limit int64, window time.Duration) Decision {
	d := Decision{
		Allowed: current < limit,
		Current: current,
		Limit:   limit,
	}
	if remaining := limit - current; remaining > 0 {
		d.Remaining = remaining
	}
	if current > 0 && !oldest.IsZero() {
		d.ResetAt = oldest.Add(window)
	} else {
		d.ResetAt = now.Add(window)
	}
	return d
}

// MemoryLimiter is an in-process Limiter. It is the default for tests and for
// single-node deployments without a shared database or Redis.
type MemoryLimiter struct {
	mu      sync.Mutex
	buckets map[string]map[int64]int64 // signerID -> bucket start unix -> count
	limit   int64
	window  time.Duration
	clock   func() time.Time
}

func NewMemoryLimiter(limit int64, window time.Duration) *MemoryLimiter {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if window <= 0 {
		window = DefaultWindow
	}
	return &MemoryLimiter{
		buckets: make(map[string]map[int64]int64),
		limit:   limit,
		window:  window,
		clock:   time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (l *MemoryLimiter) WithClock(clock func() time.Time) *MemoryLimiter {
	l.clock = clock
	return l
}

func (l *MemoryLimiter) Check(_ context.Context, signerID string) (Decision, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock()
	cutoff := now.Add(-l.window)

	var current int64
	var oldest time.Time
	for start, count := range l.buckets[signerID] {
		t := time.Unix(start, 0)
		if t.Before(cutoff) {
			// Expired bucket; prune opportunistically.
			delete(l.buckets[signerID], start)
			continue
		}
		current += count
		if oldest.IsZero() || t.Before(oldest) {
			oldest = t
		}
	}
	return decide(now, current, oldest, l.limit, l.window), nil
}

func (l *MemoryLimiter) Record(_ context.Context, signerID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	start := l.clock().Truncate(bucketGranularity).Unix()
	if l.buckets[signerID] == nil {
		l.buckets[signerID] = make(map[int64]int64)
	}
	l.buckets[signerID][start]++
	return nil
}

func (l *MemoryLimiter) Limit() int64          { return l.limit }
func (l *MemoryLimiter) Window() time.Duration { return l.window }
