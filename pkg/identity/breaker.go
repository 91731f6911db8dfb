package identity

import (
	"context"
	"sync"
	"time"
)

type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

// CircuitBreakerVerifier wraps a Verifier and stops calling the provider
// after consecutive SERVICE_UNAVAILABLE outcomes. While the breaker is open,
// Verify short-circuits to SERVICE_UNAVAILABLE with a retry hint covering the
// remaining cool-down, so a dead provider costs nothing per submission.
//
// A half-open probe is let through after the cool-down; its outcome closes or
// re-opens the breaker.
type CircuitBreakerVerifier struct {
	inner     Verifier
	threshold int
	cooldown  time.Duration
	clock     func() time.Time

	mu       sync.Mutex
	state    breakerState
	failures int
	openedAt time.Time
}

// NewCircuitBreakerVerifier trips after threshold consecutive unavailable
// verdicts and stays open for cooldown.
func NewCircuitBreakerVerifier(inner Verifier, threshold int, cooldown time.Duration) *CircuitBreakerVerifier {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 10 * time.Second
	}
	return &CircuitBreakerVerifier{
		inner:     inner,
		threshold: threshold,
		cooldown:  cooldown,
		clock:     time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (b *CircuitBreakerVerifier) WithClock(clock func() time.Time) *CircuitBreakerVerifier {
	b.clock = clock
	return b
}

func (b *CircuitBreakerVerifier) Verify(ctx context.Context, signerID string) (Verification, error) {
	if remaining, open := b.allow(); !open {
		return Verification{Status: StatusUnavailable, RetryAfter: remaining}, nil
	}

	ver, err := b.inner.Verify(ctx, signerID)
	if err != nil {
		// Caller-side errors (cancellation) say nothing about provider
		// health; pass through without touching the counter.
		return ver, err
	}

	if ver.Status == StatusUnavailable {
		b.recordFailure()
	} else {
		b.recordSuccess()
	}
	return ver, nil
}

// allow reports whether a call may proceed. When the breaker is open it
// returns the remaining cool-down instead.
func (b *CircuitBreakerVerifier) allow() (time.Duration, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != breakerOpen {
		return 0, true
	}
	elapsed := b.clock().Sub(b.openedAt)
	if elapsed >= b.cooldown {
		b.state = breakerHalfOpen
		return 0, true
	}
	return b.cooldown - elapsed, false
}

func (b *CircuitBreakerVerifier) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = breakerClosed
	b.failures = 0
}

func (b *CircuitBreakerVerifier) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	if b.state == breakerHalfOpen || b.failures >= b.threshold {
		b.state = breakerOpen
		b.openedAt = b.clock()
		b.failures = 0
	}
}
