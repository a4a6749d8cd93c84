package modectl

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/MythologIQ/qorelogic/pkg/contracts"
)

// Policy caps per-agent admission rates.
type Policy struct {
	PerMinute int
	Burst     int
}

// LimiterStore abstracts the token-bucket state so a single process can use
// process memory while a fleet shares Redis.
type LimiterStore interface {
	// Allow reports whether agentID may spend cost tokens under policy.
	Allow(ctx context.Context, agentID string, policy Policy, cost int) (bool, error)
}

// TokenBucket is one agent's refillable budget.
type TokenBucket struct {
	mu         sync.Mutex
	tokens     float64
	capacity   float64
	refillRate float64 // tokens per second
	lastRefill time.Time
	clock      func() time.Time
}

// NewTokenBucket builds a full bucket refilling at ratePerSec.
func NewTokenBucket(ratePerSec float64, capacity int, clock func() time.Time) *TokenBucket {
	if clock == nil {
		clock = time.Now
	}
	return &TokenBucket{
		tokens:     float64(capacity),
		capacity:   float64(capacity),
		refillRate: ratePerSec,
		lastRefill: clock(),
		clock:      clock,
	}
}

// Allow refills by elapsed time and consumes cost if available.
func (tb *TokenBucket) Allow(cost int) bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := tb.clock()
	elapsed := now.Sub(tb.lastRefill).Seconds()
	tb.tokens += elapsed * tb.refillRate
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
	tb.lastRefill = now

	if tb.tokens >= float64(cost) {
		tb.tokens -= float64(cost)
		return true
	}
	return false
}

// MemoryLimiter keeps one bucket per agent in process memory. Suitable for
// the default single-node deployment.
type MemoryLimiter struct {
	mu      sync.Mutex
	buckets map[string]*TokenBucket
	clock   func() time.Time
}

// NewMemoryLimiter builds an empty in-process limiter. clock is optional.
func NewMemoryLimiter(clock func() time.Time) *MemoryLimiter {
	if clock == nil {
		clock = time.Now
	}
	return &MemoryLimiter{buckets: make(map[string]*TokenBucket), clock: clock}
}

// Allow implements LimiterStore.
func (s *MemoryLimiter) Allow(_ context.Context, agentID string, policy Policy, cost int) (bool, error) {
	s.mu.Lock()
	tb, ok := s.buckets[agentID]
	if !ok {
		rate := float64(policy.PerMinute) / 60.0
		if rate <= 0 {
			rate = 1
		}
		burst := policy.Burst
		if burst <= 0 {
			burst = 1
		}
		tb = NewTokenBucket(rate, burst, s.clock)
		s.buckets[agentID] = tb
	}
	s.mu.Unlock()

	return tb.Allow(cost), nil
}

// Throttle checks the limiter and wraps a denial in a caller-friendly error.
// A nil store admits everything: per-agent limiting is optional.
func Throttle(ctx context.Context, store LimiterStore, agentID string, policy Policy) error {
	if store == nil {
		return nil
	}
	allowed, err := store.Allow(ctx, agentID, policy, 1)
	if err != nil {
		return fmt.Errorf("modectl: limiter check: %w", err)
	}
	if !allowed {
		return contracts.NewError(contracts.KindQueueFull,
			"rate limit exceeded for %s", agentID)
	}
	return nil
}
