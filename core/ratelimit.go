package core

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiterConfig configures a fixed-window RateLimiter.
type RateLimiterConfig struct {
	Limit         int
	Window        time.Duration
	FailurePolicy StoreFailurePolicy
	StoreTimeout  time.Duration
	RetryBackoff  time.Duration
	KeyPrefix     string
}

// RateLimitResult describes one counted request.
type RateLimitResult struct {
	Allowed    bool
	Count      int64
	Limit      int
	Remaining  int
	RetryAfter time.Duration
	// Degraded is set when the counter store could not be reached and the
	// failure policy decided the outcome.
	Degraded bool
}

// RateLimiter enforces a request ceiling per client key over fixed windows
// backed by a shared CounterStore.
//
// A rejected request still counts; the counter is left to expire with its
// window, so a client that keeps hammering stays limited until the window
// ends.
type RateLimiter struct {
	store  CounterStore
	config RateLimiterConfig
	warn   rate.Sometimes
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(store CounterStore, config RateLimiterConfig) *RateLimiter {
	if config.FailurePolicy == "" {
		config.FailurePolicy = FailOpen
	}
	return &RateLimiter{
		store:  store,
		config: config,
		warn:   rate.Sometimes{First: 1, Interval: 30 * time.Second},
	}
}

// Allow reports whether a request from the given key is allowed.
func (rl *RateLimiter) Allow(ctx context.Context, key string) bool {
	result, _ := rl.Check(ctx, key)
	return result.Allowed
}

// Check counts a request for key. A non-nil error means the counter store
// failed; the result then reflects the configured failure policy.
func (rl *RateLimiter) Check(ctx context.Context, key string) (RateLimitResult, error) {
	type counted struct {
		count int64
		ttl   time.Duration
	}
	c, err := storeCall(ctx, rl.config.StoreTimeout, rl.config.RetryBackoff, func(ctx context.Context) (counted, error) {
		count, ttl, err := rl.store.Increment(ctx, rl.config.KeyPrefix+key, rl.config.Window)
		return counted{count, ttl}, err
	})
	if err != nil {
		allowed := rl.config.FailurePolicy == FailOpen
		rl.warn.Do(func() {
			slog.Warn("Rate limit counter store unavailable",
				"policy", rl.config.FailurePolicy,
				"allowed", allowed,
				"error", err)
		})
		return RateLimitResult{
			Allowed:    allowed,
			Limit:      rl.config.Limit,
			RetryAfter: rl.config.Window,
			Degraded:   true,
		}, err
	}

	result := RateLimitResult{
		Allowed:    c.count <= int64(rl.config.Limit),
		Count:      c.count,
		Limit:      rl.config.Limit,
		Remaining:  max(rl.config.Limit-int(c.count), 0),
		RetryAfter: c.ttl,
	}
	if result.RetryAfter <= 0 {
		result.RetryAfter = rl.config.Window
	}
	return result, nil
}

// Exhausted reports whether key has already used its whole budget for the
// current window, without counting a request. Store failures follow the
// failure policy.
func (rl *RateLimiter) Exhausted(ctx context.Context, key string) (bool, error) {
	count, err := storeCall(ctx, rl.config.StoreTimeout, rl.config.RetryBackoff, func(ctx context.Context) (int64, error) {
		return rl.store.Count(ctx, rl.config.KeyPrefix+key)
	})
	if err != nil {
		exhausted := rl.config.FailurePolicy == FailClosed
		rl.warn.Do(func() {
			slog.Warn("Rate limit counter store unavailable",
				"policy", rl.config.FailurePolicy,
				"allowed", !exhausted,
				"error", err)
		})
		return exhausted, err
	}
	return count >= int64(rl.config.Limit), nil
}

// Limit returns the configured request ceiling.
func (rl *RateLimiter) Limit() int { return rl.config.Limit }

// MemoryCounterStore is an in-process CounterStore for single-instance
// deployments and tests.
type MemoryCounterStore struct {
	mu       sync.Mutex
	counters map[string]*memoryCounter
	now      func() time.Time
}

type memoryCounter struct {
	count     int64
	expiresAt time.Time
}

// NewMemoryCounterStore creates an in-process counter store. now may be nil.
func NewMemoryCounterStore(now func() time.Time) *MemoryCounterStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryCounterStore{
		counters: make(map[string]*memoryCounter),
		now:      now,
	}
}

// Increment implements CounterStore.
func (s *MemoryCounterStore) Increment(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	if err := ctx.Err(); err != nil {
		return 0, 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	c, ok := s.counters[key]
	if !ok || !now.Before(c.expiresAt) {
		c = &memoryCounter{expiresAt: now.Add(window)}
		s.counters[key] = c
	}
	c.count++
	return c.count, c.expiresAt.Sub(now), nil
}

// Count implements CounterStore.
func (s *MemoryCounterStore) Count(ctx context.Context, key string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.counters[key]
	if !ok || !s.now().Before(c.expiresAt) {
		return 0, nil
	}
	return c.count, nil
}

// Cleanup removes expired counters to prevent memory leaks
func (s *MemoryCounterStore) Cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for key, c := range s.counters {
		if !now.Before(c.expiresAt) {
			delete(s.counters, key)
		}
	}
}
