package core

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// failingCounterStore always errors.
type failingCounterStore struct{ calls atomic.Int32 }

func (s *failingCounterStore) Count(context.Context, string) (int64, error) {
	return 0, errors.New("counter store unreachable")
}

func (s *failingCounterStore) Increment(context.Context, string, time.Duration) (int64, time.Duration, error) {
	s.calls.Add(1)
	return 0, 0, errors.New("connection refused")
}

func newTestLimiter(store CounterStore, limit int, policy StoreFailurePolicy) *RateLimiter {
	return NewRateLimiter(store, RateLimiterConfig{
		Limit:         limit,
		Window:        time.Minute,
		FailurePolicy: policy,
		StoreTimeout:  time.Second,
	})
}

func TestRateLimiter_Ceiling(t *testing.T) {
	ctx := context.Background()
	limiter := newTestLimiter(NewMemoryCounterStore(nil), 10, FailOpen)

	allowed, rejected := 0, 0
	for i := 0; i < 15; i++ {
		if limiter.Allow(ctx, "203.0.113.10") {
			allowed++
		} else {
			rejected++
		}
	}
	if allowed != 10 || rejected != 5 {
		t.Errorf("Expected 10 allowed and 5 rejected, got %d and %d", allowed, rejected)
	}

	// Keys are independent.
	if !limiter.Allow(ctx, "198.51.100.7") {
		t.Error("Expected a different client to be allowed")
	}
}

func TestRateLimiter_WindowReset(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	limiter := newTestLimiter(NewMemoryCounterStore(clock.Now), 2, FailOpen)

	limiter.Allow(ctx, "a")
	limiter.Allow(ctx, "a")
	result, err := limiter.Check(ctx, "a")
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if result.Allowed {
		t.Fatal("Expected the third request to be rejected")
	}
	if result.RetryAfter != time.Minute {
		t.Errorf("Expected RetryAfter of a full window, got %v", result.RetryAfter)
	}

	clock.Advance(40 * time.Second)
	result, _ = limiter.Check(ctx, "a")
	if result.Allowed || result.RetryAfter != 20*time.Second {
		t.Errorf("Expected rejection with 20s left, got %+v", result)
	}

	clock.Advance(20 * time.Second)
	result, _ = limiter.Check(ctx, "a")
	if !result.Allowed || result.Count != 1 || result.Remaining != 1 {
		t.Errorf("Expected a fresh window, got %+v", result)
	}
}

func TestRateLimiter_FailurePolicy(t *testing.T) {
	ctx := context.Background()

	t.Run("fail_open", func(t *testing.T) {
		limiter := newTestLimiter(&failingCounterStore{}, 10, FailOpen)
		result, err := limiter.Check(ctx, "a")
		if err == nil {
			t.Error("Expected the store error to be reported")
		}
		if !result.Allowed || !result.Degraded {
			t.Errorf("Expected a degraded allow, got %+v", result)
		}
	})

	t.Run("fail_closed", func(t *testing.T) {
		limiter := newTestLimiter(&failingCounterStore{}, 10, FailClosed)
		if limiter.Allow(ctx, "a") {
			t.Error("Expected rejection while the store is down")
		}
	})

	t.Run("retries_once", func(t *testing.T) {
		store := &failingCounterStore{}
		limiter := newTestLimiter(store, 10, FailOpen)
		limiter.Allow(ctx, "a")
		if got := store.calls.Load(); got != 2 {
			t.Errorf("Expected one retry, got %d calls", got)
		}
	})
}

func TestRateLimiter_Exhausted(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	limiter := newTestLimiter(NewMemoryCounterStore(clock.Now), 2, FailOpen)

	for i := 0; i < 2; i++ {
		if exhausted, _ := limiter.Exhausted(ctx, "a"); exhausted {
			t.Fatalf("Expected budget left before request %d", i+1)
		}
		limiter.Allow(ctx, "a")
	}
	if exhausted, _ := limiter.Exhausted(ctx, "a"); !exhausted {
		t.Error("Expected the budget to be used up")
	}
	// Exhausted only reads the counter.
	if exhausted, _ := limiter.Exhausted(ctx, "b"); exhausted {
		t.Error("Expected an untouched key to have budget")
	}
	if result, _ := limiter.Check(ctx, "b"); result.Count != 1 {
		t.Errorf("Expected Exhausted not to count, got %d", result.Count)
	}

	clock.Advance(time.Minute)
	if exhausted, _ := limiter.Exhausted(ctx, "a"); exhausted {
		t.Error("Expected a new window to reset the budget")
	}

	closed := newTestLimiter(&failingCounterStore{}, 2, FailClosed)
	if exhausted, err := closed.Exhausted(ctx, "a"); !exhausted || err == nil {
		t.Errorf("Expected a fail-closed limiter to report exhaustion, got %v, %v", exhausted, err)
	}
}

func TestRateLimiter_Concurrent(t *testing.T) {
	ctx := context.Background()
	limiter := newTestLimiter(NewMemoryCounterStore(nil), 50, FailOpen)

	var allowed atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if limiter.Allow(ctx, "shared") {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()
	if allowed.Load() != 50 {
		t.Errorf("Expected exactly 50 allowed, got %d", allowed.Load())
	}
}

func TestMemoryCounterStore_Cleanup(t *testing.T) {
	clock := newTestClock()
	store := NewMemoryCounterStore(clock.Now)
	store.Increment(context.Background(), "a", time.Minute)
	store.Increment(context.Background(), "b", time.Hour)

	clock.Advance(2 * time.Minute)
	store.Cleanup()

	store.mu.Lock()
	defer store.mu.Unlock()
	if _, ok := store.counters["a"]; ok {
		t.Error("Expected expired counter to be removed")
	}
	if _, ok := store.counters["b"]; !ok {
		t.Error("Expected live counter to be kept")
	}
}
