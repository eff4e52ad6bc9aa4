package ratelimit

import (
	"context"
	"testing"
	"time"

	"tepmonitor/pkg/tep"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time        { return c.now }
func (c *fakeClock) Sleep(d time.Duration) { c.now = c.now.Add(d) }
func (c *fakeClock) advance(d time.Duration) { c.now = c.now.Add(d) }

func testConfig() tep.RateLimitConfig {
	cfg := tep.DefaultRateLimitConfig()
	cfg.InitialRPS = 2
	cfg.MinRPS = 0.25
	cfg.MaxRPS = 8
	cfg.TokenBucketCapacity = 2
	cfg.MinSamplesToTrip = 2
	cfg.ConsecutiveFailThreshold = 3
	cfg.ErrorRateThreshold = 0.5
	cfg.OpenStateDuration = 5 * time.Second
	cfg.HalfOpenProbes = 1
	cfg.Shards = 4
	cfg.DomainStateTTL = time.Minute
	return cfg
}

func newTestLimiter() (*Limiter, *fakeClock) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	l := NewLimiter(nil, testConfig())
	l.WithClock(clock)
	return l, clock
}

func TestAcquireSucceedsImmediatelyWithinBucketCapacity(t *testing.T) {
	l, _ := newTestLimiter()
	defer l.Close()

	permit, err := l.Acquire(context.Background(), "openai")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	permit.Release()
}

func TestAcquireWaitsWhenBucketExhausted(t *testing.T) {
	l, clock := newTestLimiter()
	defer l.Close()

	for i := 0; i < 2; i++ {
		if _, err := l.Acquire(context.Background(), "openai"); err != nil {
			t.Fatalf("Acquire %d: %v", i, err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := l.Acquire(ctx, "openai")
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	clock.advance(2 * time.Second)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Acquire after wait: %v", err)
		}
	case <-time.After(2 * time.Second):
		cancel()
		t.Fatal("Acquire did not return after bucket refilled")
	}
}

func TestFeedbackDecreasesFillRateOnThrottle(t *testing.T) {
	l, clock := newTestLimiter()
	defer l.Close()

	state := l.getOrCreateState("openai")
	before := state.fillRate

	l.Feedback("openai", Feedback{Throttled: true, Latency: 100 * time.Millisecond})
	_ = clock

	state.mu.Lock()
	after := state.fillRate
	state.mu.Unlock()

	if after >= before {
		t.Fatalf("expected fill rate to decrease: before=%v after=%v", before, after)
	}
}

func TestFeedbackIncreasesFillRateOnSuccess(t *testing.T) {
	l, _ := newTestLimiter()
	defer l.Close()

	state := l.getOrCreateState("openai")
	state.mu.Lock()
	state.fillRate = 1
	state.bucket.setFillRate(1)
	state.mu.Unlock()

	l.Feedback("openai", Feedback{Succeeded: true, Latency: 50 * time.Millisecond})

	state.mu.Lock()
	after := state.fillRate
	state.mu.Unlock()

	if after <= 1 {
		t.Fatalf("expected fill rate to increase above 1, got %v", after)
	}
}

func TestBreakerTripsAfterConsecutiveFailuresAndDeniesAcquire(t *testing.T) {
	l, _ := newTestLimiter()
	defer l.Close()

	for i := 0; i < 3; i++ {
		l.Feedback("anthropic", Feedback{ServerError: true})
	}

	_, err := l.Acquire(context.Background(), "anthropic")
	if err != ErrCircuitOpen {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
}

func TestBreakerHalfOpensAfterOpenDurationAndCloseOnSuccess(t *testing.T) {
	l, clock := newTestLimiter()
	defer l.Close()

	for i := 0; i < 3; i++ {
		l.Feedback("anthropic", Feedback{ServerError: true})
	}
	if _, err := l.Acquire(context.Background(), "anthropic"); err != ErrCircuitOpen {
		t.Fatalf("expected breaker open, got %v", err)
	}

	clock.advance(6 * time.Second)

	if _, err := l.Acquire(context.Background(), "anthropic"); err != nil {
		t.Fatalf("expected half-open probe to be allowed, got %v", err)
	}
	l.Feedback("anthropic", Feedback{Succeeded: true})

	state := l.getOrCreateState("anthropic")
	state.mu.Lock()
	got := state.breaker.state
	state.mu.Unlock()
	if got != circuitClosed {
		t.Fatalf("expected breaker closed after successful probe, got %v", got)
	}
}

func TestSnapshotReportsPerProviderState(t *testing.T) {
	l, _ := newTestLimiter()
	defer l.Close()

	if _, err := l.Acquire(context.Background(), "openai"); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	snap := l.Snapshot()
	if snap.TotalRequests != 1 {
		t.Fatalf("expected TotalRequests=1, got %d", snap.TotalRequests)
	}
	found := false
	for _, p := range snap.Providers {
		if p.Provider == "openai" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected openai in provider snapshot")
	}
}

func TestEvictIdleProvidersRemovesStaleState(t *testing.T) {
	l, clock := newTestLimiter()
	defer l.Close()

	if _, err := l.Acquire(context.Background(), "openai"); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	clock.advance(5 * time.Minute)
	l.evictIdleProviders()

	idx := l.shardIndex("openai")
	shard := l.shards[idx]
	shard.mu.RLock()
	_, ok := shard.providers["openai"]
	shard.mu.RUnlock()
	if ok {
		t.Fatal("expected idle provider state to be evicted")
	}
}

func TestDisabledProviderConfigBypassesLimiting(t *testing.T) {
	cfg := testConfig()
	cfg.Enabled = false
	l := NewLimiter(nil, cfg)
	defer l.Close()

	permit, err := l.Acquire(context.Background(), "openai")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	permit.Release()
	l.Feedback("openai", Feedback{Throttled: true})
}

func TestCloseIsIdempotent(t *testing.T) {
	l, _ := newTestLimiter()
	l.Close()
	l.Close()
}
