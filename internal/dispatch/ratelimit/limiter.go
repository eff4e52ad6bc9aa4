// Package ratelimit provides the per-provider adaptive rate limiter and
// circuit breaker used by the LLM Dispatcher (§4.F): an AIMD token bucket
// and a three-state breaker, sharded by provider name over an FNV hash so
// a busy provider's lock contention never touches another's state.
package ratelimit

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"
	"time"

	"tepmonitor/pkg/tep"
)

// ErrCircuitOpen is returned by Acquire when the named provider's breaker
// is tripped.
var ErrCircuitOpen = errors.New("ratelimit: circuit open")

// Feedback reports one call's outcome back to the limiter so it can adapt
// the provider's rate and breaker state.
type Feedback struct {
	Succeeded   bool
	Throttled   bool
	ServerError bool
	Latency     time.Duration
	Err         error
	RetryAfter  time.Duration
}

// Permit is released once the caller's request has completed; the current
// implementation requires no cleanup but keeps the call site symmetric
// with acquire/release patterns elsewhere in the codebase.
type Permit interface{ Release() }

type immediatePermit struct{}

func (immediatePermit) Release() {}

// ProviderSummary is one provider's rate/breaker snapshot.
type ProviderSummary struct {
	Provider     string
	FillRate     float64
	CircuitState string
	LastActivity time.Time
}

// Snapshot aggregates limiter-wide counters for the status endpoint.
type Snapshot struct {
	TotalRequests    int64
	Throttled        int64
	Denied           int64
	OpenCircuits     int64
	HalfOpenCircuits int64
	Providers        []ProviderSummary
}

// Limiter is the per-provider adaptive limiter. It is safe for concurrent
// use by multiple goroutines issuing calls to different providers.
type Limiter struct {
	cfgs  map[string]tep.RateLimitConfig
	clock Clock

	shards []*providerShard
	mask   uint64

	metricsMu sync.Mutex
	metrics   Snapshot

	stopCh        chan struct{}
	evictWG       sync.WaitGroup
	evictInterval time.Duration
	stopOnce      sync.Once
}

type providerShard struct {
	mu        sync.RWMutex
	providers map[string]*providerState
}

// NewLimiter constructs a Limiter. cfgs maps provider name to its
// rate-limit tuning; a provider not present in cfgs uses defaultCfg.
func NewLimiter(cfgs map[string]tep.RateLimitConfig, defaultCfg tep.RateLimitConfig) *Limiter {
	shardCount := defaultCfg.Shards
	if shardCount <= 0 || (shardCount&(shardCount-1)) != 0 {
		shardCount = 16
	}
	shards := make([]*providerShard, shardCount)
	for i := range shards {
		shards[i] = &providerShard{providers: make(map[string]*providerState)}
	}

	merged := make(map[string]tep.RateLimitConfig, len(cfgs)+1)
	merged["__default__"] = defaultCfg
	for name, cfg := range cfgs {
		merged[name] = cfg
	}

	ttl := defaultCfg.DomainStateTTL
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	interval := ttl / 2
	if interval <= 0 {
		interval = time.Minute
	}

	l := &Limiter{
		cfgs:          merged,
		clock:         realClock{},
		shards:        shards,
		mask:          uint64(shardCount - 1),
		stopCh:        make(chan struct{}),
		evictInterval: interval,
	}
	l.startEvictionLoop()
	return l
}

// WithClock overrides the limiter's clock, for deterministic tests.
func (l *Limiter) WithClock(clock Clock) *Limiter {
	if clock != nil {
		l.clock = clock
	}
	return l
}

func (l *Limiter) configFor(provider string) tep.RateLimitConfig {
	if cfg, ok := l.cfgs[provider]; ok {
		return cfg
	}
	return l.cfgs["__default__"]
}

func (l *Limiter) shardIndex(provider string) uint64 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(provider))
	return uint64(h.Sum32()) & l.mask
}

func (l *Limiter) getOrCreateState(provider string) *providerState {
	idx := l.shardIndex(provider)
	shard := l.shards[idx]
	shard.mu.RLock()
	state := shard.providers[provider]
	shard.mu.RUnlock()
	if state != nil {
		return state
	}
	shard.mu.Lock()
	defer shard.mu.Unlock()
	if state = shard.providers[provider]; state == nil {
		state = newProviderState(l.configFor(provider), l.clock.Now())
		shard.providers[provider] = state
	}
	return state
}

func (l *Limiter) withMetrics(mutator func(*Snapshot)) {
	l.metricsMu.Lock()
	mutator(&l.metrics)
	l.metricsMu.Unlock()
}

// Acquire blocks (cooperatively, honoring ctx) until provider is allowed to
// proceed, or returns ErrCircuitOpen / ctx.Err().
func (l *Limiter) Acquire(ctx context.Context, provider string) (Permit, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg := l.configFor(provider)
	if !cfg.Enabled {
		return immediatePermit{}, nil
	}
	state := l.getOrCreateState(provider)
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		now := l.clock.Now()
		wait, err := state.planRequest(cfg, now)
		if err != nil {
			if errors.Is(err, ErrCircuitOpen) {
				l.withMetrics(func(m *Snapshot) { m.Denied++ })
			}
			return nil, err
		}
		if wait <= 0 {
			l.withMetrics(func(m *Snapshot) { m.TotalRequests++ })
			return immediatePermit{}, nil
		}
		l.withMetrics(func(m *Snapshot) { m.Throttled++ })
		if !sleepWithContext(ctx, l.clock, wait) {
			return nil, ctx.Err()
		}
	}
}

// Feedback reports a completed call's outcome for provider.
func (l *Limiter) Feedback(provider string, fb Feedback) {
	cfg := l.configFor(provider)
	if !cfg.Enabled {
		return
	}
	state := l.getOrCreateState(provider)
	state.applyFeedback(cfg, fb, l.clock.Now())
}

// Snapshot reports aggregate and per-provider limiter state.
func (l *Limiter) Snapshot() Snapshot {
	base := func() Snapshot {
		l.metricsMu.Lock()
		defer l.metricsMu.Unlock()
		return l.metrics
	}()

	var open, halfOpen int64
	var providers []ProviderSummary
	for _, shard := range l.shards {
		shard.mu.RLock()
		for name, state := range shard.providers {
			state.mu.Lock()
			switch state.breaker.state {
			case circuitOpen:
				open++
			case circuitHalfOpen:
				halfOpen++
			}
			cs := "closed"
			switch state.breaker.state {
			case circuitOpen:
				cs = "open"
			case circuitHalfOpen:
				cs = "half-open"
			}
			providers = append(providers, ProviderSummary{
				Provider: name, FillRate: state.fillRate, CircuitState: cs, LastActivity: state.lastActivity,
			})
			state.mu.Unlock()
		}
		shard.mu.RUnlock()
	}
	base.OpenCircuits = open
	base.HalfOpenCircuits = halfOpen
	base.Providers = providers
	return base
}

func (l *Limiter) startEvictionLoop() {
	l.evictWG.Add(1)
	go l.evictLoop()
}

func (l *Limiter) evictLoop() {
	defer l.evictWG.Done()
	ticker := time.NewTicker(l.evictInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.evictIdleProviders()
		case <-l.stopCh:
			return
		}
	}
}

func (l *Limiter) evictIdleProviders() {
	ttl := l.cfgs["__default__"].DomainStateTTL
	if ttl <= 0 {
		return
	}
	now := l.clock.Now()
	for _, shard := range l.shards {
		shard.mu.Lock()
		for name, state := range shard.providers {
			state.mu.Lock()
			idle := now.Sub(state.lastActivity)
			state.mu.Unlock()
			if idle >= ttl {
				delete(shard.providers, name)
			}
		}
		shard.mu.Unlock()
	}
}

// Close stops the background eviction loop. Safe to call multiple times.
func (l *Limiter) Close() error {
	l.stopOnce.Do(func() {
		close(l.stopCh)
		l.evictWG.Wait()
	})
	return nil
}

func sleepWithContext(ctx context.Context, clock Clock, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	if ctx == nil {
		clock.Sleep(d)
		return true
	}
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
