package ratelimit

import (
	"math"
	"sync"
	"time"

	"tepmonitor/pkg/tep"
)

const latencyEWMALambda = 0.2

type circuitState int

const (
	circuitClosed circuitState = iota
	circuitOpen
	circuitHalfOpen
)

type circuitBreaker struct {
	state             circuitState
	openedAt          time.Time
	halfOpenSuccesses int
	consecutiveFails  int
}

// providerState is the per-provider adaptive rate limiter and circuit
// breaker: a token bucket whose fill rate is AIMD-adjusted from call
// feedback, plus a sliding error-rate window feeding a three-state
// breaker (closed/open/half-open).
type providerState struct {
	mu sync.Mutex

	bucket   *tokenBucket
	fillRate float64

	latencyEWMA float64
	window      *slidingWindow

	breaker circuitBreaker

	nextEarliest time.Time
	lastActivity time.Time
}

func newProviderState(cfg tep.RateLimitConfig, now time.Time) *providerState {
	fill := clampFloat(cfg.InitialRPS, cfg.MinRPS, cfg.MaxRPS)
	capacity := cfg.TokenBucketCapacity
	if capacity <= 0 {
		capacity = fill
	}
	bucket := newTokenBucket(capacity, fill, now)

	windowDur := cfg.StatsWindow
	if windowDur <= 0 {
		windowDur = 30 * time.Second
	}
	bucketDur := cfg.StatsBucket
	if bucketDur <= 0 {
		bucketDur = 2 * time.Second
	}
	window := newSlidingWindow(windowDur, bucketDur)

	return &providerState{
		bucket:       bucket,
		fillRate:     fill,
		latencyEWMA:  float64(cfg.LatencyTarget),
		window:       window,
		breaker:      circuitBreaker{state: circuitClosed},
		lastActivity: now,
	}
}

// planRequest returns the wait duration before a request may proceed, or
// ErrCircuitOpen if the breaker is tripped.
func (ps *providerState) planRequest(cfg tep.RateLimitConfig, now time.Time) (time.Duration, error) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	ps.lastActivity = now
	if !ps.allowRequestLocked(cfg, now) {
		return 0, ErrCircuitOpen
	}
	if now.Before(ps.nextEarliest) {
		return ps.nextEarliest.Sub(now), nil
	}
	wait, ok := ps.bucket.Reserve(now, 1)
	if ok {
		return 0, nil
	}
	return wait, nil
}

func (ps *providerState) applyFeedback(cfg tep.RateLimitConfig, fb Feedback, now time.Time) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	ps.lastActivity = now
	ps.bucket.refill(now)

	observed := fb.Latency
	if observed <= 0 {
		observed = cfg.LatencyTarget
	}
	ps.latencyEWMA = (1-latencyEWMALambda)*ps.latencyEWMA + latencyEWMALambda*float64(observed)

	shouldDecrease := fb.Throttled || fb.ServerError || fb.Err != nil
	if !shouldDecrease {
		degradeThreshold := time.Duration(float64(cfg.LatencyTarget) * cfg.LatencyDegradeFactor)
		if degradeThreshold <= 0 {
			degradeThreshold = 2 * cfg.LatencyTarget
		}
		if observed >= degradeThreshold {
			shouldDecrease = true
		}
	}

	if shouldDecrease {
		ps.fillRate = math.Max(cfg.MinRPS, ps.fillRate*cfg.AIMDDecrease)
	} else if fb.Succeeded {
		ps.fillRate = math.Min(cfg.MaxRPS, ps.fillRate+cfg.AIMDIncrease)
	}
	ps.bucket.setFillRate(ps.fillRate)

	isError := fb.Err != nil || fb.Throttled || fb.ServerError
	if ps.window != nil {
		ps.window.record(now, 1, boolToInt(isError))
	}

	if isError {
		ps.breaker.consecutiveFails++
	} else if fb.Succeeded {
		ps.breaker.consecutiveFails = 0
	}

	if fb.RetryAfter > 0 {
		retryAt := now.Add(fb.RetryAfter)
		if retryAt.After(ps.nextEarliest) {
			ps.nextEarliest = retryAt
		}
	}

	var total int
	var errorRate float64
	if ps.window != nil {
		total, _ = ps.window.snapshot(now)
		errorRate = ps.window.errorRate(now)
	}

	ps.updateBreakerAfterFeedback(cfg, now, isError, fb.Succeeded, errorRate, total)
}

func (ps *providerState) allowRequestLocked(cfg tep.RateLimitConfig, now time.Time) bool {
	switch ps.breaker.state {
	case circuitClosed:
		return true
	case circuitOpen:
		if now.Sub(ps.breaker.openedAt) >= effectiveOpenDuration(cfg.OpenStateDuration) {
			ps.breaker.state = circuitHalfOpen
			ps.breaker.halfOpenSuccesses = 0
			return true
		}
		return false
	case circuitHalfOpen:
		return true
	default:
		return true
	}
}

func (ps *providerState) updateBreakerAfterFeedback(cfg tep.RateLimitConfig, now time.Time, isError, success bool, errorRate float64, total int) {
	switch ps.breaker.state {
	case circuitClosed:
		minSamples := cfg.MinSamplesToTrip
		if minSamples <= 0 {
			minSamples = 1
		}
		if (cfg.ErrorRateThreshold > 0 && total >= minSamples && errorRate >= cfg.ErrorRateThreshold) ||
			(cfg.ConsecutiveFailThreshold > 0 && ps.breaker.consecutiveFails >= cfg.ConsecutiveFailThreshold) {
			ps.openBreaker(now)
		}
	case circuitOpen:
		if now.Sub(ps.breaker.openedAt) >= effectiveOpenDuration(cfg.OpenStateDuration) {
			ps.breaker.state = circuitHalfOpen
			ps.breaker.halfOpenSuccesses = 0
		}
	case circuitHalfOpen:
		if isError {
			ps.openBreaker(now)
			return
		}
		if success {
			probes := cfg.HalfOpenProbes
			if probes <= 0 {
				probes = 1
			}
			ps.breaker.halfOpenSuccesses++
			if ps.breaker.halfOpenSuccesses >= probes {
				ps.breaker.state = circuitClosed
				ps.breaker.consecutiveFails = 0
				ps.breaker.halfOpenSuccesses = 0
			}
		}
	}
}

func (ps *providerState) openBreaker(now time.Time) {
	ps.breaker.state = circuitOpen
	ps.breaker.openedAt = now
	ps.breaker.halfOpenSuccesses = 0
}

func effectiveOpenDuration(d time.Duration) time.Duration {
	if d <= 0 {
		return 10 * time.Second
	}
	return d
}

func clampFloat(value, min, max float64) float64 {
	if min > 0 && value < min {
		value = min
	}
	if max > 0 && value > max {
		value = max
	}
	return value
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
