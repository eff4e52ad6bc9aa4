// Package dispatch implements the LLM Dispatcher (§4.F): a single-worker,
// debounced queue that turns an AnomalyEvent trigger into an AnalysisRecord
// by calling every configured provider in parallel and persisting the
// result.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"tepmonitor/internal/dispatch/ratelimit"
	"tepmonitor/internal/llm"
	"tepmonitor/internal/telemetry/events"
	"tepmonitor/pkg/tep"
)

// Store is the subset of the Analysis Store the Dispatcher needs.
type Store interface {
	Append(record tep.AnalysisRecord) error
}

// Publisher is the subset of the SSE Broadcaster the Dispatcher needs.
type Publisher interface {
	Publish(kind, id string, payload any) error
}

// PromptContext is the snapshot handed to every provider for one dispatch.
type PromptContext struct {
	EventID       string
	Step          int64
	Frame         tep.SensorFrame
	TopFeatures   []tep.FeatureShare
	SpeedPreset   tep.SpeedPreset
	PromptSummary string
}

// Config tunes debouncing, coalescing, and per-provider timeouts.
type Config struct {
	QueueDepth       int
	MinInterval      time.Duration
	JaccardThreshold float64
	ProviderTimeout  time.Duration
}

// DefaultConfig matches the documented defaults (queue 16, 70s min
// interval, J_threshold 1.0, 30s per-provider timeout).
func DefaultConfig() Config {
	return Config{
		QueueDepth:       16,
		MinInterval:      70 * time.Second,
		JaccardThreshold: 1.0,
		ProviderTimeout:  30 * time.Second,
	}
}

type namedProvider struct {
	provider llm.Provider
	opts     llm.Options
}

// Dispatcher owns the single work queue, the debounce timer, and the
// per-event Jaccard gate.
type Dispatcher struct {
	cfg       Config
	providers []namedProvider
	limiter   *ratelimit.Limiter
	store     Store
	publisher Publisher
	bus       events.Bus

	queue  chan PromptContext
	stopCh chan struct{}
	wg     sync.WaitGroup

	mu              sync.Mutex
	lastDispatchAt  time.Time
	pending         *PromptContext
	pendingTimer    *time.Timer
	lastFeaturesFor map[string][]string // eventID -> feature names last dispatched

	recordSeq int64

	clock func() time.Time
}

// New constructs a Dispatcher with one worker goroutine already running.
func New(cfg Config, providers []llm.Provider, limiter *ratelimit.Limiter, store Store, publisher Publisher, bus events.Bus) *Dispatcher {
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 16
	}
	named := make([]namedProvider, 0, len(providers))
	for _, p := range providers {
		named = append(named, namedProvider{provider: p, opts: llm.Options{Timeout: cfg.ProviderTimeout}})
	}
	d := &Dispatcher{
		cfg:             cfg,
		providers:       named,
		limiter:         limiter,
		store:           store,
		publisher:       publisher,
		bus:             bus,
		queue:           make(chan PromptContext, cfg.QueueDepth),
		stopCh:          make(chan struct{}),
		lastFeaturesFor: make(map[string][]string),
		clock:           time.Now,
	}
	d.wg.Add(1)
	go d.worker()
	return d
}

// QueueDepth reports how many dispatches are currently queued (not counting
// the in-flight one the worker holds).
func (d *Dispatcher) QueueDepth() int {
	return len(d.queue)
}

// Submit evaluates the debounce/coalesce/Jaccard gate for a new trigger and,
// if it passes, enqueues or schedules the dispatch. It never blocks the
// caller (the detector's event-change callback) for longer than a lock
// acquisition.
func (d *Dispatcher) Submit(pc PromptContext) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.gateLocked(pc) {
		return
	}

	now := d.clock()
	elapsed := now.Sub(d.lastDispatchAt)
	if d.lastDispatchAt.IsZero() || elapsed >= d.cfg.MinInterval {
		d.fireLocked(pc, now)
		return
	}

	d.pending = &pc
	if d.pendingTimer == nil {
		remaining := d.cfg.MinInterval - elapsed
		d.pendingTimer = time.AfterFunc(remaining, d.firePending)
	}
}

// gateLocked reports whether pc should be considered at all: always true
// for a first-time event ID; for a repeat event ID, only if the top-feature
// set has actually changed (Jaccard similarity below the configured
// threshold against the last dispatched set for that event).
func (d *Dispatcher) gateLocked(pc PromptContext) bool {
	prev, ok := d.lastFeaturesFor[pc.EventID]
	if !ok {
		return true
	}
	current := featureNames(pc.TopFeatures)
	similarity := jaccardSimilarity(prev, current)
	return similarity < d.cfg.JaccardThreshold
}

func (d *Dispatcher) firePending() {
	d.mu.Lock()
	pc := d.pending
	d.pending = nil
	d.pendingTimer = nil
	if pc == nil {
		d.mu.Unlock()
		return
	}
	d.fireLocked(*pc, d.clock())
	d.mu.Unlock()
}

// fireLocked enqueues pc, dropping it only if the queue is saturated (the
// spec treats the queue depth itself as the backpressure signal, not a
// reason to block the caller).
func (d *Dispatcher) fireLocked(pc PromptContext, now time.Time) {
	d.lastDispatchAt = now
	d.lastFeaturesFor[pc.EventID] = featureNames(pc.TopFeatures)

	select {
	case d.queue <- pc:
	default:
		d.publishEvent(events.CategoryDispatch, "queue_saturated", "warn", map[string]interface{}{
			"event_id": pc.EventID,
		})
	}
}

func featureNames(shares []tep.FeatureShare) []string {
	names := make([]string, 0, len(shares))
	for _, s := range shares {
		names = append(names, s.Name)
	}
	sort.Strings(names)
	return names
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for {
		select {
		case pc := <-d.queue:
			d.process(pc)
		case <-d.stopCh:
			d.drainOnStop()
			return
		}
	}
}

// drainOnStop discards anything left in the queue, writing a Suppressed
// record for each so the audit trail shows why no analysis was produced.
func (d *Dispatcher) drainOnStop() {
	for {
		select {
		case pc := <-d.queue:
			d.writeSuppressed(pc)
		default:
			return
		}
	}
}

func (d *Dispatcher) writeSuppressed(pc PromptContext) {
	record := tep.AnalysisRecord{
		RecordID:      d.nextRecordID(),
		CreatedAt:     d.clock(),
		EventID:       pc.EventID,
		PromptSummary: pc.PromptSummary,
	}
	if d.store != nil {
		_ = d.store.Append(record)
	}
}

func (d *Dispatcher) nextRecordID() string {
	d.mu.Lock()
	d.recordSeq++
	seq := d.recordSeq
	d.mu.Unlock()
	return fmt.Sprintf("rec-%d-%s", seq, uuid.NewString())
}

// process runs one dispatch: parallel provider calls, response assembly,
// store append, and an analysis_ready SSE publish.
func (d *Dispatcher) process(pc PromptContext) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-d.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	perProvider := make(map[string]tep.ProviderResult, len(d.providers))
	perf := make(map[string]tep.ProviderPerf, len(d.providers))

	var wg sync.WaitGroup
	var mu sync.Mutex
	for _, np := range d.providers {
		wg.Add(1)
		go func(np namedProvider) {
			defer wg.Done()
			result, providerPerf := d.callProvider(ctx, np, pc.PromptSummary)
			mu.Lock()
			perProvider[np.provider.Name()] = result
			perf[np.provider.Name()] = providerPerf
			mu.Unlock()
		}(np)
	}
	wg.Wait()

	if ctx.Err() != nil {
		d.writeSuppressed(pc)
		return
	}

	record := tep.AnalysisRecord{
		RecordID:           d.nextRecordID(),
		CreatedAt:          d.clock(),
		EventID:            pc.EventID,
		PromptSummary:      pc.PromptSummary,
		PerProvider:        perProvider,
		PerformanceSummary: perf,
	}

	if d.store != nil {
		if err := d.store.Append(record); err != nil {
			d.publishEvent(events.CategoryStore, "append_failed", "error", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}

	if d.publisher != nil {
		_ = d.publisher.Publish("analysis_ready", record.RecordID, analysisReadySummary(record))
	}
}

func analysisReadySummary(record tep.AnalysisRecord) map[string]interface{} {
	return map[string]interface{}{
		"event_id":          record.EventID,
		"record_id":         record.RecordID,
		"providers_summary": record.PerformanceSummary,
	}
}

func (d *Dispatcher) callProvider(ctx context.Context, np namedProvider, prompt string) (tep.ProviderResult, tep.ProviderPerf) {
	name := np.provider.Name()
	start := d.clock()

	if d.limiter != nil {
		permit, err := d.limiter.Acquire(ctx, name)
		if err != nil {
			return d.errorResult(err), tep.ProviderPerf{}
		}
		defer permit.Release()
	}

	resp, err := np.provider.Call(ctx, prompt, np.opts)
	latency := d.clock().Sub(start)

	if d.limiter != nil {
		d.limiter.Feedback(name, classifyFeedback(err, latency))
	}

	if err != nil {
		result := d.errorResult(err)
		return result, tep.ProviderPerf{ResponseTimeMS: latency.Milliseconds(), Succeeded: false}
	}

	result := tep.ProviderResult{
		Status:         tep.ProviderOK,
		ResponseTimeMS: latency.Milliseconds(),
		Text:           resp.Text,
		WordCount:      resp.WordCount,
	}
	return result, tep.ProviderPerf{ResponseTimeMS: latency.Milliseconds(), WordCount: resp.WordCount, Succeeded: true}
}

func (d *Dispatcher) errorResult(err error) tep.ProviderResult {
	status := tep.ProviderError
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		status = tep.ProviderTimeout
	case errors.Is(err, llm.ErrRefused):
		status = tep.ProviderRefused
	}
	return tep.ProviderResult{Status: status, ErrorMessage: err.Error()}
}

func classifyFeedback(err error, latency time.Duration) ratelimit.Feedback {
	if err == nil {
		return ratelimit.Feedback{Succeeded: true, Latency: latency}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ratelimit.Feedback{Throttled: true, Latency: latency, Err: err}
	}
	return ratelimit.Feedback{ServerError: true, Latency: latency, Err: err}
}

func (d *Dispatcher) publishEvent(category, eventType, severity string, fields map[string]interface{}) {
	if d.bus == nil {
		return
	}
	_ = d.bus.Publish(events.Event{
		Time:     d.clock(),
		Category: category,
		Type:     eventType,
		Severity: severity,
		Fields:   fields,
	})
}

// Stop cancels any pending debounce timer, signals the worker to drain and
// exit, and blocks until it has.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	var suppressed *PromptContext
	if d.pendingTimer != nil {
		d.pendingTimer.Stop()
		suppressed = d.pending
		d.pending = nil
	}
	d.mu.Unlock()
	if suppressed != nil {
		d.writeSuppressed(*suppressed)
	}

	close(d.stopCh)
	d.wg.Wait()
}
