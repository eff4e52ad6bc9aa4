package metrics

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func nowFn() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}

const defaultCardinalityLimit = 200

// PrometheusProvider backs Provider with a dedicated prometheus.Registry so
// the monitor never pollutes the default registry with per-run instances.
type PrometheusProvider struct {
	mu         sync.Mutex
	registry   *prom.Registry
	namespace  string
	cardLimit  int
	counters   map[string]*promCounter
	gauges     map[string]*promGauge
	histograms map[string]*promHistogram

	exceeded     prom.Counter
	warnedGroups map[string]bool
}

// NewPrometheusProvider constructs a provider bound to a fresh registry.
// namespace prefixes every metric name (e.g. "tepmonitor").
func NewPrometheusProvider(namespace string) *PrometheusProvider {
	registry := prom.NewRegistry()
	exceeded := prom.NewCounter(prom.CounterOpts{
		Name: buildFQName(namespace, "internal", "cardinality_exceeded_total"),
		Help: "Count of metric series suppressed after exceeding the per-metric label cardinality limit.",
	})
	registry.MustRegister(exceeded)
	return &PrometheusProvider{
		registry:     registry,
		namespace:    namespace,
		cardLimit:    defaultCardinalityLimit,
		counters:     make(map[string]*promCounter),
		gauges:       make(map[string]*promGauge),
		histograms:   make(map[string]*promHistogram),
		exceeded:     exceeded,
		warnedGroups: make(map[string]bool),
	}
}

// MetricsHandler returns the HTTP handler the orchestrator API mounts at
// GET /metrics.
func (p *PrometheusProvider) MetricsHandler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

func buildFQName(namespace, subsystem, name string) string {
	return prom.BuildFQName(namespace, subsystem, name)
}

func (p *PrometheusProvider) NewCounter(opts CounterOpts) Counter {
	p.mu.Lock()
	defer p.mu.Unlock()

	fq := buildFQName(opts.Namespace, opts.Subsystem, opts.Name)
	if existing, ok := p.counters[fq]; ok {
		return existing
	}
	vec := prom.NewCounterVec(prom.CounterOpts{
		Name: fq,
		Help: opts.Help,
	}, opts.Labels)
	p.registry.MustRegister(vec)
	pc := &promCounter{vec: vec, provider: p, fq: fq, labelNames: opts.Labels}
	p.counters[fq] = pc
	return pc
}

func (p *PrometheusProvider) NewGauge(opts GaugeOpts) Gauge {
	p.mu.Lock()
	defer p.mu.Unlock()

	fq := buildFQName(opts.Namespace, opts.Subsystem, opts.Name)
	if existing, ok := p.gauges[fq]; ok {
		return existing
	}
	vec := prom.NewGaugeVec(prom.GaugeOpts{
		Name: fq,
		Help: opts.Help,
	}, opts.Labels)
	p.registry.MustRegister(vec)
	pg := &promGauge{vec: vec, provider: p, fq: fq, labelNames: opts.Labels}
	p.gauges[fq] = pg
	return pg
}

func (p *PrometheusProvider) NewHistogram(opts HistogramOpts) Histogram {
	p.mu.Lock()
	defer p.mu.Unlock()

	fq := buildFQName(opts.Namespace, opts.Subsystem, opts.Name)
	if existing, ok := p.histograms[fq]; ok {
		return existing
	}
	buckets := opts.Buckets
	if len(buckets) == 0 {
		buckets = prom.DefBuckets
	}
	vec := prom.NewHistogramVec(prom.HistogramOpts{
		Name:    fq,
		Help:    opts.Help,
		Buckets: buckets,
	}, opts.Labels)
	p.registry.MustRegister(vec)
	ph := &promHistogram{vec: vec, provider: p, fq: fq, labelNames: opts.Labels}
	p.histograms[fq] = ph
	return ph
}

func (p *PrometheusProvider) NewTimer(h HistogramOpts) func() Timer {
	hist := p.NewHistogram(h)
	return func() Timer {
		return &promTimer{hist: hist, start: nowFn()}
	}
}

func (p *PrometheusProvider) Health(ctx context.Context) error {
	if _, err := p.registry.Gather(); err != nil {
		return fmt.Errorf("metrics: prometheus registry gather failed: %w", err)
	}
	return nil
}

// cardinalityTrack increments the suppression counter and logs once per
// metric group when a new label combination would exceed the configured
// limit for that group.
func (p *PrometheusProvider) cardinalityTrack(fq string, seen int) bool {
	if seen <= p.cardLimit {
		return true
	}
	p.exceeded.Inc()
	if !p.warnedGroups[fq] {
		p.warnedGroups[fq] = true
		log.Printf("metrics: %s exceeded cardinality limit (%d); further series suppressed", fq, p.cardLimit)
	}
	return false
}

// promCounter ------------------------------------------------------------

type promCounter struct {
	mu         sync.Mutex
	vec        *prom.CounterVec
	provider   *PrometheusProvider
	fq         string
	labelNames []string
	seen       map[string]struct{}
}

func (c *promCounter) Inc(delta float64, labels ...string) {
	c.mu.Lock()
	if c.seen == nil {
		c.seen = make(map[string]struct{})
	}
	key := labelKey(labels)
	if _, ok := c.seen[key]; !ok {
		c.seen[key] = struct{}{}
	}
	count := len(c.seen)
	c.mu.Unlock()

	if !c.provider.cardinalityTrack(c.fq, count) {
		return
	}
	c.vec.WithLabelValues(labels...).Add(delta)
}

// promGauge ---------------------------------------------------------------

type promGauge struct {
	mu         sync.Mutex
	vec        *prom.GaugeVec
	provider   *PrometheusProvider
	fq         string
	labelNames []string
	seen       map[string]struct{}
}

func (g *promGauge) track(labels []string) bool {
	g.mu.Lock()
	if g.seen == nil {
		g.seen = make(map[string]struct{})
	}
	key := labelKey(labels)
	if _, ok := g.seen[key]; !ok {
		g.seen[key] = struct{}{}
	}
	count := len(g.seen)
	g.mu.Unlock()
	return g.provider.cardinalityTrack(g.fq, count)
}

func (g *promGauge) Set(v float64, labels ...string) {
	if !g.track(labels) {
		return
	}
	g.vec.WithLabelValues(labels...).Set(v)
}

func (g *promGauge) Add(delta float64, labels ...string) {
	if !g.track(labels) {
		return
	}
	g.vec.WithLabelValues(labels...).Add(delta)
}

// promHistogram ------------------------------------------------------------

type promHistogram struct {
	mu         sync.Mutex
	vec        *prom.HistogramVec
	provider   *PrometheusProvider
	fq         string
	labelNames []string
	seen       map[string]struct{}
}

func (h *promHistogram) Observe(v float64, labels ...string) {
	h.mu.Lock()
	if h.seen == nil {
		h.seen = make(map[string]struct{})
	}
	key := labelKey(labels)
	if _, ok := h.seen[key]; !ok {
		h.seen[key] = struct{}{}
	}
	count := len(h.seen)
	h.mu.Unlock()

	if !h.provider.cardinalityTrack(h.fq, count) {
		return
	}
	h.vec.WithLabelValues(labels...).Observe(v)
}

// promTimer ------------------------------------------------------------

type promTimer struct {
	hist  Histogram
	start float64
}

func (t *promTimer) ObserveDuration(labels ...string) {
	t.hist.Observe(nowFn()-t.start, labels...)
}

func labelKey(labels []string) string {
	key := ""
	for i, l := range labels {
		if i > 0 {
			key += "\x1f"
		}
		key += l
	}
	return key
}
