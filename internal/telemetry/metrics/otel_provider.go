package metrics

import (
	"context"
	"fmt"
	"log"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// otelProvider backs Provider with an OpenTelemetry SDK meter provider. It is
// the backend selected when config sets metrics.backend: otel.
type otelProvider struct {
	mp       *sdkmetric.MeterProvider
	meter    otelmetric.Meter
	mu       sync.Mutex
	counters map[string]otelmetric.Float64Counter
	// gauges are simulated with UpDownCounter deltas since the stable OTel
	// metric API has no synchronous settable gauge instrument.
	gauges       map[string]*otelGaugeState
	histograms   map[string]otelmetric.Float64Histogram
	cardLimit    int
	seen         map[string]map[string]struct{}
	warnedGroups map[string]bool
}

type otelGaugeState struct {
	inst otelmetric.Float64UpDownCounter
	mu   sync.Mutex
	last map[string]float64
}

// NewOTelProvider constructs a Provider backed by an in-process OTel SDK
// meter provider with the given readers already attached by the caller.
func NewOTelProvider(mp *sdkmetric.MeterProvider, meterName string) *otelProvider {
	return &otelProvider{
		mp:           mp,
		meter:        mp.Meter(meterName),
		counters:     make(map[string]otelmetric.Float64Counter),
		gauges:       make(map[string]*otelGaugeState),
		histograms:   make(map[string]otelmetric.Float64Histogram),
		cardLimit:    defaultCardinalityLimit,
		seen:         make(map[string]map[string]struct{}),
		warnedGroups: make(map[string]bool),
	}
}

func buildOTelName(namespace, subsystem, name string) string {
	if subsystem == "" {
		return fmt.Sprintf("%s.%s", namespace, name)
	}
	return fmt.Sprintf("%s.%s.%s", namespace, subsystem, name)
}

func (p *otelProvider) track(fq string, labels []string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	group, ok := p.seen[fq]
	if !ok {
		group = make(map[string]struct{})
		p.seen[fq] = group
	}
	group[labelKey(labels)] = struct{}{}
	if len(group) <= p.cardLimit {
		return true
	}
	if !p.warnedGroups[fq] {
		p.warnedGroups[fq] = true
		log.Printf("metrics: %s exceeded cardinality limit (%d); further series suppressed", fq, p.cardLimit)
	}
	return false
}

func labelsToAttrs(labelNames, values []string) []attribute.KeyValue {
	n := len(labelNames)
	if len(values) < n {
		n = len(values)
	}
	attrs := make([]attribute.KeyValue, 0, n)
	for i := 0; i < n; i++ {
		attrs = append(attrs, attribute.String(labelNames[i], values[i]))
	}
	return attrs
}

func (p *otelProvider) NewCounter(opts CounterOpts) Counter {
	fq := buildOTelName(opts.Namespace, opts.Subsystem, opts.Name)
	p.mu.Lock()
	inst, ok := p.counters[fq]
	p.mu.Unlock()
	if !ok {
		var err error
		inst, err = p.meter.Float64Counter(fq, otelmetric.WithDescription(opts.Help))
		if err != nil {
			log.Printf("metrics: failed to create otel counter %s: %v", fq, err)
		}
		p.mu.Lock()
		p.counters[fq] = inst
		p.mu.Unlock()
	}
	return &otelCounter{provider: p, inst: inst, fq: fq, labelNames: opts.Labels}
}

func (p *otelProvider) NewGauge(opts GaugeOpts) Gauge {
	fq := buildOTelName(opts.Namespace, opts.Subsystem, opts.Name)
	p.mu.Lock()
	state, ok := p.gauges[fq]
	p.mu.Unlock()
	if !ok {
		inst, err := p.meter.Float64UpDownCounter(fq, otelmetric.WithDescription(opts.Help))
		if err != nil {
			log.Printf("metrics: failed to create otel gauge %s: %v", fq, err)
		}
		state = &otelGaugeState{inst: inst, last: make(map[string]float64)}
		p.mu.Lock()
		p.gauges[fq] = state
		p.mu.Unlock()
	}
	return &otelGauge{provider: p, state: state, fq: fq, labelNames: opts.Labels}
}

func (p *otelProvider) NewHistogram(opts HistogramOpts) Histogram {
	fq := buildOTelName(opts.Namespace, opts.Subsystem, opts.Name)
	p.mu.Lock()
	inst, ok := p.histograms[fq]
	p.mu.Unlock()
	if !ok {
		histOpts := []otelmetric.Float64HistogramOption{otelmetric.WithDescription(opts.Help)}
		if len(opts.Buckets) > 0 {
			histOpts = append(histOpts, otelmetric.WithExplicitBucketBoundaries(opts.Buckets...))
		}
		var err error
		inst, err = p.meter.Float64Histogram(fq, histOpts...)
		if err != nil {
			log.Printf("metrics: failed to create otel histogram %s: %v", fq, err)
		}
		p.mu.Lock()
		p.histograms[fq] = inst
		p.mu.Unlock()
	}
	return &otelHistogram{provider: p, inst: inst, fq: fq, labelNames: opts.Labels}
}

func (p *otelProvider) NewTimer(h HistogramOpts) func() Timer {
	hist := p.NewHistogram(h)
	return func() Timer {
		return &otelTimer{hist: hist, start: nowFn()}
	}
}

func (p *otelProvider) Health(ctx context.Context) error {
	return nil
}

type otelCounter struct {
	provider   *otelProvider
	inst       otelmetric.Float64Counter
	fq         string
	labelNames []string
}

func (c *otelCounter) Inc(delta float64, labels ...string) {
	if c.inst == nil || !c.provider.track(c.fq, labels) {
		return
	}
	c.inst.Add(context.Background(), delta, otelmetric.WithAttributes(labelsToAttrs(c.labelNames, labels)...))
}

type otelGauge struct {
	provider   *otelProvider
	state      *otelGaugeState
	fq         string
	labelNames []string
}

func (g *otelGauge) Add(delta float64, labels ...string) {
	if g.state == nil || g.state.inst == nil || !g.provider.track(g.fq, labels) {
		return
	}
	key := labelKey(labels)
	g.state.mu.Lock()
	g.state.last[key] += delta
	g.state.mu.Unlock()
	g.state.inst.Add(context.Background(), delta, otelmetric.WithAttributes(labelsToAttrs(g.labelNames, labels)...))
}

func (g *otelGauge) Set(v float64, labels ...string) {
	if g.state == nil || g.state.inst == nil || !g.provider.track(g.fq, labels) {
		return
	}
	key := labelKey(labels)
	g.state.mu.Lock()
	prev := g.state.last[key]
	g.state.last[key] = v
	g.state.mu.Unlock()
	delta := v - prev
	g.state.inst.Add(context.Background(), delta, otelmetric.WithAttributes(labelsToAttrs(g.labelNames, labels)...))
}

type otelHistogram struct {
	provider   *otelProvider
	inst       otelmetric.Float64Histogram
	fq         string
	labelNames []string
}

func (h *otelHistogram) Observe(v float64, labels ...string) {
	if h.inst == nil || !h.provider.track(h.fq, labels) {
		return
	}
	h.inst.Record(context.Background(), v, otelmetric.WithAttributes(labelsToAttrs(h.labelNames, labels)...))
}

type otelTimer struct {
	hist  Histogram
	start float64
}

func (t *otelTimer) ObserveDuration(labels ...string) {
	t.hist.Observe(nowFn()-t.start, labels...)
}
