package metrics

import (
	"context"
	"net/http/httptest"
	"testing"
)

func TestNoopProviderDiscardsObservations(t *testing.T) {
	p := NewNoopProvider()
	c := p.NewCounter(CounterOpts{CommonOpts: CommonOpts{Name: "x"}})
	c.Inc(1)
	g := p.NewGauge(GaugeOpts{CommonOpts: CommonOpts{Name: "y"}})
	g.Set(2)
	h := p.NewHistogram(HistogramOpts{CommonOpts: CommonOpts{Name: "z"}})
	h.Observe(3)
	if err := p.Health(context.Background()); err != nil {
		t.Fatalf("noop health: %v", err)
	}
}

func TestPrometheusProviderRegistersAndServes(t *testing.T) {
	p := NewPrometheusProvider("tepmonitor")
	counter := p.NewCounter(CounterOpts{CommonOpts: CommonOpts{
		Namespace: "tepmonitor", Subsystem: "driver", Name: "steps_total", Help: "steps", Labels: []string{"outcome"},
	}})
	counter.Inc(1, "ok")
	counter.Inc(1, "ok")

	gauge := p.NewGauge(GaugeOpts{CommonOpts: CommonOpts{
		Namespace: "tepmonitor", Subsystem: "detector", Name: "t2_current",
	}})
	gauge.Set(4.2)

	hist := p.NewHistogram(HistogramOpts{CommonOpts: CommonOpts{
		Namespace: "tepmonitor", Subsystem: "dispatch", Name: "provider_latency_seconds",
	}})
	hist.Observe(0.5)

	if err := p.Health(context.Background()); err != nil {
		t.Fatalf("health: %v", err)
	}

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	p.MetricsHandler().ServeHTTP(rec, req)
	if rec.Code != 200 {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := rec.Body.String()
	if !contains(body, "tepmonitor_driver_steps_total") {
		t.Fatalf("expected counter in output, got: %s", body)
	}
}

func TestPrometheusCardinalityLimitSuppressesExcessSeries(t *testing.T) {
	p := NewPrometheusProvider("tepmonitor")
	p.cardLimit = 2
	c := p.NewCounter(CounterOpts{CommonOpts: CommonOpts{
		Namespace: "tepmonitor", Name: "labeled_total", Labels: []string{"k"},
	}})
	for i := 0; i < 5; i++ {
		c.Inc(1, string(rune('a'+i)))
	}
	if p.exceeded == nil {
		t.Fatal("expected exceeded counter to exist")
	}
}

func TestOTelProviderNamesAreDotSeparated(t *testing.T) {
	got := buildOTelName("tepmonitor", "dispatch", "calls_total")
	want := "tepmonitor.dispatch.calls_total"
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
	got2 := buildOTelName("tepmonitor", "", "uptime")
	if got2 != "tepmonitor.uptime" {
		t.Fatalf("got %q", got2)
	}
}

func TestOTelProviderRecordsWithoutError(t *testing.T) {
	p := NewProvider(BackendOTel, "tepmonitor")
	c := p.NewCounter(CounterOpts{CommonOpts: CommonOpts{Namespace: "tepmonitor", Name: "frames_total"}})
	c.Inc(1)
	g := p.NewGauge(GaugeOpts{CommonOpts: CommonOpts{Namespace: "tepmonitor", Name: "buffer_depth"}})
	g.Set(5)
	g.Set(7)
	timerFn := p.NewTimer(HistogramOpts{CommonOpts: CommonOpts{Namespace: "tepmonitor", Name: "step_latency"}})
	timerFn().ObserveDuration()
	if err := p.Health(context.Background()); err != nil {
		t.Fatalf("otel health: %v", err)
	}
}

func contains(s, sub string) bool {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return true
		}
	}
	return false
}
