package tracing

import (
	"context"
	"testing"
)

func TestNoopTracerNeverStarts(t *testing.T) {
	tr := NewTracer(false)
	if !tr.Noop() {
		t.Fatal("expected noop tracer")
	}
	_, span := tr.StartSpan(context.Background(), "op")
	if span.Context().TraceID != "" {
		t.Fatal("expected empty trace id from noop span")
	}
}

func TestSimpleTracerPropagatesTraceID(t *testing.T) {
	tr := NewTracer(true)
	ctx, parent := tr.StartSpan(context.Background(), "root")
	defer parent.End()
	if parent.Context().TraceID == "" {
		t.Fatal("expected non-empty trace id")
	}
	_, child := tr.StartSpan(ctx, "child")
	if child.Context().TraceID != parent.Context().TraceID {
		t.Fatal("expected child to inherit parent trace id")
	}
	if child.Context().ParentSpanID != parent.Context().SpanID {
		t.Fatal("expected child parent span id to match parent span id")
	}
}

func TestAdaptiveTracerZeroPercentNeverSamples(t *testing.T) {
	tr := NewAdaptiveTracer(func() float64 { return 0 })
	_, span := tr.StartSpan(context.Background(), "op")
	if span.Context().TraceID != "" {
		t.Fatal("expected no sampling at 0 percent")
	}
}

func TestAdaptiveTracerHundredPercentAlwaysSamples(t *testing.T) {
	tr := NewAdaptiveTracer(func() float64 { return 100 })
	for i := 0; i < 10; i++ {
		_, span := tr.StartSpan(context.Background(), "op")
		if span.Context().TraceID == "" {
			t.Fatal("expected sampling at 100 percent")
		}
	}
}

func TestExtractIDsEmptyForNilContext(t *testing.T) {
	traceID, spanID := ExtractIDs(context.Background())
	if traceID != "" || spanID != "" {
		t.Fatal("expected empty ids for context without a span")
	}
}
