package metrics

import (
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Backend selects which concrete Provider implementation NewProvider builds.
type Backend string

const (
	BackendNone       Backend = "none"
	BackendPrometheus Backend = "prometheus"
	BackendOTel       Backend = "otel"
)

// NewProvider constructs the Provider named by backend. An unknown or empty
// backend falls back to the noop provider rather than failing startup —
// metrics are an ambient concern, never a reason to refuse to run.
func NewProvider(backend Backend, namespace string) Provider {
	switch backend {
	case BackendPrometheus:
		return NewPrometheusProvider(namespace)
	case BackendOTel:
		reader := sdkmetric.NewManualReader()
		mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
		return NewOTelProvider(mp, namespace)
	default:
		return NewNoopProvider()
	}
}
