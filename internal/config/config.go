// Package config defines the monitor's typed configuration surface: a
// Config struct with sane Defaults(), an optional YAML overlay file, and
// per-provider rate-limit settings reused from the dispatcher's adaptive
// limiter.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"tepmonitor/pkg/tep"
)

// Config is the full, typed configuration for one monitor process.
type Config struct {
	// Frame buffer
	WindowSize int `yaml:"window_size"`

	// Detector
	Detector DetectorConfig `yaml:"detector"`

	// Driver
	SpeedPreset tep.SpeedPreset `yaml:"speed_preset"`

	// Dispatcher
	Dispatch DispatchConfig `yaml:"dispatch"`

	// Broadcaster
	Broadcast BroadcastConfig `yaml:"broadcast"`

	// Analysis store
	Store StoreConfig `yaml:"store"`

	// API / process
	ListenAddr string `yaml:"listen_addr"`

	// Baseline artifact location, watched for hot reload via fsnotify.
	BaselinePath string `yaml:"baseline_path"`

	// Telemetry
	MetricsEnabled bool   `yaml:"metrics_enabled"`
	MetricsBackend string `yaml:"metrics_backend"` // "prometheus" | "otel" | "noop"
	TracingEnabled bool   `yaml:"tracing_enabled"`
	TracingPercent float64 `yaml:"tracing_percent"`
}

// DetectorConfig tunes the PCA Detector (§4.B).
type DetectorConfig struct {
	TopK    int `yaml:"top_k"`
	NConsec int `yaml:"n_consec"`
}

// DispatchConfig tunes the LLM Dispatcher (§4.F).
type DispatchConfig struct {
	QueueDepth      int           `yaml:"queue_depth"`
	MinInterval     time.Duration `yaml:"min_interval"`
	JaccardThreshold float64      `yaml:"jaccard_threshold"`
	ProviderTimeout time.Duration `yaml:"provider_timeout"`
	Providers       []ProviderConfig `yaml:"providers"`
}

// ProviderConfig names one LLM provider adapter, its endpoint/credential and
// rate-limit tuning. APIKeyEnv names an environment variable holding the
// credential rather than embedding it in the config file directly.
type ProviderConfig struct {
	Name      string              `yaml:"name"`
	Endpoint  string              `yaml:"endpoint"`
	APIKeyEnv string              `yaml:"api_key_env"`
	Mock      bool                `yaml:"mock"`
	RateLimit tep.RateLimitConfig `yaml:"rate_limit"`
}

// BroadcastConfig tunes the SSE Broadcaster (§4.E).
type BroadcastConfig struct {
	SubscriberQueueSize int           `yaml:"subscriber_queue_size"`
	MaxConsecutiveErrors int          `yaml:"max_consecutive_errors"`
	HeartbeatInterval   time.Duration `yaml:"heartbeat_interval"`
}

// StoreConfig tunes the Analysis Store (§4.G).
type StoreConfig struct {
	Dir           string        `yaml:"dir"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	FlushEvery    int           `yaml:"flush_every"`
}

// Defaults returns a Config populated with the values named throughout §4
// and §8 of the design: W=20, N_consec=2, K=6, min_interval=70s,
// J_threshold=1.0, provider timeout=30s, subscriber queue=64, K_error=3,
// heartbeat=15s.
func Defaults() Config {
	return Config{
		WindowSize: 20,
		Detector: DetectorConfig{
			TopK:    6,
			NConsec: 2,
		},
		SpeedPreset: tep.SpeedReal,
		Dispatch: DispatchConfig{
			QueueDepth:       16,
			MinInterval:      70 * time.Second,
			JaccardThreshold: 1.0,
			ProviderTimeout:  30 * time.Second,
		},
		Broadcast: BroadcastConfig{
			SubscriberQueueSize:  64,
			MaxConsecutiveErrors: 3,
			HeartbeatInterval:    15 * time.Second,
		},
		Store: StoreConfig{
			Dir:           "analyses",
			FlushInterval: 2 * time.Second,
			FlushEvery:    1,
		},
		ListenAddr:     ":8080",
		BaselinePath:   "baseline/model.json",
		MetricsEnabled: false,
		MetricsBackend: "prometheus",
		TracingEnabled: false,
		TracingPercent: 0,
	}
}

// LoadOverlay reads a YAML file at path and applies it on top of base,
// returning the merged Config. A missing or unreadable file is returned as
// an error — callers that want an optional overlay should stat the path
// themselves before calling LoadOverlay.
func LoadOverlay(base Config, path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return base, fmt.Errorf("config: open overlay %s: %w", path, err)
	}
	defer f.Close()

	merged := base
	if err := yaml.NewDecoder(f).Decode(&merged); err != nil {
		return base, fmt.Errorf("config: decode overlay %s: %w", path, err)
	}
	return merged, nil
}
