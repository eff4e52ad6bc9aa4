// Package tep defines the shared data model for the Tennessee Eastman Process
// monitor: sensor frames, operator control state, the PCA baseline, and the
// records produced by anomaly detection and LLM dispatch.
package tep

import (
	"errors"
	"fmt"
	"time"
)

const (
	// NumMeasurements is the XMEAS count (41 process measurements).
	NumMeasurements = 41
	// NumManipulated is the XMV count (11 manipulated variables).
	NumManipulated = 11
	// NumDisturbances is the IDV count (20 disturbance channels).
	NumDisturbances = 20
)

// SensorFrame is one time-tick of simulator output plus whatever the
// detector has derived from it.
type SensorFrame struct {
	Step           int64                    `json:"step"`
	SimTimeSeconds float64                  `json:"sim_time_seconds"`
	WallTime       time.Time                `json:"wall_time"`
	Measurements   [NumMeasurements]float64 `json:"measurements"`
	Manipulated    [NumManipulated]float64  `json:"manipulated"`
	Disturbances   [NumDisturbances]float64 `json:"disturbances"`
	Derived        *Derived                 `json:"derived,omitempty"`
}

// Derived holds the detector's verdict for a frame.
type Derived struct {
	T2                   float64        `json:"t2_stat"`
	Anomaly              bool           `json:"anomaly"`
	ContributingFeatures []FeatureShare `json:"contributing_features,omitempty"`
	Error                string         `json:"error,omitempty"`
}

// FeatureVector exposes the frame's measurements and manipulated variables
// under the canonical "xmeas_N"/"xmv_N" (1-indexed) names a BaselineModel's
// FeatureNames draw from, so the detector can model any subset of channels.
func (f *SensorFrame) FeatureVector() map[string]float64 {
	out := make(map[string]float64, NumMeasurements+NumManipulated)
	for i, v := range f.Measurements {
		out[fmt.Sprintf("xmeas_%d", i+1)] = v
	}
	for i, v := range f.Manipulated {
		out[fmt.Sprintf("xmv_%d", i+1)] = v
	}
	return out
}

// FeatureShare names one contributing feature and its share of the T² statistic.
type FeatureShare struct {
	Name  string  `json:"name"`
	Share float64 `json:"share"`
}

// SpeedPreset maps to the real-time interval between simulator steps.
type SpeedPreset string

const (
	SpeedReal  SpeedPreset = "real"
	SpeedFast  SpeedPreset = "fast"
	SpeedDemo  SpeedPreset = "demo"
)

// Interval returns the wall-clock duration between steps for the preset.
func (s SpeedPreset) Interval() time.Duration {
	switch s {
	case SpeedFast:
		return 18 * time.Second
	case SpeedDemo:
		return 1 * time.Second
	case SpeedReal:
		return 180 * time.Second
	default:
		return 180 * time.Second
	}
}

// Valid reports whether s is one of the known presets.
func (s SpeedPreset) Valid() bool {
	switch s {
	case SpeedReal, SpeedFast, SpeedDemo:
		return true
	default:
		return false
	}
}

// ControlState captures the operator's current intents: manipulated-variable
// overrides and disturbance magnitudes. Zero value is "no overrides, no
// disturbances, real speed".
type ControlState struct {
	XMVOverrides   [NumManipulated]*float64 `json:"xmv_overrides"`
	IDVMagnitudes  [NumDisturbances]float64  `json:"idv_magnitudes"`
	SpeedPreset    SpeedPreset               `json:"speed_preset"`
}

// Clone returns a deep copy safe for a reader to retain.
func (c *ControlState) Clone() *ControlState {
	if c == nil {
		return &ControlState{SpeedPreset: SpeedReal}
	}
	cp := *c
	for i, v := range c.XMVOverrides {
		if v != nil {
			val := *v
			cp.XMVOverrides[i] = &val
		}
	}
	return &cp
}

// DispatchState is the lifecycle of an AnomalyEvent's LLM dispatch.
type DispatchState string

const (
	DispatchPending   DispatchState = "pending"
	DispatchInFlight   DispatchState = "in_flight"
	DispatchCompleted DispatchState = "completed"
	DispatchSuppressed DispatchState = "suppressed"
)

// AnomalyEvent is materialized when the detector declares a fault.
type AnomalyEvent struct {
	EventID      string          `json:"event_id"`
	StartStep    int64           `json:"start_step"`
	EndStep      *int64          `json:"end_step,omitempty"`
	PeakT2       float64         `json:"peak_t2"`
	PeakStep     int64           `json:"peak_step"`
	TopFeatures  []FeatureShare  `json:"top_features"`
	DispatchState DispatchState  `json:"dispatch_state"`
}

// ProviderResult is one provider's outcome within an AnalysisRecord.
type ProviderResult struct {
	Status          ProviderStatus `json:"status"`
	ResponseTimeMS  int64          `json:"response_time_ms"`
	Text            string         `json:"text,omitempty"`
	WordCount       int            `json:"word_count"`
	ErrorMessage    string         `json:"error_message,omitempty"`
}

// ProviderStatus enumerates a single provider call's outcome.
type ProviderStatus string

const (
	ProviderOK      ProviderStatus = "ok"
	ProviderTimeout ProviderStatus = "timeout"
	ProviderRefused ProviderStatus = "refused"
	ProviderError   ProviderStatus = "error"
)

// AnalysisRecord is one LLM comparative result, immutable once written.
type AnalysisRecord struct {
	RecordID           string                    `json:"record_id"`
	CreatedAt          time.Time                 `json:"created_at"`
	EventID            string                    `json:"event_id"`
	PromptSummary      string                    `json:"prompt_summary"`
	PerProvider        map[string]ProviderResult `json:"per_provider"`
	PerformanceSummary map[string]ProviderPerf   `json:"performance_summary"`
}

// ProviderPerf is the derived aggregate kept per provider across a record.
type ProviderPerf struct {
	ResponseTimeMS int64 `json:"response_time_ms"`
	WordCount      int   `json:"word_count"`
	Succeeded      bool  `json:"succeeded"`
}

// BaselineModel holds the PCA parameters used by the detector: per-feature
// standardization, the retained-component loading matrix, their
// eigenvalues, and the T² alarm threshold. Rows of Components correspond to
// principal components (P of them); columns correspond to FeatureNames (F
// of them).
type BaselineModel struct {
	FeatureNames []string    `json:"feature_names"`
	Mean         []float64   `json:"mean"`
	Std          []float64   `json:"std"`
	Components   [][]float64 `json:"components"`
	Eigenvalues  []float64   `json:"eigenvalues"`
	ThresholdT2  float64     `json:"threshold_t2"`
	Checksum     string      `json:"checksum"`
}

// F is the modeled feature count.
func (m *BaselineModel) F() int { return len(m.FeatureNames) }

// P is the retained principal-component count.
func (m *BaselineModel) P() int { return len(m.Eigenvalues) }

// Validate enforces the load-time invariants from §3/§4.B: matching
// lengths, positive std per feature, positive eigenvalues, a component
// matrix shaped (P, F), and a positive threshold.
func (m *BaselineModel) Validate() error {
	f := m.F()
	if f == 0 {
		return ErrShapeMismatch
	}
	if len(m.Mean) != f || len(m.Std) != f {
		return ErrShapeMismatch
	}
	p := m.P()
	if p == 0 || p > f {
		return ErrShapeMismatch
	}
	if len(m.Components) != p {
		return ErrShapeMismatch
	}
	for _, row := range m.Components {
		if len(row) != f {
			return ErrShapeMismatch
		}
	}
	for _, s := range m.Std {
		if s <= 0 {
			return ErrNonPositiveStd
		}
	}
	for _, e := range m.Eigenvalues {
		if e <= 0 {
			return ErrShapeMismatch
		}
	}
	if m.ThresholdT2 <= 0 {
		return ErrShapeMismatch
	}
	return nil
}

// RateLimitConfig tunes one provider's adaptive rate limiter and circuit
// breaker within the LLM Dispatcher (§4.F), applied per named provider shard.
type RateLimitConfig struct {
	Enabled bool `yaml:"enabled"`

	InitialRPS          float64 `yaml:"initial_rps"`
	MinRPS              float64 `yaml:"min_rps"`
	MaxRPS              float64 `yaml:"max_rps"`
	TokenBucketCapacity float64 `yaml:"token_bucket_capacity"`

	AIMDIncrease float64 `yaml:"aimd_increase"`
	AIMDDecrease float64 `yaml:"aimd_decrease"`

	LatencyTarget        time.Duration `yaml:"latency_target"`
	LatencyDegradeFactor float64       `yaml:"latency_degrade_factor"`

	ErrorRateThreshold       float64       `yaml:"error_rate_threshold"`
	MinSamplesToTrip         int           `yaml:"min_samples_to_trip"`
	ConsecutiveFailThreshold int           `yaml:"consecutive_fail_threshold"`
	OpenStateDuration        time.Duration `yaml:"open_state_duration"`
	HalfOpenProbes           int           `yaml:"half_open_probes"`

	RetryBaseDelay   time.Duration `yaml:"retry_base_delay"`
	RetryMaxDelay    time.Duration `yaml:"retry_max_delay"`
	RetryMaxAttempts int           `yaml:"retry_max_attempts"`

	StatsWindow    time.Duration `yaml:"stats_window"`
	StatsBucket    time.Duration `yaml:"stats_bucket"`
	DomainStateTTL time.Duration `yaml:"domain_state_ttl"`
	Shards         int           `yaml:"shards"`
}

// DefaultRateLimitConfig returns the per-provider tuning used unless a
// config overlay overrides it.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Enabled:                  true,
		InitialRPS:               2.0,
		MinRPS:                   0.25,
		MaxRPS:                   8.0,
		TokenBucketCapacity:      4.0,
		AIMDIncrease:             0.25,
		AIMDDecrease:             0.5,
		LatencyTarget:            1 * time.Second,
		LatencyDegradeFactor:     2.0,
		ErrorRateThreshold:       0.4,
		MinSamplesToTrip:         10,
		ConsecutiveFailThreshold: 5,
		OpenStateDuration:        15 * time.Second,
		HalfOpenProbes:           3,
		RetryBaseDelay:           200 * time.Millisecond,
		RetryMaxDelay:            5 * time.Second,
		RetryMaxAttempts:         3,
		StatsWindow:              30 * time.Second,
		StatsBucket:              2 * time.Second,
		DomainStateTTL:           2 * time.Minute,
		Shards:                   16,
	}
}

// Errors surfaced by the data model's own invariants (§7 "Input" / "Config").
var (
	ErrInvalidIDVIndex       = errors.New("tep: idv index out of range [1,20]")
	ErrInvalidXMVIndex       = errors.New("tep: xmv index out of range [1,11]")
	ErrInvalidXMVValue       = errors.New("tep: xmv value must be in [0,100] or nil")
	ErrInvalidMagnitude      = errors.New("tep: idv magnitude must be non-negative and finite")
	ErrUnknownSpeedPreset    = errors.New("tep: unknown speed preset")
	ErrFeatureMissing        = errors.New("tep: feature missing from frame vector")
	ErrNonPositiveStd        = errors.New("tep: baseline std must be positive for every feature")
	ErrShapeMismatch         = errors.New("tep: baseline shape mismatch")
	ErrChecksumMismatch      = errors.New("tep: baseline checksum mismatch")
)
