package api

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"

	"tepmonitor/internal/broadcast"
	"tepmonitor/internal/control"
	"tepmonitor/internal/detector"
	"tepmonitor/internal/dispatch"
	"tepmonitor/internal/driver"
	"tepmonitor/internal/frame"
	"tepmonitor/internal/store"
	"tepmonitor/internal/telemetry/health"
	"tepmonitor/internal/telemetry/metrics"
)

// Server wires the Control Plane, Simulation Driver, Detector, Analysis
// Store, Dispatcher and Broadcaster behind the REST/SSE surface of §6.
type Server struct {
	ctrl   *control.Plane
	det    *detector.Detector
	drv    *driver.Driver
	buf    *frame.Buffer
	hub    *broadcast.Hub
	store  *store.Store
	disp   *dispatch.Dispatcher
	health *health.Evaluator
	mProv  metrics.Provider

	maxIDVMagnitude float64
	baselinePath    string

	router *mux.Router
}

// Deps collects the constructed components a Server routes between.
type Deps struct {
	Control         *control.Plane
	Detector        *detector.Detector
	Driver          *driver.Driver
	Buffer          *frame.Buffer
	Hub             *broadcast.Hub
	Store           *store.Store
	Dispatcher      *dispatch.Dispatcher
	Health          *health.Evaluator
	Metrics         metrics.Provider
	MaxIDVMagnitude float64
	BaselinePath    string
}

// NewServer builds the router described in §6. A nil Dispatcher/Metrics is
// tolerated (dispatch and metrics are optional deployments).
func NewServer(d Deps) *Server {
	if d.MaxIDVMagnitude <= 0 {
		d.MaxIDVMagnitude = 100
	}
	s := &Server{
		ctrl:            d.Control,
		det:             d.Detector,
		drv:             d.Driver,
		buf:             d.Buffer,
		hub:             d.Hub,
		store:           d.Store,
		disp:            d.Dispatcher,
		health:          d.Health,
		mProv:           d.Metrics,
		maxIDVMagnitude: d.MaxIDVMagnitude,
		baselinePath:    d.BaselinePath,
	}
	s.router = s.buildRouter()
	return s
}

// ServeHTTP makes Server an http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.router.ServeHTTP(w, r) }

func (s *Server) buildRouter() *mux.Router {
	r := mux.NewRouter()
	r.StrictSlash(true)

	r.HandleFunc("/simulation/start", s.handleStart).Methods(http.MethodPost)
	r.HandleFunc("/simulation/pause", s.handlePause).Methods(http.MethodPost)
	r.HandleFunc("/simulation/resume", s.handleResume).Methods(http.MethodPost)
	r.HandleFunc("/simulation/stop", s.handleStop).Methods(http.MethodPost)

	r.HandleFunc("/speed", s.handleSetSpeed).Methods(http.MethodPost)
	r.HandleFunc("/idv", s.handleSetIDV).Methods(http.MethodPost)
	r.HandleFunc("/xmv", s.handleSetXMV).Methods(http.MethodPost)
	r.HandleFunc("/stop-all-faults", s.handleStopAllFaults).Methods(http.MethodPost)

	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	r.HandleFunc("/metrics", s.handleMetrics).Methods(http.MethodGet)

	r.HandleFunc("/baseline/reload", s.handleBaselineReload).Methods(http.MethodPost)

	r.HandleFunc("/analysis/history", s.handleAnalysisHistory).Methods(http.MethodGet)
	r.HandleFunc("/analysis/history/bydate/{date}", s.handleAnalysisByDate).Methods(http.MethodGet)
	r.HandleFunc("/analysis/history/download/{format}", s.handleAnalysisDownload).Methods(http.MethodGet)

	r.HandleFunc("/stream", s.handleStream).Methods(http.MethodGet)

	return r
}

// handleStream upgrades the connection to an SSE stream of frame, status and
// analysis_ready events via the Broadcaster.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		writeError(w, r, http.StatusServiceUnavailable, CodeInternal, "broadcaster not configured", "")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
	_ = s.hub.Subscribe(r.Context(), w)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if s.health == nil {
		writeData(w, r, http.StatusOK, map[string]string{"overall": "unknown"})
		return
	}
	snap := s.health.Evaluate(r.Context())
	status := http.StatusOK
	if snap.Overall == "unhealthy" {
		status = http.StatusServiceUnavailable
	}
	writeData(w, r, status, snap)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.mProv == nil {
		writeData(w, r, http.StatusOK, map[string]string{"backend": "noop"})
		return
	}
	if p, ok := s.mProv.(interface{ MetricsHandler() http.Handler }); ok {
		p.MetricsHandler().ServeHTTP(w, r)
		return
	}
	writeError(w, r, http.StatusNotImplemented, CodeInternal, "metrics handler unavailable", "")
}

// healthDriverProbe reports unhealthy when the Driver has faulted,
// for registration with a health.Evaluator at startup.
func healthDriverProbe(d *driver.Driver) health.Probe {
	return health.ProbeFunc(func(ctx context.Context) health.ProbeResult {
		st := d.Status()
		if st.State == driver.StateFaulted {
			return health.Unhealthy("driver", "simulation driver is in Faulted state")
		}
		return health.Healthy("driver")
	})
}

// healthDispatchProbe reports degraded when the Dispatcher's queue is at
// capacity.
func healthDispatchProbe(disp *dispatch.Dispatcher, queueDepth int) health.Probe {
	return health.ProbeFunc(func(ctx context.Context) health.ProbeResult {
		if disp == nil {
			return health.Healthy("dispatcher")
		}
		depth := disp.QueueDepth()
		if queueDepth > 0 && depth >= queueDepth {
			return health.Degraded("dispatcher", "dispatch queue saturated")
		}
		return health.Healthy("dispatcher")
	})
}

// healthBroadcastProbe reports degraded when the Broadcaster has dropped
// events, surfacing backpressure to the operator before subscribers notice.
func healthBroadcastProbe(hub *broadcast.Hub) health.Probe {
	return health.ProbeFunc(func(ctx context.Context) health.ProbeResult {
		if hub == nil {
			return health.Healthy("broadcaster")
		}
		stats := hub.Stats()
		if stats.Dropped > 0 {
			return health.Degraded("broadcaster", "one or more subscribers have dropped events")
		}
		return health.Healthy("broadcaster")
	})
}

// RegisterDefaultProbes wires the three standard probes (driver, dispatcher,
// broadcaster) named in the design's supplemented health surface.
func RegisterDefaultProbes(ev *health.Evaluator, d *driver.Driver, disp *dispatch.Dispatcher, hub *broadcast.Hub, dispatchQueueDepth int) {
	ev.Register(healthDriverProbe(d))
	ev.Register(healthDispatchProbe(disp, dispatchQueueDepth))
	ev.Register(healthBroadcastProbe(hub))
}
