// Package driver implements the Simulation Driver (§4.C): the single
// real-time loop that steps the simulator, assembles and publishes
// SensorFrames, and drives the Detector and Dispatcher from each tick.
package driver

import (
	"errors"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"tepmonitor/internal/broadcast"
	"tepmonitor/internal/control"
	"tepmonitor/internal/detector"
	"tepmonitor/internal/dispatch"
	"tepmonitor/internal/frame"
	"tepmonitor/internal/simulator"
	"tepmonitor/internal/telemetry/events"
	"tepmonitor/pkg/tep"
)

// State is the driver's lifecycle state (§4.C: Idle → Running ↔ Paused →
// Idle, with a terminal Faulted state reachable from Running).
type State string

const (
	StateIdle    State = "idle"
	StateRunning State = "running"
	StatePaused  State = "paused"
	StateFaulted State = "faulted"
)

// ErrInvalidTransition is returned by a lifecycle method that does not
// apply from the driver's current state.
var ErrInvalidTransition = errors.New("driver: invalid state transition")

// hubPublisher adapts *broadcast.Hub to dispatch.Publisher without making
// the dispatch package depend on the broadcast package's EventKind type.
type hubPublisher struct{ hub *broadcast.Hub }

func (p hubPublisher) Publish(kind, id string, payload any) error {
	return p.hub.Publish(broadcast.EventKind(kind), id, payload)
}

// NewHubPublisher wraps hub for use as a dispatch.Publisher.
func NewHubPublisher(hub *broadcast.Hub) dispatch.Publisher { return hubPublisher{hub: hub} }

// Status is a consistent snapshot for the Orchestrator API's status
// endpoint (§4.H).
type Status struct {
	State              State
	Step               int64
	LastT2             float64
	LastAnomaly        bool
	SubscriberCount    int
	DispatchQueueDepth int
	LastAnomalyChange  time.Time
	LastAnalysisAt     time.Time
	MissedDeadlines    uint64
}

// Driver owns the simulator handle and is the sole writer of the Frame
// Buffer; everything else it touches (ControlState, BaselineModel) is
// read-only from its perspective.
type Driver struct {
	sim    simulator.Simulator
	buffer *frame.Buffer
	det    *detector.Detector
	ctrl   *control.Plane
	hub    *broadcast.Hub
	disp   *dispatch.Dispatcher
	bus    events.Bus

	mu    sync.Mutex
	state State

	step           atomic.Int64
	lastStepWall   time.Time
	wakeCh         chan struct{}
	loopDone       chan struct{}
	missedDeadline atomic.Uint64

	lastAnomaly       atomic.Bool
	lastAnomalyChange atomic.Value // time.Time
	lastAnalysisAt    atomic.Value // time.Time
}

// New constructs a Driver in state Idle. disp may be nil to run without the
// LLM Dispatcher wired (e.g. in tests exercising only the frame/detector
// path).
func New(sim simulator.Simulator, buffer *frame.Buffer, det *detector.Detector, ctrl *control.Plane, hub *broadcast.Hub, disp *dispatch.Dispatcher, bus events.Bus) *Driver {
	d := &Driver{
		sim:    sim,
		buffer: buffer,
		det:    det,
		ctrl:   ctrl,
		hub:    hub,
		disp:   disp,
		bus:    bus,
		state:  StateIdle,
		wakeCh: make(chan struct{}, 1),
	}
	d.lastAnomalyChange.Store(time.Time{})
	d.lastAnalysisAt.Store(time.Time{})

	det.OnEventChange(d.onEventChange)
	ctrl.OnSpeedChange(func(tep.SpeedPreset) { d.wake() })
	return d
}

func (d *Driver) wake() {
	select {
	case d.wakeCh <- struct{}{}:
	default:
	}
}

// Start transitions Idle → Running and launches the loop goroutine.
func (d *Driver) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != StateIdle {
		return ErrInvalidTransition
	}
	d.state = StateRunning
	d.lastStepWall = time.Now()
	d.loopDone = make(chan struct{})
	go d.loop(d.loopDone)
	return nil
}

// Pause transitions Running → Paused, interrupting the in-flight sleep.
func (d *Driver) Pause() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != StateRunning {
		return ErrInvalidTransition
	}
	d.state = StatePaused
	d.wake()
	return nil
}

// Resume transitions Paused → Running.
func (d *Driver) Resume() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != StatePaused {
		return ErrInvalidTransition
	}
	d.state = StateRunning
	d.lastStepWall = time.Now()
	d.wake()
	return nil
}

// Stop transitions any non-Idle state back to Idle, terminating the loop
// goroutine and cancelling pending Dispatcher work.
func (d *Driver) Stop() error {
	d.mu.Lock()
	if d.state == StateIdle {
		d.mu.Unlock()
		return ErrInvalidTransition
	}
	d.state = StateIdle
	done := d.loopDone
	d.mu.Unlock()

	d.wake()
	if done != nil {
		<-done
	}
	if d.disp != nil {
		d.disp.Stop()
	}
	return nil
}

func (d *Driver) currentState() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (d *Driver) isRunning() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state == StateRunning
}

func (d *Driver) isStopped() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state == StateIdle
}

func (d *Driver) fault() {
	d.mu.Lock()
	d.state = StateFaulted
	d.mu.Unlock()
	d.publishEvent("fault", "error", nil)
}

// loop is the real-time cadence scheduler of §4.C, steps 1-9.
func (d *Driver) loop(done chan struct{}) {
	defer close(done)
	for {
		if d.isStopped() {
			return
		}
		if d.currentState() == StatePaused {
			if !d.sleepInterruptible(time.Second) {
				return
			}
			continue
		}

		preset := d.ctrl.Current().SpeedPreset
		interval := preset.Interval()
		deadline := d.lastStepWall.Add(interval)
		if !d.sleepUntil(deadline) {
			if d.isStopped() {
				return
			}
			continue
		}
		if !d.isRunning() {
			continue
		}

		now := time.Now()
		if now.After(deadline.Add(interval)) {
			d.missedDeadline.Add(1)
		}
		d.lastStepWall = now

		if !d.runStep() {
			return
		}
	}
}

// sleepUntil blocks until deadline or a wake signal. Returns false if woken
// early (state change, cancellation) — the caller should re-check state.
func (d *Driver) sleepUntil(deadline time.Time) bool {
	return d.sleepInterruptible(time.Until(deadline))
}

func (d *Driver) sleepInterruptible(dur time.Duration) bool {
	if dur <= 0 {
		return true
	}
	timer := time.NewTimer(dur)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-d.wakeCh:
		return false
	}
}

// runStep executes loop steps 3-8 for one tick; returns false if the
// driver has faulted and the loop should exit.
func (d *Driver) runStep() bool {
	ctrl := d.ctrl.Current()

	input := simulator.Input{Disturbances: ctrl.IDVMagnitudes}
	for i, v := range ctrl.XMVOverrides {
		if v != nil {
			val := *v
			input.XMVOverrides[i] = &val
		}
	}

	out, err := d.sim.Step(input)
	if err != nil {
		out, err = d.sim.Step(simulator.Input{})
		if err != nil {
			d.fault()
			return false
		}
	}

	nextStep := d.step.Load() + 1
	sensorFrame := tep.SensorFrame{
		Step:           nextStep,
		SimTimeSeconds: out.SimTimeSeconds,
		WallTime:       time.Now(),
		Measurements:   out.Measurements,
		Manipulated:    out.Manipulated,
		Disturbances:   ctrl.IDVMagnitudes,
	}

	ready := d.buffer.Len()+1 >= d.buffer.Capacity()
	result := d.det.Evaluate(nextStep, sensorFrame.FeatureVector(), ready)
	sensorFrame.Derived = &tep.Derived{
		T2:                   result.T2,
		Anomaly:              result.Anomaly,
		ContributingFeatures: result.ContributingFeatures,
		Error:                result.Err,
	}

	if err := d.buffer.Append(sensorFrame); err != nil {
		d.publishEvent("buffer_append_failed", "error", map[string]interface{}{"error": err.Error()})
	}
	d.step.Store(nextStep)
	d.lastAnomaly.Store(result.Anomaly)

	if d.hub != nil {
		_ = d.hub.Publish(broadcast.KindFrame, strconv.FormatInt(nextStep, 10), sensorFrame)
	}

	return true
}

func (d *Driver) onEventChange(ev tep.AnomalyEvent, opened, closed bool) {
	d.lastAnomalyChange.Store(time.Now())
	if d.hub != nil {
		_ = d.hub.Publish(broadcast.KindStatus, ev.EventID, statusEventPayload(ev, opened, closed))
	}
	if opened && d.disp != nil {
		frameSnapshot, ok := d.buffer.Latest()
		if !ok {
			return
		}
		d.disp.Submit(dispatch.PromptContext{
			EventID:       ev.EventID,
			Step:          ev.PeakStep,
			Frame:         frameSnapshot,
			TopFeatures:   ev.TopFeatures,
			SpeedPreset:   d.ctrl.Current().SpeedPreset,
			PromptSummary: summarize(frameSnapshot, ev),
		})
		d.lastAnalysisAt.Store(time.Now())
	}
}

func statusEventPayload(ev tep.AnomalyEvent, opened, closed bool) map[string]interface{} {
	return map[string]interface{}{
		"event_id": ev.EventID,
		"opened":   opened,
		"closed":   closed,
		"peak_t2":  ev.PeakT2,
	}
}

func summarize(f tep.SensorFrame, ev tep.AnomalyEvent) string {
	names := make([]string, 0, len(ev.TopFeatures))
	for _, fs := range ev.TopFeatures {
		names = append(names, fs.Name)
	}
	return "anomaly at step " + strconv.FormatInt(f.Step, 10) + " top features: " + strings.Join(names, ",")
}

func (d *Driver) publishEvent(eventType, severity string, fields map[string]interface{}) {
	if d.bus == nil {
		return
	}
	_ = d.bus.Publish(events.Event{
		Time:     time.Now(),
		Category: events.CategoryDriver,
		Type:     eventType,
		Severity: severity,
		Fields:   fields,
	})
}

// Status returns a consistent snapshot for the status endpoint (§4.H).
func (d *Driver) Status() Status {
	var lastChange, lastAnalysis time.Time
	if v, ok := d.lastAnomalyChange.Load().(time.Time); ok {
		lastChange = v
	}
	if v, ok := d.lastAnalysisAt.Load().(time.Time); ok {
		lastAnalysis = v
	}
	queueDepth := 0
	if d.disp != nil {
		queueDepth = d.disp.QueueDepth()
	}
	subs := 0
	if d.hub != nil {
		subs = d.hub.Stats().Subscribers
	}

	var t2 float64
	if latest, ok := d.buffer.Latest(); ok && latest.Derived != nil {
		t2 = latest.Derived.T2
	}

	return Status{
		State:              d.currentState(),
		Step:               d.step.Load(),
		LastT2:             t2,
		LastAnomaly:        d.lastAnomaly.Load(),
		SubscriberCount:    subs,
		DispatchQueueDepth: queueDepth,
		LastAnomalyChange:  lastChange,
		LastAnalysisAt:     lastAnalysis,
		MissedDeadlines:    d.missedDeadline.Load(),
	}
}
