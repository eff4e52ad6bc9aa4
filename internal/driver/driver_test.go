package driver

import (
	"errors"
	"testing"
	"time"

	"tepmonitor/internal/broadcast"
	"tepmonitor/internal/control"
	"tepmonitor/internal/detector"
	"tepmonitor/internal/frame"
	"tepmonitor/internal/simulator"
	"tepmonitor/pkg/tep"
)

func simpleModel() *tep.BaselineModel {
	return &tep.BaselineModel{
		FeatureNames: []string{"xmeas_1", "xmeas_2"},
		Mean:         []float64{0, 0},
		Std:          []float64{1, 1},
		Components:   [][]float64{{1, 0}, {0, 1}},
		Eigenvalues:  []float64{1, 1},
		ThresholdT2:  1e9,
	}
}

type countingSimulator struct {
	steps int
	fail  bool
}

func (s *countingSimulator) Step(input simulator.Input) (simulator.Output, error) {
	s.steps++
	if s.fail {
		return simulator.Output{}, errors.New("boom")
	}
	return simulator.Output{SimTimeSeconds: float64(s.steps)}, nil
}

func newTestDriver(sim simulator.Simulator) (*Driver, *control.Plane) {
	ctrl := control.New()
	_ = ctrl.SetSpeed(tep.SpeedDemo)
	buf := frame.NewBuffer(5)
	det := detector.New(detector.DefaultConfig(), simpleModel())
	hub := broadcast.NewHub(broadcast.DefaultConfig(), nil)
	d := New(sim, buf, det, ctrl, hub, nil, nil)
	return d, ctrl
}

func TestStartTransitionsIdleToRunning(t *testing.T) {
	sim := &countingSimulator{}
	d, _ := newTestDriver(sim)
	if err := d.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := d.currentState(); got != StateRunning {
		t.Fatalf("expected Running, got %v", got)
	}
	_ = d.Stop()
}

func TestStartTwiceReturnsInvalidTransition(t *testing.T) {
	sim := &countingSimulator{}
	d, _ := newTestDriver(sim)
	_ = d.Start()
	defer d.Stop()
	if err := d.Start(); err != ErrInvalidTransition {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestDriverAdvancesStepsAtDemoCadence(t *testing.T) {
	sim := &countingSimulator{}
	d, _ := newTestDriver(sim)
	if err := d.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer d.Stop()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if d.Status().Step >= 2 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("expected at least 2 steps, got %d", d.Status().Step)
}

func TestDriverFaultsAfterTwoConsecutiveStepFailures(t *testing.T) {
	sim := &countingSimulator{fail: true}
	d, _ := newTestDriver(sim)
	if err := d.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer d.Stop()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if d.currentState() == StateFaulted {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("expected driver to reach Faulted state")
}

func TestPauseAndResume(t *testing.T) {
	sim := &countingSimulator{}
	d, _ := newTestDriver(sim)
	_ = d.Start()
	defer d.Stop()

	if err := d.Pause(); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if got := d.currentState(); got != StatePaused {
		t.Fatalf("expected Paused, got %v", got)
	}
	if err := d.Resume(); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if got := d.currentState(); got != StateRunning {
		t.Fatalf("expected Running, got %v", got)
	}
}

func TestStopFromIdleReturnsInvalidTransition(t *testing.T) {
	sim := &countingSimulator{}
	d, _ := newTestDriver(sim)
	if err := d.Stop(); err != ErrInvalidTransition {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestStatusReportsDriverStateAndStep(t *testing.T) {
	sim := &countingSimulator{}
	d, _ := newTestDriver(sim)
	_ = d.Start()
	defer d.Stop()

	time.Sleep(50 * time.Millisecond)
	status := d.Status()
	if status.State != StateRunning {
		t.Fatalf("expected Running, got %v", status.State)
	}
}
