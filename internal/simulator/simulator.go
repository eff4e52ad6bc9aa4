// Package simulator defines the boundary to the TEP stepping function
// (§6 "Simulator (inbound dependency)"): a pure function over opaque
// per-handle state that the core treats as a black box, plus a deterministic
// reference implementation used for tests and local demos.
package simulator

import "tepmonitor/pkg/tep"

// Input is one step's operator intent, read from ControlState at the step
// boundary: the active disturbance magnitudes and any manipulated-variable
// overrides.
type Input struct {
	Disturbances [tep.NumDisturbances]float64
	XMVOverrides [tep.NumManipulated]*float64
}

// Output is one step's raw simulator result, before the driver assigns
// step/wall_time and attaches detector output.
type Output struct {
	Measurements   [tep.NumMeasurements]float64
	Manipulated    [tep.NumManipulated]float64
	SimTimeSeconds float64
}

// Simulator advances one opaque handle's internal state by exactly one
// time-tick per Step call. The driver never calls Step concurrently on the
// same handle.
type Simulator interface {
	Step(input Input) (Output, error)
}
