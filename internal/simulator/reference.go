package simulator

import (
	"math"
	"math/rand"

	"tepmonitor/pkg/tep"
)

// disturbanceCoupling maps each IDV slot to the XMEAS indices it perturbs
// and the perturbation gain, loosely mirroring how the real TEP disturbance
// set concentrates its effect on a handful of measurements per fault rather
// than shifting every channel uniformly.
var disturbanceCoupling = map[int][]coupling{
	0:  {{xmeas: 8, gain: 1.4}, {xmeas: 18, gain: 0.6}},
	1:  {{xmeas: 6, gain: 1.1}, {xmeas: 22, gain: 0.8}},
	2:  {{xmeas: 0, gain: 0.9}},
	3:  {{xmeas: 8, gain: 2.0}},
	4:  {{xmeas: 21, gain: 1.3}},
	5:  {{xmeas: 0, gain: 2.2}},
	6:  {{xmeas: 3, gain: 1.6}},
	7:  {{xmeas: 15, gain: 1.0}, {xmeas: 16, gain: 1.0}},
	8:  {{xmeas: 8, gain: 0.7}},
	9:  {{xmeas: 17, gain: 1.2}},
}

type coupling struct {
	xmeas int
	gain  float64
}

// Reference is a deterministic stand-in simulator: steady-state baseline
// values per channel, perturbed by active disturbances and a small
// seeded-noise term so repeated runs from the same seed are reproducible.
type Reference struct {
	rng       *rand.Rand
	step      int64
	simTime   float64
	intervalS float64
	baseline  [tep.NumMeasurements]float64
	manipBase [tep.NumManipulated]float64
}

// NewReference constructs a Reference simulator seeded for determinism.
// intervalSeconds is the simulated time advanced per Step (independent of
// the driver's real-time cadence).
func NewReference(seed int64, intervalSeconds float64) *Reference {
	r := &Reference{
		rng:       rand.New(rand.NewSource(seed)),
		intervalS: intervalSeconds,
	}
	for i := range r.baseline {
		r.baseline[i] = 50 + 10*math.Sin(float64(i))
	}
	for i := range r.manipBase {
		r.manipBase[i] = 40 + 5*math.Cos(float64(i))
	}
	return r
}

func (r *Reference) Step(input Input) (Output, error) {
	r.step++
	r.simTime += r.intervalS

	var out Output
	out.SimTimeSeconds = r.simTime

	for i := range out.Measurements {
		noise := r.rng.NormFloat64() * 0.5
		out.Measurements[i] = r.baseline[i] + noise
	}
	for idv, magnitude := range input.Disturbances {
		if magnitude <= 0 {
			continue
		}
		for _, c := range disturbanceCoupling[idv] {
			out.Measurements[c.xmeas] += magnitude * c.gain
		}
	}

	for i := range out.Manipulated {
		if override := input.XMVOverrides[i]; override != nil {
			out.Manipulated[i] = *override
		} else {
			out.Manipulated[i] = r.manipBase[i] + r.rng.NormFloat64()*0.2
		}
	}

	return out, nil
}
