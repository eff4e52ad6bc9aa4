// Package detector implements the PCA Hotelling T² anomaly detector
// (§4.B): standardize, project onto retained principal components, compute
// T², compare to threshold, and rank per-feature contributions.
package detector

import (
	"math"
	"sort"
	"sync/atomic"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/mat"

	"tepmonitor/pkg/tep"
)

// Config tunes the detector's output shaping and event trigger policy.
type Config struct {
	// TopK is the number of contributing features reported per evaluation
	// and accumulated per AnomalyEvent (default 6).
	TopK int
	// NConsec is the number of consecutive anomalous (resp. non-anomalous)
	// frames required to open (resp. close) an AnomalyEvent (default 2,
	// applied symmetrically per the Open Question decision).
	NConsec int
}

// DefaultConfig returns the §4.B / §8 defaults: TopK=6, NConsec=2.
func DefaultConfig() Config {
	return Config{TopK: 6, NConsec: 2}
}

// Result is one evaluation's outcome.
type Result struct {
	T2                   float64
	Anomaly              bool
	ContributingFeatures []tep.FeatureShare
	Err                  string
	// Ready is false while the sliding window has not yet accumulated W
	// frames; no anomaly is asserted and no trigger state advances during
	// this warm-up period (§8 boundary behavior).
	Ready bool
}

// Detector holds the live BaselineModel (atomically swappable for reload)
// and the running AnomalyEvent trigger state. A Detector is not safe to
// evaluate concurrently from more than one goroutine — the Simulation
// Driver is its single caller per §5 — but Baseline() may be read from any
// goroutine (e.g. the status endpoint).
type Detector struct {
	cfg     Config
	model   atomic.Pointer[tep.BaselineModel]
	compMat map[*tep.BaselineModel]*mat.Dense

	anomalyRun    int
	cleanRun      int
	activeEvent   *tep.AnomalyEvent
	runningShare  map[string]runningMean
	onEventChange func(ev tep.AnomalyEvent, opened, closed bool)
}

type runningMean struct {
	sum   float64
	count int
}

// New constructs a Detector bound to the given baseline model. cfg supplies
// TopK/NConsec; zero values fall back to DefaultConfig().
func New(cfg Config, model *tep.BaselineModel) *Detector {
	if cfg.TopK <= 0 {
		cfg.TopK = DefaultConfig().TopK
	}
	if cfg.NConsec <= 0 {
		cfg.NConsec = DefaultConfig().NConsec
	}
	d := &Detector{cfg: cfg, runningShare: make(map[string]runningMean)}
	d.SwapBaseline(model)
	return d
}

// OnEventChange registers a callback invoked synchronously whenever an
// AnomalyEvent opens or closes, so the driver can enqueue a dispatch
// request without the detector importing the dispatcher.
func (d *Detector) OnEventChange(fn func(ev tep.AnomalyEvent, opened, closed bool)) {
	d.onEventChange = fn
}

// Baseline returns the currently active model.
func (d *Detector) Baseline() *tep.BaselineModel {
	return d.model.Load()
}

// SwapBaseline atomically replaces the active model. Callers (the
// orchestrator's baseline-reload handler) must have already validated the
// model; SwapBaseline does not re-validate. It also resets the trigger
// state and running contribution means, since mixing frames evaluated
// under two different models would violate §8.7.
func (d *Detector) SwapBaseline(model *tep.BaselineModel) {
	d.model.Store(model)
	d.anomalyRun = 0
	d.cleanRun = 0
	d.activeEvent = nil
	d.runningShare = make(map[string]runningMean)
}

// Evaluate runs the algorithm of §4.B against the given feature vector,
// ordered per the active model's FeatureNames, and advances the open/close
// trigger state machine. step identifies the frame for event bookkeeping.
// ready must be false until the caller's sliding window holds W frames;
// while not ready, Evaluate still scores T2 for visibility but forces
// Anomaly false and leaves the trigger state machine untouched, so no
// AnomalyEvent can open during the window's warm-up period.
func (d *Detector) Evaluate(step int64, features map[string]float64, ready bool) Result {
	model := d.model.Load()
	if model == nil {
		return Result{Err: "detector: no baseline loaded"}
	}

	f := model.F()
	z := make([]float64, f)
	for i, name := range model.FeatureNames {
		v, ok := features[name]
		if !ok {
			return Result{Err: tep.ErrFeatureMissing.Error()}
		}
		z[i] = (v - model.Mean[i]) / model.Std[i]
	}

	comp := d.componentsMatrix(model)
	zVec := mat.NewVecDense(f, z)
	p := model.P()
	t := mat.NewVecDense(p, nil)
	t.MulVec(comp, zVec)

	t2 := 0.0
	for k := 0; k < p; k++ {
		tk := t.AtVec(k)
		t2 += (tk * tk) / model.Eigenvalues[k]
	}
	if math.IsNaN(t2) || math.IsInf(t2, 0) {
		return Result{Err: "detector: non-finite T2"}
	}

	anomaly := t2 > model.ThresholdT2

	contributions := make([]tep.FeatureShare, 0, f)
	for i, name := range model.FeatureNames {
		c := 0.0
		for k := 0; k < p; k++ {
			loading := comp.At(k, i)
			tk := t.AtVec(k)
			term := loading * tk / model.Eigenvalues[k]
			c += term * term
		}
		c *= model.Std[i] * model.Std[i]
		contributions = append(contributions, tep.FeatureShare{Name: name, Share: c})
	}
	sort.Slice(contributions, func(i, j int) bool { return contributions[i].Share > contributions[j].Share })
	topK := d.cfg.TopK
	if topK > len(contributions) {
		topK = len(contributions)
	}
	top := append([]tep.FeatureShare(nil), contributions[:topK]...)

	if !ready {
		return Result{T2: t2, Anomaly: false, ContributingFeatures: top}
	}

	d.advanceTrigger(step, anomaly, t2, top)

	return Result{T2: t2, Anomaly: anomaly, ContributingFeatures: top, Ready: true}
}

// componentsMatrix lazily materializes and caches the *mat.Dense backing a
// model's Components rows so repeated evaluations against the same model
// don't re-allocate the matrix every frame.
func (d *Detector) componentsMatrix(model *tep.BaselineModel) *mat.Dense {
	if d.compMat == nil {
		d.compMat = make(map[*tep.BaselineModel]*mat.Dense)
	}
	if m, ok := d.compMat[model]; ok {
		return m
	}
	p, f := model.P(), model.F()
	flat := make([]float64, 0, p*f)
	for _, row := range model.Components {
		flat = append(flat, row...)
	}
	m := mat.NewDense(p, f, flat)
	d.compMat = map[*tep.BaselineModel]*mat.Dense{model: m}
	return m
}

// advanceTrigger implements the N_consec open/close state machine of
// §4.B's trigger policy, accumulating running-mean contributions while an
// event is open.
func (d *Detector) advanceTrigger(step int64, anomaly bool, t2 float64, top []tep.FeatureShare) {
	opened := false
	closed := false

	if anomaly {
		d.anomalyRun++
		d.cleanRun = 0
	} else {
		d.cleanRun++
		d.anomalyRun = 0
	}

	if d.activeEvent == nil {
		if d.anomalyRun >= d.cfg.NConsec {
			startStep := step - int64(d.cfg.NConsec) + 1
			d.activeEvent = &tep.AnomalyEvent{
				EventID:       newEventID(step),
				StartStep:     startStep,
				PeakT2:        t2,
				PeakStep:      step,
				DispatchState: tep.DispatchPending,
			}
			d.runningShare = make(map[string]runningMean)
			opened = true
		}
	} else {
		if t2 > d.activeEvent.PeakT2 {
			d.activeEvent.PeakT2 = t2
			d.activeEvent.PeakStep = step
		}
		for _, fs := range top {
			rm := d.runningShare[fs.Name]
			rm.sum += fs.Share
			rm.count++
			d.runningShare[fs.Name] = rm
		}
		d.activeEvent.TopFeatures = d.runningTop()

		if d.cleanRun >= d.cfg.NConsec {
			end := step
			d.activeEvent.EndStep = &end
			closed = true
		}
	}

	if d.onEventChange != nil && (opened || closed) {
		ev := *d.activeEvent
		d.onEventChange(ev, opened, closed)
	}
	if closed {
		d.activeEvent = nil
	}
}

func (d *Detector) runningTop() []tep.FeatureShare {
	out := make([]tep.FeatureShare, 0, len(d.runningShare))
	for name, rm := range d.runningShare {
		if rm.count == 0 {
			continue
		}
		out = append(out, tep.FeatureShare{Name: name, Share: rm.sum / float64(rm.count)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Share > out[j].Share })
	topK := d.cfg.TopK
	if topK > len(out) {
		topK = len(out)
	}
	return out[:topK]
}

// ActiveEvent returns a copy of the currently open event, or nil.
func (d *Detector) ActiveEvent() *tep.AnomalyEvent {
	if d.activeEvent == nil {
		return nil
	}
	ev := *d.activeEvent
	return &ev
}

func newEventID(step int64) string {
	return uuid.NewString()
}
