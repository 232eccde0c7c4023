// Package sim replays breath cycles through a synthetic training curve and a
// noisy testing evaluation, one cycle per tick.
package sim

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"ventsim/internal/metrics"
	"ventsim/internal/model"
	"ventsim/internal/physics"
)

// ErrPrecondition is returned when a transition is requested from a state that
// does not allow it.
var ErrPrecondition = errors.New("precondition failed")

type Mode int

const (
	Idle Mode = iota
	Training
	Testing
)

func (m Mode) String() string {
	switch m {
	case Idle:
		return "idle"
	case Training:
		return "training"
	case Testing:
		return "testing"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

const (
	// EpochsPerCycle bounds a training run at EpochsPerCycle*cycleCount epochs.
	EpochsPerCycle = 125
	// MaxTestCycles bounds the testing pointer.
	MaxTestCycles = 125
	// SyntheticSteps is the length of the cycle used without a training dataset.
	SyntheticSteps = 80

	TrainingPeriod = 300 * time.Millisecond
	TestingPeriod  = 100 * time.Millisecond
)

const (
	syntheticInspiratory = 40
	referenceScaleMin    = 0.95
	referenceScaleSpread = 0.1
	defaultSyntheticR    = 20.0
	defaultSyntheticC    = 50.0
)

type Config struct {
	// R and C parameterise the synthetic cycle used when no training dataset is loaded.
	R    float64
	C    float64
	Rand *rand.Rand
}

// Frame is what one tick emits.
type Frame struct {
	Mode         Mode                `json:"mode"`
	Epoch        int                 `json:"epoch"`
	TestCycle    int                 `json:"test_cycle"`
	CycleIndex   int                 `json:"cycle_index"`
	BreathID     string              `json:"breath_id,omitempty"`
	Metrics      model.Metrics       `json:"metrics"`
	Observations []model.Observation `json:"observations"`
	// Finished is set on the tick that returned the driver to Idle.
	Finished bool `json:"finished"`
}

// State is a read-only snapshot of the driver.
type State struct {
	Mode          Mode                `json:"mode"`
	Epoch         int                 `json:"epoch"`
	TestCycle     int                 `json:"test_cycle"`
	TrainMetrics  model.Metrics       `json:"train_metrics"`
	TestMetrics   model.Metrics       `json:"test_metrics"`
	Observations  []model.Observation `json:"observations"`
	TrainingBound int                 `json:"training_bound"`
	TestingBound  int                 `json:"testing_bound"`
}

type Driver struct {
	mu sync.Mutex

	cfg       Config
	rng       *rand.Rand
	estimator *physics.Estimator

	train model.Dataset
	test  model.Dataset

	mode         Mode
	epoch        int
	testCycle    int
	trainMetrics model.Metrics
	testMetrics  model.Metrics
	observations []model.Observation
}

func NewDriver(cfg Config) *Driver {
	if cfg.R <= 0 {
		cfg.R = defaultSyntheticR
	}
	if cfg.C <= 0 {
		cfg.C = defaultSyntheticC
	}
	rng := cfg.Rand
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Driver{
		cfg:       cfg,
		rng:       rng,
		estimator: physics.NewEstimator(rng),
	}
}

func (d *Driver) LoadTrainingDataset(ds model.Dataset) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.train = ds
}

func (d *Driver) LoadTestDataset(ds model.Dataset) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.test = ds
}

// SetBreathParams changes R/C of the synthetic cycle.
func (d *Driver) SetBreathParams(r, c float64) error {
	if r <= 0 || c <= 0 {
		return fmt.Errorf("breath params must be positive: R=%f C=%f", r, c)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cfg.R = r
	d.cfg.C = c
	return nil
}

func (d *Driver) StartTraining() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.mode = Training
}

func (d *Driver) StartTesting() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.test.CycleCount() == 0 {
		return fmt.Errorf("%w: no test dataset loaded", ErrPrecondition)
	}
	if d.epoch == 0 {
		return fmt.Errorf("%w: model has not been trained", ErrPrecondition)
	}
	d.mode = Testing
	d.testCycle = 0
	return nil
}

// Stop returns to Idle without clearing counters.
func (d *Driver) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.mode = Idle
}

func (d *Driver) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.mode = Idle
	d.epoch = 0
	d.testCycle = 0
	d.trainMetrics = model.Metrics{}
	d.testMetrics = model.Metrics{}
	d.observations = nil
}

func (d *Driver) Mode() Mode {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mode
}

// Period is the tick cadence the scheduler should use in the current mode.
func (d *Driver) Period() time.Duration {
	if d.Mode() == Testing {
		return TestingPeriod
	}
	return TrainingPeriod
}

func (d *Driver) Snapshot() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return State{
		Mode:          d.mode,
		Epoch:         d.epoch,
		TestCycle:     d.testCycle,
		TrainMetrics:  d.trainMetrics,
		TestMetrics:   d.testMetrics,
		Observations:  append([]model.Observation(nil), d.observations...),
		TrainingBound: d.trainingBound(),
		TestingBound:  d.testingBound(),
	}
}

// Tick advances the active run by one step. The bool is false when the
// driver was Idle and nothing happened.
func (d *Driver) Tick() (Frame, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch d.mode {
	case Training:
		return d.tickTraining(), true
	case Testing:
		return d.tickTesting(), true
	default:
		return Frame{Mode: Idle, Epoch: d.epoch, TestCycle: d.testCycle}, false
	}
}

func (d *Driver) trainingBound() int {
	if n := d.train.CycleCount(); n > 0 {
		return EpochsPerCycle * n
	}
	return EpochsPerCycle
}

func (d *Driver) testingBound() int {
	if n := d.test.CycleCount(); n < MaxTestCycles {
		return n
	}
	return MaxTestCycles
}

func (d *Driver) tickTraining() Frame {
	cycleIndex := 0
	if n := d.train.CycleCount(); n > 0 {
		cycleIndex = d.epoch % n
	}
	d.epoch++

	point := metrics.TrainingCurve(d.epoch, d.rng.Float64())
	d.trainMetrics = model.Metrics{MAE: point.MAE, RMSE: point.RMSE}

	frame := Frame{Mode: Training, Epoch: d.epoch, CycleIndex: cycleIndex}
	if d.train.CycleCount() > 0 {
		cycle := d.train.Cycles[cycleIndex]
		frame.BreathID = cycle.BreathID
		d.observations = d.trainingObservations(cycle.Records, point.RawMAE)
	} else {
		d.observations = d.trainingObservations(d.syntheticCycle(), point.RawMAE)
	}
	d.trainMetrics.Samples = len(d.observations)
	frame.Metrics = d.trainMetrics
	frame.Observations = d.observations

	if d.epoch >= d.trainingBound() {
		d.mode = Idle
		frame.Finished = true
	}
	return frame
}

func (d *Driver) syntheticCycle() []model.Record {
	records := make([]model.Record, 0, SyntheticSteps)
	for t := 0; t < SyntheticSteps; t++ {
		uIn := 0.0
		if t < syntheticInspiratory {
			uIn = 1
		}
		records = append(records, model.Record{
			TimeStep: float64(t),
			UIn:      uIn,
			R:        d.cfg.R,
			C:        d.cfg.C,
		})
	}
	return records
}

func (d *Driver) trainingObservations(records []model.Record, rawMAE float64) []model.Observation {
	out := make([]model.Observation, 0, len(records))
	for _, rec := range records {
		actual, ok := rec.ReferencePressure()
		if !ok {
			actual = d.estimator.Estimate(rec.TimeStep, rec.R, rec.C, rec.UIn)
		}
		predicted := actual + (d.rng.Float64()-0.5)*rawMAE*2
		errAbs := math.Abs(actual - predicted)
		a := actual
		out = append(out, model.Observation{
			TimeStep:  rec.TimeStep,
			UIn:       rec.UIn,
			UOut:      rec.UOut,
			R:         rec.R,
			C:         rec.C,
			Actual:    &a,
			Predicted: math.Max(0, predicted),
			Error:     &errAbs,
		})
	}
	return out
}

func (d *Driver) tickTesting() Frame {
	d.testCycle++
	if d.testCycle >= d.testingBound() {
		d.mode = Idle
		d.testCycle = 0
		return Frame{Mode: Idle, Epoch: d.epoch, Metrics: d.testMetrics, Finished: true}
	}

	var acc metrics.Accumulator
	for i := 0; i <= d.testCycle; i++ {
		for _, rec := range d.test.Cycles[i].Records {
			predicted := d.estimator.Estimate(rec.TimeStep, rec.R, rec.C, rec.UIn)
			reference := d.estimator.Estimate(rec.TimeStep, rec.R, rec.C, rec.UIn) *
				(referenceScaleMin + d.rng.Float64()*referenceScaleSpread)
			acc.Add(predicted, reference)
		}
	}
	if m, err := acc.Snapshot(); err == nil {
		d.testMetrics = m
	}

	cycle := d.test.Cycles[d.testCycle]
	obs := make([]model.Observation, 0, len(cycle.Records))
	for _, rec := range cycle.Records {
		obs = append(obs, model.Observation{
			TimeStep:  rec.TimeStep,
			UIn:       rec.UIn,
			UOut:      rec.UOut,
			R:         rec.R,
			C:         rec.C,
			Predicted: d.estimator.Estimate(rec.TimeStep, rec.R, rec.C, rec.UIn),
		})
	}
	d.observations = obs

	return Frame{
		Mode:         Testing,
		Epoch:        d.epoch,
		TestCycle:    d.testCycle,
		CycleIndex:   d.testCycle,
		BreathID:     cycle.BreathID,
		Metrics:      d.testMetrics,
		Observations: obs,
	}
}
