// Package physics models lung pressure from ventilator control signals with
// the single-compartment relation P = R*Q + V/C.
package physics

import (
	"math"
	"math/rand"
)

const (
	flowGain   = 5.0
	volumeGain = 0.1
	// NoiseAmplitude is the full width of the uniform measurement noise.
	NoiseAmplitude = 1.5
)

// BasePressure is the noise-free estimate for one time step.
func BasePressure(timeStep, r, c, uIn float64) float64 {
	flow := uIn * flowGain
	volume := timeStep * flow * volumeGain
	return r*flow + (1/c)*volume
}

// ProxyPressure is the coarse reference the prediction service scores against.
func ProxyPressure(timeStep, r, c, uIn float64) float64 {
	return r*uIn*0.1 + (1/c)*timeStep*0.5
}

type Estimator struct {
	rng *rand.Rand
}

func NewEstimator(rng *rand.Rand) *Estimator {
	if rng == nil {
		rng = rand.New(rand.NewSource(1))
	}
	return &Estimator{rng: rng}
}

// Estimate adds uniform noise in [-0.75, 0.75] to the base term and clamps at zero.
func (e *Estimator) Estimate(timeStep, r, c, uIn float64) float64 {
	noise := (e.rng.Float64() - 0.5) * NoiseAmplitude
	return math.Max(0, BasePressure(timeStep, r, c, uIn)+noise)
}

// Uniform draws from the estimator's random source so callers share one stream.
func (e *Estimator) Uniform() float64 {
	return e.rng.Float64()
}
