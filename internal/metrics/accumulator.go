package metrics

import (
	"errors"
	"math"

	"ventsim/internal/model"
)

// ErrNoSamples is returned when metrics are requested before any pair was added.
var ErrNoSamples = errors.New("no samples accumulated")

type Pair struct {
	Predicted float64
	Reference float64
}

// Accumulator keeps running absolute and squared error sums so MAE and RMSE
// can be read at any point without revisiting earlier pairs.
type Accumulator struct {
	absSum float64
	sqSum  float64
	count  int
}

func (a *Accumulator) Add(predicted, reference float64) {
	diff := math.Abs(predicted - reference)
	a.absSum += diff
	a.sqSum += diff * diff
	a.count++
}

func (a *Accumulator) AddPairs(pairs []Pair) {
	for _, p := range pairs {
		a.Add(p.Predicted, p.Reference)
	}
}

func (a *Accumulator) Count() int { return a.count }

func (a *Accumulator) Reset() {
	*a = Accumulator{}
}

func (a *Accumulator) Snapshot() (model.Metrics, error) {
	if a.count == 0 {
		return model.Metrics{}, ErrNoSamples
	}
	n := float64(a.count)
	return model.Metrics{
		MAE:     a.absSum / n,
		RMSE:    math.Sqrt(a.sqSum / n),
		Samples: a.count,
	}, nil
}

// Compute evaluates MAE and RMSE over a complete set of pairs.
func Compute(pairs []Pair) (model.Metrics, error) {
	var acc Accumulator
	acc.AddPairs(pairs)
	return acc.Snapshot()
}
