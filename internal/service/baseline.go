// Package service exposes the prediction collaborator over HTTP: a physics
// baseline fitted to uploaded breaths, scored against a coarse proxy.
package service

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"strconv"
	"time"

	"ventsim/internal/metrics"
	"ventsim/internal/model"
	"ventsim/internal/physics"
	"ventsim/internal/storage"
)

const (
	ModelType = "physics_baseline"

	// TrainSampleLimit caps the rows a training upload contributes.
	TrainSampleLimit = 50000
	DefaultEpochs    = 50
	// PreviewLimit bounds the predictions echoed in a predict response.
	PreviewLimit = 100
	// MaxSubmissionRows bounds the id range a submission may span.
	MaxSubmissionRows = 5_000_000
)

var (
	ErrNoReference = errors.New("dataset has no reference pressure samples")
	ErrNoRecords   = errors.New("dataset has no records")
)

// Baseline scales the single-compartment pressure by a fitted gain and offset.
type Baseline struct {
	Gain    float64 `json:"gain"`
	Offset  float64 `json:"offset"`
	Samples int     `json:"samples"`
	Breaths int     `json:"breaths"`
	MAE     float64 `json:"mae"`
}

type Prediction struct {
	ID       string  `json:"id"`
	BreathID string  `json:"breath_id"`
	Pressure float64 `json:"pressure"`
}

// FitBaseline solves the least-squares line between base and reference
// pressure over every record carrying a reference.
func FitBaseline(ds model.Dataset) (Baseline, error) {
	var n, sumX, sumY, sumXX, sumXY float64
	for _, cycle := range ds.Cycles {
		for _, rec := range cycle.Records {
			y, ok := rec.ReferencePressure()
			if !ok {
				continue
			}
			x := physics.BasePressure(rec.TimeStep, rec.R, rec.C, rec.UIn)
			n++
			sumX += x
			sumY += y
			sumXX += x * x
			sumXY += x * y
		}
	}
	if n == 0 {
		return Baseline{}, ErrNoReference
	}

	b := Baseline{Samples: int(n), Breaths: ds.CycleCount()}
	meanX, meanY := sumX/n, sumY/n
	if variance := sumXX/n - meanX*meanX; variance > 1e-12 {
		b.Gain = (sumXY/n - meanX*meanY) / variance
		b.Offset = meanY - b.Gain*meanX
	} else {
		b.Offset = meanY
	}

	var acc metrics.Accumulator
	for _, cycle := range ds.Cycles {
		for _, rec := range cycle.Records {
			if y, ok := rec.ReferencePressure(); ok {
				acc.Add(b.Predict(rec), y)
			}
		}
	}
	m, err := acc.Snapshot()
	if err != nil {
		return Baseline{}, err
	}
	b.MAE = m.MAE
	return b, nil
}

func (b Baseline) Predict(rec model.Record) float64 {
	return math.Max(0, b.Gain*physics.BasePressure(rec.TimeStep, rec.R, rec.C, rec.UIn)+b.Offset)
}

// PredictDataset predicts every record and scores the result against the
// proxy pressure.
func (b Baseline) PredictDataset(ds model.Dataset) ([]Prediction, model.Metrics, error) {
	out := make([]Prediction, 0, ds.Summary.TotalRecords)
	var acc metrics.Accumulator
	for _, cycle := range ds.Cycles {
		for _, rec := range cycle.Records {
			p := b.Predict(rec)
			out = append(out, Prediction{ID: rec.ID, BreathID: rec.BreathID, Pressure: p})
			acc.Add(p, physics.ProxyPressure(rec.TimeStep, rec.R, rec.C, rec.UIn))
		}
	}
	m, err := acc.Snapshot()
	if errors.Is(err, metrics.ErrNoSamples) {
		return nil, model.Metrics{}, ErrNoRecords
	}
	return out, m, err
}

func (b Baseline) Snapshot(id string, at time.Time) model.ModelSnapshot {
	return model.ModelSnapshot{
		VersionedRecord: storage.CurrentVersion(),
		ID:              id,
		ModelType:       ModelType,
		Gain:            b.Gain,
		Offset:          b.Offset,
		Samples:         b.Samples,
		Breaths:         b.Breaths,
		MAE:             b.MAE,
		TrainedAtUTC:    at.UTC().Format(time.RFC3339),
	}
}

func BaselineFromSnapshot(s model.ModelSnapshot) Baseline {
	return Baseline{Gain: s.Gain, Offset: s.Offset, Samples: s.Samples, Breaths: s.Breaths, MAE: s.MAE}
}

// TrainingHistory reports the synthetic learning curve for a fit of the
// given number of epochs.
func TrainingHistory(epochs int, rng *rand.Rand) []metrics.CurvePoint {
	out := make([]metrics.CurvePoint, 0, epochs)
	for epoch := 1; epoch <= epochs; epoch++ {
		out = append(out, metrics.TrainingCurve(epoch, rng.Float64()))
	}
	return out
}

type SubmissionStats struct {
	Rows      int     `json:"rows"`
	Real      int     `json:"real"`
	Synthetic int     `json:"synthetic"`
	Mean      float64 `json:"mean"`
	Std       float64 `json:"std"`
	Min       float64 `json:"min"`
	Max       float64 `json:"max"`
}

// WriteSubmission writes id,pressure for every id between the smallest and
// largest predicted id. Ids without a prediction get a normal draw around the
// predicted mean, clipped to the predicted range.
func WriteSubmission(w io.Writer, preds []Prediction, rng *rand.Rand) (SubmissionStats, error) {
	known := make(map[int64]float64, len(preds))
	var stats SubmissionStats
	var sum, sumSq float64
	minID, maxID := int64(math.MaxInt64), int64(math.MinInt64)
	for _, p := range preds {
		id, err := strconv.ParseInt(p.ID, 10, 64)
		if err != nil {
			return SubmissionStats{}, fmt.Errorf("prediction id %q is not an integer", p.ID)
		}
		if len(known) == 0 {
			stats.Min, stats.Max = p.Pressure, p.Pressure
		}
		known[id] = p.Pressure
		sum += p.Pressure
		sumSq += p.Pressure * p.Pressure
		stats.Min = math.Min(stats.Min, p.Pressure)
		stats.Max = math.Max(stats.Max, p.Pressure)
		if id < minID {
			minID = id
		}
		if id > maxID {
			maxID = id
		}
	}
	if len(preds) == 0 {
		return SubmissionStats{}, ErrNoRecords
	}
	if span := maxID - minID + 1; span > MaxSubmissionRows {
		return SubmissionStats{}, fmt.Errorf("submission spans %d ids, limit is %d", span, MaxSubmissionRows)
	}

	n := float64(len(preds))
	stats.Mean = sum / n
	stats.Std = math.Sqrt(math.Max(0, sumSq/n-stats.Mean*stats.Mean))

	writer := csv.NewWriter(w)
	if err := writer.Write([]string{"id", "pressure"}); err != nil {
		return SubmissionStats{}, err
	}
	for id := minID; id <= maxID; id++ {
		pressure, ok := known[id]
		if ok {
			stats.Real++
		} else {
			pressure = rng.NormFloat64()*stats.Std + stats.Mean
			pressure = math.Min(stats.Max, math.Max(stats.Min, pressure))
			stats.Synthetic++
		}
		stats.Rows++
		if err := writer.Write([]string{strconv.FormatInt(id, 10), strconv.FormatFloat(pressure, 'f', -1, 64)}); err != nil {
			return SubmissionStats{}, err
		}
	}
	writer.Flush()
	return stats, writer.Error()
}
