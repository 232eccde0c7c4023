package metrics

import (
	"errors"
	"math"
	"math/rand"
	"testing"
)

func TestComputeKnownPairs(t *testing.T) {
	m, err := Compute([]Pair{{Predicted: 1, Reference: 1}, {Predicted: 3, Reference: 5}})
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if m.MAE != 1.5 {
		t.Fatalf("expected MAE 1.5, got %v", m.MAE)
	}
	if math.Abs(m.RMSE-math.Sqrt(8)) > 1e-12 {
		t.Fatalf("expected RMSE %v, got %v", math.Sqrt(8), m.RMSE)
	}
	if m.Samples != 2 {
		t.Fatalf("expected 2 samples, got %d", m.Samples)
	}
}

func TestSnapshotWithoutSamples(t *testing.T) {
	var acc Accumulator
	if _, err := acc.Snapshot(); !errors.Is(err, ErrNoSamples) {
		t.Fatalf("expected ErrNoSamples, got %v", err)
	}
}

func TestIncrementalMatchesFullRecompute(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	var acc Accumulator
	pairs := make([]Pair, 0, 200)
	for k := 0; k < 200; k++ {
		p := Pair{Predicted: rng.Float64() * 40, Reference: rng.Float64() * 40}
		pairs = append(pairs, p)
		acc.Add(p.Predicted, p.Reference)

		inc, err := acc.Snapshot()
		if err != nil {
			t.Fatalf("snapshot: %v", err)
		}
		full, err := Compute(pairs)
		if err != nil {
			t.Fatalf("compute: %v", err)
		}
		if inc != full {
			t.Fatalf("step %d incremental %+v != full %+v", k, inc, full)
		}
		if inc.MAE < 0 || inc.RMSE < 0 || inc.RMSE+1e-12 < inc.MAE {
			t.Fatalf("invalid metrics at step %d: %+v", k, inc)
		}
	}
}

func TestResetClearsCount(t *testing.T) {
	var acc Accumulator
	acc.Add(1, 2)
	acc.Add(2, 2)
	if acc.Count() != 2 {
		t.Fatalf("expected count 2, got %d", acc.Count())
	}
	acc.Reset()
	if acc.Count() != 0 {
		t.Fatalf("expected count 0 after reset, got %d", acc.Count())
	}
}

func TestTrainingCurveDecaysToFloors(t *testing.T) {
	first := TrainingCurve(1, 0)
	if math.Abs(first.RawMAE-5*math.Exp(-1.0/15)) > 1e-12 {
		t.Fatalf("unexpected raw mae at epoch 1: %+v", first)
	}
	late := TrainingCurve(500, 0.99)
	if late.MAE != MAEFloor || late.RMSE != RMSEFloor {
		t.Fatalf("expected floors late in training, got %+v", late)
	}
	prev := TrainingCurve(1, 0)
	for epoch := 2; epoch < 60; epoch++ {
		cur := TrainingCurve(epoch, 0)
		if cur.RawMAE >= prev.RawMAE || cur.Progress <= prev.Progress {
			t.Fatalf("curve not monotone at epoch %d: %+v vs %+v", epoch, cur, prev)
		}
		prev = cur
	}
}
