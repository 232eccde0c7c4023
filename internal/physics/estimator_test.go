package physics

import (
	"math"
	"math/rand"
	"testing"
)

func TestBasePressureExact(t *testing.T) {
	got := BasePressure(10, 20, 50, 1)
	if got != 100.1 {
		t.Fatalf("expected 100.1, got %v", got)
	}
	if BasePressure(3, 5, 10, 0) != 0 {
		t.Fatal("expected zero base pressure with closed valve")
	}
}

func TestProxyPressure(t *testing.T) {
	got := ProxyPressure(1, 20, 50, 10)
	want := 20.0 + 0.01
	if math.Abs(got-want) > 1e-12 {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestEstimateStaysWithinNoiseBand(t *testing.T) {
	est := NewEstimator(rand.New(rand.NewSource(7)))
	base := BasePressure(10, 20, 50, 1)
	sum := 0.0
	const n = 5000
	for i := 0; i < n; i++ {
		v := est.Estimate(10, 20, 50, 1)
		if v < base-0.75 || v > base+0.75 {
			t.Fatalf("estimate %v outside [%v, %v]", v, base-0.75, base+0.75)
		}
		sum += v
	}
	if mean := sum / n; math.Abs(mean-base) > 0.05 {
		t.Fatalf("mean %v drifted from base %v", mean, base)
	}
}

func TestEstimateClampsAtZero(t *testing.T) {
	est := NewEstimator(rand.New(rand.NewSource(3)))
	negative := 0
	for i := 0; i < 1000; i++ {
		v := est.Estimate(0, 20, 50, 0)
		if v < 0 {
			negative++
		}
		if v > 0.75 {
			t.Fatalf("estimate %v above noise ceiling", v)
		}
	}
	if negative != 0 {
		t.Fatalf("expected no negative estimates, got %d", negative)
	}
}

func TestEstimateDeterministicWithSeed(t *testing.T) {
	a := NewEstimator(rand.New(rand.NewSource(11)))
	b := NewEstimator(rand.New(rand.NewSource(11)))
	for i := 0; i < 10; i++ {
		if a.Estimate(float64(i), 20, 50, 1) != b.Estimate(float64(i), 20, 50, 1) {
			t.Fatal("expected identical streams for identical seeds")
		}
	}
}
