package utils

import (
	"math"
	"testing"
)

func TestNormalizeL2(t *testing.T) {
	x := []float32{3, 4}
	NormalizeL2(x)
	if math.Abs(float64(x[0])-0.6) > 1e-6 || math.Abs(float64(x[1])-0.8) > 1e-6 {
		t.Errorf("got %v, want [0.6 0.8]", x)
	}
	if !IsUnit(x, 1e-6) {
		t.Errorf("norm = %f, want 1", L2Norm(x))
	}
}

func TestNormalizeL2_zero(t *testing.T) {
	x := []float32{0, 0, 0}
	NormalizeL2(x)
	for _, v := range x {
		if v != 0 {
			t.Fatalf("zero vector should be unchanged, got %v", x)
		}
	}
	if IsUnit(x, 1e-6) {
		t.Error("zero vector is not unit length")
	}
}

func TestL2Norm(t *testing.T) {
	if got := L2Norm([]float32{3, 4}); got != 5 {
		t.Errorf("L2Norm = %f, want 5", got)
	}
}
