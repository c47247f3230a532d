package vector

import (
	"math"
	"testing"
)

func TestParseMetric(t *testing.T) {
	tests := []struct {
		in      string
		want    Metric
		wantErr bool
	}{
		{"", Cosine, false},
		{"cosine", Cosine, false},
		{" L2 ", L2, false},
		{"ip", IP, false},
		{"manhattan", "", true},
	}
	for _, tt := range tests {
		got, err := ParseMetric(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseMetric(%q) err=%v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseMetric(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestSimilarityHelpers(t *testing.T) {
	a := []float32{3, 4}
	b := []float32{4, 3}
	if got := InnerProduct(a, b); got != 24 {
		t.Errorf("InnerProduct = %f", got)
	}
	if got := CosineSimilarity(a, b); math.Abs(got-0.96) > 1e-9 {
		t.Errorf("CosineSimilarity = %f", got)
	}
	if got := EuclideanDistance(a, b); math.Abs(got-math.Sqrt2) > 1e-9 {
		t.Errorf("EuclideanDistance = %f", got)
	}
	if got := CosineSimilarity([]float32{0, 0}, a); got != 0 {
		t.Errorf("zero vector cosine = %f", got)
	}
	if got := InnerProduct(a, []float32{1}); got != 0 {
		t.Errorf("length mismatch inner product = %f", got)
	}
}

func TestCodecRoundTrip(t *testing.T) {
	in := []float32{0, 1, -1.5, float32(math.Pi), math.MaxFloat32}
	blob := EncodeFloat32s(in)
	if len(blob) != 4*len(in) {
		t.Fatalf("blob len = %d", len(blob))
	}
	out, err := DecodeFloat32s(blob)
	if err != nil {
		t.Fatal(err)
	}
	for i := range in {
		if in[i] != out[i] {
			t.Errorf("index %d: %f != %f", i, in[i], out[i])
		}
	}
	if _, err := DecodeFloat32s([]byte{1, 2, 3}); err == nil {
		t.Error("expected error for truncated blob")
	}
}
