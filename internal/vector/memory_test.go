package vector

import (
	"context"
	"errors"
	"math"
	"testing"
)

func TestMemoryIndex_AddSearch(t *testing.T) {
	idx, err := NewMemoryIndex(3, Cosine)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	vecs := [][]float32{
		{1, 0, 0},
		{0.9, 0.1, 0},
		{0, 1, 0},
	}
	if err := idx.Add(ctx, []int64{1, 2, 3}, vecs); err != nil {
		t.Fatal(err)
	}
	if idx.Size() != 3 {
		t.Errorf("Size=%d", idx.Size())
	}

	results, err := idx.Search(ctx, []float32{1, 0, 0}, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].ID != 1 || results[1].ID != 2 {
		t.Errorf("order = %d,%d, want 1,2", results[0].ID, results[1].ID)
	}
	if math.Abs(results[0].Score-1) > 1e-9 || math.Abs(results[0].Distance) > 1e-9 {
		t.Errorf("self match: distance=%f score=%f", results[0].Distance, results[0].Score)
	}
}

func TestMemoryIndex_Metrics(t *testing.T) {
	ctx := context.Background()
	query := []float32{0.6, 0.8}
	vecs := [][]float32{{0.6, 0.8}, {1, 0}, {-0.6, -0.8}}
	tests := []struct {
		metric     Metric
		wantScores []float64
	}{
		{Cosine, []float64{1, 0.6, -1}},
		{L2, []float64{0, math.Sqrt(0.16 + 0.64), 2}},
		{IP, []float64{1, 0.6, -1}},
	}
	for _, tt := range tests {
		t.Run(tt.metric.String(), func(t *testing.T) {
			idx, err := NewMemoryIndex(2, tt.metric)
			if err != nil {
				t.Fatal(err)
			}
			if err := idx.Add(ctx, []int64{10, 20, 30}, vecs); err != nil {
				t.Fatal(err)
			}
			results, err := idx.Search(ctx, query, 3)
			if err != nil {
				t.Fatal(err)
			}
			for i, r := range results {
				if r.ID != int64(10*(i+1)) {
					t.Errorf("rank %d: id=%d", i, r.ID)
				}
				if math.Abs(r.Score-tt.wantScores[i]) > 1e-6 {
					t.Errorf("rank %d: score=%f, want %f", i, r.Score, tt.wantScores[i])
				}
				if i > 0 && r.Distance < results[i-1].Distance {
					t.Errorf("distances not ascending at %d", i)
				}
			}
		})
	}
}

func TestMemoryIndex_TieBreakByID(t *testing.T) {
	idx, _ := NewMemoryIndex(2, Cosine)
	ctx := context.Background()
	// Same vector stored under three IDs, added out of order.
	_ = idx.Add(ctx, []int64{7, 3, 5}, [][]float32{{1, 0}, {1, 0}, {1, 0}})
	results, err := idx.Search(ctx, []float32{1, 0}, 3)
	if err != nil {
		t.Fatal(err)
	}
	for i, want := range []int64{3, 5, 7} {
		if results[i].ID != want {
			t.Errorf("rank %d: id=%d, want %d", i, results[i].ID, want)
		}
	}
}

func TestMemoryIndex_KBounds(t *testing.T) {
	idx, _ := NewMemoryIndex(2, L2)
	ctx := context.Background()
	_ = idx.Add(ctx, []int64{1, 2}, [][]float32{{1, 0}, {0, 1}})

	tests := []struct {
		k    int
		want int
	}{
		{-1, 0},
		{0, 0},
		{1, 1},
		{5, 2},
	}
	for _, tt := range tests {
		results, err := idx.Search(ctx, []float32{1, 0}, tt.k)
		if err != nil {
			t.Fatal(err)
		}
		if len(results) != tt.want {
			t.Errorf("k=%d: got %d results, want %d", tt.k, len(results), tt.want)
		}
	}
}

func TestMemoryIndex_DimensionMismatch(t *testing.T) {
	idx, _ := NewMemoryIndex(3, Cosine)
	ctx := context.Background()
	err := idx.Add(ctx, []int64{1, 2}, [][]float32{{1, 0, 0}, {1, 0}})
	if !errors.Is(err, ErrDimensionMismatch) {
		t.Errorf("Add err = %v, want ErrDimensionMismatch", err)
	}
	if idx.Size() != 0 {
		t.Errorf("partial add: size=%d", idx.Size())
	}
	if _, err := idx.Search(ctx, []float32{1}, 1); !errors.Is(err, ErrDimensionMismatch) {
		t.Errorf("Search err = %v, want ErrDimensionMismatch", err)
	}
}

func TestMemoryIndex_EmptyAndCanceled(t *testing.T) {
	idx, _ := NewMemoryIndex(2, Cosine)
	results, err := idx.Search(context.Background(), []float32{1, 0}, 3)
	if err != nil || len(results) != 0 {
		t.Errorf("empty index: results=%v err=%v", results, err)
	}

	_ = idx.Add(context.Background(), []int64{1}, [][]float32{{1, 0}})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := idx.Search(ctx, []float32{1, 0}, 1); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestNewMemoryIndex_Invalid(t *testing.T) {
	if _, err := NewMemoryIndex(0, Cosine); err == nil {
		t.Error("expected error for zero dimensions")
	}
	if _, err := NewMemoryIndex(3, "hamming"); err == nil {
		t.Error("expected error for unknown metric")
	}
	idx, err := NewMemoryIndex(3, "")
	if err != nil {
		t.Fatal(err)
	}
	if idx.Metric() != Cosine || idx.Dimensions() != 3 {
		t.Errorf("metric=%s dims=%d", idx.Metric(), idx.Dimensions())
	}
}
