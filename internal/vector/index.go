// Package vector provides exact nearest-neighbor scoring over embedding vectors.
package vector

import (
	"context"
	"errors"
)

// ErrDimensionMismatch is returned when a vector's length differs from the index dimensions.
var ErrDimensionMismatch = errors.New("vector dimension mismatch")

// Index is an exact k-nearest-neighbor index keyed by record ID.
type Index interface {
	Add(ctx context.Context, ids []int64, vectors [][]float32) error
	Search(ctx context.Context, query []float32, k int) ([]Result, error)
	Size() int
	Dimensions() int
	Metric() Metric
}

// Result is a single search hit.
type Result struct {
	ID       int64
	Distance float64 // smaller is closer, for every metric
	Score    float64 // metric-native value: similarity, euclidean distance or dot product
}
