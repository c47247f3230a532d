package embedding

import (
	"context"
	"image"
	"math"
)

const (
	mockImageSize = 32
	mockGrid      = 8
)

// MockEncoder is a deterministic encoder for tests and model-less runs. It pools the
// preprocessed tensor into a coarse color grid and projects it onto a fixed basis,
// so identical images always get identical vectors and visually different images
// get different ones.
type MockEncoder struct {
	dimensions int
	pre        *Preprocessor
	basis      [][]float32 // dimensions x features
}

// NewMockEncoder returns an encoder that produces deterministic embeddings of the given dimensions.
func NewMockEncoder(dimensions int) *MockEncoder {
	if dimensions <= 0 {
		dimensions = 512
	}
	features := 3*mockGrid*mockGrid + 1
	basis := make([][]float32, dimensions)
	for i := range basis {
		row := make([]float32, features)
		for j := range row {
			row[j] = float32(math.Sin(float64((i+1)*(j+1)) * 0.618))
		}
		basis[i] = row
	}
	return &MockEncoder{
		dimensions: dimensions,
		pre:        NewPreprocessor(mockImageSize),
		basis:      basis,
	}
}

// Encode returns a unit vector derived from the pooled image content.
func (e *MockEncoder) Encode(ctx context.Context, img image.Image) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	tensor, err := e.pre.Tensor(img)
	if err != nil {
		return nil, err
	}
	feats := poolGrid(tensor, mockImageSize, mockGrid)
	emb := make([]float32, e.dimensions)
	for i, row := range e.basis {
		var dot float64
		for j, f := range feats {
			dot += float64(row[j]) * float64(f)
		}
		emb[i] = float32(dot)
	}
	if err := normalize(emb); err != nil {
		return nil, err
	}
	return emb, nil
}

// poolGrid averages each channel plane of a CHW tensor over a grid x grid layout
// and appends a constant bias feature.
func poolGrid(tensor []float32, size, grid int) []float32 {
	cell := size / grid
	plane := size * size
	feats := make([]float32, 0, 3*grid*grid+1)
	for c := 0; c < 3; c++ {
		for gy := 0; gy < grid; gy++ {
			for gx := 0; gx < grid; gx++ {
				var sum float32
				for y := gy * cell; y < (gy+1)*cell; y++ {
					for x := gx * cell; x < (gx+1)*cell; x++ {
						sum += tensor[c*plane+y*size+x]
					}
				}
				feats = append(feats, sum/float32(cell*cell))
			}
		}
	}
	return append(feats, 1)
}

// Dimensions returns the embedding dimension.
func (e *MockEncoder) Dimensions() int {
	return e.dimensions
}

// Model identifies the mock weights.
func (e *MockEncoder) Model() string {
	return "mock"
}

// Close is a no-op for MockEncoder.
func (e *MockEncoder) Close() error {
	return nil
}
