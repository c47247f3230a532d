// Package embedding turns images into unit-length embedding vectors.
package embedding

import (
	"context"
	"errors"
	"image"

	"github.com/hyperjump/utsushi/pkg/utils"
)

var (
	// ErrDecode is returned when input cannot be interpreted as an RGB image.
	ErrDecode = errors.New("image decode failed")
	// ErrModelUnavailable is returned when encoder weights or runtime cannot be loaded.
	ErrModelUnavailable = errors.New("encoder model unavailable")
	// ErrImageNotFound is returned when an image file does not exist.
	ErrImageNotFound = errors.New("image not found")
	// ErrDegenerate is returned when an image encodes to a vector that cannot be normalized.
	ErrDegenerate = errors.New("degenerate embedding")
)

// unitTolerance bounds how far a normalized embedding's length may drift from 1.
const unitTolerance = 1e-3

// normalize scales v to unit length in place, failing for zero or non-finite vectors.
func normalize(v []float32) error {
	utils.NormalizeL2(v)
	if !utils.IsUnit(v, unitTolerance) {
		return ErrDegenerate
	}
	return nil
}

// Encoder produces embeddings for images. Implementations are safe for concurrent use
// and deterministic for identical input.
type Encoder interface {
	Encode(ctx context.Context, img image.Image) ([]float32, error)
	Dimensions() int
	// Model identifies the weights; it is recorded with each collection.
	Model() string
	Close() error
}
