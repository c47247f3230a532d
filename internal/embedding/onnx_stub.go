//go:build !cgo
// +build !cgo

package embedding

import (
	"context"
	"fmt"
	"image"
)

// ONNXEncoder stub type when built without CGO (see onnx.go for real implementation).
type ONNXEncoder struct{}

// NewONNXEncoder returns ErrModelUnavailable when built without CGO.
func NewONNXEncoder(_ ONNXOptions) (*ONNXEncoder, error) {
	return nil, fmt.Errorf("%w: ONNX encoder requires CGO; build with CGO_ENABLED=1 and onnxruntime", ErrModelUnavailable)
}

// Encode always fails without CGO.
func (e *ONNXEncoder) Encode(_ context.Context, _ image.Image) ([]float32, error) {
	return nil, ErrModelUnavailable
}

// Dimensions returns 0 without CGO.
func (e *ONNXEncoder) Dimensions() int { return 0 }

// Model returns an empty identifier without CGO.
func (e *ONNXEncoder) Model() string { return "" }

// Close is a no-op without CGO.
func (e *ONNXEncoder) Close() error { return nil }
