package embedding

import (
	"fmt"

	"github.com/hyperjump/utsushi/internal/config"
)

// Backend names accepted by NewEncoder.
const (
	BackendONNX = "onnx"
	BackendMock = "mock"
)

// NewEncoder creates the encoder selected by cfg.Backend. There is no silent
// fallback: an unavailable ONNX model is returned as ErrModelUnavailable.
func NewEncoder(cfg config.EncoderConfig) (Encoder, error) {
	switch cfg.Backend {
	case BackendONNX, "":
		enc, err := NewONNXEncoder(ONNXOptions{
			Model:       cfg.Model,
			ModelPath:   cfg.ModelPath,
			LibraryPath: cfg.LibraryPath,
			InputName:   cfg.InputName,
			OutputName:  cfg.OutputName,
			Dimensions:  cfg.Dimensions,
			ImageSize:   cfg.ImageSize,
			CacheSize:   cfg.CacheSize,
		})
		if err != nil {
			return nil, err
		}
		return enc, nil
	case BackendMock:
		return NewMockEncoder(cfg.Dimensions), nil
	default:
		return nil, fmt.Errorf("unknown encoder backend: %s (supported: onnx, mock)", cfg.Backend)
	}
}
