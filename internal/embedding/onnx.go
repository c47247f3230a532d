//go:build cgo
// +build cgo

package embedding

import (
	"context"
	"fmt"
	"image"
	"os"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

var ortInitMu sync.Mutex

// ONNXEncoder runs a CLIP vision model through ONNX Runtime. It requires CGO and the
// onnxruntime shared library.
type ONNXEncoder struct {
	session    *ort.AdvancedSession
	dimensions int
	model      string
	pre        *Preprocessor
	cache      *VectorCache
	// Pre-allocated tensors for Run(); we update input data and read output.
	inputTensor  *ort.Tensor[float32]
	outputTensor *ort.Tensor[float32]
	mu           sync.Mutex
}

// NewONNXEncoder loads the model and creates a session. Any failure wraps ErrModelUnavailable.
func NewONNXEncoder(opts ONNXOptions) (*ONNXEncoder, error) {
	if opts.Dimensions <= 0 {
		return nil, fmt.Errorf("%w: dimensions must be positive", ErrModelUnavailable)
	}
	if _, err := os.Stat(opts.ModelPath); err != nil {
		return nil, fmt.Errorf("%w: model file: %v", ErrModelUnavailable, err)
	}
	if err := initializeRuntime(opts.LibraryPath); err != nil {
		return nil, err
	}

	pre := NewPreprocessor(opts.ImageSize)
	size := int64(pre.Size)
	inputTensor, err := ort.NewTensor(ort.NewShape(1, 3, size, size), make([]float32, pre.TensorLen()))
	if err != nil {
		return nil, fmt.Errorf("%w: create input tensor: %v", ErrModelUnavailable, err)
	}
	outputTensor, err := ort.NewTensor(ort.NewShape(1, int64(opts.Dimensions)), make([]float32, opts.Dimensions))
	if err != nil {
		inputTensor.Destroy()
		return nil, fmt.Errorf("%w: create output tensor: %v", ErrModelUnavailable, err)
	}

	session, err := ort.NewAdvancedSession(
		opts.ModelPath,
		[]string{opts.InputName},
		[]string{opts.OutputName},
		[]ort.ArbitraryTensor{inputTensor},
		[]ort.ArbitraryTensor{outputTensor},
		nil,
	)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, fmt.Errorf("%w: create ONNX session: %v", ErrModelUnavailable, err)
	}

	return &ONNXEncoder{
		session:      session,
		dimensions:   opts.Dimensions,
		model:        opts.Model,
		pre:          pre,
		cache:        NewVectorCache(opts.CacheSize),
		inputTensor:  inputTensor,
		outputTensor: outputTensor,
	}, nil
}

func initializeRuntime(libraryPath string) error {
	ortInitMu.Lock()
	defer ortInitMu.Unlock()
	if ort.IsInitialized() {
		return nil
	}
	if libraryPath != "" {
		ort.SetSharedLibraryPath(libraryPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("%w: initialize ONNX runtime: %v", ErrModelUnavailable, err)
	}
	return nil
}

// Encode returns the unit-normalized embedding for img, using the cache when the
// preprocessed tensor has been seen before.
func (e *ONNXEncoder) Encode(ctx context.Context, img image.Image) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	tensor, err := e.pre.Tensor(img)
	if err != nil {
		return nil, err
	}
	key := TensorKey(tensor)
	if cached, ok := e.cache.Get(key); ok {
		return cached, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session == nil {
		return nil, fmt.Errorf("%w: encoder closed", ErrModelUnavailable)
	}

	copy(e.inputTensor.GetData(), tensor)
	if err := e.session.Run(); err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}

	embedding := make([]float32, e.dimensions)
	copy(embedding, e.outputTensor.GetData()[:e.dimensions])
	if err := normalize(embedding); err != nil {
		return nil, fmt.Errorf("model output: %w", err)
	}
	e.cache.Set(key, embedding)
	return embedding, nil
}

// Dimensions returns the embedding dimension.
func (e *ONNXEncoder) Dimensions() int {
	return e.dimensions
}

// Model returns the configured model identifier.
func (e *ONNXEncoder) Model() string {
	return e.model
}

// Close destroys the session and tensors.
func (e *ONNXEncoder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	var err error
	if e.session != nil {
		err = e.session.Destroy()
		e.session = nil
	}
	if e.inputTensor != nil {
		_ = e.inputTensor.Destroy()
		e.inputTensor = nil
	}
	if e.outputTensor != nil {
		_ = e.outputTensor.Destroy()
		e.outputTensor = nil
	}
	return err
}
