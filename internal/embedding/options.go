package embedding

// ONNXOptions configures NewONNXEncoder.
type ONNXOptions struct {
	Model       string // identifier recorded with collections, e.g. "ViT-B/32"
	ModelPath   string
	LibraryPath string // onnxruntime shared library; empty uses the platform default
	InputName   string
	OutputName  string
	Dimensions  int
	ImageSize   int
	CacheSize   int
}
