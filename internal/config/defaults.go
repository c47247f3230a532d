package config

import "time"

// DefaultExtensions is the image allow-list used for indexing and the gallery.
var DefaultExtensions = []string{".png", ".jpg", ".jpeg", ".bmp"}

// ApplyDefaults sets default values for any zero values in cfg.
func ApplyDefaults(cfg *Config) {
	if cfg.Collection == "" {
		cfg.Collection = "image_embeddings"
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = "sqlite"
	}
	if cfg.Storage.Path == "" {
		cfg.Storage.Path = "/usr/local/var/utsushi/data/index.db"
	}
	if cfg.Encoder.Backend == "" {
		cfg.Encoder.Backend = "onnx"
	}
	if cfg.Encoder.Model == "" {
		cfg.Encoder.Model = "ViT-B/32"
	}
	if cfg.Encoder.ModelPath == "" {
		cfg.Encoder.ModelPath = "/usr/local/var/utsushi/data/models/clip-vit-b32-vision.onnx"
	}
	if cfg.Encoder.InputName == "" {
		cfg.Encoder.InputName = "pixel_values"
	}
	if cfg.Encoder.OutputName == "" {
		cfg.Encoder.OutputName = "image_embeds"
	}
	if cfg.Encoder.Dimensions == 0 {
		cfg.Encoder.Dimensions = 512
	}
	if cfg.Encoder.ImageSize == 0 {
		cfg.Encoder.ImageSize = 224
	}
	if cfg.Encoder.CacheSize == 0 {
		cfg.Encoder.CacheSize = 1024
	}
	if cfg.Index.SourceFolder == "" {
		cfg.Index.SourceFolder = "./images_folder/train"
	}
	if cfg.Index.Extensions == nil {
		cfg.Index.Extensions = append([]string(nil), DefaultExtensions...)
	}
	if cfg.Index.Metric == "" {
		cfg.Index.Metric = "cosine"
	}
	if cfg.Index.Workers == 0 {
		cfg.Index.Workers = 4
	}
	if cfg.Index.BatchSize == 0 {
		cfg.Index.BatchSize = 64
	}
	if cfg.Search.MaxK == 0 {
		cfg.Search.MaxK = 10
	}
	if cfg.Search.DefaultK == 0 {
		cfg.Search.DefaultK = 5
		if cfg.Search.DefaultK > cfg.Search.MaxK {
			cfg.Search.DefaultK = cfg.Search.MaxK
		}
	}
	if cfg.Search.Timeout == 0 {
		cfg.Search.Timeout = 30 * time.Second
	}
	if cfg.Gallery.Folder == "" {
		cfg.Gallery.Folder = "./images_folder/test"
	}
}
