// Package config provides configuration loading and structs for the utsushi server and CLI.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application.
type Config struct {
	Debug      bool          `yaml:"debug"`
	Collection string        `yaml:"collection"`
	Server     ServerConfig  `yaml:"server"`
	Storage    StorageConfig `yaml:"storage"`
	Encoder    EncoderConfig `yaml:"encoder"`
	Index      IndexConfig   `yaml:"index"`
	Search     SearchConfig  `yaml:"search"`
	Gallery    GalleryConfig `yaml:"gallery"`
	Watch      WatchConfig   `yaml:"watch"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// StorageConfig selects the vector store backend and the single file it lives in.
type StorageConfig struct {
	Backend  string `yaml:"backend"` // "sqlite" (default) or "chromem"
	Path     string `yaml:"path"`
	Compress bool   `yaml:"compress"` // chromem only: gzip the export file
}

// EncoderConfig holds image encoder settings.
type EncoderConfig struct {
	Backend     string `yaml:"backend"` // "onnx" (default) or "mock"
	Model       string `yaml:"model"`   // model identifier recorded with the collection
	ModelPath   string `yaml:"model_path"`
	LibraryPath string `yaml:"library_path"` // onnxruntime shared library; empty uses the platform default
	InputName   string `yaml:"input_name"`
	OutputName  string `yaml:"output_name"`
	Dimensions  int    `yaml:"dimensions"`
	ImageSize   int    `yaml:"image_size"`
	CacheSize   int    `yaml:"cache_size"`
}

// IndexConfig holds indexing pipeline settings.
type IndexConfig struct {
	SourceFolder string   `yaml:"source_folder"`
	Extensions   []string `yaml:"extensions"`
	Metric       string   `yaml:"metric"`
	Workers      int      `yaml:"workers"`
	BatchSize    int      `yaml:"batch_size"`
}

// SearchConfig holds query settings.
type SearchConfig struct {
	DefaultK int           `yaml:"default_k"`
	MaxK     int           `yaml:"max_k"`
	Timeout  time.Duration `yaml:"timeout"`
}

// GalleryConfig points at the folder users pick query images from.
type GalleryConfig struct {
	Folder string `yaml:"folder"`
}

// WatchConfig controls the source folder staleness monitor.
type WatchConfig struct {
	Enabled *bool `yaml:"enabled"`
}

// EnabledOrDefault returns whether to watch the source folder; defaults to true when unset.
func (w *WatchConfig) EnabledOrDefault() bool {
	if w.Enabled != nil {
		return *w.Enabled
	}
	return true
}

// Environment variables that override file values.
const (
	EnvCollection    = "UTSUSHI_COLLECTION"
	EnvModel         = "UTSUSHI_MODEL"
	EnvStoragePath   = "UTSUSHI_STORAGE_PATH"
	EnvSourceFolder  = "UTSUSHI_SOURCE_FOLDER"
	EnvGalleryFolder = "UTSUSHI_GALLERY_FOLDER"
	EnvDebug         = "UTSUSHI_DEBUG"
)

// Load reads and parses the config file at path, applies defaults and
// environment overrides, and expands paths.
// Returns an error if the file cannot be read or parsed.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	ApplyDefaults(&cfg)
	if err := ApplyEnv(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	configDir := filepath.Dir(path)
	cfg.Storage.Path = expandPath(cfg.Storage.Path, configDir)
	cfg.Encoder.ModelPath = expandPath(cfg.Encoder.ModelPath, configDir)
	if cfg.Encoder.LibraryPath != "" {
		cfg.Encoder.LibraryPath = expandPath(cfg.Encoder.LibraryPath, configDir)
	}
	cfg.Index.SourceFolder = expandPath(cfg.Index.SourceFolder, configDir)
	cfg.Gallery.Folder = expandPath(cfg.Gallery.Folder, configDir)

	return &cfg, nil
}

// Save writes the config to path.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// ApplyEnv overrides config values from UTSUSHI_* environment variables.
func ApplyEnv(cfg *Config) error {
	if v := os.Getenv(EnvCollection); v != "" {
		cfg.Collection = v
	}
	if v := os.Getenv(EnvModel); v != "" {
		cfg.Encoder.Model = v
	}
	if v := os.Getenv(EnvStoragePath); v != "" {
		cfg.Storage.Path = v
	}
	if v := os.Getenv(EnvSourceFolder); v != "" {
		cfg.Index.SourceFolder = v
	}
	if v := os.Getenv(EnvGalleryFolder); v != "" {
		cfg.Gallery.Folder = v
	}
	if v := os.Getenv(EnvDebug); v != "" {
		debug, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", EnvDebug, err)
		}
		cfg.Debug = debug
	}
	return nil
}

// Validate rejects combinations the services cannot run with.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Collection) == "" {
		return fmt.Errorf("collection name is required")
	}
	switch c.Index.Metric {
	case "cosine", "l2", "ip":
	default:
		return fmt.Errorf("unknown metric %q (supported: cosine, l2, ip)", c.Index.Metric)
	}
	if c.Search.DefaultK < 1 || c.Search.DefaultK > c.Search.MaxK {
		return fmt.Errorf("search.default_k must be within 1..%d, got %d", c.Search.MaxK, c.Search.DefaultK)
	}
	if c.Encoder.Dimensions <= 0 {
		return fmt.Errorf("encoder.dimensions must be positive")
	}
	return nil
}

// expandPath converts a path to absolute. Paths starting with "./" are relative to configDir;
// other relative paths are relative to the home directory.
func expandPath(path string, configDir string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	if strings.HasPrefix(path, "./") || path == "." {
		return filepath.Join(configDir, path)
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, path)
	}
	return path
}
