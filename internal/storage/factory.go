package storage

import (
	"fmt"

	"github.com/hyperjump/utsushi/internal/config"
)

// Backend names accepted by NewStore.
const (
	BackendSQLite  = "sqlite"
	BackendChromem = "chromem"
)

// NewStore opens the store backend selected by cfg.Backend at cfg.Path.
func NewStore(cfg config.StorageConfig) (Store, error) {
	switch cfg.Backend {
	case BackendSQLite, "":
		return NewSQLiteStore(cfg.Path)
	case BackendChromem:
		return NewChromemStore(cfg.Path, cfg.Compress)
	default:
		return nil, fmt.Errorf("unknown storage backend: %s (supported: sqlite, chromem)", cfg.Backend)
	}
}
