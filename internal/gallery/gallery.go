// Package gallery lists the images a user can pick a query from and finds them by filename.
package gallery

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/blevesearch/bleve/v2"
	"go.uber.org/zap"

	"github.com/hyperjump/utsushi/internal/fileid"
	"github.com/hyperjump/utsushi/internal/indexer"
	"github.com/hyperjump/utsushi/pkg/utils"
)

var (
	// ErrOutside is returned when a path resolves outside the gallery folder.
	ErrOutside = errors.New("path is outside the gallery")
	// ErrNotFound is returned when a path is not a gallery image.
	ErrNotFound = errors.New("image not found in gallery")
)

// Image is one gallery entry.
type Image struct {
	ID      string    `json:"id"`
	Path    string    `json:"path"`
	RelPath string    `json:"rel_path"`
	Name    string    `json:"name"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time"`
}

// Gallery is a snapshot of the images under a folder, taken at Open.
type Gallery struct {
	root   string
	exts   []string
	images []Image
	byID   map[string]int
	index  bleve.Index
	logger *zap.Logger
}

// Option configures a Gallery.
type Option func(*Gallery)

// WithLogger sets a logger for skipped entries.
func WithLogger(l *zap.Logger) Option {
	return func(g *Gallery) { g.logger = l }
}

// Open scans folder for images with an allowed extension and builds an in-memory
// filename index over them.
func Open(folder string, exts []string, opts ...Option) (*Gallery, error) {
	root, err := filepath.Abs(folder)
	if err != nil {
		return nil, fmt.Errorf("absolute path: %w", err)
	}
	g := &Gallery{root: root, exts: exts, byID: make(map[string]int)}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = utils.LoggerOrNop(g.logger)

	files, err := indexer.Discover(root, exts)
	if err != nil {
		return nil, fmt.Errorf("scan gallery: %w", err)
	}
	index, err := newNameIndex()
	if err != nil {
		return nil, err
	}
	g.index = index

	batch := index.NewBatch()
	for _, path := range files {
		info, err := os.Stat(path)
		if err != nil {
			g.logger.Debug("skipping gallery entry", zap.String("path", path), zap.Error(err))
			continue
		}
		rel, _ := filepath.Rel(root, path)
		img := Image{
			ID:      fileid.ImageID(path),
			Path:    path,
			RelPath: filepath.ToSlash(rel),
			Name:    filepath.Base(path),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		}
		g.byID[img.ID] = len(g.images)
		g.images = append(g.images, img)
		if err := batch.Index(img.ID, nameDoc{Name: searchableName(img.RelPath), Path: img.RelPath}); err != nil {
			_ = index.Close()
			return nil, fmt.Errorf("index %s: %w", path, err)
		}
	}
	if err := index.Batch(batch); err != nil {
		_ = index.Close()
		return nil, fmt.Errorf("index gallery: %w", err)
	}
	g.logger.Debug("gallery opened", zap.String("root", root), zap.Int("images", len(g.images)))
	return g, nil
}

// Root returns the absolute gallery folder.
func (g *Gallery) Root() string {
	return g.root
}

// Len returns the number of images.
func (g *Gallery) Len() int {
	return len(g.images)
}

// List returns all images sorted by path.
func (g *Gallery) List() []Image {
	out := make([]Image, len(g.images))
	copy(out, g.images)
	return out
}

// Get returns the image with the given ID.
func (g *Gallery) Get(id string) (Image, bool) {
	i, ok := g.byID[id]
	if !ok {
		return Image{}, false
	}
	return g.images[i], true
}

// Resolve maps a gallery-relative or absolute path to the absolute path of a
// gallery image. Paths that escape the folder return ErrOutside.
func (g *Gallery) Resolve(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("%w: empty path", ErrNotFound)
	}
	p := path
	if !filepath.IsAbs(p) {
		p = filepath.Join(g.root, p)
	}
	p = filepath.Clean(p)
	if !Within(g.root, p) {
		return "", fmt.Errorf("%w: %s", ErrOutside, path)
	}
	if _, ok := g.byID[fileid.ImageID(p)]; !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	return p, nil
}

// Within reports whether path is root or lies beneath it, after cleaning both.
func Within(root, path string) bool {
	rel, err := filepath.Rel(filepath.Clean(root), filepath.Clean(path))
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

// Close releases the filename index.
func (g *Gallery) Close() error {
	return g.index.Close()
}
