// Package search answers image similarity queries against an indexed collection.
package search

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/utsushi/internal/config"
	"github.com/hyperjump/utsushi/internal/embedding"
	"github.com/hyperjump/utsushi/internal/models"
	"github.com/hyperjump/utsushi/internal/storage"
	"github.com/hyperjump/utsushi/pkg/utils"
)

// ErrInvalidQuery is returned for malformed requests such as a negative k.
var ErrInvalidQuery = errors.New("invalid query")

// Engine runs nearest-neighbor queries for images against one collection.
type Engine struct {
	store      storage.Store
	encoder    embedding.Encoder
	collection string
	config     config.SearchConfig
	logger     *zap.Logger
	stat       func(string) (os.FileInfo, error)
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithLogger sets a logger for dropped hits and slow-path diagnostics.
func WithLogger(l *zap.Logger) EngineOption {
	return func(e *Engine) { e.logger = l }
}

// NewEngine creates a query engine for collection.
func NewEngine(store storage.Store, encoder embedding.Encoder, collection string, cfg config.SearchConfig, opts ...EngineOption) *Engine {
	e := &Engine{
		store:      store,
		encoder:    encoder,
		collection: collection,
		config:     cfg,
		stat:       os.Stat,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = utils.LoggerOrNop(e.logger)
	return e
}

// DefaultK returns the configured neighbor count for requests that omit k.
func (e *Engine) DefaultK() int {
	return e.config.DefaultK
}

// CheckReady verifies the collection exists and was built with vectors of the
// encoder's dimensions. A different model name is logged but not rejected.
func (e *Engine) CheckReady(ctx context.Context) (*storage.Collection, error) {
	c, err := e.store.Collection(ctx, e.collection)
	if err != nil {
		return nil, err
	}
	if c.Dimensions != e.encoder.Dimensions() {
		return nil, fmt.Errorf("%w: collection %s has %d dimensions, encoder %s produces %d",
			storage.ErrDimensionMismatch, c.Name, c.Dimensions, e.encoder.Model(), e.encoder.Dimensions())
	}
	if c.Model != "" && c.Model != e.encoder.Model() {
		e.logger.Warn("collection was built with a different encoder model",
			zap.String("collection", c.Name),
			zap.String("collection_model", c.Model),
			zap.String("encoder_model", e.encoder.Model()))
	}
	return c, nil
}

// SearchFile decodes the image at path and searches with it.
func (e *Engine) SearchFile(ctx context.Context, path string, k int) (*models.SearchResponse, error) {
	img, err := embedding.DecodeFile(path)
	if err != nil {
		return nil, err
	}
	return e.Search(ctx, img, k)
}

// SearchReader decodes an image from r and searches with it.
func (e *Engine) SearchReader(ctx context.Context, r io.Reader, k int) (*models.SearchResponse, error) {
	img, err := embedding.Decode(r)
	if err != nil {
		return nil, err
	}
	return e.Search(ctx, img, k)
}

// Search returns up to k images nearest to img, closest first. k above the
// configured maximum is clamped; k == 0 returns no hits; negative k is an error.
// Hits whose file no longer exists are dropped and reported in Warnings.
func (e *Engine) Search(ctx context.Context, img image.Image, k int) (*models.SearchResponse, error) {
	startTime := time.Now()
	k, clamped, err := models.ClampK(k, e.config.MaxK)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidQuery, err)
	}
	if e.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.config.Timeout)
		defer cancel()
	}

	c, err := e.store.Collection(ctx, e.collection)
	if err != nil {
		return nil, e.wrap(err)
	}
	resp := &models.SearchResponse{
		Collection: c.Name,
		Metric:     string(c.Metric),
		K:          k,
		Hits:       []*models.SearchHit{},
		Clamped:    clamped,
	}
	if k == 0 {
		resp.QueryTime = time.Since(startTime).Milliseconds()
		return resp, nil
	}

	vec, err := e.encoder.Encode(ctx, img)
	if err != nil {
		return nil, e.wrap(fmt.Errorf("encode query: %w", err))
	}
	hits, err := e.store.Search(ctx, e.collection, vec, k)
	if err != nil {
		return nil, e.wrap(fmt.Errorf("vector search failed: %w", err))
	}

	for _, h := range hits {
		if _, err := e.stat(h.ImagePath); err != nil {
			msg := fmt.Sprintf("indexed image unavailable: %s", h.ImagePath)
			resp.Warnings = append(resp.Warnings, msg)
			e.logger.Warn("dropping search hit", zap.String("path", h.ImagePath), zap.Error(err))
			continue
		}
		resp.Hits = append(resp.Hits, &models.SearchHit{
			Rank:      len(resp.Hits) + 1,
			ImagePath: h.ImagePath,
			Distance:  h.Distance,
			Score:     h.Score,
			RecordID:  h.ID,
		})
	}
	resp.Total = len(resp.Hits)
	resp.QueryTime = time.Since(startTime).Milliseconds()
	e.logger.Debug("search complete",
		zap.String("collection", e.collection),
		zap.Int("k", k),
		zap.Int("hits", resp.Total),
		zap.Int("dropped", len(resp.Warnings)),
		zap.Int64("query_time_ms", resp.QueryTime))
	return resp, nil
}

func (e *Engine) wrap(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("search timed out after %s: %w", e.config.Timeout, err)
	}
	return err
}
