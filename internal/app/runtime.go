// Package app wires the encoder, the vector store and the services built on
// them. Each component is constructed at most once per Runtime.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/hyperjump/utsushi/internal/config"
	"github.com/hyperjump/utsushi/internal/embedding"
	"github.com/hyperjump/utsushi/internal/gallery"
	"github.com/hyperjump/utsushi/internal/indexer"
	"github.com/hyperjump/utsushi/internal/models"
	"github.com/hyperjump/utsushi/internal/search"
	"github.com/hyperjump/utsushi/internal/storage"
	"github.com/hyperjump/utsushi/internal/watcher"
	"github.com/hyperjump/utsushi/pkg/utils"
)

// Runtime owns the process-wide components. Accessors are safe for concurrent
// use; concurrent first callers block and share the same result or error.
type Runtime struct {
	cfg    *config.Config
	logger *zap.Logger

	encoderOnce sync.Once
	encoder     embedding.Encoder
	encoderErr  error

	storeOnce sync.Once
	store     storage.Store
	storeErr  error

	servicesOnce sync.Once
	indexer      *indexer.Indexer
	engine       *search.Engine
	servicesErr  error

	galleryOnce sync.Once
	gallery     *gallery.Gallery
	galleryErr  error

	mu      sync.Mutex
	watcher *watcher.Watcher
	closed  bool
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithLogger sets the logger handed to every component.
func WithLogger(l *zap.Logger) Option {
	return func(r *Runtime) { r.logger = l }
}

// WithEncoder uses enc instead of constructing one from the encoder config.
// The Runtime takes ownership and closes it.
func WithEncoder(enc embedding.Encoder) Option {
	return func(r *Runtime) {
		r.encoderOnce.Do(func() { r.encoder = enc })
	}
}

// New creates a Runtime for cfg. Nothing is opened until first use.
func New(cfg *config.Config, opts ...Option) *Runtime {
	r := &Runtime{cfg: cfg}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = utils.LoggerOrNop(r.logger)
	return r
}

// Config returns the configuration the Runtime was built with.
func (r *Runtime) Config() *config.Config {
	return r.cfg
}

// Encoder returns the shared encoder, loading it on first call.
func (r *Runtime) Encoder() (embedding.Encoder, error) {
	r.encoderOnce.Do(func() {
		start := time.Now()
		r.encoder, r.encoderErr = embedding.NewEncoder(r.cfg.Encoder)
		if r.encoderErr != nil {
			return
		}
		r.logger.Info("encoder loaded",
			zap.String("backend", r.cfg.Encoder.Backend),
			zap.String("model", r.encoder.Model()),
			zap.Int("dimensions", r.encoder.Dimensions()),
			zap.Duration("took", time.Since(start)))
	})
	return r.encoder, r.encoderErr
}

// Store returns the shared vector store, opening it on first call.
func (r *Runtime) Store() (storage.Store, error) {
	r.storeOnce.Do(func() {
		r.store, r.storeErr = storage.NewStore(r.cfg.Storage)
		if r.storeErr != nil {
			r.storeErr = fmt.Errorf("open store: %w", r.storeErr)
			return
		}
		r.logger.Debug("store opened",
			zap.String("backend", r.cfg.Storage.Backend),
			zap.String("path", r.cfg.Storage.Path))
	})
	return r.store, r.storeErr
}

func (r *Runtime) services() error {
	r.servicesOnce.Do(func() {
		enc, err := r.Encoder()
		if err != nil {
			r.servicesErr = err
			return
		}
		store, err := r.Store()
		if err != nil {
			r.servicesErr = err
			return
		}
		r.indexer = indexer.NewIndexer(store, enc, r.cfg.Collection, r.cfg.Index, indexer.WithLogger(r.logger))
		r.engine = search.NewEngine(store, enc, r.cfg.Collection, r.cfg.Search, search.WithLogger(r.logger))
	})
	return r.servicesErr
}

// Indexer returns the indexing pipeline for the configured collection.
func (r *Runtime) Indexer() (*indexer.Indexer, error) {
	if err := r.services(); err != nil {
		return nil, err
	}
	return r.indexer, nil
}

// Engine returns the query service for the configured collection.
func (r *Runtime) Engine() (*search.Engine, error) {
	if err := r.services(); err != nil {
		return nil, err
	}
	return r.engine, nil
}

// Gallery returns the gallery of query images, scanning the folder on first call.
func (r *Runtime) Gallery() (*gallery.Gallery, error) {
	r.galleryOnce.Do(func() {
		r.gallery, r.galleryErr = gallery.Open(r.cfg.Gallery.Folder, r.cfg.Index.Extensions, gallery.WithLogger(r.logger))
	})
	return r.gallery, r.galleryErr
}

// Bootstrap prepares the collection for serving: it drops staging collections
// abandoned by earlier runs, builds the collection from the source folder if it
// does not exist yet, and checks the result is compatible with the encoder.
func (r *Runtime) Bootstrap(ctx context.Context) (*models.IndexReport, error) {
	idx, err := r.Indexer()
	if err != nil {
		return nil, err
	}
	if n, err := idx.CleanupStaging(ctx); err != nil {
		return nil, fmt.Errorf("cleanup staging: %w", err)
	} else if n > 0 {
		r.logger.Info("removed abandoned staging collections", zap.Int("count", n))
	}
	report, err := idx.Initialize(ctx, r.cfg.Index.SourceFolder)
	if err != nil {
		return nil, err
	}
	if !report.Skipped {
		r.logger.Info(report.Summary(), zap.String("run_id", report.RunID))
		for _, f := range report.Failures() {
			r.logger.Warn("image not indexed", zap.String("path", f.Path), zap.String("reason", f.Reason))
		}
	}
	if _, err := r.engine.CheckReady(ctx); err != nil {
		return report, err
	}
	return report, nil
}

// Rebuild re-indexes folder (the source folder when empty) and replaces the
// collection. A running staleness monitor is reset on success.
func (r *Runtime) Rebuild(ctx context.Context, folder string) (*models.IndexReport, error) {
	idx, err := r.Indexer()
	if err != nil {
		return nil, err
	}
	if folder == "" {
		folder = r.cfg.Index.SourceFolder
	}
	report, err := idx.Rebuild(ctx, folder)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	w := r.watcher
	r.mu.Unlock()
	if w != nil {
		w.Reset()
	}
	return report, nil
}

// StartWatcher starts the source folder staleness monitor when enabled in the
// config. It stops when ctx is done or the Runtime is closed.
func (r *Runtime) StartWatcher(ctx context.Context) error {
	if !r.cfg.Watch.EnabledOrDefault() {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return errors.New("runtime closed")
	}
	if r.watcher != nil {
		return nil
	}
	w := watcher.NewWatcher(r.cfg.Index.SourceFolder, r.cfg.Index.Extensions, watcher.WithLogger(r.logger))
	if err := w.Start(ctx); err != nil {
		return err
	}
	r.watcher = w
	return nil
}

type pather interface {
	Path() string
}

// Status describes the configured collection. It needs the store but not the
// encoder, so it works when the model cannot be loaded.
func (r *Runtime) Status(ctx context.Context) (*models.Status, error) {
	store, err := r.Store()
	if err != nil {
		return nil, err
	}
	st := &models.Status{
		Collection:     r.cfg.Collection,
		EncoderModel:   r.cfg.Encoder.Model,
		StorageBackend: r.cfg.Storage.Backend,
		StoragePath:    r.cfg.Storage.Path,
		SourceFolder:   r.cfg.Index.SourceFolder,
		DefaultK:       r.cfg.Search.DefaultK,
		MaxK:           r.cfg.Search.MaxK,
	}
	if p, ok := store.(pather); ok {
		st.StoragePath = p.Path()
	}
	c, err := store.Collection(ctx, r.cfg.Collection)
	switch {
	case err == nil:
		st.Exists = true
		st.Count = c.Count
		st.Dimensions = c.Dimensions
		st.Metric = string(c.Metric)
		st.Model = c.Model
	case errors.Is(err, storage.ErrCollectionNotFound):
	default:
		return nil, err
	}
	cols, err := store.ListCollections(ctx)
	if err != nil {
		return nil, err
	}
	for _, c := range cols {
		if indexer.IsStaging(c.Name) {
			st.Staging++
		}
	}
	if st.DiskUsageBytes, err = storage.StoreDiskUsage(st.StoragePath); err != nil {
		r.logger.Debug("disk usage unavailable", zap.String("path", st.StoragePath), zap.Error(err))
	}
	r.mu.Lock()
	w := r.watcher
	r.mu.Unlock()
	if w != nil {
		ws := w.Status()
		st.Stale = ws.Stale
		st.StaleChanges = ws.Changes
		if ws.Last != nil {
			st.LastChange = ws.Last.Op + " " + ws.Last.Path
		}
	}
	return st, nil
}

// Close stops the watcher and releases every component that was opened.
func (r *Runtime) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	w := r.watcher
	r.mu.Unlock()

	if w != nil {
		w.Stop()
	}
	var err error
	if r.gallery != nil {
		err = multierr.Append(err, r.gallery.Close())
	}
	if r.store != nil {
		err = multierr.Append(err, r.store.Close())
	}
	if r.encoder != nil {
		err = multierr.Append(err, r.encoder.Close())
	}
	return err
}
