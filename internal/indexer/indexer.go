// Package indexer builds a collection from a folder of images: discover, encode,
// and publish the result atomically.
package indexer

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/hyperjump/utsushi/internal/config"
	"github.com/hyperjump/utsushi/internal/embedding"
	"github.com/hyperjump/utsushi/internal/models"
	"github.com/hyperjump/utsushi/internal/storage"
	"github.com/hyperjump/utsushi/internal/vector"
	"github.com/hyperjump/utsushi/pkg/utils"
)

// Indexer populates one collection of a store.
type Indexer struct {
	store      storage.Store
	encoder    embedding.Encoder
	collection string
	cfg        config.IndexConfig
	logger     *zap.Logger
	builds     singleflight.Group

	mu      sync.Mutex
	flights map[string]*flight
}

// IndexerOption configures an Indexer.
type IndexerOption func(*Indexer)

// WithLogger sets a logger for progress and per-file failures.
func WithLogger(l *zap.Logger) IndexerOption {
	return func(idx *Indexer) { idx.logger = l }
}

// NewIndexer creates an indexer that builds collection in store using encoder.
func NewIndexer(store storage.Store, encoder embedding.Encoder, collection string, cfg config.IndexConfig, opts ...IndexerOption) *Indexer {
	idx := &Indexer{
		store:      store,
		encoder:    encoder,
		collection: collection,
		cfg:        cfg,
		flights:    make(map[string]*flight),
	}
	for _, opt := range opts {
		opt(idx)
	}
	idx.logger = utils.LoggerOrNop(idx.logger)
	if idx.cfg.Workers <= 0 {
		idx.cfg.Workers = 1
	}
	if idx.cfg.BatchSize <= 0 {
		idx.cfg.BatchSize = 64
	}
	return idx
}

// Collection returns the name of the collection this indexer builds.
func (idx *Indexer) Collection() string {
	return idx.collection
}

// Initialize builds the collection from folder unless it already exists, in which
// case nothing is scanned and the report is marked Skipped. Concurrent calls share
// one build, which keeps running while at least one of them is still waiting.
func (idx *Indexer) Initialize(ctx context.Context, folder string) (*models.IndexReport, error) {
	return idx.do(ctx, folder, false)
}

// Rebuild indexes folder into a fresh collection and atomically replaces the existing one.
func (idx *Indexer) Rebuild(ctx context.Context, folder string) (*models.IndexReport, error) {
	return idx.do(ctx, folder, true)
}

func (idx *Indexer) do(ctx context.Context, folder string, rebuild bool) (*models.IndexReport, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("indexing aborted: %w", err)
	}
	key := idx.collection
	if rebuild {
		key += "#rebuild"
	}
	f := idx.join(ctx, key)
	ch := idx.builds.DoChan(key, func() (interface{}, error) {
		if !rebuild {
			exists, err := idx.store.HasCollection(f.ctx, idx.collection)
			if err != nil {
				return nil, fmt.Errorf("check collection: %w", err)
			}
			if exists {
				idx.logger.Info("collection exists, skipping indexing", zap.String("collection", idx.collection))
				return idx.skipped(folder), nil
			}
		}
		return idx.build(f.ctx, folder, rebuild)
	})

	select {
	case res := <-ch:
		idx.leave(key, f)
		if res.Err != nil {
			return nil, res.Err
		}
		if res.Shared {
			idx.logger.Debug("joined in-flight build", zap.String("collection", idx.collection))
		}
		return res.Val.(*models.IndexReport), nil
	case <-ctx.Done():
		idx.leave(key, f)
		return nil, fmt.Errorf("indexing aborted: %w", ctx.Err())
	}
}

// flight is the context one shared build runs under. It is canceled once every
// caller waiting on the build has gone.
type flight struct {
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int
}

func (idx *Indexer) join(ctx context.Context, key string) *flight {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	f, ok := idx.flights[key]
	if !ok {
		fctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		f = &flight{ctx: fctx, cancel: cancel}
		idx.flights[key] = f
	}
	f.waiters++
	return f
}

func (idx *Indexer) leave(key string, f *flight) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	f.waiters--
	if f.waiters > 0 {
		return
	}
	f.cancel()
	if idx.flights[key] == f {
		delete(idx.flights, key)
		// A build winding down after cancellation must not capture new callers.
		idx.builds.Forget(key)
	}
}

func (idx *Indexer) skipped(folder string) *models.IndexReport {
	return &models.IndexReport{
		RunID:      uuid.NewString(),
		Collection: idx.collection,
		Source:     folder,
		Skipped:    true,
		StartedAt:  time.Now(),
	}
}

type encoded struct {
	vec []float32
	err error
}

// build indexes folder into a staging collection and publishes it under the target
// name. On any structural failure the staging collection is dropped.
func (idx *Indexer) build(ctx context.Context, folder string, replace bool) (report *models.IndexReport, err error) {
	start := time.Now()
	absFolder, err := filepath.Abs(folder)
	if err != nil {
		return nil, fmt.Errorf("absolute path: %w", err)
	}
	report = &models.IndexReport{
		RunID:      uuid.NewString(),
		Collection: idx.collection,
		Source:     absFolder,
		Rebuilt:    replace,
		StartedAt:  start,
	}
	metric, err := vector.ParseMetric(idx.cfg.Metric)
	if err != nil {
		return nil, err
	}

	files, err := Discover(absFolder, idx.cfg.Extensions)
	if err != nil {
		return nil, fmt.Errorf("discover images: %w", err)
	}
	report.Discovered = len(files)
	idx.logger.Info("indexing images",
		zap.String("collection", idx.collection),
		zap.String("source", absFolder),
		zap.Int("files", len(files)),
		zap.Int("workers", idx.cfg.Workers))

	staging := StagingName(idx.collection, report.RunID)
	if err := idx.store.CreateCollection(ctx, storage.CollectionSpec{
		Name:       staging,
		Dimensions: idx.encoder.Dimensions(),
		Metric:     metric,
		Model:      idx.encoder.Model(),
	}); err != nil {
		return nil, fmt.Errorf("create staging collection: %w", err)
	}
	defer func() {
		if err == nil {
			return
		}
		if dropErr := idx.store.DropCollection(context.WithoutCancel(ctx), staging); dropErr != nil && !errors.Is(dropErr, storage.ErrCollectionNotFound) {
			idx.logger.Warn("failed to drop staging collection", zap.String("staging", staging), zap.Error(dropErr))
		}
	}()

	results, err := idx.encodeAll(ctx, files)
	if err != nil {
		return nil, err
	}

	report.Files = make([]models.FileResult, len(files))
	batch := make([]storage.Record, 0, idx.cfg.BatchSize)
	slots := make([]int, 0, idx.cfg.BatchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		ids, err := idx.store.Upsert(ctx, staging, batch)
		if err != nil {
			return fmt.Errorf("store records: %w", err)
		}
		for i, slot := range slots {
			report.Files[slot].RecordID = ids[i]
		}
		batch = batch[:0]
		slots = slots[:0]
		return nil
	}
	for i, path := range files {
		fr := &report.Files[i]
		fr.Path = path
		if results[i].err != nil {
			fr.Status = models.FileFailed
			fr.Reason = results[i].err.Error()
			report.Failed++
			idx.logger.Warn("skipping image", zap.String("path", path), zap.Error(results[i].err))
			continue
		}
		fr.Status = models.FileIndexed
		report.Indexed++
		batch = append(batch, storage.Record{ImagePath: path, Vector: results[i].vec})
		slots = append(slots, i)
		if len(batch) == idx.cfg.BatchSize {
			if err := flush(); err != nil {
				return nil, err
			}
		}
	}
	if err := flush(); err != nil {
		return nil, err
	}

	if replace {
		err = idx.store.ReplaceCollection(ctx, staging, idx.collection)
	} else {
		err = idx.store.RenameCollection(ctx, staging, idx.collection)
	}
	if errors.Is(err, storage.ErrAlreadyExists) {
		idx.logger.Info("collection was created concurrently, discarding this build", zap.String("collection", idx.collection))
		err = idx.store.DropCollection(context.WithoutCancel(ctx), staging)
		if err != nil {
			return nil, fmt.Errorf("drop staging collection: %w", err)
		}
		return idx.skipped(absFolder), nil
	}
	if err != nil {
		return nil, fmt.Errorf("publish collection: %w", err)
	}

	report.Duration = time.Since(start)
	idx.logger.Info("indexing complete",
		zap.String("collection", idx.collection),
		zap.Int("discovered", report.Discovered),
		zap.Int("indexed", report.Indexed),
		zap.Int("failed", report.Failed),
		zap.Duration("duration", report.Duration))
	return report, nil
}

// encodeAll decodes and encodes files on a bounded pool of workers. Per-file
// failures are returned in the slice; only cancellation aborts the whole run.
func (idx *Indexer) encodeAll(ctx context.Context, files []string) ([]encoded, error) {
	results := make([]encoded, len(files))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(idx.cfg.Workers)
	for i, path := range files {
		if gctx.Err() != nil {
			break
		}
		i, path := i, path
		g.Go(func() error {
			img, err := embedding.DecodeFile(path)
			if err != nil {
				results[i].err = err
				return nil
			}
			vec, err := idx.encoder.Encode(gctx, img)
			if err != nil {
				if ctxErr := gctx.Err(); ctxErr != nil {
					return ctxErr
				}
				results[i].err = fmt.Errorf("encode: %w", err)
				return nil
			}
			results[i].vec = vec
			idx.logger.Debug("encoded image", zap.String("path", path))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("indexing aborted: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("indexing aborted: %w", err)
	}
	return results, nil
}

// StagingName returns the hidden collection name a build with runID writes into.
func StagingName(collection, runID string) string {
	return collection + "__staging_" + strings.ReplaceAll(runID, "-", "")
}

// IsStaging reports whether name is a staging collection of some build.
func IsStaging(name string) bool {
	return strings.Contains(name, "__staging_")
}

// CleanupStaging drops staging collections of this indexer's collection left
// behind by builds that did not finish, for example after a crash. It does not
// coordinate with builds in flight; call it before Initialize.
func (idx *Indexer) CleanupStaging(ctx context.Context) (int, error) {
	cols, err := idx.store.ListCollections(ctx)
	if err != nil {
		return 0, err
	}
	prefix := idx.collection + "__staging_"
	n := 0
	for _, c := range cols {
		if !strings.HasPrefix(c.Name, prefix) {
			continue
		}
		if err := idx.store.DropCollection(ctx, c.Name); err != nil && !errors.Is(err, storage.ErrCollectionNotFound) {
			return n, fmt.Errorf("drop %s: %w", c.Name, err)
		}
		idx.logger.Info("dropped abandoned staging collection", zap.String("staging", c.Name))
		n++
	}
	return n, nil
}
