// Package integration runs the indexing pipeline and query service together
// against real store backends.
package integration

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/hyperjump/utsushi/internal/app"
	"github.com/hyperjump/utsushi/internal/config"
	"github.com/hyperjump/utsushi/internal/embedding"
	"github.com/hyperjump/utsushi/internal/storage"
	"github.com/hyperjump/utsushi/test/fixtures"
)

type backendCase struct {
	backend string
	metric  string
}

var matrix = []backendCase{
	{storage.BackendSQLite, "cosine"},
	{storage.BackendSQLite, "l2"},
	{storage.BackendSQLite, "ip"},
	{storage.BackendChromem, "cosine"},
	{storage.BackendChromem, "l2"},
}

func newConfig(t *testing.T, bc backendCase) *config.Config {
	t.Helper()
	dir := t.TempDir()
	f := false
	path := filepath.Join(dir, "index.db")
	if bc.backend == storage.BackendChromem {
		path = filepath.Join(dir, "index.chromem")
	}
	cfg := &config.Config{
		Collection: "image_embeddings",
		Storage:    config.StorageConfig{Backend: bc.backend, Path: path},
		Encoder:    config.EncoderConfig{Backend: embedding.BackendMock, Dimensions: 64},
		Index:      config.IndexConfig{SourceFolder: filepath.Join(dir, "train"), Metric: bc.metric, Workers: 3, BatchSize: 2},
		Gallery:    config.GalleryConfig{Folder: filepath.Join(dir, "test")},
		Watch:      config.WatchConfig{Enabled: &f},
	}
	config.ApplyDefaults(cfg)
	return cfg
}

func writeSet(t *testing.T, dir string, names ...string) map[string]string {
	t.Helper()
	paths := make(map[string]string, len(names))
	for i, name := range names {
		p := filepath.Join(dir, name)
		if err := fixtures.WriteImage(p, i); err != nil {
			t.Fatal(err)
		}
		paths[name] = p
	}
	return paths
}

func forEachCase(t *testing.T, fn func(t *testing.T, cfg *config.Config)) {
	for _, bc := range matrix {
		bc := bc
		t.Run(bc.backend+"/"+bc.metric, func(t *testing.T) {
			fn(t, newConfig(t, bc))
		})
	}
}

func TestIntegration_selfRetrieval(t *testing.T) {
	forEachCase(t, func(t *testing.T, cfg *config.Config) {
		paths := writeSet(t, cfg.Index.SourceFolder, "a.png", "b.jpg", "c.bmp")
		rt := app.New(cfg)
		defer rt.Close()
		ctx := context.Background()

		report, err := rt.Bootstrap(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if report.Indexed != 3 || report.Failed != 0 {
			t.Fatalf("report = %+v", report)
		}
		engine, _ := rt.Engine()
		for name, p := range paths {
			resp, err := engine.SearchFile(ctx, p, 3)
			if err != nil {
				t.Fatal(err)
			}
			if resp.Total != 3 {
				t.Fatalf("%s: total = %d", name, resp.Total)
			}
			top := resp.Hits[0]
			if top.ImagePath != p {
				t.Errorf("%s: top hit = %s", name, top.ImagePath)
			}
			if cfg.Index.Metric == "cosine" && math.Abs(top.Score-1) > 1e-4 {
				t.Errorf("%s: self similarity = %f", name, top.Score)
			}
			for i := 1; i < len(resp.Hits); i++ {
				if resp.Hits[i].Distance < resp.Hits[i-1].Distance {
					t.Errorf("%s: hits not ordered by distance", name)
				}
				if resp.Hits[i].Rank != i+1 {
					t.Errorf("%s: rank %d at position %d", name, resp.Hits[i].Rank, i)
				}
			}
		}
	})
}

func TestIntegration_corruptFileSkipped(t *testing.T) {
	forEachCase(t, func(t *testing.T, cfg *config.Config) {
		writeSet(t, cfg.Index.SourceFolder, "a.png", "b.png")
		if err := fixtures.WriteCorrupt(filepath.Join(cfg.Index.SourceFolder, "broken.jpg")); err != nil {
			t.Fatal(err)
		}
		rt := app.New(cfg)
		defer rt.Close()
		ctx := context.Background()

		report, err := rt.Bootstrap(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if report.Discovered != 3 || report.Indexed != 2 || report.Failed != 1 {
			t.Errorf("report = %+v", report)
		}
		st, err := rt.Status(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if st.Count != 2 {
			t.Errorf("count = %d, want 2", st.Count)
		}

		// k above the record count returns every record.
		engine, _ := rt.Engine()
		resp, err := engine.SearchFile(ctx, filepath.Join(cfg.Index.SourceFolder, "a.png"), 5)
		if err != nil {
			t.Fatal(err)
		}
		if resp.Total != 2 {
			t.Errorf("hits = %d, want 2", resp.Total)
		}
	})
}

func TestIntegration_idempotentInitialize(t *testing.T) {
	forEachCase(t, func(t *testing.T, cfg *config.Config) {
		writeSet(t, cfg.Index.SourceFolder, "a.png", "b.png", "c.png")
		ctx := context.Background()

		rt := app.New(cfg)
		if _, err := rt.Bootstrap(ctx); err != nil {
			t.Fatal(err)
		}
		if err := rt.Close(); err != nil {
			t.Fatal(err)
		}

		// A new process sees the persisted collection and skips indexing.
		writeSet(t, cfg.Index.SourceFolder, "d.png")
		rt = app.New(cfg)
		defer rt.Close()
		report, err := rt.Bootstrap(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if !report.Skipped {
			t.Error("second bootstrap should be skipped")
		}
		st, _ := rt.Status(ctx)
		if st.Count != 3 {
			t.Errorf("count = %d, want 3", st.Count)
		}

		report, err = rt.Rebuild(ctx, "")
		if err != nil {
			t.Fatal(err)
		}
		st, _ = rt.Status(ctx)
		if !report.Rebuilt || st.Count != 4 {
			t.Errorf("after rebuild: report=%+v count=%d", report, st.Count)
		}
	})
}

func TestIntegration_collectionNotFound(t *testing.T) {
	forEachCase(t, func(t *testing.T, cfg *config.Config) {
		paths := writeSet(t, cfg.Gallery.Folder, "q.png")
		rt := app.New(cfg)
		defer rt.Close()
		engine, err := rt.Engine()
		if err != nil {
			t.Fatal(err)
		}
		_, err = engine.SearchFile(context.Background(), paths["q.png"], 3)
		if !errors.Is(err, storage.ErrCollectionNotFound) {
			t.Errorf("err = %v, want ErrCollectionNotFound", err)
		}
	})
}

func TestIntegration_deletedImageDropped(t *testing.T) {
	forEachCase(t, func(t *testing.T, cfg *config.Config) {
		paths := writeSet(t, cfg.Index.SourceFolder, "a.png", "b.png", "c.png", "d.png")
		rt := app.New(cfg)
		defer rt.Close()
		ctx := context.Background()
		if _, err := rt.Bootstrap(ctx); err != nil {
			t.Fatal(err)
		}

		query := filepath.Join(cfg.Gallery.Folder, "query.png")
		if err := fixtures.WriteImage(query, 0); err != nil {
			t.Fatal(err)
		}
		if err := os.Remove(paths["a.png"]); err != nil {
			t.Fatal(err)
		}
		engine, _ := rt.Engine()
		resp, err := engine.SearchFile(ctx, query, 4)
		if err != nil {
			t.Fatal(err)
		}
		if resp.Total != 3 || len(resp.Warnings) != 1 {
			t.Fatalf("total=%d warnings=%v", resp.Total, resp.Warnings)
		}
		for i, h := range resp.Hits {
			if h.ImagePath == paths["a.png"] {
				t.Error("deleted image returned")
			}
			if h.Rank != i+1 {
				t.Errorf("rank %d at position %d", h.Rank, i)
			}
		}
	})
}

func TestIntegration_largerCollection(t *testing.T) {
	cfg := newConfig(t, matrix[0])
	var names []string
	for i := 0; i < 40; i++ {
		names = append(names, fmt.Sprintf("photo_%03d.png", i))
	}
	paths := writeSet(t, cfg.Index.SourceFolder, names...)
	rt := app.New(cfg)
	defer rt.Close()
	ctx := context.Background()
	if _, err := rt.Bootstrap(ctx); err != nil {
		t.Fatal(err)
	}
	engine, _ := rt.Engine()
	for _, name := range []string{"photo_000.png", "photo_017.png", "photo_039.png"} {
		resp, err := engine.SearchFile(ctx, paths[name], 10)
		if err != nil {
			t.Fatal(err)
		}
		if resp.K != 10 || resp.Total != 10 || resp.Hits[0].ImagePath != paths[name] {
			t.Errorf("%s: k=%d total=%d top=%s", name, resp.K, resp.Total, resp.Hits[0].ImagePath)
		}
	}
}
