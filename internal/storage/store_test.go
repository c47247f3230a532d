package storage

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"sync"
	"testing"

	"github.com/hyperjump/utsushi/internal/config"
	"github.com/hyperjump/utsushi/internal/vector"
)

type opener func(t *testing.T, path string) Store

var backends = map[string]opener{
	BackendSQLite: func(t *testing.T, path string) Store {
		s, err := NewSQLiteStore(path)
		if err != nil {
			t.Fatal(err)
		}
		return s
	},
	BackendChromem: func(t *testing.T, path string) Store {
		s, err := NewChromemStore(path, false)
		if err != nil {
			t.Fatal(err)
		}
		return s
	},
}

func forEachBackend(t *testing.T, fn func(t *testing.T, open opener)) {
	for name, open := range backends {
		open := open
		t.Run(name, func(t *testing.T) { fn(t, open) })
	}
}

func unit(angle float64) []float32 {
	return []float32{float32(math.Cos(angle)), float32(math.Sin(angle))}
}

func createTestCollection(t *testing.T, s Store, name string, metric vector.Metric) {
	t.Helper()
	err := s.CreateCollection(context.Background(), CollectionSpec{
		Name: name, Dimensions: 2, Metric: metric, Model: "mock",
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestStore_CreateAndDescribe(t *testing.T) {
	forEachBackend(t, func(t *testing.T, open opener) {
		s := open(t, filepath.Join(t.TempDir(), "index.db"))
		defer s.Close()
		ctx := context.Background()

		ok, err := s.HasCollection(ctx, "photos")
		if err != nil || ok {
			t.Fatalf("HasCollection before create = %v, %v", ok, err)
		}
		createTestCollection(t, s, "photos", vector.Cosine)
		if ok, _ := s.HasCollection(ctx, "photos"); !ok {
			t.Error("collection should exist after create")
		}
		err = s.CreateCollection(ctx, CollectionSpec{Name: "photos", Dimensions: 2})
		if !errors.Is(err, ErrAlreadyExists) {
			t.Errorf("second create err = %v, want ErrAlreadyExists", err)
		}

		c, err := s.Collection(ctx, "photos")
		if err != nil {
			t.Fatal(err)
		}
		if c.Dimensions != 2 || c.Metric != vector.Cosine || c.Model != "mock" || c.Count != 0 {
			t.Errorf("collection = %+v", c)
		}
		if c.CreatedAt.IsZero() {
			t.Error("CreatedAt should be set")
		}
		if _, err := s.Collection(ctx, "missing"); !errors.Is(err, ErrCollectionNotFound) {
			t.Errorf("missing collection err = %v", err)
		}
	})
}

func TestStore_CreateInvalid(t *testing.T) {
	forEachBackend(t, func(t *testing.T, open opener) {
		s := open(t, filepath.Join(t.TempDir(), "index.db"))
		defer s.Close()
		ctx := context.Background()
		for _, spec := range []CollectionSpec{
			{Name: "", Dimensions: 2},
			{Name: "x", Dimensions: 0},
			{Name: "x", Dimensions: 2, Metric: "hamming"},
		} {
			if err := s.CreateCollection(ctx, spec); err == nil {
				t.Errorf("CreateCollection(%+v) should fail", spec)
			}
		}
	})
}

func TestStore_UpsertAndSearch(t *testing.T) {
	forEachBackend(t, func(t *testing.T, open opener) {
		s := open(t, filepath.Join(t.TempDir(), "index.db"))
		defer s.Close()
		ctx := context.Background()
		createTestCollection(t, s, "photos", vector.Cosine)

		ids, err := s.Upsert(ctx, "photos", []Record{
			{ImagePath: "/a.png", Vector: unit(0)},
			{ImagePath: "/b.png", Vector: unit(0.5)},
			{ImagePath: "/c.png", Vector: unit(1.5)},
		})
		if err != nil {
			t.Fatal(err)
		}
		if len(ids) != 3 || !(ids[0] < ids[1] && ids[1] < ids[2]) {
			t.Fatalf("ids not insertion ordered: %v", ids)
		}

		hits, err := s.Search(ctx, "photos", unit(0.1), 2)
		if err != nil {
			t.Fatal(err)
		}
		if len(hits) != 2 || hits[0].ImagePath != "/a.png" || hits[1].ImagePath != "/b.png" {
			t.Fatalf("hits = %+v", hits)
		}
		if hits[0].Distance > hits[1].Distance {
			t.Error("distances not ascending")
		}
		if math.Abs(hits[0].Score-math.Cos(0.1)) > 1e-5 {
			t.Errorf("score = %f, want %f", hits[0].Score, math.Cos(0.1))
		}

		// Exact match scores identity.
		hits, _ = s.Search(ctx, "photos", unit(1.5), 1)
		if hits[0].ImagePath != "/c.png" || math.Abs(hits[0].Score-1) > 1e-5 {
			t.Errorf("self hit = %+v", hits[0])
		}

		c, _ := s.Collection(ctx, "photos")
		if c.Count != 3 {
			t.Errorf("count = %d", c.Count)
		}
	})
}

func TestStore_SearchKBounds(t *testing.T) {
	forEachBackend(t, func(t *testing.T, open opener) {
		s := open(t, filepath.Join(t.TempDir(), "index.db"))
		defer s.Close()
		ctx := context.Background()
		createTestCollection(t, s, "photos", vector.L2)
		if _, err := s.Upsert(ctx, "photos", []Record{
			{ImagePath: "/a.png", Vector: unit(0)},
			{ImagePath: "/b.png", Vector: unit(1)},
		}); err != nil {
			t.Fatal(err)
		}
		for _, tt := range []struct{ k, want int }{{0, 0}, {-3, 0}, {1, 1}, {5, 2}} {
			hits, err := s.Search(ctx, "photos", unit(0), tt.k)
			if err != nil {
				t.Fatal(err)
			}
			if len(hits) != tt.want {
				t.Errorf("k=%d: %d hits, want %d", tt.k, len(hits), tt.want)
			}
		}
	})
}

func TestStore_TieBreakByID(t *testing.T) {
	forEachBackend(t, func(t *testing.T, open opener) {
		s := open(t, filepath.Join(t.TempDir(), "index.db"))
		defer s.Close()
		ctx := context.Background()
		createTestCollection(t, s, "dups", vector.Cosine)
		ids, err := s.Upsert(ctx, "dups", []Record{
			{ImagePath: "/first.png", Vector: unit(0.3)},
			{ImagePath: "/second.png", Vector: unit(0.3)},
			{ImagePath: "/third.png", Vector: unit(0.3)},
		})
		if err != nil {
			t.Fatal(err)
		}
		hits, err := s.Search(ctx, "dups", unit(0.3), 3)
		if err != nil {
			t.Fatal(err)
		}
		for i := range hits {
			if hits[i].ID != ids[i] {
				t.Errorf("rank %d: id %d, want %d", i, hits[i].ID, ids[i])
			}
		}
	})
}

func TestStore_Errors(t *testing.T) {
	forEachBackend(t, func(t *testing.T, open opener) {
		s := open(t, filepath.Join(t.TempDir(), "index.db"))
		defer s.Close()
		ctx := context.Background()

		if _, err := s.Search(ctx, "nope", unit(0), 5); !errors.Is(err, ErrCollectionNotFound) {
			t.Errorf("search missing: %v", err)
		}
		if _, err := s.Upsert(ctx, "nope", []Record{{ImagePath: "/a", Vector: unit(0)}}); !errors.Is(err, ErrCollectionNotFound) {
			t.Errorf("upsert missing: %v", err)
		}

		createTestCollection(t, s, "photos", vector.Cosine)
		_, err := s.Upsert(ctx, "photos", []Record{
			{ImagePath: "/ok.png", Vector: unit(0)},
			{ImagePath: "/bad.png", Vector: []float32{1, 0, 0}},
		})
		if !errors.Is(err, ErrDimensionMismatch) {
			t.Errorf("upsert wrong dims: %v", err)
		}
		if c, _ := s.Collection(ctx, "photos"); c.Count != 0 {
			t.Errorf("partial write: count=%d", c.Count)
		}
		if _, err := s.Search(ctx, "photos", []float32{1, 0, 0}, 1); !errors.Is(err, ErrDimensionMismatch) {
			t.Errorf("search wrong dims: %v", err)
		}
	})
}

func TestStore_RenameReplaceDrop(t *testing.T) {
	forEachBackend(t, func(t *testing.T, open opener) {
		s := open(t, filepath.Join(t.TempDir(), "index.db"))
		defer s.Close()
		ctx := context.Background()

		createTestCollection(t, s, "staging", vector.Cosine)
		if _, err := s.Upsert(ctx, "staging", []Record{{ImagePath: "/a.png", Vector: unit(0)}}); err != nil {
			t.Fatal(err)
		}
		// Warm any search cache before moving.
		if _, err := s.Search(ctx, "staging", unit(0), 1); err != nil {
			t.Fatal(err)
		}
		if err := s.RenameCollection(ctx, "staging", "live"); err != nil {
			t.Fatal(err)
		}
		if ok, _ := s.HasCollection(ctx, "staging"); ok {
			t.Error("staging should be gone after rename")
		}
		hits, err := s.Search(ctx, "live", unit(0), 5)
		if err != nil || len(hits) != 1 || hits[0].ImagePath != "/a.png" {
			t.Fatalf("search live = %+v, %v", hits, err)
		}
		if _, err := s.Search(ctx, "staging", unit(0), 5); !errors.Is(err, ErrCollectionNotFound) {
			t.Errorf("stale cache served renamed collection: %v", err)
		}

		createTestCollection(t, s, "next", vector.Cosine)
		if _, err := s.Upsert(ctx, "next", []Record{
			{ImagePath: "/x.png", Vector: unit(1)},
			{ImagePath: "/y.png", Vector: unit(2)},
		}); err != nil {
			t.Fatal(err)
		}
		if err := s.RenameCollection(ctx, "next", "live"); !errors.Is(err, ErrAlreadyExists) {
			t.Errorf("rename onto existing: %v", err)
		}
		if err := s.ReplaceCollection(ctx, "next", "live"); err != nil {
			t.Fatal(err)
		}
		c, err := s.Collection(ctx, "live")
		if err != nil || c.Count != 2 {
			t.Fatalf("after replace: %+v, %v", c, err)
		}
		hits, _ = s.Search(ctx, "live", unit(0), 5)
		for _, h := range hits {
			if h.ImagePath == "/a.png" {
				t.Error("replaced records still visible")
			}
		}

		list, err := s.ListCollections(ctx)
		if err != nil || len(list) != 1 || list[0].Name != "live" {
			t.Errorf("ListCollections = %+v, %v", list, err)
		}

		if err := s.DropCollection(ctx, "live"); err != nil {
			t.Fatal(err)
		}
		if err := s.DropCollection(ctx, "live"); !errors.Is(err, ErrCollectionNotFound) {
			t.Errorf("second drop: %v", err)
		}
		if err := s.RenameCollection(ctx, "ghost", "live"); !errors.Is(err, ErrCollectionNotFound) {
			t.Errorf("rename missing: %v", err)
		}
	})
}

func TestStore_NonUnitVectorsKeepTheirLength(t *testing.T) {
	tests := []struct {
		metric    vector.Metric
		wantDist  float64
		wantScore float64
	}{
		{vector.L2, 0, 0},
		{vector.IP, -25, 25},
	}
	forEachBackend(t, func(t *testing.T, open opener) {
		for _, tt := range tests {
			t.Run(string(tt.metric), func(t *testing.T) {
				path := filepath.Join(t.TempDir(), "index.db")
				s := open(t, path)
				ctx := context.Background()
				createTestCollection(t, s, "raw", tt.metric)
				if _, err := s.Upsert(ctx, "raw", []Record{
					{ImagePath: "/far.png", Vector: []float32{0, 1}},
					{ImagePath: "/self.png", Vector: []float32{3, 4}},
				}); err != nil {
					t.Fatal(err)
				}
				if err := s.RenameCollection(ctx, "raw", "published"); err != nil {
					t.Fatal(err)
				}
				if err := s.Close(); err != nil {
					t.Fatal(err)
				}

				s = open(t, path)
				defer s.Close()
				hits, err := s.Search(ctx, "published", []float32{3, 4}, 1)
				if err != nil {
					t.Fatal(err)
				}
				if len(hits) != 1 || hits[0].ImagePath != "/self.png" {
					t.Fatalf("hits = %+v", hits)
				}
				if math.Abs(hits[0].Distance-tt.wantDist) > 1e-6 || math.Abs(hits[0].Score-tt.wantScore) > 1e-6 {
					t.Errorf("self hit distance=%f score=%f, want %f, %f",
						hits[0].Distance, hits[0].Score, tt.wantDist, tt.wantScore)
				}
			})
		}
	})
}

func TestStore_PersistsAcrossReopen(t *testing.T) {
	forEachBackend(t, func(t *testing.T, open opener) {
		path := filepath.Join(t.TempDir(), "nested", "index.db")
		s := open(t, path)
		ctx := context.Background()
		createTestCollection(t, s, "photos", vector.IP)
		first, err := s.Upsert(ctx, "photos", []Record{
			{ImagePath: "/a.png", Vector: unit(0)},
			{ImagePath: "/b.png", Vector: unit(2)},
		})
		if err != nil {
			t.Fatal(err)
		}
		if err := s.Close(); err != nil {
			t.Fatal(err)
		}

		s = open(t, path)
		defer s.Close()
		c, err := s.Collection(ctx, "photos")
		if err != nil {
			t.Fatal(err)
		}
		if c.Count != 2 || c.Metric != vector.IP || c.Dimensions != 2 {
			t.Errorf("reopened collection = %+v", c)
		}
		ids, err := s.Upsert(ctx, "photos", []Record{{ImagePath: "/c.png", Vector: unit(1)}})
		if err != nil {
			t.Fatal(err)
		}
		if ids[0] <= first[1] {
			t.Errorf("id %d assigned after reopen does not follow %d", ids[0], first[1])
		}
		hits, err := s.Search(ctx, "photos", unit(2), 3)
		if err != nil || len(hits) != 3 {
			t.Fatalf("search after reopen = %+v, %v", hits, err)
		}
		if hits[0].ImagePath != "/b.png" || hits[1].ImagePath != "/c.png" {
			t.Errorf("order after reopen = %s, %s", hits[0].ImagePath, hits[1].ImagePath)
		}
	})
}

func TestStore_ConcurrentSearch(t *testing.T) {
	forEachBackend(t, func(t *testing.T, open opener) {
		s := open(t, filepath.Join(t.TempDir(), "index.db"))
		defer s.Close()
		ctx := context.Background()
		createTestCollection(t, s, "photos", vector.Cosine)
		var recs []Record
		for i := 0; i < 50; i++ {
			recs = append(recs, Record{ImagePath: filepath.Join("/img", string(rune('a'+i%26))), Vector: unit(float64(i) / 10)})
		}
		if _, err := s.Upsert(ctx, "photos", recs); err != nil {
			t.Fatal(err)
		}
		var wg sync.WaitGroup
		errs := make(chan error, 16)
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				hits, err := s.Search(ctx, "photos", unit(float64(i)/10), 5)
				if err != nil {
					errs <- err
					return
				}
				if len(hits) != 5 {
					errs <- errors.New("short result")
				}
			}(i)
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			t.Error(err)
		}
	})
}

func TestNewStore(t *testing.T) {
	dir := t.TempDir()
	for _, backend := range []string{"", BackendSQLite, BackendChromem} {
		s, err := NewStore(config.StorageConfig{Backend: backend, Path: filepath.Join(dir, backend+"index.db")})
		if err != nil {
			t.Fatalf("backend %q: %v", backend, err)
		}
		_ = s.Close()
	}
	if _, err := NewStore(config.StorageConfig{Backend: "faiss", Path: filepath.Join(dir, "x")}); err == nil {
		t.Error("expected error for unknown backend")
	}
}

func TestChromemStore_Compressed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.bin")
	s, err := NewChromemStore(path, true)
	if err != nil {
		t.Fatal(err)
	}
	if s.Path() != path+".gz" {
		t.Errorf("path = %s", s.Path())
	}
	ctx := context.Background()
	createTestCollection(t, s, "photos", vector.Cosine)
	if _, err := s.Upsert(ctx, "photos", []Record{{ImagePath: "/a.png", Vector: unit(0)}}); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	s2, err := NewChromemStore(path, true)
	if err != nil {
		t.Fatal(err)
	}
	defer s2.Close()
	if c, err := s2.Collection(ctx, "photos"); err != nil || c.Count != 1 {
		t.Errorf("reopened compressed store: %+v, %v", c, err)
	}
	if ok, _ := s2.HasCollection(ctx, catalogName); ok {
		t.Error("catalog must not be visible as a collection")
	}
}
