package benchmark

import (
	"context"
	"fmt"
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/hyperjump/utsushi/internal/embedding"
	"github.com/hyperjump/utsushi/internal/storage"
	"github.com/hyperjump/utsushi/internal/vector"
	"github.com/hyperjump/utsushi/pkg/utils"
	"github.com/hyperjump/utsushi/test/fixtures"
)

const benchDims = 512

func randomUnit(r *rand.Rand, dims int) []float32 {
	v := make([]float32, dims)
	for i := range v {
		v[i] = float32(r.NormFloat64())
	}
	utils.NormalizeL2(v)
	return v
}

func BenchmarkMemoryIndexSearch(b *testing.B) {
	for _, metric := range []vector.Metric{vector.Cosine, vector.L2, vector.IP} {
		b.Run(metric.String(), func(b *testing.B) {
			idx, err := vector.NewMemoryIndex(benchDims, metric)
			if err != nil {
				b.Fatal(err)
			}
			ctx := context.Background()
			r := rand.New(rand.NewSource(1))
			ids := make([]int64, 5000)
			vecs := make([][]float32, len(ids))
			for i := range ids {
				ids[i] = int64(i + 1)
				vecs[i] = randomUnit(r, benchDims)
			}
			if err := idx.Add(ctx, ids, vecs); err != nil {
				b.Fatal(err)
			}
			query := randomUnit(r, benchDims)
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				_, _ = idx.Search(ctx, query, 10)
			}
		})
	}
}

func BenchmarkSQLiteStoreSearch(b *testing.B) {
	store, err := storage.NewSQLiteStore(filepath.Join(b.TempDir(), "index.db"))
	if err != nil {
		b.Fatal(err)
	}
	defer store.Close()
	ctx := context.Background()
	if err := store.CreateCollection(ctx, storage.CollectionSpec{Name: "bench", Dimensions: benchDims, Metric: vector.Cosine, Model: "mock"}); err != nil {
		b.Fatal(err)
	}
	r := rand.New(rand.NewSource(2))
	records := make([]storage.Record, 2000)
	for i := range records {
		records[i] = storage.Record{ImagePath: fmt.Sprintf("/bench/%04d.png", i), Vector: randomUnit(r, benchDims)}
	}
	if _, err := store.Upsert(ctx, "bench", records); err != nil {
		b.Fatal(err)
	}
	query := randomUnit(r, benchDims)
	// First search loads the collection into memory.
	if _, err := store.Search(ctx, "bench", query, 10); err != nil {
		b.Fatal(err)
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = store.Search(ctx, "bench", query, 10)
	}
}

func BenchmarkPreprocess(b *testing.B) {
	p := embedding.NewPreprocessor(224)
	img := fixtures.Pattern(7, 640, 480)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = p.Tensor(img)
	}
}

func BenchmarkMockEncode(b *testing.B) {
	enc := embedding.NewMockEncoder(benchDims)
	defer enc.Close()
	img := fixtures.Pattern(3, 640, 480)
	ctx := context.Background()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = enc.Encode(ctx, img)
	}
}

func BenchmarkNormalizeL2(b *testing.B) {
	r := rand.New(rand.NewSource(3))
	v := randomUnit(r, benchDims)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		utils.NormalizeL2(v)
	}
}
