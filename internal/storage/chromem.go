package storage

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/philippgille/chromem-go"

	"github.com/hyperjump/utsushi/internal/vector"
)

// catalogName is the reserved chromem collection holding one metadata document per collection.
const catalogName = "__utsushi_catalog"

const (
	metaDimensions = "dimensions"
	metaMetric     = "metric"
	metaModel      = "model"
	metaCreatedAt  = "created_at"
	metaNextID     = "next_id"
	metaPath       = "image_path"
	metaVector     = "vector"
)

// ChromemStore implements Store on a chromem-go in-memory database that is
// loaded from, and exported to, a single file after every mutation.
// chromem normalizes stored embeddings, so each record also keeps its raw vector
// in metadata and Search measures against that.
type ChromemStore struct {
	db       *chromem.DB
	path     string
	compress bool
	mu       sync.RWMutex
}

// NewChromemStore opens the export file at path, or starts empty if it does not exist.
// With compress the file is gzip-compressed and its name gets a .gz suffix.
func NewChromemStore(path string, compress bool) (*ChromemStore, error) {
	if compress && !strings.HasSuffix(path, ".gz") {
		path += ".gz"
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	db := chromem.NewDB()
	if _, err := os.Stat(path); err == nil {
		if err := db.ImportFromFile(path, ""); err != nil {
			return nil, fmt.Errorf("failed to import %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, err
	}
	if _, err := db.GetOrCreateCollection(catalogName, nil, nil); err != nil {
		return nil, err
	}
	return &ChromemStore{db: db, path: path, compress: compress}, nil
}

// Path returns the export file location.
func (s *ChromemStore) Path() string {
	return s.path
}

func (s *ChromemStore) catalog() *chromem.Collection {
	return s.db.GetCollection(catalogName, nil)
}

// persist writes the whole database to a temporary file and renames it over the export file.
func (s *ChromemStore) persist() error {
	tmp := strings.TrimSuffix(s.path, ".gz") + ".tmp"
	if s.compress {
		tmp += ".gz"
	}
	if err := s.db.ExportToFile(tmp, s.compress, ""); err != nil {
		return fmt.Errorf("failed to export database: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("failed to replace database file: %w", err)
	}
	return nil
}

func (s *ChromemStore) meta(ctx context.Context, name string) (*Collection, map[string]string, error) {
	if name == catalogName || s.db.GetCollection(name, nil) == nil {
		return nil, nil, fmt.Errorf("%w: %s", ErrCollectionNotFound, name)
	}
	doc, err := s.catalog().GetByID(ctx, name)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %s", ErrCollectionNotFound, name)
	}
	dims, err := strconv.Atoi(doc.Metadata[metaDimensions])
	if err != nil {
		return nil, nil, fmt.Errorf("collection %s: bad dimensions: %w", name, err)
	}
	created, _ := time.Parse(time.RFC3339Nano, doc.Metadata[metaCreatedAt])
	c := &Collection{
		Name:       name,
		Dimensions: dims,
		Metric:     vector.Metric(doc.Metadata[metaMetric]),
		Model:      doc.Metadata[metaModel],
		CreatedAt:  created,
		Count:      s.db.GetCollection(name, nil).Count(),
	}
	return c, doc.Metadata, nil
}

func (s *ChromemStore) putMeta(ctx context.Context, name string, md map[string]string) error {
	return s.catalog().AddDocument(ctx, chromem.Document{
		ID:        name,
		Metadata:  md,
		Embedding: []float32{1},
		Content:   name,
	})
}

// HasCollection reports whether name exists.
func (s *ChromemStore) HasCollection(ctx context.Context, name string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return name != catalogName && s.db.GetCollection(name, nil) != nil, nil
}

// CreateCollection creates an empty collection.
func (s *ChromemStore) CreateCollection(ctx context.Context, spec CollectionSpec) error {
	spec, err := spec.validate()
	if err != nil {
		return err
	}
	if spec.Name == catalogName {
		return fmt.Errorf("collection name %s is reserved", catalogName)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db.GetCollection(spec.Name, nil) != nil {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, spec.Name)
	}
	if _, err := s.db.CreateCollection(spec.Name, nil, nil); err != nil {
		return fmt.Errorf("failed to create collection: %w", err)
	}
	md := map[string]string{
		metaDimensions: strconv.Itoa(spec.Dimensions),
		metaMetric:     string(spec.Metric),
		metaModel:      spec.Model,
		metaCreatedAt:  time.Now().UTC().Format(time.RFC3339Nano),
		metaNextID:     "1",
	}
	if err := s.putMeta(ctx, spec.Name, md); err != nil {
		_ = s.db.DeleteCollection(spec.Name)
		return err
	}
	return s.persist()
}

// Collection returns metadata and record count for name.
func (s *ChromemStore) Collection(ctx context.Context, name string) (*Collection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, _, err := s.meta(ctx, name)
	return c, err
}

// ListCollections returns all collections ordered by name.
func (s *ChromemStore) ListCollections(ctx context.Context) ([]*Collection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Collection
	for name := range s.db.ListCollections() {
		if name == catalogName {
			continue
		}
		c, _, err := s.meta(ctx, name)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// DropCollection deletes a collection and its catalog entry.
func (s *ChromemStore) DropCollection(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.drop(ctx, name); err != nil {
		return err
	}
	return s.persist()
}

func (s *ChromemStore) drop(ctx context.Context, name string) error {
	if name == catalogName || s.db.GetCollection(name, nil) == nil {
		return fmt.Errorf("%w: %s", ErrCollectionNotFound, name)
	}
	if err := s.db.DeleteCollection(name); err != nil {
		return err
	}
	return s.catalog().Delete(ctx, nil, nil, name)
}

// RenameCollection renames from to to. to must not exist.
func (s *ChromemStore) RenameCollection(ctx context.Context, from, to string) error {
	return s.move(ctx, from, to, false)
}

// ReplaceCollection drops to, if present, and renames from to to.
func (s *ChromemStore) ReplaceCollection(ctx context.Context, from, to string) error {
	return s.move(ctx, from, to, true)
}

// move copies every document into a new collection before removing the old one.
// The export file is only rewritten once, so a crash leaves the previous state on disk.
func (s *ChromemStore) move(ctx context.Context, from, to string, replace bool) error {
	if from == to {
		return fmt.Errorf("cannot move collection %s onto itself", from)
	}
	if to == catalogName {
		return fmt.Errorf("collection name %s is reserved", catalogName)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	src, md, err := s.meta(ctx, from)
	if err != nil {
		return err
	}
	if s.db.GetCollection(to, nil) != nil {
		if !replace {
			return fmt.Errorf("%w: %s", ErrAlreadyExists, to)
		}
		if err := s.drop(ctx, to); err != nil {
			return err
		}
	}
	docs, err := allDocuments(ctx, s.db.GetCollection(from, nil), src.Dimensions)
	if err != nil {
		return err
	}
	dst, err := s.db.CreateCollection(to, nil, nil)
	if err != nil {
		return fmt.Errorf("failed to create collection: %w", err)
	}
	if len(docs) > 0 {
		if err := dst.AddDocuments(ctx, docs, 1); err != nil {
			_ = s.db.DeleteCollection(to)
			return fmt.Errorf("failed to copy records: %w", err)
		}
	}
	if err := s.putMeta(ctx, to, md); err != nil {
		return err
	}
	if err := s.drop(ctx, from); err != nil {
		return err
	}
	return s.persist()
}

// allDocuments returns every document of c with its stored embedding.
func allDocuments(ctx context.Context, c *chromem.Collection, dims int) ([]chromem.Document, error) {
	n := c.Count()
	if n == 0 {
		return nil, nil
	}
	probe := make([]float32, dims)
	probe[0] = 1
	results, err := c.QueryEmbedding(ctx, probe, n, nil, nil)
	if err != nil {
		return nil, err
	}
	docs := make([]chromem.Document, len(results))
	for i, r := range results {
		docs[i] = chromem.Document{
			ID:        r.ID,
			Metadata:  r.Metadata,
			Embedding: r.Embedding,
			Content:   r.Content,
		}
	}
	return docs, nil
}

func encodeRaw(v []float32) string {
	return base64.StdEncoding.EncodeToString(vector.EncodeFloat32s(v))
}

// decodeRaw returns the stored raw vector, or fallback for records written
// without one.
func decodeRaw(s string, fallback []float32) ([]float32, error) {
	if s == "" {
		return fallback, nil
	}
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("bad raw vector: %w", err)
	}
	return vector.DecodeFloat32s(b)
}

func recordDocID(id int64) string {
	return fmt.Sprintf("%020d", id)
}

// Upsert appends records with sequential IDs.
func (s *ChromemStore) Upsert(ctx context.Context, name string, records []Record) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, md, err := s.meta(ctx, name)
	if err != nil {
		return nil, err
	}
	for _, r := range records {
		if len(r.Vector) != c.Dimensions {
			return nil, fmt.Errorf("%w: %s has %d dimensions, collection %s expects %d",
				ErrDimensionMismatch, r.ImagePath, len(r.Vector), name, c.Dimensions)
		}
	}
	if len(records) == 0 {
		return []int64{}, nil
	}
	next, err := strconv.ParseInt(md[metaNextID], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("collection %s: bad next id: %w", name, err)
	}

	ids := make([]int64, len(records))
	docs := make([]chromem.Document, len(records))
	for i, r := range records {
		ids[i] = next + int64(i)
		emb := make([]float32, len(r.Vector))
		copy(emb, r.Vector)
		docs[i] = chromem.Document{
			ID:        recordDocID(ids[i]),
			Metadata:  map[string]string{metaPath: r.ImagePath, metaVector: encodeRaw(r.Vector)},
			Embedding: emb,
			Content:   r.ImagePath,
		}
	}
	if err := s.db.GetCollection(name, nil).AddDocuments(ctx, docs, 1); err != nil {
		return nil, fmt.Errorf("failed to add records: %w", err)
	}

	updated := make(map[string]string, len(md))
	for k, v := range md {
		updated[k] = v
	}
	updated[metaNextID] = strconv.FormatInt(next+int64(len(records)), 10)
	if err := s.putMeta(ctx, name, updated); err != nil {
		return nil, err
	}
	if err := s.persist(); err != nil {
		return nil, err
	}
	return ids, nil
}

// Search retrieves every record and re-ranks it with the collection's metric,
// so ordering and tie-breaks match the SQLite backend exactly.
func (s *ChromemStore) Search(ctx context.Context, name string, query []float32, k int) ([]Hit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, _, err := s.meta(ctx, name)
	if err != nil {
		return nil, err
	}
	if len(query) != c.Dimensions {
		return nil, fmt.Errorf("%w: query has %d dimensions, collection %s expects %d",
			ErrDimensionMismatch, len(query), name, c.Dimensions)
	}
	if k <= 0 || c.Count == 0 {
		return []Hit{}, nil
	}

	results, err := s.db.GetCollection(name, nil).QueryEmbedding(ctx, query, c.Count, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	scored := make([]vector.Result, 0, len(results))
	paths := make(map[int64]string, len(results))
	for _, r := range results {
		id, err := strconv.ParseInt(r.ID, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("collection %s: bad record id %q", name, r.ID)
		}
		raw, err := decodeRaw(r.Metadata[metaVector], r.Embedding)
		if err != nil {
			return nil, fmt.Errorf("collection %s: record %s: %w", name, r.ID, err)
		}
		d, sc := c.Metric.Measure(query, raw)
		scored = append(scored, vector.Result{ID: id, Distance: d, Score: sc})
		paths[id] = r.Metadata[metaPath]
	}
	vector.SortResults(scored)
	if k > len(scored) {
		k = len(scored)
	}
	hits := make([]Hit, k)
	for i, r := range scored[:k] {
		hits[i] = Hit{ID: r.ID, ImagePath: paths[r.ID], Distance: r.Distance, Score: r.Score}
	}
	return hits, nil
}

// Close flushes the database to its export file.
func (s *ChromemStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persist()
}
