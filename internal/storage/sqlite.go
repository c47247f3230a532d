package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/hyperjump/utsushi/internal/vector"
)

// SQLiteStore implements Store in a single SQLite file. Vectors are stored as
// float32 blobs; searches score an in-memory copy of the collection that is
// loaded on first use and dropped on every mutation of that collection.
type SQLiteStore struct {
	db *sql.DB
	// mu serializes writers and guards indexes.
	mu      sync.RWMutex
	indexes map[string]*loadedIndex
}

type loadedIndex struct {
	index vector.Index
	paths map[int64]string
}

// NewSQLiteStore opens or creates a SQLite database at dbPath and initializes the schema.
// Parent directories are created if they do not exist.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &SQLiteStore{db: db, indexes: make(map[string]*loadedIndex)}, nil
}

func initSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS collections (
		name TEXT PRIMARY KEY,
		dimensions INTEGER NOT NULL,
		metric TEXT NOT NULL,
		model TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS records (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		collection TEXT NOT NULL,
		image_path TEXT NOT NULL,
		vector BLOB NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_records_collection ON records(collection, id);
	`
	_, err := db.Exec(schema)
	return err
}

type rowQueryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getCollection(ctx context.Context, q rowQueryer, name string) (*Collection, error) {
	var c Collection
	var metric string
	err := q.QueryRowContext(ctx,
		`SELECT name, dimensions, metric, model, created_at FROM collections WHERE name = ?`, name,
	).Scan(&c.Name, &c.Dimensions, &metric, &c.Model, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrCollectionNotFound, name)
	}
	if err != nil {
		return nil, err
	}
	c.Metric = vector.Metric(metric)
	return &c, nil
}

func collectionExists(ctx context.Context, q rowQueryer, name string) (bool, error) {
	var n int
	err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM collections WHERE name = ?`, name).Scan(&n)
	return n > 0, err
}

// HasCollection reports whether name exists.
func (s *SQLiteStore) HasCollection(ctx context.Context, name string) (bool, error) {
	return collectionExists(ctx, s.db, name)
}

// CreateCollection creates an empty collection.
func (s *SQLiteStore) CreateCollection(ctx context.Context, spec CollectionSpec) error {
	spec, err := spec.validate()
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	exists, err := collectionExists(ctx, tx, spec.Name)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, spec.Name)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO collections (name, dimensions, metric, model, created_at) VALUES (?, ?, ?, ?, ?)`,
		spec.Name, spec.Dimensions, string(spec.Metric), spec.Model, time.Now().UTC(),
	); err != nil {
		return fmt.Errorf("failed to create collection: %w", err)
	}
	return tx.Commit()
}

// Collection returns metadata and record count for name.
func (s *SQLiteStore) Collection(ctx context.Context, name string) (*Collection, error) {
	c, err := getCollection(ctx, s.db, name)
	if err != nil {
		return nil, err
	}
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM records WHERE collection = ?`, name,
	).Scan(&c.Count); err != nil {
		return nil, err
	}
	return c, nil
}

// ListCollections returns all collections ordered by name.
func (s *SQLiteStore) ListCollections(ctx context.Context) ([]*Collection, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT c.name, c.dimensions, c.metric, c.model, c.created_at,
		        (SELECT COUNT(*) FROM records r WHERE r.collection = c.name)
		 FROM collections c ORDER BY c.name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Collection
	for rows.Next() {
		var c Collection
		var metric string
		if err := rows.Scan(&c.Name, &c.Dimensions, &metric, &c.Model, &c.CreatedAt, &c.Count); err != nil {
			return nil, err
		}
		c.Metric = vector.Metric(metric)
		out = append(out, &c)
	}
	return out, rows.Err()
}

// DropCollection deletes a collection and all of its records.
func (s *SQLiteStore) DropCollection(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM collections WHERE name = ?`, name)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrCollectionNotFound, name)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM records WHERE collection = ?`, name); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	delete(s.indexes, name)
	return nil
}

// RenameCollection renames from to to. to must not exist.
func (s *SQLiteStore) RenameCollection(ctx context.Context, from, to string) error {
	return s.move(ctx, from, to, false)
}

// ReplaceCollection drops to, if present, and renames from to to in one transaction.
func (s *SQLiteStore) ReplaceCollection(ctx context.Context, from, to string) error {
	return s.move(ctx, from, to, true)
}

func (s *SQLiteStore) move(ctx context.Context, from, to string, replace bool) error {
	if from == to {
		return fmt.Errorf("cannot move collection %s onto itself", from)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	exists, err := collectionExists(ctx, tx, from)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%w: %s", ErrCollectionNotFound, from)
	}
	if replace {
		if _, err := tx.ExecContext(ctx, `DELETE FROM records WHERE collection = ?`, to); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM collections WHERE name = ?`, to); err != nil {
			return err
		}
	} else {
		taken, err := collectionExists(ctx, tx, to)
		if err != nil {
			return err
		}
		if taken {
			return fmt.Errorf("%w: %s", ErrAlreadyExists, to)
		}
	}
	if _, err := tx.ExecContext(ctx, `UPDATE collections SET name = ? WHERE name = ?`, to, from); err != nil {
		return fmt.Errorf("failed to rename collection: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE records SET collection = ? WHERE collection = ?`, to, from); err != nil {
		return fmt.Errorf("failed to move records: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	delete(s.indexes, from)
	delete(s.indexes, to)
	return nil
}

// Upsert appends records in a single transaction.
func (s *SQLiteStore) Upsert(ctx context.Context, name string, records []Record) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	c, err := getCollection(ctx, tx, name)
	if err != nil {
		return nil, err
	}
	for _, r := range records {
		if len(r.Vector) != c.Dimensions {
			return nil, fmt.Errorf("%w: %s has %d dimensions, collection %s expects %d",
				ErrDimensionMismatch, r.ImagePath, len(r.Vector), name, c.Dimensions)
		}
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO records (collection, image_path, vector) VALUES (?, ?, ?)`)
	if err != nil {
		return nil, err
	}
	defer stmt.Close()

	ids := make([]int64, len(records))
	for i, r := range records {
		res, err := stmt.ExecContext(ctx, name, r.ImagePath, vector.EncodeFloat32s(r.Vector))
		if err != nil {
			return nil, fmt.Errorf("failed to insert record %s: %w", r.ImagePath, err)
		}
		if ids[i], err = res.LastInsertId(); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	delete(s.indexes, name)
	return ids, nil
}

// Search scores every record of the collection against query.
func (s *SQLiteStore) Search(ctx context.Context, name string, query []float32, k int) ([]Hit, error) {
	li, err := s.index(ctx, name)
	if err != nil {
		return nil, err
	}
	if len(query) != li.index.Dimensions() {
		return nil, fmt.Errorf("%w: query has %d dimensions, collection %s expects %d",
			ErrDimensionMismatch, len(query), name, li.index.Dimensions())
	}
	if k <= 0 {
		return []Hit{}, nil
	}
	results, err := li.index.Search(ctx, query, k)
	if err != nil {
		return nil, err
	}
	hits := make([]Hit, len(results))
	for i, r := range results {
		hits[i] = Hit{ID: r.ID, ImagePath: li.paths[r.ID], Distance: r.Distance, Score: r.Score}
	}
	return hits, nil
}

func (s *SQLiteStore) index(ctx context.Context, name string) (*loadedIndex, error) {
	s.mu.RLock()
	li := s.indexes[name]
	s.mu.RUnlock()
	if li != nil {
		return li, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if li := s.indexes[name]; li != nil {
		return li, nil
	}
	li, err := s.loadIndex(ctx, name)
	if err != nil {
		return nil, err
	}
	s.indexes[name] = li
	return li, nil
}

func (s *SQLiteStore) loadIndex(ctx context.Context, name string) (*loadedIndex, error) {
	c, err := getCollection(ctx, s.db, name)
	if err != nil {
		return nil, err
	}
	idx, err := vector.NewMemoryIndex(c.Dimensions, c.Metric)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, image_path, vector FROM records WHERE collection = ? ORDER BY id`, name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	paths := make(map[int64]string)
	var ids []int64
	var vecs [][]float32
	for rows.Next() {
		var id int64
		var path string
		var blob []byte
		if err := rows.Scan(&id, &path, &blob); err != nil {
			return nil, err
		}
		vec, err := vector.DecodeFloat32s(blob)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", id, err)
		}
		ids = append(ids, id)
		vecs = append(vecs, vec)
		paths[id] = path
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := idx.Add(ctx, ids, vecs); err != nil {
		return nil, fmt.Errorf("%w: collection %s: %v", ErrDimensionMismatch, name, err)
	}
	return &loadedIndex{index: idx, paths: paths}, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
