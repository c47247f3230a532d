// Package storage persists collections of image embeddings and answers exact
// nearest-neighbor queries against them.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/hyperjump/utsushi/internal/vector"
)

var (
	// ErrCollectionNotFound is returned when a named collection does not exist.
	ErrCollectionNotFound = errors.New("collection not found")
	// ErrAlreadyExists is returned when creating or renaming onto an existing collection.
	ErrAlreadyExists = errors.New("collection already exists")
	// ErrDimensionMismatch is returned when a vector's length differs from the collection's dimensions.
	ErrDimensionMismatch = errors.New("dimension mismatch")
)

// CollectionSpec describes a collection to create.
type CollectionSpec struct {
	Name       string
	Dimensions int
	Metric     vector.Metric
	Model      string
}

// Collection is a stored collection's metadata.
type Collection struct {
	Name       string        `json:"name"`
	Dimensions int           `json:"dimensions"`
	Metric     vector.Metric `json:"metric"`
	Model      string        `json:"model"`
	CreatedAt  time.Time     `json:"created_at"`
	Count      int           `json:"count"`
}

// Record is one indexed image. ID is assigned by the store on insert.
type Record struct {
	ID        int64
	ImagePath string
	Vector    []float32
}

// Hit is a single nearest-neighbor result.
type Hit struct {
	ID        int64
	ImagePath string
	Distance  float64
	Score     float64
}

// Store defines collection and record persistence with exact top-k search.
type Store interface {
	HasCollection(ctx context.Context, name string) (bool, error)
	CreateCollection(ctx context.Context, spec CollectionSpec) error
	Collection(ctx context.Context, name string) (*Collection, error)
	ListCollections(ctx context.Context) ([]*Collection, error)
	DropCollection(ctx context.Context, name string) error
	// RenameCollection moves from to the unused name to in one step.
	RenameCollection(ctx context.Context, from, to string) error
	// ReplaceCollection drops to (if present) and renames from to it in one step.
	ReplaceCollection(ctx context.Context, from, to string) error

	// Upsert appends records and returns their assigned IDs in input order.
	// Nothing is written if any vector has the wrong length.
	Upsert(ctx context.Context, name string, records []Record) ([]int64, error)
	// Search returns the min(k, count) records nearest to query, ordered by
	// distance then ID. k <= 0 yields no hits.
	Search(ctx context.Context, name string, query []float32, k int) ([]Hit, error)

	Close() error
}

func (s CollectionSpec) validate() (CollectionSpec, error) {
	if s.Name == "" {
		return s, errors.New("collection name is required")
	}
	if s.Dimensions <= 0 {
		return s, errors.New("collection dimensions must be positive")
	}
	m, err := vector.ParseMetric(string(s.Metric))
	if err != nil {
		return s, err
	}
	s.Metric = m
	return s, nil
}
