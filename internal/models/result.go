// Package models defines the request, result and report types shared by the
// services, the HTTP adapter and the CLI.
package models

// SearchHit is a single ranked neighbor. Distance is smaller-is-closer for every
// metric; Score is the metric's native value (cosine similarity, euclidean
// distance or dot product).
type SearchHit struct {
	Rank      int     `json:"rank"`
	ImagePath string  `json:"image_path"`
	Distance  float64 `json:"distance"`
	Score     float64 `json:"score"`
	RecordID  int64   `json:"record_id"`
}

// SearchResponse is the response for a similarity search.
type SearchResponse struct {
	Collection string       `json:"collection"`
	Metric     string       `json:"metric"`
	K          int          `json:"k"`
	Hits       []*SearchHit `json:"hits"`
	Total      int          `json:"total"`
	// Warnings lists indexed images that no longer exist on disk and were dropped.
	Warnings  []string `json:"warnings,omitempty"`
	Clamped   bool     `json:"clamped,omitempty"`
	QueryTime int64    `json:"query_time_ms"`
}

// Status describes the served collection and the health of its source folder.
type Status struct {
	Collection     string `json:"collection"`
	Exists         bool   `json:"exists"`
	Count          int    `json:"count"`
	Dimensions     int    `json:"dimensions,omitempty"`
	Metric         string `json:"metric,omitempty"`
	Model          string `json:"model,omitempty"`
	EncoderModel   string `json:"encoder_model"`
	StorageBackend string `json:"storage_backend"`
	StoragePath    string `json:"storage_path"`
	DiskUsageBytes int64  `json:"disk_usage_bytes"`
	SourceFolder   string `json:"source_folder"`
	DefaultK       int    `json:"default_k"`
	MaxK           int    `json:"max_k"`
	Staging        int    `json:"staging_collections,omitempty"`
	Stale          bool   `json:"stale"`
	StaleChanges   int    `json:"stale_changes,omitempty"`
	LastChange     string `json:"last_change,omitempty"`
}
