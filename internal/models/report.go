package models

import (
	"fmt"
	"time"
)

// FileStatus is the outcome of indexing one file.
type FileStatus string

const (
	FileIndexed FileStatus = "indexed"
	FileFailed  FileStatus = "failed"
)

// FileResult records what happened to a discovered file.
type FileResult struct {
	Path     string     `json:"path"`
	Status   FileStatus `json:"status"`
	Reason   string     `json:"reason,omitempty"`
	RecordID int64      `json:"record_id,omitempty"`
}

// IndexReport summarizes one indexing run.
type IndexReport struct {
	RunID      string        `json:"run_id"`
	Collection string        `json:"collection"`
	Source     string        `json:"source"`
	Skipped    bool          `json:"skipped"`
	Rebuilt    bool          `json:"rebuilt,omitempty"`
	Discovered int           `json:"discovered"`
	Indexed    int           `json:"indexed"`
	Failed     int           `json:"failed"`
	Files      []FileResult  `json:"files,omitempty"`
	StartedAt  time.Time     `json:"started_at"`
	Duration   time.Duration `json:"duration_ns"`
}

// Failures returns the files that could not be indexed.
func (r *IndexReport) Failures() []FileResult {
	var out []FileResult
	for _, f := range r.Files {
		if f.Status == FileFailed {
			out = append(out, f)
		}
	}
	return out
}

// Summary is a one-line human readable description of the run.
func (r *IndexReport) Summary() string {
	if r.Skipped {
		return fmt.Sprintf("collection %q already exists; indexing skipped", r.Collection)
	}
	verb := "indexed"
	if r.Rebuilt {
		verb = "rebuilt"
	}
	return fmt.Sprintf("%s %q from %s: %d discovered, %d indexed, %d failed in %s",
		verb, r.Collection, r.Source, r.Discovered, r.Indexed, r.Failed, r.Duration.Round(time.Millisecond))
}
