// Package cli formats service results for the utsushi command line.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/hyperjump/utsushi/internal/gallery"
	"github.com/hyperjump/utsushi/internal/models"
	"github.com/hyperjump/utsushi/pkg/utils"
)

// OutputFormat is the format for command output.
type OutputFormat string

const (
	// OutputText is human-readable text (default).
	OutputText OutputFormat = "text"
	// OutputJSON is structured JSON for machine consumption.
	OutputJSON OutputFormat = "json"
	// OutputCompact is one line per hit, tab separated.
	OutputCompact OutputFormat = "compact"
)

// maxPathWidth bounds paths in text output; the file name end is kept.
const maxPathWidth = 72

// ParseOutputFormat validates s against the formats a command supports.
func ParseOutputFormat(s string, allowed ...OutputFormat) (OutputFormat, error) {
	for _, f := range allowed {
		if OutputFormat(s) == f {
			return f, nil
		}
	}
	return "", fmt.Errorf("unknown output format %q; use %v", s, allowed)
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// WriteSearchResults writes search results to w in the given format.
// Use OutputJSON for parseable output consumable by other apps.
func WriteSearchResults(w io.Writer, response *models.SearchResponse, format OutputFormat) error {
	switch format {
	case OutputJSON:
		return writeJSON(w, response)
	case OutputCompact:
		for _, hit := range response.Hits {
			fmt.Fprintf(w, "%d\t%.6f\t%.6f\t%s\n", hit.Rank, hit.Distance, hit.Score, hit.ImagePath)
		}
		return nil
	default:
		writeSearchResultsText(w, response)
		return nil
	}
}

func writeSearchResultsText(w io.Writer, response *models.SearchResponse) {
	fmt.Fprintf(w, "\nFound %d similar images in %dms (collection %s, metric %s, k=%d)\n",
		response.Total, response.QueryTime, response.Collection, response.Metric, response.K)
	if response.Clamped {
		fmt.Fprintf(w, "note: k was reduced to the configured maximum of %d\n", response.K)
	}
	for _, warning := range response.Warnings {
		fmt.Fprintf(w, "warning: %s\n", warning)
	}
	fmt.Fprintln(w)
	for _, hit := range response.Hits {
		fmt.Fprintf(w, "%3d. %-*s  distance %.4f  score %.4f\n",
			hit.Rank, maxPathWidth, utils.TruncateLeft(hit.ImagePath, maxPathWidth), hit.Distance, hit.Score)
	}
}

// PrintSearchResults prints search results to stdout in text format.
func PrintSearchResults(response *models.SearchResponse) {
	_ = WriteSearchResults(os.Stdout, response, OutputText)
}

// WriteStatus writes the collection status.
func WriteStatus(w io.Writer, st *models.Status, format OutputFormat) error {
	if format == OutputJSON {
		return writeJSON(w, st)
	}
	fmt.Fprintf(w, "collection:         %s\n", st.Collection)
	if !st.Exists {
		fmt.Fprintf(w, "exists:             false   # run `utsushi index` to build it\n")
	} else {
		fmt.Fprintf(w, "count:              %d   # indexed images\n", st.Count)
		fmt.Fprintf(w, "dimensions:         %d\n", st.Dimensions)
		fmt.Fprintf(w, "metric:             %s\n", st.Metric)
		fmt.Fprintf(w, "model:              %s\n", st.Model)
	}
	fmt.Fprintf(w, "disk_usage_bytes:   %d\n", st.DiskUsageBytes)
	if st.Staging > 0 {
		fmt.Fprintf(w, "staging:            %d   # unfinished builds, dropped on next index\n", st.Staging)
	}
	if st.Stale {
		fmt.Fprintf(w, "stale:              true   # %d change(s), last: %s\n", st.StaleChanges, st.LastChange)
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "# configuration")
	fmt.Fprintf(w, "encoder_model:      %s\n", st.EncoderModel)
	fmt.Fprintf(w, "storage_backend:    %s\n", st.StorageBackend)
	fmt.Fprintf(w, "storage_path:       %s\n", st.StoragePath)
	fmt.Fprintf(w, "source_folder:      %s\n", st.SourceFolder)
	fmt.Fprintf(w, "k:                  default %d, max %d\n", st.DefaultK, st.MaxK)
	return nil
}

// WriteIndexReport writes the outcome of an indexing run, listing failed files.
func WriteIndexReport(w io.Writer, report *models.IndexReport, format OutputFormat) error {
	if format == OutputJSON {
		return writeJSON(w, report)
	}
	fmt.Fprintln(w, report.Summary())
	for _, f := range report.Failures() {
		fmt.Fprintf(w, "  failed: %s: %s\n", f.Path, f.Reason)
	}
	return nil
}

// WriteGallery writes gallery images.
func WriteGallery(w io.Writer, images []gallery.Image, format OutputFormat) error {
	switch format {
	case OutputJSON:
		return writeJSON(w, images)
	case OutputCompact:
		for _, img := range images {
			fmt.Fprintln(w, img.Path)
		}
		return nil
	default:
		fmt.Fprintf(w, "%d image(s)\n", len(images))
		for _, img := range images {
			fmt.Fprintf(w, "  %-40s %8d bytes  %s\n", img.RelPath, img.Size, img.ModTime.Format(time.DateOnly))
		}
		return nil
	}
}
