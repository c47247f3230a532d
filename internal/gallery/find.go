package gallery

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	blevequery "github.com/blevesearch/bleve/v2/search/query"
)

type nameDoc struct {
	Name string `json:"name"`
	Path string `json:"path"`
}

func newNameIndex() (bleve.Index, error) {
	im := bleve.NewIndexMapping()
	docMapping := bleve.NewDocumentMapping()
	nameField := bleve.NewTextFieldMapping()
	nameField.Analyzer = standard.Name
	docMapping.AddFieldMappingsAt("name", nameField)
	pathField := bleve.NewKeywordFieldMapping()
	docMapping.AddFieldMappingsAt("path", pathField)
	im.AddDocumentMapping("image", docMapping)
	im.DefaultType = "image"
	im.DefaultMapping = docMapping

	index, err := bleve.NewMemOnly(im)
	if err != nil {
		return nil, fmt.Errorf("failed to create gallery index: %w", err)
	}
	return index, nil
}

// searchableName turns "holiday/beach_sunset-2021.jpg" into "holiday beach sunset 2021 jpg"
// so the standard analyzer, which does not split on underscores, sees every word.
func searchableName(rel string) string {
	return strings.Join(nameTerms(rel), " ")
}

func nameTerms(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		switch r {
		case '_', '-', '.', ' ', '/', '\\':
			return true
		}
		return false
	})
}

// Find returns up to limit images whose path matches every word of query, by
// exact term, prefix, or one edit of typo tolerance. An empty query lists all
// images. limit <= 0 means no limit.
func (g *Gallery) Find(query string, limit int) ([]Image, error) {
	if limit <= 0 || limit > len(g.images) {
		limit = len(g.images)
	}
	terms := nameTerms(query)
	if len(terms) == 0 {
		return g.List()[:limit], nil
	}

	perTerm := make([]blevequery.Query, 0, len(terms))
	for _, term := range terms {
		match := bleve.NewTermQuery(term)
		match.SetField("name")
		prefix := bleve.NewPrefixQuery(term)
		prefix.SetField("name")
		alts := []blevequery.Query{match, prefix}
		if len([]rune(term)) > 3 {
			fuzzy := bleve.NewFuzzyQuery(term)
			fuzzy.SetField("name")
			fuzzy.SetFuzziness(1)
			alts = append(alts, fuzzy)
		}
		perTerm = append(perTerm, bleve.NewDisjunctionQuery(alts...))
	}
	req := bleve.NewSearchRequest(bleve.NewConjunctionQuery(perTerm...))
	req.Size = len(g.images)
	results, err := g.index.Search(req)
	if err != nil {
		return nil, fmt.Errorf("gallery search failed: %w", err)
	}

	type scored struct {
		img   Image
		score float64
	}
	hits := make([]scored, 0, len(results.Hits))
	for _, hit := range results.Hits {
		if img, ok := g.Get(hit.ID); ok {
			hits = append(hits, scored{img: img, score: hit.Score})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].score != hits[j].score {
			return hits[i].score > hits[j].score
		}
		return filepath.ToSlash(hits[i].img.RelPath) < filepath.ToSlash(hits[j].img.RelPath)
	})
	if limit > len(hits) {
		limit = len(hits)
	}
	out := make([]Image, limit)
	for i := range out {
		out[i] = hits[i].img
	}
	return out, nil
}
