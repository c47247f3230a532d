package models

import "fmt"

// SearchQuery is a similarity search request. Path selects an image on disk
// (for example a gallery pick); uploads carry the image separately.
type SearchQuery struct {
	Path string `json:"path,omitempty"`
	// K is the number of neighbors requested; nil means the configured default.
	K *int `json:"k,omitempty"`
}

// ResolveK returns the effective neighbor count. A negative k is rejected,
// zero is allowed (empty result), and values above maxK are clamped.
func (q *SearchQuery) ResolveK(defaultK, maxK int) (k int, clamped bool, err error) {
	k = defaultK
	if q.K != nil {
		k = *q.K
	}
	return ClampK(k, maxK)
}

// ClampK validates k against maxK, reporting whether it was reduced.
func ClampK(k, maxK int) (int, bool, error) {
	if k < 0 {
		return 0, false, fmt.Errorf("k must not be negative, got %d", k)
	}
	if maxK > 0 && k > maxK {
		return maxK, true, nil
	}
	return k, false, nil
}
