// Package e2e provides end-to-end tests that index a corpus of generated images
// and query it over HTTP.
package e2e

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/hyperjump/utsushi/test/fixtures"
)

// CorpusImage is one indexed image.
type CorpusImage struct {
	Name string
	Seed int
	Path string
}

// QueryTestCase is a gallery image that is a copy of an indexed image; that
// image must come back as the top hit.
type QueryTestCase struct {
	GalleryName string
	Expected    string
}

// Corpus holds the images of a source folder and the gallery queries against it.
type Corpus struct {
	SourceFolder  string
	GalleryFolder string
	Images        []CorpusImage
	TestCases     []QueryTestCase
}

// BuildCorpus writes n images spread over nested folders under root/train and
// a gallery copy of every step-th losslessly stored image under root/test.
func BuildCorpus(root string, n, step int) (*Corpus, error) {
	c := &Corpus{
		SourceFolder:  filepath.Join(root, "train"),
		GalleryFolder: filepath.Join(root, "test"),
	}
	exts := fixtures.SupportedImageExtensions
	for i := 0; i < n; i++ {
		name := fmt.Sprintf("set_%d/image_%03d%s", i%4, i, exts[i%len(exts)])
		p := filepath.Join(c.SourceFolder, filepath.FromSlash(name))
		if err := fixtures.WriteImage(p, i); err != nil {
			return nil, err
		}
		c.Images = append(c.Images, CorpusImage{Name: name, Seed: i, Path: p})
		if step > 0 && i%step == 0 && lossless(name) {
			g := fmt.Sprintf("query_%03d.png", i)
			if err := fixtures.WriteImage(filepath.Join(c.GalleryFolder, g), i); err != nil {
				return nil, err
			}
			c.TestCases = append(c.TestCases, QueryTestCase{GalleryName: g, Expected: p})
		}
	}
	return c, nil
}

// lossless reports whether a stored image keeps its exact pixels, so a gallery
// copy encodes to the same vector.
func lossless(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".png", ".bmp":
		return true
	}
	return false
}
