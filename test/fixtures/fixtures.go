// Package fixtures builds small synthetic images in every indexable format for tests.
package fixtures

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"math"
	"os"
	"path/filepath"

	"golang.org/x/image/bmp"
)

// SupportedImageExtensions covers every extension on the default indexing allow-list,
// including upper-case spellings to exercise case-insensitive matching.
var SupportedImageExtensions = []string{".png", ".jpg", ".jpeg", ".bmp", ".PNG", ".JPG"}

// Pattern returns a deterministic w x h image. Different seeds give visually distinct
// images: the seed picks both the palette and the spatial layout.
func Pattern(seed, w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	base := color.RGBA{
		R: uint8((seed*73 + 40) % 256),
		G: uint8((seed*151 + 90) % 256),
		B: uint8((seed*199 + 10) % 256),
		A: 0xff,
	}
	alt := color.RGBA{R: 255 - base.R, G: 255 - base.G, B: 255 - base.B, A: 0xff}
	cell := 4 + seed%7
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var t float64
			switch seed % 5 {
			case 0: // horizontal gradient
				t = float64(x) / float64(w)
			case 1: // vertical gradient
				t = float64(y) / float64(h)
			case 2: // checkerboard
				if (x/cell+y/cell)%2 == 0 {
					t = 1
				}
			case 3: // diagonal stripes
				if ((x+y)/cell)%2 == 0 {
					t = 1
				}
			default: // rings
				dx, dy := float64(x-w/2), float64(y-h/2)
				t = 0.5 + 0.5*math.Sin(math.Sqrt(dx*dx+dy*dy)/float64(cell))
			}
			img.SetRGBA(x, y, lerp(base, alt, t))
		}
	}
	return img
}

func lerp(a, b color.RGBA, t float64) color.RGBA {
	mix := func(x, y uint8) uint8 {
		return uint8(math.Round(float64(x)*(1-t) + float64(y)*t))
	}
	return color.RGBA{R: mix(a.R, b.R), G: mix(a.G, b.G), B: mix(a.B, b.B), A: 0xff}
}

// Encode serializes img in the format implied by ext (case-insensitive).
func Encode(ext string, img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	var err error
	switch normalizeExt(ext) {
	case ".png":
		err = png.Encode(&buf, img)
	case ".jpg", ".jpeg":
		err = jpeg.Encode(&buf, img, &jpeg.Options{Quality: 95})
	case ".bmp":
		err = bmp.Encode(&buf, img)
	default:
		return nil, fmt.Errorf("unsupported image extension %q", ext)
	}
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteImage writes Pattern(seed, 64, 48) to path, creating parent directories.
func WriteImage(path string, seed int) error {
	data, err := Encode(filepath.Ext(path), Pattern(seed, 64, 48))
	if err != nil {
		return err
	}
	return writeFile(path, data)
}

// WriteCorrupt writes bytes that no image decoder accepts to path.
func WriteCorrupt(path string) error {
	return writeFile(path, []byte("this is not an image \x00\x01\x02"))
}

func writeFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

func normalizeExt(ext string) string {
	b := []byte(ext)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + 'a' - 'A'
		}
	}
	return string(b)
}
