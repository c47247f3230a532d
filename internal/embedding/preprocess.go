package embedding

import (
	"fmt"
	"image"
	"image/color"
	"math"

	"golang.org/x/image/draw"
)

// CLIP normalization constants (per RGB channel).
var (
	clipMean = [3]float32{0.48145466, 0.4578275, 0.40821073}
	clipStd  = [3]float32{0.26862954, 0.26130258, 0.27577711}
)

// Preprocessor converts images to the NCHW float tensor a CLIP vision model expects:
// RGB, shortest side resized to Size with bicubic interpolation, center crop Size x Size,
// scaled to [0,1] and normalized per channel. The output for a given image depends only
// on Size, so indexing and querying with the same Preprocessor are bit-identical.
type Preprocessor struct {
	Size int
}

// NewPreprocessor returns a preprocessor for square inputs of the given size.
func NewPreprocessor(size int) *Preprocessor {
	if size <= 0 {
		size = 224
	}
	return &Preprocessor{Size: size}
}

// TensorLen is the number of floats produced per image.
func (p *Preprocessor) TensorLen() int {
	return 3 * p.Size * p.Size
}

// Tensor returns the normalized CHW tensor for img.
func (p *Preprocessor) Tensor(img image.Image) ([]float32, error) {
	cropped, err := p.Crop(img)
	if err != nil {
		return nil, err
	}
	size := p.Size
	plane := size * size
	out := make([]float32, 3*plane)
	for y := 0; y < size; y++ {
		row := cropped.Pix[y*cropped.Stride:]
		for x := 0; x < size; x++ {
			px := row[x*4 : x*4+3]
			i := y*size + x
			for c := 0; c < 3; c++ {
				v := float32(px[c]) / 255
				out[c*plane+i] = (v - clipMean[c]) / clipStd[c]
			}
		}
	}
	return out, nil
}

// Crop returns the resized and center-cropped RGB image (alpha forced to opaque).
func (p *Preprocessor) Crop(img image.Image) (*image.RGBA, error) {
	if img == nil {
		return nil, fmt.Errorf("%w: nil image", ErrDecode)
	}
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= 0 || h <= 0 {
		return nil, fmt.Errorf("%w: empty image %dx%d", ErrDecode, w, h)
	}
	rgb := toRGB(img)

	nw, nh := resizedDims(w, h, p.Size)
	resized := image.NewRGBA(image.Rect(0, 0, nw, nh))
	draw.CatmullRom.Scale(resized, resized.Bounds(), rgb, rgb.Bounds(), draw.Src, nil)

	top := int(math.Round(float64(nh-p.Size) / 2))
	left := int(math.Round(float64(nw-p.Size) / 2))
	out := image.NewRGBA(image.Rect(0, 0, p.Size, p.Size))
	draw.Draw(out, out.Bounds(), resized, image.Pt(left, top), draw.Src)
	return out, nil
}

// resizedDims scales (w, h) so the shorter side equals size, truncating the longer side.
func resizedDims(w, h, size int) (int, int) {
	if w <= h {
		nh := int(float64(size) * float64(h) / float64(w))
		if nh < size {
			nh = size
		}
		return size, nh
	}
	nw := int(float64(size) * float64(w) / float64(h))
	if nw < size {
		nw = size
	}
	return nw, size
}

type opaquer interface {
	Opaque() bool
}

// toRGB copies img into an opaque RGBA image. Alpha is discarded rather than
// composited, so transparent pixels keep their stored color.
func toRGB(img image.Image) *image.RGBA {
	b := img.Bounds()
	out := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	if o, ok := img.(opaquer); ok && o.Opaque() {
		draw.Draw(out, out.Bounds(), img, b.Min, draw.Src)
		return out
	}
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c := color.NRGBAModel.Convert(img.At(x, y)).(color.NRGBA)
			i := out.PixOffset(x-b.Min.X, y-b.Min.Y)
			out.Pix[i+0] = c.R
			out.Pix[i+1] = c.G
			out.Pix[i+2] = c.B
			out.Pix[i+3] = 0xff
		}
	}
	return out
}
