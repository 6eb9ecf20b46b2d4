// Package normalize turns decoded grayscale palm images into the tensors
// consumed by the feature extractor.
package normalize

import (
	"fmt"
	"image"
	"math"

	xdraw "golang.org/x/image/draw"
	"gonum.org/v1/gonum/stat"

	"github.com/example/palm-verify/internal/palm"
)

// Epsilon keeps the foreground scaling finite for near-constant images.
const Epsilon = 1e-6

// Normalizer resizes an image and standardizes its foreground pixels.
// It holds no mutable state and is safe for concurrent use.
type Normalizer struct {
	height      int
	width       int
	outChannels int
}

// New returns a Normalizer producing [outChannels, height, width] tensors.
func New(height, width, outChannels int) (*Normalizer, error) {
	if height <= 0 || width <= 0 {
		return nil, fmt.Errorf("normalize: invalid target size %dx%d", height, width)
	}
	if outChannels <= 0 {
		return nil, fmt.Errorf("normalize: invalid channel count %d", outChannels)
	}
	return &Normalizer{height: height, width: width, outChannels: outChannels}, nil
}

// Normalize resizes img bilinearly to the target size, scales it to [0,1]
// and shifts the foreground (value > 0) to zero mean and unit sample
// variance. Background pixels stay at zero.
func (n *Normalizer) Normalize(img palm.RawImage) (palm.Tensor, error) {
	if img.Channels != 1 {
		return palm.Tensor{}, fmt.Errorf("%w: expected 1 channel, got %d", palm.ErrShape, img.Channels)
	}
	if img.Width <= 0 || img.Height <= 0 || len(img.Pix) != img.Width*img.Height {
		return palm.Tensor{}, fmt.Errorf("%w: %dx%d image with %d samples", palm.ErrShape, img.Width, img.Height, len(img.Pix))
	}

	resized := n.resize(img)

	plane := make([]float32, len(resized.Pix))
	foreground := make([]float64, 0, len(resized.Pix))
	for i, p := range resized.Pix {
		v := float32(p) / 255
		plane[i] = v
		if v > 0 {
			foreground = append(foreground, float64(v))
		}
	}

	if len(foreground) < 2 {
		return palm.Tensor{}, fmt.Errorf("%w: %d foreground pixels", palm.ErrDegenerateInput, len(foreground))
	}
	mean, std := stat.MeanStdDev(foreground, nil)
	if std == 0 || math.IsNaN(std) || math.IsNaN(mean) {
		return palm.Tensor{}, fmt.Errorf("%w: foreground has no variance", palm.ErrDegenerateInput)
	}

	for i, v := range plane {
		if v > 0 {
			plane[i] = float32((float64(v) - mean) / (std + Epsilon))
		}
	}

	return n.replicate(plane), nil
}

func (n *Normalizer) resize(img palm.RawImage) *image.Gray {
	src := &image.Gray{
		Pix:    img.Pix,
		Stride: img.Width,
		Rect:   image.Rect(0, 0, img.Width, img.Height),
	}
	if img.Width == n.width && img.Height == n.height {
		return src
	}
	dst := image.NewGray(image.Rect(0, 0, n.width, n.height))
	xdraw.BiLinear.Scale(dst, dst.Bounds(), src, src.Bounds(), xdraw.Src, nil)
	return dst
}

func (n *Normalizer) replicate(plane []float32) palm.Tensor {
	size := len(plane)
	data := plane
	if n.outChannels > 1 {
		data = make([]float32, size*n.outChannels)
		for c := 0; c < n.outChannels; c++ {
			copy(data[c*size:(c+1)*size], plane)
		}
	}
	return palm.Tensor{
		Channels: n.outChannels,
		Height:   n.height,
		Width:    n.width,
		Data:     data,
	}
}
