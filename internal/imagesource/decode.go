package imagesource

import (
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"

	xdraw "golang.org/x/image/draw"
	_ "golang.org/x/image/webp"

	"github.com/example/palm-verify/internal/palm"
)

// Decode reads an encoded JPEG, PNG or WebP image and converts it to 8-bit
// luminance.
func Decode(r io.Reader) (palm.RawImage, error) {
	img, _, err := image.Decode(io.LimitReader(r, MaxImageBytes))
	if err != nil {
		return palm.RawImage{}, fmt.Errorf("%w: %w: %w", palm.ErrFetch, ErrDecode, err)
	}
	return ToGray(img), nil
}

// ToGray converts any image to a tightly packed grayscale raster.
func ToGray(img image.Image) palm.RawImage {
	bounds := img.Bounds()
	gray := image.NewGray(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	xdraw.Draw(gray, gray.Bounds(), img, bounds.Min, xdraw.Src)
	return palm.NewGrayImage(bounds.Dx(), bounds.Dy(), gray.Pix)
}
