// Package imagesource fetches palm images by locator and decodes them to
// grayscale rasters.
package imagesource

import (
	"context"
	"errors"

	"github.com/example/palm-verify/internal/palm"
)

// MaxImageBytes caps the encoded size of a fetched image.
const MaxImageBytes = 10 << 20

var (
	// ErrImageNotFound reports a locator with no object behind it.
	ErrImageNotFound = errors.New("image not found")
	// ErrDecode reports bytes that are not a supported image.
	ErrDecode = errors.New("image decode failed")
)

// Source resolves a locator to a decoded single-channel image. Failures
// wrap palm.ErrFetch.
type Source interface {
	Fetch(ctx context.Context, locator string) (palm.RawImage, error)
}
