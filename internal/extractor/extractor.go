// Package extractor connects the pipelines to the feature-extraction model.
package extractor

import (
	"context"

	"github.com/example/palm-verify/internal/palm"
)

// Extractor maps a normalized tensor to an embedding. Implementations must
// be deterministic for a fixed model version.
type Extractor interface {
	Extract(ctx context.Context, tensor palm.Tensor) (palm.Embedding, error)
}

// Func adapts a plain function to the Extractor interface.
type Func func(ctx context.Context, tensor palm.Tensor) (palm.Embedding, error)

// Extract calls f.
func (f Func) Extract(ctx context.Context, tensor palm.Tensor) (palm.Embedding, error) {
	return f(ctx, tensor)
}
