package extractor

import (
	"context"
	"fmt"

	"golang.org/x/sync/semaphore"

	"github.com/example/palm-verify/internal/palm"
)

// Limited bounds the number of extraction calls in flight. The model is
// usually bound to a single accelerator, so the default is one.
type Limited struct {
	next Extractor
	sem  *semaphore.Weighted
}

// Limit wraps next so that at most slots calls run concurrently.
func Limit(next Extractor, slots int64) *Limited {
	if slots <= 0 {
		slots = 1
	}
	return &Limited{next: next, sem: semaphore.NewWeighted(slots)}
}

// Extract waits for a free slot, then delegates. A result that arrives
// after ctx is done is discarded.
func (l *Limited) Extract(ctx context.Context, tensor palm.Tensor) (palm.Embedding, error) {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("%w: waiting for extractor slot: %w", palm.ErrExtraction, err)
	}
	defer l.sem.Release(1)

	embedding, err := l.next.Extract(ctx, tensor)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", palm.ErrExtraction, err)
	}
	return embedding, nil
}
