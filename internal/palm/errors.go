package palm

import (
	"context"
	"errors"
	"fmt"
)

// Failure classes surfaced at the pipeline boundary. Components wrap these
// with fmt.Errorf so callers can classify with errors.Is.
var (
	ErrFetch             = errors.New("image fetch failed")
	ErrShape             = errors.New("unsupported image shape")
	ErrDegenerateInput   = errors.New("degenerate image content")
	ErrExtraction        = errors.New("feature extraction failed")
	ErrNoReferenceData   = errors.New("no reference embeddings")
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
	ErrStore             = errors.New("feature store failure")
	ErrTimeout           = errors.New("operation timed out")
	ErrIdentityNotFound  = errors.New("identity not found")
)

// AsTimeout tags deadline expiry with ErrTimeout, keeping the original
// error in the chain. Other errors are returned unchanged.
func AsTimeout(err error) error {
	if err == nil || errors.Is(err, ErrTimeout) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	return err
}

// Kind returns the taxonomy class of err, or nil when it has none.
func Kind(err error) error {
	for _, kind := range []error{
		ErrTimeout,
		ErrNoReferenceData,
		ErrDegenerateInput,
		ErrShape,
		ErrDimensionMismatch,
		ErrIdentityNotFound,
		ErrFetch,
		ErrExtraction,
		ErrStore,
	} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}
