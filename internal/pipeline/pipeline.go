// Package pipeline composes fetching, normalization, extraction, matching
// and persistence into the enrollment and verification flows.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/example/palm-verify/internal/extractor"
	"github.com/example/palm-verify/internal/imagesource"
	"github.com/example/palm-verify/internal/matcher"
	"github.com/example/palm-verify/internal/palm"
)

// FeatureStore is the persistence contract the pipelines depend on.
// Implementations must make each call atomic for a single identity.
type FeatureStore interface {
	ReadAll(ctx context.Context) ([]palm.Identity, error)
	UpdateEmbeddings(ctx context.Context, id palm.IdentityID, set palm.SlotSet) error
	SetPresent(ctx context.Context, id palm.IdentityID, present bool) error
}

// Normalizer turns a raw image into an extractor input tensor.
type Normalizer interface {
	Normalize(img palm.RawImage) (palm.Tensor, error)
}

// Dependencies are constructed once at start-up and shared by every
// pipeline invocation.
type Dependencies struct {
	Normalizer       Normalizer
	Extractor        extractor.Extractor
	Store            FeatureStore
	EnrollmentImages imagesource.Source
	QueryImages      imagesource.Source
	Matcher          *matcher.Matcher
}

// Options tune thresholds and the bounds on external calls.
type Options struct {
	Threshold      float32
	FetchTimeout   time.Duration
	ExtractTimeout time.Duration
	StoreTimeout   time.Duration
}

// DefaultOptions mirrors the deployed service.
func DefaultOptions() Options {
	return Options{
		Threshold:    0.3,
		FetchTimeout: 10 * time.Second,
		StoreTimeout: 5 * time.Second,
	}
}

// Pipeline runs enrollment and verification. It is safe for concurrent
// use as long as its dependencies are.
type Pipeline struct {
	normalizer       Normalizer
	extractor        extractor.Extractor
	store            FeatureStore
	enrollmentImages imagesource.Source
	queryImages      imagesource.Source
	matcher          *matcher.Matcher
	opts             Options
	logger           *zap.Logger
}

// New validates deps and returns a Pipeline.
func New(deps Dependencies, opts Options, logger *zap.Logger) (*Pipeline, error) {
	switch {
	case deps.Normalizer == nil:
		return nil, errors.New("pipeline: normalizer is required")
	case deps.Extractor == nil:
		return nil, errors.New("pipeline: extractor is required")
	case deps.Store == nil:
		return nil, errors.New("pipeline: feature store is required")
	case deps.EnrollmentImages == nil || deps.QueryImages == nil:
		return nil, errors.New("pipeline: image sources are required")
	}
	if deps.Matcher == nil {
		deps.Matcher = matcher.New(nil)
	}
	if opts.FetchTimeout <= 0 || opts.StoreTimeout <= 0 {
		return nil, fmt.Errorf("pipeline: fetch and store timeouts must be positive")
	}
	return &Pipeline{
		normalizer:       deps.Normalizer,
		extractor:        deps.Extractor,
		store:            deps.Store,
		enrollmentImages: deps.EnrollmentImages,
		queryImages:      deps.QueryImages,
		matcher:          deps.Matcher,
		opts:             opts,
		logger:           logger.Named("pipeline"),
	}, nil
}

// embed runs fetch, normalize and extract for a single image. id is zero
// for query images.
func (p *Pipeline) embed(ctx context.Context, source imagesource.Source, id palm.IdentityID, slot palm.Slot, locator string) (palm.Embedding, error) {
	fail := func(stage Stage, err error) error {
		if c := canceled(ctx, err); c != nil {
			err = c
		}
		return &Error{Stage: stage, Slot: slot, IdentityID: id, Locator: locator, Err: palm.AsTimeout(err)}
	}

	fetchCtx, cancel := context.WithTimeout(ctx, p.opts.FetchTimeout)
	img, err := source.Fetch(fetchCtx, locator)
	cancel()
	if err != nil {
		if !errors.Is(err, palm.ErrFetch) {
			err = fmt.Errorf("%w: %w", palm.ErrFetch, err)
		}
		return nil, fail(StageFetch, err)
	}

	tensor, err := p.normalizer.Normalize(img)
	if err != nil {
		return nil, fail(StageNormalize, err)
	}

	extractCtx := ctx
	if p.opts.ExtractTimeout > 0 {
		var cancel context.CancelFunc
		extractCtx, cancel = context.WithTimeout(ctx, p.opts.ExtractTimeout)
		defer cancel()
	}
	embedding, err := p.extractor.Extract(extractCtx, tensor)
	if err != nil {
		if !errors.Is(err, palm.ErrExtraction) {
			err = fmt.Errorf("%w: %w", palm.ErrExtraction, err)
		}
		return nil, fail(StageExtract, err)
	}
	if len(embedding) == 0 {
		return nil, fail(StageExtract, fmt.Errorf("%w: empty embedding", palm.ErrExtraction))
	}
	return embedding, nil
}

func (p *Pipeline) storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, p.opts.StoreTimeout)
}

func storeFailure(ctx context.Context, stage Stage, id palm.IdentityID, err error) error {
	if c := canceled(ctx, err); c != nil {
		return &Error{Stage: stage, Slot: palm.NoSlot, IdentityID: id, Err: c}
	}
	err = palm.AsTimeout(err)
	if !errors.Is(err, palm.ErrStore) {
		err = fmt.Errorf("%w: %w", palm.ErrStore, err)
	}
	return &Error{Stage: stage, Slot: palm.NoSlot, IdentityID: id, Err: err}
}

// canceled returns context.Canceled, with err's text but none of its
// failure classes, when the caller cancelled ctx. It returns nil otherwise.
func canceled(ctx context.Context, err error) error {
	if !errors.Is(ctx.Err(), context.Canceled) {
		return nil
	}
	if err == nil || errors.Is(err, context.Canceled) && palm.Kind(err) == nil {
		return context.Canceled
	}
	return fmt.Errorf("%w (%v)", context.Canceled, err)
}
