package pipeline

import (
	"context"

	"go.uber.org/zap"

	"github.com/example/palm-verify/internal/palm"
)

// Verify embeds the query image at locator and matches it against every
// stored reference embedding. On a match the identity is marked present;
// a failure of that update is returned as MatchResult.Warning and does not
// change the decision.
func (p *Pipeline) Verify(ctx context.Context, locator string) (palm.MatchResult, error) {
	logger := p.logger.With(zap.String("operation", "pipeline.verify"), zap.String("locator", locator))

	query, err := p.embed(ctx, p.queryImages, 0, palm.NoSlot, locator)
	if err != nil {
		logger.Warn("query embedding failed", zap.Error(err))
		return palm.MatchResult{}, err
	}

	readCtx, cancel := p.storeContext(ctx)
	identities, err := p.store.ReadAll(readCtx)
	cancel()
	if err != nil {
		logger.Error("failed to read feature store", zap.Error(err))
		return palm.MatchResult{}, storeFailure(ctx, StageReadStore, 0, err)
	}

	result, err := p.matcher.Match(query, palm.Candidates(identities), p.opts.Threshold)
	if err != nil {
		return palm.MatchResult{}, &Error{Stage: StageMatch, Slot: palm.NoSlot, Locator: locator, Err: err}
	}

	best := result.Best
	logger = logger.With(
		zap.Int64("best_identity_id", int64(best.Identity.ID)),
		zap.Float32("similarity", best.Similarity),
		zap.Bool("matched", result.Matched),
	)
	if !result.Matched {
		logger.Info("query rejected")
		return result, nil
	}

	if err := p.markPresent(ctx, best.Identity.ID); err != nil {
		logger.Warn("match accepted but presence update failed", zap.Error(err))
		result.Warning = err
		return result, nil
	}
	logger.Info("query matched")
	return result, nil
}

func (p *Pipeline) markPresent(ctx context.Context, id palm.IdentityID) error {
	storeCtx, cancel := p.storeContext(ctx)
	defer cancel()
	if err := p.store.SetPresent(storeCtx, id, true); err != nil {
		return storeFailure(ctx, StageMarkPresent, id, err)
	}
	return nil
}
