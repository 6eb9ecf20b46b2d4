package pipeline

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/example/palm-verify/internal/palm"
)

// Enroll fetches, normalizes and embeds the image of every slot of id, then
// replaces the identity's reference embeddings in one write. When any slot
// fails, or ctx ends before the write, nothing is stored and the returned
// *Error names the failing slot.
func (p *Pipeline) Enroll(ctx context.Context, id palm.IdentityID) (palm.SlotSet, error) {
	logger := p.logger.With(zap.String("operation", "pipeline.enroll"), zap.Int64("identity_id", int64(id)))

	var set palm.SlotSet
	g, gctx := errgroup.WithContext(ctx)
	for _, slot := range palm.Slots() {
		slot := slot
		g.Go(func() error {
			embedding, err := p.embed(gctx, p.enrollmentImages, id, slot, slot.Locator(id))
			if err != nil {
				return err
			}
			set[slot] = embedding
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		logger.Warn("enrollment aborted", zap.Error(err))
		return palm.SlotSet{}, err
	}

	if !set.Complete() {
		return palm.SlotSet{}, &Error{Stage: StageCommit, Slot: palm.NoSlot, IdentityID: id,
			Err: fmt.Errorf("%w: %d of %d slots embedded", palm.ErrExtraction, set.Filled(), palm.SlotCount)}
	}
	if err := ctx.Err(); err != nil {
		return palm.SlotSet{}, &Error{Stage: StageCommit, Slot: palm.NoSlot, IdentityID: id, Err: palm.AsTimeout(err)}
	}

	storeCtx, cancel := p.storeContext(ctx)
	defer cancel()
	if err := p.store.UpdateEmbeddings(storeCtx, id, set); err != nil {
		logger.Error("failed to commit reference embeddings", zap.Error(err))
		return palm.SlotSet{}, storeFailure(ctx, StageCommit, id, err)
	}

	logger.Info("identity enrolled", zap.Int("dimensions", len(set[palm.SlotLeft1])))
	return set, nil
}
