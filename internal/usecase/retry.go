package usecase

import (
	"context"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/example/palm-verify/internal/logging"
)

// Result cache operations, reported as OperationError.Operation.
const (
	opMarkProcessing = "result_cache.mark_processing"
	opStoreResult    = "result_cache.store"
	opLoadResult     = "result_cache.load"
)

// retryResultCache runs fn against the result cache and retries transient
// Redis failures with exponential backoff. A retry is skipped when ctx's
// deadline would expire during the backoff, so cache trouble never eats
// into the verification budget.
func (uc *VerificationUseCase) retryResultCache(ctx context.Context, requestID, operation string, fn func(context.Context) error) error {
	opLogger := logging.WithOperation(uc.logger, operation, requestID)
	backoff := uc.initialBackoff
	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		switch {
		case err == nil:
			if attempt > 1 {
				opLogger.Info("result cache succeeded after retry", zap.Int("attempt", attempt))
			}
			return nil
		case errors.Is(err, redis.Nil):
			return logging.NewOperationError(operation, requestID, err)
		case attempt >= uc.retryAttempts || !isTransientCacheError(ctx, err):
			opLogger.Error("result cache failed", zap.Error(err), zap.Int("attempt", attempt))
			return logging.NewOperationError(operation, requestID, err)
		case !fitsDeadline(ctx, backoff):
			opLogger.Warn("result cache retry skipped, request deadline too close",
				zap.Error(err), zap.Int("attempt", attempt), zap.Duration("backoff", backoff))
			return logging.NewOperationError(operation, requestID, err)
		}

		opLogger.Warn("transient result cache error", zap.Error(err), zap.Int("attempt", attempt))
		select {
		case <-ctx.Done():
			return logging.NewOperationError(operation, requestID, ctx.Err())
		case <-time.After(backoff):
		}
		if next := backoff * 2; next <= uc.maxBackoff {
			backoff = next
		}
	}
}

func (uc *VerificationUseCase) loadResult(ctx context.Context, requestID string) (string, error) {
	var result string
	err := uc.retryResultCache(ctx, requestID, opLoadResult, func(ctx context.Context) error {
		value, err := uc.cache.Get(ctx, resultKey(requestID))
		if err != nil {
			return err
		}
		result = value
		return nil
	})
	if err != nil {
		return "", err
	}
	return result, nil
}

func fitsDeadline(ctx context.Context, wait time.Duration) bool {
	deadline, ok := ctx.Deadline()
	return !ok || time.Until(deadline) > wait
}

// isTransientCacheError reports whether a failed cache call is worth
// repeating. Nothing is once ctx itself has ended.
func isTransientCacheError(ctx context.Context, err error) bool {
	if err == nil || ctx.Err() != nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var temporary interface{ Temporary() bool }
	if errors.As(err, &temporary) && temporary.Temporary() {
		return true
	}

	return false
}
