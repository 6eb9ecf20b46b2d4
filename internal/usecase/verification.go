package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/palm-verify/internal/logging"
	"github.com/example/palm-verify/internal/metrics"
	"github.com/example/palm-verify/internal/palm"
	"github.com/example/palm-verify/internal/repository"
)

const processingMarker = "processing"

// ErrResultPending is returned by GetResult while a verification is running.
var ErrResultPending = errors.New("verification still processing")

// Pipeline is the palm core driven by the use case.
type Pipeline interface {
	Enroll(ctx context.Context, id palm.IdentityID) (palm.SlotSet, error)
	Verify(ctx context.Context, locator string) (palm.MatchResult, error)
}

// Repository defines the persistence operations needed by the use case.
type Repository interface {
	SaveLog(ctx context.Context, log *repository.VerificationLog) error
	FindByRequestID(ctx context.Context, requestID string) (*repository.VerificationLog, error)
	AggregateMetrics(ctx context.Context) (*repository.MetricsAggregation, error)
	ReadAll(ctx context.Context) ([]palm.Identity, error)
	CreateIdentity(ctx context.Context, name, email string) (palm.Identity, error)
	ResetPresence(ctx context.Context) (int64, error)
	UpdateIdentity(ctx context.Context, id palm.IdentityID, update repository.IdentityUpdate) (palm.Identity, error)
	DeleteIdentity(ctx context.Context, id palm.IdentityID) error
}

// VerificationUseCase wraps the palm pipelines with request tracking, an
// audit log, result caching and metrics.
type VerificationUseCase struct {
	pipeline       Pipeline
	repo           Repository
	cache          Cache
	metrics        *metrics.PipelineMetrics
	logger         *zap.Logger
	requestTimeout time.Duration
	resultTTL      time.Duration
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// Option customises a VerificationUseCase.
type Option func(*VerificationUseCase)

// WithMetrics records outcomes on m.
func WithMetrics(m *metrics.PipelineMetrics) Option {
	return func(uc *VerificationUseCase) { uc.metrics = m }
}

// WithRequestTimeout bounds every Enroll and Verify call. Zero disables it.
func WithRequestTimeout(d time.Duration) Option {
	return func(uc *VerificationUseCase) { uc.requestTimeout = d }
}

// WithResultTTL sets how long verification results stay cached.
func WithResultTTL(d time.Duration) Option {
	return func(uc *VerificationUseCase) { uc.resultTTL = d }
}

// WithRedisRetry configures the result cache retry policy: at most attempts
// calls, backoff doubling from initial up to maxBackoff.
func WithRedisRetry(attempts int, initial, maxBackoff time.Duration) Option {
	return func(uc *VerificationUseCase) {
		uc.retryAttempts = attempts
		uc.initialBackoff = initial
		uc.maxBackoff = maxBackoff
	}
}

// EnrollOutcome is the result of one enrollment.
type EnrollOutcome struct {
	IdentityID palm.IdentityID `json:"user_id"`
	Success    bool            `json:"success"`
	Slots      int             `json:"slots"`
	Error      string          `json:"error,omitempty"`
	Err        error           `json:"-"`
}

// VerifyOutcome is the result of one verification. Identity fields are
// only populated on a match; Similarity is reported whenever a comparison
// took place.
type VerifyOutcome struct {
	RequestID  string           `json:"request_id"`
	Matched    bool             `json:"matched"`
	IdentityID *palm.IdentityID `json:"user_id,omitempty"`
	Name       string           `json:"name,omitempty"`
	Similarity *float32         `json:"similarity,omitempty"`
	Error      string           `json:"error,omitempty"`
	Warning    string           `json:"warning,omitempty"`
	Err        error            `json:"-"`
}

type cachedVerification struct {
	RequestID    string    `json:"request_id"`
	Locator      string    `json:"locator"`
	IdentityID   *int64    `json:"user_id,omitempty"`
	IdentityName string    `json:"name,omitempty"`
	Score        *float64  `json:"score,omitempty"`
	Matched      bool      `json:"matched"`
	ErrorKind    string    `json:"error_kind,omitempty"`
	Error        string    `json:"error,omitempty"`
	Warning      string    `json:"warning,omitempty"`
	LatencyMs    int64     `json:"latency_ms"`
	CreatedAt    time.Time `json:"created_at"`
}

// NewVerificationUseCase constructs a new use case instance.
func NewVerificationUseCase(pipeline Pipeline, repo Repository, cache Cache, logger *zap.Logger, opts ...Option) *VerificationUseCase {
	uc := &VerificationUseCase{
		pipeline:       pipeline,
		repo:           repo,
		cache:          cache,
		logger:         logger.Named("verification_usecase"),
		resultTTL:      5 * time.Minute,
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
	for _, opt := range opts {
		opt(uc)
	}
	return uc
}

func (uc *VerificationUseCase) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if uc.requestTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, uc.requestTimeout)
}

// Enroll computes and stores the reference embeddings of an identity.
func (uc *VerificationUseCase) Enroll(ctx context.Context, id palm.IdentityID) EnrollOutcome {
	ctx, cancel := uc.withTimeout(ctx)
	defer cancel()

	logger := logging.WithIdentity(uc.logger, id.String())
	start := time.Now()
	set, err := uc.pipeline.Enroll(ctx, id)
	elapsed := time.Since(start)

	if err != nil {
		err = palm.AsTimeout(err)
		uc.metrics.ObserveEnrollment(metrics.OutcomeError, kindLabel(err), elapsed)
		logger.Error("enrollment failed", zap.Error(err), zap.Duration("elapsed", elapsed))
		return EnrollOutcome{IdentityID: id, Error: err.Error(), Err: err}
	}

	uc.metrics.ObserveEnrollment(metrics.OutcomeSuccess, "", elapsed)
	logger.Info("enrollment completed", zap.Duration("elapsed", elapsed))
	return EnrollOutcome{IdentityID: id, Success: true, Slots: set.Filled()}
}

// Verify identifies the palm image at locator. The outcome is logged,
// cached under its request id and recorded in metrics; failures of those
// side effects never change the outcome.
func (uc *VerificationUseCase) Verify(ctx context.Context, locator string) VerifyOutcome {
	requestID := uuid.NewString()
	opLogger := logging.WithOperation(uc.logger, "usecase.verify", requestID).With(zap.String("locator", locator))

	cacheKey := resultKey(requestID)
	pipelineCtx, cancel := uc.withTimeout(ctx)
	if err := uc.retryResultCache(pipelineCtx, requestID, opMarkProcessing, func(ctx context.Context) error {
		return uc.cache.Set(ctx, cacheKey, processingMarker, time.Minute)
	}); err != nil {
		opLogger.Warn("failed to set processing flag", zap.Error(err))
	}

	start := time.Now()
	result, err := uc.pipeline.Verify(pipelineCtx, locator)
	elapsed := time.Since(start)
	cancel()

	outcome := VerifyOutcome{RequestID: requestID}
	record := &repository.VerificationLog{
		RequestID: requestID,
		Locator:   locator,
		LatencyMs: elapsed.Milliseconds(),
		CreatedAt: time.Now().UTC(),
	}

	switch {
	case err != nil:
		err = palm.AsTimeout(err)
		outcome.Error = err.Error()
		outcome.Err = err
		record.ErrorKind = kindLabel(err)
		record.Error = err.Error()
		uc.metrics.ObserveVerification(metrics.OutcomeError, record.ErrorKind, elapsed)
		opLogger.Warn("verification failed", zap.Error(err), zap.Duration("elapsed", elapsed))
	default:
		best := result.Best
		similarity := best.Similarity
		score := float64(similarity)
		outcome.Matched = result.Matched
		outcome.Similarity = &similarity
		record.Score = &score
		record.Matched = result.Matched
		uc.metrics.ObserveSimilarity(similarity)
		if result.Matched {
			id := best.Identity.ID
			raw := int64(id)
			outcome.IdentityID = &id
			outcome.Name = best.Identity.Name
			record.IdentityID = &raw
			record.IdentityName = best.Identity.Name
			uc.metrics.ObserveVerification(metrics.OutcomeMatched, "", elapsed)
		} else {
			uc.metrics.ObserveVerification(metrics.OutcomeRejected, "", elapsed)
		}
		if result.Warning != nil {
			outcome.Warning = result.Warning.Error()
			record.Warning = result.Warning.Error()
			uc.metrics.ObservePresenceWarning()
		}
		opLogger.Info("verification completed",
			zap.Bool("matched", result.Matched),
			zap.Float32("similarity", similarity),
			zap.Duration("elapsed", elapsed))
	}

	if err := uc.repo.SaveLog(ctx, record); err != nil {
		wrapped := logging.NewOperationError("usecase.save_log", requestID, err)
		opLogger.Warn("failed to persist verification log", zap.Error(wrapped))
	}

	serialized, err := json.Marshal(toCached(record))
	if err != nil {
		opLogger.Error("failed to serialize verification result", zap.Error(err))
		return outcome
	}
	if err := uc.retryResultCache(ctx, requestID, opStoreResult, func(ctx context.Context) error {
		return uc.cache.Set(ctx, cacheKey, string(serialized), uc.resultTTL)
	}); err != nil {
		opLogger.Warn("failed to cache verification result", zap.Error(err))
	}

	return outcome
}

// GetResult retrieves a cached verification outcome or loads it from the
// audit log.
func (uc *VerificationUseCase) GetResult(ctx context.Context, requestID string) (*repository.VerificationLog, error) {
	opLogger := logging.WithOperation(uc.logger, "usecase.get_result", requestID)
	cached, err := uc.loadResult(ctx, requestID)
	switch {
	case err == nil && cached == processingMarker:
		return nil, ErrResultPending
	case err == nil:
		var payload cachedVerification
		if err := json.Unmarshal([]byte(cached), &payload); err != nil {
			opLogger.Warn("failed to decode cached result", zap.Error(err))
		} else {
			return payload.toLog(), nil
		}
	case !errors.Is(err, redis.Nil):
		opLogger.Warn("failed to read cache", zap.Error(err))
	}

	return uc.repo.FindByRequestID(ctx, requestID)
}

// IdentitySummary describes an identity without its embeddings.
type IdentitySummary struct {
	ID           palm.IdentityID `json:"user_id"`
	Name         string          `json:"name"`
	Email        string          `json:"email,omitempty"`
	PresentToday bool            `json:"present_today"`
	Enrolled     bool            `json:"enrolled"`
	Slots        int             `json:"slots"`
}

func summarize(identity palm.Identity) IdentitySummary {
	return IdentitySummary{
		ID:           identity.ID,
		Name:         identity.Name,
		Email:        identity.Email,
		PresentToday: identity.Present,
		Enrolled:     identity.Embeddings.Complete(),
		Slots:        identity.Embeddings.Filled(),
	}
}

// ListIdentities returns every registered identity.
func (uc *VerificationUseCase) ListIdentities(ctx context.Context) ([]IdentitySummary, error) {
	identities, err := uc.repo.ReadAll(ctx)
	if err != nil {
		return nil, err
	}
	summaries := make([]IdentitySummary, len(identities))
	for i, identity := range identities {
		summaries[i] = summarize(identity)
	}
	return summaries, nil
}

// RegisterIdentity creates an identity awaiting enrollment.
func (uc *VerificationUseCase) RegisterIdentity(ctx context.Context, name, email string) (IdentitySummary, error) {
	identity, err := uc.repo.CreateIdentity(ctx, name, email)
	if err != nil {
		return IdentitySummary{}, err
	}
	logging.WithIdentity(uc.logger, identity.ID.String()).Info("identity registered", zap.String("name", name))
	return summarize(identity), nil
}

// UpdateIdentity edits the administrative fields of an identity.
func (uc *VerificationUseCase) UpdateIdentity(ctx context.Context, id palm.IdentityID, update repository.IdentityUpdate) (IdentitySummary, error) {
	identity, err := uc.repo.UpdateIdentity(ctx, id, update)
	if err != nil {
		return IdentitySummary{}, err
	}
	logging.WithIdentity(uc.logger, id.String()).Info("identity updated")
	return summarize(identity), nil
}

// DeleteIdentity removes an identity. Later verifications no longer see its
// reference embeddings.
func (uc *VerificationUseCase) DeleteIdentity(ctx context.Context, id palm.IdentityID) error {
	if err := uc.repo.DeleteIdentity(ctx, id); err != nil {
		return err
	}
	logging.WithIdentity(uc.logger, id.String()).Info("identity deleted")
	return nil
}

// ResetPresence clears the attendance flag of every identity.
func (uc *VerificationUseCase) ResetPresence(ctx context.Context) (int64, error) {
	n, err := uc.repo.ResetPresence(ctx)
	if err != nil {
		return 0, err
	}
	uc.logger.Info("presence reset", zap.Int64("identities", n))
	return n, nil
}

func kindLabel(err error) string {
	if kind := palm.Kind(err); kind != nil {
		return kind.Error()
	}
	return "unknown"
}

func toCached(log *repository.VerificationLog) cachedVerification {
	return cachedVerification{
		RequestID:    log.RequestID,
		Locator:      log.Locator,
		IdentityID:   log.IdentityID,
		IdentityName: log.IdentityName,
		Score:        log.Score,
		Matched:      log.Matched,
		ErrorKind:    log.ErrorKind,
		Error:        log.Error,
		Warning:      log.Warning,
		LatencyMs:    log.LatencyMs,
		CreatedAt:    log.CreatedAt,
	}
}

func (c cachedVerification) toLog() *repository.VerificationLog {
	return &repository.VerificationLog{
		RequestID:    c.RequestID,
		Locator:      c.Locator,
		IdentityID:   c.IdentityID,
		IdentityName: c.IdentityName,
		Score:        c.Score,
		Matched:      c.Matched,
		ErrorKind:    c.ErrorKind,
		Error:        c.Error,
		Warning:      c.Warning,
		LatencyMs:    c.LatencyMs,
		CreatedAt:    c.CreatedAt,
	}
}
