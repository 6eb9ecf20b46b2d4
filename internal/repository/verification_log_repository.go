package repository

import (
	"context"
	"errors"

	"gorm.io/gorm"
)

// ErrLogNotFound is returned when no verification was logged for a request.
var ErrLogNotFound = errors.New("verification log not found")

// SaveLog persists a verification log entry.
func (r *Repository) SaveLog(ctx context.Context, log *VerificationLog) error {
	if err := r.db.WithContext(ctx).Create(log).Error; err != nil {
		return storeError("save verification log", err)
	}
	return nil
}

// FindByRequestID retrieves the verification log of a request.
func (r *Repository) FindByRequestID(ctx context.Context, requestID string) (*VerificationLog, error) {
	var log VerificationLog
	if err := r.db.WithContext(ctx).First(&log, "request_id = ?", requestID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrLogNotFound
		}
		return nil, storeError("find verification log", err)
	}
	return &log, nil
}

// AggregateMetrics summarises all logged verification attempts.
func (r *Repository) AggregateMetrics(ctx context.Context) (*MetricsAggregation, error) {
	var agg MetricsAggregation
	err := r.db.WithContext(ctx).
		Model(&VerificationLog{}).
		Select(`COUNT(*) AS total_count,
			COALESCE(SUM(CASE WHEN matched THEN 1 ELSE 0 END), 0) AS success_count,
			COALESCE(AVG(score), 0) AS average_score,
			COALESCE(AVG(latency_ms), 0) AS average_processing_latency_ms`).
		Scan(&agg).Error
	if err != nil {
		return nil, storeError("aggregate verification logs", err)
	}
	return &agg, nil
}
