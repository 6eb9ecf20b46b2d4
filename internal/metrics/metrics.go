// Package metrics exposes Prometheus instrumentation for the pipelines.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "palm_verify"

// Outcome labels.
const (
	OutcomeMatched  = "matched"
	OutcomeRejected = "rejected"
	OutcomeSuccess  = "success"
	OutcomeError    = "error"
)

// PipelineMetrics records pipeline outcomes and latencies. A nil
// *PipelineMetrics is valid and records nothing.
type PipelineMetrics struct {
	verifications    *prometheus.CounterVec
	enrollments      *prometheus.CounterVec
	duration         *prometheus.HistogramVec
	similarity       prometheus.Histogram
	presenceWarnings prometheus.Counter
}

// NewPipelineMetrics registers the collectors with reg. It returns nil when
// reg is nil.
func NewPipelineMetrics(reg prometheus.Registerer) *PipelineMetrics {
	if reg == nil {
		return nil
	}
	return &PipelineMetrics{
		verifications: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "verifications_total",
			Help:      "Verification attempts by outcome and failure kind",
		}, []string{"outcome", "kind"}),
		enrollments: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "enrollments_total",
			Help:      "Enrollment attempts by outcome and failure kind",
		}, []string{"outcome", "kind"}),
		duration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pipeline_duration_seconds",
			Help:      "End-to-end pipeline latency",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"pipeline"}),
		similarity: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "best_similarity",
			Help:      "Best similarity score of each completed verification",
			Buckets:   prometheus.LinearBuckets(-1, 0.1, 21),
		}),
		presenceWarnings: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "presence_update_failures_total",
			Help:      "Matches whose presence update failed",
		}),
	}
}

// ObserveVerification records one verification. kind is empty on success.
func (m *PipelineMetrics) ObserveVerification(outcome, kind string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.verifications.WithLabelValues(outcome, kind).Inc()
	m.duration.WithLabelValues("verify").Observe(elapsed.Seconds())
}

// ObserveSimilarity records the best score of a completed comparison.
func (m *PipelineMetrics) ObserveSimilarity(score float32) {
	if m == nil {
		return
	}
	m.similarity.Observe(float64(score))
}

// ObservePresenceWarning counts a failed presence update.
func (m *PipelineMetrics) ObservePresenceWarning() {
	if m == nil {
		return
	}
	m.presenceWarnings.Inc()
}

// ObserveEnrollment records one enrollment. kind is empty on success.
func (m *PipelineMetrics) ObserveEnrollment(outcome, kind string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.enrollments.WithLabelValues(outcome, kind).Inc()
	m.duration.WithLabelValues("enroll").Observe(elapsed.Seconds())
}
