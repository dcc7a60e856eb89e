// Package metrics exposes Prometheus instrumentation for the prediction service.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Manager owns every collector and the registry they are registered on.
type Manager struct {
	namespace        string
	histogramBuckets []float64
	registry         *prometheus.Registry

	predictions        *prometheus.CounterVec
	predictionFailures *prometheus.CounterVec
	submitDuration     prometheus.Histogram
	stageRuns          prometheus.Counter

	payouts        *prometheus.CounterVec
	payoutAmount   prometheus.Counter
	settleDuration prometheus.Histogram

	httpRequests        *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
}

// Option configures a Manager.
type Option func(*Manager)

// WithNamespace sets the metric namespace.
func WithNamespace(namespace string) Option {
	return func(m *Manager) {
		if namespace != "" {
			m.namespace = namespace
		}
	}
}

// WithHistogramBuckets overrides the default latency buckets.
func WithHistogramBuckets(buckets []float64) Option {
	return func(m *Manager) {
		if len(buckets) > 0 {
			m.histogramBuckets = buckets
		}
	}
}

// WithRegistry registers collectors on registry instead of a fresh one.
func WithRegistry(registry *prometheus.Registry) Option {
	return func(m *Manager) {
		if registry != nil {
			m.registry = registry
		}
	}
}

// NewManager creates and registers all collectors.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		namespace:        "malcare",
		histogramBuckets: prometheus.DefBuckets,
		registry:         prometheus.NewRegistry(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.initializeMetrics()
	return m
}

func (m *Manager) initializeMetrics() {
	auto := promauto.With(m.registry)

	m.predictions = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Name:      "predictions_total",
		Help:      "Predictions stored, by primary label",
	}, []string{"result"})

	m.predictionFailures = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Name:      "prediction_failures_total",
		Help:      "Submissions that did not produce a record, by failure kind",
	}, []string{"kind"})

	m.submitDuration = auto.NewHistogram(prometheus.HistogramOpts{
		Namespace: m.namespace,
		Name:      "submission_duration_seconds",
		Help:      "Time from upload to stored record",
		Buckets:   m.histogramBuckets,
	})

	m.stageRuns = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace,
		Name:      "stage_classifications_total",
		Help:      "Stage model invocations",
	})

	m.payouts = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Name:      "payouts_total",
		Help:      "Payout attempts, by outcome",
	}, []string{"outcome"})

	m.payoutAmount = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace,
		Name:      "payout_amount_total",
		Help:      "Sum of settled rewards",
	})

	m.settleDuration = auto.NewHistogram(prometheus.HistogramOpts{
		Namespace: m.namespace,
		Name:      "settlement_duration_seconds",
		Help:      "Settler latency",
		Buckets:   m.histogramBuckets,
	})

	m.httpRequests = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "HTTP requests by route, method and status code",
	}, []string{"route", "method", "status_code"})

	m.httpRequestDuration = auto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: m.namespace,
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request latency",
		Buckets:   m.histogramBuckets,
	}, []string{"route", "method", "status_code"})
}

// Registry returns the registry backing the manager.
func (m *Manager) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Manager) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// RecordPrediction counts a stored prediction.
func (m *Manager) RecordPrediction(result string, stageRan bool, elapsed time.Duration) {
	m.predictions.WithLabelValues(result).Inc()
	if stageRan {
		m.stageRuns.Inc()
	}
	m.submitDuration.Observe(elapsed.Seconds())
}

// RecordPredictionFailure counts a submission that failed with kind.
func (m *Manager) RecordPredictionFailure(kind string) {
	m.predictionFailures.WithLabelValues(kind).Inc()
}

// RecordPayout counts a payout attempt. amount is added only on success.
func (m *Manager) RecordPayout(outcome string, amount float64, elapsed time.Duration) {
	m.payouts.WithLabelValues(outcome).Inc()
	if outcome == OutcomeSuccess {
		m.payoutAmount.Add(amount)
		m.settleDuration.Observe(elapsed.Seconds())
	}
}

// Payout outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeRefused = "refused"
)

// GinMiddleware records request counts and latency per matched route.
func (m *Manager) GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := strconv.Itoa(c.Writer.Status())
		m.httpRequests.WithLabelValues(route, c.Request.Method, status).Inc()
		m.httpRequestDuration.WithLabelValues(route, c.Request.Method, status).Observe(time.Since(start).Seconds())
	}
}
