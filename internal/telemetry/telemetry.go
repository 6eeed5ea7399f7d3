// Package telemetry manages Prometheus instrumentation for the resolution core.
package telemetry

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all resolution pipeline instruments.
type Metrics struct {
	proposeDuration  *prometheus.HistogramVec
	llmCalls         *prometheus.CounterVec
	llmTokens        *prometheus.CounterVec
	cacheHits        *prometheus.CounterVec
	breakerTrips     *prometheus.CounterVec
	auditAppend      prometheus.Histogram
	auditSoftMiss    prometheus.Counter
	notifierDropped  *prometheus.CounterVec
	embedNormalized  prometheus.Counter
	retrieveDegraded prometheus.Counter
}

var (
	metricsInstance *Metrics
	metricsOnce     sync.Once
)

// Get returns the singleton metrics instance.
func Get() *Metrics {
	metricsOnce.Do(func() {
		metricsInstance = newMetrics(prometheus.DefaultRegisterer)
	})
	return metricsInstance
}

// NewForRegistry builds an unshared metrics set, used by tests to avoid
// double registration on the default registry.
func NewForRegistry(reg prometheus.Registerer) *Metrics {
	return newMetrics(reg)
}

func newMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		proposeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "resolvd",
				Subsystem: "resolver",
				Name:      "propose_duration_seconds",
				Help:      "End-to-end duration of resolution proposals by outcome",
				Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"outcome"},
		),
		llmCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "resolvd",
				Subsystem: "dispatch",
				Name:      "llm_calls_total",
				Help:      "Total LLM provider calls by provider and outcome",
			},
			[]string{"provider", "outcome"},
		),
		llmTokens: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "resolvd",
				Subsystem: "dispatch",
				Name:      "llm_tokens_total",
				Help:      "Total tokens consumed by provider and direction",
			},
			[]string{"provider", "direction"},
		),
		cacheHits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "resolvd",
				Subsystem: "cache",
				Name:      "lookups_total",
				Help:      "Cache lookups by cache name and result",
			},
			[]string{"cache", "result"},
		),
		breakerTrips: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "resolvd",
				Subsystem: "providers",
				Name:      "breaker_trips_total",
				Help:      "Circuit breaker trips by provider",
			},
			[]string{"provider"},
		),
		auditAppend: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "resolvd",
				Subsystem: "audit",
				Name:      "append_duration_seconds",
				Help:      "Audit log append latency",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1},
			},
		),
		auditSoftMiss: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "resolvd",
				Subsystem: "audit",
				Name:      "append_soft_deadline_missed_total",
				Help:      "Audit appends that exceeded the soft deadline",
			},
		),
		notifierDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "resolvd",
				Subsystem: "notifier",
				Name:      "events_dropped_total",
				Help:      "Events dropped from subscription queues by policy",
			},
			[]string{"policy"},
		),
		embedNormalized: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "resolvd",
				Subsystem: "embed",
				Name:      "dimension_normalized_total",
				Help:      "Embeddings padded or truncated to the configured dimension",
			},
		),
		retrieveDegraded: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "resolvd",
				Subsystem: "retrieve",
				Name:      "degraded_total",
				Help:      "Retrievals that returned a degraded bundle",
			},
		),
	}

	reg.MustRegister(
		m.proposeDuration,
		m.llmCalls,
		m.llmTokens,
		m.cacheHits,
		m.breakerTrips,
		m.auditAppend,
		m.auditSoftMiss,
		m.notifierDropped,
		m.embedNormalized,
		m.retrieveDegraded,
	)

	return m
}

// ObservePropose records a completed proposal attempt.
func (m *Metrics) ObservePropose(outcome string, d time.Duration) {
	m.proposeDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

// RecordLLMCall records one provider call outcome.
func (m *Metrics) RecordLLMCall(provider, outcome string) {
	m.llmCalls.WithLabelValues(provider, outcome).Inc()
}

// RecordTokens records token usage reported by a provider.
func (m *Metrics) RecordTokens(provider string, input, output int) {
	if input > 0 {
		m.llmTokens.WithLabelValues(provider, "input").Add(float64(input))
	}
	if output > 0 {
		m.llmTokens.WithLabelValues(provider, "output").Add(float64(output))
	}
}

// RecordCacheLookup records a cache hit or miss.
func (m *Metrics) RecordCacheLookup(cache string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheHits.WithLabelValues(cache, result).Inc()
}

// RecordBreakerTrip records a circuit breaker trip for a provider.
func (m *Metrics) RecordBreakerTrip(provider string) {
	m.breakerTrips.WithLabelValues(provider).Inc()
}

// ObserveAuditAppend records audit append latency and soft-deadline misses.
func (m *Metrics) ObserveAuditAppend(d time.Duration, missedSoftDeadline bool) {
	m.auditAppend.Observe(d.Seconds())
	if missedSoftDeadline {
		m.auditSoftMiss.Inc()
	}
}

// RecordNotifierDrop records an event dropped from a subscription queue.
func (m *Metrics) RecordNotifierDrop(policy string) {
	m.notifierDropped.WithLabelValues(policy).Inc()
}

// RecordEmbedNormalized records a provider vector padded or truncated to D.
func (m *Metrics) RecordEmbedNormalized() {
	m.embedNormalized.Inc()
}

// RecordRetrieveDegraded records a degraded retrieval bundle.
func (m *Metrics) RecordRetrieveDegraded() {
	m.retrieveDegraded.Inc()
}
