// Package metrics provides Prometheus-compatible metrics for gateway
// execution monitoring.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects gateway counters, gauges and histograms.
//
// Metrics exposed (all namespaced with "replaygate_"):
//
//  1. cache_hits_total / cache_misses_total (counter): datastore consult
//     outcomes. Labels: agent.
//  2. llm_calls_total (counter): provider calls actually issued. Labels:
//     agent, provider, strategy.
//  3. llm_errors_total (counter): provider failures. Labels: agent,
//     provider.
//  4. throttle_delay_seconds (histogram): delay applied per throttled call.
//  5. async_inflight (gauge): async tasks currently live.
//  6. batch_calls_buffered (gauge): calls waiting in the batch buffer.
//  7. batch_jobs_total (counter): batch jobs submitted. Labels: provider.
//  8. batch_results_total (counter): downloaded batch results. Labels:
//     provider, status.
//  9. persist_total (counter): datastore persist operations.
//
// A nil *Metrics is valid and records nothing, so call sites never need a
// nil check branch.
//
// Usage:
//
//	registry := prometheus.NewRegistry()
//	m := metrics.New(registry)
//	http.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
type Metrics struct {
	cacheHits     *prometheus.CounterVec
	cacheMisses   *prometheus.CounterVec
	llmCalls      *prometheus.CounterVec
	llmErrors     *prometheus.CounterVec
	throttleDelay prometheus.Histogram
	asyncInflight prometheus.Gauge
	batchBuffered prometheus.Gauge
	batchJobs     *prometheus.CounterVec
	batchResults  *prometheus.CounterVec
	persists      prometheus.Counter
}

// New creates and registers all gateway metrics with the provided registry.
// A nil registry uses prometheus.DefaultRegisterer.
func New(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &Metrics{
		cacheHits: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "replaygate",
			Name:      "cache_hits_total",
			Help:      "Cached responses served without a provider call.",
		}, []string{"agent"}),
		cacheMisses: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "replaygate",
			Name:      "cache_misses_total",
			Help:      "Datastore consults that found no stored response.",
		}, []string{"agent"}),
		llmCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "replaygate",
			Name:      "llm_calls_total",
			Help:      "Provider calls issued.",
		}, []string{"agent", "provider", "strategy"}),
		llmErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "replaygate",
			Name:      "llm_errors_total",
			Help:      "Provider call failures.",
		}, []string{"agent", "provider"}),
		throttleDelay: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "replaygate",
			Name:      "throttle_delay_seconds",
			Help:      "Delay applied per throttled call.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		}),
		asyncInflight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "replaygate",
			Name:      "async_inflight",
			Help:      "Async tasks currently live.",
		}),
		batchBuffered: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "replaygate",
			Name:      "batch_calls_buffered",
			Help:      "Calls waiting in the batch buffer.",
		}),
		batchJobs: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "replaygate",
			Name:      "batch_jobs_total",
			Help:      "Batch jobs submitted to a provider.",
		}, []string{"provider"}),
		batchResults: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "replaygate",
			Name:      "batch_results_total",
			Help:      "Downloaded batch results by status.",
		}, []string{"provider", "status"}),
		persists: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "replaygate",
			Name:      "persist_total",
			Help:      "Datastore persist operations.",
		}),
	}
}

// RecordCacheHit increments the cache hit counter for agent.
func (m *Metrics) RecordCacheHit(agent string) {
	if m == nil {
		return
	}
	m.cacheHits.WithLabelValues(agent).Inc()
}

// RecordCacheMiss increments the cache miss counter for agent.
func (m *Metrics) RecordCacheMiss(agent string) {
	if m == nil {
		return
	}
	m.cacheMisses.WithLabelValues(agent).Inc()
}

// RecordLLMCall increments the provider call counter.
func (m *Metrics) RecordLLMCall(agent, provider, strategy string) {
	if m == nil {
		return
	}
	m.llmCalls.WithLabelValues(agent, provider, strategy).Inc()
}

// RecordLLMError increments the provider failure counter.
func (m *Metrics) RecordLLMError(agent, provider string) {
	if m == nil {
		return
	}
	m.llmErrors.WithLabelValues(agent, provider).Inc()
}

// RecordThrottleDelay observes one applied throttle delay.
func (m *Metrics) RecordThrottleDelay(d time.Duration) {
	if m == nil {
		return
	}
	m.throttleDelay.Observe(d.Seconds())
}

// AsyncTaskStarted increments the inflight gauge.
func (m *Metrics) AsyncTaskStarted() {
	if m == nil {
		return
	}
	m.asyncInflight.Inc()
}

// AsyncTaskDone decrements the inflight gauge.
func (m *Metrics) AsyncTaskDone() {
	if m == nil {
		return
	}
	m.asyncInflight.Dec()
}

// SetBatchBuffered records the current batch buffer depth.
func (m *Metrics) SetBatchBuffered(n int) {
	if m == nil {
		return
	}
	m.batchBuffered.Set(float64(n))
}

// RecordBatchJob increments the submitted batch job counter.
func (m *Metrics) RecordBatchJob(provider string) {
	if m == nil {
		return
	}
	m.batchJobs.WithLabelValues(provider).Inc()
}

// RecordBatchResult increments the downloaded batch result counter.
func (m *Metrics) RecordBatchResult(provider, status string) {
	if m == nil {
		return
	}
	m.batchResults.WithLabelValues(provider, status).Inc()
}

// RecordPersist increments the persist counter.
func (m *Metrics) RecordPersist() {
	if m == nil {
		return
	}
	m.persists.Inc()
}
