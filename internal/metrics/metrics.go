// Package metrics provides the Prometheus collectors of the voice-service.
package metrics

import (
	"net/http"
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "voice_service"

// Status label values.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

var (
	// cacheLookupsTotal counts cache lookups by outcome: hit, miss, shared.
	cacheLookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Total number of synthesis cache lookups by outcome",
		},
		[]string{"outcome"},
	)

	// cacheFailuresTotal counts synthesis attempts that stored nothing.
	cacheFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_synthesis_failures_total",
			Help:      "Total number of failed synthesis attempts behind the cache",
		},
	)

	// cacheEvictionsTotal counts entries removed by cleanup, by rule.
	cacheEvictionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_evictions_total",
			Help:      "Total number of cache entries removed by cleanup",
		},
		[]string{"reason"}, // reason: age, voice, size
	)

	// synthesisDuration is a histogram of backend synthesis calls.
	synthesisDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "synthesis_duration_seconds",
			Help:      "Duration of synthesis backend calls in seconds",
			Buckets:   []float64{.25, .5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
		[]string{"status"},
	)

	// transcriptionDuration is a histogram of backend transcription calls.
	transcriptionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "transcription_duration_seconds",
			Help:      "Duration of transcription backend calls in seconds",
			Buckets:   []float64{.25, .5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"status"},
	)

	// voiceOperationsTotal counts registry mutations.
	voiceOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "voice_operations_total",
			Help:      "Total number of voice registry mutations",
		},
		[]string{"operation", "status"},
	)

	// httpRequestsTotal counts API requests by route pattern and status code.
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP API requests",
		},
		[]string{"method", "route", "code"},
	)

	allMetrics = []prometheus.Collector{
		cacheLookupsTotal,
		cacheFailuresTotal,
		cacheEvictionsTotal,
		synthesisDuration,
		transcriptionDuration,
		voiceOperationsTotal,
		httpRequestsTotal,
	}

	registry     *prometheus.Registry
	registryOnce sync.Once
)

// Registry returns the dedicated registry holding every collector of the service.
func Registry() *prometheus.Registry {
	registryOnce.Do(func() {
		registry = prometheus.NewRegistry()
		registry.MustRegister(allMetrics...)
	})

	return registry
}

// Handler returns the HTTP handler exposing Registry.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry(), promhttp.HandlerOpts{})
}

// Status maps an error to a status label value.
func Status(err error) string {
	if err != nil {
		return StatusError
	}

	return StatusSuccess
}

// RecordCacheLookup records the outcome of a cache lookup.
func RecordCacheLookup(outcome string) {
	cacheLookupsTotal.WithLabelValues(outcome).Inc()
}

// RecordCacheFailure records a synthesis attempt that produced no entry.
func RecordCacheFailure() {
	cacheFailuresTotal.Inc()
}

// RecordEviction records a cache entry removed by cleanup.
func RecordEviction(reason string) {
	cacheEvictionsTotal.WithLabelValues(reason).Inc()
}

// RecordSynthesis records a synthesis backend call.
func RecordSynthesis(status string, durationSeconds float64) {
	synthesisDuration.WithLabelValues(status).Observe(durationSeconds)
}

// RecordTranscription records a transcription backend call.
func RecordTranscription(status string, durationSeconds float64) {
	transcriptionDuration.WithLabelValues(status).Observe(durationSeconds)
}

// RecordVoiceOperation records a registry mutation.
func RecordVoiceOperation(operation string, err error) {
	voiceOperationsTotal.WithLabelValues(operation, Status(err)).Inc()
}

// RecordHTTPRequest records a served API request. route is the router
// pattern, not the raw path, to keep the label set bounded.
func RecordHTTPRequest(method, route string, code int) {
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
}
