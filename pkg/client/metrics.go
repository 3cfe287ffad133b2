package client

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "truenas"

// callMetrics holds the client's Prometheus collectors. A nil *callMetrics
// records nothing.
type callMetrics struct {
	calls     *prometheus.CounterVec
	duration  *prometheus.HistogramVec
	retries   *prometheus.CounterVec
	fallbacks *prometheus.CounterVec
	cache     *prometheus.CounterVec
}

func newCallMetrics(reg prometheus.Registerer) (*callMetrics, error) {
	m := &callMetrics{
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "api",
			Name:      "calls_total",
			Help:      "Appliance call attempts by method, transport and error class.",
		}, []string{"method", "transport", "class"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "api",
			Name:      "call_duration_seconds",
			Help:      "Duration of individual appliance call attempts.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "transport"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "api",
			Name:      "retries_total",
			Help:      "Retries scheduled after a retryable failure.",
		}, []string{"method", "class"}),
		fallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "api",
			Name:      "ws_fallbacks_total",
			Help:      "Calls re-issued over REST after a WebSocket transport failure.",
		}, []string{"method"}),
		cache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "cache",
			Name:      "lookups_total",
			Help:      "Result cache lookups by key and outcome.",
		}, []string{"key", "result"}),
	}

	if reg == nil {
		return m, nil
	}
	for _, c := range []prometheus.Collector{m.calls, m.duration, m.retries, m.fallbacks, m.cache} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register metrics: %w", err)
		}
	}
	return m, nil
}

func (m *callMetrics) attempt(method, transport string, class ErrorClass, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.calls.WithLabelValues(method, transport, class.String()).Inc()
	m.duration.WithLabelValues(method, transport).Observe(elapsed.Seconds())
}

func (m *callMetrics) retry(method string, class ErrorClass) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(method, class.String()).Inc()
}

func (m *callMetrics) fallback(method string) {
	if m == nil {
		return
	}
	m.fallbacks.WithLabelValues(method).Inc()
}

func (m *callMetrics) cacheLookup(key string, hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cache.WithLabelValues(key, result).Inc()
}
