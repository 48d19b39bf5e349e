package search

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/sells-group/smartbroker/internal/resilience"
)

var (
	// cacheLookupsTotal counts cache lookups by level and result.
	// Labels: level (memory, persistent), result (hit, miss)
	cacheLookupsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "smartbroker",
		Subsystem: "search",
		Name:      "cache_lookups_total",
		Help:      "Search cache lookups by level and result",
	}, []string{"level", "result"})

	// backendRequestsTotal counts backend calls by backend and error class.
	// Labels: backend (perplexity, jina), class (ok, auth, rate_limit, ...)
	backendRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "smartbroker",
		Subsystem: "search",
		Name:      "backend_requests_total",
		Help:      "Search backend requests by backend and outcome class",
	}, []string{"backend", "class"})

	backendLatencySeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "smartbroker",
		Subsystem: "search",
		Name:      "backend_latency_seconds",
		Help:      "Search backend request latency",
		Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"backend"})
)

func recordCacheLookup(level string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	cacheLookupsTotal.WithLabelValues(level, result).Inc()
}

func recordBackendRequest(backend string, err error, elapsed time.Duration) {
	class := "ok"
	if err != nil {
		class = resilience.Classify(err).String()
	}
	backendRequestsTotal.WithLabelValues(backend, class).Inc()
	backendLatencySeconds.WithLabelValues(backend).Observe(elapsed.Seconds())
}
