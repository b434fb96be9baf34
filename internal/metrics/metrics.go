package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	requestTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "offlinegate",
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests handled by offlinegate",
		},
		[]string{"source", "method", "code"},
	)

	requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "offlinegate",
			Name:      "http_request_duration_seconds",
			Help:      "Duration of HTTP requests handled by offlinegate",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"source", "method"},
	)

	cacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "offlinegate",
			Name:      "cache_hits_total",
			Help:      "Intercepted requests answered from the cache store",
		},
		[]string{"cache"},
	)

	cacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "offlinegate",
			Name:      "cache_misses_total",
			Help:      "Intercepted requests with no cache entry",
		},
		[]string{"cache"},
	)

	cacheWriteFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "offlinegate",
			Name:      "cache_write_failures_total",
			Help:      "Cache writes that failed or were skipped",
		},
		[]string{"cache", "reason"},
	)

	networkFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "offlinegate",
			Name:      "network_failures_total",
			Help:      "Network fetches that failed, split by whether a cached copy covered the caller",
		},
		[]string{"cache", "covered"},
	)

	installs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "offlinegate",
			Name:      "worker_installs_total",
			Help:      "Worker install attempts by outcome",
		},
		[]string{"version", "outcome"},
	)

	activeVersion = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "offlinegate",
			Name:      "worker_active",
			Help:      "1 for the version tag currently active, 0 for superseded ones",
		},
		[]string{"version"},
	)

	clientsOpen = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "offlinegate",
			Name:      "clients_open",
			Help:      "Client sessions currently tracked",
		},
	)

	initOnce sync.Once
)

// Init registers all collectors with the default registry. Safe to call
// more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			requestTotal,
			requestDuration,
			cacheHits,
			cacheMisses,
			cacheWriteFailures,
			networkFailures,
			installs,
			activeVersion,
			clientsOpen,
		)
	})
}

func Handler() http.Handler {
	return promhttp.Handler()
}

func ObserveRequest(source, method, code string, d time.Duration) {
	requestTotal.WithLabelValues(source, method, code).Inc()
	requestDuration.WithLabelValues(source, method).Observe(d.Seconds())
}

func IncCacheHit(cacheName string) {
	cacheHits.WithLabelValues(cacheName).Inc()
}

func IncCacheMiss(cacheName string) {
	cacheMisses.WithLabelValues(cacheName).Inc()
}

func IncCacheWriteFailure(cacheName, reason string) {
	cacheWriteFailures.WithLabelValues(cacheName, reason).Inc()
}

func IncNetworkFailure(cacheName string, covered bool) {
	label := "false"
	if covered {
		label = "true"
	}
	networkFailures.WithLabelValues(cacheName, label).Inc()
}

func IncInstall(version, outcome string) {
	installs.WithLabelValues(version, outcome).Inc()
}

func SetActiveVersion(version string, active bool) {
	v := 0.0
	if active {
		v = 1
	}
	activeVersion.WithLabelValues(version).Set(v)
}

func SetClientsOpen(n int) {
	clientsOpen.Set(float64(n))
}
