package observability

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registry *prometheus.Registry

	// Facts accepted into the store, by channel. Watch for: subscribe rate
	// dropping to zero while sessions stay active (stalled stream).
	FactsAppliedTotal *prometheus.CounterVec

	// Facts dropped before reaching the store. reason=superseded means a
	// snapshot value lost to a concurrent streamed update; reason=malformed
	// means the fact failed validation.
	FactsDiscardedTotal *prometheus.CounterVec

	// Upstream snapshot call rate. Watch for: error vs success ratio.
	FetchCallsTotal *prometheus.CounterVec

	// Snapshot call latency. Watch for: p95 growth (upstream degradation).
	FetchDurationSeconds *prometheus.HistogramVec

	// Subscription sessions opened, including resubscriptions.
	SubscribeSessionsTotal prometheus.Counter

	// Events delivered by the change stream across all sessions.
	SubscribeEventsTotal prometheus.Counter

	// Resubscribe attempts after a session terminated. High rate = flapping upstream.
	ResubscribeRetriesTotal prometheus.Counter

	// 1 while a subscription session is active, 0 during an outage.
	SubscribeSessionActive prometheus.Gauge

	// Cache reads by result (hit/miss).
	CacheReadsTotal *prometheus.CounterVec

	// Mirror publish outcomes. dropped counts records discarded because the
	// publish queue was full.
	MirrorPublishTotal *prometheus.CounterVec

	// HTTP request rate for the daemon read surface.
	HTTPRequestsTotal *prometheus.CounterVec

	// HTTP request latency per request.
	HTTPRequestDuration *prometheus.HistogramVec

	// Concurrent requests in flight.
	HTTPRequestsInFlight prometheus.Gauge

	// Rate limit denials on the read surface.
	RateLimitDeniedTotal prometheus.Counter

	citiesGaugeOnce sync.Once
)

func init() {
	registry = prometheus.NewRegistry()

	registry.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	FactsAppliedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "factsAppliedTotal",
			Help: "Facts accepted into the state store",
		},
		[]string{"source"},
	)
	FactsDiscardedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "factsDiscardedTotal",
			Help: "Facts dropped before reaching the state store",
		},
		[]string{"reason"},
	)
	FetchCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fetchCallsTotal",
			Help: "Total number of upstream snapshot calls",
		},
		[]string{"status"},
	)
	FetchDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fetchDurationSeconds",
			Help:    "Upstream snapshot call latency in seconds",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"status"},
	)
	SubscribeSessionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "subscribeSessionsTotal",
			Help: "Subscription sessions opened, including resubscriptions",
		},
	)
	SubscribeEventsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "subscribeEventsTotal",
			Help: "Events delivered by the change stream",
		},
	)
	ResubscribeRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "resubscribeRetriesTotal",
			Help: "Resubscribe attempts after session termination",
		},
	)
	SubscribeSessionActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "subscribeSessionActive",
			Help: "1 while a subscription session is active, 0 otherwise",
		},
	)
	CacheReadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cacheReadsTotal",
			Help: "Cache reads by result (hit/miss)",
		},
		[]string{"result"},
	)
	MirrorPublishTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mirrorPublishTotal",
			Help: "Memcached mirror publish outcomes",
		},
		[]string{"status"},
	)
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "httpRequestsTotal",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "statusCode"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "httpRequestDurationSeconds",
			Help:    "HTTP request latency in seconds (per request)",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
	HTTPRequestsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "httpRequestsInFlight",
			Help: "Number of HTTP requests currently being served",
		},
	)
	RateLimitDeniedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rateLimitDeniedTotal",
			Help: "Total number of requests denied by rate limiter (429)",
		},
	)

	registry.MustRegister(
		FactsAppliedTotal, FactsDiscardedTotal,
		FetchCallsTotal, FetchDurationSeconds,
		SubscribeSessionsTotal, SubscribeEventsTotal, ResubscribeRetriesTotal, SubscribeSessionActive,
		CacheReadsTotal, MirrorPublishTotal,
		HTTPRequestsTotal, HTTPRequestDuration, HTTPRequestsInFlight,
		RateLimitDeniedTotal,
	)
}

// RegisterCitiesGauge registers a gauge reporting the number of tracked
// cities. Call once from main after the cache is constructed.
func RegisterCitiesGauge(count func() int) {
	citiesGaugeOnce.Do(func() {
		registry.MustRegister(
			prometheus.NewGaugeFunc(
				prometheus.GaugeOpts{
					Name: "citiesTracked",
					Help: "Number of cities with a cached temperature",
				},
				func() float64 { return float64(count()) },
			),
		)
	})
}

// MetricsHandler returns an http.Handler that serves application and runtime metrics.
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
