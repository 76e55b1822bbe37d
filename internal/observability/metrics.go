package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	MatchesTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "boda_dispatch", Name: "matches_total", Help: "Total successful rider matches"})
	MatchLatency = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: "boda_dispatch", Name: "match_latency_seconds", Help: "Rider search latency in seconds"})
	NoCandidates = promauto.NewCounter(prometheus.CounterOpts{Namespace: "boda_dispatch", Name: "match_no_candidates_total", Help: "Matches that found no eligible rider"})

	RidersAvailable = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "boda_dispatch", Name: "riders_available", Help: "Riders currently available for matching"})

	LocationUpdatesTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "boda_dispatch", Name: "location_updates_total", Help: "Applied rider location reports"})
	LocationStaleTotal   = promauto.NewCounter(prometheus.CounterOpts{Namespace: "boda_dispatch", Name: "location_stale_total", Help: "Rejected out-of-order or duplicate location reports"})

	ProviderFallbacksTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "boda_dispatch", Name: "route_provider_fallbacks_total", Help: "Route lookups served by great-circle fallback"})
	RouteCacheHitsTotal    = promauto.NewCounter(prometheus.CounterOpts{Namespace: "boda_dispatch", Name: "route_cache_hits_total", Help: "Route estimates served from cache"})

	OrderTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "boda_dispatch", Name: "order_transitions_total", Help: "Order status transitions applied"},
		[]string{"to"},
	)
	TransitionConflictsTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "boda_dispatch", Name: "order_transition_conflicts_total", Help: "Order transitions lost to a concurrent writer"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "boda_dispatch", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "boda_dispatch",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
