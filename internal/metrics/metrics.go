// Package metrics exposes the service's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTPRequestsTotal counts requests by route, method and response status.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "muzzleid_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"path", "method", "status"},
	)

	// EmbeddingDurationSeconds measures one preprocess-plus-embed round trip.
	EmbeddingDurationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "muzzleid_embedding_duration_seconds",
			Help:    "Time taken to turn image bytes into a feature vector",
			Buckets: prometheus.DefBuckets,
		},
	)

	// IdentificationDecisionsTotal counts identify outcomes by status.
	IdentificationDecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "muzzleid_identification_decisions_total",
			Help: "Identification decisions by final status",
		},
		[]string{"status"},
	)

	// RegisteredCattle tracks the registry size.
	RegisteredCattle = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "muzzleid_registered_cattle",
			Help: "Number of cattle currently registered",
		},
	)

	// EmbeddingCacheEventsTotal counts cache hits, misses and errors.
	EmbeddingCacheEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "muzzleid_embedding_cache_events_total",
			Help: "Embedding cache events",
		},
		[]string{"event"},
	)
)
