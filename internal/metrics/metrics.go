// Package metrics holds the process-wide Prometheus collectors. They are
// registered with the default registry and served at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Bank
	BankEntries = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "imagebank_bank_entries",
		Help: "Number of entries currently loaded in the bank",
	})

	BankStores = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "imagebank_bank_store_total",
		Help: "Bank store attempts by outcome (stored, skipped, analyze_failed, embed_failed)",
	}, []string{"outcome"})

	BankSearchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "imagebank_bank_search_duration_seconds",
		Help:    "Time taken by bank searches, including the query embedding",
		Buckets: prometheus.DefBuckets,
	})

	BankSyncs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "imagebank_bank_sync_total",
		Help: "Bank syncs to object storage by status (ok, error, clean)",
	}, []string{"status"})

	// Media client
	MediaSearches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "imagebank_media_search_total",
		Help: "Image lookups by the source that answered them (bank, cache, provider)",
	}, []string{"source"})

	ProviderRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "imagebank_provider_requests_total",
		Help: "Requests to external image providers by status (ok, error)",
	}, []string{"provider", "status"})

	ProviderDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "imagebank_provider_request_duration_seconds",
		Help:    "Latency of external image provider searches",
		Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 15},
	}, []string{"provider"})

	PlanShortfalls = promauto.NewCounter(prometheus.CounterOpts{
		Name: "imagebank_plan_shortfall_total",
		Help: "Plan items that ended with fewer images than requested",
	})

	// Queue
	JobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "imagebank_jobs_processed_total",
		Help: "Background jobs processed by type and status (ok, error)",
	}, []string{"type", "status"})
)
