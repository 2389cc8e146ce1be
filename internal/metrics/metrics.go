// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	IngestRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "evilwatch_ingest_runs_total",
			Help: "Ingestion runs by outcome",
		},
		[]string{"outcome"},
	)

	IngestRunDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "evilwatch_ingest_run_duration_seconds",
			Help:    "Wall time of ingestion runs",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
		},
	)

	FeedIndicators = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "evilwatch_feed_indicators_total",
			Help: "Indicators seen per feed, by result (inserted, existing, failed)",
		},
		[]string{"feed", "result"},
	)

	FeedErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "evilwatch_feed_errors_total",
			Help: "Feed fetch or parse failures",
		},
		[]string{"feed"},
	)

	CompactedRows = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "evilwatch_compacted_rows_total",
			Help: "Duplicate rows removed by compaction",
		},
	)

	IndexSyncs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "evilwatch_index_syncs_total",
			Help: "Search index reconciliations by mode",
		},
		[]string{"mode"},
	)

	IndexEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "evilwatch_index_entries",
			Help: "Entries in the search index after the last sync",
		},
	)

	Searches = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "evilwatch_searches_total",
			Help: "Searches recorded through the API",
		},
	)

	APIRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "evilwatch_api_requests_total",
			Help: "API requests by route and status code",
		},
		[]string{"route", "code"},
	)

	BloomChecks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "evilwatch_bloom_checks_total",
			Help: "Lookup filter checks by result (negative, maybe)",
		},
		[]string{"result"},
	)

	EnrichCache = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "evilwatch_enrich_cache_total",
			Help: "Enrichment cache lookups by tier and result",
		},
		[]string{"tier", "result"},
	)

	EnrichProviderErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "evilwatch_enrich_provider_errors_total",
			Help: "Enrichment provider failures",
		},
		[]string{"provider"},
	)
)
