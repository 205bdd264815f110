package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PageDeletionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "folio",
			Subsystem: "pages",
			Name:      "deletions_total",
			Help:      "Page deletion attempts by outcome",
		},
		[]string{"outcome"},
	)

	PageDeletionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "folio",
			Subsystem: "pages",
			Name:      "deletion_duration_seconds",
			Help:      "Page deletion duration in seconds",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		},
		[]string{"outcome"},
	)

	SitemapNodesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "folio",
			Subsystem: "sitemap",
			Name:      "nodes_total",
			Help:      "Sitemap nodes changed by page deletion, by action",
		},
		[]string{"action"},
	)

	SkippedSitemapsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "folio",
			Subsystem: "sitemap",
			Name:      "skipped_total",
			Help:      "Sitemaps left untouched because the actor could not write to them",
		},
	)

	EventsPublishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "folio",
			Subsystem: "events",
			Name:      "published_total",
			Help:      "Events forwarded to sinks, by sink and outcome",
		},
		[]string{"sink", "kind", "outcome"},
	)

	PageCacheTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "folio",
			Subsystem: "cache",
			Name:      "lookups_total",
			Help:      "Page cache lookups by result",
		},
		[]string{"result"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "folio",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "status"},
	)
)
