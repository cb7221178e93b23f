// Package observability provides Prometheus metrics for monitoring.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the application.
type Metrics struct {
	// Aggregation metrics
	CyclesTotal        prometheus.Counter
	CycleDuration      prometheus.Histogram
	SourceFetchErrors  *prometheus.CounterVec
	SourceFetchLatency *prometheus.HistogramVec
	QuotesAbsent       prometheus.Gauge

	// Ingestion metrics
	TransactionsPersisted prometheus.Counter
	TransactionsDuplicate prometheus.Counter
	TransactionsSkipped   *prometheus.CounterVec
	TransactionsDropped   prometheus.Counter
	BackfillPasses        *prometheus.CounterVec
	ReconcilerState       prometheus.Gauge
	WatermarkTimestamp    prometheus.Gauge

	// Fan-out metrics
	JournalLength       *prometheus.GaugeVec
	BrokerSubscribers   *prometheus.GaugeVec
	BrokerDropped       *prometheus.CounterVec
	MessagesPublished   *prometheus.CounterVec
	SessionsActive      prometheus.Gauge
	SessionsTotal       prometheus.Counter
	SessionReplayLength prometheus.Histogram
}

// NewMetrics creates a new Metrics instance with all metrics registered on reg.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "kaswatch"
	}
	factory := promauto.With(reg)

	return &Metrics{
		CyclesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "aggregator",
			Name:      "cycles_total",
			Help:      "Total number of completed aggregation cycles",
		}),
		CycleDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "aggregator",
			Name:      "cycle_duration_seconds",
			Help:      "Wall time of one aggregation cycle in seconds",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 15},
		}),
		SourceFetchErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "aggregator",
			Name:      "source_fetch_errors_total",
			Help:      "Total number of failed or timed out price fetches by source",
		}, []string{"source"}),
		SourceFetchLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "aggregator",
			Name:      "source_fetch_latency_seconds",
			Help:      "Price fetch latency in seconds by source",
			Buckets:   prometheus.DefBuckets,
		}, []string{"source"}),
		QuotesAbsent: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "aggregator",
			Name:      "quotes_absent",
			Help:      "Number of absent quotes in the latest snapshot",
		}),

		TransactionsPersisted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingestion",
			Name:      "transactions_persisted_total",
			Help:      "Total number of transactions written to the store",
		}),
		TransactionsDuplicate: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingestion",
			Name:      "transactions_duplicate_total",
			Help:      "Total number of transactions rejected by the store as duplicates",
		}),
		TransactionsSkipped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingestion",
			Name:      "transactions_skipped_total",
			Help:      "Total number of feed messages skipped by reason",
		}, []string{"reason"}),
		TransactionsDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingestion",
			Name:      "transactions_dropped_total",
			Help:      "Total number of live transactions dropped after a store failure",
		}),
		BackfillPasses: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingestion",
			Name:      "backfill_passes_total",
			Help:      "Total number of backfill passes by status",
		}, []string{"status"}),
		ReconcilerState: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ingestion",
			Name:      "reconciler_state",
			Help:      "Reconciler state: 0 cold start, 1 backfilling, 2 live",
		}),
		WatermarkTimestamp: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ingestion",
			Name:      "watermark_timestamp_ms",
			Help:      "created_at of the newest persisted transaction in Unix milliseconds",
		}),

		JournalLength: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "journal_length",
			Help:      "Number of retained journal entries by topic",
		}, []string{"topic"}),
		BrokerSubscribers: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "broker_subscribers",
			Help:      "Number of live broker subscriptions by topic",
		}, []string{"topic"}),
		BrokerDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "broker_dropped_total",
			Help:      "Total number of deliveries dropped because a subscriber queue was full",
		}, []string{"topic"}),
		MessagesPublished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "messages_published_total",
			Help:      "Total number of envelopes published by topic",
		}, []string{"topic"}),
		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "active",
			Help:      "Number of connected subscriber sessions",
		}),
		SessionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "total",
			Help:      "Total number of subscriber sessions accepted",
		}),
		SessionReplayLength: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "replay_entries",
			Help:      "Number of journal entries replayed per session",
			Buckets:   []float64{0, 1, 5, 10, 25, 50, 100, 250},
		}),
	}
}

// Discard returns metrics registered on a private registry.
// Components use it when no metrics are supplied.
func Discard() *Metrics {
	return NewMetrics("", prometheus.NewRegistry())
}

// Handler returns an HTTP handler for the /metrics endpoint backed by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
