package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the deal engine.
type Metrics struct {
	// --- Engine ---
	EngineOpsApplied  *prometheus.CounterVec
	EngineOpsRejected *prometheus.CounterVec
	EngineOpDuration  *prometheus.HistogramVec
	EngineSequence    prometheus.Gauge
	DealsOpen         prometheus.Gauge
	BadDebtRecorded   *prometheus.CounterVec

	// --- Oracle ---
	OracleUpdates         *prometheus.CounterVec
	OracleUpdatesRejected *prometheus.CounterVec

	// --- Ingestion & channels ---
	IngestToApply         *prometheus.HistogramVec
	ChannelSize           *prometheus.GaugeVec
	ChannelCapacity       *prometheus.GaugeVec
	ProjectionDrops       prometheus.Counter
	PersistBackpressure   prometheus.Counter
	IdempotencyDuplicates *prometheus.CounterVec

	// --- Persistence ---
	PersistEventsWritten prometheus.Counter
	PersistBatchDur      prometheus.Histogram
	PersistErrors        *prometheus.CounterVec
	PersistRetry         prometheus.Counter
	PersistLastSequence  prometheus.Gauge

	// --- Query API ---
	QueryRequests    *prometheus.CounterVec
	QueryDuration    *prometheus.HistogramVec
	QueryErrors      *prometheus.CounterVec
	FeedSubscribers  prometheus.Gauge
	FeedMessagesSent prometheus.Counter
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	latencyBuckets := []float64{
		0.000001, 0.000005, 0.00001, 0.000025, 0.00005,
		0.0001, 0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	return &Metrics{
		EngineOpsApplied: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "dealbook_engine_ops_applied_total",
			Help: "Operations successfully applied by the engine",
		}, []string{"op"}),

		EngineOpsRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "dealbook_engine_ops_rejected_total",
			Help: "Operations rejected (dedup, validation, hook veto)",
		}, []string{"op", "reason"}),

		EngineOpDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dealbook_engine_op_duration_seconds",
			Help:    "Time to apply a single operation",
			Buckets: latencyBuckets,
		}, []string{"op"}),

		EngineSequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "dealbook_engine_sequence",
			Help: "Current engine event sequence",
		}),

		DealsOpen: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "dealbook_deals_open",
			Help: "Currently open deals",
		}),

		BadDebtRecorded: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "dealbook_bad_debt_recorded_total",
			Help: "Burns that wrote off residual debt",
		}, []string{"borrow_token"}),

		OracleUpdates: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "dealbook_oracle_updates_total",
			Help: "Accepted oracle price updates",
		}, []string{"asset"}),

		OracleUpdatesRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "dealbook_oracle_updates_rejected_total",
			Help: "Rejected oracle price updates",
		}, []string{"reason"}),

		IngestToApply: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dealbook_ingest_to_apply_seconds",
			Help:    "Latency from NATS delivery to engine apply",
			Buckets: latencyBuckets,
		}, []string{"op"}),

		ChannelSize: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dealbook_channel_size",
			Help: "Current occupancy of internal channels",
		}, []string{"channel"}),

		ChannelCapacity: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dealbook_channel_capacity",
			Help: "Capacity of internal channels",
		}, []string{"channel"}),

		ProjectionDrops: promauto.NewCounter(prometheus.CounterOpts{
			Name: "dealbook_projection_drops_total",
			Help: "Outputs dropped on the projection channel",
		}),

		PersistBackpressure: promauto.NewCounter(prometheus.CounterOpts{
			Name: "dealbook_persist_backpressure_total",
			Help: "Blocking sends to the persistence channel",
		}),

		IdempotencyDuplicates: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "dealbook_idempotency_duplicates_total",
			Help: "Duplicate commands skipped",
		}, []string{"op"}),

		PersistEventsWritten: promauto.NewCounter(prometheus.CounterOpts{
			Name: "dealbook_persist_events_written_total",
			Help: "Event rows written to the log",
		}),

		PersistBatchDur: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "dealbook_persist_batch_duration_seconds",
			Help:    "Time to write one persistence batch",
			Buckets: []float64{0.0005, 0.001, 0.002, 0.005, 0.01, 0.025, 0.05, 0.1},
		}),

		PersistErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "dealbook_persist_errors_total",
			Help: "Persistence failures by class",
		}, []string{"class"}),

		PersistRetry: promauto.NewCounter(prometheus.CounterOpts{
			Name: "dealbook_persist_retries_total",
			Help: "Persistence batch retries",
		}),

		PersistLastSequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "dealbook_persist_last_sequence",
			Help: "Highest sequence durably written",
		}),

		QueryRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "dealbook_query_requests_total",
			Help: "Query API requests",
		}, []string{"endpoint"}),

		QueryDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dealbook_query_duration_seconds",
			Help:    "Query API latency",
			Buckets: []float64{0.0001, 0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01, 0.05},
		}, []string{"endpoint"}),

		QueryErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "dealbook_query_errors_total",
			Help: "Query API errors",
		}, []string{"endpoint", "class"}),

		FeedSubscribers: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "dealbook_feed_subscribers",
			Help: "Connected websocket feed clients",
		}),

		FeedMessagesSent: promauto.NewCounter(prometheus.CounterOpts{
			Name: "dealbook_feed_messages_sent_total",
			Help: "Messages pushed to feed clients",
		}),
	}
}
