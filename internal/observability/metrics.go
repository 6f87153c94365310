package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the vault.
type Metrics struct {
	// --- Engine ---
	Operations           *prometheus.CounterVec
	OperationDuration    *prometheus.HistogramVec
	LockIns              *prometheus.CounterVec
	ReentrancyRejections *prometheus.CounterVec
	EventsAppended       *prometheus.CounterVec
	Entities             *prometheus.GaugeVec
	TimersArmed          prometheus.Gauge

	// --- Transfer collaborator ---
	TransferCalls    *prometheus.CounterVec
	TransferDuration *prometheus.HistogramVec

	// --- Channel & backpressure ---
	ChannelSize     *prometheus.GaugeVec
	ChannelCapacity *prometheus.GaugeVec
	PublishDrops    prometheus.Counter

	// --- Persistence ---
	PersistEventsWritten prometheus.Counter
	PersistBatchSize     prometheus.Histogram
	PersistBatchDur      prometheus.Histogram
	PersistErrors        *prometheus.CounterVec
	PersistRetry         prometheus.Counter

	// --- Snapshot ---
	SnapshotTaken     prometheus.Counter
	SnapshotDuration  prometheus.Histogram
	SnapshotSizeBytes prometheus.Gauge

	// --- API ---
	RequestDuration *prometheus.HistogramVec
	RequestErrors   *prometheus.CounterVec
}

// NewMetrics creates all metrics and registers them with reg.
// Pass prometheus.DefaultRegisterer in the service and a fresh
// prometheus.NewRegistry() in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	callBuckets := []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

	return &Metrics{
		// Engine
		Operations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_operations_total",
			Help: "Engine operations by result",
		}, []string{"op", "result"}),

		OperationDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vault_operation_duration_seconds",
			Help:    "Engine operation latency including collaborator calls",
			Buckets: callBuckets,
		}, []string{"op"}),

		LockIns: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_budget_lock_ins_total",
			Help: "Budget period lock-ins by outcome",
		}, []string{"outcome"}),

		ReentrancyRejections: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_reentrancy_rejections_total",
			Help: "Operations rejected because the entity was busy",
		}, []string{"op"}),

		EventsAppended: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_events_appended_total",
			Help: "History records appended",
		}, []string{"entity_kind", "kind"}),

		Entities: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vault_entities",
			Help: "Entities by kind and status",
		}, []string{"entity_kind", "status"}),

		TimersArmed: f.NewGauge(prometheus.GaugeOpts{
			Name: "vault_lock_timers_armed",
			Help: "Budget lock timers currently armed",
		}),

		// Transfer collaborator
		TransferCalls: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_transfer_calls_total",
			Help: "Transfer collaborator calls",
		}, []string{"kind", "result"}),

		TransferDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vault_transfer_duration_seconds",
			Help:    "Transfer collaborator call latency",
			Buckets: callBuckets,
		}, []string{"kind"}),

		// Channels
		ChannelSize: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vault_channel_size",
			Help: "Current channel buffer usage",
		}, []string{"channel"}),

		ChannelCapacity: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vault_channel_capacity",
			Help: "Channel buffer capacity",
		}, []string{"channel"}),

		PublishDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "vault_publish_drops_total",
			Help: "Outbound events dropped because the publish channel was full",
		}),

		// Persistence
		PersistEventsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "vault_persist_events_written_total",
			Help: "History records written to Postgres",
		}),

		PersistBatchSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "vault_persist_batch_size",
			Help:    "Records per persistence batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),

		PersistBatchDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "vault_persist_batch_duration_seconds",
			Help:    "Time to write one batch",
			Buckets: callBuckets,
		}),

		PersistErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"stage"}),

		PersistRetry: f.NewCounter(prometheus.CounterOpts{
			Name: "vault_persist_retries_total",
			Help: "Persistence batch retries",
		}),

		// Snapshot
		SnapshotTaken: f.NewCounter(prometheus.CounterOpts{
			Name: "vault_snapshots_taken_total",
			Help: "Engine snapshots written",
		}),

		SnapshotDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "vault_snapshot_duration_seconds",
			Help:    "Time to capture and store a snapshot",
			Buckets: callBuckets,
		}),

		SnapshotSizeBytes: f.NewGauge(prometheus.GaugeOpts{
			Name: "vault_snapshot_size_bytes",
			Help: "Size of the last snapshot",
		}),

		// API
		RequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vault_api_request_duration_seconds",
			Help:    "gRPC request latency",
			Buckets: callBuckets,
		}, []string{"method"}),

		RequestErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_api_request_errors_total",
			Help: "gRPC request errors",
		}, []string{"method", "code"}),
	}
}

// SetChannelMetrics updates channel utilization metrics.
func (m *Metrics) SetChannelMetrics(name string, size, capacity int) {
	m.ChannelSize.WithLabelValues(name).Set(float64(size))
	m.ChannelCapacity.WithLabelValues(name).Set(float64(capacity))
}
