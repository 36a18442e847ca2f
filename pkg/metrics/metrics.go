package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Routing metrics
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tandem_requests_total",
			Help: "Total number of proxied requests by class, instance and status",
		},
		[]string{"class", "instance", "status"},
	)

	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tandem_request_duration_seconds",
			Help:    "Proxied request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"class"},
	)

	FailoversTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tandem_failovers_total",
			Help: "Total number of requests redirected away from the preferred instance",
		},
		[]string{"class", "to"},
	)

	// Health metrics
	InstanceHealthy = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tandem_instance_healthy",
			Help: "Cached health of an instance (1 = healthy, 0 = unhealthy)",
		},
		[]string{"instance"},
	)

	HealthProbesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tandem_health_probes_total",
			Help: "Total health probes by instance, mode and outcome",
		},
		[]string{"instance", "mode", "outcome"},
	)

	// WAL metrics
	WALDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tandem_wal_pending_entries",
			Help: "WAL entries awaiting replay per target instance",
		},
		[]string{"instance"},
	)

	WALAppendsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tandem_wal_appends_total",
			Help: "Total WAL entries appended by target",
		},
		[]string{"target"},
	)

	WALReplaysTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tandem_wal_replays_total",
			Help: "Total WAL replay attempts by instance and outcome",
		},
		[]string{"instance", "outcome"},
	)

	WALBatchSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tandem_wal_batch_size",
			Help: "Current memory-adaptive replay batch size",
		},
	)

	// Mapping metrics
	MappingsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tandem_collection_mappings_total",
			Help: "Collection mappings by status",
		},
		[]string{"status"},
	)

	MappingFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tandem_mapping_failures_total",
			Help: "Mapping upserts that exhausted their retries",
		},
	)

	// Transaction-safety metrics
	AttemptsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tandem_transaction_attempts_total",
			Help: "Transaction attempts by status",
		},
		[]string{"status"},
	)

	RecoveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tandem_recoveries_total",
			Help: "Background recovery operations by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	// Governor metrics
	GovernorInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tandem_governor_in_flight",
			Help: "Requests currently holding a concurrency slot",
		},
	)

	GovernorWaiting = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tandem_governor_waiting",
			Help: "Requests queued for a concurrency slot",
		},
	)

	GovernorRejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tandem_governor_rejected_total",
			Help: "Requests rejected by the governor by reason",
		},
		[]string{"reason"},
	)

	// Store metrics
	StoreQueriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tandem_store_queries_total",
			Help: "Metadata store queries by operation and outcome",
		},
		[]string{"operation", "outcome"},
	)

	StoreQueryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tandem_store_query_duration_seconds",
			Help:    "Metadata store query duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	StoreRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tandem_store_retries_total",
			Help: "Metadata store queries retried after a transient failure",
		},
	)

	// Upstream metrics
	BreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tandem_breaker_state",
			Help: "Circuit breaker state per instance (0 = closed, 1 = half-open, 2 = open)",
		},
		[]string{"instance"},
	)

	// Memory metrics
	ProcessRSSBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tandem_process_rss_bytes",
			Help: "Resident set size of this process",
		},
	)
)

func init() {
	prometheus.MustRegister(RequestsTotal)
	prometheus.MustRegister(RequestDuration)
	prometheus.MustRegister(FailoversTotal)
	prometheus.MustRegister(InstanceHealthy)
	prometheus.MustRegister(HealthProbesTotal)
	prometheus.MustRegister(WALDepth)
	prometheus.MustRegister(WALAppendsTotal)
	prometheus.MustRegister(WALReplaysTotal)
	prometheus.MustRegister(WALBatchSize)
	prometheus.MustRegister(MappingsTotal)
	prometheus.MustRegister(MappingFailuresTotal)
	prometheus.MustRegister(AttemptsTotal)
	prometheus.MustRegister(RecoveriesTotal)
	prometheus.MustRegister(GovernorInFlight)
	prometheus.MustRegister(GovernorWaiting)
	prometheus.MustRegister(GovernorRejectedTotal)
	prometheus.MustRegister(StoreQueriesTotal)
	prometheus.MustRegister(StoreQueryDuration)
	prometheus.MustRegister(StoreRetriesTotal)
	prometheus.MustRegister(BreakerState)
	prometheus.MustRegister(ProcessRSSBytes)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
