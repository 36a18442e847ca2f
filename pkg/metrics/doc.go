/*
Package metrics provides Prometheus instrumentation and component health
tracking for the coordination engine.

All collectors are package-level variables registered in init(), so any
package can record measurements without carrying a registry around. The
/metrics endpoint (Handler) and the /health, /ready, /live endpoints
(HealthHandler, ReadyHandler, LivenessHandler) are exposed by pkg/api.

# Architecture

	┌────────────────── METRICS SYSTEM ──────────────────┐
	│                                                      │
	│  ┌───────────────────────────────────────┐         │
	│  │    Package-level Collectors           │         │
	│  │  - RequestsTotal / RequestDuration    │         │
	│  │  - WALDepth / WALReplaysTotal         │         │
	│  │  - InstanceHealthy / HealthProbes     │         │
	│  │  - Governor* / Store* / Breaker*      │         │
	│  └──────────────────┬────────────────────┘         │
	│                     │ promhttp                      │
	│  ┌──────────────────▼────────────────────┐         │
	│  │            GET /metrics               │         │
	│  └───────────────────────────────────────┘         │
	│                                                      │
	│  ┌───────────────────────────────────────┐         │
	│  │            Collector                   │         │
	│  │  polls the store every 15s:           │         │
	│  │  - WAL depth per instance             │         │
	│  │  - mappings by status                 │         │
	│  │  - attempts by status                 │         │
	│  │  and persists snapshot rows (Sink)    │         │
	│  └───────────────────────────────────────┘         │
	└──────────────────────────────────────────────────┘

# Metric Naming

All series carry the tandem_ prefix. Label cardinality is kept low on
purpose: "instance" is always one of {primary, replica}, "class" one of
{read, write, collection_create, collection_delete, admin}, "outcome" one
of {ok, error} (plus "skipped" for replays).

# Usage

Recording a routed request:

	timer := metrics.NewTimer()
	// ... proxy the request ...
	timer.ObserveDurationVec(metrics.RequestDuration, "write")
	metrics.RequestsTotal.WithLabelValues("write", "primary", "200").Inc()

Tracking component health for /ready:

	metrics.RegisterComponent("store", true, "")
	// later, on failure:
	metrics.UpdateComponent("store", false, err.Error())

Persisted snapshots:

The Collector bridges live gauges into the metrics table so operators can
query trends with SQL even without a Prometheus deployment. Snapshot
inserts are best-effort; a failing store only pauses trend history.

# Thread Safety

Prometheus collectors are safe for concurrent use. The component health
map is guarded by an RWMutex. MetricPoint snapshots are written from a
single collector goroutine.

# See Also

  - pkg/api: mounts Handler() and the health endpoints
  - pkg/store: implements StatsProvider and Sink
*/
package metrics
