// Package store is the metadata store gateway: the only component that
// talks to PostgreSQL. Collection mappings, the write-ahead log,
// transaction attempts, and metric snapshots all live behind the Store
// interface.
//
// # Architecture
//
// Every operation runs through withRetry, which combines a per-attempt
// query timeout, quadratic backoff on transient errors (serialization
// failures, deadlocks, connection drops), and Prometheus counters per
// operation. Domain misses surface as types.ErrNotFound; anything that
// exhausts its retries wraps types.ErrStoreFailure so callers can map it
// to an HTTP 500.
//
//	router/wal/ledger/mapping
//	          │
//	          ▼
//	    Store interface
//	          │
//	    withRetry (timeout, backoff, metrics)
//	          │
//	          ▼
//	   sqlx ── lib/pq ── PostgreSQL
//
// Two connection modes: pooled (SetMaxOpenConns) for steady throughput,
// or fresh-connection (no idle reuse) for deployments that prefer to pay
// per-request dial cost over risking poisoned connections after a
// PostgreSQL restart.
//
// # Concurrency handled in SQL, not in Go
//
// Concurrent collection creates converge through a single upsert:
// INSERT .. ON CONFLICT keeps the first recorded ID per instance column,
// so two racing writers cannot split one logical collection across rows.
// WAL acknowledgments take a row lock (FOR UPDATE) before extending the
// synced set, which keeps the executed → synced transition exact when
// both replay workers finish at the same moment.
//
// # Schema
//
// The goose migrations under migrations/ define four tables:
// collection_mappings (name → per-instance IDs), wal_writes (durable
// replay log), transaction_attempts (accountability records), and
// metric_points (periodic snapshots). cmd/tandem-migrate applies them
// from the embedded FS.
package store
