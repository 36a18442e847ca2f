package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/rs/zerolog"

	"github.com/tandem-io/tandem/pkg/log"
	"github.com/tandem-io/tandem/pkg/metrics"
	"github.com/tandem-io/tandem/pkg/types"
)

// Options tunes the gateway's connection and retry behavior
type Options struct {
	// PoolEnabled keeps idle connections around for reuse. Disabled, every
	// operation dials a fresh connection: slower but immune to poisoned
	// connections after an upstream restart.
	PoolEnabled  bool
	PoolSize     int
	QueryTimeout time.Duration
	MaxRetries   int
}

// SQLStore implements Store over PostgreSQL via sqlx
type SQLStore struct {
	db           *sqlx.DB
	logger       zerolog.Logger
	queryTimeout time.Duration
	maxRetries   int
}

// Open connects to the metadata store and verifies the connection
func Open(dsn string, opts Options) (*SQLStore, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open metadata store: %w", err)
	}

	if opts.PoolEnabled {
		size := opts.PoolSize
		if size <= 0 {
			size = 10
		}
		db.SetMaxOpenConns(size)
		db.SetMaxIdleConns(size)
		db.SetConnMaxLifetime(30 * time.Minute)
	} else {
		// Fresh-connection mode
		db.SetMaxIdleConns(0)
	}

	s := New(db, opts)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.Ping(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping metadata store: %w", err)
	}

	return s, nil
}

// New wraps an existing sqlx handle. Tests use this with sqlmock.
func New(db *sqlx.DB, opts Options) *SQLStore {
	timeout := opts.QueryTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	retries := opts.MaxRetries
	if retries <= 0 {
		retries = 3
	}
	return &SQLStore{
		db:           db,
		logger:       log.WithComponent("store"),
		queryTimeout: timeout,
		maxRetries:   retries,
	}
}

// withRetry runs fn with a per-attempt timeout, retrying transient
// failures with quadratic backoff. Domain errors (not-found, conflict)
// pass through untouched; everything else wraps ErrStoreFailure.
func (s *SQLStore) withRetry(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.StoreQueryDuration, op)

	var err error
	for attempt := 0; attempt < s.maxRetries; attempt++ {
		if attempt > 0 {
			metrics.StoreRetriesTotal.Inc()
			backoff := time.Duration(attempt*attempt) * 100 * time.Millisecond
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}

		qctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
		err = fn(qctx)
		cancel()

		if err == nil {
			metrics.StoreQueriesTotal.WithLabelValues(op, "ok").Inc()
			return nil
		}
		if errors.Is(err, types.ErrNotFound) || errors.Is(err, types.ErrConflict) {
			metrics.StoreQueriesTotal.WithLabelValues(op, string(types.Kind(err))).Inc()
			return err
		}
		if !isRetryableError(err) {
			break
		}
		s.logger.Warn().Err(err).Str("operation", op).Int("attempt", attempt+1).Msg("retrying store operation")
	}

	metrics.StoreQueriesTotal.WithLabelValues(op, "error").Inc()
	return fmt.Errorf("%s: %w: %v", op, types.ErrStoreFailure, err)
}

// --- Collection mappings ---

const mappingColumns = "name, primary_id, replica_id, status, created_at, updated_at"

// UpsertMapping records the collection ID one instance assigned to name.
// First writer wins per column: an already-recorded ID is never replaced,
// which is what makes concurrent creates of the same name converge on one
// consistent row.
func (s *SQLStore) UpsertMapping(ctx context.Context, name string, role types.InstanceRole, id string) (*types.CollectionMapping, error) {
	if !role.Valid() {
		return nil, fmt.Errorf("invalid instance role %q", role)
	}

	var primaryID, replicaID sql.NullString
	if role == types.RolePrimary {
		primaryID = nullString(id)
	} else {
		replicaID = nullString(id)
	}

	query := `
		INSERT INTO collection_mappings (name, primary_id, replica_id, status, created_at, updated_at)
		VALUES ($1, $2, $3, 'partial', now(), now())
		ON CONFLICT (name) DO UPDATE SET
			primary_id = COALESCE(collection_mappings.primary_id, EXCLUDED.primary_id),
			replica_id = COALESCE(collection_mappings.replica_id, EXCLUDED.replica_id),
			status = CASE WHEN COALESCE(collection_mappings.primary_id, EXCLUDED.primary_id) IS NOT NULL
						AND COALESCE(collection_mappings.replica_id, EXCLUDED.replica_id) IS NOT NULL
					THEN 'complete' ELSE 'partial' END,
			updated_at = now()
		RETURNING ` + mappingColumns

	var row mappingRow
	err := s.withRetry(ctx, "upsert_mapping", func(ctx context.Context) error {
		return s.db.GetContext(ctx, &row, query, name, primaryID, replicaID)
	})
	if err != nil {
		return nil, err
	}
	return row.toDomain(), nil
}

// RepairMapping force-writes the provided IDs, overwriting existing ones.
// Admin surface only.
func (s *SQLStore) RepairMapping(ctx context.Context, m *types.CollectionMapping) (*types.CollectionMapping, error) {
	query := `
		INSERT INTO collection_mappings (name, primary_id, replica_id, status, created_at, updated_at)
		VALUES ($1, $2, $3, 'partial', now(), now())
		ON CONFLICT (name) DO UPDATE SET
			primary_id = COALESCE(EXCLUDED.primary_id, collection_mappings.primary_id),
			replica_id = COALESCE(EXCLUDED.replica_id, collection_mappings.replica_id),
			status = CASE WHEN COALESCE(EXCLUDED.primary_id, collection_mappings.primary_id) IS NOT NULL
						AND COALESCE(EXCLUDED.replica_id, collection_mappings.replica_id) IS NOT NULL
					THEN 'complete' ELSE 'partial' END,
			updated_at = now()
		RETURNING ` + mappingColumns

	var row mappingRow
	err := s.withRetry(ctx, "repair_mapping", func(ctx context.Context) error {
		return s.db.GetContext(ctx, &row, query, m.Name, nullString(m.PrimaryID), nullString(m.ReplicaID))
	})
	if err != nil {
		return nil, err
	}
	return row.toDomain(), nil
}

// GetMapping fetches a mapping by collection name
func (s *SQLStore) GetMapping(ctx context.Context, name string) (*types.CollectionMapping, error) {
	query := `SELECT ` + mappingColumns + ` FROM collection_mappings WHERE name = $1`

	var row mappingRow
	err := s.withRetry(ctx, "get_mapping", func(ctx context.Context) error {
		if err := s.db.GetContext(ctx, &row, query, name); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("mapping %q: %w", name, types.ErrNotFound)
			}
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return row.toDomain(), nil
}

// GetMappingByRef fetches a mapping by name or by either instance's ID
func (s *SQLStore) GetMappingByRef(ctx context.Context, ref string) (*types.CollectionMapping, error) {
	query := `SELECT ` + mappingColumns + ` FROM collection_mappings
		WHERE name = $1 OR primary_id = $1 OR replica_id = $1
		LIMIT 1`

	var row mappingRow
	err := s.withRetry(ctx, "get_mapping_by_ref", func(ctx context.Context) error {
		if err := s.db.GetContext(ctx, &row, query, ref); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("mapping ref %q: %w", ref, types.ErrNotFound)
			}
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return row.toDomain(), nil
}

// ListMappings returns all mappings ordered by name
func (s *SQLStore) ListMappings(ctx context.Context) ([]*types.CollectionMapping, error) {
	query := `SELECT ` + mappingColumns + ` FROM collection_mappings ORDER BY name`

	var rows []mappingRow
	err := s.withRetry(ctx, "list_mappings", func(ctx context.Context) error {
		return s.db.SelectContext(ctx, &rows, query)
	})
	if err != nil {
		return nil, err
	}

	out := make([]*types.CollectionMapping, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toDomain())
	}
	return out, nil
}

// DeleteMapping removes a mapping row. Deleting an absent row is a no-op.
func (s *SQLStore) DeleteMapping(ctx context.Context, name string) error {
	return s.withRetry(ctx, "delete_mapping", func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM collection_mappings WHERE name = $1`, name)
		return err
	})
}

// MappingsMissingOn lists mappings that have no ID recorded for the given
// instance, the recovery sync worklist after that instance comes back.
func (s *SQLStore) MappingsMissingOn(ctx context.Context, role types.InstanceRole) ([]*types.CollectionMapping, error) {
	column := "primary_id"
	if role == types.RoleReplica {
		column = "replica_id"
	}
	query := `SELECT ` + mappingColumns + ` FROM collection_mappings WHERE ` + column + ` IS NULL ORDER BY name`

	var rows []mappingRow
	err := s.withRetry(ctx, "mappings_missing_on", func(ctx context.Context) error {
		return s.db.SelectContext(ctx, &rows, query)
	})
	if err != nil {
		return nil, err
	}

	out := make([]*types.CollectionMapping, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toDomain())
	}
	return out, nil
}

// --- Write-ahead log ---

const walColumns = "write_id, timestamp, method, path, data, headers, executed_on, target_instance, status, synced_instances, retry_count, last_error, priority, updated_at"

// AppendWAL durably logs a write. Idempotent on write_id.
func (s *SQLStore) AppendWAL(ctx context.Context, e *types.WALEntry) error {
	headers, err := marshalHeaders(e.Headers)
	if err != nil {
		return fmt.Errorf("failed to marshal headers: %w", err)
	}
	synced, err := marshalSynced(e.SyncedInstances)
	if err != nil {
		return fmt.Errorf("failed to marshal synced instances: %w", err)
	}

	query := `
		INSERT INTO wal_writes (` + walColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, now())
		ON CONFLICT (write_id) DO NOTHING`

	return s.withRetry(ctx, "append_wal", func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, query,
			e.WriteID, e.Timestamp, e.Method, e.Path, e.Data, headers,
			nullString(e.ExecutedOn), e.TargetInstance, string(e.Status), synced,
			e.RetryCount, nullString(e.LastError), e.Priority,
		)
		return err
	})
}

// NextSyncBatch returns the next replay batch for one instance: entries
// still targeting it, chronological ascending, priority breaking exact
// timestamp ties, failed rows held back by exponential backoff.
func (s *SQLStore) NextSyncBatch(ctx context.Context, role types.InstanceRole, limit int, minWait time.Duration, maxRetries int) ([]*types.WALEntry, error) {
	query := `
		SELECT ` + walColumns + ` FROM wal_writes
		WHERE status IN ('executed', 'failed')
		  AND target_instance IN ($1, 'both')
		  AND NOT (synced_instances @> to_jsonb($1::text))
		  AND (status = 'executed' OR updated_at < now() - make_interval(secs => $2 * power(2, retry_count)))
		  AND retry_count < $3
		ORDER BY timestamp ASC, priority DESC
		LIMIT $4`

	var rows []walRow
	err := s.withRetry(ctx, "next_sync_batch", func(ctx context.Context) error {
		return s.db.SelectContext(ctx, &rows, query, string(role), minWait.Seconds(), maxRetries, limit)
	})
	if err != nil {
		return nil, err
	}

	out := make([]*types.WALEntry, 0, len(rows))
	for i := range rows {
		entry, err := rows[i].toDomain()
		if err != nil {
			return nil, fmt.Errorf("failed to decode WAL row %s: %w", rows[i].WriteID, err)
		}
		out = append(out, entry)
	}
	return out, nil
}

// MarkWALSynced records one instance's acknowledgment. The row reaches
// status=synced only once every targeted instance is in the set; for
// target_instance=both that means both acknowledgments, in any order.
func (s *SQLStore) MarkWALSynced(ctx context.Context, writeID string, role types.InstanceRole) (types.WALStatus, error) {
	var status types.WALStatus

	err := s.withRetry(ctx, "mark_wal_synced", func(ctx context.Context) error {
		tx, err := s.db.BeginTxx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		var row walRow
		err = tx.GetContext(ctx, &row,
			`SELECT `+walColumns+` FROM wal_writes WHERE write_id = $1 FOR UPDATE`, writeID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("wal entry %q: %w", writeID, types.ErrNotFound)
			}
			return err
		}

		entry, err := row.toDomain()
		if err != nil {
			return err
		}

		if !entry.SyncedOn(role) {
			entry.SyncedInstances = append(entry.SyncedInstances, string(role))
		}

		complete := false
		switch entry.TargetInstance {
		case types.TargetBoth:
			complete = entry.SyncedOn(types.RolePrimary) && entry.SyncedOn(types.RoleReplica)
		default:
			complete = entry.SyncedOn(types.InstanceRole(entry.TargetInstance))
		}

		status = types.WALStatusExecuted
		if complete {
			status = types.WALStatusSynced
		}

		synced, err := marshalSynced(entry.SyncedInstances)
		if err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx,
			`UPDATE wal_writes SET synced_instances = $1, status = $2, last_error = NULL, updated_at = now() WHERE write_id = $3`,
			synced, string(status), writeID)
		if err != nil {
			return err
		}

		return tx.Commit()
	})
	if err != nil {
		return "", err
	}
	return status, nil
}

// MarkWALFailed records a failed replay attempt and arms the backoff
func (s *SQLStore) MarkWALFailed(ctx context.Context, writeID string, lastError string) error {
	query := `
		UPDATE wal_writes
		SET status = 'failed', retry_count = retry_count + 1, last_error = $2, updated_at = now()
		WHERE write_id = $1`

	return s.withRetry(ctx, "mark_wal_failed", func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, query, writeID, lastError)
		return err
	})
}

// PruneSyncedWAL deletes fully synced entries older than the cutoff
func (s *SQLStore) PruneSyncedWAL(ctx context.Context, olderThan time.Time) (int64, error) {
	var pruned int64
	err := s.withRetry(ctx, "prune_synced_wal", func(ctx context.Context) error {
		res, err := s.db.ExecContext(ctx,
			`DELETE FROM wal_writes WHERE status = 'synced' AND updated_at < $1`, olderThan)
		if err != nil {
			return err
		}
		pruned, err = res.RowsAffected()
		return err
	})
	return pruned, err
}

// --- Transaction attempts ---

const attemptColumns = "transaction_id, method, path, data, headers, status, created_at, completed_at, retry_count, client_session, failure_reason"

// OpenAttempt persists the pre-dispatch accountability record
func (s *SQLStore) OpenAttempt(ctx context.Context, a *types.TransactionAttempt) error {
	headers, err := marshalHeaders(a.Headers)
	if err != nil {
		return fmt.Errorf("failed to marshal headers: %w", err)
	}

	query := `
		INSERT INTO transaction_attempts (transaction_id, method, path, data, headers, status, created_at, retry_count, client_session)
		VALUES ($1, $2, $3, $4, $5, $6, now(), 0, $7)`

	return s.withRetry(ctx, "open_attempt", func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, query,
			a.TransactionID, a.Method, a.Path, a.Data, headers,
			string(types.AttemptAttempting), nullString(a.ClientSession))
		return err
	})
}

// FinishAttempt moves an attempt to a new status. Terminal statuses set
// completed_at so retention can prune them later.
func (s *SQLStore) FinishAttempt(ctx context.Context, transactionID string, status types.AttemptStatus, reason string) error {
	query := `
		UPDATE transaction_attempts
		SET status = $2,
			failure_reason = COALESCE(NULLIF($3, ''), failure_reason),
			completed_at = CASE WHEN $4 THEN now() ELSE completed_at END
		WHERE transaction_id = $1`

	return s.withRetry(ctx, "finish_attempt", func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, query, transactionID, string(status), reason, status.Terminal())
		return err
	})
}

// BumpAttemptRetry counts one recovery pass over the attempt
func (s *SQLStore) BumpAttemptRetry(ctx context.Context, transactionID string) error {
	return s.withRetry(ctx, "bump_attempt_retry", func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx,
			`UPDATE transaction_attempts SET retry_count = retry_count + 1 WHERE transaction_id = $1`,
			transactionID)
		return err
	})
}

// StuckAttempts lists ATTEMPTING rows older than the cutoff
func (s *SQLStore) StuckAttempts(ctx context.Context, olderThan time.Time) ([]*types.TransactionAttempt, error) {
	query := `SELECT ` + attemptColumns + ` FROM transaction_attempts
		WHERE status = 'ATTEMPTING' AND created_at < $1
		ORDER BY created_at ASC`

	return s.selectAttempts(ctx, "stuck_attempts", query, olderThan)
}

// PendingRecoveryAttempts lists attempts parked for background recovery
func (s *SQLStore) PendingRecoveryAttempts(ctx context.Context, limit int) ([]*types.TransactionAttempt, error) {
	query := `SELECT ` + attemptColumns + ` FROM transaction_attempts
		WHERE status = 'PENDING_RECOVERY'
		ORDER BY created_at ASC
		LIMIT $1`

	return s.selectAttempts(ctx, "pending_recovery_attempts", query, limit)
}

func (s *SQLStore) selectAttempts(ctx context.Context, op, query string, args ...interface{}) ([]*types.TransactionAttempt, error) {
	var rows []attemptRow
	err := s.withRetry(ctx, op, func(ctx context.Context) error {
		return s.db.SelectContext(ctx, &rows, query, args...)
	})
	if err != nil {
		return nil, err
	}

	out := make([]*types.TransactionAttempt, 0, len(rows))
	for i := range rows {
		a, err := rows[i].toDomain()
		if err != nil {
			return nil, fmt.Errorf("failed to decode attempt row %s: %w", rows[i].TransactionID, err)
		}
		out = append(out, a)
	}
	return out, nil
}

// PruneAttempts deletes terminal attempts whose completion predates the cutoff
func (s *SQLStore) PruneAttempts(ctx context.Context, olderThan time.Time) (int64, error) {
	var pruned int64
	err := s.withRetry(ctx, "prune_attempts", func(ctx context.Context) error {
		res, err := s.db.ExecContext(ctx, `
			DELETE FROM transaction_attempts
			WHERE status IN ('COMPLETED', 'RECOVERED', 'ABANDONED', 'FAILED')
			  AND completed_at IS NOT NULL AND completed_at < $1`, olderThan)
		if err != nil {
			return err
		}
		pruned, err = res.RowsAffected()
		return err
	})
	return pruned, err
}

// --- Metric snapshots ---

// InsertMetricPoint stores one measurement row
func (s *SQLStore) InsertMetricPoint(ctx context.Context, p types.MetricPoint) error {
	labels := json.RawMessage("{}")
	if p.Labels != nil {
		b, err := json.Marshal(p.Labels)
		if err != nil {
			return fmt.Errorf("failed to marshal labels: %w", err)
		}
		labels = b
	}
	recordedAt := p.RecordedAt
	if recordedAt.IsZero() {
		recordedAt = time.Now().UTC()
	}

	return s.withRetry(ctx, "insert_metric_point", func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO metric_points (name, value, labels, recorded_at) VALUES ($1, $2, $3, $4)`,
			p.Name, p.Value, labels, recordedAt)
		return err
	})
}

// PruneMetricPoints deletes measurements older than the cutoff
func (s *SQLStore) PruneMetricPoints(ctx context.Context, olderThan time.Time) (int64, error) {
	var pruned int64
	err := s.withRetry(ctx, "prune_metric_points", func(ctx context.Context) error {
		res, err := s.db.ExecContext(ctx, `DELETE FROM metric_points WHERE recorded_at < $1`, olderThan)
		if err != nil {
			return err
		}
		pruned, err = res.RowsAffected()
		return err
	})
	return pruned, err
}

// --- Gauges ---

// CountPendingWAL returns per-instance pending replay depth
func (s *SQLStore) CountPendingWAL(ctx context.Context) (map[string]int, error) {
	query := `
		SELECT count(*) FROM wal_writes
		WHERE status IN ('executed', 'failed')
		  AND target_instance IN ($1, 'both')
		  AND NOT (synced_instances @> to_jsonb($1::text))`

	out := make(map[string]int, 2)
	for _, role := range types.Roles() {
		var n int
		err := s.withRetry(ctx, "count_pending_wal", func(ctx context.Context) error {
			return s.db.GetContext(ctx, &n, query, string(role))
		})
		if err != nil {
			return nil, err
		}
		out[string(role)] = n
	}
	return out, nil
}

// CountMappings returns mapping counts grouped by status
func (s *SQLStore) CountMappings(ctx context.Context) (map[string]int, error) {
	return s.countGrouped(ctx, "count_mappings",
		`SELECT status, count(*) AS n FROM collection_mappings GROUP BY status`)
}

// CountAttempts returns attempt counts grouped by status
func (s *SQLStore) CountAttempts(ctx context.Context) (map[string]int, error) {
	return s.countGrouped(ctx, "count_attempts",
		`SELECT status, count(*) AS n FROM transaction_attempts GROUP BY status`)
}

func (s *SQLStore) countGrouped(ctx context.Context, op, query string) (map[string]int, error) {
	var rows []struct {
		Status string `db:"status"`
		N      int    `db:"n"`
	}
	err := s.withRetry(ctx, op, func(ctx context.Context) error {
		return s.db.SelectContext(ctx, &rows, query)
	})
	if err != nil {
		return nil, err
	}

	out := make(map[string]int, len(rows))
	for _, r := range rows {
		out[r.Status] = r.N
	}
	return out, nil
}

// Ping verifies store connectivity
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// PoolStats exposes the connection pool counters for the status surface
func (s *SQLStore) PoolStats() sql.DBStats {
	return s.db.Stats()
}

// Close releases the connection pool
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// isRetryableError reports whether an error is worth retrying: transient
// PostgreSQL states and network hiccups, never constraint violations.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}

	var pgErr *pq.Error
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001": // serialization_failure
			return true
		case "40P01": // deadlock_detected
			return true
		case "53300": // too_many_connections
			return true
		case "57P03": // cannot_connect_now
			return true
		case "58000": // system_error
			return true
		case "58030": // io_error
			return true
		}
		return false
	}

	msg := err.Error()
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "EOF")
}
