package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/tandem-io/tandem/pkg/types"
)

// Store is the metadata store gateway: the single component that touches
// the relational store. Everything durable (mappings, WAL entries,
// transaction attempts, metric snapshots) flows through it.
type Store interface {
	// Collection mappings
	UpsertMapping(ctx context.Context, name string, role types.InstanceRole, id string) (*types.CollectionMapping, error)
	RepairMapping(ctx context.Context, m *types.CollectionMapping) (*types.CollectionMapping, error)
	GetMapping(ctx context.Context, name string) (*types.CollectionMapping, error)
	GetMappingByRef(ctx context.Context, ref string) (*types.CollectionMapping, error)
	ListMappings(ctx context.Context) ([]*types.CollectionMapping, error)
	DeleteMapping(ctx context.Context, name string) error
	MappingsMissingOn(ctx context.Context, role types.InstanceRole) ([]*types.CollectionMapping, error)

	// Write-ahead log
	AppendWAL(ctx context.Context, e *types.WALEntry) error
	NextSyncBatch(ctx context.Context, role types.InstanceRole, limit int, minWait time.Duration, maxRetries int) ([]*types.WALEntry, error)
	MarkWALSynced(ctx context.Context, writeID string, role types.InstanceRole) (types.WALStatus, error)
	MarkWALFailed(ctx context.Context, writeID string, lastError string) error
	PruneSyncedWAL(ctx context.Context, olderThan time.Time) (int64, error)

	// Transaction attempts
	OpenAttempt(ctx context.Context, a *types.TransactionAttempt) error
	FinishAttempt(ctx context.Context, transactionID string, status types.AttemptStatus, reason string) error
	BumpAttemptRetry(ctx context.Context, transactionID string) error
	StuckAttempts(ctx context.Context, olderThan time.Time) ([]*types.TransactionAttempt, error)
	PendingRecoveryAttempts(ctx context.Context, limit int) ([]*types.TransactionAttempt, error)
	PruneAttempts(ctx context.Context, olderThan time.Time) (int64, error)

	// Metric snapshots (best-effort rows)
	InsertMetricPoint(ctx context.Context, p types.MetricPoint) error
	PruneMetricPoints(ctx context.Context, olderThan time.Time) (int64, error)

	// Gauges for the metrics collector and the status surface
	CountPendingWAL(ctx context.Context) (map[string]int, error)
	CountMappings(ctx context.Context) (map[string]int, error)
	CountAttempts(ctx context.Context) (map[string]int, error)

	Ping(ctx context.Context) error
	PoolStats() sql.DBStats
	Close() error
}

// mappingRow is the collection_mappings table shape
type mappingRow struct {
	Name      string         `db:"name"`
	PrimaryID sql.NullString `db:"primary_id"`
	ReplicaID sql.NullString `db:"replica_id"`
	Status    string         `db:"status"`
	CreatedAt time.Time      `db:"created_at"`
	UpdatedAt time.Time      `db:"updated_at"`
}

func (r *mappingRow) toDomain() *types.CollectionMapping {
	return &types.CollectionMapping{
		Name:      r.Name,
		PrimaryID: r.PrimaryID.String,
		ReplicaID: r.ReplicaID.String,
		Status:    types.MappingStatus(r.Status),
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
}

// walRow is the wal_writes table shape. Headers and synced_instances are
// jsonb columns carried as raw JSON across the driver boundary.
type walRow struct {
	WriteID         string          `db:"write_id"`
	Timestamp       time.Time       `db:"timestamp"`
	Method          string          `db:"method"`
	Path            string          `db:"path"`
	Data            []byte          `db:"data"`
	Headers         json.RawMessage `db:"headers"`
	ExecutedOn      sql.NullString  `db:"executed_on"`
	TargetInstance  string          `db:"target_instance"`
	Status          string          `db:"status"`
	SyncedInstances json.RawMessage `db:"synced_instances"`
	RetryCount      int             `db:"retry_count"`
	LastError       sql.NullString  `db:"last_error"`
	Priority        int             `db:"priority"`
	UpdatedAt       time.Time       `db:"updated_at"`
}

func (r *walRow) toDomain() (*types.WALEntry, error) {
	e := &types.WALEntry{
		WriteID:        r.WriteID,
		Timestamp:      r.Timestamp,
		Method:         r.Method,
		Path:           r.Path,
		Data:           r.Data,
		ExecutedOn:     r.ExecutedOn.String,
		TargetInstance: r.TargetInstance,
		Status:         types.WALStatus(r.Status),
		RetryCount:     r.RetryCount,
		LastError:      r.LastError.String,
		Priority:       r.Priority,
		UpdatedAt:      r.UpdatedAt,
	}
	if len(r.Headers) > 0 {
		if err := json.Unmarshal(r.Headers, &e.Headers); err != nil {
			return nil, err
		}
	}
	if len(r.SyncedInstances) > 0 {
		if err := json.Unmarshal(r.SyncedInstances, &e.SyncedInstances); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// attemptRow is the transaction_attempts table shape
type attemptRow struct {
	TransactionID string          `db:"transaction_id"`
	Method        string          `db:"method"`
	Path          string          `db:"path"`
	Data          []byte          `db:"data"`
	Headers       json.RawMessage `db:"headers"`
	Status        string          `db:"status"`
	CreatedAt     time.Time       `db:"created_at"`
	CompletedAt   sql.NullTime    `db:"completed_at"`
	RetryCount    int             `db:"retry_count"`
	ClientSession sql.NullString  `db:"client_session"`
	FailureReason sql.NullString  `db:"failure_reason"`
}

func (r *attemptRow) toDomain() (*types.TransactionAttempt, error) {
	a := &types.TransactionAttempt{
		TransactionID: r.TransactionID,
		Method:        r.Method,
		Path:          r.Path,
		Data:          r.Data,
		Status:        types.AttemptStatus(r.Status),
		CreatedAt:     r.CreatedAt,
		RetryCount:    r.RetryCount,
		ClientSession: r.ClientSession.String,
		FailureReason: r.FailureReason.String,
	}
	if r.CompletedAt.Valid {
		t := r.CompletedAt.Time
		a.CompletedAt = &t
	}
	if len(r.Headers) > 0 {
		if err := json.Unmarshal(r.Headers, &a.Headers); err != nil {
			return nil, err
		}
	}
	return a, nil
}

func marshalHeaders(h map[string][]string) (json.RawMessage, error) {
	if h == nil {
		return json.RawMessage("{}"), nil
	}
	return json.Marshal(h)
}

func marshalSynced(s []string) (json.RawMessage, error) {
	if s == nil {
		return json.RawMessage("[]"), nil
	}
	return json.Marshal(s)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
