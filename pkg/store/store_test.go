package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tandem-io/tandem/pkg/types"
)

func newTestStore(t *testing.T) (*SQLStore, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = mockDB.Close() })

	db := sqlx.NewDb(mockDB, "sqlmock")
	return New(db, Options{QueryTimeout: 2 * time.Second, MaxRetries: 3}), mock
}

func mappingRows(name, primaryID, replicaID, status string) *sqlmock.Rows {
	now := time.Now()
	rows := sqlmock.NewRows([]string{"name", "primary_id", "replica_id", "status", "created_at", "updated_at"})
	var pid, rid interface{}
	if primaryID != "" {
		pid = primaryID
	}
	if replicaID != "" {
		rid = replicaID
	}
	return rows.AddRow(name, pid, rid, status, now, now)
}

func walRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"write_id", "timestamp", "method", "path", "data", "headers", "executed_on",
		"target_instance", "status", "synced_instances", "retry_count", "last_error",
		"priority", "updated_at",
	})
}

func attemptRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"transaction_id", "method", "path", "data", "headers", "status",
		"created_at", "completed_at", "retry_count", "client_session", "failure_reason",
	})
}

func TestUpsertMappingMergesExistingIDs(t *testing.T) {
	s, mock := newTestStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO collection_mappings")).
		WithArgs("photos", "pid-1", nil).
		WillReturnRows(mappingRows("photos", "pid-1", "rid-9", "complete"))

	m, err := s.UpsertMapping(context.Background(), "photos", types.RolePrimary, "pid-1")
	require.NoError(t, err)
	assert.Equal(t, "pid-1", m.PrimaryID)
	assert.Equal(t, "rid-9", m.ReplicaID)
	assert.Equal(t, types.MappingComplete, m.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertMappingRejectsUnknownRole(t *testing.T) {
	s, mock := newTestStore(t)

	_, err := s.UpsertMapping(context.Background(), "photos", types.InstanceRole("standby"), "x")
	require.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetMappingNotFound(t *testing.T) {
	s, mock := newTestStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("FROM collection_mappings WHERE name = $1")).
		WithArgs("ghost").
		WillReturnError(sql.ErrNoRows)

	_, err := s.GetMapping(context.Background(), "ghost")
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrNotFound))
	// A miss is a domain answer, not a transient failure: exactly one query.
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetMappingByRefMatchesInstanceID(t *testing.T) {
	s, mock := newTestStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("name = $1 OR primary_id = $1 OR replica_id = $1")).
		WithArgs("rid-9").
		WillReturnRows(mappingRows("photos", "pid-1", "rid-9", "complete"))

	m, err := s.GetMappingByRef(context.Background(), "rid-9")
	require.NoError(t, err)
	assert.Equal(t, "photos", m.Name)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteMappingAbsentRowIsNoop(t *testing.T) {
	s, mock := newTestStore(t)

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM collection_mappings WHERE name = $1")).
		WithArgs("ghost").
		WillReturnResult(sqlmock.NewResult(0, 0))

	assert.NoError(t, s.DeleteMapping(context.Background(), "ghost"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMappingsMissingOnReplica(t *testing.T) {
	s, mock := newTestStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("WHERE replica_id IS NULL")).
		WillReturnRows(mappingRows("photos", "pid-1", "", "partial"))

	missing, err := s.MappingsMissingOn(context.Background(), types.RoleReplica)
	require.NoError(t, err)
	require.Len(t, missing, 1)
	assert.Equal(t, "photos", missing[0].Name)
	assert.Equal(t, types.MappingPartial, missing[0].Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendWALSendsJSONColumns(t *testing.T) {
	s, mock := newTestStore(t)

	ts := time.Now().UTC()
	entry := &types.WALEntry{
		WriteID:        "w-1",
		Timestamp:      ts,
		Method:         "POST",
		Path:           "/collections/photos/points",
		Data:           []byte(`{"points":[]}`),
		Headers:        map[string][]string{"Content-Type": {"application/json"}},
		ExecutedOn:     "primary",
		TargetInstance: "replica",
		Status:         types.WALStatusExecuted,
		Priority:       types.PriorityDocument,
	}

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO wal_writes")).
		WithArgs(
			"w-1", ts, "POST", "/collections/photos/points", []byte(`{"points":[]}`),
			[]byte(`{"Content-Type":["application/json"]}`), "primary", "replica",
			"executed", []byte(`[]`), 0, nil, types.PriorityDocument,
		).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.AppendWAL(context.Background(), entry))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestNextSyncBatchOrdersChronologicallyWithPriorityTiebreak(t *testing.T) {
	s, mock := newTestStore(t)

	now := time.Now()
	rows := walRows().
		AddRow("w-1", now.Add(-2*time.Minute), "PUT", "/collections/a", nil, []byte(`{}`),
			"primary", "replica", "executed", []byte(`[]`), 0, nil, types.PriorityCollection, now).
		AddRow("w-2", now.Add(-time.Minute), "POST", "/collections/a/points", []byte(`{}`), []byte(`{}`),
			"primary", "both", "failed", []byte(`["primary"]`), 1, "timeout", types.PriorityDocument, now)

	mock.ExpectQuery(regexp.QuoteMeta("ORDER BY timestamp ASC, priority DESC")).
		WithArgs("replica", float64(60), 3, 50).
		WillReturnRows(rows)

	batch, err := s.NextSyncBatch(context.Background(), types.RoleReplica, 50, time.Minute, 3)
	require.NoError(t, err)
	require.Len(t, batch, 2)
	assert.Equal(t, "w-1", batch[0].WriteID)
	assert.True(t, batch[1].SyncedOn(types.RolePrimary))
	assert.Equal(t, "timeout", batch[1].LastError)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkWALSynced(t *testing.T) {
	now := time.Now()

	tests := []struct {
		name         string
		target       string
		synced       string
		role         types.InstanceRole
		wantStatus   types.WALStatus
		wantSyncedTo string
	}{
		{
			name:         "single target completes on its own ack",
			target:       "replica",
			synced:       `[]`,
			role:         types.RoleReplica,
			wantStatus:   types.WALStatusSynced,
			wantSyncedTo: `["replica"]`,
		},
		{
			name:         "both target stays executed after first ack",
			target:       "both",
			synced:       `[]`,
			role:         types.RolePrimary,
			wantStatus:   types.WALStatusExecuted,
			wantSyncedTo: `["primary"]`,
		},
		{
			name:         "both target completes on second ack",
			target:       "both",
			synced:       `["primary"]`,
			role:         types.RoleReplica,
			wantStatus:   types.WALStatusSynced,
			wantSyncedTo: `["primary","replica"]`,
		},
		{
			name:         "duplicate ack does not duplicate the set",
			target:       "both",
			synced:       `["primary"]`,
			role:         types.RolePrimary,
			wantStatus:   types.WALStatusExecuted,
			wantSyncedTo: `["primary"]`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, mock := newTestStore(t)

			mock.ExpectBegin()
			mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE")).
				WithArgs("w-1").
				WillReturnRows(walRows().AddRow(
					"w-1", now, "PUT", "/collections/a", nil, []byte(`{}`),
					"primary", tt.target, "executed", []byte(tt.synced), 0, nil, 1, now))
			mock.ExpectExec(regexp.QuoteMeta("UPDATE wal_writes SET synced_instances")).
				WithArgs([]byte(tt.wantSyncedTo), string(tt.wantStatus), "w-1").
				WillReturnResult(sqlmock.NewResult(0, 1))
			mock.ExpectCommit()

			status, err := s.MarkWALSynced(context.Background(), "w-1", tt.role)
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, status)
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestMarkWALSyncedMissingEntry(t *testing.T) {
	s, mock := newTestStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE")).
		WithArgs("gone").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	_, err := s.MarkWALSynced(context.Background(), "gone", types.RolePrimary)
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkWALFailedArmsBackoff(t *testing.T) {
	s, mock := newTestStore(t)

	mock.ExpectExec(regexp.QuoteMeta("SET status = 'failed', retry_count = retry_count + 1")).
		WithArgs("w-1", "connection refused").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.MarkWALFailed(context.Background(), "w-1", "connection refused"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPruneSyncedWAL(t *testing.T) {
	s, mock := newTestStore(t)

	cutoff := time.Now().Add(-24 * time.Hour)
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM wal_writes WHERE status = 'synced'")).
		WithArgs(cutoff).
		WillReturnResult(sqlmock.NewResult(0, 4))

	pruned, err := s.PruneSyncedWAL(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(4), pruned)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOpenAttempt(t *testing.T) {
	s, mock := newTestStore(t)

	a := &types.TransactionAttempt{
		TransactionID: "txn-1",
		Method:        "PUT",
		Path:          "/collections/photos",
		Data:          []byte(`{"vectors":{"size":4}}`),
		Headers:       map[string][]string{"Content-Type": {"application/json"}},
		ClientSession: "sess-7",
	}

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO transaction_attempts")).
		WithArgs("txn-1", "PUT", "/collections/photos", []byte(`{"vectors":{"size":4}}`),
			[]byte(`{"Content-Type":["application/json"]}`), "ATTEMPTING", "sess-7").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.OpenAttempt(context.Background(), a))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFinishAttemptStampsTerminalStatuses(t *testing.T) {
	tests := []struct {
		status   types.AttemptStatus
		reason   string
		terminal bool
	}{
		{types.AttemptCompleted, "", true},
		{types.AttemptFailed, "both instances down", true},
		{types.AttemptPendingRecovery, "stuck past threshold", false},
		{types.AttemptRecovered, "", true},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			s, mock := newTestStore(t)

			mock.ExpectExec(regexp.QuoteMeta("UPDATE transaction_attempts")).
				WithArgs("txn-1", string(tt.status), tt.reason, tt.terminal).
				WillReturnResult(sqlmock.NewResult(0, 1))

			require.NoError(t, s.FinishAttempt(context.Background(), "txn-1", tt.status, tt.reason))
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestStuckAttempts(t *testing.T) {
	s, mock := newTestStore(t)

	created := time.Now().Add(-15 * time.Minute)
	cutoff := time.Now().Add(-10 * time.Minute)
	rows := attemptRows().AddRow(
		"txn-9", "POST", "/collections/a/points", []byte(`{}`), []byte(`{}`),
		"ATTEMPTING", created, nil, 0, nil, nil)

	mock.ExpectQuery(regexp.QuoteMeta("WHERE status = 'ATTEMPTING' AND created_at < $1")).
		WithArgs(cutoff).
		WillReturnRows(rows)

	stuck, err := s.StuckAttempts(context.Background(), cutoff)
	require.NoError(t, err)
	require.Len(t, stuck, 1)
	assert.Equal(t, "txn-9", stuck[0].TransactionID)
	assert.Equal(t, types.AttemptAttempting, stuck[0].Status)
	assert.Nil(t, stuck[0].CompletedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPendingRecoveryAttempts(t *testing.T) {
	s, mock := newTestStore(t)

	completed := time.Now()
	rows := attemptRows().AddRow(
		"txn-3", "DELETE", "/collections/b", nil, []byte(`{}`),
		"PENDING_RECOVERY", time.Now().Add(-time.Hour), completed, 2, "sess-1", "replay timeout")

	mock.ExpectQuery(regexp.QuoteMeta("WHERE status = 'PENDING_RECOVERY'")).
		WithArgs(10).
		WillReturnRows(rows)

	pending, err := s.PendingRecoveryAttempts(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, 2, pending[0].RetryCount)
	assert.Equal(t, "replay timeout", pending[0].FailureReason)
	require.NotNil(t, pending[0].CompletedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCountPendingWALPerInstance(t *testing.T) {
	s, mock := newTestStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("FROM wal_writes")).
		WithArgs("primary").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))
	mock.ExpectQuery(regexp.QuoteMeta("FROM wal_writes")).
		WithArgs("replica").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(7))

	counts, err := s.CountPendingWAL(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"primary": 3, "replica": 7}, counts)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCountAttemptsGroupsByStatus(t *testing.T) {
	s, mock := newTestStore(t)

	rows := sqlmock.NewRows([]string{"status", "n"}).
		AddRow("ATTEMPTING", 2).
		AddRow("COMPLETED", 40)
	mock.ExpectQuery(regexp.QuoteMeta("GROUP BY status")).WillReturnRows(rows)

	counts, err := s.CountAttempts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"ATTEMPTING": 2, "COMPLETED": 40}, counts)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRetryOnTransientError(t *testing.T) {
	s, mock := newTestStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("FROM collection_mappings WHERE name = $1")).
		WithArgs("photos").
		WillReturnError(&pq.Error{Code: "40001"})
	mock.ExpectQuery(regexp.QuoteMeta("FROM collection_mappings WHERE name = $1")).
		WithArgs("photos").
		WillReturnRows(mappingRows("photos", "pid-1", "", "partial"))

	m, err := s.GetMapping(context.Background(), "photos")
	require.NoError(t, err)
	assert.Equal(t, "pid-1", m.PrimaryID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestNonRetryableErrorFailsFast(t *testing.T) {
	s, mock := newTestStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("FROM collection_mappings WHERE name = $1")).
		WithArgs("photos").
		WillReturnError(&pq.Error{Code: "23505"})

	_, err := s.GetMapping(context.Background(), "photos")
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrStoreFailure))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIsRetryableError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"serialization failure", &pq.Error{Code: "40001"}, true},
		{"deadlock", &pq.Error{Code: "40P01"}, true},
		{"too many connections", &pq.Error{Code: "53300"}, true},
		{"cannot connect now", &pq.Error{Code: "57P03"}, true},
		{"unique violation", &pq.Error{Code: "23505"}, false},
		{"connection refused", fmt.Errorf("dial tcp 127.0.0.1:5432: connection refused"), true},
		{"connection reset", fmt.Errorf("read tcp: connection reset by peer"), true},
		{"eof", fmt.Errorf("unexpected EOF"), true},
		{"plain failure", fmt.Errorf("syntax error"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isRetryableError(tt.err))
		})
	}
}
