package framework

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/tandem-io/tandem/pkg/types"
)

// MemStore is an in-memory metadata store for end-to-end tests. It keeps
// the observable semantics of the PostgreSQL-backed store (first-writer-
// wins mapping upserts, chronological WAL batches with per-row backoff,
// terminal-only attempt pruning) so the full engine stack runs against
// it unchanged, without a database.
type MemStore struct {
	mu sync.Mutex

	mappings map[string]*types.CollectionMapping
	wal      map[string]*types.WALEntry
	attempts map[string]*types.TransactionAttempt
	points   []types.MetricPoint

	closed bool
}

// NewMemStore returns an empty store
func NewMemStore() *MemStore {
	return &MemStore{
		mappings: make(map[string]*types.CollectionMapping),
		wal:      make(map[string]*types.WALEntry),
		attempts: make(map[string]*types.TransactionAttempt),
	}
}

// --- Collection mappings ---

// UpsertMapping records one instance's identifier. Existing identifiers
// win over later writes, column by column, matching the SQL COALESCE
// upsert that makes concurrent creates converge on one row.
func (s *MemStore) UpsertMapping(ctx context.Context, name string, role types.InstanceRole, id string) (*types.CollectionMapping, error) {
	if !role.Valid() {
		return nil, fmt.Errorf("invalid instance role %q", role)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	m, ok := s.mappings[name]
	if !ok {
		m = &types.CollectionMapping{Name: name, CreatedAt: now}
		s.mappings[name] = m
	}

	if role == types.RolePrimary {
		if m.PrimaryID == "" {
			m.PrimaryID = id
		}
	} else {
		if m.ReplicaID == "" {
			m.ReplicaID = id
		}
	}
	m.Status = mappingStatus(m)
	m.UpdatedAt = now

	return copyMapping(m), nil
}

// RepairMapping force-writes the provided identifiers over existing ones
func (s *MemStore) RepairMapping(ctx context.Context, in *types.CollectionMapping) (*types.CollectionMapping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	m, ok := s.mappings[in.Name]
	if !ok {
		m = &types.CollectionMapping{Name: in.Name, CreatedAt: now}
		s.mappings[in.Name] = m
	}

	if in.PrimaryID != "" {
		m.PrimaryID = in.PrimaryID
	}
	if in.ReplicaID != "" {
		m.ReplicaID = in.ReplicaID
	}
	m.Status = mappingStatus(m)
	m.UpdatedAt = now

	return copyMapping(m), nil
}

// GetMapping fetches a mapping by collection name
func (s *MemStore) GetMapping(ctx context.Context, name string) (*types.CollectionMapping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.mappings[name]
	if !ok {
		return nil, fmt.Errorf("mapping %q: %w", name, types.ErrNotFound)
	}
	return copyMapping(m), nil
}

// GetMappingByRef fetches a mapping by name or by either instance's ID
func (s *MemStore) GetMappingByRef(ctx context.Context, ref string) (*types.CollectionMapping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, name := range s.sortedMappingNames() {
		m := s.mappings[name]
		if m.Name == ref || m.PrimaryID == ref || m.ReplicaID == ref {
			return copyMapping(m), nil
		}
	}
	return nil, fmt.Errorf("mapping ref %q: %w", ref, types.ErrNotFound)
}

// ListMappings returns all mappings ordered by name
func (s *MemStore) ListMappings(ctx context.Context) ([]*types.CollectionMapping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*types.CollectionMapping, 0, len(s.mappings))
	for _, name := range s.sortedMappingNames() {
		out = append(out, copyMapping(s.mappings[name]))
	}
	return out, nil
}

// DeleteMapping removes a mapping row. Deleting an absent row is a no-op.
func (s *MemStore) DeleteMapping(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.mappings, name)
	return nil
}

// MappingsMissingOn lists mappings with no identifier for one instance
func (s *MemStore) MappingsMissingOn(ctx context.Context, role types.InstanceRole) ([]*types.CollectionMapping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*types.CollectionMapping
	for _, name := range s.sortedMappingNames() {
		m := s.mappings[name]
		if (role == types.RolePrimary && m.PrimaryID == "") ||
			(role == types.RoleReplica && m.ReplicaID == "") {
			out = append(out, copyMapping(m))
		}
	}
	return out, nil
}

// --- Write-ahead log ---

// AppendWAL durably logs a write. Idempotent on write_id.
func (s *MemStore) AppendWAL(ctx context.Context, e *types.WALEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.wal[e.WriteID]; exists {
		return nil
	}
	c := copyWALEntry(e)
	c.UpdatedAt = time.Now().UTC()
	s.wal[e.WriteID] = c
	return nil
}

// NextSyncBatch returns the next replay batch for one instance,
// chronological ascending with priority breaking ties, failed rows held
// back by exponential backoff.
func (s *MemStore) NextSyncBatch(ctx context.Context, role types.InstanceRole, limit int, minWait time.Duration, maxRetries int) ([]*types.WALEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	var out []*types.WALEntry
	for _, e := range s.wal {
		if e.Status != types.WALStatusExecuted && e.Status != types.WALStatusFailed {
			continue
		}
		if e.TargetInstance != string(role) && e.TargetInstance != types.TargetBoth {
			continue
		}
		if e.SyncedOn(role) {
			continue
		}
		if e.RetryCount >= maxRetries {
			continue
		}
		if e.Status == types.WALStatusFailed {
			backoff := minWait << uint(e.RetryCount)
			if e.UpdatedAt.After(now.Add(-backoff)) {
				continue
			}
		}
		out = append(out, copyWALEntry(e))
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Priority > out[j].Priority
		}
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// MarkWALSynced records one instance's acknowledgment; the row reaches
// synced only once every targeted instance is in the set
func (s *MemStore) MarkWALSynced(ctx context.Context, writeID string, role types.InstanceRole) (types.WALStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.wal[writeID]
	if !ok {
		return "", fmt.Errorf("wal entry %q: %w", writeID, types.ErrNotFound)
	}

	if !e.SyncedOn(role) {
		e.SyncedInstances = append(e.SyncedInstances, string(role))
	}

	complete := false
	switch e.TargetInstance {
	case types.TargetBoth:
		complete = e.SyncedOn(types.RolePrimary) && e.SyncedOn(types.RoleReplica)
	default:
		complete = e.SyncedOn(types.InstanceRole(e.TargetInstance))
	}

	e.Status = types.WALStatusExecuted
	if complete {
		e.Status = types.WALStatusSynced
	}
	e.LastError = ""
	e.UpdatedAt = time.Now().UTC()

	return e.Status, nil
}

// MarkWALFailed records a failed replay attempt and arms the backoff
func (s *MemStore) MarkWALFailed(ctx context.Context, writeID string, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.wal[writeID]
	if !ok {
		return nil
	}
	e.Status = types.WALStatusFailed
	e.RetryCount++
	e.LastError = lastError
	e.UpdatedAt = time.Now().UTC()
	return nil
}

// PruneSyncedWAL deletes fully synced entries older than the cutoff
func (s *MemStore) PruneSyncedWAL(ctx context.Context, olderThan time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var pruned int64
	for id, e := range s.wal {
		if e.Status == types.WALStatusSynced && e.UpdatedAt.Before(olderThan) {
			delete(s.wal, id)
			pruned++
		}
	}
	return pruned, nil
}

// --- Transaction attempts ---

// OpenAttempt persists the pre-dispatch accountability record
func (s *MemStore) OpenAttempt(ctx context.Context, a *types.TransactionAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.attempts[a.TransactionID]; exists {
		return fmt.Errorf("attempt %q already exists", a.TransactionID)
	}
	c := copyAttempt(a)
	c.Status = types.AttemptAttempting
	c.CreatedAt = time.Now().UTC()
	c.RetryCount = 0
	s.attempts[a.TransactionID] = c
	return nil
}

// FinishAttempt moves an attempt to a new status. Terminal statuses set
// the completion stamp; an empty reason keeps the existing one.
func (s *MemStore) FinishAttempt(ctx context.Context, transactionID string, status types.AttemptStatus, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.attempts[transactionID]
	if !ok {
		return nil
	}
	a.Status = status
	if reason != "" {
		a.FailureReason = reason
	}
	if status.Terminal() {
		now := time.Now().UTC()
		a.CompletedAt = &now
	}
	return nil
}

// BumpAttemptRetry counts one recovery pass over the attempt
func (s *MemStore) BumpAttemptRetry(ctx context.Context, transactionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if a, ok := s.attempts[transactionID]; ok {
		a.RetryCount++
	}
	return nil
}

// StuckAttempts lists ATTEMPTING rows older than the cutoff, oldest first
func (s *MemStore) StuckAttempts(ctx context.Context, olderThan time.Time) ([]*types.TransactionAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*types.TransactionAttempt
	for _, a := range s.attempts {
		if a.Status == types.AttemptAttempting && a.CreatedAt.Before(olderThan) {
			out = append(out, copyAttempt(a))
		}
	}
	sortAttempts(out)
	return out, nil
}

// PendingRecoveryAttempts lists parked rows, oldest first
func (s *MemStore) PendingRecoveryAttempts(ctx context.Context, limit int) ([]*types.TransactionAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*types.TransactionAttempt
	for _, a := range s.attempts {
		if a.Status == types.AttemptPendingRecovery {
			out = append(out, copyAttempt(a))
		}
	}
	sortAttempts(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// PruneAttempts deletes terminal rows completed before the cutoff
func (s *MemStore) PruneAttempts(ctx context.Context, olderThan time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var pruned int64
	for id, a := range s.attempts {
		if a.Status.Terminal() && a.CompletedAt != nil && a.CompletedAt.Before(olderThan) {
			delete(s.attempts, id)
			pruned++
		}
	}
	return pruned, nil
}

// --- Metric snapshots ---

// InsertMetricPoint appends one snapshot row
func (s *MemStore) InsertMetricPoint(ctx context.Context, p types.MetricPoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p.RecordedAt.IsZero() {
		p.RecordedAt = time.Now().UTC()
	}
	s.points = append(s.points, p)
	return nil
}

// PruneMetricPoints deletes snapshot rows older than the cutoff
func (s *MemStore) PruneMetricPoints(ctx context.Context, olderThan time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.points[:0]
	var pruned int64
	for _, p := range s.points {
		if p.RecordedAt.Before(olderThan) {
			pruned++
			continue
		}
		kept = append(kept, p)
	}
	s.points = kept
	return pruned, nil
}

// --- Gauges ---

// CountPendingWAL counts entries still awaiting each instance
func (s *MemStore) CountPendingWAL(ctx context.Context) (map[string]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]int, 2)
	for _, role := range types.Roles() {
		n := 0
		for _, e := range s.wal {
			if e.Status != types.WALStatusExecuted && e.Status != types.WALStatusFailed {
				continue
			}
			if e.TargetInstance != string(role) && e.TargetInstance != types.TargetBoth {
				continue
			}
			if e.SyncedOn(role) {
				continue
			}
			n++
		}
		out[string(role)] = n
	}
	return out, nil
}

// CountMappings returns mapping counts grouped by status
func (s *MemStore) CountMappings(ctx context.Context) (map[string]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]int)
	for _, m := range s.mappings {
		out[string(m.Status)]++
	}
	return out, nil
}

// CountAttempts returns attempt counts grouped by status
func (s *MemStore) CountAttempts(ctx context.Context) (map[string]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]int)
	for _, a := range s.attempts {
		out[string(a.Status)]++
	}
	return out, nil
}

// Ping reports whether the store is usable
func (s *MemStore) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("store closed")
	}
	return nil
}

// PoolStats satisfies the store interface; there is no pool to report on
func (s *MemStore) PoolStats() sql.DBStats {
	return sql.DBStats{}
}

// Close marks the store closed
func (s *MemStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	return nil
}

// --- Test inspection helpers ---

// WALEntries returns every logged write, chronological ascending
func (s *MemStore) WALEntries() []*types.WALEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*types.WALEntry, 0, len(s.wal))
	for _, e := range s.wal {
		out = append(out, copyWALEntry(e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}

// PendingWAL returns logged writes not yet fully synced, chronological
// ascending
func (s *MemStore) PendingWAL() []*types.WALEntry {
	var out []*types.WALEntry
	for _, e := range s.WALEntries() {
		if e.Status == types.WALStatusExecuted || e.Status == types.WALStatusFailed {
			out = append(out, e)
		}
	}
	return out
}

// Attempts returns every transaction attempt, oldest first
func (s *MemStore) Attempts() []*types.TransactionAttempt {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*types.TransactionAttempt, 0, len(s.attempts))
	for _, a := range s.attempts {
		out = append(out, copyAttempt(a))
	}
	sortAttempts(out)
	return out
}

// --- copies ---

func (s *MemStore) sortedMappingNames() []string {
	names := make([]string, 0, len(s.mappings))
	for name := range s.mappings {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func mappingStatus(m *types.CollectionMapping) types.MappingStatus {
	if m.PrimaryID != "" && m.ReplicaID != "" {
		return types.MappingComplete
	}
	return types.MappingPartial
}

func sortAttempts(out []*types.TransactionAttempt) {
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].TransactionID < out[j].TransactionID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
}

func copyMapping(m *types.CollectionMapping) *types.CollectionMapping {
	c := *m
	return &c
}

func copyWALEntry(e *types.WALEntry) *types.WALEntry {
	c := *e
	c.Data = append([]byte(nil), e.Data...)
	c.SyncedInstances = append([]string(nil), e.SyncedInstances...)
	if e.Headers != nil {
		c.Headers = make(map[string][]string, len(e.Headers))
		for k, v := range e.Headers {
			c.Headers[k] = append([]string(nil), v...)
		}
	}
	return &c
}

func copyAttempt(a *types.TransactionAttempt) *types.TransactionAttempt {
	c := *a
	c.Data = append([]byte(nil), a.Data...)
	if a.Headers != nil {
		c.Headers = make(map[string][]string, len(a.Headers))
		for k, v := range a.Headers {
			c.Headers[k] = append([]string(nil), v...)
		}
	}
	if a.CompletedAt != nil {
		t := *a.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}
