package types

import (
	"time"
)

// InstanceRole identifies one of the two replicated vector-store instances
type InstanceRole string

const (
	RolePrimary InstanceRole = "primary"
	RoleReplica InstanceRole = "replica"
)

// TargetBoth marks a WAL entry that must reach both instances
const TargetBoth = "both"

// Other returns the opposite role
func (r InstanceRole) Other() InstanceRole {
	if r == RolePrimary {
		return RoleReplica
	}
	return RolePrimary
}

// Valid reports whether the role is one of the two known instances
func (r InstanceRole) Valid() bool {
	return r == RolePrimary || r == RoleReplica
}

// Roles lists both instance roles in priority order
func Roles() []InstanceRole {
	return []InstanceRole{RolePrimary, RoleReplica}
}

// Instance describes one vector-store backend and its cached health view
type Instance struct {
	Role                InstanceRole
	BaseURL             string
	Priority            int // lower value wins for writes
	Healthy             bool
	LastProbe           time.Time
	LastTransition      time.Time
	ConsecutiveFailures int
}

// MappingStatus represents the replication completeness of a collection mapping
type MappingStatus string

const (
	MappingPartial  MappingStatus = "partial"  // known on one instance only
	MappingComplete MappingStatus = "complete" // both instance IDs recorded
)

// CollectionMapping binds a user-facing collection name to the distinct
// internal IDs the two instances assigned it. Rows surface verbatim on
// the admin endpoints, hence the wire tags.
type CollectionMapping struct {
	Name      string        `json:"name"`
	PrimaryID string        `json:"primary_id"`
	ReplicaID string        `json:"replica_id"`
	Status    MappingStatus `json:"status"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// IDFor returns the collection ID on the given instance, if known
func (m *CollectionMapping) IDFor(role InstanceRole) (string, bool) {
	switch role {
	case RolePrimary:
		return m.PrimaryID, m.PrimaryID != ""
	case RoleReplica:
		return m.ReplicaID, m.ReplicaID != ""
	}
	return "", false
}

// SetID records the collection ID for the given instance
func (m *CollectionMapping) SetID(role InstanceRole, id string) {
	if role == RolePrimary {
		m.PrimaryID = id
	} else {
		m.ReplicaID = id
	}
	if m.PrimaryID != "" && m.ReplicaID != "" {
		m.Status = MappingComplete
	} else {
		m.Status = MappingPartial
	}
}

// WALStatus represents the sync state of a logged write
type WALStatus string

const (
	WALStatusExecuted WALStatus = "executed" // applied on at least one instance, replay pending
	WALStatusFailed   WALStatus = "failed"   // last replay attempt failed, will retry
	WALStatusSynced   WALStatus = "synced"   // applied everywhere it was targeted
)

// WAL priorities break timestamp ties only; ordering stays chronological
const (
	PriorityDocument   = 0
	PriorityCollection = 1
)

// WALEntry is one durably logged write awaiting replay on lagging instances
type WALEntry struct {
	WriteID         string
	Timestamp       time.Time
	Method          string
	Path            string
	Data            []byte
	Headers         map[string][]string
	ExecutedOn      string // role that served the original request, if any
	TargetInstance  string // primary | replica | both
	Status          WALStatus
	SyncedInstances []string
	RetryCount      int
	LastError       string
	Priority        int
	UpdatedAt       time.Time
}

// SyncedOn reports whether the entry has been acknowledged by the given instance
func (w *WALEntry) SyncedOn(role InstanceRole) bool {
	for _, s := range w.SyncedInstances {
		if s == string(role) {
			return true
		}
	}
	return false
}

// Targets reports whether the entry still needs to reach the given instance
func (w *WALEntry) Targets(role InstanceRole) bool {
	if w.TargetInstance == TargetBoth {
		return !w.SyncedOn(role)
	}
	return w.TargetInstance == string(role) && !w.SyncedOn(role)
}

// AttemptStatus tracks a client write through its accountability lifecycle
type AttemptStatus string

const (
	AttemptAttempting      AttemptStatus = "ATTEMPTING"
	AttemptCompleted       AttemptStatus = "COMPLETED"
	AttemptFailed          AttemptStatus = "FAILED"
	AttemptPendingRecovery AttemptStatus = "PENDING_RECOVERY"
	AttemptRecovered       AttemptStatus = "RECOVERED"
	AttemptAbandoned       AttemptStatus = "ABANDONED"
)

// Terminal reports whether the status is final and will never change.
// FAILED is terminal too: the client already saw the error, so no
// recovery pass ever revisits the row.
func (s AttemptStatus) Terminal() bool {
	switch s {
	case AttemptCompleted, AttemptFailed, AttemptRecovered, AttemptAbandoned:
		return true
	}
	return false
}

// TransactionAttempt is the pre-dispatch record of a client write, rich
// enough to re-derive the request if the process dies mid-flight
type TransactionAttempt struct {
	TransactionID string
	Method        string
	Path          string
	Data          []byte
	Headers       map[string][]string
	Status        AttemptStatus
	CreatedAt     time.Time
	CompletedAt   *time.Time
	RetryCount    int
	ClientSession string
	FailureReason string
}

// MetricPoint is one best-effort operational measurement row
type MetricPoint struct {
	Name       string
	Value      float64
	Labels     map[string]string
	RecordedAt time.Time
}

// RoutingMode summarizes which instances are currently serving traffic
type RoutingMode string

const (
	RoutingNormal      RoutingMode = "normal"       // both healthy
	RoutingPrimaryOnly RoutingMode = "primary-only" // replica down
	RoutingReplicaOnly RoutingMode = "replica-only" // primary down
	RoutingUnavailable RoutingMode = "unavailable"  // both down
)
