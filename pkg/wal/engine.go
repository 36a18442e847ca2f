package wal

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tandem-io/tandem/pkg/events"
	"github.com/tandem-io/tandem/pkg/governor"
	"github.com/tandem-io/tandem/pkg/log"
	"github.com/tandem-io/tandem/pkg/metrics"
	"github.com/tandem-io/tandem/pkg/types"
	"github.com/tandem-io/tandem/pkg/upstream"
)

// Store is the slice of the metadata store the WAL engine needs
type Store interface {
	AppendWAL(ctx context.Context, e *types.WALEntry) error
	NextSyncBatch(ctx context.Context, role types.InstanceRole, limit int, minWait time.Duration, maxRetries int) ([]*types.WALEntry, error)
	MarkWALSynced(ctx context.Context, writeID string, role types.InstanceRole) (types.WALStatus, error)
	MarkWALFailed(ctx context.Context, writeID string, lastError string) error
	PruneSyncedWAL(ctx context.Context, olderThan time.Time) (int64, error)
	CountPendingWAL(ctx context.Context) (map[string]int, error)
}

// Resolver projects a collection reference onto one instance's identifier
type Resolver interface {
	ResolveRef(ctx context.Context, ref string, role types.InstanceRole) (*types.CollectionMapping, string, error)
}

// Forwarder replays requests against one instance
type Forwarder interface {
	Do(ctx context.Context, method, pathAndQuery string, header http.Header, body []byte) (*upstream.Response, error)
	GetCollectionByName(ctx context.Context, name string) (*upstream.CollectionInfo, error)
}

// Locker serializes the wal_write critical section
type Locker interface {
	Lock(name string) func()
}

// Sizer yields the memory-aware batch size for the next drain pass
type Sizer interface {
	Next() int
}

// Config tunes replay behavior
type Config struct {
	// MaxRetries caps replay attempts per row before it is parked
	MaxRetries int

	// RetryMinWait is the backoff base: a failed row waits
	// RetryMinWait × 2^retry_count before the next attempt
	RetryMinWait time.Duration

	// AppendTimeout bounds the detached durable append
	AppendTimeout time.Duration
}

// DefaultConfig returns standard replay tuning
func DefaultConfig() Config {
	return Config{
		MaxRetries:    3,
		RetryMinWait:  time.Minute,
		AppendTimeout: 10 * time.Second,
	}
}

// Engine owns the write-ahead log: durable appends on the request path
// and ordered replay on the drain path.
type Engine struct {
	store      Store
	resolver   Resolver
	forwarders map[types.InstanceRole]Forwarder
	sizer      Sizer
	locks      Locker
	broker     *events.Broker
	cfg        Config
	logger     zerolog.Logger

	replayOK   atomic.Int64
	replayFail atomic.Int64
	lastSync   atomic.Int64 // unix nanos of the most recent acknowledged replay
}

// NewEngine builds the WAL engine
func NewEngine(st Store, resolver Resolver, forwarders map[types.InstanceRole]Forwarder, sizer Sizer, locks Locker, broker *events.Broker, cfg Config) *Engine {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultConfig().MaxRetries
	}
	if cfg.RetryMinWait <= 0 {
		cfg.RetryMinWait = DefaultConfig().RetryMinWait
	}
	if cfg.AppendTimeout <= 0 {
		cfg.AppendTimeout = DefaultConfig().AppendTimeout
	}

	return &Engine{
		store:      st,
		resolver:   resolver,
		forwarders: forwarders,
		sizer:      sizer,
		locks:      locks,
		broker:     broker,
		cfg:        cfg,
		logger:     log.WithComponent("wal"),
	}
}

// AppendInput describes one write to log
type AppendInput struct {
	Method     string
	Path       string
	Data       []byte
	Headers    map[string][]string
	ExecutedOn types.InstanceRole // instance that served the original request
	Target     string             // primary | replica | both
}

// Append durably logs a write that still needs to reach Target. The
// append runs detached from the request context: once an instance has
// executed the write, a client disconnect must not lose the replay
// obligation. Timestamps are assigned under the wal_write lock so the
// log's order matches the order appends were admitted.
func (e *Engine) Append(ctx context.Context, in AppendInput) (*types.WALEntry, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.AppendTimeout)
	defer cancel()

	unlock := e.locks.Lock(governor.LockWAL)
	defer unlock()

	entry := &types.WALEntry{
		WriteID:         uuid.NewString(),
		Timestamp:       time.Now().UTC(),
		Method:          in.Method,
		Path:            in.Path,
		Data:            in.Data,
		Headers:         in.Headers,
		ExecutedOn:      string(in.ExecutedOn),
		TargetInstance:  in.Target,
		Status:          types.WALStatusExecuted,
		SyncedInstances: []string{},
		Priority:        priorityFor(in.Path),
	}

	if err := e.store.AppendWAL(ctx, entry); err != nil {
		return nil, fmt.Errorf("failed to append WAL entry: %w", err)
	}

	metrics.WALAppendsTotal.WithLabelValues(in.Target).Inc()
	e.logger.Info().
		Str("write_id", entry.WriteID).
		Str("method", in.Method).
		Str("path", in.Path).
		Str("target", in.Target).
		Msg("write logged for replay")

	e.broker.Publish(&events.Event{
		Type:     events.EventWALAppended,
		Instance: in.Target,
		Metadata: map[string]string{"write_id": entry.WriteID},
	})
	return entry, nil
}

// Drain replays one ordered batch against an instance. The batch size
// comes from the memory-aware sizer; rows come back chronologically
// ascending with priority breaking exact-timestamp ties. Returns how
// many rows were fully acknowledged for this instance.
func (e *Engine) Drain(ctx context.Context, role types.InstanceRole) (int, error) {
	limit := e.sizer.Next()

	batch, err := e.store.NextSyncBatch(ctx, role, limit, e.cfg.RetryMinWait, e.cfg.MaxRetries)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch sync batch for %s: %w", role, err)
	}
	if len(batch) == 0 {
		return 0, nil
	}

	e.logger.Debug().
		Str("instance", string(role)).
		Int("batch", len(batch)).
		Msg("draining WAL batch")

	synced := 0
	for _, entry := range batch {
		select {
		case <-ctx.Done():
			return synced, ctx.Err()
		default:
		}

		if err := e.replayEntry(ctx, entry, role); err != nil {
			e.replayFail.Add(1)
			metrics.WALReplaysTotal.WithLabelValues(string(role), "failure").Inc()
			e.logger.Warn().Err(err).
				Str("write_id", entry.WriteID).
				Str("instance", string(role)).
				Int("retry_count", entry.RetryCount).
				Msg("WAL replay failed")
			continue
		}
		e.replayOK.Add(1)
		e.lastSync.Store(time.Now().UnixNano())
		metrics.WALReplaysTotal.WithLabelValues(string(role), "success").Inc()
		synced++
	}
	return synced, nil
}

// Depth returns per-instance pending counts for the status surface
func (e *Engine) Depth(ctx context.Context) (map[string]int, error) {
	return e.store.CountPendingWAL(ctx)
}

// Stats is a point-in-time replay summary for the status surface
type Stats struct {
	ReplaysSucceeded int64
	ReplaysFailed    int64
	LastSyncAt       time.Time // zero until the first acknowledged replay
}

// ReplayStats reports replay totals since process start
func (e *Engine) ReplayStats() Stats {
	s := Stats{
		ReplaysSucceeded: e.replayOK.Load(),
		ReplaysFailed:    e.replayFail.Load(),
	}
	if ns := e.lastSync.Load(); ns > 0 {
		s.LastSyncAt = time.Unix(0, ns).UTC()
	}
	return s
}

// Prune deletes fully synced rows older than the cutoff
func (e *Engine) Prune(ctx context.Context, olderThan time.Time) (int64, error) {
	return e.store.PruneSyncedWAL(ctx, olderThan)
}
