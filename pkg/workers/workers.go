package workers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/tandem-io/tandem/pkg/events"
	"github.com/tandem-io/tandem/pkg/ledger"
	"github.com/tandem-io/tandem/pkg/log"
	"github.com/tandem-io/tandem/pkg/metrics"
	"github.com/tandem-io/tandem/pkg/types"
	"github.com/tandem-io/tandem/pkg/upstream"
)

// Drainer replays pending WAL rows against an instance and prunes
// fully synced ones
type Drainer interface {
	Drain(ctx context.Context, role types.InstanceRole) (int, error)
	Prune(ctx context.Context, olderThan time.Time) (int64, error)
}

// Registry is the mapping slice used by collection recovery
type Registry interface {
	MissingOn(ctx context.Context, role types.InstanceRole) ([]*types.CollectionMapping, error)
	EnsureMapping(ctx context.Context, name string, role types.InstanceRole, id string) (*types.CollectionMapping, error)
}

// Instance is the upstream slice used to restore missing collections
// on a recovered instance
type Instance interface {
	GetCollectionByName(ctx context.Context, name string) (*upstream.CollectionInfo, error)
	CreateCollection(ctx context.Context, body []byte, header http.Header) (*upstream.CollectionInfo, *upstream.Response, error)
}

// Recoverer runs transaction-safety scans and prunes terminal attempts
type Recoverer interface {
	Scan(ctx context.Context) (ledger.Stats, error)
	Prune(ctx context.Context, olderThan time.Time) (int64, error)
}

// Health is the cached health view; drains skip unhealthy instances
type Health interface {
	Healthy(role types.InstanceRole) bool
}

// MetricStore prunes aged metric snapshots
type MetricStore interface {
	PruneMetricPoints(ctx context.Context, olderThan time.Time) (int64, error)
}

// Config tunes worker cadence and retention windows
type Config struct {
	// DrainInterval is the WAL replay tick; recovery and append events
	// kick an extra pass ahead of it
	DrainInterval time.Duration

	// ScanInterval is the transaction-safety recovery tick
	ScanInterval time.Duration

	// PruneInterval is the retention tick
	PruneInterval time.Duration

	// MaxWorkers bounds parallel collection restores during instance
	// catch-up
	MaxWorkers int

	// RetainSyncedWAL keeps fully synced WAL rows around for inspection
	RetainSyncedWAL time.Duration

	// RetainAttempts keeps terminal transaction attempts
	RetainAttempts time.Duration

	// RetainMetrics keeps metric snapshot rows
	RetainMetrics time.Duration
}

// DefaultConfig returns standard worker tuning
func DefaultConfig() Config {
	return Config{
		DrainInterval:   10 * time.Second,
		ScanInterval:    60 * time.Second,
		PruneInterval:   time.Hour,
		MaxWorkers:      3,
		RetainSyncedWAL: 24 * time.Hour,
		RetainAttempts:  72 * time.Hour,
		RetainMetrics:   7 * 24 * time.Hour,
	}
}

// Manager runs the background reconciliation loops: WAL drain,
// collection recovery, transaction-safety scans, and retention pruning.
// Every task is idempotent, so the at-most-once event delivery from the
// broker is enough; a dropped event delays work by one tick.
type Manager struct {
	wal       Drainer
	registry  Registry
	instances map[types.InstanceRole]Instance
	ledger    Recoverer
	store     MetricStore
	health    Health
	broker    *events.Broker
	cfg       Config
	logger    zerolog.Logger

	// kick wakes the drain loop ahead of its tick
	kick chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewManager builds the worker manager
func NewManager(wal Drainer, registry Registry, instances map[types.InstanceRole]Instance, lgr Recoverer, store MetricStore, health Health, broker *events.Broker, cfg Config) *Manager {
	def := DefaultConfig()
	if cfg.DrainInterval <= 0 {
		cfg.DrainInterval = def.DrainInterval
	}
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = def.ScanInterval
	}
	if cfg.PruneInterval <= 0 {
		cfg.PruneInterval = def.PruneInterval
	}
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = def.MaxWorkers
	}
	if cfg.RetainSyncedWAL <= 0 {
		cfg.RetainSyncedWAL = def.RetainSyncedWAL
	}
	if cfg.RetainAttempts <= 0 {
		cfg.RetainAttempts = def.RetainAttempts
	}
	if cfg.RetainMetrics <= 0 {
		cfg.RetainMetrics = def.RetainMetrics
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		wal:       wal,
		registry:  registry,
		instances: instances,
		ledger:    lgr,
		store:     store,
		health:    health,
		broker:    broker,
		cfg:       cfg,
		logger:    log.WithComponent("workers"),
		kick:      make(chan struct{}, 1),
		ctx:       ctx,
		cancel:    cancel,
		stopCh:    make(chan struct{}),
	}
}

// Start launches the worker loops
func (m *Manager) Start() {
	sub := m.broker.Subscribe()

	m.wg.Add(4)
	go m.dispatch(sub)
	go m.drainLoop()
	go m.scanLoop()
	go m.pruneLoop()

	m.logger.Info().
		Dur("drain_interval", m.cfg.DrainInterval).
		Dur("scan_interval", m.cfg.ScanInterval).
		Dur("prune_interval", m.cfg.PruneInterval).
		Msg("reconciliation workers started")
}

// Stop cancels in-flight tasks and waits for the loops to exit
func (m *Manager) Stop() {
	m.cancel()
	close(m.stopCh)
	m.wg.Wait()
	m.logger.Info().Msg("reconciliation workers stopped")
}

// dispatch reacts to engine events. Recovery work runs inline: the
// subscriber buffer drops rather than blocks, and every task here also
// runs on a periodic tick, so a missed event only delays it.
func (m *Manager) dispatch(sub events.Subscriber) {
	defer m.wg.Done()
	defer m.broker.Unsubscribe(sub)

	for {
		select {
		case <-m.stopCh:
			return
		case ev, ok := <-sub:
			if !ok {
				return
			}
			switch ev.Type {
			case events.EventInstanceRecovered:
				role := types.InstanceRole(ev.Instance)
				if !role.Valid() {
					continue
				}
				m.logger.Info().
					Str("instance", ev.Instance).
					Msg("instance recovered, starting catch-up")
				m.recoverCollections(m.ctx, role)
				m.kickDrain()
			case events.EventWALAppended:
				m.kickDrain()
			}
		}
	}
}

// kickDrain wakes the drain loop without waiting for its tick
func (m *Manager) kickDrain() {
	select {
	case m.kick <- struct{}{}:
	default:
	}
}

// drainLoop replays one ordered WAL batch per healthy instance per tick
func (m *Manager) drainLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.DrainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.drainAll(m.ctx)
		case <-m.kick:
			m.drainAll(m.ctx)
		}
	}
}

// drainAll runs one drain pass over every healthy instance
func (m *Manager) drainAll(ctx context.Context) {
	for _, role := range types.Roles() {
		if ctx.Err() != nil {
			return
		}
		if !m.health.Healthy(role) {
			continue
		}

		synced, err := m.wal.Drain(ctx, role)
		if err != nil {
			m.logger.Warn().Err(err).
				Str("instance", string(role)).
				Msg("WAL drain pass failed")
			continue
		}
		if synced > 0 {
			m.logger.Info().
				Str("instance", string(role)).
				Int("synced", synced).
				Msg("WAL batch replayed")
		}
	}
}

// recoverCollections restores collections on a recovered instance: every
// mapping that has an identifier on the other instance but none here gets
// a name-based create (or a discovery, if the instance kept its data) and
// the recorded identifier completes the mapping. Restores run in parallel,
// bounded by MaxWorkers.
func (m *Manager) recoverCollections(ctx context.Context, role types.InstanceRole) {
	inst, ok := m.instances[role]
	if !ok {
		return
	}

	missing, err := m.registry.MissingOn(ctx, role)
	if err != nil {
		m.logger.Error().Err(err).
			Str("instance", string(role)).
			Msg("failed to list mappings missing on recovered instance")
		metrics.RecoveriesTotal.WithLabelValues("collection", "error").Inc()
		return
	}
	if len(missing) == 0 {
		return
	}

	m.logger.Info().
		Str("instance", string(role)).
		Int("collections", len(missing)).
		Msg("restoring collections on recovered instance")

	sem := semaphore.NewWeighted(int64(m.cfg.MaxWorkers))
	var wg sync.WaitGroup
	for _, mapping := range missing {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			defer sem.Release(1)
			m.restoreAndRecord(ctx, inst, role, name)
		}(mapping.Name)
	}
	wg.Wait()
}

// restoreAndRecord restores one collection and completes its mapping
func (m *Manager) restoreAndRecord(ctx context.Context, inst Instance, role types.InstanceRole, name string) {
	id, err := m.restoreCollection(ctx, inst, name)
	if err != nil {
		metrics.RecoveriesTotal.WithLabelValues("collection", "failure").Inc()
		m.logger.Warn().Err(err).
			Str("collection", name).
			Str("instance", string(role)).
			Msg("failed to restore collection")
		return
	}

	if _, err := m.registry.EnsureMapping(ctx, name, role, id); err != nil {
		metrics.RecoveriesTotal.WithLabelValues("collection", "failure").Inc()
		m.logger.Warn().Err(err).
			Str("collection", name).
			Str("instance", string(role)).
			Msg("restored collection but failed to record its identifier")
		return
	}

	metrics.RecoveriesTotal.WithLabelValues("collection", "success").Inc()
	m.logger.Info().
		Str("collection", name).
		Str("instance", string(role)).
		Str("id", id).
		Msg("collection mapping completed")
}

// restoreCollection returns the identifier a collection has on the
// instance, creating it by name when it does not exist. An instance that
// came back with its data intact keeps its identifier.
func (m *Manager) restoreCollection(ctx context.Context, inst Instance, name string) (string, error) {
	info, err := inst.GetCollectionByName(ctx, name)
	if err == nil {
		return info.ID, nil
	}
	if !errors.Is(err, types.ErrNotFound) {
		return "", err
	}

	body, err := json.Marshal(map[string]string{"name": name})
	if err != nil {
		return "", fmt.Errorf("failed to build create payload: %w", err)
	}

	created, _, err := inst.CreateCollection(ctx, body, nil)
	if err == nil {
		return created.ID, nil
	}
	if errors.Is(err, types.ErrConflict) {
		// lost a create race; the collection exists now
		if info, gerr := inst.GetCollectionByName(ctx, name); gerr == nil {
			return info.ID, nil
		}
	}
	return "", err
}

// scanLoop runs periodic transaction-safety recovery
func (m *Manager) scanLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			stats, err := m.ledger.Scan(m.ctx)
			if err != nil {
				m.logger.Error().Err(err).Msg("transaction recovery scan failed")
				continue
			}
			if stats.Parked+stats.Recovered+stats.Retried+stats.Abandoned > 0 {
				m.logger.Info().
					Int("parked", stats.Parked).
					Int("recovered", stats.Recovered).
					Int("retried", stats.Retried).
					Int("abandoned", stats.Abandoned).
					Msg("transaction recovery scan finished")
			}
		}
	}
}

// pruneLoop enforces the retention windows
func (m *Manager) pruneLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.PruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.prune(m.ctx)
		}
	}
}

// prune runs one retention pass. Each table prunes independently; one
// failure must not starve the others.
func (m *Manager) prune(ctx context.Context) {
	now := time.Now().UTC()

	walRows, err := m.wal.Prune(ctx, now.Add(-m.cfg.RetainSyncedWAL))
	if err != nil {
		m.logger.Warn().Err(err).Msg("failed to prune synced WAL rows")
	}

	attemptRows, err := m.ledger.Prune(ctx, now.Add(-m.cfg.RetainAttempts))
	if err != nil {
		m.logger.Warn().Err(err).Msg("failed to prune transaction attempts")
	}

	metricRows, err := m.store.PruneMetricPoints(ctx, now.Add(-m.cfg.RetainMetrics))
	if err != nil {
		m.logger.Warn().Err(err).Msg("failed to prune metric points")
	}

	if walRows+attemptRows+metricRows > 0 {
		m.logger.Info().
			Int64("wal_rows", walRows).
			Int64("attempt_rows", attemptRows).
			Int64("metric_rows", metricRows).
			Msg("retention prune finished")
	}
}
