package mapping

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tandem-io/tandem/pkg/events"
	"github.com/tandem-io/tandem/pkg/governor"
	"github.com/tandem-io/tandem/pkg/log"
	"github.com/tandem-io/tandem/pkg/metrics"
	"github.com/tandem-io/tandem/pkg/types"
	"github.com/tandem-io/tandem/pkg/upstream"
)

// Store is the slice of the metadata store the registry needs
type Store interface {
	UpsertMapping(ctx context.Context, name string, role types.InstanceRole, id string) (*types.CollectionMapping, error)
	RepairMapping(ctx context.Context, m *types.CollectionMapping) (*types.CollectionMapping, error)
	GetMapping(ctx context.Context, name string) (*types.CollectionMapping, error)
	GetMappingByRef(ctx context.Context, ref string) (*types.CollectionMapping, error)
	ListMappings(ctx context.Context) ([]*types.CollectionMapping, error)
	DeleteMapping(ctx context.Context, name string) error
	MappingsMissingOn(ctx context.Context, role types.InstanceRole) ([]*types.CollectionMapping, error)
}

// Discoverer looks up a collection identifier directly on one instance
type Discoverer interface {
	GetCollectionByName(ctx context.Context, name string) (*upstream.CollectionInfo, error)
}

// Locker serializes the collection_mapping critical section
type Locker interface {
	Lock(name string) func()
}

// Registry is the authoritative name → per-instance identifier map. The
// persistent rows live in the metadata store; a read-mostly in-memory
// cache fronts them with write-through updates. Write paths run under
// the collection_mapping critical section so two writers cannot leave
// the cache holding an older row than the store.
type Registry struct {
	store       Store
	discoverers map[types.InstanceRole]Discoverer
	locks       Locker
	broker      *events.Broker
	logger      zerolog.Logger

	mu    sync.RWMutex
	cache map[string]*types.CollectionMapping

	// retryDelay is the wait before retry n (1-based). Overridden in tests.
	retryDelay func(attempt int) time.Duration
}

// upsert attempts = 1 initial + 3 retries at 100/200/400 ms
const maxUpsertAttempts = 4

// NewRegistry builds a registry over the metadata store and one
// discoverer per instance
func NewRegistry(st Store, discoverers map[types.InstanceRole]Discoverer, locks Locker, broker *events.Broker) *Registry {
	return &Registry{
		store:       st,
		discoverers: discoverers,
		locks:       locks,
		broker:      broker,
		logger:      log.WithComponent("mapping"),
		cache:       make(map[string]*types.CollectionMapping),
		retryDelay: func(attempt int) time.Duration {
			return 100 * time.Millisecond << (attempt - 1)
		},
	}
}

// EnsureMapping records the identifier one instance assigned to a
// collection name. The upsert is atomic on name, so two concurrent
// writers both succeed and converge on one row. Conflicts and transient
// store failures retry on a 100/200/400 ms schedule; exhaustion
// publishes a mapping-failure event and surfaces the error.
func (r *Registry) EnsureMapping(ctx context.Context, name string, role types.InstanceRole, id string) (*types.CollectionMapping, error) {
	var lastErr error

	for attempt := 0; attempt < maxUpsertAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(r.retryDelay(attempt)):
			}
		}

		m, err := r.tryUpsert(ctx, name, role, id)
		if err == nil {
			return m, nil
		}
		lastErr = err

		if !retryableUpsert(err) {
			break
		}
		r.logger.Warn().Err(err).
			Str("collection", name).
			Str("instance", string(role)).
			Int("attempt", attempt+1).
			Msg("mapping upsert retrying")
	}

	metrics.MappingFailuresTotal.Inc()
	r.broker.Publish(&events.Event{
		Type:     events.EventMappingFailure,
		Instance: string(role),
		Message:  fmt.Sprintf("failed to record mapping for %q", name),
		Metadata: map[string]string{"collection": name},
	})
	return nil, fmt.Errorf("failed to ensure mapping for %q on %s: %w", name, role, lastErr)
}

// tryUpsert is one write-through attempt. Upsert and cache refresh sit
// inside the same critical section: without it, a slower writer could
// overwrite the cache with a row missing the faster writer's identifier.
func (r *Registry) tryUpsert(ctx context.Context, name string, role types.InstanceRole, id string) (*types.CollectionMapping, error) {
	unlock := r.locks.Lock(governor.LockMapping)
	defer unlock()

	m, err := r.store.UpsertMapping(ctx, name, role, id)
	if err != nil {
		return nil, err
	}
	r.cachePut(m)
	return m, nil
}

func retryableUpsert(err error) bool {
	return types.Retryable(err) || errors.Is(err, types.ErrConflict)
}

// Resolve returns the identifier a collection name has on one instance.
// Lookup order: cache, store, then a direct discovery probe of the
// target instance (whose answer is recorded for next time). A miss
// everywhere is types.ErrMappingMissing.
func (r *Registry) Resolve(ctx context.Context, name string, role types.InstanceRole) (string, error) {
	if m := r.cached(name); m != nil {
		if id, ok := m.IDFor(role); ok {
			return id, nil
		}
	}

	m, err := r.store.GetMapping(ctx, name)
	switch {
	case err == nil:
		r.cachePut(m)
		if id, ok := m.IDFor(role); ok {
			return id, nil
		}
	case !errors.Is(err, types.ErrNotFound):
		return "", err
	}

	if id, ok := r.discover(ctx, name, role); ok {
		return id, nil
	}

	return "", fmt.Errorf("collection %q has no identifier on %s: %w", name, role, types.ErrMappingMissing)
}

// discover probes the target instance for a collection it may have that
// the registry does not know about yet
func (r *Registry) discover(ctx context.Context, name string, role types.InstanceRole) (string, bool) {
	d, ok := r.discoverers[role]
	if !ok {
		return "", false
	}

	info, err := d.GetCollectionByName(ctx, name)
	if err != nil || info.ID == "" {
		return "", false
	}

	r.logger.Info().
		Str("collection", name).
		Str("instance", string(role)).
		Str("id", info.ID).
		Msg("discovered unmapped collection on instance")

	if _, err := r.EnsureMapping(ctx, name, role, info.ID); err != nil {
		// The identifier is still valid for this request; the row will
		// be re-discovered next time.
		r.logger.Warn().Err(err).Str("collection", name).Msg("failed to record discovered mapping")
	}
	return info.ID, true
}

// ResolveRef finds the mapping for a reference that may be the collection
// name or either instance's identifier, and projects the identifier for
// the requested instance. It never substitutes the other instance's
// identifier: a row known only on the opposite side resolves to
// types.ErrMappingMissing.
func (r *Registry) ResolveRef(ctx context.Context, ref string, role types.InstanceRole) (*types.CollectionMapping, string, error) {
	m := r.cachedByRef(ref)
	if m == nil {
		var err error
		m, err = r.store.GetMappingByRef(ctx, ref)
		if err != nil {
			if errors.Is(err, types.ErrNotFound) {
				return nil, "", fmt.Errorf("reference %q: %w", ref, types.ErrMappingMissing)
			}
			return nil, "", err
		}
		r.cachePut(m)
	}

	id, ok := m.IDFor(role)
	if !ok {
		return m, "", fmt.Errorf("collection %q has no identifier on %s: %w", m.Name, role, types.ErrMappingMissing)
	}
	return m, id, nil
}

// Get returns the mapping row for a name (cache, then store)
func (r *Registry) Get(ctx context.Context, name string) (*types.CollectionMapping, error) {
	if m := r.cached(name); m != nil {
		return m, nil
	}
	m, err := r.store.GetMapping(ctx, name)
	if err != nil {
		return nil, err
	}
	r.cachePut(m)
	return m, nil
}

// List returns every mapping row, refreshing the cache as it goes
func (r *Registry) List(ctx context.Context) ([]*types.CollectionMapping, error) {
	mappings, err := r.store.ListMappings(ctx)
	if err != nil {
		return nil, err
	}
	for _, m := range mappings {
		r.cachePut(m)
	}
	return mappings, nil
}

// Repair force-writes a mapping row. Admin surface only; normal flows
// never overwrite a recorded identifier.
func (r *Registry) Repair(ctx context.Context, m *types.CollectionMapping) (*types.CollectionMapping, error) {
	unlock := r.locks.Lock(governor.LockMapping)
	defer unlock()

	repaired, err := r.store.RepairMapping(ctx, m)
	if err != nil {
		return nil, err
	}
	r.cachePut(repaired)
	return repaired, nil
}

// Delete removes the mapping row and evicts the cache entry
func (r *Registry) Delete(ctx context.Context, name string) error {
	unlock := r.locks.Lock(governor.LockMapping)
	defer unlock()

	if err := r.store.DeleteMapping(ctx, name); err != nil {
		return err
	}
	r.mu.Lock()
	delete(r.cache, name)
	r.mu.Unlock()
	return nil
}

// MissingOn lists mappings with no identifier on the given instance,
// the worklist for a collection-recovery pass
func (r *Registry) MissingOn(ctx context.Context, role types.InstanceRole) ([]*types.CollectionMapping, error) {
	return r.store.MappingsMissingOn(ctx, role)
}

func (r *Registry) cached(name string) *types.CollectionMapping {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cache[name]
}

// cachedByRef scans for a row whose name or either identifier matches.
// The cache is small (one entry per collection), so the scan is cheap
// next to the store round-trip it saves.
func (r *Registry) cachedByRef(ref string) *types.CollectionMapping {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if m, ok := r.cache[ref]; ok {
		return m
	}
	for _, m := range r.cache {
		if m.PrimaryID == ref || m.ReplicaID == ref {
			return m
		}
	}
	return nil
}

func (r *Registry) cachePut(m *types.CollectionMapping) {
	r.mu.Lock()
	r.cache[m.Name] = m
	r.mu.Unlock()
}
