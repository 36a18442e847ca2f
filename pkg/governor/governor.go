package governor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/tandem-io/tandem/pkg/log"
	"github.com/tandem-io/tandem/pkg/metrics"
	"github.com/tandem-io/tandem/pkg/types"
)

// Named critical sections. With granular locking each name is its own
// mutex; otherwise every name resolves to one global mutex.
const (
	LockWAL     = "wal_write"
	LockMapping = "collection_mapping"
	LockMetrics = "metrics"
	LockStatus  = "status"
)

// Config tunes request admission
type Config struct {
	// MaxConcurrent is the number of requests served simultaneously
	MaxConcurrent int

	// QueueSize bounds the FIFO waiting room behind the semaphore
	QueueSize int

	// QueueTimeout is how long a queued request waits before a 503
	QueueTimeout time.Duration

	// Granular picks four named locks over one global mutex
	Granular bool
}

// DefaultConfig returns the standard admission limits
func DefaultConfig() Config {
	return Config{
		MaxConcurrent: 30,
		QueueSize:     100,
		QueueTimeout:  5 * time.Second,
		Granular:      true,
	}
}

// Governor admits requests through a weighted semaphore with a bounded
// queue, and owns the engine's named critical-section locks. Rejection
// is always explicit: queue-full and queue-timeout surface as distinct
// error kinds so the caller can say why a 503 happened.
type Governor struct {
	sem      *semaphore.Weighted
	waiting  atomic.Int64
	inflight atomic.Int64
	cfg      Config
	locks    *LockSet
	logger   zerolog.Logger
}

// New builds a governor
func New(cfg Config) *Governor {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultConfig().MaxConcurrent
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}
	if cfg.QueueTimeout <= 0 {
		cfg.QueueTimeout = DefaultConfig().QueueTimeout
	}

	return &Governor{
		sem:    semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		cfg:    cfg,
		locks:  NewLockSet(cfg.Granular),
		logger: log.WithComponent("governor"),
	}
}

// Acquire admits one request. The fast path takes a semaphore slot
// without queueing; otherwise the request joins the bounded FIFO queue
// and waits up to QueueTimeout. The returned release must be called
// exactly once when the request finishes.
func (g *Governor) Acquire(ctx context.Context) (release func(), err error) {
	if g.sem.TryAcquire(1) {
		return g.admit(), nil
	}

	// Queue admission. The counter tracks real waiters only, so a
	// burst that drains straight into semaphore slots never trips it.
	n := g.waiting.Add(1)
	metrics.GovernorWaiting.Set(float64(n))
	defer func() {
		left := g.waiting.Add(-1)
		metrics.GovernorWaiting.Set(float64(left))
	}()

	if n > int64(g.cfg.QueueSize) {
		metrics.GovernorRejectedTotal.WithLabelValues("queue_full").Inc()
		return nil, types.ErrQueueFull
	}

	waitCtx, cancel := context.WithTimeout(ctx, g.cfg.QueueTimeout)
	defer cancel()

	if err := g.sem.Acquire(waitCtx, 1); err != nil {
		if ctx.Err() != nil {
			// The client went away; not a capacity problem.
			return nil, ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) {
			metrics.GovernorRejectedTotal.WithLabelValues("queue_timeout").Inc()
			return nil, types.ErrQueueTimeout
		}
		return nil, err
	}
	return g.admit(), nil
}

func (g *Governor) admit() func() {
	g.inflight.Add(1)
	metrics.GovernorInFlight.Inc()
	return func() {
		g.sem.Release(1)
		g.inflight.Add(-1)
		metrics.GovernorInFlight.Dec()
	}
}

// Waiting reports the current queue depth
func (g *Governor) Waiting() int {
	return int(g.waiting.Load())
}

// InFlight reports how many requests currently hold a slot
func (g *Governor) InFlight() int {
	return int(g.inflight.Load())
}

// Limits reports the configured admission bounds
func (g *Governor) Limits() (maxConcurrent, queueSize int) {
	return g.cfg.MaxConcurrent, g.cfg.QueueSize
}

// Lock acquires a named critical section and returns its unlock
func (g *Governor) Lock(name string) func() {
	return g.locks.Lock(name)
}

// LockSet maps critical-section names onto mutexes. Granular mode gives
// each name its own mutex so WAL appends do not contend with mapping
// upserts; global mode funnels every name through one mutex.
type LockSet struct {
	granular bool
	global   sync.Mutex
	named    map[string]*sync.Mutex
}

// NewLockSet builds the four named locks
func NewLockSet(granular bool) *LockSet {
	return &LockSet{
		granular: granular,
		named: map[string]*sync.Mutex{
			LockWAL:     {},
			LockMapping: {},
			LockMetrics: {},
			LockStatus:  {},
		},
	}
}

// Lock acquires the mutex behind a name and returns its unlock. Unknown
// names share the global mutex.
func (ls *LockSet) Lock(name string) func() {
	if !ls.granular {
		ls.global.Lock()
		return ls.global.Unlock
	}
	mu, ok := ls.named[name]
	if !ok {
		ls.global.Lock()
		return ls.global.Unlock
	}
	mu.Lock()
	return mu.Unlock
}
