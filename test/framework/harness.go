package framework

import (
	"context"
	"fmt"
	"net/http/httptest"
	"sync"
	"time"

	"github.com/tandem-io/tandem/pkg/api"
	"github.com/tandem-io/tandem/pkg/events"
	"github.com/tandem-io/tandem/pkg/governor"
	"github.com/tandem-io/tandem/pkg/health"
	"github.com/tandem-io/tandem/pkg/ledger"
	"github.com/tandem-io/tandem/pkg/log"
	"github.com/tandem-io/tandem/pkg/mapping"
	"github.com/tandem-io/tandem/pkg/memlimit"
	"github.com/tandem-io/tandem/pkg/metrics"
	"github.com/tandem-io/tandem/pkg/router"
	"github.com/tandem-io/tandem/pkg/types"
	"github.com/tandem-io/tandem/pkg/upstream"
	"github.com/tandem-io/tandem/pkg/wal"
	"github.com/tandem-io/tandem/pkg/workers"
)

// one quiet logger for the whole test binary
var logOnce sync.Once

// StackConfig tunes the in-process engine stack. The defaults trade the
// production cadences for millisecond ones so a scenario spanning an
// outage, a failover and a recovery still finishes in well under a
// second of wall time.
type StackConfig struct {
	// HealthInterval is the cached probe cadence
	HealthInterval time.Duration

	// FailureThreshold is the consecutive failures before an instance is
	// marked down
	FailureThreshold int

	// ProbeTimeout caps one probe, cached or real-time
	ProbeTimeout time.Duration

	// DrainInterval is the WAL replay tick
	DrainInterval time.Duration

	// ScanInterval is the transaction-safety recovery tick
	ScanInterval time.Duration

	// StuckAfter is how long an ATTEMPTING row may sit before the scan
	// parks it. Kept well above any healthy request's lifetime so only
	// genuinely orphaned rows are parked.
	StuckAfter time.Duration

	// RetryMinWait is the WAL replay backoff base
	RetryMinWait time.Duration

	// MaxRetries caps replay attempts per WAL row
	MaxRetries int

	// RequestTimeout bounds one proxied request
	RequestTimeout time.Duration

	// ReadPreferenceRatio is the share of reads sent to the replica
	ReadPreferenceRatio float64
}

// DefaultStackConfig returns tuning fast enough for tests
func DefaultStackConfig() StackConfig {
	return StackConfig{
		HealthInterval:      25 * time.Millisecond,
		FailureThreshold:    2,
		ProbeTimeout:        250 * time.Millisecond,
		DrainInterval:       50 * time.Millisecond,
		ScanInterval:        100 * time.Millisecond,
		StuckAfter:          time.Second,
		RetryMinWait:        25 * time.Millisecond,
		MaxRetries:          10,
		RequestTimeout:      2 * time.Second,
		ReadPreferenceRatio: 0.5,
	}
}

// Stack is a complete coordination engine wired over two fake instances
// and an in-memory metadata store, serving its admin and proxy surfaces
// from one local listener.
type Stack struct {
	Config StackConfig

	Primary *FakeInstance
	Replica *FakeInstance
	Store   *MemStore

	Broker   *events.Broker
	Monitor  *health.Monitor
	Registry *mapping.Registry
	Engine   *wal.Engine
	Ledger   *ledger.Ledger
	Gateway  *router.Gateway
	Workers  *workers.Manager
	API      *api.Server

	// Server is the combined admin + proxy listener
	Server *httptest.Server

	collector *metrics.Collector
	started   bool
}

// NewStack builds the full stack. Nothing runs until Start.
func NewStack(cfg StackConfig) *Stack {
	logOnce.Do(func() {
		log.Init(log.Config{Level: log.ErrorLevel})
	})

	def := DefaultStackConfig()
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = def.HealthInterval
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = def.ProbeTimeout
	}
	if cfg.DrainInterval <= 0 {
		cfg.DrainInterval = def.DrainInterval
	}
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = def.ScanInterval
	}
	if cfg.StuckAfter <= 0 {
		cfg.StuckAfter = def.StuckAfter
	}
	if cfg.RetryMinWait <= 0 {
		cfg.RetryMinWait = def.RetryMinWait
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	if cfg.ReadPreferenceRatio <= 0 {
		cfg.ReadPreferenceRatio = def.ReadPreferenceRatio
	}

	primary := NewFakeInstance("primary")
	replica := NewFakeInstance("replica")
	st := NewMemStore()
	broker := events.NewBroker()

	primaryClient := upstream.New(upstream.Config{
		Role:    types.RolePrimary,
		BaseURL: primary.URL(),
		Timeout: cfg.RequestTimeout,
	})
	replicaClient := upstream.New(upstream.Config{
		Role:    types.RoleReplica,
		BaseURL: replica.URL(),
		Timeout: cfg.RequestTimeout,
	})

	monitor := health.NewMonitor(map[types.InstanceRole]health.Checker{
		types.RolePrimary: health.NewVersionProber(primaryClient),
		types.RoleReplica: health.NewVersionProber(replicaClient),
	}, health.Config{
		Interval:         cfg.HealthInterval,
		ProbeTimeout:     cfg.ProbeTimeout,
		FailureThreshold: cfg.FailureThreshold,
	}, broker)

	sizer := memlimit.NewBatchSizer(memlimit.Config{DefaultBatch: 25, MaxBatch: 50})
	gov := governor.New(governor.Config{
		MaxConcurrent: 64,
		QueueSize:     128,
		QueueTimeout:  time.Second,
		Granular:      true,
	})

	registry := mapping.NewRegistry(st, map[types.InstanceRole]mapping.Discoverer{
		types.RolePrimary: primaryClient,
		types.RoleReplica: replicaClient,
	}, gov, broker)

	engine := wal.NewEngine(st, registry, map[types.InstanceRole]wal.Forwarder{
		types.RolePrimary: primaryClient,
		types.RoleReplica: replicaClient,
	}, sizer, gov, broker, wal.Config{
		MaxRetries:   cfg.MaxRetries,
		RetryMinWait: cfg.RetryMinWait,
	})

	ldg := ledger.New(st, monitor, broker, ledger.Config{
		StuckAfter:    cfg.StuckAfter,
		MaxRecoveries: 3,
	})

	gateway := router.New(map[types.InstanceRole]router.Upstream{
		types.RolePrimary: primaryClient,
		types.RoleReplica: replicaClient,
	}, monitor, registry, engine, ldg, gov, router.Config{
		ReadPreferenceRatio: cfg.ReadPreferenceRatio,
		RequestTimeout:      cfg.RequestTimeout,
		RealtimeTimeout:     cfg.ProbeTimeout,
	})
	ldg.SetRedispatcher(gateway)

	mgr := workers.NewManager(engine, registry, map[types.InstanceRole]workers.Instance{
		types.RolePrimary: primaryClient,
		types.RoleReplica: replicaClient,
	}, ldg, st, monitor, broker, workers.Config{
		DrainInterval:   cfg.DrainInterval,
		ScanInterval:    cfg.ScanInterval,
		PruneInterval:   time.Hour,
		MaxWorkers:      3,
		RetainSyncedWAL: time.Hour,
		RetainAttempts:  time.Hour,
		RetainMetrics:   time.Hour,
	})

	apiServer := api.NewServer(monitor, engine, registry, ldg, st, gov, sizer, gov, api.Config{
		Listen:          "127.0.0.1:0",
		AdminRateLimit:  50,
		ReadTimeout:     cfg.RequestTimeout,
		WriteTimeout:    2 * cfg.RequestTimeout,
		GranularLocking: true,
	})
	apiServer.SetProxy(gateway)

	return &Stack{
		Config:    cfg,
		Primary:   primary,
		Replica:   replica,
		Store:     st,
		Broker:    broker,
		Monitor:   monitor,
		Registry:  registry,
		Engine:    engine,
		Ledger:    ldg,
		Gateway:   gateway,
		Workers:   mgr,
		API:       apiServer,
		collector: metrics.NewCollector(st, st, gov, 250*time.Millisecond),
	}
}

// Start boots the background loops and the listener, then waits for the
// first health probes so scenarios begin from a settled view.
func (s *Stack) Start() error {
	if s.started {
		return fmt.Errorf("stack already started")
	}
	s.started = true

	s.Broker.Start()
	s.Monitor.Start()
	s.Workers.Start()
	s.collector.Start()
	s.Server = httptest.NewServer(s.API.Handler())

	// same registrations the daemon makes, so /ready answers in-process
	metrics.RegisterComponent("store", true, "connected")
	metrics.RegisterComponent("health_monitor", true, "probing")
	metrics.RegisterComponent("router", true, "serving")
	metrics.RegisterComponent("workers", true, "running")

	deadline := time.Now().Add(2 * time.Second)
	for {
		snapshot := s.Monitor.Snapshot()
		probed := len(snapshot) == 2
		for _, ih := range snapshot {
			if ih.LastCheck.IsZero() {
				probed = false
			}
		}
		if probed {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("health monitor did not finish its first probe round")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// Stop tears everything down in reverse order
func (s *Stack) Stop() {
	if s.Server != nil {
		s.Server.Close()
	}
	if s.started {
		s.Workers.Stop()
		s.collector.Stop()
		s.Monitor.Stop()
		s.Broker.Stop()
	}
	_ = s.Store.Close()
	s.Primary.Close()
	s.Replica.Close()
}

// URL returns the combined listener's base URL
func (s *Stack) URL() string {
	return s.Server.URL
}

// Client returns an HTTP client bound to the stack's listener
func (s *Stack) Client() *Client {
	return NewClient(s.Server.URL)
}

// Instance returns the fake behind a role
func (s *Stack) Instance(role types.InstanceRole) *FakeInstance {
	if role == types.RolePrimary {
		return s.Primary
	}
	return s.Replica
}

// DrainWAL forces one synchronous replay pass against both instances,
// useful when a test wants convergence without waiting for the tick
func (s *Stack) DrainWAL(ctx context.Context) error {
	for _, role := range types.Roles() {
		if !s.Monitor.Healthy(role) {
			continue
		}
		if _, err := s.Engine.Drain(ctx, role); err != nil {
			return err
		}
	}
	return nil
}
