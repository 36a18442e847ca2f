package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tandem-io/tandem/pkg/api"
	"github.com/tandem-io/tandem/pkg/config"
	"github.com/tandem-io/tandem/pkg/events"
	"github.com/tandem-io/tandem/pkg/governor"
	"github.com/tandem-io/tandem/pkg/health"
	"github.com/tandem-io/tandem/pkg/ledger"
	"github.com/tandem-io/tandem/pkg/log"
	"github.com/tandem-io/tandem/pkg/mapping"
	"github.com/tandem-io/tandem/pkg/memlimit"
	"github.com/tandem-io/tandem/pkg/metrics"
	"github.com/tandem-io/tandem/pkg/router"
	"github.com/tandem-io/tandem/pkg/store"
	"github.com/tandem-io/tandem/pkg/types"
	"github.com/tandem-io/tandem/pkg/upstream"
	"github.com/tandem-io/tandem/pkg/wal"
	"github.com/tandem-io/tandem/pkg/workers"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "tandem",
	Short: "Tandem - High-availability coordinator for replicated vector stores",
	Long: `Tandem fronts a primary/replica pair of vector-database instances
and keeps them interchangeable: it routes and fails over client traffic,
logs writes that missed an instance in a durable write-ahead log, and
replays them in order once the instance returns.

Clients talk to one endpoint and keep using collection names; Tandem
owns the mapping to each instance's private identifiers.`,
	Version: Version,
}

func init() {
	// Set version template
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Tandem version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	// Add subcommands
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(checkConfigCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the coordination engine",
	Long: `Start the engine: health monitoring of both instances, the
client-facing proxy with failover, the WAL drain and recovery workers,
and the admin/status surface, all on one listener.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")

		cfg, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("failed to load configuration: %v", err)
		}

		log.Init(log.Config{
			Level:      log.Level(cfg.Log.Level),
			JSONOutput: cfg.Log.JSON,
		})
		metrics.SetVersion(Version)

		return serve(cfg)
	},
}

var checkConfigCmd = &cobra.Command{
	Use:   "check-config",
	Short: "Validate a configuration file and print the effective values",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")

		cfg, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("configuration invalid: %v", err)
		}

		fmt.Println("Configuration OK")
		fmt.Printf("  Listen:       %s\n", cfg.Listen)
		fmt.Printf("  Primary:      %s\n", cfg.Primary.URL)
		fmt.Printf("  Replica:      %s\n", cfg.Replica.URL)
		fmt.Printf("  Store DSN:    %s\n", redactDSN(cfg.Store.DSN))
		fmt.Printf("  Pooling:      %v (size %d)\n", cfg.Store.PoolEnabled, cfg.Store.PoolSize)
		fmt.Printf("  Health:       every %s, threshold %d\n", cfg.Health.CheckInterval, cfg.Health.FailureThreshold)
		fmt.Printf("  WAL drain:    every %s, batch %d-%d\n", cfg.WAL.SyncInterval, cfg.WAL.BatchSize, cfg.WAL.BatchSizeMax)
		fmt.Printf("  Concurrency:  %d in flight, queue %d\n", cfg.Limits.MaxConcurrentRequests, cfg.Limits.RequestQueueSize)
		fmt.Printf("  Memory limit: %d MB (pressure at %.0f%%)\n", cfg.Memory.MaxMemoryMB, cfg.Memory.PressureFraction*100)
		return nil
	},
}

func init() {
	serveCmd.Flags().String("config", "", "Path to YAML configuration file (TANDEM_* env vars override)")
	checkConfigCmd.Flags().String("config", "", "Path to YAML configuration file")
}

// serve wires the engine together and runs it until a signal arrives.
func serve(cfg *config.Config) error {
	fmt.Println("Starting Tandem...")
	fmt.Printf("  Listen:  %s\n", cfg.Listen)
	fmt.Printf("  Primary: %s\n", cfg.Primary.URL)
	fmt.Printf("  Replica: %s\n", cfg.Replica.URL)
	fmt.Println()

	// Metadata store first: nothing else can run without it.
	st, err := store.Open(cfg.Store.DSN, store.Options{
		PoolEnabled:  cfg.Store.PoolEnabled,
		PoolSize:     cfg.Store.PoolSize,
		QueryTimeout: cfg.Store.QueryTimeout,
	})
	if err != nil {
		return fmt.Errorf("failed to open metadata store: %v", err)
	}
	metrics.RegisterComponent("store", true, "connected")
	fmt.Println("✓ Metadata store connected")

	broker := events.NewBroker()
	broker.Start()

	primary := upstream.New(upstream.Config{
		Role:      types.RolePrimary,
		BaseURL:   cfg.Primary.URL,
		APIPrefix: cfg.Primary.APIPrefix,
		Timeout:   cfg.Routing.RequestTimeout,
	})
	replica := upstream.New(upstream.Config{
		Role:      types.RoleReplica,
		BaseURL:   cfg.Replica.URL,
		APIPrefix: cfg.Replica.APIPrefix,
		Timeout:   cfg.Routing.RequestTimeout,
	})

	monitor := health.NewMonitor(
		map[types.InstanceRole]health.Checker{
			types.RolePrimary: health.NewVersionProber(primary),
			types.RoleReplica: health.NewVersionProber(replica),
		},
		health.Config{
			Interval:         cfg.Health.CheckInterval,
			ProbeTimeout:     cfg.Health.RealtimeTimeout,
			FailureThreshold: cfg.Health.FailureThreshold,
		},
		broker,
	)
	monitor.Start()
	metrics.RegisterComponent("health_monitor", true, "probing")
	fmt.Println("✓ Health monitor started")

	sizer := memlimit.NewBatchSizer(memlimit.Config{
		MaxMemoryMB:      cfg.Memory.MaxMemoryMB,
		PressureFraction: cfg.Memory.PressureFraction,
		DefaultBatch:     cfg.WAL.BatchSize,
		MaxBatch:         cfg.WAL.BatchSizeMax,
	})

	gov := governor.New(governor.Config{
		MaxConcurrent: cfg.Limits.MaxConcurrentRequests,
		QueueSize:     cfg.Limits.RequestQueueSize,
		QueueTimeout:  cfg.Limits.QueueWaitTimeout,
		Granular:      cfg.Limits.GranularLocking,
	})

	registry := mapping.NewRegistry(st,
		map[types.InstanceRole]mapping.Discoverer{
			types.RolePrimary: primary,
			types.RoleReplica: replica,
		}, gov, broker)

	engine := wal.NewEngine(st, registry,
		map[types.InstanceRole]wal.Forwarder{
			types.RolePrimary: primary,
			types.RoleReplica: replica,
		},
		sizer, gov, broker,
		wal.Config{
			MaxRetries:   cfg.WAL.MaxRetries,
			RetryMinWait: cfg.WAL.RetryMinWait,
		})
	fmt.Println("✓ WAL engine ready")

	ldg := ledger.New(st, monitor, broker, ledger.Config{
		StuckAfter:    cfg.Ledger.StuckThreshold,
		MaxRecoveries: cfg.Ledger.MaxRecoveries,
	})

	gateway := router.New(
		map[types.InstanceRole]router.Upstream{
			types.RolePrimary: primary,
			types.RoleReplica: replica,
		},
		monitor, registry, engine, ldg, gov,
		router.Config{
			ReadPreferenceRatio: cfg.Routing.ReadPreferenceRatio,
			RequestTimeout:      cfg.Routing.RequestTimeout,
			RealtimeTimeout:     cfg.Health.RealtimeTimeout,
		})
	ldg.SetRedispatcher(gateway)
	metrics.RegisterComponent("router", true, "serving")
	fmt.Println("✓ Router ready")

	collector := metrics.NewCollector(st, st, gov, 15*time.Second)
	collector.Start()

	mgr := workers.NewManager(engine, registry,
		map[types.InstanceRole]workers.Instance{
			types.RolePrimary: primary,
			types.RoleReplica: replica,
		},
		ldg, st, monitor, broker,
		workers.Config{
			DrainInterval:   cfg.WAL.SyncInterval,
			ScanInterval:    cfg.Ledger.ScanInterval,
			MaxWorkers:      cfg.Limits.MaxWorkers,
			RetainSyncedWAL: cfg.WAL.RetentionSynced,
			RetainAttempts:  cfg.Retain.Attempts,
			RetainMetrics:   cfg.Retain.Metrics,
		})
	mgr.Start()
	metrics.RegisterComponent("workers", true, "running")
	fmt.Println("✓ Background workers started")

	srv := api.NewServer(monitor, engine, registry, ldg, st, gov, sizer, gov, api.Config{
		Listen:          cfg.Listen,
		AdminRateLimit:  cfg.Limits.AdminRateLimit,
		PoolEnabled:     cfg.Store.PoolEnabled,
		GranularLocking: cfg.Limits.GranularLocking,
		ReadTimeout:     cfg.Routing.RequestTimeout,
		WriteTimeout:    2 * cfg.Routing.RequestTimeout,
	})
	srv.SetProxy(gateway)

	// Keep the store's readiness component honest while we run.
	pingStop := make(chan struct{})
	go storePingLoop(st, pingStop)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil {
			errCh <- fmt.Errorf("server error: %v", err)
		}
	}()
	fmt.Println("✓ Server listening")

	fmt.Println()
	fmt.Println("Tandem is running. Press Ctrl+C to stop.")

	mainLog := log.WithComponent("main")
	mainLog.Info().
		Str("version", Version).
		Str("listen", cfg.Listen).
		Msg("tandem started")

	// Wait for interrupt signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		fmt.Println("\nShutting down...")
	case err := <-errCh:
		fmt.Fprintf(os.Stderr, "\nError: %v\n", err)
	}

	// Stop intake first, then drain in-flight requests, then stop the
	// background machinery those requests may still be touching.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: server shutdown incomplete: %v\n", err)
	}

	close(pingStop)
	mgr.Stop()
	collector.Stop()
	monitor.Stop()
	broker.Stop()
	if err := st.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: store close failed: %v\n", err)
	}

	fmt.Println("✓ Shutdown complete")
	return nil
}

// storePingLoop keeps the store component's readiness status current.
func storePingLoop(st *store.SQLStore, stopCh chan struct{}) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := st.Ping(ctx); err != nil {
				metrics.UpdateComponent("store", false, err.Error())
			} else {
				metrics.UpdateComponent("store", true, "connected")
			}
			cancel()
		}
	}
}

// redactDSN hides credentials when echoing configuration back.
func redactDSN(dsn string) string {
	at := strings.IndexByte(dsn, '@')
	if at < 0 {
		return dsn
	}
	scheme := strings.Index(dsn, "://")
	if scheme < 0 || scheme > at {
		return dsn
	}
	return dsn[:scheme+3] + "***" + dsn[at:]
}
