/*
Package log provides structured logging for tandem using zerolog.

The log package wraps the zerolog library to provide JSON-structured logging
with component-specific loggers, configurable log levels, and helper functions
for common logging patterns. All logs include timestamps and support filtering
by severity level for production debugging.

# Architecture

	┌──────────────────── LOGGING SYSTEM ───────────────────┐
	│                                                         │
	│  ┌────────────────────────────────────────────┐        │
	│  │            Global Logger                    │        │
	│  │  - Zerolog instance                         │        │
	│  │  - Initialized via log.Init()               │        │
	│  │  - Thread-safe for concurrent use           │        │
	│  └──────────────────┬─────────────────────────┘        │
	│                     │                                   │
	│  ┌──────────────────▼─────────────────────────┐        │
	│  │         Context Loggers                     │        │
	│  │  - WithComponent("router")                  │        │
	│  │  - WithInstance("replica")                  │        │
	│  │  - WithCollection("docs")                   │        │
	│  │  - WithWriteID("7f9c...")                   │        │
	│  │  - WithRequestID("a1b2...")                 │        │
	│  └──────────────────┬─────────────────────────┘        │
	│                     │                                   │
	│  ┌──────────────────▼─────────────────────────┐        │
	│  │            Log Output                       │        │
	│  │  JSON:                                      │        │
	│  │  {"level":"info","component":"wal",         │        │
	│  │   "write_id":"7f9c...","message":"synced"}  │        │
	│  │  Console:                                   │        │
	│  │  10:30AM INF synced component=wal           │        │
	│  └────────────────────────────────────────────┘        │
	└─────────────────────────────────────────────────────┘

# Core Components

Global Logger:
  - Package-level zerolog.Logger instance
  - Initialized once via log.Init()
  - Accessible from all tandem packages
  - Thread-safe concurrent writes

Log Levels:
  - Debug: Detailed debugging information (routing decisions, batch sizes)
  - Info: General informational messages (sync completed, instance recovered)
  - Warn: Warning messages (instance marked unhealthy, queue near capacity)
  - Error: Error messages (replay failed, store unreachable)
  - Fatal: Critical errors (process exits)

Context Loggers:
  - WithComponent: Add component name to all logs
  - WithInstance: Add instance role (primary/replica) context
  - WithCollection: Add collection name context
  - WithWriteID: Add WAL write ID context
  - WithRequestID: Add inbound request ID context

# Usage

Initializing the Logger:

	import "github.com/tandem-io/tandem/pkg/log"

	// JSON output (production)
	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     os.Stdout,
	})

	// Console output (development)
	log.Init(log.Config{
		Level:      log.DebugLevel,
		JSONOutput: false,
		Output:     os.Stdout,
	})

Simple Logging:

	log.Info("coordination engine started")
	log.Warn("replica marked unhealthy")
	log.Error("failed to persist WAL entry")

Structured Logging:

	log.Logger.Info().
		Str("instance", "replica").
		Int("pending", 42).
		Msg("WAL drain complete")

	log.Logger.Error().
		Err(err).
		Str("write_id", writeID).
		Msg("replay failed")

Component Loggers:

	walLog := log.WithComponent("wal")
	walLog.Info().Msg("starting replay batch")

	// Multiple context fields
	syncLog := log.WithComponent("workers").
		With().Str("instance", "replica").Logger()
	syncLog.Info().Msg("recovery sync started")

# Integration Points

This package integrates with:

  - pkg/router: request routing decisions and failover transitions
  - pkg/wal: append/replay lifecycle per write ID
  - pkg/health: probe results and state transitions
  - pkg/workers: reconciliation loop progress
  - pkg/store: query retries and pool state
  - pkg/api: admin endpoint access logs

# Design Patterns

Global Logger Pattern:
  - Single package-level Logger instance
  - Initialized once at application start
  - Accessible from all packages without passing

Context Logger Pattern:
  - Create child loggers with context fields
  - Automatically includes context in all logs
  - Avoids repeating fields at every call site

Error Logging Pattern:
  - Always use .Err(err) for error objects
  - Consistent error format across codebase

# Best Practices

Do:
  - Use Info level for production
  - Use structured fields for queryable data
  - Include context (instance, collection, write_id)

Don't:
  - Log request payloads (vector data is bulky and may be sensitive)
  - Use Debug level in production
  - Log in tight loops (the WAL replayer logs per batch, not per entry)

# See Also

  - Zerolog documentation: https://github.com/rs/zerolog
  - 12-Factor App Logs: https://12factor.net/logs
*/
package log
