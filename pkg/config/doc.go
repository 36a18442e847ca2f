/*
Package config loads and validates the engine's configuration.

Configuration merges three layers, last writer wins:

 1. DefaultConfig(), the documented defaults
 2. an optional YAML file passed to Load()
 3. TANDEM_* environment variables

# Usage

	cfg, err := config.Load("/etc/tandem/tandem.yaml")
	if err != nil {
	    log.Fatal(err.Error())
	}

An empty path skips the file layer, which is how containers configured
purely through the environment run:

	cfg, err := config.Load("")

# Selected Keys

	Key (yaml / env)                                  Default   Effect
	primary.url / TANDEM_PRIMARY_URL                  (none)    upstream endpoint
	replica.url / TANDEM_REPLICA_URL                  (none)    upstream endpoint
	health.check_interval / TANDEM_HEALTH_CHECK_…     2s        cached health refresh
	health.realtime_timeout / TANDEM_HEALTH_REALTIME… 5s        write-path probe
	health.failure_threshold                          3         consecutive fails to mark down
	wal.sync_interval / TANDEM_WAL_SYNC_INTERVAL      10s       drain cadence
	wal.batch_size / batch_size_max                   50 / 200  adaptive sizing bounds
	wal.max_retries                                   3         before a row is parked
	limits.max_concurrent_requests                    30        request semaphore
	limits.request_queue_size                         100       FIFO overflow
	routing.request_timeout                           15s       downstream call budget
	memory.max_memory_mb                              400       adaptive batch ceiling
	routing.read_preference_ratio                     0.8       reads sent to replica

Validation happens once at startup; a config that fails Validate() never
reaches the components. Configuration is read-once: the process must be
restarted to pick up changes.
*/
package config
