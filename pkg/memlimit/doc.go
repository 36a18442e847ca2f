/*
Package memlimit adapts batch sizes to process memory pressure.

The WAL replayer loads whole batches of logged writes (vector payloads
included) into memory. To keep the engine inside its memory budget the
BatchSizer samples process RSS before each batch: at or above the pressure
threshold (default 80% of a 400 MB ceiling) the batch size halves, below
it the size doubles back toward the configured maximum.

The signal is the resident set of THIS process, read from /proc/self via
prometheus/procfs (Go runtime accounting on platforms without /proc).
Host-wide memory is never consulted: a noisy neighbor must not shrink our
batches.

	sizer := memlimit.NewBatchSizer(memlimit.Config{
	    MaxMemoryMB:      cfg.Memory.MaxMemoryMB,
	    PressureFraction: cfg.Memory.PressureFraction,
	    DefaultBatch:     cfg.WAL.BatchSize,
	    MaxBatch:         cfg.WAL.BatchSizeMax,
	})

	limit := sizer.Next() // sample + adjust, use as LIMIT for the batch query

Next is safe for concurrent use, though in practice only the drain worker
calls it.
*/
package memlimit
