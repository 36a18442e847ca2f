// Package workers runs the background reconciliation loops that pull
// the instance pair back together after a divergence.
//
// Four loops, one Manager:
//
//   - WAL drain: one ordered batch per healthy instance per tick.
//     Recovery and append events kick an extra pass so catch-up starts
//     seconds after an instance returns, not a full interval later.
//   - Collection recovery: on an instance-recovered event, mappings that
//     hold an identifier on the surviving instance but none on the
//     recovered one are restored there by name and completed. Restores
//     run in parallel, bounded by MaxWorkers.
//   - Transaction-safety scan: parks attempts stuck in ATTEMPTING and
//     redispatches parked ones through the router (pkg/ledger does the
//     actual work; this package only provides the cadence).
//   - Retention prune: synced WAL rows, terminal attempts, and aged
//     metric points age out on their configured windows.
//
// Every task is idempotent and tolerates running twice for the same
// trigger. The event broker may drop events under pressure, so no task
// depends on events alone; each also runs on its ticker, bounding the
// damage of a dropped event to one interval.
package workers
