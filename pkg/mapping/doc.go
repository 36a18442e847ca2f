// Package mapping keeps the authoritative binding between user-facing
// collection names and the identifiers each instance assigned them.
//
// The two instances hand out independent identifiers on creation, so the
// same logical collection is "P1" on the primary and "R1" on the
// replica. Every identifier-based operation the engine routes or replays
// goes through this registry first. The one rule that must never break:
// resolution for a given instance returns that instance's identifier or
// a miss, never the other side's.
//
// Rows persist in the metadata store; a write-through cache keeps the
// hot path off the database. When a name misses both cache and store,
// the registry probes the target instance directly and records what it
// finds, which heals mappings lost to partial outages.
package mapping
