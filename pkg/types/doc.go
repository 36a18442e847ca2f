/*
Package types defines the core data structures and error taxonomy shared by
every component of the coordination engine.

This package contains only plain data types, small helpers on them, and the
sentinel errors the engine classifies failures with. It has no dependencies
on other tandem packages and imports nothing beyond the standard library,
which keeps it importable from anywhere without cycles.

# Architecture

Types flow through the system as follows:

	┌──────────┐     CollectionMapping      ┌─────────────┐
	│  router  │ ─────────────────────────► │   mapping   │
	│          │     WALEntry               │   registry  │
	│ (proxy)  │ ─────────────────────────► └─────────────┘
	└──────────┘                                   │
	     │          TransactionAttempt             ▼
	     └────────────────────────────────► ┌─────────────┐
	                                        │    store    │
	          workers replay WALEntry  ◄─── │ (postgres)  │
	                                        └─────────────┘

# Core Types

InstanceRole identifies the two replicated vector-store backends. The
engine is exactly two-instance: "primary" and "replica" are fixed roles
with fixed routing preferences, not cluster members.

CollectionMapping records the name→ID bindings for one logical collection.
The same collection name yields a different internal ID on each instance,
so every document-scoped request must be rewritten per instance. A mapping
is "partial" until both IDs are known, then "complete".

WALEntry is one durably logged write. Entries are replayed in timestamp
order (priority breaks exact ties only) and tracked per instance: an entry
targeting "both" reaches status "synced" only after both instances have
individually acknowledged it.

TransactionAttempt is the accountability record written before a client
write is dispatched. It carries the full request payload so a crashed
process can re-derive and re-issue the write on restart.

# Error Taxonomy

The sentinel errors (ErrTransient, ErrConflict, ErrNotFound, ...) define
the failure classes the engine reacts to differently. Components wrap them
with fmt.Errorf("context: %w", err); Kind() recovers the class at decision
points (retry loops, HTTP status mapping, metrics labels):

	if types.Kind(err) == types.KindNotFound {
	    // deleting something already gone is success
	}

Retryable() answers the narrower question of whether a bounded retry is
worth attempting at all.

# State Machines

WALEntry status:

	executed ──replay ok──► synced
	    │                      ▲
	    └──replay fails──► failed ──retry ok──┘

TransactionAttempt status:

	ATTEMPTING ──► COMPLETED | FAILED
	    │
	    └─(stuck >10m)─► PENDING_RECOVERY ──► RECOVERED | ABANDONED

Terminal states (COMPLETED, RECOVERED, ABANDONED) never change again.

# Thread Safety

All types in this package are plain values. None of them synchronize;
ownership and locking are the caller's concern (see pkg/governor).

# See Also

  - pkg/store: persistence of these types
  - pkg/wal: WALEntry lifecycle
  - pkg/ledger: TransactionAttempt lifecycle
  - pkg/mapping: CollectionMapping lifecycle
*/
package types
