/*
Package events provides in-process publish/subscribe event distribution.

The broker decouples the health monitor from the reconciliation workers:
the monitor publishes instance transitions without knowing who reacts, and
workers subscribe without holding a reference into the monitor. This
breaks what would otherwise be a cyclic dependency between the two.

# Event Flow

	health.Monitor ──EventInstanceDown────────► router (mode gauge)
	               ──EventInstanceRecovered──► workers (drain + recovery sync)
	wal.Engine     ──EventWALAppended─────────► workers (early drain)
	mapping        ──EventMappingFailure──────► workers (repair sweep)
	ledger         ──EventAttemptStuck────────► workers (txn recovery)

# Delivery Semantics

At-least-once toward the broker, at-most-once per subscriber: Publish
blocks only on the shared 100-event buffer, and broadcast drops events for
subscribers whose 50-event buffer is full rather than stalling the rest.
Consumers therefore must be idempotent and must not rely on events as
their only trigger: every worker also runs on a periodic tick, so a
dropped event delays work by at most one interval.

# Usage

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	go func() {
	    for ev := range sub {
	        if ev.Type == events.EventInstanceRecovered {
	            // kick a drain for ev.Instance
	        }
	    }
	}()

	broker.Publish(&events.Event{
	    Type:     events.EventInstanceRecovered,
	    Instance: "replica",
	})

# Thread Safety

All broker methods are safe for concurrent use. Subscribe/Unsubscribe
take the write lock; broadcast takes the read lock.
*/
package events
