// Package health keeps two views of each vector-store instance.
//
// The cached view is what routing decisions read in the hot path. A
// probe loop per instance refreshes it every two seconds (configurable)
// against the instance's version endpoint. Transitions are asymmetric:
// an instance must fail FailureThreshold consecutive probes to be marked
// unhealthy, but a single success marks it healthy again. Flapping
// instances therefore drop out slowly and come back fast, which biases
// the engine toward serving traffic.
//
// The real-time view exists for writes. The cached view can be up to one
// interval stale, and routing a write to an instance that died a second
// ago turns a survivable outage into a WAL entry that was never needed
// or, worse, a lost write. The router calls RealTime immediately before
// dispatching a write; the result is used once and discarded rather than
// folded into the cached machine, so recovery events stay tied to the
// steady probe loop.
//
// When the cached view flips unhealthy→healthy, the monitor publishes
// events.EventInstanceRecovered. The WAL drain worker and the
// collection-recovery worker subscribe to it; both are idempotent, so
// the broker's at-least-once delivery is enough.
package health
