// Package governor bounds how much work the engine accepts at once.
//
// A weighted semaphore caps in-flight requests; overflow joins a bounded
// FIFO queue with a wait timeout. Both rejection paths are loud: queue
// full and queue timeout are distinct error kinds that the HTTP layer
// turns into 503s with explanatory bodies, because a silently dropped
// request is indistinguishable from a lost write.
//
// The governor also owns the named critical-section locks (wal_write,
// collection_mapping, metrics, status). The granular flag switches
// between one mutex per name and one global mutex for all of them.
package governor
