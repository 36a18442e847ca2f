// Package wal keeps mutations durable until every targeted instance has
// acknowledged them.
//
// When a write reaches only one instance, the router logs it here before
// answering the client. The log lives in PostgreSQL, so the obligation
// survives engine restarts. A drain pass later replays pending rows
// against the lagging instance in chronological order, with collection
// operations winning exact-timestamp ties so structure lands before the
// content that needs it.
//
// # Appends are detached
//
// Append runs on a context detached from the client request. Once an
// instance has executed a write, a client disconnect or timeout must not
// lose the replay obligation; the append gets its own deadline instead.
// Timestamps are assigned under the wal_write lock so the log's order
// matches admission order.
//
// # Replay trusts the response
//
// The instance's replay response is authoritative. A 2xx acknowledges the
// row and nothing ever re-inspects the instance to second-guess it. Two
// 404 shapes also count as done: deleting a collection that is already
// gone, and deleting documents from a collection that no longer exists at
// all. A 404 from a live collection means the replay was addressed wrong
// and the row retries.
//
// Failed rows wait RetryMinWait × 2^retry_count between attempts and are
// parked once they exhaust MaxRetries. Batch sizes come from the
// memory-adaptive sizer in pkg/memlimit.
package wal
