// Package upstream holds the per-instance HTTP clients for the two
// vector-store backends.
//
// Each Client buffers requests and responses whole, because the routing
// layer has to inspect replies (collection IDs from creates, 404s from
// deletes) before deciding what to tell the client and what to log in
// the WAL. A circuit breaker per instance sheds forwarded traffic during
// connection-refused storms; health probes bypass it, since the health
// monitor is the component that decides when an instance is back and
// must not be blinded by an open breaker.
//
// Transport failures are errors; HTTP error statuses are answers. A 404
// from a DELETE can mean success (the collection is already gone), so
// the client never converts statuses into errors on the Do path.
package upstream
