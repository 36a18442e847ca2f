// Package ledger gives every client write an accountable lifecycle.
//
// An ATTEMPTING row is written before the router dispatches a mutation,
// carrying enough of the request to re-run it. The row then follows the
// outcome: COMPLETED on a 2xx, FAILED when the client saw an error, or,
// when the process died mid-flight, parked as PENDING_RECOVERY by the
// periodic scan and redispatched through the router until it lands
// (RECOVERED) or exhausts its attempts (ABANDONED).
//
// Terminal stamps run detached from the request context. FAILED counts
// as terminal: the client already observed that outcome, so recovery
// never replays it.
package ledger
