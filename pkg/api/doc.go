// Package api serves the admin/status surface. The client-facing proxy
// mounts as the fallback handler, so both share one listener: paths the
// admin routes do not claim pass straight through to the gateway.
//
// # Endpoints
//
//	GET  /status              aggregate view: instance health, routing
//	                          mode, pool stats, governor gauges,
//	                          feature flags
//	GET  /wal/status          pending replay counts per instance,
//	                          success/failure totals, last sync age,
//	                          current adaptive batch size
//	GET  /collection/mappings every name → identifier mapping row
//	POST /admin/create_mapping force-write a mapping row (repair path,
//	                          rate-limited)
//	GET  /health, /ready, /live, /metrics
//
// Everything here is read-only except create_mapping, which exists to
// repair a mapping lost to operator error. It bypasses the no-overwrite
// rule the normal create path enforces, so it sits behind a rate limiter
// and logs every use.
//
// The status snapshot is taken under the governor's status lock so one
// response never mixes two generations of state.
package api
