// Package router is the client-facing gateway over the instance pair.
//
// Every request is classified from its method and path shape alone;
// bodies stay opaque buffers. Reads follow the cached health view, with
// the replica taking a configured share while both instances are up.
// Writes probe the chosen instance in real time first, because a write
// that lands on a dead-but-cached-healthy primary is a lost write.
//
// A mutation executes on exactly one instance. Whatever the other
// instance missed goes to the WAL before the client hears success, so
// the pair converges without the client retrying. Collection creates
// are the exception: they go to both instances synchronously to collect
// both identifiers for the mapping registry.
//
// Identifier rewriting applies to document paths only. Collection
// paths stay name-based end to end; the distinction is load-bearing,
// because collection identifiers differ per instance while names do not.
package router
