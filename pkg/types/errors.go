package types

import "errors"

// Sentinel errors for the failure classes the engine distinguishes.
// Callers wrap these with fmt.Errorf("...: %w", err) and classify with Kind.
var (
	// ErrTransient covers retryable infrastructure hiccups (connection
	// refused/reset, timeouts). Retried with bounded backoff.
	ErrTransient = errors.New("transient failure")

	// ErrConflict marks a resource that already exists (duplicate create).
	ErrConflict = errors.New("conflict")

	// ErrNotFound marks a missing upstream resource. Context decides whether
	// it is an error at all: deleting an already-absent collection is success.
	ErrNotFound = errors.New("not found")

	// ErrMappingMissing means a collection name resolved to no usable ID on
	// the instance being addressed.
	ErrMappingMissing = errors.New("collection mapping missing")

	// ErrNoHealthyInstance means neither instance can serve the request.
	ErrNoHealthyInstance = errors.New("no healthy instance")

	// ErrPoolExhausted marks a saturated connection pool.
	ErrPoolExhausted = errors.New("connection pool exhausted")

	// ErrQueueFull marks an admission queue past capacity.
	ErrQueueFull = errors.New("request queue full")

	// ErrQueueTimeout marks a queued request that waited past its deadline.
	ErrQueueTimeout = errors.New("timed out waiting for request slot")

	// ErrStoreFailure marks a metadata store operation that failed after
	// retries. Durability guarantees degrade while this persists.
	ErrStoreFailure = errors.New("metadata store failure")

	// ErrProtocol marks an upstream response the engine cannot interpret.
	ErrProtocol = errors.New("protocol error")
)

// ErrorKind buckets an error for routing, retry and metrics decisions
type ErrorKind string

const (
	KindTransient      ErrorKind = "transient"
	KindConflict       ErrorKind = "conflict"
	KindNotFound       ErrorKind = "not_found"
	KindMappingMissing ErrorKind = "mapping_missing"
	KindHealthFailure  ErrorKind = "health_failure"
	KindPoolExhausted  ErrorKind = "pool_exhausted"
	KindQueueFull      ErrorKind = "queue_full"
	KindStoreFailure   ErrorKind = "store_failure"
	KindProtocol       ErrorKind = "protocol"
	KindUnknown        ErrorKind = "unknown"
)

// Kind classifies err against the sentinel set
func Kind(err error) ErrorKind {
	switch {
	case err == nil:
		return KindUnknown
	case errors.Is(err, ErrTransient):
		return KindTransient
	case errors.Is(err, ErrConflict):
		return KindConflict
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrMappingMissing):
		return KindMappingMissing
	case errors.Is(err, ErrNoHealthyInstance):
		return KindHealthFailure
	case errors.Is(err, ErrPoolExhausted):
		return KindPoolExhausted
	case errors.Is(err, ErrQueueFull), errors.Is(err, ErrQueueTimeout):
		return KindQueueFull
	case errors.Is(err, ErrStoreFailure):
		return KindStoreFailure
	case errors.Is(err, ErrProtocol):
		return KindProtocol
	}
	return KindUnknown
}

// Retryable reports whether the error class is worth retrying at all
func Retryable(err error) bool {
	switch Kind(err) {
	case KindTransient, KindPoolExhausted, KindStoreFailure:
		return true
	}
	return false
}
