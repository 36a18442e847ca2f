package router

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tandem-io/tandem/pkg/log"
	"github.com/tandem-io/tandem/pkg/metrics"
	"github.com/tandem-io/tandem/pkg/types"
	"github.com/tandem-io/tandem/pkg/upstream"
	"github.com/tandem-io/tandem/pkg/wal"
)

// Upstream is the slice of the instance client the gateway forwards through
type Upstream interface {
	Role() types.InstanceRole
	Do(ctx context.Context, method, pathAndQuery string, header http.Header, body []byte) (*upstream.Response, error)
	CreateCollection(ctx context.Context, body []byte, header http.Header) (*upstream.CollectionInfo, *upstream.Response, error)
	DeleteCollection(ctx context.Context, name string, header http.Header) (*upstream.Response, error)
}

// Health exposes the two-speed health views
type Health interface {
	Healthy(role types.InstanceRole) bool
	RealTime(ctx context.Context, role types.InstanceRole) error
	Mode() types.RoutingMode
}

// Mappings is the slice of the registry the gateway needs
type Mappings interface {
	EnsureMapping(ctx context.Context, name string, role types.InstanceRole, id string) (*types.CollectionMapping, error)
	Resolve(ctx context.Context, name string, role types.InstanceRole) (string, error)
	ResolveRef(ctx context.Context, ref string, role types.InstanceRole) (*types.CollectionMapping, string, error)
	Delete(ctx context.Context, name string) error
}

// WAL durably logs writes that still need to reach an instance
type WAL interface {
	Append(ctx context.Context, in wal.AppendInput) (*types.WALEntry, error)
}

// Ledger records the accountability lifecycle of every mutation
type Ledger interface {
	Begin(ctx context.Context, method, path string, data []byte, headers map[string][]string, session string) (*types.TransactionAttempt, error)
	Complete(ctx context.Context, transactionID string)
	Fail(ctx context.Context, transactionID, reason string)
}

// Admission gates requests through the concurrency governor
type Admission interface {
	Acquire(ctx context.Context) (func(), error)
}

// Config tunes the gateway
type Config struct {
	// ReadPreferenceRatio is the share of reads sent to the replica
	// while both instances are healthy
	ReadPreferenceRatio float64

	// RequestTimeout bounds each downstream call
	RequestTimeout time.Duration

	// RealtimeTimeout bounds the write-path health probe
	RealtimeTimeout time.Duration

	// MaxBodyBytes caps buffered request bodies
	MaxBodyBytes int64
}

// DefaultConfig returns the documented defaults
func DefaultConfig() Config {
	return Config{
		ReadPreferenceRatio: 0.8,
		RequestTimeout:      15 * time.Second,
		RealtimeTimeout:     5 * time.Second,
		MaxBodyBytes:        32 << 20,
	}
}

// Gateway fronts the two instances: it classifies every request, routes
// reads by cached health, routes writes by real-time health, and logs
// whatever an instance missed so replay can converge the pair.
type Gateway struct {
	ups      map[types.InstanceRole]Upstream
	health   Health
	registry Mappings
	wal      WAL
	ledger   Ledger
	gate     Admission
	cfg      Config
	logger   zerolog.Logger

	readSeq atomic.Uint64
}

// New builds the gateway
func New(ups map[types.InstanceRole]Upstream, health Health, registry Mappings, w WAL, l Ledger, gate Admission, cfg Config) *Gateway {
	if cfg.ReadPreferenceRatio <= 0 || cfg.ReadPreferenceRatio > 1 {
		cfg.ReadPreferenceRatio = DefaultConfig().ReadPreferenceRatio
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultConfig().RequestTimeout
	}
	if cfg.RealtimeTimeout <= 0 {
		cfg.RealtimeTimeout = DefaultConfig().RealtimeTimeout
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultConfig().MaxBodyBytes
	}

	return &Gateway{
		ups:      ups,
		health:   health,
		registry: registry,
		wal:      w,
		ledger:   l,
		gate:     gate,
		cfg:      cfg,
		logger:   log.WithComponent("router"),
	}
}

// opClass is what the gateway decided a request is
type opClass string

const (
	opRead             opClass = "read"
	opWrite            opClass = "write"
	opCollectionCreate opClass = "collection_create"
	opCollectionDelete opClass = "collection_delete"
)

// POST sub-resources that read rather than mutate
var readSuffixes = []string{"/get", "/query", "/search", "/count"}

// classify decides the request class from method and path shape only.
// Bodies stay opaque.
func classify(method, path string) (opClass, wal.PathInfo, bool) {
	info, ok := wal.ParsePath(path)

	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return opRead, info, ok
	}

	if ok && !info.Document {
		if method == http.MethodPost && info.Ref == "" {
			return opCollectionCreate, info, ok
		}
		if method == http.MethodDelete && info.Ref != "" {
			return opCollectionDelete, info, ok
		}
	}

	if method == http.MethodPost && ok && info.Document {
		for _, suffix := range readSuffixes {
			if strings.HasSuffix(info.Rest, suffix) {
				return opRead, info, ok
			}
		}
	}

	return opWrite, info, ok
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	requestID := r.Header.Get("X-Request-ID")
	if requestID == "" {
		requestID = uuid.NewString()
	}
	w.Header().Set("X-Request-ID", requestID)

	class, info, _ := classify(r.Method, r.URL.RequestURI())

	release, err := g.gate.Acquire(r.Context())
	if err != nil {
		g.reject(w, r, class, requestID, err)
		return
	}
	defer release()

	body, err := io.ReadAll(io.LimitReader(r.Body, g.cfg.MaxBodyBytes))
	if err != nil {
		g.respondError(w, class, requestID, http.StatusBadRequest, "failed to read request body", err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), g.cfg.RequestTimeout)
	defer cancel()

	logger := g.logger.With().
		Str("request_id", requestID).
		Str("class", string(class)).
		Str("method", r.Method).
		Str("path", r.URL.Path).
		Logger()

	switch class {
	case opRead:
		g.serveRead(ctx, w, r, logger, info, body, requestID)
	case opCollectionCreate:
		g.serveCollectionCreate(ctx, w, r, logger, body, requestID)
	case opCollectionDelete:
		g.serveCollectionDelete(ctx, w, r, logger, info, requestID)
	default:
		g.serveWrite(ctx, w, r, logger, info, body, requestID)
	}

	metrics.RequestDuration.WithLabelValues(string(class)).Observe(time.Since(start).Seconds())
}

// reject answers governor refusals. Overflow is always observable: a
// 503 with an explanation, never a silent drop.
func (g *Gateway) reject(w http.ResponseWriter, r *http.Request, class opClass, requestID string, err error) {
	switch {
	case errors.Is(err, types.ErrQueueFull):
		g.respondError(w, class, requestID, http.StatusServiceUnavailable,
			"request queue full", "the engine is at its concurrency limit and the overflow queue is full; retry with backoff")
	case errors.Is(err, types.ErrQueueTimeout):
		g.respondError(w, class, requestID, http.StatusServiceUnavailable,
			"request queue timeout", "the request waited too long for a concurrency slot; retry with backoff")
	case errors.Is(err, context.Canceled):
		// Client gave up while queued; nothing useful to write
	default:
		g.respondError(w, class, requestID, http.StatusServiceUnavailable, "admission failed", err.Error())
	}
}

type errorBody struct {
	Error     string `json:"error"`
	Detail    string `json:"detail,omitempty"`
	RequestID string `json:"request_id"`
}

func (g *Gateway) respondError(w http.ResponseWriter, class opClass, requestID string, status int, msg, detail string) {
	metrics.RequestsTotal.WithLabelValues(string(class), "none", http.StatusText(status)).Inc()
	writeJSON(w, status, errorBody{Error: msg, Detail: detail, RequestID: requestID})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// relay copies a buffered upstream response to the client
func (g *Gateway) relay(w http.ResponseWriter, class opClass, role types.InstanceRole, resp *upstream.Response) {
	metrics.RequestsTotal.WithLabelValues(string(class), string(role), statusBucket(resp.StatusCode)).Inc()
	upstream.CopyHeader(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(resp.Body)
}

func statusBucket(code int) string {
	switch {
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}

// resolveDocPath projects a document path onto one instance. When no
// mapping exists even after discovery, the original name-based path is
// forwarded as-is and the instance has the final word.
func (g *Gateway) resolveDocPath(ctx context.Context, logger zerolog.Logger, info wal.PathInfo, role types.InstanceRole) string {
	if _, id, err := g.registry.ResolveRef(ctx, info.Ref, role); err == nil {
		return info.Rewritten(id)
	}
	if id, err := g.registry.Resolve(ctx, info.Ref, role); err == nil {
		return info.Rewritten(id)
	}
	logger.Debug().
		Str("ref", info.Ref).
		Str("instance", string(role)).
		Msg("no mapping for collection ref, forwarding name-based")
	return info.Original()
}

// session pulls the client session tag for the accountability ledger
func session(r *http.Request, requestID string) string {
	if s := r.Header.Get("X-Session-ID"); s != "" {
		return s
	}
	return requestID
}
