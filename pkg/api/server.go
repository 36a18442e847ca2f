package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/tandem-io/tandem/pkg/health"
	"github.com/tandem-io/tandem/pkg/log"
	"github.com/tandem-io/tandem/pkg/metrics"
	"github.com/tandem-io/tandem/pkg/types"
	"github.com/tandem-io/tandem/pkg/wal"
)

// HealthView is the monitor slice the status endpoints read
type HealthView interface {
	Snapshot() map[types.InstanceRole]health.InstanceHealth
	Mode() types.RoutingMode
}

// WALView reports replay progress
type WALView interface {
	Depth(ctx context.Context) (map[string]int, error)
	ReplayStats() wal.Stats
}

// Mappings is the registry slice behind the mapping endpoints
type Mappings interface {
	List(ctx context.Context) ([]*types.CollectionMapping, error)
	Repair(ctx context.Context, m *types.CollectionMapping) (*types.CollectionMapping, error)
}

// LedgerView reports transaction-attempt totals
type LedgerView interface {
	Counts(ctx context.Context) (map[string]int, error)
}

// PoolView reports metadata-store pool statistics
type PoolView interface {
	PoolStats() sql.DBStats
}

// GovernorView reports admission gauges
type GovernorView interface {
	InFlight() int
	Waiting() int
	Limits() (maxConcurrent, queueSize int)
}

// SizerView reports the current adaptive batch size
type SizerView interface {
	Current() int
}

// Locker guards the status snapshot critical section
type Locker interface {
	Lock(name string) func()
}

// Config tunes the admin server
type Config struct {
	// Listen is the admin bind address
	Listen string

	// AdminRateLimit is the sustained create_mapping rate per second
	AdminRateLimit float64

	// Flags surfaced on /status
	PoolEnabled     bool
	GranularLocking bool

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Server exposes the admin/status surface: engine status, WAL progress,
// the mapping list, mapping repair, and the ambient health/metrics
// endpoints.
type Server struct {
	health   HealthView
	walView  WALView
	mappings Mappings
	ledger   LedgerView
	pool     PoolView
	governor GovernorView
	sizer    SizerView
	locks    Locker
	cfg      Config
	logger   zerolog.Logger

	// proxy serves everything the admin routes do not claim
	proxy http.Handler

	adminLimiter *rate.Limiter
	httpServer   *http.Server
}

// NewServer builds the admin server
func NewServer(hv HealthView, wv WALView, mp Mappings, lv LedgerView, pv PoolView, gv GovernorView, sv SizerView, locks Locker, cfg Config) *Server {
	if cfg.AdminRateLimit <= 0 {
		cfg.AdminRateLimit = 1
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 30 * time.Second
	}

	s := &Server{
		health:   hv,
		walView:  wv,
		mappings: mp,
		ledger:   lv,
		pool:     pv,
		governor: gv,
		sizer:    sv,
		locks:    locks,
		cfg:      cfg,
		logger:   log.WithComponent("api"),
		// burst of 5 absorbs a short repair script without opening the
		// endpoint to sustained hammering
		adminLimiter: rate.NewLimiter(rate.Limit(cfg.AdminRateLimit), 5),
	}
	s.httpServer = &http.Server{
		Addr:         cfg.Listen,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// SetProxy installs the client-facing gateway as the fallback for every
// path the admin routes do not claim, so both surfaces share one
// listener. Must be called before Start.
func (s *Server) SetProxy(h http.Handler) {
	s.proxy = h
}

// Handler returns the configured router. Exposed for httptest.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	// the request logger covers admin routes only; the gateway logs its
	// own traffic with routing detail this layer cannot see
	r.Group(func(g chi.Router) {
		g.Use(s.requestLogger)

		g.Get("/status", s.handleStatus)
		g.Get("/wal/status", s.handleWALStatus)
		g.Get("/collection/mappings", s.handleListMappings)
		g.Post("/admin/create_mapping", s.handleCreateMapping)
	})

	r.Get("/health", metrics.HealthHandler())
	r.Get("/ready", metrics.ReadyHandler())
	r.Get("/live", metrics.LivenessHandler())
	r.Handle("/metrics", metrics.Handler())

	if s.proxy != nil {
		r.NotFound(s.proxy.ServeHTTP)
	}

	return r
}

// Start serves until Shutdown
func (s *Server) Start() error {
	s.httpServer.Handler = s.Handler()
	s.logger.Info().Str("addr", s.httpServer.Addr).Msg("server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight admin requests
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// requestLogger emits one structured line per admin request
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		s.logger.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("admin request")
	})
}

// InstanceStatus is one instance's block in the status response
type InstanceStatus struct {
	Healthy             bool      `json:"healthy"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastCheck           time.Time `json:"last_check"`
	LastTransition      time.Time `json:"last_transition"`
	LastMessage         string    `json:"last_message,omitempty"`
}

// StatusResponse is the GET /status body
type StatusResponse struct {
	RoutingMode      string                    `json:"routing_mode"`
	HealthyInstances int                       `json:"healthy_instances"`
	Instances        map[string]InstanceStatus `json:"instances"`
	Pool             map[string]interface{}    `json:"pool"`
	Governor         map[string]int            `json:"governor"`
	Attempts         map[string]int            `json:"transaction_attempts,omitempty"`
	Features         map[string]bool           `json:"features"`
	Timestamp        time.Time                 `json:"timestamp"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	// one consistent snapshot per request
	unlock := s.locks.Lock("status")
	defer unlock()

	snapshot := s.health.Snapshot()
	instances := make(map[string]InstanceStatus, len(snapshot))
	healthy := 0
	for role, ih := range snapshot {
		if ih.Healthy {
			healthy++
		}
		instances[string(role)] = InstanceStatus{
			Healthy:             ih.Healthy,
			ConsecutiveFailures: ih.ConsecutiveFailures,
			LastCheck:           ih.LastCheck,
			LastTransition:      ih.LastTransition,
			LastMessage:         ih.LastMessage,
		}
	}

	dbStats := s.pool.PoolStats()
	maxConcurrent, queueSize := s.governor.Limits()

	resp := StatusResponse{
		RoutingMode:      string(s.health.Mode()),
		HealthyInstances: healthy,
		Instances:        instances,
		Pool: map[string]interface{}{
			"enabled":              s.cfg.PoolEnabled,
			"open_connections":     dbStats.OpenConnections,
			"in_use":               dbStats.InUse,
			"idle":                 dbStats.Idle,
			"wait_count":           dbStats.WaitCount,
			"max_open_connections": dbStats.MaxOpenConnections,
		},
		Governor: map[string]int{
			"in_flight":      s.governor.InFlight(),
			"waiting":        s.governor.Waiting(),
			"max_concurrent": maxConcurrent,
			"queue_size":     queueSize,
		},
		Features: map[string]bool{
			"connection_pool":  s.cfg.PoolEnabled,
			"granular_locking": s.cfg.GranularLocking,
		},
		Timestamp: time.Now().UTC(),
	}

	if counts, err := s.ledger.Counts(r.Context()); err == nil {
		resp.Attempts = counts
	}

	writeJSON(w, http.StatusOK, resp)
}

// WALStatusResponse is the GET /wal/status body
type WALStatusResponse struct {
	Pending          map[string]int `json:"pending"`
	ReplaysSucceeded int64          `json:"replays_succeeded"`
	ReplaysFailed    int64          `json:"replays_failed"`
	LastSyncAt       *time.Time     `json:"last_sync_at,omitempty"`
	LastSyncAge      string         `json:"last_sync_age,omitempty"`
	BatchSize        int            `json:"batch_size"`
	Timestamp        time.Time      `json:"timestamp"`
}

func (s *Server) handleWALStatus(w http.ResponseWriter, r *http.Request) {
	pending, err := s.walView.Depth(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read WAL depth", err)
		return
	}

	stats := s.walView.ReplayStats()
	resp := WALStatusResponse{
		Pending:          pending,
		ReplaysSucceeded: stats.ReplaysSucceeded,
		ReplaysFailed:    stats.ReplaysFailed,
		BatchSize:        s.sizer.Current(),
		Timestamp:        time.Now().UTC(),
	}
	if !stats.LastSyncAt.IsZero() {
		t := stats.LastSyncAt
		resp.LastSyncAt = &t
		resp.LastSyncAge = time.Since(t).Round(time.Millisecond).String()
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListMappings(w http.ResponseWriter, r *http.Request) {
	mappings, err := s.mappings.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list mappings", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"count":    len(mappings),
		"mappings": mappings,
	})
}

// CreateMappingRequest repairs a mapping row outside the normal create
// flow. Both identifiers may be set at once; a partial repair is allowed.
type CreateMappingRequest struct {
	Name      string `json:"name"`
	PrimaryID string `json:"primary_id"`
	ReplicaID string `json:"replica_id"`
}

func (s *Server) handleCreateMapping(w http.ResponseWriter, r *http.Request) {
	if !s.adminLimiter.Allow() {
		writeError(w, http.StatusTooManyRequests, "admin rate limit exceeded", nil)
		return
	}

	var req CreateMappingRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body", err)
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required", nil)
		return
	}
	if req.PrimaryID == "" && req.ReplicaID == "" {
		writeError(w, http.StatusBadRequest, "at least one of primary_id or replica_id is required", nil)
		return
	}

	m, err := s.mappings.Repair(r.Context(), &types.CollectionMapping{
		Name:      req.Name,
		PrimaryID: req.PrimaryID,
		ReplicaID: req.ReplicaID,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to repair mapping", err)
		return
	}

	s.logger.Info().
		Str("collection", m.Name).
		Str("status", string(m.Status)).
		Msg("mapping repaired via admin endpoint")
	writeJSON(w, http.StatusOK, m)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string, err error) {
	body := map[string]string{"error": msg}
	if err != nil {
		body["detail"] = err.Error()
	}
	writeJSON(w, status, body)
}
