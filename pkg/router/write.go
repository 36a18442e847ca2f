package router

import (
	"context"
	"fmt"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/tandem-io/tandem/pkg/metrics"
	"github.com/tandem-io/tandem/pkg/types"
	"github.com/tandem-io/tandem/pkg/upstream"
	"github.com/tandem-io/tandem/pkg/wal"
)

// chooseWriteInstance picks where a mutation executes. Writes probe in
// real time instead of trusting the cached view: a primary that died a
// second ago must not receive the write, and one that just came back
// should. The probe result is used once and discarded.
func (g *Gateway) chooseWriteInstance(ctx context.Context, logger zerolog.Logger) (types.InstanceRole, error) {
	err := g.probeRealTime(ctx, types.RolePrimary)
	if err == nil {
		return types.RolePrimary, nil
	}
	logger.Warn().Err(err).Msg("primary failed real-time probe, trying replica")

	if err := g.probeRealTime(ctx, types.RoleReplica); err == nil {
		metrics.FailoversTotal.WithLabelValues(string(opWrite), string(types.RoleReplica)).Inc()
		return types.RoleReplica, nil
	}

	return "", types.ErrNoHealthyInstance
}

func (g *Gateway) probeRealTime(ctx context.Context, role types.InstanceRole) error {
	probeCtx, cancel := context.WithTimeout(ctx, g.cfg.RealtimeTimeout)
	defer cancel()
	return g.health.RealTime(probeCtx, role)
}

// dispatched is the result of executing a mutation on one instance
type dispatched struct {
	role types.InstanceRole
	resp *upstream.Response
}

// dispatchMutation executes a mutation on the real-time-healthy
// instance, retrying once on the other side if the chosen one fails at
// the transport level despite the probe
func (g *Gateway) dispatchMutation(ctx context.Context, logger zerolog.Logger, method string, info wal.PathInfo, rawPath string, header http.Header, body []byte) (*dispatched, error) {
	role, err := g.chooseWriteInstance(ctx, logger)
	if err != nil {
		return nil, err
	}

	resp, ferr := g.forwardMutation(ctx, logger, role, method, info, rawPath, header, body)
	if ferr == nil {
		return &dispatched{role: role, resp: resp}, nil
	}

	other := role.Other()
	if err := g.probeRealTime(ctx, other); err != nil {
		return nil, fmt.Errorf("write failed on %s (%v) and %s is unavailable: %w", role, ferr, other, types.ErrNoHealthyInstance)
	}

	metrics.FailoversTotal.WithLabelValues(string(opWrite), string(other)).Inc()
	logger.Warn().Err(ferr).
		Str("from", string(role)).
		Str("to", string(other)).
		Msg("write failover")

	resp, ferr = g.forwardMutation(ctx, logger, other, method, info, rawPath, header, body)
	if ferr != nil {
		return nil, fmt.Errorf("write failed on both instances: %w", ferr)
	}
	return &dispatched{role: other, resp: resp}, nil
}

func (g *Gateway) forwardMutation(ctx context.Context, logger zerolog.Logger, role types.InstanceRole, method string, info wal.PathInfo, rawPath string, header http.Header, body []byte) (*upstream.Response, error) {
	path := rawPath
	if info.Document {
		path = g.resolveDocPath(ctx, logger, info, role)
	}

	up, ok := g.ups[role]
	if !ok {
		return nil, types.ErrNoHealthyInstance
	}
	return up.Do(ctx, method, path, header, body)
}

// walTarget decides which instances the logged write must still reach.
// An instance that was down at dispatch time is the sole target.
// Document deletes propagate with per-instance acknowledgment so a
// filter-based delete can never half-apply; every other write targets
// just the instance that missed it.
func (g *Gateway) walTarget(info wal.PathInfo, method string, executed types.InstanceRole) string {
	other := executed.Other()
	if !g.health.Healthy(other) {
		return string(other)
	}
	if info.Document && wal.DeleteShaped(method, info.Rest) {
		return types.TargetBoth
	}
	return string(other)
}

func (g *Gateway) serveWrite(ctx context.Context, w http.ResponseWriter, r *http.Request, logger zerolog.Logger, info wal.PathInfo, body []byte, requestID string) {
	rawPath := r.URL.RequestURI()

	attempt, err := g.ledger.Begin(ctx, r.Method, rawPath, body, r.Header, session(r, requestID))
	if err != nil {
		// The one unrecoverable class: a write that cannot be made
		// accountable must not execute
		logger.Error().Err(err).Msg("cannot open transaction attempt, refusing write")
		g.respondError(w, opWrite, requestID, http.StatusInternalServerError,
			"metadata store failure", "the engine cannot record the write for recovery")
		return
	}

	out, err := g.dispatchMutation(ctx, logger, r.Method, info, rawPath, r.Header, body)
	if err != nil {
		g.ledger.Fail(ctx, attempt.TransactionID, err.Error())
		g.respondError(w, opWrite, requestID, http.StatusServiceUnavailable,
			"no healthy instance", err.Error())
		return
	}

	if !out.resp.Success() {
		// The instance answered; its verdict passes through untouched
		g.ledger.Fail(ctx, attempt.TransactionID, fmt.Sprintf("HTTP %d from %s", out.resp.StatusCode, out.role))
		g.relay(w, opWrite, out.role, out.resp)
		return
	}

	if _, err := g.wal.Append(ctx, wal.AppendInput{
		Method:     r.Method,
		Path:       rawPath,
		Data:       body,
		Headers:    r.Header,
		ExecutedOn: out.role,
		Target:     g.walTarget(info, r.Method, out.role),
	}); err != nil {
		// Executed but not logged: convergence is no longer guaranteed,
		// which is exactly the condition the 500 class exists for
		logger.Error().Err(err).Str("instance", string(out.role)).Msg("write executed but WAL append failed")
		g.ledger.Fail(ctx, attempt.TransactionID, fmt.Sprintf("executed on %s but WAL append failed: %v", out.role, err))
		g.respondError(w, opWrite, requestID, http.StatusInternalServerError,
			"metadata store failure", "the write executed but could not be logged for replication")
		return
	}

	g.ledger.Complete(ctx, attempt.TransactionID)
	g.relay(w, opWrite, out.role, out.resp)
}

// Redispatch re-runs a recorded write through the normal routing path.
// Used by ledger recovery for attempts that died mid-flight.
func (g *Gateway) Redispatch(ctx context.Context, a *types.TransactionAttempt) error {
	ctx, cancel := context.WithTimeout(ctx, g.cfg.RequestTimeout)
	defer cancel()

	logger := g.logger.With().Str("transaction_id", a.TransactionID).Logger()
	class, info, _ := classify(a.Method, a.Path)

	switch class {
	case opCollectionCreate:
		_, err := g.createCollectionEverywhere(ctx, logger, a.Path, a.Data, http.Header(a.Headers))
		return err
	case opCollectionDelete:
		_, err := g.deleteCollectionEverywhere(ctx, logger, info, http.Header(a.Headers))
		return err
	case opRead:
		// A read attempt in the ledger means classification drifted;
		// nothing to recover
		return nil
	}

	out, err := g.dispatchMutation(ctx, logger, a.Method, info, a.Path, http.Header(a.Headers), a.Data)
	if err != nil {
		return err
	}
	if !out.resp.Success() {
		return fmt.Errorf("redispatch returned HTTP %d from %s", out.resp.StatusCode, out.role)
	}

	if _, err := g.wal.Append(ctx, wal.AppendInput{
		Method:     a.Method,
		Path:       a.Path,
		Data:       a.Data,
		Headers:    a.Headers,
		ExecutedOn: out.role,
		Target:     g.walTarget(info, a.Method, out.role),
	}); err != nil {
		return fmt.Errorf("redispatch executed on %s but WAL append failed: %w", out.role, err)
	}
	return nil
}
