package router

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/tandem-io/tandem/pkg/types"
	"github.com/tandem-io/tandem/pkg/wal"
)

func (g *Gateway) serveCollectionCreate(ctx context.Context, w http.ResponseWriter, r *http.Request, logger zerolog.Logger, body []byte, requestID string) {
	rawPath := r.URL.RequestURI()

	attempt, err := g.ledger.Begin(ctx, r.Method, rawPath, body, r.Header, session(r, requestID))
	if err != nil {
		logger.Error().Err(err).Msg("cannot open transaction attempt, refusing create")
		g.respondError(w, opCollectionCreate, requestID, http.StatusInternalServerError,
			"metadata store failure", "the engine cannot record the write for recovery")
		return
	}

	out, err := g.createCollectionEverywhere(ctx, logger, rawPath, body, r.Header)
	if err != nil {
		g.ledger.Fail(ctx, attempt.TransactionID, err.Error())
		status, msg := http.StatusServiceUnavailable, "no healthy instance"
		if errors.Is(err, types.ErrStoreFailure) {
			status, msg = http.StatusInternalServerError, "metadata store failure"
		}
		g.respondError(w, opCollectionCreate, requestID, status, msg, err.Error())
		return
	}

	if out.resp.Success() {
		g.ledger.Complete(ctx, attempt.TransactionID)
	} else {
		g.ledger.Fail(ctx, attempt.TransactionID, fmt.Sprintf("HTTP %d from %s", out.resp.StatusCode, out.role))
	}
	g.relay(w, opCollectionCreate, out.role, out.resp)
}

// createCollectionEverywhere issues the create to both instances
// independently, collecting each instance's assigned identifier into the
// mapping. An unreachable instance gets a WAL entry instead; its
// identifier is recorded later by collection recovery or discovery. The
// returned response is the one the client sees, preferring the primary's.
func (g *Gateway) createCollectionEverywhere(ctx context.Context, logger zerolog.Logger, rawPath string, body []byte, header http.Header) (*dispatched, error) {
	var (
		clientOut   *dispatched
		executedOn  types.InstanceRole
		unreachable []types.InstanceRole
	)

	for _, role := range types.Roles() {
		up, ok := g.ups[role]
		if !ok {
			continue
		}
		if err := g.probeRealTime(ctx, role); err != nil {
			logger.Warn().Err(err).Str("instance", string(role)).Msg("instance unavailable for create")
			unreachable = append(unreachable, role)
			continue
		}

		info, resp, err := up.CreateCollection(ctx, body, header)
		switch {
		case err == nil:
			if executedOn == "" {
				executedOn = role
			}
			if _, merr := g.registry.EnsureMapping(ctx, info.Name, role, info.ID); merr != nil {
				logger.Error().Err(merr).
					Str("collection", info.Name).
					Str("instance", string(role)).
					Msg("created collection but could not record mapping")
			}
			if clientOut == nil {
				clientOut = &dispatched{role: role, resp: resp}
			}

		case errors.Is(err, types.ErrConflict):
			// Already exists on this side. The winner's create recorded
			// the mapping; this caller just gets the instance's verdict.
			logger.Debug().Str("instance", string(role)).Msg("collection already exists")
			if executedOn == "" {
				executedOn = role
			}
			if clientOut == nil {
				clientOut = &dispatched{role: role, resp: resp}
			}

		case errors.Is(err, types.ErrTransient):
			logger.Warn().Err(err).Str("instance", string(role)).Msg("create failed in transit")
			unreachable = append(unreachable, role)

		default:
			// The instance answered with a definitive refusal
			logger.Warn().Err(err).Str("instance", string(role)).Msg("create refused")
			if clientOut == nil && resp != nil {
				clientOut = &dispatched{role: role, resp: resp}
			}
		}
	}

	if clientOut == nil {
		return nil, fmt.Errorf("create collection: %w", types.ErrNoHealthyInstance)
	}

	// Queue the create for instances that never saw it, but only when it
	// actually landed somewhere; replaying a refused create would just
	// refuse again
	if executedOn != "" {
		for _, role := range unreachable {
			if _, err := g.wal.Append(ctx, wal.AppendInput{
				Method:     http.MethodPost,
				Path:       rawPath,
				Data:       body,
				Headers:    header,
				ExecutedOn: executedOn,
				Target:     string(role),
			}); err != nil {
				return nil, fmt.Errorf("create executed on %s but WAL append for %s failed: %w", executedOn, role, types.ErrStoreFailure)
			}
		}
	}

	return clientOut, nil
}

func (g *Gateway) serveCollectionDelete(ctx context.Context, w http.ResponseWriter, r *http.Request, logger zerolog.Logger, info wal.PathInfo, requestID string) {
	rawPath := r.URL.RequestURI()

	attempt, err := g.ledger.Begin(ctx, r.Method, rawPath, nil, r.Header, session(r, requestID))
	if err != nil {
		logger.Error().Err(err).Msg("cannot open transaction attempt, refusing delete")
		g.respondError(w, opCollectionDelete, requestID, http.StatusInternalServerError,
			"metadata store failure", "the engine cannot record the write for recovery")
		return
	}

	out, err := g.deleteCollectionEverywhere(ctx, logger, info, r.Header)
	if err != nil {
		g.ledger.Fail(ctx, attempt.TransactionID, err.Error())
		status, msg := http.StatusServiceUnavailable, "no healthy instance"
		if errors.Is(err, types.ErrStoreFailure) {
			status, msg = http.StatusInternalServerError, "metadata store failure"
		}
		g.respondError(w, opCollectionDelete, requestID, status, msg, err.Error())
		return
	}

	if out.resp.Success() || out.resp.StatusCode == http.StatusNotFound {
		g.ledger.Complete(ctx, attempt.TransactionID)
	} else {
		g.ledger.Fail(ctx, attempt.TransactionID, fmt.Sprintf("HTTP %d from %s", out.resp.StatusCode, out.role))
	}
	g.relay(w, opCollectionDelete, out.role, out.resp)
}

// deleteCollectionEverywhere removes the named collection from both
// instances, name-based on each. Deleting something already absent is
// success; an unreachable instance gets a WAL entry so the delete lands
// when it returns.
func (g *Gateway) deleteCollectionEverywhere(ctx context.Context, logger zerolog.Logger, info wal.PathInfo, header http.Header) (*dispatched, error) {
	var (
		clientOut   *dispatched
		executedOn  types.InstanceRole
		unreachable []types.InstanceRole
	)

	for _, role := range types.Roles() {
		up, ok := g.ups[role]
		if !ok {
			continue
		}
		if err := g.probeRealTime(ctx, role); err != nil {
			logger.Warn().Err(err).Str("instance", string(role)).Msg("instance unavailable for delete")
			unreachable = append(unreachable, role)
			continue
		}

		resp, err := up.DeleteCollection(ctx, info.Ref, header)
		if err != nil {
			logger.Warn().Err(err).Str("instance", string(role)).Msg("delete failed in transit")
			unreachable = append(unreachable, role)
			continue
		}

		if resp.Success() {
			if executedOn == "" {
				executedOn = role
			}
			// A real deletion beats a prior 404 as the client's answer
			if clientOut == nil || !clientOut.resp.Success() {
				clientOut = &dispatched{role: role, resp: resp}
			}
			continue
		}

		if resp.StatusCode == http.StatusNotFound {
			// Already gone on this side; the goal state holds
			if executedOn == "" {
				executedOn = role
			}
			if clientOut == nil {
				clientOut = &dispatched{role: role, resp: resp}
			}
			continue
		}

		if clientOut == nil {
			clientOut = &dispatched{role: role, resp: resp}
		}
	}

	if clientOut == nil {
		return nil, fmt.Errorf("delete collection %q: %w", info.Ref, types.ErrNoHealthyInstance)
	}

	if executedOn != "" {
		for _, role := range unreachable {
			if _, err := g.wal.Append(ctx, wal.AppendInput{
				Method:     http.MethodDelete,
				Path:       info.Original(),
				Headers:    header,
				ExecutedOn: executedOn,
				Target:     string(role),
			}); err != nil {
				return nil, fmt.Errorf("delete executed on %s but WAL append for %s failed: %w", executedOn, role, types.ErrStoreFailure)
			}
		}

		// The mapping row goes with the collection. Replay for a lagging
		// instance is name-based, so losing the row costs nothing.
		if err := g.registry.Delete(ctx, info.Ref); err != nil {
			logger.Warn().Err(err).Str("collection", info.Ref).Msg("failed to drop mapping after delete")
		}
	}

	return clientOut, nil
}
