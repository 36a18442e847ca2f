package router

import (
	"context"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/tandem-io/tandem/pkg/metrics"
	"github.com/tandem-io/tandem/pkg/types"
	"github.com/tandem-io/tandem/pkg/upstream"
	"github.com/tandem-io/tandem/pkg/wal"
)

// pickRead selects the read instance from the cached health view. The
// replica takes its configured share while both instances are healthy,
// spreading query load off the primary.
func (g *Gateway) pickRead() (types.InstanceRole, error) {
	primaryUp := g.health.Healthy(types.RolePrimary)
	replicaUp := g.health.Healthy(types.RoleReplica)

	switch {
	case primaryUp && replicaUp:
		n := g.readSeq.Add(1)
		if n%100 < uint64(g.cfg.ReadPreferenceRatio*100) {
			return types.RoleReplica, nil
		}
		return types.RolePrimary, nil
	case replicaUp:
		return types.RoleReplica, nil
	case primaryUp:
		return types.RolePrimary, nil
	}
	return "", types.ErrNoHealthyInstance
}

func (g *Gateway) serveRead(ctx context.Context, w http.ResponseWriter, r *http.Request, logger zerolog.Logger, info wal.PathInfo, body []byte, requestID string) {
	role, err := g.pickRead()
	if err != nil {
		g.respondError(w, opRead, requestID, http.StatusServiceUnavailable,
			"no healthy instance", "both instances are failing health checks")
		return
	}

	resp, err := g.forwardRead(ctx, logger, role, r, info, body)
	if err != nil {
		// One transport-level retry on the other side covers the window
		// between an instance dying and the cached view noticing
		other := role.Other()
		if !g.health.Healthy(other) {
			logger.Warn().Err(err).Str("instance", string(role)).Msg("read failed, no fallback available")
			g.respondError(w, opRead, requestID, http.StatusServiceUnavailable,
				"no healthy instance", err.Error())
			return
		}

		metrics.FailoversTotal.WithLabelValues(string(opRead), string(other)).Inc()
		logger.Warn().Err(err).
			Str("from", string(role)).
			Str("to", string(other)).
			Msg("read failover")

		resp, err = g.forwardRead(ctx, logger, other, r, info, body)
		if err != nil {
			g.respondError(w, opRead, requestID, http.StatusServiceUnavailable,
				"no healthy instance", err.Error())
			return
		}
		role = other
	}

	g.relay(w, opRead, role, resp)
}

// forwardRead sends the read to one instance, projecting document paths
// onto that instance's collection identifier
func (g *Gateway) forwardRead(ctx context.Context, logger zerolog.Logger, role types.InstanceRole, r *http.Request, info wal.PathInfo, body []byte) (*upstream.Response, error) {
	path := r.URL.RequestURI()
	if info.Document {
		path = g.resolveDocPath(ctx, logger, info, role)
	}

	up, ok := g.ups[role]
	if !ok {
		return nil, types.ErrNoHealthyInstance
	}
	return up.Do(ctx, r.Method, path, r.Header, body)
}
