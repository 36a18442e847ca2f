package wal

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/tandem-io/tandem/pkg/types"
)

// PathInfo is the routing shape of a request path
type PathInfo struct {
	Prefix   string // everything up to and including /collections
	Ref      string // collection segment as the original caller wrote it
	Rest     string // sub-resource path after the collection segment
	Query    string // raw query including "?", or ""
	Document bool   // true when the request operates inside a collection
}

// ParsePath splits a path around its collection segment.
// "/api/v1/collections/orders/add?x=1" yields Ref "orders", Rest "/add".
// Paths without a /collections segment come back with ok=false and are
// forwarded and replayed verbatim.
func ParsePath(p string) (PathInfo, bool) {
	var info PathInfo
	if i := strings.IndexByte(p, '?'); i >= 0 {
		info.Query = p[i:]
		p = p[:i]
	}

	segs := strings.Split(strings.Trim(p, "/"), "/")
	col := -1
	for i, s := range segs {
		if s == "collections" {
			col = i
			break
		}
	}
	if col < 0 {
		return info, false
	}

	info.Prefix = "/" + strings.Join(segs[:col+1], "/")
	if col+1 < len(segs) {
		info.Ref = segs[col+1]
	}
	if col+2 < len(segs) {
		info.Rest = "/" + strings.Join(segs[col+2:], "/")
		info.Document = true
	}
	return info, true
}

// Rewritten rebuilds the path with the collection segment replaced
func (p PathInfo) Rewritten(id string) string {
	return p.Prefix + "/" + id + p.Rest + p.Query
}

// Original rebuilds the path exactly as logged
func (p PathInfo) Original() string {
	out := p.Prefix
	if p.Ref != "" {
		out += "/" + p.Ref
	}
	return out + p.Rest + p.Query
}

// DeleteShaped reports whether the request removes documents. The
// upstream API accepts both DELETE verbs and POST .../delete bodies.
func DeleteShaped(method, rest string) bool {
	if method == http.MethodDelete {
		return true
	}
	return method == http.MethodPost && strings.HasSuffix(rest, "/delete")
}

// priorityFor ranks collection-level operations above document writes
// so that exact-timestamp ties replay structure before content
func priorityFor(path string) int {
	info, ok := ParsePath(path)
	if ok && !info.Document {
		return types.PriorityCollection
	}
	return types.PriorityDocument
}

// replayEntry pushes one logged write to one instance and settles the
// row from the response. The response is authoritative: a 2xx marks the
// row acknowledged and nothing ever re-inspects the instance afterward.
func (e *Engine) replayEntry(ctx context.Context, entry *types.WALEntry, role types.InstanceRole) error {
	fw, ok := e.forwarders[role]
	if !ok {
		return fmt.Errorf("no client for instance %s", role)
	}

	info, hasCollection := ParsePath(entry.Path)
	path := entry.Path
	var mapping *types.CollectionMapping

	// Collection-level operations stay name-based and replay verbatim.
	// Document operations address collections by per-instance ID, so
	// the segment must be projected onto the target instance.
	if hasCollection && info.Document {
		m, id, err := e.resolver.ResolveRef(ctx, info.Ref, role)
		if err != nil {
			return e.fail(ctx, entry, role, fmt.Sprintf("resolve %q on %s: %v", info.Ref, role, err))
		}
		mapping = m
		path = info.Rewritten(id)
	}

	resp, err := fw.Do(ctx, entry.Method, path, http.Header(entry.Headers), entry.Data)
	if err != nil {
		return e.fail(ctx, entry, role, err.Error())
	}

	switch {
	case resp.Success():
		return e.settle(ctx, entry, role)

	case resp.StatusCode == http.StatusConflict && hasCollection && !info.Document && entry.Method == http.MethodPost:
		// The collection already exists: collection recovery restored it
		// by name before this row came up for replay. The goal state
		// holds, and the identifier is already in the mapping.
		return e.settle(ctx, entry, role)

	case resp.StatusCode == http.StatusNotFound && hasCollection && !info.Document && entry.Method == http.MethodDelete:
		// Deleting a collection that is already gone achieved the goal
		return e.settle(ctx, entry, role)

	case resp.StatusCode == http.StatusNotFound && hasCollection && info.Document && DeleteShaped(entry.Method, info.Rest):
		// A document delete that 404s is complete only when the whole
		// collection has disappeared; a live collection answering 404
		// means the replay was addressed wrong and must retry
		if mapping != nil && e.collectionGone(ctx, fw, mapping.Name) {
			return e.settle(ctx, entry, role)
		}
		return e.fail(ctx, entry, role, fmt.Sprintf("HTTP 404 replaying document delete, collection %q still exists on %s", info.Ref, role))

	default:
		return e.fail(ctx, entry, role, fmt.Sprintf("HTTP %d: %s", resp.StatusCode, trimBody(resp.Body)))
	}
}

// collectionGone checks whether the named collection no longer exists
// on the instance. Probe errors count as "still there": uncertainty
// must never discard a logged delete.
func (e *Engine) collectionGone(ctx context.Context, fw Forwarder, name string) bool {
	_, err := fw.GetCollectionByName(ctx, name)
	return errors.Is(err, types.ErrNotFound)
}

func (e *Engine) settle(ctx context.Context, entry *types.WALEntry, role types.InstanceRole) error {
	status, err := e.store.MarkWALSynced(ctx, entry.WriteID, role)
	if err != nil {
		return fmt.Errorf("failed to mark %s synced on %s: %w", entry.WriteID, role, err)
	}
	e.logger.Debug().
		Str("write_id", entry.WriteID).
		Str("instance", string(role)).
		Str("status", string(status)).
		Msg("WAL entry acknowledged")
	return nil
}

func (e *Engine) fail(ctx context.Context, entry *types.WALEntry, role types.InstanceRole, reason string) error {
	if err := e.store.MarkWALFailed(ctx, entry.WriteID, reason); err != nil {
		return fmt.Errorf("failed to record replay failure for %s: %w", entry.WriteID, err)
	}
	return fmt.Errorf("replay %s on %s: %s", entry.WriteID, role, reason)
}

func trimBody(b []byte) string {
	const max = 256
	s := strings.TrimSpace(string(b))
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}
