package router

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tandem-io/tandem/pkg/types"
	"github.com/tandem-io/tandem/pkg/upstream"
	"github.com/tandem-io/tandem/pkg/wal"
)

type recordedRequest struct {
	method string
	path   string
	body   []byte
}

type fakeUpstream struct {
	role     types.InstanceRole
	requests []recordedRequest

	resp *upstream.Response
	err  error

	createInfo *upstream.CollectionInfo
	createResp *upstream.Response
	createErr  error

	deleteResp *upstream.Response
	deleteErr  error
	deleted    []string
}

func (f *fakeUpstream) Role() types.InstanceRole { return f.role }

func (f *fakeUpstream) Do(_ context.Context, method, pathAndQuery string, _ http.Header, body []byte) (*upstream.Response, error) {
	f.requests = append(f.requests, recordedRequest{method, pathAndQuery, body})
	if f.err != nil {
		return nil, f.err
	}
	if f.resp != nil {
		return f.resp, nil
	}
	return &upstream.Response{StatusCode: http.StatusOK, Header: http.Header{}}, nil
}

func (f *fakeUpstream) CreateCollection(_ context.Context, body []byte, _ http.Header) (*upstream.CollectionInfo, *upstream.Response, error) {
	f.requests = append(f.requests, recordedRequest{http.MethodPost, "/api/v1/collections", body})
	if f.createErr != nil {
		return nil, f.createResp, f.createErr
	}
	return f.createInfo, f.createResp, nil
}

func (f *fakeUpstream) DeleteCollection(_ context.Context, name string, _ http.Header) (*upstream.Response, error) {
	f.deleted = append(f.deleted, name)
	if f.deleteErr != nil {
		return nil, f.deleteErr
	}
	if f.deleteResp != nil {
		return f.deleteResp, nil
	}
	return &upstream.Response{StatusCode: http.StatusOK, Header: http.Header{}}, nil
}

type fakeHealth struct {
	cached   map[types.InstanceRole]bool
	realtime map[types.InstanceRole]error
}

func newFakeHealth() *fakeHealth {
	return &fakeHealth{
		cached:   map[types.InstanceRole]bool{types.RolePrimary: true, types.RoleReplica: true},
		realtime: map[types.InstanceRole]error{},
	}
}

func (f *fakeHealth) Healthy(role types.InstanceRole) bool { return f.cached[role] }

func (f *fakeHealth) RealTime(_ context.Context, role types.InstanceRole) error {
	return f.realtime[role]
}

func (f *fakeHealth) Mode() types.RoutingMode {
	p, r := f.cached[types.RolePrimary], f.cached[types.RoleReplica]
	switch {
	case p && r:
		return types.RoutingNormal
	case p:
		return types.RoutingPrimaryOnly
	case r:
		return types.RoutingReplicaOnly
	}
	return types.RoutingUnavailable
}

type ensuredMapping struct {
	name string
	role types.InstanceRole
	id   string
}

type fakeMappings struct {
	rows    map[string]*types.CollectionMapping
	ensured []ensuredMapping
	deleted []string
}

func newFakeMappings() *fakeMappings {
	return &fakeMappings{rows: map[string]*types.CollectionMapping{}}
}

func (f *fakeMappings) EnsureMapping(_ context.Context, name string, role types.InstanceRole, id string) (*types.CollectionMapping, error) {
	f.ensured = append(f.ensured, ensuredMapping{name, role, id})
	m, ok := f.rows[name]
	if !ok {
		m = &types.CollectionMapping{Name: name}
		f.rows[name] = m
	}
	m.SetID(role, id)
	return m, nil
}

func (f *fakeMappings) Resolve(_ context.Context, name string, role types.InstanceRole) (string, error) {
	m, ok := f.rows[name]
	if !ok {
		return "", types.ErrMappingMissing
	}
	id, ok := m.IDFor(role)
	if !ok {
		return "", types.ErrMappingMissing
	}
	return id, nil
}

func (f *fakeMappings) ResolveRef(_ context.Context, ref string, role types.InstanceRole) (*types.CollectionMapping, string, error) {
	for _, m := range f.rows {
		if m.Name == ref || m.PrimaryID == ref || m.ReplicaID == ref {
			id, ok := m.IDFor(role)
			if !ok {
				return nil, "", types.ErrMappingMissing
			}
			return m, id, nil
		}
	}
	return nil, "", types.ErrMappingMissing
}

func (f *fakeMappings) Delete(_ context.Context, name string) error {
	f.deleted = append(f.deleted, name)
	delete(f.rows, name)
	return nil
}

type fakeWAL struct {
	appended []wal.AppendInput
	err      error
}

func (f *fakeWAL) Append(_ context.Context, in wal.AppendInput) (*types.WALEntry, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.appended = append(f.appended, in)
	return &types.WALEntry{WriteID: fmt.Sprintf("w-%d", len(f.appended))}, nil
}

type fakeLedger struct {
	begun     []*types.TransactionAttempt
	completed []string
	failed    map[string]string
	beginErr  error
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{failed: map[string]string{}}
}

func (f *fakeLedger) Begin(_ context.Context, method, path string, data []byte, headers map[string][]string, session string) (*types.TransactionAttempt, error) {
	if f.beginErr != nil {
		return nil, f.beginErr
	}
	a := &types.TransactionAttempt{
		TransactionID: fmt.Sprintf("txn-%d", len(f.begun)+1),
		Method:        method,
		Path:          path,
		Data:          data,
		Headers:       headers,
		ClientSession: session,
		Status:        types.AttemptAttempting,
	}
	f.begun = append(f.begun, a)
	return a, nil
}

func (f *fakeLedger) Complete(_ context.Context, id string) { f.completed = append(f.completed, id) }

func (f *fakeLedger) Fail(_ context.Context, id, reason string) { f.failed[id] = reason }

type fakeGate struct {
	err      error
	acquired int
}

func (f *fakeGate) Acquire(_ context.Context) (func(), error) {
	if f.err != nil {
		return nil, f.err
	}
	f.acquired++
	return func() {}, nil
}

type gatewayFixture struct {
	gw       *Gateway
	primary  *fakeUpstream
	replica  *fakeUpstream
	health   *fakeHealth
	mappings *fakeMappings
	wal      *fakeWAL
	ledger   *fakeLedger
	gate     *fakeGate
}

func newFixture() *gatewayFixture {
	f := &gatewayFixture{
		primary:  &fakeUpstream{role: types.RolePrimary},
		replica:  &fakeUpstream{role: types.RoleReplica},
		health:   newFakeHealth(),
		mappings: newFakeMappings(),
		wal:      &fakeWAL{},
		ledger:   newFakeLedger(),
		gate:     &fakeGate{},
	}
	f.gw = New(map[types.InstanceRole]Upstream{
		types.RolePrimary: f.primary,
		types.RoleReplica: f.replica,
	}, f.health, f.mappings, f.wal, f.ledger, f.gate, DefaultConfig())
	return f
}

func (f *gatewayFixture) do(method, path string, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	f.gw.ServeHTTP(rec, req)
	return rec
}

func (f *gatewayFixture) withOrdersMapping() {
	f.mappings.rows["orders"] = &types.CollectionMapping{
		Name:      "orders",
		PrimaryID: "p-11",
		ReplicaID: "r-42",
		Status:    types.MappingComplete,
	}
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestClassify(t *testing.T) {
	tests := []struct {
		method string
		path   string
		want   opClass
	}{
		{http.MethodGet, "/api/v1/collections", opRead},
		{http.MethodGet, "/api/v1/collections/orders", opRead},
		{http.MethodGet, "/api/v1/version", opRead},
		{http.MethodPost, "/api/v1/collections", opCollectionCreate},
		{http.MethodDelete, "/api/v1/collections/orders", opCollectionDelete},
		{http.MethodPost, "/api/v1/collections/orders/add", opWrite},
		{http.MethodPost, "/api/v1/collections/orders/upsert", opWrite},
		{http.MethodPost, "/api/v1/collections/orders/delete", opWrite},
		{http.MethodPost, "/api/v1/collections/orders/query", opRead},
		{http.MethodPost, "/api/v1/collections/orders/get", opRead},
		{http.MethodPost, "/api/v1/collections/orders/points/search", opRead},
		{http.MethodDelete, "/api/v1/collections/orders/points", opWrite},
		{http.MethodPost, "/api/v1/reset", opWrite},
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			class, _, _ := classify(tt.method, tt.path)
			assert.Equal(t, tt.want, class)
		})
	}
}

func TestReadSplitsTrafficByPreferenceRatio(t *testing.T) {
	f := newFixture()

	for i := 0; i < 100; i++ {
		rec := f.do(http.MethodGet, "/api/v1/collections", "")
		require.Equal(t, http.StatusOK, rec.Code)
	}

	assert.Equal(t, 80, len(f.replica.requests), "replica should take its configured share")
	assert.Equal(t, 20, len(f.primary.requests))
}

func TestReadUsesRemainingInstanceWhenOneIsDown(t *testing.T) {
	f := newFixture()
	f.health.cached[types.RoleReplica] = false

	for i := 0; i < 10; i++ {
		rec := f.do(http.MethodGet, "/api/v1/collections", "")
		require.Equal(t, http.StatusOK, rec.Code)
	}

	assert.Len(t, f.primary.requests, 10)
	assert.Empty(t, f.replica.requests)
}

func TestReadBothInstancesDownReturns503(t *testing.T) {
	f := newFixture()
	f.health.cached[types.RolePrimary] = false
	f.health.cached[types.RoleReplica] = false

	rec := f.do(http.MethodGet, "/api/v1/collections", "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	body := decodeError(t, rec)
	assert.Equal(t, "no healthy instance", body.Error)
	assert.NotEmpty(t, body.RequestID)
}

func TestReadFailsOverOnTransportError(t *testing.T) {
	f := newFixture()
	f.health.cached[types.RolePrimary] = false // deterministic: replica serves reads
	f.health.cached[types.RoleReplica] = true
	f.replica.err = fmt.Errorf("instance replica: %w: connection refused", types.ErrTransient)

	// The replica dies between probes; primary's cached view still says
	// down, so there is nowhere to go
	rec := f.do(http.MethodGet, "/api/v1/collections", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	// Once the primary's cached view recovers, the same failure falls
	// over mid-request
	f.health.cached[types.RolePrimary] = true
	rec = f.do(http.MethodGet, "/api/v1/collections", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, f.primary.requests)
}

func TestReadRewritesDocumentPathPerInstance(t *testing.T) {
	f := newFixture()
	f.withOrdersMapping()
	f.health.cached[types.RolePrimary] = false // deterministic: replica serves

	rec := f.do(http.MethodPost, "/api/v1/collections/orders/query", `{"query_texts":["hi"]}`)
	require.Equal(t, http.StatusOK, rec.Code)

	require.Len(t, f.replica.requests, 1)
	assert.Equal(t, "/api/v1/collections/r-42/query", f.replica.requests[0].path)
}

func TestReadKeepsCollectionPathsNameBased(t *testing.T) {
	f := newFixture()
	f.withOrdersMapping()
	f.health.cached[types.RolePrimary] = false

	rec := f.do(http.MethodGet, "/api/v1/collections/orders", "")
	require.Equal(t, http.StatusOK, rec.Code)

	require.Len(t, f.replica.requests, 1)
	assert.Equal(t, "/api/v1/collections/orders", f.replica.requests[0].path)
}

func TestGovernorOverflowReturns503WithExplanation(t *testing.T) {
	f := newFixture()
	f.gate.err = types.ErrQueueFull

	rec := f.do(http.MethodGet, "/api/v1/collections", "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	body := decodeError(t, rec)
	assert.Equal(t, "request queue full", body.Error)
	assert.Contains(t, body.Detail, "retry")
	assert.Empty(t, f.primary.requests)
	assert.Empty(t, f.replica.requests)
}

func TestWriteExecutesOnPrimaryAndQueuesReplicaReplay(t *testing.T) {
	f := newFixture()
	f.withOrdersMapping()
	f.primary.resp = &upstream.Response{StatusCode: http.StatusCreated, Header: http.Header{}}

	rec := f.do(http.MethodPost, "/api/v1/collections/orders/add", `{"ids":["d1"]}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	require.Len(t, f.primary.requests, 1)
	assert.Equal(t, "/api/v1/collections/p-11/add", f.primary.requests[0].path)
	assert.Empty(t, f.replica.requests, "writes go to one instance; the WAL carries the other")

	require.Len(t, f.wal.appended, 1)
	entry := f.wal.appended[0]
	assert.Equal(t, "/api/v1/collections/orders/add", entry.Path, "the log keeps the client's original path")
	assert.Equal(t, types.RolePrimary, entry.ExecutedOn)
	assert.Equal(t, "replica", entry.Target)

	require.Len(t, f.ledger.begun, 1)
	assert.Equal(t, []string{"txn-1"}, f.ledger.completed)
	assert.Empty(t, f.ledger.failed)
}

func TestWriteRealtimeProbeRoutesAroundDeadPrimary(t *testing.T) {
	f := newFixture()
	f.withOrdersMapping()
	// Cached view still trusts the primary; the fresh probe knows better
	f.health.realtime[types.RolePrimary] = types.ErrNoHealthyInstance

	rec := f.do(http.MethodPost, "/api/v1/collections/orders/add", `{"ids":["d2"]}`)
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Empty(t, f.primary.requests)
	require.Len(t, f.replica.requests, 1)
	assert.Equal(t, "/api/v1/collections/r-42/add", f.replica.requests[0].path)

	require.Len(t, f.wal.appended, 1)
	assert.Equal(t, types.RoleReplica, f.wal.appended[0].ExecutedOn)
	assert.Equal(t, "primary", f.wal.appended[0].Target)

	assert.Equal(t, []string{"txn-1"}, f.ledger.completed)
}

func TestWriteBothInstancesDownReturns503(t *testing.T) {
	f := newFixture()
	f.health.realtime[types.RolePrimary] = types.ErrNoHealthyInstance
	f.health.realtime[types.RoleReplica] = types.ErrNoHealthyInstance

	rec := f.do(http.MethodPost, "/api/v1/collections/orders/add", `{}`)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	body := decodeError(t, rec)
	assert.Equal(t, "no healthy instance", body.Error)

	assert.Empty(t, f.wal.appended)
	require.Len(t, f.ledger.begun, 1)
	assert.Contains(t, f.ledger.failed, "txn-1")
}

func TestWriteRefusedWhenLedgerCannotRecord(t *testing.T) {
	f := newFixture()
	f.ledger.beginErr = types.ErrStoreFailure

	rec := f.do(http.MethodPost, "/api/v1/collections/orders/add", `{}`)
	require.Equal(t, http.StatusInternalServerError, rec.Code)

	body := decodeError(t, rec)
	assert.Equal(t, "metadata store failure", body.Error)
	assert.Empty(t, f.primary.requests, "an unaccountable write must never dispatch")
	assert.Empty(t, f.replica.requests)
}

func TestWriteExecutedButUnloggedIsTheOnly500(t *testing.T) {
	f := newFixture()
	f.withOrdersMapping()
	f.wal.err = types.ErrStoreFailure

	rec := f.do(http.MethodPost, "/api/v1/collections/orders/add", `{}`)
	require.Equal(t, http.StatusInternalServerError, rec.Code)

	require.Len(t, f.primary.requests, 1, "the write did execute")
	assert.Contains(t, f.ledger.failed["txn-1"], "WAL append failed")
}

func TestWriteUpstreamRejectionPassesThrough(t *testing.T) {
	f := newFixture()
	f.withOrdersMapping()
	f.primary.resp = &upstream.Response{
		StatusCode: http.StatusUnprocessableEntity,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       []byte(`{"error":"bad embedding dimension"}`),
	}

	rec := f.do(http.MethodPost, "/api/v1/collections/orders/add", `{}`)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Contains(t, rec.Body.String(), "bad embedding dimension")

	assert.Empty(t, f.wal.appended, "a refused write must not replay")
	assert.Contains(t, f.ledger.failed["txn-1"], "HTTP 422")
}

func TestWriteFailsOverOnTransportErrorDespiteProbe(t *testing.T) {
	f := newFixture()
	f.withOrdersMapping()
	f.primary.err = fmt.Errorf("instance primary: %w: connection reset", types.ErrTransient)

	rec := f.do(http.MethodPost, "/api/v1/collections/orders/add", `{}`)
	require.Equal(t, http.StatusOK, rec.Code)

	require.Len(t, f.replica.requests, 1)
	require.Len(t, f.wal.appended, 1)
	assert.Equal(t, types.RoleReplica, f.wal.appended[0].ExecutedOn)
	assert.Equal(t, "primary", f.wal.appended[0].Target)
}

func TestDocumentDeletePropagatesToBothInstances(t *testing.T) {
	f := newFixture()
	f.withOrdersMapping()

	rec := f.do(http.MethodPost, "/api/v1/collections/orders/delete", `{"where":{"document_id":"u7"}}`)
	require.Equal(t, http.StatusOK, rec.Code)

	require.Len(t, f.wal.appended, 1)
	assert.Equal(t, types.TargetBoth, f.wal.appended[0].Target)
}

func TestDocumentDeleteDuringOutageTargetsOnlyTheDownInstance(t *testing.T) {
	f := newFixture()
	f.withOrdersMapping()
	f.health.cached[types.RolePrimary] = false
	f.health.realtime[types.RolePrimary] = types.ErrNoHealthyInstance

	rec := f.do(http.MethodPost, "/api/v1/collections/orders/delete", `{"where":{"document_id":"u7"}}`)
	require.Equal(t, http.StatusOK, rec.Code)

	require.Len(t, f.wal.appended, 1)
	assert.Equal(t, "primary", f.wal.appended[0].Target)
	assert.Equal(t, types.RoleReplica, f.wal.appended[0].ExecutedOn)
}
