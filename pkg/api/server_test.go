package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/quarryhq/quarry/pkg/config"
	"github.com/quarryhq/quarry/pkg/events"
	"github.com/quarryhq/quarry/pkg/gateway"
	"github.com/quarryhq/quarry/pkg/state"
	"github.com/quarryhq/quarry/pkg/storage"
	"github.com/quarryhq/quarry/pkg/stream"
	"github.com/quarryhq/quarry/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// directBackend runs the state machine without replication, standing in
// for a single-node manager.
type directBackend struct {
	machine *state.Machine
	broker  *events.Broker
	voters  map[string]string
}

func newBackend(t *testing.T) *directBackend {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return &directBackend{
		machine: state.NewMachine(store),
		broker:  events.NewBroker(),
		voters:  make(map[string]string),
	}
}

func (b *directBackend) Store() storage.Store   { return b.machine.Store() }
func (b *directBackend) Broker() *events.Broker { return b.broker }
func (b *directBackend) IsLeader() bool         { return true }
func (b *directBackend) LeaderAddr() string     { return "127.0.0.1:7946" }

func (b *directBackend) Stats() map[string]interface{} {
	return map[string]interface{}{"state": "Leader"}
}

func (b *directBackend) AddVoter(nodeID, address string) error {
	b.voters[nodeID] = address
	return nil
}

func (b *directBackend) applyOp(op string, payload any) error {
	cmd, err := state.NewCommand(op, payload)
	if err != nil {
		return err
	}
	_, err = b.machine.Apply(cmd)
	return err
}

func (b *directBackend) CreateNamespace(ns *types.Namespace) error {
	return b.applyOp(state.OpCreateNamespace, ns)
}

func (b *directBackend) CreateComputeGraph(g *types.ComputeGraph) error {
	return b.applyOp(state.OpCreateGraph, g)
}

func (b *directBackend) TombstoneComputeGraph(namespace, name string) error {
	return b.applyOp(state.OpTombstoneGraph, &state.TombstoneGraphRequest{Namespace: namespace, Name: name})
}

func (b *directBackend) IngestContent(c *types.ContentMetadata) error {
	return b.applyOp(state.OpIngestContent, c)
}

func (b *directBackend) InvokeGraph(req *state.InvokeGraphRequest) error {
	return b.applyOp(state.OpInvokeGraph, req)
}

func (b *directBackend) RegisterExecutor(e *types.ExecutorMetadata) error {
	return b.applyOp(state.OpRegisterExecutor, e)
}

func (b *directBackend) Heartbeat(id string, at time.Time) error {
	return b.applyOp(state.OpHeartbeat, &state.HeartbeatRequest{ExecutorID: id, At: at})
}

func (b *directBackend) MarkExecutorLost(id string, at time.Time) error {
	return b.applyOp(state.OpExecutorLost, &state.ExecutorStateRequest{ExecutorID: id, At: at})
}

func (b *directBackend) RemoveExecutor(id string, at time.Time) error {
	return b.applyOp(state.OpRemoveExecutor, &state.ExecutorStateRequest{ExecutorID: id, At: at})
}

func (b *directBackend) CompleteTask(req *state.CompleteTaskRequest) error {
	return b.applyOp(state.OpCompleteTask, req)
}

func (b *directBackend) SetStreamOffset(key string, offset uint64) error {
	return b.applyOp(state.OpSetStreamOffset, &state.SetStreamOffsetRequest{Key: key, Offset: offset})
}

func newTestServer(t *testing.T) (*httptest.Server, *directBackend) {
	t.Helper()
	backend := newBackend(t)
	cfg := config.Default()
	gw := gateway.NewGateway(backend, cfg)
	st := stream.NewServer(backend, cfg.StreamKeepAlive)
	srv := NewServer(backend, gw, st, cfg)
	ts := httptest.NewServer(srv.routes())
	t.Cleanup(ts.Close)
	return ts, backend
}

func doJSON(t *testing.T, method, url string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func graphBody() map[string]any {
	node := func(name string) map[string]any {
		return map[string]any{"compute": map[string]any{"name": name, "fn_name": name}}
	}
	return map[string]any{
		"name": "graph_A",
		"nodes": map[string]any{
			"fn_a": node("fn_a"),
			"fn_b": node("fn_b"),
		},
		"edges":    map[string]any{"fn_a": []string{"fn_b"}},
		"start_fn": node("fn_a"),
	}
}

func TestNamespaceLifecycle(t *testing.T) {
	ts, _ := newTestServer(t)

	resp := doJSON(t, http.MethodPost, ts.URL+"/namespaces", map[string]string{"name": "test_ns"})
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = doJSON(t, http.MethodGet, ts.URL+"/namespaces", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var namespaces []*types.Namespace
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&namespaces))
	require.Len(t, namespaces, 1)
	assert.Equal(t, "test_ns", namespaces[0].Name)
}

func TestCreateGraphValidation(t *testing.T) {
	ts, _ := newTestServer(t)
	doJSON(t, http.MethodPost, ts.URL+"/namespaces", map[string]string{"name": "test_ns"})

	resp := doJSON(t, http.MethodPost, ts.URL+"/namespaces/test_ns/compute_graphs", graphBody())
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	bad := graphBody()
	bad["edges"] = map[string]any{"fn_a": []string{"ghost"}}
	resp = doJSON(t, http.MethodPost, ts.URL+"/namespaces/test_ns/compute_graphs", bad)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCreateGraphUnknownNamespaceConflicts(t *testing.T) {
	ts, _ := newTestServer(t)

	resp := doJSON(t, http.MethodPost, ts.URL+"/namespaces/missing/compute_graphs", graphBody())
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestIngestForcesSourceAndID(t *testing.T) {
	ts, backend := newTestServer(t)
	doJSON(t, http.MethodPost, ts.URL+"/namespaces", map[string]string{"name": "test_ns"})

	resp := doJSON(t, http.MethodPost, ts.URL+"/namespaces/test_ns/content", map[string]any{
		"storage_url": "s3://in/doc.pdf",
		"mime":        "application/pdf",
		"source":      "spoofed",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var c types.ContentMetadata
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&c))
	assert.NotEmpty(t, c.ID)
	assert.Equal(t, types.ContentSourceIngestion, c.Source)

	stored, err := backend.Store().GetContent("test_ns", c.ID)
	require.NoError(t, err)
	assert.Equal(t, "s3://in/doc.pdf", stored.StorageURL)
}

func TestGetContentNotFound(t *testing.T) {
	ts, _ := newTestServer(t)
	doJSON(t, http.MethodPost, ts.URL+"/namespaces", map[string]string{"name": "test_ns"})

	resp := doJSON(t, http.MethodGet, ts.URL+"/namespaces/test_ns/content/ghost", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestInvokeTombstonedGraphConflicts(t *testing.T) {
	ts, _ := newTestServer(t)
	doJSON(t, http.MethodPost, ts.URL+"/namespaces", map[string]string{"name": "test_ns"})
	doJSON(t, http.MethodPost, ts.URL+"/namespaces/test_ns/compute_graphs", graphBody())

	ingestResp := doJSON(t, http.MethodPost, ts.URL+"/namespaces/test_ns/content", map[string]any{
		"storage_url": "s3://in/doc.pdf",
	})
	var c types.ContentMetadata
	require.NoError(t, json.NewDecoder(ingestResp.Body).Decode(&c))

	resp := doJSON(t, http.MethodDelete, ts.URL+"/namespaces/test_ns/compute_graphs/graph_A", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = doJSON(t, http.MethodPost, ts.URL+"/namespaces/test_ns/compute_graphs/graph_A/invoke",
		map[string]string{"content_id": c.ID})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestContentTree(t *testing.T) {
	ts, backend := newTestServer(t)
	doJSON(t, http.MethodPost, ts.URL+"/namespaces", map[string]string{"name": "test_ns"})

	require.NoError(t, backend.IngestContent(&types.ContentMetadata{
		ID: "c1", Namespace: "test_ns", Source: types.ContentSourceIngestion, CreatedAt: time.Now().UTC(),
	}))
	require.NoError(t, backend.IngestContent(&types.ContentMetadata{
		ID: "c2", Namespace: "test_ns", ParentID: "c1", RootID: "c1", Source: "fn_a", CreatedAt: time.Now().UTC(),
	}))
	require.NoError(t, backend.IngestContent(&types.ContentMetadata{
		ID: "c3", Namespace: "test_ns", ParentID: "c2", RootID: "c1", Source: "fn_b", CreatedAt: time.Now().UTC(),
	}))

	resp := doJSON(t, http.MethodGet, ts.URL+"/namespaces/test_ns/content/c1/tree", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var tree contentTreeNode
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&tree))
	assert.Equal(t, "c1", tree.Content.ID)
	require.Len(t, tree.Children, 1)
	assert.Equal(t, "c2", tree.Children[0].Content.ID)
	require.Len(t, tree.Children[0].Children, 1)
	assert.Equal(t, "c3", tree.Children[0].Children[0].Content.ID)
}

func TestListContentPagination(t *testing.T) {
	ts, backend := newTestServer(t)
	doJSON(t, http.MethodPost, ts.URL+"/namespaces", map[string]string{"name": "test_ns"})

	for _, id := range []string{"a1", "a2", "a3"} {
		require.NoError(t, backend.IngestContent(&types.ContentMetadata{
			ID: id, Namespace: "test_ns", Source: types.ContentSourceIngestion, CreatedAt: time.Now().UTC(),
		}))
	}

	resp := doJSON(t, http.MethodGet, ts.URL+"/namespaces/test_ns/content?limit=2", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var page struct {
		Items   []*types.ContentMetadata `json:"items"`
		NextKey string                   `json:"next_key"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&page))
	assert.Len(t, page.Items, 2)
	assert.NotEmpty(t, page.NextKey)
}

func TestHealthz(t *testing.T) {
	ts, _ := newTestServer(t)

	resp := doJSON(t, http.MethodGet, ts.URL+"/healthz", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var health map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "ok", health["status"])
	assert.Equal(t, true, health["leader"])
}

func TestClusterJoin(t *testing.T) {
	ts, backend := newTestServer(t)

	resp := doJSON(t, http.MethodPost, ts.URL+"/cluster/join", map[string]string{
		"node_id": "node-2",
		"addr":    "127.0.0.1:7947",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "127.0.0.1:7947", backend.voters["node-2"])

	resp = doJSON(t, http.MethodPost, ts.URL+"/cluster/join", map[string]string{"node_id": ""})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGraphAnalytics(t *testing.T) {
	ts, backend := newTestServer(t)
	doJSON(t, http.MethodPost, ts.URL+"/namespaces", map[string]string{"name": "test_ns"})
	doJSON(t, http.MethodPost, ts.URL+"/namespaces/test_ns/compute_graphs", graphBody())

	require.NoError(t, backend.IngestContent(&types.ContentMetadata{
		ID: "c1", Namespace: "test_ns", GraphName: "graph_A",
		Source: types.ContentSourceIngestion, CreatedAt: time.Now().UTC(),
	}))
	now := time.Now().UTC()
	require.NoError(t, backend.applyOp(state.OpCreateTasks, &state.CreateTasksRequest{
		Tasks: []*types.Task{
			{ID: "t1", Namespace: "test_ns", GraphName: "graph_A", ComputeFnName: "fn_a",
				InputContentID: "c1", Outcome: types.TaskOutcomeUnknown, CreatedAt: now},
			{ID: "t2", Namespace: "test_ns", GraphName: "graph_A", ComputeFnName: "fn_b",
				InputContentID: "c1", Outcome: types.TaskOutcomeUnknown, CreatedAt: now},
		},
		At: now,
	}))
	require.NoError(t, backend.CompleteTask(&state.CompleteTaskRequest{
		TaskID: "t1", Outcome: types.TaskOutcomeSuccess, At: now,
	}))

	resp := doJSON(t, http.MethodGet, ts.URL+"/namespaces/test_ns/compute_graphs/graph_A/analytics", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var stats map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	assert.Equal(t, float64(1), stats["tasks_pending"])
	assert.Equal(t, float64(1), stats["tasks_success"])
	assert.Equal(t, float64(0), stats["tasks_failure"])
}

func TestStateChangesEndpoint(t *testing.T) {
	ts, _ := newTestServer(t)
	doJSON(t, http.MethodPost, ts.URL+"/namespaces", map[string]string{"name": "test_ns"})
	doJSON(t, http.MethodPost, ts.URL+"/namespaces/test_ns/compute_graphs", graphBody())

	resp := doJSON(t, http.MethodGet, ts.URL+"/state_changes", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var changes []*types.StateChange
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&changes))
	require.Len(t, changes, 1)
	assert.Equal(t, types.ChangeGraphCreated, changes[0].Kind)
}
