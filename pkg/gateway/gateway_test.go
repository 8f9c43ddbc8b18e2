package gateway

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/quarryhq/quarry/pkg/config"
	"github.com/quarryhq/quarry/pkg/events"
	"github.com/quarryhq/quarry/pkg/state"
	"github.com/quarryhq/quarry/pkg/storage"
	"github.com/quarryhq/quarry/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type directBackend struct {
	machine *state.Machine
	broker  *events.Broker
	leader  bool
}

func newBackend(t *testing.T) *directBackend {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return &directBackend{
		machine: state.NewMachine(store),
		broker:  events.NewBroker(),
		leader:  true,
	}
}

func (b *directBackend) Store() storage.Store   { return b.machine.Store() }
func (b *directBackend) Broker() *events.Broker { return b.broker }
func (b *directBackend) IsLeader() bool         { return b.leader }

func (b *directBackend) applyOp(op string, payload any) error {
	cmd, err := state.NewCommand(op, payload)
	if err != nil {
		return err
	}
	_, err = b.machine.Apply(cmd)
	return err
}

func (b *directBackend) RegisterExecutor(e *types.ExecutorMetadata) error {
	return b.applyOp(state.OpRegisterExecutor, e)
}

func (b *directBackend) Heartbeat(executorID string, at time.Time) error {
	return b.applyOp(state.OpHeartbeat, &state.HeartbeatRequest{ExecutorID: executorID, At: at})
}

func (b *directBackend) MarkExecutorLost(executorID string, at time.Time) error {
	return b.applyOp(state.OpExecutorLost, &state.ExecutorStateRequest{ExecutorID: executorID, At: at})
}

func (b *directBackend) RemoveExecutor(executorID string, at time.Time) error {
	return b.applyOp(state.OpRemoveExecutor, &state.ExecutorStateRequest{ExecutorID: executorID, At: at})
}

func (b *directBackend) CompleteTask(req *state.CompleteTaskRequest) error {
	return b.applyOp(state.OpCompleteTask, req)
}

func newTestGateway(t *testing.T) (*Gateway, *directBackend) {
	t.Helper()
	backend := newBackend(t)
	cfg := config.Default()
	cfg.HeartbeatInterval = 100 * time.Millisecond
	cfg.ExecutorTTLFactor = 3
	cfg.ExecutorDeathTimeout = 5 * cfg.ExecutorTTL()
	return NewGateway(backend, cfg), backend
}

func seedTask(t *testing.T, backend *directBackend, taskID, executorID string) {
	t.Helper()
	require.NoError(t, backend.applyOp(state.OpCreateNamespace, &types.Namespace{Name: "test_ns", CreatedAt: time.Now().UTC()}))
	require.NoError(t, backend.applyOp(state.OpIngestContent, &types.ContentMetadata{
		ID: "c1", Namespace: "test_ns", GraphName: "graph_A",
		Source: types.ContentSourceIngestion, CreatedAt: time.Now().UTC(),
	}))
	require.NoError(t, backend.applyOp(state.OpCreateTasks, &state.CreateTasksRequest{
		Tasks: []*types.Task{{
			ID: taskID, Namespace: "test_ns", GraphName: "graph_A",
			ComputeFnName: "fn_a", InputContentID: "c1",
			Outcome: types.TaskOutcomeUnknown, CreatedAt: time.Now().UTC(),
		}},
		At: time.Now().UTC(),
	}))
	if executorID != "" {
		require.NoError(t, backend.applyOp(state.OpCommitAssignments, &state.CommitAssignmentsRequest{
			Plan: map[string]string{taskID: executorID},
			At:   time.Now().UTC(),
		}))
	}
}

func register(t *testing.T, backend *directBackend, id string, lastHeartbeat time.Time) {
	t.Helper()
	require.NoError(t, backend.RegisterExecutor(&types.ExecutorMetadata{
		ID:            id,
		State:         types.ExecutorStateActive,
		LastHeartbeat: lastHeartbeat,
		RegisteredAt:  lastHeartbeat,
	}))
}

func routedRequest(method, path string, body any, pathValues map[string]string) *http.Request {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	r := httptest.NewRequest(method, path, &buf)
	for k, v := range pathValues {
		r.SetPathValue(k, v)
	}
	return r
}

func TestSweepMarksSilentExecutorLost(t *testing.T) {
	gw, backend := newTestGateway(t)
	now := time.Now().UTC()

	register(t, backend, "fresh", now)
	register(t, backend, "silent", now.Add(-time.Hour))

	gw.sweep(now)

	fresh, err := backend.Store().GetExecutor("fresh")
	require.NoError(t, err)
	assert.Equal(t, types.ExecutorStateActive, fresh.State)

	silent, err := backend.Store().GetExecutor("silent")
	require.NoError(t, err)
	assert.Equal(t, types.ExecutorStateLost, silent.State)
}

func TestSweepRemovesDeadExecutor(t *testing.T) {
	gw, backend := newTestGateway(t)
	now := time.Now().UTC()

	register(t, backend, "dead", now.Add(-time.Hour))
	gw.sweep(now)
	// Lost after the first sweep, removed once past the death timeout.
	gw.sweep(now)

	_, err := backend.Store().GetExecutor("dead")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestSweepOnFollowerIsNoop(t *testing.T) {
	gw, backend := newTestGateway(t)
	now := time.Now().UTC()

	register(t, backend, "silent", now.Add(-time.Hour))

	backend.leader = false
	gw.sweep(now)

	// A follower never escalates liveness; the leader's sweep does.
	silent, err := backend.Store().GetExecutor("silent")
	require.NoError(t, err)
	assert.Equal(t, types.ExecutorStateActive, silent.State)

	backend.leader = true
	gw.sweep(now)

	silent, err = backend.Store().GetExecutor("silent")
	require.NoError(t, err)
	assert.Equal(t, types.ExecutorStateLost, silent.State)
}

func TestRegisterAssignsID(t *testing.T) {
	gw, backend := newTestGateway(t)

	w := httptest.NewRecorder()
	gw.HandleRegister(w, routedRequest(http.MethodPost, "/executors", &RegisterRequest{
		RunnerName: "extractor",
		Addr:       "127.0.0.1:9000",
		Labels:     map[string]string{"gpu": "true"},
	}, nil))

	require.Equal(t, http.StatusCreated, w.Code)
	var executor types.ExecutorMetadata
	require.NoError(t, json.NewDecoder(w.Body).Decode(&executor))
	assert.NotEmpty(t, executor.ID)
	assert.Equal(t, types.ExecutorStateActive, executor.State)

	stored, err := backend.Store().GetExecutor(executor.ID)
	require.NoError(t, err)
	assert.Equal(t, "extractor", stored.RunnerName)
}

func TestHeartbeatUnknownExecutorConflicts(t *testing.T) {
	gw, _ := newTestGateway(t)

	w := httptest.NewRecorder()
	gw.HandleHeartbeat(w, routedRequest(http.MethodPost, "/executors/ghost/heartbeat", nil,
		map[string]string{"id": "ghost"}))

	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestHeartbeatReportsCancelledTasks(t *testing.T) {
	gw, backend := newTestGateway(t)
	now := time.Now().UTC()

	register(t, backend, "exec-1", now)
	seedTask(t, backend, "t1", "exec-1")

	w := httptest.NewRecorder()
	gw.HandleHeartbeat(w, routedRequest(http.MethodPost, "/executors/exec-1/heartbeat", &HeartbeatRequest{
		RunningTaskIDs: []string{"t1", "t-stale"},
	}, map[string]string{"id": "exec-1"}))

	require.Equal(t, http.StatusOK, w.Code)
	var resp HeartbeatResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, []string{"t-stale"}, resp.CancelledTaskIDs)
}

func TestTasksReturnsAssignedWork(t *testing.T) {
	gw, backend := newTestGateway(t)
	now := time.Now().UTC()

	register(t, backend, "exec-1", now)
	seedTask(t, backend, "t1", "exec-1")

	w := httptest.NewRecorder()
	gw.HandleTasks(w, routedRequest(http.MethodGet, "/executors/exec-1/tasks", nil,
		map[string]string{"id": "exec-1"}))

	require.Equal(t, http.StatusOK, w.Code)
	var tasks []*types.Task
	require.NoError(t, json.NewDecoder(w.Body).Decode(&tasks))
	require.Len(t, tasks, 1)
	assert.Equal(t, "t1", tasks[0].ID)
}

func TestOutcomeRecordsCompletionAndContent(t *testing.T) {
	gw, backend := newTestGateway(t)
	now := time.Now().UTC()

	register(t, backend, "exec-1", now)
	seedTask(t, backend, "t1", "exec-1")

	w := httptest.NewRecorder()
	gw.HandleOutcome(w, routedRequest(http.MethodPost, "/executors/exec-1/task_outcome", &OutcomeRequest{
		TaskID:  "t1",
		Outcome: types.TaskOutcomeSuccess,
		Outputs: []types.NodeOutput{{TaskID: "t1", Fn: &types.DataPayload{StorageURL: "s3://out/1", Size: 10}}},
	}, map[string]string{"id": "exec-1"}))

	require.Equal(t, http.StatusNoContent, w.Code)

	task, err := backend.Store().GetTask("t1")
	require.NoError(t, err)
	assert.Equal(t, types.TaskOutcomeSuccess, task.Outcome)

	// One content row was minted for the single fn output, with lineage.
	children, err := backend.Store().ListContentByParent("test_ns", "c1")
	require.NoError(t, err)
	require.Len(t, children, 1)
	assert.Equal(t, "fn_a", children[0].Source)
	assert.Equal(t, "c1", children[0].RootID)
}

func TestOutcomeDuplicateConflicts(t *testing.T) {
	gw, backend := newTestGateway(t)
	now := time.Now().UTC()

	register(t, backend, "exec-1", now)
	seedTask(t, backend, "t1", "exec-1")

	report := func() *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		gw.HandleOutcome(w, routedRequest(http.MethodPost, "/executors/exec-1/task_outcome", &OutcomeRequest{
			TaskID:  "t1",
			Outcome: types.TaskOutcomeSuccess,
		}, map[string]string{"id": "exec-1"}))
		return w
	}

	assert.Equal(t, http.StatusNoContent, report().Code)
	assert.Equal(t, http.StatusConflict, report().Code)

	// The duplicate report is a protocol violation; the executor is lost
	// and must re-register.
	executor, err := backend.Store().GetExecutor("exec-1")
	require.NoError(t, err)
	assert.Equal(t, types.ExecutorStateLost, executor.State)
}

func TestOutcomeUnknownTaskMarksExecutorLost(t *testing.T) {
	gw, backend := newTestGateway(t)

	register(t, backend, "exec-1", time.Now().UTC())

	w := httptest.NewRecorder()
	gw.HandleOutcome(w, routedRequest(http.MethodPost, "/executors/exec-1/task_outcome", &OutcomeRequest{
		TaskID:  "t-ghost",
		Outcome: types.TaskOutcomeSuccess,
	}, map[string]string{"id": "exec-1"}))

	assert.Equal(t, http.StatusConflict, w.Code)

	executor, err := backend.Store().GetExecutor("exec-1")
	require.NoError(t, err)
	assert.Equal(t, types.ExecutorStateLost, executor.State)
}

func TestOutcomeWrongExecutorConflicts(t *testing.T) {
	gw, backend := newTestGateway(t)
	now := time.Now().UTC()

	register(t, backend, "exec-1", now)
	register(t, backend, "exec-2", now)
	seedTask(t, backend, "t1", "exec-1")

	w := httptest.NewRecorder()
	gw.HandleOutcome(w, routedRequest(http.MethodPost, "/executors/exec-2/task_outcome", &OutcomeRequest{
		TaskID:  "t1",
		Outcome: types.TaskOutcomeSuccess,
	}, map[string]string{"id": "exec-2"}))

	assert.Equal(t, http.StatusConflict, w.Code)
}
