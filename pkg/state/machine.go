package state

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/quarryhq/quarry/pkg/log"
	"github.com/quarryhq/quarry/pkg/storage"
	"github.com/quarryhq/quarry/pkg/types"
	"github.com/rs/zerolog"
)

// ApplyResult carries the outcome of a successfully applied command.
type ApplyResult struct {
	// Changes emitted by the command, in id order.
	Changes []*types.StateChange
	// Pruned is set by prune_changes.
	Pruned int
}

// Machine is the deterministic core of the coordinator: it applies
// replicated commands to the state store and emits ordered state changes.
// It holds no mutable state of its own; identical command sequences yield
// identical stores.
type Machine struct {
	store  storage.Store
	logger zerolog.Logger
}

// NewMachine creates a state machine over the given store.
func NewMachine(store storage.Store) *Machine {
	return &Machine{
		store:  store,
		logger: log.WithComponent("state"),
	}
}

// Store exposes the underlying store for reads.
func (m *Machine) Store() storage.Store {
	return m.store
}

// Apply applies one command. Commands are either fully applied or rejected;
// a rejection leaves the store untouched and emits no change.
func (m *Machine) Apply(cmd Command) (*ApplyResult, error) {
	switch cmd.Op {
	case OpCreateNamespace:
		var ns types.Namespace
		if err := json.Unmarshal(cmd.Data, &ns); err != nil {
			return nil, err
		}
		return m.applyCreateNamespace(&ns)

	case OpCreateGraph:
		var g types.ComputeGraph
		if err := json.Unmarshal(cmd.Data, &g); err != nil {
			return nil, err
		}
		return m.applyCreateGraph(&g)

	case OpTombstoneGraph:
		var req TombstoneGraphRequest
		if err := json.Unmarshal(cmd.Data, &req); err != nil {
			return nil, err
		}
		return m.applyTombstoneGraph(&req)

	case OpIngestContent:
		var c types.ContentMetadata
		if err := json.Unmarshal(cmd.Data, &c); err != nil {
			return nil, err
		}
		return m.applyIngestContent(&c)

	case OpInvokeGraph:
		var req InvokeGraphRequest
		if err := json.Unmarshal(cmd.Data, &req); err != nil {
			return nil, err
		}
		return m.applyInvokeGraph(&req)

	case OpCreateTasks:
		var req CreateTasksRequest
		if err := json.Unmarshal(cmd.Data, &req); err != nil {
			return nil, err
		}
		return m.applyCreateTasks(&req)

	case OpCommitAssignments:
		var req CommitAssignmentsRequest
		if err := json.Unmarshal(cmd.Data, &req); err != nil {
			return nil, err
		}
		return m.applyCommitAssignments(&req)

	case OpCompleteTask:
		var req CompleteTaskRequest
		if err := json.Unmarshal(cmd.Data, &req); err != nil {
			return nil, err
		}
		return m.applyCompleteTask(&req)

	case OpRegisterExecutor:
		var e types.ExecutorMetadata
		if err := json.Unmarshal(cmd.Data, &e); err != nil {
			return nil, err
		}
		return m.applyRegisterExecutor(&e)

	case OpHeartbeat:
		var req HeartbeatRequest
		if err := json.Unmarshal(cmd.Data, &req); err != nil {
			return nil, err
		}
		if err := m.store.UpdateExecutorHeartbeat(req.ExecutorID, req.At); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return nil, rejectf("heartbeat from unknown executor %s", req.ExecutorID)
			}
			return nil, err
		}
		return &ApplyResult{}, nil

	case OpExecutorLost:
		var req ExecutorStateRequest
		if err := json.Unmarshal(cmd.Data, &req); err != nil {
			return nil, err
		}
		if err := m.store.SetExecutorState(req.ExecutorID, types.ExecutorStateLost); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return &ApplyResult{}, nil
			}
			return nil, err
		}
		return &ApplyResult{}, nil

	case OpRemoveExecutor:
		var req ExecutorStateRequest
		if err := json.Unmarshal(cmd.Data, &req); err != nil {
			return nil, err
		}
		return m.applyRemoveExecutor(&req)

	case OpMarkProcessed:
		var req MarkProcessedRequest
		if err := json.Unmarshal(cmd.Data, &req); err != nil {
			return nil, err
		}
		if err := m.store.MarkChangesProcessed(req.IDs, req.At, req.Error); err != nil {
			return nil, err
		}
		return &ApplyResult{}, nil

	case OpSetStreamOffset:
		var req SetStreamOffsetRequest
		if err := json.Unmarshal(cmd.Data, &req); err != nil {
			return nil, err
		}
		if err := m.store.SetStreamOffset(req.Key, req.Offset); err != nil {
			return nil, err
		}
		return &ApplyResult{}, nil

	case OpPruneChanges:
		var req PruneChangesRequest
		if err := json.Unmarshal(cmd.Data, &req); err != nil {
			return nil, err
		}
		n, err := m.store.PruneChanges(req.UpTo)
		if err != nil {
			return nil, err
		}
		return &ApplyResult{Pruned: n}, nil

	default:
		return nil, fmt.Errorf("unknown command: %s", cmd.Op)
	}
}

func (m *Machine) applyCreateNamespace(ns *types.Namespace) (*ApplyResult, error) {
	if ns.Name == "" {
		return nil, rejectf("namespace name is required")
	}
	if err := m.store.CreateNamespace(ns); err != nil {
		return nil, err
	}
	return &ApplyResult{}, nil
}

func (m *Machine) applyCreateGraph(g *types.ComputeGraph) (*ApplyResult, error) {
	if err := g.Validate(); err != nil {
		return nil, rejectf("invalid graph: %v", err)
	}
	if _, err := m.store.GetNamespace(g.Namespace); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, rejectf("namespace %s does not exist", g.Namespace)
		}
		return nil, err
	}
	change := &types.StateChange{
		Kind:      types.ChangeGraphCreated,
		Namespace: g.Namespace,
		GraphName: g.Name,
		ObjectID:  g.Name,
		CreatedAt: g.CreatedAt,
	}
	changes := []*types.StateChange{change}
	if err := m.store.CreateComputeGraph(g, changes); err != nil {
		return nil, err
	}
	return &ApplyResult{Changes: changes}, nil
}

func (m *Machine) applyTombstoneGraph(req *TombstoneGraphRequest) (*ApplyResult, error) {
	g, err := m.store.GetComputeGraph(req.Namespace, req.Name)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, rejectf("graph %s/%s does not exist", req.Namespace, req.Name)
		}
		return nil, err
	}
	change := &types.StateChange{
		Kind:      types.ChangeGraphTombstoned,
		Namespace: g.Namespace,
		GraphName: g.Name,
		ObjectID:  g.Name,
		CreatedAt: g.CreatedAt,
	}
	changes := []*types.StateChange{change}
	if err := m.store.TombstoneComputeGraph(req.Namespace, req.Name, changes); err != nil {
		return nil, err
	}
	return &ApplyResult{Changes: changes}, nil
}

func (m *Machine) applyIngestContent(c *types.ContentMetadata) (*ApplyResult, error) {
	if _, err := m.store.GetNamespace(c.Namespace); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, rejectf("namespace %s does not exist", c.Namespace)
		}
		return nil, err
	}
	if _, err := m.store.GetContent(c.Namespace, c.ID); err == nil {
		return nil, rejectf("content id %s already exists in namespace %s", c.ID, c.Namespace)
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}
	change := &types.StateChange{
		Kind:      types.ChangeContentCreated,
		Namespace: c.Namespace,
		GraphName: c.GraphName,
		ObjectID:  c.ID,
		CreatedAt: c.CreatedAt,
	}
	changes := []*types.StateChange{change}
	if err := m.store.CreateContent(c, changes); err != nil {
		return nil, err
	}
	return &ApplyResult{Changes: changes}, nil
}

func (m *Machine) applyInvokeGraph(req *InvokeGraphRequest) (*ApplyResult, error) {
	g, err := m.store.GetComputeGraph(req.Namespace, req.GraphName)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, rejectf("graph %s/%s does not exist", req.Namespace, req.GraphName)
		}
		return nil, err
	}
	if g.Tombstoned {
		return nil, rejectf("graph %s/%s is tombstoned", req.Namespace, req.GraphName)
	}
	if _, err := m.store.GetContent(req.Namespace, req.ContentID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, rejectf("content %s/%s does not exist", req.Namespace, req.ContentID)
		}
		return nil, err
	}
	payload, err := json.Marshal(&types.InvokeComputeGraphPayload{
		Namespace: req.Namespace,
		GraphName: req.GraphName,
		ContentID: req.ContentID,
	})
	if err != nil {
		return nil, err
	}
	change := &types.StateChange{
		Kind:      types.ChangeInvokeComputeGraph,
		Namespace: req.Namespace,
		GraphName: req.GraphName,
		ObjectID:  req.ContentID,
		Payload:   payload,
		CreatedAt: req.At,
	}
	changes := []*types.StateChange{change}
	if err := m.store.AppendChanges(changes); err != nil {
		return nil, err
	}
	return &ApplyResult{Changes: changes}, nil
}

func (m *Machine) applyCreateTasks(req *CreateTasksRequest) (*ApplyResult, error) {
	changes := make([]*types.StateChange, 0, len(req.Tasks))
	for _, t := range req.Tasks {
		if _, err := m.store.GetTask(t.ID); err == nil {
			return nil, rejectf("task id %s already exists", t.ID)
		} else if !errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}
		if _, err := m.store.GetContent(t.Namespace, t.InputContentID); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return nil, rejectf("task %s references missing content %s/%s", t.ID, t.Namespace, t.InputContentID)
			}
			return nil, err
		}
		changes = append(changes, &types.StateChange{
			Kind:      types.ChangeTaskCreated,
			Namespace: t.Namespace,
			GraphName: t.GraphName,
			ObjectID:  t.ID,
			CreatedAt: req.At,
		})
	}
	if err := m.store.CreateTasks(req.Tasks, changes, req.CauseID, req.At); err != nil {
		return nil, err
	}
	return &ApplyResult{Changes: changes}, nil
}

func (m *Machine) applyCommitAssignments(req *CommitAssignmentsRequest) (*ApplyResult, error) {
	changes := make([]*types.StateChange, 0, len(req.Plan))
	for taskID, executorID := range req.Plan {
		t, err := m.store.GetTask(taskID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return nil, rejectf("plan references unknown task %s", taskID)
			}
			return nil, err
		}
		if _, err := m.store.GetExecutor(executorID); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return nil, rejectf("plan references unknown executor %s", executorID)
			}
			return nil, err
		}
		changes = append(changes, &types.StateChange{
			Kind:      types.ChangeTaskAssigned,
			Namespace: t.Namespace,
			GraphName: t.GraphName,
			ObjectID:  t.ID,
			CreatedAt: req.At,
		})
	}
	if err := m.store.CommitTaskAssignments(req.Plan, req.At, changes, req.CauseID); err != nil {
		return nil, err
	}
	return &ApplyResult{Changes: changes}, nil
}

func (m *Machine) applyCompleteTask(req *CompleteTaskRequest) (*ApplyResult, error) {
	t, err := m.store.GetTask(req.TaskID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, rejectf("task %s does not exist", req.TaskID)
		}
		return nil, err
	}
	if t.Terminal() {
		return nil, rejectf("task %s already has outcome %s", t.ID, t.Outcome)
	}
	var changes []*types.StateChange
	contentIDs := make([]string, 0, len(req.Contents))
	for _, c := range req.Contents {
		contentIDs = append(contentIDs, c.ID)
		changes = append(changes, &types.StateChange{
			Kind:      types.ChangeContentCreated,
			Namespace: c.Namespace,
			GraphName: c.GraphName,
			ObjectID:  c.ID,
			CreatedAt: req.At,
		})
	}
	payload, err := json.Marshal(&types.TaskCompletedPayload{
		TaskID:     t.ID,
		Outcome:    req.Outcome,
		Outputs:    req.Outputs,
		ContentIDs: contentIDs,
	})
	if err != nil {
		return nil, err
	}
	changes = append(changes, &types.StateChange{
		Kind:      types.ChangeTaskCompleted,
		Namespace: t.Namespace,
		GraphName: t.GraphName,
		ObjectID:  t.ID,
		Payload:   payload,
		CreatedAt: req.At,
	})

	completed := *t
	completed.Outcome = req.Outcome
	if err := m.store.CompleteTask(&completed, req.Contents, changes); err != nil {
		return nil, err
	}
	return &ApplyResult{Changes: changes}, nil
}

func (m *Machine) applyRegisterExecutor(e *types.ExecutorMetadata) (*ApplyResult, error) {
	if e.ID == "" {
		return nil, rejectf("executor id is required")
	}
	e.State = types.ExecutorStateActive
	change := &types.StateChange{
		Kind:      types.ChangeExecutorAdded,
		ObjectID:  e.ID,
		CreatedAt: e.RegisteredAt,
	}
	changes := []*types.StateChange{change}
	if err := m.store.RegisterExecutor(e, changes); err != nil {
		return nil, err
	}
	return &ApplyResult{Changes: changes}, nil
}

func (m *Machine) applyRemoveExecutor(req *ExecutorStateRequest) (*ApplyResult, error) {
	change := &types.StateChange{
		Kind:      types.ChangeExecutorRemoved,
		ObjectID:  req.ExecutorID,
		CreatedAt: req.At,
	}
	changes := []*types.StateChange{change}
	if err := m.store.RemoveExecutor(req.ExecutorID, changes); err != nil {
		return nil, err
	}
	m.logger.Info().Str("executor_id", req.ExecutorID).Msg("executor removed, tasks returned to unassigned")
	return &ApplyResult{Changes: changes}, nil
}
