package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/quarryhq/quarry/pkg/log"
	"github.com/quarryhq/quarry/pkg/metrics"
	"github.com/quarryhq/quarry/pkg/state"
	"github.com/quarryhq/quarry/pkg/storage"
	"github.com/quarryhq/quarry/pkg/types"
)

// RegisterRequest registers an executor with the coordinator.
type RegisterRequest struct {
	ID         string            `json:"id"`
	RunnerName string            `json:"runner_name"`
	Addr       string            `json:"addr"`
	Labels     map[string]string `json:"labels,omitempty"`
}

// HeartbeatRequest carries the tasks the executor believes it is running.
type HeartbeatRequest struct {
	RunningTaskIDs []string `json:"running_task_ids,omitempty"`
}

// HeartbeatResponse lists tasks the coordinator no longer has assigned to
// the executor, so the executor can cancel them locally.
type HeartbeatResponse struct {
	CancelledTaskIDs []string `json:"cancelled_task_ids,omitempty"`
}

// OutcomeRequest reports a terminal task outcome with its outputs.
type OutcomeRequest struct {
	TaskID  string             `json:"task_id"`
	Outcome types.TaskOutcome  `json:"outcome"`
	Outputs []types.NodeOutput `json:"outputs,omitempty"`
}

// HandleRegister implements POST /executors.
func (g *Gateway) HandleRegister(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.ID == "" {
		req.ID = uuid.New().String()
	}

	now := time.Now().UTC()
	executor := &types.ExecutorMetadata{
		ID:            req.ID,
		RunnerName:    req.RunnerName,
		Addr:          req.Addr,
		Labels:        req.Labels,
		State:         types.ExecutorStateActive,
		LastHeartbeat: now,
		RegisteredAt:  now,
	}
	if err := g.backend.RegisterExecutor(executor); err != nil {
		g.writeError(w, err)
		return
	}

	g.logger.Info().Str("executor_id", executor.ID).Str("runner", executor.RunnerName).Msg("executor registered")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(executor)
}

// HandleHeartbeat implements POST /executors/{id}/heartbeat. Unknown
// executors get 409 and must re-register; a Lost executor that heartbeats
// again must also re-register.
func (g *Gateway) HandleHeartbeat(w http.ResponseWriter, r *http.Request) {
	executorID := r.PathValue("id")

	var req HeartbeatRequest
	if r.Body != nil {
		// An empty body is a plain liveness ping.
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	executor, err := g.backend.Store().GetExecutor(executorID)
	if err != nil || executor.State != types.ExecutorStateActive {
		http.Error(w, "unknown or lost executor, re-register", http.StatusConflict)
		return
	}

	if err := g.backend.Heartbeat(executorID, time.Now().UTC()); err != nil {
		g.writeError(w, err)
		return
	}
	metrics.HeartbeatsTotal.Inc()

	resp := &HeartbeatResponse{}
	if len(req.RunningTaskIDs) > 0 {
		assigned, err := g.backend.Store().TasksByExecutor(executorID)
		if err != nil {
			g.writeError(w, err)
			return
		}
		assignedSet := make(map[string]bool, len(assigned))
		for _, t := range assigned {
			assignedSet[t.ID] = true
		}
		for _, id := range req.RunningTaskIDs {
			if !assignedSet[id] {
				resp.CancelledTaskIDs = append(resp.CancelledTaskIDs, id)
			}
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// HandleTasks implements GET /executors/{id}/tasks. With a wait parameter
// the request long-polls until a task is assigned or the wait elapses.
func (g *Gateway) HandleTasks(w http.ResponseWriter, r *http.Request) {
	executorID := r.PathValue("id")

	if _, err := g.backend.Store().GetExecutor(executorID); err != nil {
		http.Error(w, "unknown executor", http.StatusConflict)
		return
	}

	var wait time.Duration
	if raw := r.URL.Query().Get("wait"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			http.Error(w, "invalid wait duration", http.StatusBadRequest)
			return
		}
		wait = d
	}

	tasks, err := g.pollTasks(r, executorID, wait)
	if err != nil {
		g.writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(tasks)
}

func (g *Gateway) pollTasks(r *http.Request, executorID string, wait time.Duration) ([]*types.Task, error) {
	// Subscribe before the first read so an assignment landing in
	// between is not missed.
	sub := g.backend.Broker().Subscribe()
	defer g.backend.Broker().Unsubscribe(sub)

	deadline := time.After(wait)
	for {
		tasks, err := g.backend.Store().TasksByExecutor(executorID)
		if err != nil {
			return nil, err
		}
		pending := tasks[:0]
		for _, t := range tasks {
			if !t.Terminal() {
				pending = append(pending, t)
			}
		}
		if len(pending) > 0 || wait == 0 {
			return pending, nil
		}

		select {
		case change, open := <-sub:
			if !open {
				return pending, nil
			}
			if change.Kind != types.ChangeTaskAssigned {
				continue
			}
		case <-deadline:
			return pending, nil
		case <-r.Context().Done():
			return pending, nil
		}
	}
}

// HandleOutcome implements POST /executors/{id}/task_outcome. The gateway
// mints content rows for the function outputs before proposing the
// completion, so ids and timestamps replicate deterministically.
func (g *Gateway) HandleOutcome(w http.ResponseWriter, r *http.Request) {
	executorID := r.PathValue("id")

	var req OutcomeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Outcome != types.TaskOutcomeSuccess && req.Outcome != types.TaskOutcomeFailure {
		http.Error(w, "outcome must be success or failure", http.StatusBadRequest)
		return
	}

	store := g.backend.Store()
	task, err := store.GetTask(req.TaskID)
	if err != nil {
		g.protocolViolation(w, executorID, "unknown task")
		return
	}
	if task.Terminal() || task.AssignedExecutor != executorID {
		g.protocolViolation(w, executorID, "task is not assigned to this executor")
		return
	}

	now := time.Now().UTC()
	contents, err := g.contentsFor(task, req.Outputs, now)
	if err != nil {
		g.writeError(w, err)
		return
	}

	if err := g.backend.CompleteTask(&state.CompleteTaskRequest{
		TaskID:   req.TaskID,
		Outcome:  req.Outcome,
		Outputs:  req.Outputs,
		Contents: contents,
		At:       now,
	}); err != nil {
		g.writeError(w, err)
		return
	}

	logger := log.WithTaskID(req.TaskID)
	logger.Debug().
		Str("executor_id", executorID).
		Str("outcome", string(req.Outcome)).
		Msg("task outcome recorded")
	w.WriteHeader(http.StatusNoContent)
}

// contentsFor builds the content rows for a task's function outputs.
// Router outputs carry no data and produce no content. Lineage threads
// through ParentID and RootID so the content tree stays walkable.
func (g *Gateway) contentsFor(task *types.Task, outputs []types.NodeOutput, now time.Time) ([]*types.ContentMetadata, error) {
	var parentRoot string
	if len(outputs) > 0 {
		parent, err := g.backend.Store().GetContent(task.Namespace, task.InputContentID)
		if err == nil {
			parentRoot = parent.RootID
			if parentRoot == "" {
				parentRoot = parent.ID
			}
		} else if !errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}
	}

	var contents []*types.ContentMetadata
	for _, out := range outputs {
		if out.Fn == nil {
			continue
		}
		contents = append(contents, &types.ContentMetadata{
			ID:         types.NewID(),
			Namespace:  task.Namespace,
			GraphName:  task.GraphName,
			ParentID:   task.InputContentID,
			RootID:     parentRoot,
			StorageURL: out.Fn.StorageURL,
			Size:       out.Fn.Size,
			SHA256:     out.Fn.SHA256,
			Source:     task.ComputeFnName,
			CreatedAt:  now,
		})
	}
	return contents, nil
}

// protocolViolation ends the session fatally and marks the executor Lost:
// an executor reporting outcomes for tasks it does not own is out of sync
// with the coordinator and must re-register.
func (g *Gateway) protocolViolation(w http.ResponseWriter, executorID, reason string) {
	g.logger.Warn().
		Str("executor_id", executorID).
		Str("reason", reason).
		Msg("protocol violation, marking executor lost")
	if err := g.backend.MarkExecutorLost(executorID, time.Now().UTC()); err != nil {
		g.logger.Error().Err(err).Str("executor_id", executorID).Msg("marking executor lost")
	}
	http.Error(w, reason, http.StatusConflict)
}

func (g *Gateway) writeError(w http.ResponseWriter, err error) {
	switch {
	case state.IsRejection(err):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, storage.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
