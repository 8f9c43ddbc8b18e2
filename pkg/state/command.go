package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/quarryhq/quarry/pkg/types"
)

// Command is one state-change operation in the replication log. Data holds
// the op-specific payload. Timestamps and freshly generated ids always come
// from the proposer so that applying the log is deterministic on every
// replica.
type Command struct {
	Op   string          `json:"op"`
	Data json.RawMessage `json:"data"`
}

// Command ops
const (
	OpCreateNamespace   = "create_namespace"
	OpCreateGraph       = "create_graph"
	OpTombstoneGraph    = "tombstone_graph"
	OpIngestContent     = "ingest_content"
	OpInvokeGraph       = "invoke_graph"
	OpCreateTasks       = "create_tasks"
	OpCommitAssignments = "commit_assignments"
	OpCompleteTask      = "complete_task"
	OpRegisterExecutor  = "register_executor"
	OpHeartbeat         = "heartbeat"
	OpExecutorLost      = "executor_lost"
	OpRemoveExecutor    = "remove_executor"
	OpMarkProcessed     = "mark_processed"
	OpSetStreamOffset   = "set_stream_offset"
	OpPruneChanges      = "prune_changes"
)

// NewCommand marshals a payload into a Command.
func NewCommand(op string, payload any) (Command, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Command{}, fmt.Errorf("marshaling %s payload: %w", op, err)
	}
	return Command{Op: op, Data: data}, nil
}

// TombstoneGraphRequest tombstones a graph; no new tasks are derived for it
// afterwards.
type TombstoneGraphRequest struct {
	Namespace string `json:"namespace"`
	Name      string `json:"name"`
}

// InvokeGraphRequest requests processing of existing content by a graph.
type InvokeGraphRequest struct {
	Namespace string    `json:"namespace"`
	GraphName string    `json:"graph_name"`
	ContentID string    `json:"content_id"`
	At        time.Time `json:"at"`
}

// CreateTasksRequest inserts derived tasks and marks the causing change
// processed in the same apply.
type CreateTasksRequest struct {
	Tasks   []*types.Task `json:"tasks"`
	CauseID uint64        `json:"cause_id"`
	At      time.Time     `json:"at"`
}

// CommitAssignmentsRequest commits an allocation plan (task id to executor
// id) and marks the causing change processed.
type CommitAssignmentsRequest struct {
	Plan    map[string]string `json:"plan"`
	CauseID uint64            `json:"cause_id"`
	At      time.Time         `json:"at"`
}

// CompleteTaskRequest records a task outcome together with the content rows
// built from its outputs. Content ids are generated by the gateway before
// the command is proposed.
type CompleteTaskRequest struct {
	TaskID   string                   `json:"task_id"`
	Outcome  types.TaskOutcome        `json:"outcome"`
	Outputs  []types.NodeOutput       `json:"outputs,omitempty"`
	Contents []*types.ContentMetadata `json:"contents,omitempty"`
	At       time.Time                `json:"at"`
}

// HeartbeatRequest refreshes an executor's liveness.
type HeartbeatRequest struct {
	ExecutorID string    `json:"executor_id"`
	At         time.Time `json:"at"`
}

// ExecutorStateRequest marks an executor lost or removes it.
type ExecutorStateRequest struct {
	ExecutorID string    `json:"executor_id"`
	At         time.Time `json:"at"`
}

// MarkProcessedRequest marks changes handled by the scheduler, optionally
// recording a derivation error.
type MarkProcessedRequest struct {
	IDs   []uint64  `json:"ids"`
	At    time.Time `json:"at"`
	Error string    `json:"error,omitempty"`
}

// SetStreamOffsetRequest persists a subscriber's last delivered change id.
type SetStreamOffsetRequest struct {
	Key    string `json:"key"`
	Offset uint64 `json:"offset"`
}

// PruneChangesRequest removes processed changes up to and including UpTo.
type PruneChangesRequest struct {
	UpTo uint64 `json:"up_to"`
}

// RejectionError marks a command that was rejected atomically: no state
// change was applied and none was emitted.
type RejectionError struct {
	Reason string
}

func (e *RejectionError) Error() string {
	return e.Reason
}

func rejectf(format string, args ...any) error {
	return &RejectionError{Reason: fmt.Sprintf(format, args...)}
}

// IsRejection reports whether err is a command rejection rather than an
// internal failure.
func IsRejection(err error) bool {
	var r *RejectionError
	return errors.As(err, &r)
}
