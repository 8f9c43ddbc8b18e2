package storage

import (
	"errors"
	"time"

	"github.com/quarryhq/quarry/pkg/types"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("not found")

// Store is the durable state store of the coordinator. All mutations arrive
// through the state machine in replication-log order; each mutation method
// is atomic. Reads see consistent snapshots.
type Store interface {
	// Namespaces
	CreateNamespace(ns *types.Namespace) error
	GetNamespace(name string) (*types.Namespace, error)
	ListNamespaces() ([]*types.Namespace, error)

	// Compute graphs
	CreateComputeGraph(g *types.ComputeGraph, changes []*types.StateChange) error
	TombstoneComputeGraph(namespace, name string, changes []*types.StateChange) error
	GetComputeGraph(namespace, name string) (*types.ComputeGraph, error)
	ListComputeGraphs(namespace string) ([]*types.ComputeGraph, error)

	// Content
	CreateContent(c *types.ContentMetadata, changes []*types.StateChange) error
	GetContent(namespace, id string) (*types.ContentMetadata, error)
	ListContent(namespace, graph, startKey string, limit int) ([]*types.ContentMetadata, string, error)
	ListContentByParent(namespace, parentID string) ([]*types.ContentMetadata, error)

	// Tasks. CreateTasks and CommitTaskAssignments mark the causing change
	// processed in the same transaction, so a crash can never leave partial
	// derivation behind.
	CreateTasks(tasks []*types.Task, changes []*types.StateChange, causeID uint64, processedAt time.Time) error
	CommitTaskAssignments(plan map[string]string, at time.Time, changes []*types.StateChange, causeID uint64) error
	CompleteTask(task *types.Task, contents []*types.ContentMetadata, changes []*types.StateChange) error
	GetTask(id string) (*types.Task, error)
	ListTasks(namespace, graph string) ([]*types.Task, error)
	UnassignedTasks() ([]*types.Task, error)
	TasksByExecutor(executorID string) ([]*types.Task, error)
	AssignedTaskCounts() (map[string]int, error)

	// Executors
	RegisterExecutor(e *types.ExecutorMetadata, changes []*types.StateChange) error
	UpdateExecutorHeartbeat(id string, at time.Time) error
	SetExecutorState(id string, state types.ExecutorState) error
	RemoveExecutor(id string, changes []*types.StateChange) error
	GetExecutor(id string) (*types.ExecutorMetadata, error)
	ListExecutors() ([]*types.ExecutorMetadata, error)

	// Change log
	AppendChanges(changes []*types.StateChange) error
	GetChange(id uint64) (*types.StateChange, error)
	ListChanges(afterID uint64, limit int, onlyUnprocessed bool) ([]*types.StateChange, error)
	MarkChangesProcessed(ids []uint64, at time.Time, errMsg string) error
	PruneChanges(upTo uint64) (int, error)
	LastChangeID() (uint64, error)
	SchedulerCursor() (uint64, error)

	// Stream offsets
	SetStreamOffset(key string, offset uint64) error
	StreamOffset(key string) (uint64, bool, error)
	StreamOffsets() (map[string]uint64, error)

	// Snapshotting for the replication log
	Snapshot() (*SnapshotData, error)
	Restore(snap *SnapshotData) error

	Close() error
}

// SnapshotData is a point-in-time export of the whole store, used by the
// replication log to compact itself.
type SnapshotData struct {
	Namespaces    []*types.Namespace         `json:"namespaces"`
	Graphs        []*types.ComputeGraph      `json:"graphs"`
	Content       []*types.ContentMetadata   `json:"content"`
	Tasks         []*types.Task              `json:"tasks"`
	Assignments   []*types.TaskAssignment    `json:"assignments"`
	Executors     []*types.ExecutorMetadata  `json:"executors"`
	Changes       []*types.StateChange       `json:"changes"`
	StreamOffsets map[string]uint64          `json:"stream_offsets"`
	ChangeSeq     uint64                     `json:"change_seq"`
	Cursor        uint64                     `json:"cursor"`
}
