package types

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// Namespace is the top-level tenant scope. It owns graphs, content and
// tasks; nothing crosses namespaces.
type Namespace struct {
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// ComputeFn is a unit of content transformation executed by an executor.
type ComputeFn struct {
	Name                 string            `json:"name"`
	FnName               string            `json:"fn_name"`
	Description          string            `json:"description"`
	PlacementConstraints map[string]string `json:"placement_constraints,omitempty"`
}

// DynamicEdgeRouter selects a subset of its declared target functions at
// runtime, based on the output of its source function. Routers are resolved
// when the upstream task completes; they are never dispatched to executors.
type DynamicEdgeRouter struct {
	Name            string   `json:"name"`
	SourceFn        string   `json:"source_fn"`
	TargetFunctions []string `json:"target_functions"`
	Description     string   `json:"description"`
}

// Node is a tagged variant: exactly one of Compute or Router is set.
type Node struct {
	Compute *ComputeFn         `json:"compute,omitempty"`
	Router  *DynamicEdgeRouter `json:"router,omitempty"`
}

// Name returns the node's name regardless of variant.
func (n Node) Name() string {
	if n.Compute != nil {
		return n.Compute.Name
	}
	if n.Router != nil {
		return n.Router.Name
	}
	return ""
}

// IsRouter reports whether the node is a dynamic edge router.
func (n Node) IsRouter() bool {
	return n.Router != nil
}

// IsZero reports whether neither variant is set.
func (n Node) IsZero() bool {
	return n.Compute == nil && n.Router == nil
}

// GraphCode is the opaque handle to the graph's uploaded code bundle.
type GraphCode struct {
	Path   string `json:"path"`
	Size   uint64 `json:"size"`
	SHA256 string `json:"sha256_hash"`
}

// ComputeGraph is an acyclic plan of compute functions and routers that
// defines how ingested content is processed.
type ComputeGraph struct {
	Namespace   string              `json:"namespace"`
	Name        string              `json:"name"`
	Description string              `json:"description"`
	Nodes       map[string]Node     `json:"nodes"`
	Edges       map[string][]string `json:"edges"`
	StartFn     Node                `json:"start_fn"`
	Code        GraphCode           `json:"code"`
	CreatedAt   time.Time           `json:"created_at"`
	Tombstoned  bool                `json:"tombstoned"`
}

// Validate checks the graph invariants: edge endpoints exist, node names
// are consistent, the start function is a compute node present in the node
// set, and the subgraph reachable from it is acyclic.
func (g *ComputeGraph) Validate() error {
	if g.Namespace == "" {
		return fmt.Errorf("graph %q: namespace is required", g.Name)
	}
	if g.Name == "" {
		return fmt.Errorf("graph name is required")
	}
	for name, node := range g.Nodes {
		if node.IsZero() {
			return fmt.Errorf("graph %q: node %q has no variant", g.Name, name)
		}
		if node.Name() != name {
			return fmt.Errorf("graph %q: node keyed %q is named %q", g.Name, name, node.Name())
		}
	}
	for from, targets := range g.Edges {
		if _, ok := g.Nodes[from]; !ok {
			return fmt.Errorf("graph %q: edge source %q is not a node", g.Name, from)
		}
		for _, to := range targets {
			if _, ok := g.Nodes[to]; !ok {
				return fmt.Errorf("graph %q: edge target %q is not a node", g.Name, to)
			}
		}
	}
	if g.StartFn.IsZero() {
		return fmt.Errorf("graph %q: start function is required", g.Name)
	}
	if g.StartFn.IsRouter() {
		return fmt.Errorf("graph %q: start function %q is a router", g.Name, g.StartFn.Name())
	}
	if _, ok := g.Nodes[g.StartFn.Name()]; !ok {
		return fmt.Errorf("graph %q: start function %q is not a node", g.Name, g.StartFn.Name())
	}
	if cycle := g.findCycle(g.StartFn.Name()); cycle != "" {
		return fmt.Errorf("graph %q: cycle through node %q", g.Name, cycle)
	}
	return nil
}

// findCycle walks the reachable subgraph from start and returns the name of
// a node on a cycle, or "" when the subgraph is acyclic. Router fan-out is
// treated as edges to every declared target.
func (g *ComputeGraph) findCycle(start string) string {
	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make(map[string]int, len(g.Nodes))

	var visit func(name string) string
	visit = func(name string) string {
		switch state[name] {
		case visiting:
			return name
		case done:
			return ""
		}
		state[name] = visiting
		for _, next := range g.outgoing(name) {
			if _, ok := g.Nodes[next]; !ok {
				continue
			}
			if hit := visit(next); hit != "" {
				return hit
			}
		}
		state[name] = done
		return ""
	}
	return visit(start)
}

// outgoing returns the downstream node names of a node: static edges for
// compute nodes plus declared targets for routers.
func (g *ComputeGraph) outgoing(name string) []string {
	targets := append([]string(nil), g.Edges[name]...)
	if node, ok := g.Nodes[name]; ok && node.IsRouter() {
		targets = append(targets, node.Router.TargetFunctions...)
	}
	return targets
}

// ContentSourceIngestion marks content that entered via the ingestion API
// rather than as a function output.
const ContentSourceIngestion = "ingestion"

// ContentMetadata describes one content item. The payload itself lives in
// blob storage; the coordinator only tracks the descriptor.
type ContentMetadata struct {
	ID         string                     `json:"id"`
	Namespace  string                     `json:"namespace"`
	GraphName  string                     `json:"graph_name"`
	ParentID   string                     `json:"parent_id,omitempty"`
	RootID     string                     `json:"root_id,omitempty"`
	StorageURL string                     `json:"storage_url"`
	Size       uint64                     `json:"size"`
	SHA256     string                     `json:"sha256_hash"`
	Mime       string                     `json:"mime"`
	Labels     map[string]json.RawMessage `json:"labels,omitempty"`
	Source     string                     `json:"source"`
	CreatedAt  time.Time                  `json:"created_at"`
}

// TaskOutcome is the terminal state of a task.
type TaskOutcome string

const (
	TaskOutcomeUnknown TaskOutcome = "unknown"
	TaskOutcomeSuccess TaskOutcome = "success"
	TaskOutcomeFailure TaskOutcome = "failure"
)

// Task is one pending or completed execution of a compute function over one
// input content item. A task transitions once from unknown to a terminal
// outcome; retries create a new task with a new id.
type Task struct {
	ID               string      `json:"id"`
	Namespace        string      `json:"namespace"`
	GraphName        string      `json:"graph_name"`
	ComputeFnName    string      `json:"compute_fn_name"`
	InputContentID   string      `json:"input_content_id"`
	Outcome          TaskOutcome `json:"outcome"`
	AssignedExecutor string      `json:"assigned_executor,omitempty"`
	Attempt          uint32      `json:"attempt"`
	CreatedAt        time.Time   `json:"created_at"`
}

// Terminal reports whether the task has reached a terminal outcome.
func (t *Task) Terminal() bool {
	return t.Outcome == TaskOutcomeSuccess || t.Outcome == TaskOutcomeFailure
}

// DataPayload is the blob-storage descriptor of a function output.
type DataPayload struct {
	StorageURL string `json:"storage_url"`
	Size       uint64 `json:"size"`
	SHA256     string `json:"sha256_hash"`
}

// RouterOutput lists the downstream edges a router selected.
type RouterOutput struct {
	Edges []string `json:"edges"`
}

// NodeOutput is one output of a completed task: either a data payload or a
// router decision. Exactly one of Fn and Router is set.
type NodeOutput struct {
	TaskID string        `json:"task_id"`
	Fn     *DataPayload  `json:"fn,omitempty"`
	Router *RouterOutput `json:"router,omitempty"`
}

// ExecutorState is the lifecycle state of a registered executor. Removed
// executors are deleted from the store, so no constant exists for them.
type ExecutorState string

const (
	ExecutorStateActive ExecutorState = "active"
	ExecutorStateLost   ExecutorState = "lost"
)

// ExecutorMetadata describes a remote worker process that claims and runs
// tasks matching its labels.
type ExecutorMetadata struct {
	ID            string            `json:"id"`
	RunnerName    string            `json:"runner_name"`
	Addr          string            `json:"addr"`
	Labels        map[string]string `json:"labels,omitempty"`
	State         ExecutorState     `json:"state"`
	LastHeartbeat time.Time         `json:"last_heartbeat"`
	RegisteredAt  time.Time         `json:"registered_at"`
}

// MatchesConstraints reports whether the executor's labels are a superset
// of the given placement constraints.
func (e *ExecutorMetadata) MatchesConstraints(constraints map[string]string) bool {
	for k, v := range constraints {
		if e.Labels[k] != v {
			return false
		}
	}
	return true
}

// TaskAssignment records the active placement of a task on an executor.
type TaskAssignment struct {
	TaskID     string    `json:"task_id"`
	ExecutorID string    `json:"executor_id"`
	CreatedAt  time.Time `json:"created_at"`
}

// ChangeKind identifies the kind of a state change.
type ChangeKind string

const (
	ChangeContentCreated     ChangeKind = "content_created"
	ChangeInvokeComputeGraph ChangeKind = "invoke_compute_graph"
	ChangeTaskCreated        ChangeKind = "task_created"
	ChangeTaskAssigned       ChangeKind = "task_assigned"
	ChangeTaskCompleted      ChangeKind = "task_completed"
	ChangeExecutorAdded      ChangeKind = "executor_added"
	ChangeExecutorRemoved    ChangeKind = "executor_removed"
	ChangeGraphCreated       ChangeKind = "graph_created"
	ChangeGraphTombstoned    ChangeKind = "graph_tombstoned"
)

// StateChange is an ordered, durable event describing a transition in the
// authoritative state. IDs are assigned strictly increasingly at apply
// time; ProcessedAt is set only once the scheduler has fully handled the
// change.
type StateChange struct {
	ID          uint64          `json:"id"`
	Kind        ChangeKind      `json:"kind"`
	Namespace   string          `json:"namespace,omitempty"`
	GraphName   string          `json:"graph_name,omitempty"`
	ObjectID    string          `json:"object_id,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	ProcessedAt *time.Time      `json:"processed_at,omitempty"`
	Error       string          `json:"error,omitempty"`
}

// Processed reports whether the scheduler has handled the change.
func (c *StateChange) Processed() bool {
	return c.ProcessedAt != nil
}

// InvokeComputeGraphPayload is the payload of an invoke_compute_graph
// change.
type InvokeComputeGraphPayload struct {
	Namespace string `json:"namespace"`
	GraphName string `json:"graph_name"`
	ContentID string `json:"content_id"`
}

// TaskCompletedPayload is the payload of a task_completed change. Produced
// content ids correspond one-to-one with the Fn outputs in Outputs.
type TaskCompletedPayload struct {
	TaskID     string       `json:"task_id"`
	Outcome    TaskOutcome  `json:"outcome"`
	Outputs    []NodeOutput `json:"outputs,omitempty"`
	ContentIDs []string     `json:"content_ids,omitempty"`
}

// NewID returns a 16-character lowercase hex identifier, used for content
// and task ids.
func NewID() string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(fmt.Sprintf("types: reading random bytes: %v", err))
	}
	return hex.EncodeToString(b[:])
}
