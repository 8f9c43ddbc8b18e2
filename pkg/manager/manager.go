package manager

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	"github.com/quarryhq/quarry/pkg/events"
	"github.com/quarryhq/quarry/pkg/log"
	"github.com/quarryhq/quarry/pkg/state"
	"github.com/quarryhq/quarry/pkg/storage"
	"github.com/quarryhq/quarry/pkg/types"
	"github.com/rs/zerolog"
)

const applyTimeout = 5 * time.Second

// Manager runs one coordinator node: it owns the store, the Raft instance
// replicating the command log over it, and the broker that notifies
// in-process consumers of applied changes.
type Manager struct {
	nodeID   string
	bindAddr string
	dataDir  string

	raft   *raft.Raft
	fsm    *FSM
	store  storage.Store
	broker *events.Broker
	logger zerolog.Logger
}

// Config holds configuration for creating a Manager.
type Config struct {
	NodeID   string
	BindAddr string
	DataDir  string
}

// NewManager creates a new Manager instance.
func NewManager(cfg *Config) (*Manager, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("creating data directory: %v", err)
	}

	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("creating store: %v", err)
	}

	broker := events.NewBroker()
	broker.Start()

	return &Manager{
		nodeID:   cfg.NodeID,
		bindAddr: cfg.BindAddr,
		dataDir:  cfg.DataDir,
		fsm:      NewFSM(store),
		store:    store,
		broker:   broker,
		logger:   log.WithComponent("manager"),
	}, nil
}

func (m *Manager) raftConfig() *raft.Config {
	config := raft.DefaultConfig()
	config.LocalID = raft.ServerID(m.nodeID)

	// Tuned for LAN deployments: faster failure detection and elections
	// than the conservative WAN defaults.
	config.HeartbeatTimeout = 500 * time.Millisecond
	config.ElectionTimeout = 500 * time.Millisecond
	config.CommitTimeout = 50 * time.Millisecond
	config.LeaderLeaseTimeout = 250 * time.Millisecond
	return config
}

func (m *Manager) setupRaft() error {
	config := m.raftConfig()

	addr, err := net.ResolveTCPAddr("tcp", m.bindAddr)
	if err != nil {
		return fmt.Errorf("resolving bind address: %v", err)
	}

	transport, err := raft.NewTCPTransport(m.bindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return fmt.Errorf("creating transport: %v", err)
	}

	snapshotStore, err := raft.NewFileSnapshotStore(m.dataDir, 2, os.Stderr)
	if err != nil {
		return fmt.Errorf("creating snapshot store: %v", err)
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(m.dataDir, "raft-log.db"))
	if err != nil {
		return fmt.Errorf("creating log store: %v", err)
	}

	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(m.dataDir, "raft-stable.db"))
	if err != nil {
		return fmt.Errorf("creating stable store: %v", err)
	}

	r, err := raft.NewRaft(config, m.fsm, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		return fmt.Errorf("creating raft: %v", err)
	}

	m.raft = r
	return nil
}

// Bootstrap initializes a new single-node Raft cluster.
func (m *Manager) Bootstrap() error {
	if err := m.setupRaft(); err != nil {
		return err
	}

	configuration := raft.Configuration{
		Servers: []raft.Server{
			{
				ID:      raft.ServerID(m.nodeID),
				Address: raft.ServerAddress(m.bindAddr),
			},
		},
	}

	future := m.raft.BootstrapCluster(configuration)
	if err := future.Error(); err != nil {
		return fmt.Errorf("bootstrapping cluster: %v", err)
	}

	m.logger.Info().Str("node_id", m.nodeID).Str("bind_addr", m.bindAddr).Msg("bootstrapped cluster")
	return nil
}

// Join starts Raft and asks the leader's API to add this node as a voter.
func (m *Manager) Join(leaderAPIAddr string) error {
	if err := m.setupRaft(); err != nil {
		return err
	}

	body, err := json.Marshal(map[string]string{
		"node_id": m.nodeID,
		"addr":    m.bindAddr,
	})
	if err != nil {
		return err
	}

	url := fmt.Sprintf("http://%s/cluster/join", leaderAPIAddr)
	resp, err := http.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("contacting leader: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("leader rejected join: %s", resp.Status)
	}

	m.logger.Info().Str("node_id", m.nodeID).Str("leader", leaderAPIAddr).Msg("joined cluster")
	return nil
}

// AddVoter adds a new coordinator node to the Raft cluster. Leader only.
func (m *Manager) AddVoter(nodeID, address string) error {
	if m.raft == nil {
		return fmt.Errorf("raft not initialized")
	}
	if !m.IsLeader() {
		return fmt.Errorf("not the leader, current leader: %s", m.LeaderAddr())
	}

	future := m.raft.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(address), 0, 10*time.Second)
	if err := future.Error(); err != nil {
		return fmt.Errorf("adding voter: %v", err)
	}

	m.logger.Info().Str("node_id", nodeID).Str("addr", address).Msg("added voter")
	return nil
}

// RemoveServer removes a server from the Raft cluster. Leader only.
func (m *Manager) RemoveServer(nodeID string) error {
	if m.raft == nil {
		return fmt.Errorf("raft not initialized")
	}
	if !m.IsLeader() {
		return fmt.Errorf("not the leader")
	}

	future := m.raft.RemoveServer(raft.ServerID(nodeID), 0, 10*time.Second)
	if err := future.Error(); err != nil {
		return fmt.Errorf("removing server: %v", err)
	}
	return nil
}

// IsLeader returns true if this node is the Raft leader.
func (m *Manager) IsLeader() bool {
	if m.raft == nil {
		return false
	}
	return m.raft.State() == raft.Leader
}

// LeaderAddr returns the address of the current Raft leader.
func (m *Manager) LeaderAddr() string {
	if m.raft == nil {
		return ""
	}
	return string(m.raft.Leader())
}

// Stats returns Raft statistics for the analytics endpoint.
func (m *Manager) Stats() map[string]interface{} {
	if m.raft == nil {
		return nil
	}
	return map[string]interface{}{
		"state":          m.raft.State().String(),
		"last_log_index": m.raft.LastIndex(),
		"applied_index":  m.raft.AppliedIndex(),
		"leader":         string(m.raft.Leader()),
	}
}

// Store exposes the state store for reads.
func (m *Manager) Store() storage.Store {
	return m.store
}

// Broker returns the change broker.
func (m *Manager) Broker() *events.Broker {
	return m.broker
}

// Apply replicates a command through Raft and, once applied, publishes the
// emitted changes to the broker. Command rejections come back as
// state.RejectionError.
func (m *Manager) Apply(cmd state.Command) (*state.ApplyResult, error) {
	if m.raft == nil {
		return nil, fmt.Errorf("raft not initialized")
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("marshaling command: %v", err)
	}

	future := m.raft.Apply(data, applyTimeout)
	if err := future.Error(); err != nil {
		return nil, fmt.Errorf("applying command: %v", err)
	}

	switch resp := future.Response().(type) {
	case error:
		return nil, resp
	case *state.ApplyResult:
		for _, change := range resp.Changes {
			m.broker.Publish(change)
		}
		return resp, nil
	default:
		return nil, fmt.Errorf("unexpected apply response %T", resp)
	}
}

func (m *Manager) apply(op string, payload any) (*state.ApplyResult, error) {
	cmd, err := state.NewCommand(op, payload)
	if err != nil {
		return nil, err
	}
	return m.Apply(cmd)
}

// CreateNamespace creates a namespace. Idempotent.
func (m *Manager) CreateNamespace(ns *types.Namespace) error {
	_, err := m.apply(state.OpCreateNamespace, ns)
	return err
}

// CreateComputeGraph registers a validated compute graph.
func (m *Manager) CreateComputeGraph(g *types.ComputeGraph) error {
	_, err := m.apply(state.OpCreateGraph, g)
	return err
}

// TombstoneComputeGraph marks a graph tombstoned.
func (m *Manager) TombstoneComputeGraph(namespace, name string) error {
	_, err := m.apply(state.OpTombstoneGraph, &state.TombstoneGraphRequest{
		Namespace: namespace,
		Name:      name,
	})
	return err
}

// IngestContent records new ingested content.
func (m *Manager) IngestContent(c *types.ContentMetadata) error {
	_, err := m.apply(state.OpIngestContent, c)
	return err
}

// InvokeGraph requests processing of existing content by a graph.
func (m *Manager) InvokeGraph(req *state.InvokeGraphRequest) error {
	_, err := m.apply(state.OpInvokeGraph, req)
	return err
}

// CreateTasks inserts derived tasks and marks their cause processed.
func (m *Manager) CreateTasks(req *state.CreateTasksRequest) error {
	_, err := m.apply(state.OpCreateTasks, req)
	return err
}

// CommitAssignments commits an allocation plan.
func (m *Manager) CommitAssignments(req *state.CommitAssignmentsRequest) error {
	_, err := m.apply(state.OpCommitAssignments, req)
	return err
}

// CompleteTask records a task outcome with its produced content.
func (m *Manager) CompleteTask(req *state.CompleteTaskRequest) error {
	_, err := m.apply(state.OpCompleteTask, req)
	return err
}

// RegisterExecutor registers or re-registers an executor.
func (m *Manager) RegisterExecutor(e *types.ExecutorMetadata) error {
	_, err := m.apply(state.OpRegisterExecutor, e)
	return err
}

// Heartbeat refreshes an executor's liveness.
func (m *Manager) Heartbeat(executorID string, at time.Time) error {
	_, err := m.apply(state.OpHeartbeat, &state.HeartbeatRequest{
		ExecutorID: executorID,
		At:         at,
	})
	return err
}

// MarkExecutorLost marks an executor Lost after its heartbeat TTL expires.
func (m *Manager) MarkExecutorLost(executorID string, at time.Time) error {
	_, err := m.apply(state.OpExecutorLost, &state.ExecutorStateRequest{
		ExecutorID: executorID,
		At:         at,
	})
	return err
}

// RemoveExecutor removes an executor and returns its tasks to unassigned.
func (m *Manager) RemoveExecutor(executorID string, at time.Time) error {
	_, err := m.apply(state.OpRemoveExecutor, &state.ExecutorStateRequest{
		ExecutorID: executorID,
		At:         at,
	})
	return err
}

// MarkChangesProcessed marks changes handled by the scheduler.
func (m *Manager) MarkChangesProcessed(req *state.MarkProcessedRequest) error {
	_, err := m.apply(state.OpMarkProcessed, req)
	return err
}

// SetStreamOffset persists a subscriber's resume offset.
func (m *Manager) SetStreamOffset(key string, offset uint64) error {
	_, err := m.apply(state.OpSetStreamOffset, &state.SetStreamOffsetRequest{
		Key:    key,
		Offset: offset,
	})
	return err
}

// PruneChanges removes processed changes up to and including upTo.
func (m *Manager) PruneChanges(upTo uint64) (int, error) {
	result, err := m.apply(state.OpPruneChanges, &state.PruneChangesRequest{UpTo: upTo})
	if err != nil {
		return 0, err
	}
	return result.Pruned, nil
}

// Shutdown stops Raft, the broker and the store.
func (m *Manager) Shutdown() error {
	m.broker.Stop()
	if m.raft != nil {
		if err := m.raft.Shutdown().Error(); err != nil {
			return fmt.Errorf("shutting down raft: %v", err)
		}
	}
	return m.store.Close()
}
