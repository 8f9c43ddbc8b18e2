package manager

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/hashicorp/raft"
	"github.com/quarryhq/quarry/pkg/state"
	"github.com/quarryhq/quarry/pkg/storage"
)

// FSM implements the Raft finite state machine for the coordinator.
// Committed log entries are decoded into state.Command and applied through
// the deterministic state machine.
type FSM struct {
	mu      sync.RWMutex
	machine *state.Machine
	store   storage.Store
}

// NewFSM creates a new FSM over the given store.
func NewFSM(store storage.Store) *FSM {
	return &FSM{
		machine: state.NewMachine(store),
		store:   store,
	}
}

// Apply applies a committed Raft log entry.
// Returns *state.ApplyResult on success or an error value; hashicorp/raft
// delivers either through the apply future's Response.
func (f *FSM) Apply(log *raft.Log) interface{} {
	var cmd state.Command
	if err := json.Unmarshal(log.Data, &cmd); err != nil {
		return fmt.Errorf("unmarshaling command: %v", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	result, err := f.machine.Apply(cmd)
	if err != nil {
		return err
	}
	return result
}

// Snapshot exports the whole store so Raft can compact its log.
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	data, err := f.store.Snapshot()
	if err != nil {
		return nil, fmt.Errorf("snapshotting store: %v", err)
	}
	return &fsmSnapshot{data: data}, nil
}

// Restore replaces the store contents from a snapshot. Called when a node
// restarts or catches up from the leader.
func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	var data storage.SnapshotData
	if err := json.NewDecoder(rc).Decode(&data); err != nil {
		return fmt.Errorf("decoding snapshot: %v", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	return f.store.Restore(&data)
}

type fsmSnapshot struct {
	data *storage.SnapshotData
}

// Persist writes the snapshot to the given sink.
func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	err := func() error {
		if err := json.NewEncoder(sink).Encode(s.data); err != nil {
			return err
		}
		return sink.Close()
	}()

	if err != nil {
		sink.Cancel()
	}
	return err
}

// Release releases the snapshot resources.
func (s *fsmSnapshot) Release() {}
