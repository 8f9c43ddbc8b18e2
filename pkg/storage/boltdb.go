package storage

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/quarryhq/quarry/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names, one per column family
	bucketNamespaces    = []byte("namespaces")
	bucketGraphs        = []byte("graphs")
	bucketContent       = []byte("content")
	bucketContentParent = []byte("content_by_parent")
	bucketTasks         = []byte("tasks")
	bucketTasksByExec   = []byte("tasks_by_exec")
	bucketUnassigned    = []byte("tasks_unassigned")
	bucketExecutors     = []byte("executors")
	bucketStateChanges  = []byte("state_changes")
	bucketStreamOffsets = []byte("stream_offsets")
	bucketMeta          = []byte("meta")

	metaChangeSeq       = []byte("change_seq")
	metaSchedulerCursor = []byte("scheduler_cursor")
)

// BoltStore implements Store on top of BoltDB.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (or creates) the coordinator database in dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "quarry.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketNamespaces,
			bucketGraphs,
			bucketContent,
			bucketContentParent,
			bucketTasks,
			bucketTasksByExec,
			bucketUnassigned,
			bucketExecutors,
			bucketStateChanges,
			bucketStreamOffsets,
			bucketMeta,
		}
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("creating bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func changeKey(id uint64) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], id)
	return k[:]
}

func graphKey(namespace, name string) []byte {
	return []byte(namespace + "/" + name)
}

func contentKey(namespace, id string) []byte {
	return []byte(namespace + "/" + id)
}

func parentKey(namespace, parentID, id string) []byte {
	return []byte(namespace + "/" + parentID + "/" + id)
}

func assignmentKey(executorID, taskID string) []byte {
	return []byte(executorID + "/" + taskID)
}

// appendChanges assigns monotonically increasing ids from the meta counter
// and writes the records, all within the caller's transaction.
func appendChanges(tx *bolt.Tx, changes []*types.StateChange) error {
	if len(changes) == 0 {
		return nil
	}
	meta := tx.Bucket(bucketMeta)
	seq := uint64(0)
	if v := meta.Get(metaChangeSeq); v != nil {
		seq = binary.BigEndian.Uint64(v)
	}
	b := tx.Bucket(bucketStateChanges)
	for _, change := range changes {
		seq++
		change.ID = seq
		data, err := json.Marshal(change)
		if err != nil {
			return err
		}
		if err := b.Put(changeKey(seq), data); err != nil {
			return err
		}
	}
	return meta.Put(metaChangeSeq, changeKey(seq))
}

// markProcessed sets processed_at on the given change and advances the
// scheduler cursor, within the caller's transaction.
func markProcessed(tx *bolt.Tx, id uint64, at time.Time, errMsg string) error {
	b := tx.Bucket(bucketStateChanges)
	data := b.Get(changeKey(id))
	if data == nil {
		return fmt.Errorf("state change %d: %w", id, ErrNotFound)
	}
	var change types.StateChange
	if err := json.Unmarshal(data, &change); err != nil {
		return err
	}
	change.ProcessedAt = &at
	if errMsg != "" {
		change.Error = errMsg
	}
	out, err := json.Marshal(&change)
	if err != nil {
		return err
	}
	if err := b.Put(changeKey(id), out); err != nil {
		return err
	}
	meta := tx.Bucket(bucketMeta)
	cursor := uint64(0)
	if v := meta.Get(metaSchedulerCursor); v != nil {
		cursor = binary.BigEndian.Uint64(v)
	}
	if id > cursor {
		return meta.Put(metaSchedulerCursor, changeKey(id))
	}
	return nil
}

// Namespace operations

func (s *BoltStore) CreateNamespace(ns *types.Namespace) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNamespaces)
		// Idempotent: re-creating an existing namespace keeps the original
		if b.Get([]byte(ns.Name)) != nil {
			return nil
		}
		data, err := json.Marshal(ns)
		if err != nil {
			return err
		}
		return b.Put([]byte(ns.Name), data)
	})
}

func (s *BoltStore) GetNamespace(name string) (*types.Namespace, error) {
	var ns types.Namespace
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketNamespaces).Get([]byte(name))
		if data == nil {
			return fmt.Errorf("namespace %s: %w", name, ErrNotFound)
		}
		return json.Unmarshal(data, &ns)
	})
	if err != nil {
		return nil, err
	}
	return &ns, nil
}

func (s *BoltStore) ListNamespaces() ([]*types.Namespace, error) {
	var namespaces []*types.Namespace
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNamespaces).ForEach(func(k, v []byte) error {
			var ns types.Namespace
			if err := json.Unmarshal(v, &ns); err != nil {
				return err
			}
			namespaces = append(namespaces, &ns)
			return nil
		})
	})
	return namespaces, err
}

// Compute graph operations

func (s *BoltStore) CreateComputeGraph(g *types.ComputeGraph, changes []*types.StateChange) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketGraphs)
		data, err := json.Marshal(g)
		if err != nil {
			return err
		}
		if err := b.Put(graphKey(g.Namespace, g.Name), data); err != nil {
			return err
		}
		return appendChanges(tx, changes)
	})
}

func (s *BoltStore) TombstoneComputeGraph(namespace, name string, changes []*types.StateChange) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketGraphs)
		data := b.Get(graphKey(namespace, name))
		if data == nil {
			return fmt.Errorf("graph %s/%s: %w", namespace, name, ErrNotFound)
		}
		var g types.ComputeGraph
		if err := json.Unmarshal(data, &g); err != nil {
			return err
		}
		g.Tombstoned = true
		out, err := json.Marshal(&g)
		if err != nil {
			return err
		}
		if err := b.Put(graphKey(namespace, name), out); err != nil {
			return err
		}
		return appendChanges(tx, changes)
	})
}

func (s *BoltStore) GetComputeGraph(namespace, name string) (*types.ComputeGraph, error) {
	var g types.ComputeGraph
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketGraphs).Get(graphKey(namespace, name))
		if data == nil {
			return fmt.Errorf("graph %s/%s: %w", namespace, name, ErrNotFound)
		}
		return json.Unmarshal(data, &g)
	})
	if err != nil {
		return nil, err
	}
	return &g, nil
}

func (s *BoltStore) ListComputeGraphs(namespace string) ([]*types.ComputeGraph, error) {
	var graphs []*types.ComputeGraph
	prefix := []byte(namespace + "/")
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketGraphs).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var g types.ComputeGraph
			if err := json.Unmarshal(v, &g); err != nil {
				return err
			}
			graphs = append(graphs, &g)
		}
		return nil
	})
	return graphs, err
}

// Content operations

func putContent(tx *bolt.Tx, c *types.ContentMetadata) error {
	data, err := json.Marshal(c)
	if err != nil {
		return err
	}
	if err := tx.Bucket(bucketContent).Put(contentKey(c.Namespace, c.ID), data); err != nil {
		return err
	}
	if c.ParentID != "" {
		if err := tx.Bucket(bucketContentParent).Put(parentKey(c.Namespace, c.ParentID, c.ID), []byte(c.ID)); err != nil {
			return err
		}
	}
	return nil
}

func (s *BoltStore) CreateContent(c *types.ContentMetadata, changes []*types.StateChange) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketContent).Get(contentKey(c.Namespace, c.ID)) != nil {
			return fmt.Errorf("content %s/%s already exists", c.Namespace, c.ID)
		}
		if err := putContent(tx, c); err != nil {
			return err
		}
		return appendChanges(tx, changes)
	})
}

func (s *BoltStore) GetContent(namespace, id string) (*types.ContentMetadata, error) {
	var c types.ContentMetadata
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketContent).Get(contentKey(namespace, id))
		if data == nil {
			return fmt.Errorf("content %s/%s: %w", namespace, id, ErrNotFound)
		}
		return json.Unmarshal(data, &c)
	})
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ListContent scans content in a namespace, optionally filtered by graph.
// startKey resumes a previous scan; the returned next key is empty when the
// scan is exhausted.
func (s *BoltStore) ListContent(namespace, graph, startKey string, limit int) ([]*types.ContentMetadata, string, error) {
	var items []*types.ContentMetadata
	var next string
	prefix := []byte(namespace + "/")
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketContent).Cursor()
		start := prefix
		if startKey != "" {
			start = []byte(startKey)
		}
		for k, v := c.Seek(start); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var item types.ContentMetadata
			if err := json.Unmarshal(v, &item); err != nil {
				return err
			}
			if graph != "" && item.GraphName != graph {
				continue
			}
			if limit > 0 && len(items) == limit {
				next = string(k)
				return nil
			}
			items = append(items, &item)
		}
		return nil
	})
	return items, next, err
}

func (s *BoltStore) ListContentByParent(namespace, parentID string) ([]*types.ContentMetadata, error) {
	var items []*types.ContentMetadata
	prefix := []byte(namespace + "/" + parentID + "/")
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketContentParent).Cursor()
		content := tx.Bucket(bucketContent)
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			data := content.Get(contentKey(namespace, string(v)))
			if data == nil {
				continue
			}
			var item types.ContentMetadata
			if err := json.Unmarshal(data, &item); err != nil {
				return err
			}
			items = append(items, &item)
		}
		return nil
	})
	return items, err
}

// Task operations

func putTask(tx *bolt.Tx, t *types.Task) error {
	data, err := json.Marshal(t)
	if err != nil {
		return err
	}
	return tx.Bucket(bucketTasks).Put([]byte(t.ID), data)
}

func getTask(tx *bolt.Tx, id string) (*types.Task, error) {
	data := tx.Bucket(bucketTasks).Get([]byte(id))
	if data == nil {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	var t types.Task
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *BoltStore) CreateTasks(tasks []*types.Task, changes []*types.StateChange, causeID uint64, processedAt time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, t := range tasks {
			if tx.Bucket(bucketTasks).Get([]byte(t.ID)) != nil {
				return fmt.Errorf("task %s already exists", t.ID)
			}
			if err := putTask(tx, t); err != nil {
				return err
			}
			if err := tx.Bucket(bucketUnassigned).Put([]byte(t.ID), []byte{}); err != nil {
				return err
			}
		}
		if err := appendChanges(tx, changes); err != nil {
			return err
		}
		if causeID != 0 {
			return markProcessed(tx, causeID, processedAt, "")
		}
		return nil
	})
}

func (s *BoltStore) CommitTaskAssignments(plan map[string]string, at time.Time, changes []*types.StateChange, causeID uint64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for taskID, executorID := range plan {
			t, err := getTask(tx, taskID)
			if err != nil {
				return err
			}
			if tx.Bucket(bucketExecutors).Get([]byte(executorID)) == nil {
				return fmt.Errorf("executor %s: %w", executorID, ErrNotFound)
			}
			t.AssignedExecutor = executorID
			if err := putTask(tx, t); err != nil {
				return err
			}
			if err := tx.Bucket(bucketUnassigned).Delete([]byte(taskID)); err != nil {
				return err
			}
			assignment := &types.TaskAssignment{TaskID: taskID, ExecutorID: executorID, CreatedAt: at}
			data, err := json.Marshal(assignment)
			if err != nil {
				return err
			}
			if err := tx.Bucket(bucketTasksByExec).Put(assignmentKey(executorID, taskID), data); err != nil {
				return err
			}
		}
		if err := appendChanges(tx, changes); err != nil {
			return err
		}
		if causeID != 0 {
			return markProcessed(tx, causeID, at, "")
		}
		return nil
	})
}

func (s *BoltStore) CompleteTask(task *types.Task, contents []*types.ContentMetadata, changes []*types.StateChange) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := putTask(tx, task); err != nil {
			return err
		}
		if task.AssignedExecutor != "" {
			if err := tx.Bucket(bucketTasksByExec).Delete(assignmentKey(task.AssignedExecutor, task.ID)); err != nil {
				return err
			}
		}
		if err := tx.Bucket(bucketUnassigned).Delete([]byte(task.ID)); err != nil {
			return err
		}
		for _, c := range contents {
			if err := putContent(tx, c); err != nil {
				return err
			}
		}
		return appendChanges(tx, changes)
	})
}

func (s *BoltStore) GetTask(id string) (*types.Task, error) {
	var task *types.Task
	err := s.db.View(func(tx *bolt.Tx) error {
		t, err := getTask(tx, id)
		if err != nil {
			return err
		}
		task = t
		return nil
	})
	return task, err
}

func (s *BoltStore) ListTasks(namespace, graph string) ([]*types.Task, error) {
	var tasks []*types.Task
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTasks).ForEach(func(k, v []byte) error {
			var t types.Task
			if err := json.Unmarshal(v, &t); err != nil {
				return err
			}
			if namespace != "" && t.Namespace != namespace {
				return nil
			}
			if graph != "" && t.GraphName != graph {
				return nil
			}
			tasks = append(tasks, &t)
			return nil
		})
	})
	return tasks, err
}

// UnassignedTasks returns tasks with no active assignment and no terminal
// outcome, derived from the unassigned index.
func (s *BoltStore) UnassignedTasks() ([]*types.Task, error) {
	var tasks []*types.Task
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketUnassigned).ForEach(func(k, v []byte) error {
			t, err := getTask(tx, string(k))
			if err != nil {
				return err
			}
			tasks = append(tasks, t)
			return nil
		})
	})
	return tasks, err
}

func (s *BoltStore) TasksByExecutor(executorID string) ([]*types.Task, error) {
	var tasks []*types.Task
	prefix := []byte(executorID + "/")
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketTasksByExec).Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			taskID := string(k[len(prefix):])
			t, err := getTask(tx, taskID)
			if err != nil {
				return err
			}
			tasks = append(tasks, t)
		}
		return nil
	})
	return tasks, err
}

// AssignedTaskCounts returns the number of active assignments per executor.
func (s *BoltStore) AssignedTaskCounts() (map[string]int, error) {
	counts := make(map[string]int)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTasksByExec).ForEach(func(k, v []byte) error {
			if i := bytes.IndexByte(k, '/'); i > 0 {
				counts[string(k[:i])]++
			}
			return nil
		})
	})
	return counts, err
}

// Executor operations

func (s *BoltStore) RegisterExecutor(e *types.ExecutorMetadata, changes []*types.StateChange) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(e)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketExecutors).Put([]byte(e.ID), data); err != nil {
			return err
		}
		return appendChanges(tx, changes)
	})
}

func (s *BoltStore) UpdateExecutorHeartbeat(id string, at time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketExecutors)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("executor %s: %w", id, ErrNotFound)
		}
		var e types.ExecutorMetadata
		if err := json.Unmarshal(data, &e); err != nil {
			return err
		}
		e.LastHeartbeat = at
		e.State = types.ExecutorStateActive
		out, err := json.Marshal(&e)
		if err != nil {
			return err
		}
		return b.Put([]byte(id), out)
	})
}

func (s *BoltStore) SetExecutorState(id string, state types.ExecutorState) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketExecutors)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("executor %s: %w", id, ErrNotFound)
		}
		var e types.ExecutorMetadata
		if err := json.Unmarshal(data, &e); err != nil {
			return err
		}
		e.State = state
		out, err := json.Marshal(&e)
		if err != nil {
			return err
		}
		return b.Put([]byte(id), out)
	})
}

// RemoveExecutor deletes the executor, drops its assignments and returns
// the affected tasks to the unassigned index.
func (s *BoltStore) RemoveExecutor(id string, changes []*types.StateChange) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketExecutors).Delete([]byte(id)); err != nil {
			return err
		}
		byExec := tx.Bucket(bucketTasksByExec)
		prefix := []byte(id + "/")
		c := byExec.Cursor()
		var taskIDs []string
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			taskIDs = append(taskIDs, string(k[len(prefix):]))
		}
		for _, taskID := range taskIDs {
			if err := byExec.Delete(assignmentKey(id, taskID)); err != nil {
				return err
			}
			t, err := getTask(tx, taskID)
			if err != nil {
				return err
			}
			t.AssignedExecutor = ""
			if err := putTask(tx, t); err != nil {
				return err
			}
			if !t.Terminal() {
				if err := tx.Bucket(bucketUnassigned).Put([]byte(taskID), []byte{}); err != nil {
					return err
				}
			}
		}
		return appendChanges(tx, changes)
	})
}

func (s *BoltStore) GetExecutor(id string) (*types.ExecutorMetadata, error) {
	var e types.ExecutorMetadata
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketExecutors).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("executor %s: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &e)
	})
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *BoltStore) ListExecutors() ([]*types.ExecutorMetadata, error) {
	var executors []*types.ExecutorMetadata
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketExecutors).ForEach(func(k, v []byte) error {
			var e types.ExecutorMetadata
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			executors = append(executors, &e)
			return nil
		})
	})
	return executors, err
}

// Change log operations

func (s *BoltStore) AppendChanges(changes []*types.StateChange) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return appendChanges(tx, changes)
	})
}

func (s *BoltStore) GetChange(id uint64) (*types.StateChange, error) {
	var change types.StateChange
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketStateChanges).Get(changeKey(id))
		if data == nil {
			return fmt.Errorf("state change %d: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &change)
	})
	if err != nil {
		return nil, err
	}
	return &change, nil
}

// ListChanges returns changes with id > afterID in ascending order, up to
// limit. With onlyUnprocessed set, processed changes are skipped.
func (s *BoltStore) ListChanges(afterID uint64, limit int, onlyUnprocessed bool) ([]*types.StateChange, error) {
	var changes []*types.StateChange
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketStateChanges).Cursor()
		for k, v := c.Seek(changeKey(afterID + 1)); k != nil; k, v = c.Next() {
			var change types.StateChange
			if err := json.Unmarshal(v, &change); err != nil {
				return err
			}
			if onlyUnprocessed && change.Processed() {
				continue
			}
			changes = append(changes, &change)
			if limit > 0 && len(changes) == limit {
				return nil
			}
		}
		return nil
	})
	return changes, err
}

func (s *BoltStore) MarkChangesProcessed(ids []uint64, at time.Time, errMsg string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, id := range ids {
			if err := markProcessed(tx, id, at, errMsg); err != nil {
				return err
			}
		}
		return nil
	})
}

// PruneChanges deletes processed changes with id <= upTo and returns the
// number removed. Unprocessed changes are never pruned.
func (s *BoltStore) PruneChanges(upTo uint64) (int, error) {
	removed := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketStateChanges)
		c := b.Cursor()
		var keys [][]byte
		for k, v := c.First(); k != nil && binary.BigEndian.Uint64(k) <= upTo; k, v = c.Next() {
			var change types.StateChange
			if err := json.Unmarshal(v, &change); err != nil {
				return err
			}
			if !change.Processed() {
				continue
			}
			keys = append(keys, append([]byte(nil), k...))
		}
		for _, k := range keys {
			if err := b.Delete(k); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}

func (s *BoltStore) LastChangeID() (uint64, error) {
	var id uint64
	err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(bucketMeta).Get(metaChangeSeq); v != nil {
			id = binary.BigEndian.Uint64(v)
		}
		return nil
	})
	return id, err
}

func (s *BoltStore) SchedulerCursor() (uint64, error) {
	var cursor uint64
	err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(bucketMeta).Get(metaSchedulerCursor); v != nil {
			cursor = binary.BigEndian.Uint64(v)
		}
		return nil
	})
	return cursor, err
}

// Stream offset operations

func (s *BoltStore) SetStreamOffset(key string, offset uint64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketStreamOffsets).Put([]byte(key), changeKey(offset))
	})
}

func (s *BoltStore) StreamOffset(key string) (uint64, bool, error) {
	var offset uint64
	var ok bool
	err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(bucketStreamOffsets).Get([]byte(key)); v != nil {
			offset = binary.BigEndian.Uint64(v)
			ok = true
		}
		return nil
	})
	return offset, ok, err
}

func (s *BoltStore) StreamOffsets() (map[string]uint64, error) {
	offsets := make(map[string]uint64)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketStreamOffsets).ForEach(func(k, v []byte) error {
			offsets[string(k)] = binary.BigEndian.Uint64(v)
			return nil
		})
	})
	return offsets, err
}

// Snapshot exports the entire store.
func (s *BoltStore) Snapshot() (*SnapshotData, error) {
	snap := &SnapshotData{StreamOffsets: make(map[string]uint64)}
	err := s.db.View(func(tx *bolt.Tx) error {
		collect := func(bucket []byte, fn func(v []byte) error) error {
			return tx.Bucket(bucket).ForEach(func(k, v []byte) error {
				return fn(v)
			})
		}
		if err := collect(bucketNamespaces, func(v []byte) error {
			var ns types.Namespace
			if err := json.Unmarshal(v, &ns); err != nil {
				return err
			}
			snap.Namespaces = append(snap.Namespaces, &ns)
			return nil
		}); err != nil {
			return err
		}
		if err := collect(bucketGraphs, func(v []byte) error {
			var g types.ComputeGraph
			if err := json.Unmarshal(v, &g); err != nil {
				return err
			}
			snap.Graphs = append(snap.Graphs, &g)
			return nil
		}); err != nil {
			return err
		}
		if err := collect(bucketContent, func(v []byte) error {
			var c types.ContentMetadata
			if err := json.Unmarshal(v, &c); err != nil {
				return err
			}
			snap.Content = append(snap.Content, &c)
			return nil
		}); err != nil {
			return err
		}
		if err := collect(bucketTasks, func(v []byte) error {
			var t types.Task
			if err := json.Unmarshal(v, &t); err != nil {
				return err
			}
			snap.Tasks = append(snap.Tasks, &t)
			return nil
		}); err != nil {
			return err
		}
		if err := collect(bucketTasksByExec, func(v []byte) error {
			var a types.TaskAssignment
			if err := json.Unmarshal(v, &a); err != nil {
				return err
			}
			snap.Assignments = append(snap.Assignments, &a)
			return nil
		}); err != nil {
			return err
		}
		if err := collect(bucketExecutors, func(v []byte) error {
			var e types.ExecutorMetadata
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			snap.Executors = append(snap.Executors, &e)
			return nil
		}); err != nil {
			return err
		}
		if err := collect(bucketStateChanges, func(v []byte) error {
			var change types.StateChange
			if err := json.Unmarshal(v, &change); err != nil {
				return err
			}
			snap.Changes = append(snap.Changes, &change)
			return nil
		}); err != nil {
			return err
		}
		if err := tx.Bucket(bucketStreamOffsets).ForEach(func(k, v []byte) error {
			snap.StreamOffsets[string(k)] = binary.BigEndian.Uint64(v)
			return nil
		}); err != nil {
			return err
		}
		meta := tx.Bucket(bucketMeta)
		if v := meta.Get(metaChangeSeq); v != nil {
			snap.ChangeSeq = binary.BigEndian.Uint64(v)
		}
		if v := meta.Get(metaSchedulerCursor); v != nil {
			snap.Cursor = binary.BigEndian.Uint64(v)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// Restore replaces the store contents with the snapshot.
func (s *BoltStore) Restore(snap *SnapshotData) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketNamespaces, bucketGraphs, bucketContent, bucketContentParent,
			bucketTasks, bucketTasksByExec, bucketUnassigned, bucketExecutors,
			bucketStateChanges, bucketStreamOffsets, bucketMeta,
		}
		for _, name := range buckets {
			if err := tx.DeleteBucket(name); err != nil {
				return err
			}
			if _, err := tx.CreateBucket(name); err != nil {
				return err
			}
		}
		for _, ns := range snap.Namespaces {
			data, err := json.Marshal(ns)
			if err != nil {
				return err
			}
			if err := tx.Bucket(bucketNamespaces).Put([]byte(ns.Name), data); err != nil {
				return err
			}
		}
		for _, g := range snap.Graphs {
			data, err := json.Marshal(g)
			if err != nil {
				return err
			}
			if err := tx.Bucket(bucketGraphs).Put(graphKey(g.Namespace, g.Name), data); err != nil {
				return err
			}
		}
		for _, c := range snap.Content {
			if err := putContent(tx, c); err != nil {
				return err
			}
		}
		for _, t := range snap.Tasks {
			if err := putTask(tx, t); err != nil {
				return err
			}
			if !t.Terminal() && t.AssignedExecutor == "" {
				if err := tx.Bucket(bucketUnassigned).Put([]byte(t.ID), []byte{}); err != nil {
					return err
				}
			}
		}
		for _, a := range snap.Assignments {
			data, err := json.Marshal(a)
			if err != nil {
				return err
			}
			if err := tx.Bucket(bucketTasksByExec).Put(assignmentKey(a.ExecutorID, a.TaskID), data); err != nil {
				return err
			}
		}
		for _, e := range snap.Executors {
			data, err := json.Marshal(e)
			if err != nil {
				return err
			}
			if err := tx.Bucket(bucketExecutors).Put([]byte(e.ID), data); err != nil {
				return err
			}
		}
		for _, change := range snap.Changes {
			data, err := json.Marshal(change)
			if err != nil {
				return err
			}
			if err := tx.Bucket(bucketStateChanges).Put(changeKey(change.ID), data); err != nil {
				return err
			}
		}
		for key, offset := range snap.StreamOffsets {
			if err := tx.Bucket(bucketStreamOffsets).Put([]byte(key), changeKey(offset)); err != nil {
				return err
			}
		}
		meta := tx.Bucket(bucketMeta)
		if err := meta.Put(metaChangeSeq, changeKey(snap.ChangeSeq)); err != nil {
			return err
		}
		return meta.Put(metaSchedulerCursor, changeKey(snap.Cursor))
	})
}
