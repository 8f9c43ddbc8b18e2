package scheduler

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/quarryhq/quarry/pkg/allocator"
	"github.com/quarryhq/quarry/pkg/config"
	"github.com/quarryhq/quarry/pkg/events"
	"github.com/quarryhq/quarry/pkg/log"
	"github.com/quarryhq/quarry/pkg/metrics"
	"github.com/quarryhq/quarry/pkg/state"
	"github.com/quarryhq/quarry/pkg/storage"
	"github.com/quarryhq/quarry/pkg/types"
	"github.com/rs/zerolog"
)

const (
	changeBatchSize = 256
	pollInterval    = 2 * time.Second
	pruneInterval   = time.Minute
	graphCacheSize  = 512
	backoffInitial  = 100 * time.Millisecond
	backoffMax      = 5 * time.Second
)

// Backend is what the scheduler needs from the coordinator node: consistent
// reads and replicated writes. *manager.Manager satisfies it; tests drive
// the state machine directly.
type Backend interface {
	Store() storage.Store
	Broker() *events.Broker
	IsLeader() bool
	CreateTasks(req *state.CreateTasksRequest) error
	CommitAssignments(req *state.CommitAssignmentsRequest) error
	MarkChangesProcessed(req *state.MarkProcessedRequest) error
	PruneChanges(upTo uint64) (int, error)
}

// Scheduler is the single consumer of the change log. It walks unprocessed
// changes in id order, derives tasks from graph topology and task outcomes,
// and commits allocation plans. Marking a change processed and writing its
// derived commands happen in one store transaction, so a crash mid-stream
// re-derives at most the change it was on.
type Scheduler struct {
	backend Backend
	planner *allocator.Planner
	graphs  *lru.Cache[string, *types.ComputeGraph]
	logger  zerolog.Logger

	retention uint64
	stopCh    chan struct{}
	doneCh    chan struct{}
}

// NewScheduler creates a scheduler over the given backend.
func NewScheduler(backend Backend, cfg *config.Config) (*Scheduler, error) {
	cache, err := lru.New[string, *types.ComputeGraph](graphCacheSize)
	if err != nil {
		return nil, err
	}
	return &Scheduler{
		backend:   backend,
		planner:   allocator.NewPlanner(cfg.AllocatorStrategy, cfg.MaxConcurrentTasksPerExecutor),
		graphs:    cache,
		logger:    log.WithComponent("scheduler"),
		retention: cfg.ChangeLogRetention,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}, nil
}

// Start begins the scheduler loop.
func (s *Scheduler) Start() {
	go s.run()
}

// Stop stops the scheduler and waits for the loop to exit.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	<-s.doneCh
}

func (s *Scheduler) run() {
	defer close(s.doneCh)

	sub := s.backend.Broker().Subscribe()
	defer s.backend.Broker().Unsubscribe(sub)

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	pruneTicker := time.NewTicker(pruneInterval)
	defer pruneTicker.Stop()

	backoff := backoffInitial
	for {
		n, err := s.Tick()
		if err != nil {
			s.logger.Error().Err(err).Msg("scheduling pass failed")
			select {
			case <-time.After(backoff):
			case <-s.stopCh:
				return
			}
			backoff = min(backoff*2, backoffMax)
			continue
		}
		backoff = backoffInitial
		if n > 0 {
			// Drained a batch; there may be more.
			continue
		}

		select {
		case <-sub:
			// Drain coalesced notifications before the next pass.
		drain:
			for {
				select {
				case <-sub:
				default:
					break drain
				}
			}
		case <-ticker.C:
		case <-pruneTicker.C:
			if err := s.prune(); err != nil {
				s.logger.Error().Err(err).Msg("pruning change log failed")
			}
		case <-s.stopCh:
			return
		}
	}
}

// Tick processes one batch of unprocessed changes and returns how many it
// handled. Exported so tests can drive the scheduler synchronously. On a
// follower it is a no-op; derived commands only commit through the leader.
func (s *Scheduler) Tick() (int, error) {
	if !s.backend.IsLeader() {
		return 0, nil
	}
	store := s.backend.Store()
	cursor, err := store.SchedulerCursor()
	if err != nil {
		return 0, err
	}

	changes, err := store.ListChanges(cursor, changeBatchSize, true)
	if err != nil {
		return 0, err
	}

	for _, change := range changes {
		if err := s.handle(change); err != nil {
			return 0, fmt.Errorf("handling change %d (%s): %w", change.ID, change.Kind, err)
		}
	}
	return len(changes), nil
}

func (s *Scheduler) handle(change *types.StateChange) error {
	switch change.Kind {
	case types.ChangeContentCreated:
		return s.handleContentCreated(change)
	case types.ChangeInvokeComputeGraph:
		return s.handleInvoke(change)
	case types.ChangeTaskCreated, types.ChangeExecutorAdded, types.ChangeExecutorRemoved:
		return s.allocate(change)
	case types.ChangeTaskCompleted:
		return s.handleTaskCompleted(change)
	case types.ChangeGraphCreated, types.ChangeGraphTombstoned:
		s.graphs.Remove(change.Namespace + "/" + change.GraphName)
		return s.markProcessed(change, "")
	default:
		// task_assigned and anything future derive nothing.
		return s.markProcessed(change, "")
	}
}

// handleContentCreated starts graph processing for ingested content that
// names a graph. Content produced by function outputs is expanded when its
// task completes, so it only needs the change marked here.
func (s *Scheduler) handleContentCreated(change *types.StateChange) error {
	store := s.backend.Store()
	content, err := store.GetContent(change.Namespace, change.ObjectID)
	if err != nil {
		return s.markProcessed(change, fmt.Sprintf("content %s not found", change.ObjectID))
	}
	if content.Source != types.ContentSourceIngestion || content.GraphName == "" {
		return s.markProcessed(change, "")
	}
	return s.startGraph(change, content.Namespace, content.GraphName, content.ID)
}

// handleInvoke starts graph processing for existing content on request.
func (s *Scheduler) handleInvoke(change *types.StateChange) error {
	var payload types.InvokeComputeGraphPayload
	if err := json.Unmarshal(change.Payload, &payload); err != nil {
		return s.markProcessed(change, fmt.Sprintf("bad invoke payload: %v", err))
	}
	return s.startGraph(change, payload.Namespace, payload.GraphName, payload.ContentID)
}

func (s *Scheduler) startGraph(change *types.StateChange, namespace, graphName, contentID string) error {
	g, err := s.graph(namespace, graphName)
	if err != nil {
		logger := log.WithNamespace(namespace)
		logger.Error().Str("graph", graphName).Msg("graph not found, skipping change")
		return s.markProcessed(change, fmt.Sprintf("graph %s not found", graphName))
	}
	if g.Tombstoned {
		return s.markProcessed(change, "")
	}

	task := s.newTask(g, g.StartFn.Name(), contentID)
	return s.createTasks(change, []*types.Task{task})
}

// handleTaskCompleted derives downstream tasks from a completed task's
// outputs. Each produced content fans out to every downstream compute
// function; routers resolve to the subset of their declared targets the
// task selected, with undeclared selections dropped.
func (s *Scheduler) handleTaskCompleted(change *types.StateChange) error {
	var payload types.TaskCompletedPayload
	if err := json.Unmarshal(change.Payload, &payload); err != nil {
		return s.markProcessed(change, fmt.Sprintf("bad completion payload: %v", err))
	}
	if payload.Outcome != types.TaskOutcomeSuccess {
		metrics.TasksCompleted.WithLabelValues(string(payload.Outcome)).Inc()
		return s.markProcessed(change, "")
	}
	metrics.TasksCompleted.WithLabelValues(string(payload.Outcome)).Inc()

	g, err := s.graph(change.Namespace, change.GraphName)
	if err != nil {
		return s.markProcessed(change, fmt.Sprintf("graph %s not found", change.GraphName))
	}
	if g.Tombstoned {
		// In-flight tasks may finish, but tombstoned graphs grow no children.
		return s.markProcessed(change, "")
	}

	task, err := s.backend.Store().GetTask(payload.TaskID)
	if err != nil {
		return s.markProcessed(change, fmt.Sprintf("task %s not found", payload.TaskID))
	}

	targets, dropped := s.resolveTargets(g, task.ComputeFnName, payload.Outputs)
	var errMsg string
	if len(dropped) > 0 {
		errMsg = fmt.Sprintf("router selected undeclared targets: %s", strings.Join(dropped, ", "))
	}
	if len(targets) == 0 || len(payload.ContentIDs) == 0 {
		return s.markProcessed(change, errMsg)
	}

	var tasks []*types.Task
	for _, contentID := range payload.ContentIDs {
		for _, fn := range targets {
			tasks = append(tasks, s.newTask(g, fn, contentID))
		}
	}
	if err := s.createTasks(change, tasks); err != nil {
		return err
	}
	if errMsg != "" {
		// The declared targets expanded fine; record the dropped ones on
		// the change so the error surfaces in the state-change listing.
		return s.markProcessed(change, errMsg)
	}
	return nil
}

// resolveTargets expands the static edges of fn into the concrete compute
// functions to run next. Router nodes among the edges are replaced by the
// selections in the task's router outputs, filtered to declared targets.
// Undeclared selections come back in dropped so the caller can record them
// on the causing change.
func (s *Scheduler) resolveTargets(g *types.ComputeGraph, fn string, outputs []types.NodeOutput) (targets, dropped []string) {
	selected := make(map[string]bool)
	for _, out := range outputs {
		if out.Router == nil {
			continue
		}
		for _, edge := range out.Router.Edges {
			selected[edge] = true
		}
	}

	droppedSet := make(map[string]bool)
	for _, next := range g.Edges[fn] {
		node, ok := g.Nodes[next]
		if !ok {
			continue
		}
		if !node.IsRouter() {
			targets = append(targets, next)
			continue
		}
		declared := make(map[string]bool, len(node.Router.TargetFunctions))
		for _, t := range node.Router.TargetFunctions {
			declared[t] = true
		}
		for edge := range selected {
			if !declared[edge] {
				s.logger.Warn().
					Str("graph", g.Name).
					Str("router", next).
					Str("edge", edge).
					Msg("router selected undeclared target, dropping")
				droppedSet[edge] = true
			}
		}
		for _, t := range node.Router.TargetFunctions {
			if selected[t] {
				targets = append(targets, t)
			}
		}
	}
	for edge := range droppedSet {
		dropped = append(dropped, edge)
	}
	sort.Strings(dropped)
	return targets, dropped
}

func (s *Scheduler) newTask(g *types.ComputeGraph, fn, contentID string) *types.Task {
	return &types.Task{
		ID:             types.NewID(),
		Namespace:      g.Namespace,
		GraphName:      g.Name,
		ComputeFnName:  fn,
		InputContentID: contentID,
		Outcome:        types.TaskOutcomeUnknown,
		CreatedAt:      time.Now().UTC(),
	}
}

func (s *Scheduler) createTasks(cause *types.StateChange, tasks []*types.Task) error {
	if err := s.backend.CreateTasks(&state.CreateTasksRequest{
		Tasks:   tasks,
		CauseID: cause.ID,
		At:      time.Now().UTC(),
	}); err != nil {
		if state.IsRejection(err) {
			// Input content vanished between derivation and apply.
			return s.markProcessed(cause, err.Error())
		}
		return err
	}
	metrics.TasksCreated.Add(float64(len(tasks)))
	return nil
}

// allocate runs one placement pass over every unassigned task and commits
// the resulting plan. Executor removal already returned its tasks to the
// unassigned set at apply time, so the same pass covers churn and arrival.
func (s *Scheduler) allocate(cause *types.StateChange) error {
	store := s.backend.Store()

	tasks, err := store.UnassignedTasks()
	if err != nil {
		return err
	}
	if len(tasks) == 0 {
		return s.markProcessed(cause, "")
	}

	executors, err := store.ListExecutors()
	if err != nil {
		return err
	}
	loads, err := store.AssignedTaskCounts()
	if err != nil {
		return err
	}

	graphs := make(map[string]*types.ComputeGraph)
	for _, t := range tasks {
		key := t.Namespace + "/" + t.GraphName
		if _, ok := graphs[key]; ok {
			continue
		}
		if g, err := s.graph(t.Namespace, t.GraphName); err == nil {
			graphs[key] = g
		}
	}

	plan := s.planner.Allocate(tasks, executors, loads, graphs)
	if plan.Empty() {
		return s.markProcessed(cause, "")
	}

	if err := s.backend.CommitAssignments(&state.CommitAssignmentsRequest{
		Plan:    plan.Assignments,
		CauseID: cause.ID,
		At:      time.Now().UTC(),
	}); err != nil {
		if state.IsRejection(err) {
			// Plan went stale; the next pass replans from current state.
			return s.markProcessed(cause, err.Error())
		}
		return err
	}
	metrics.TasksAssigned.Add(float64(len(plan.Assignments)))
	return nil
}

func (s *Scheduler) markProcessed(change *types.StateChange, errMsg string) error {
	if errMsg != "" {
		metrics.DerivationErrors.Inc()
	}
	return s.backend.MarkChangesProcessed(&state.MarkProcessedRequest{
		IDs:   []uint64{change.ID},
		At:    time.Now().UTC(),
		Error: errMsg,
	})
}

// prune drops processed changes the log no longer needs: everything below
// the scheduler cursor, the slowest persisted stream offset, and the
// retention floor stays.
func (s *Scheduler) prune() error {
	if !s.backend.IsLeader() {
		return nil
	}
	store := s.backend.Store()

	last, err := store.LastChangeID()
	if err != nil {
		return err
	}
	if last <= s.retention {
		return nil
	}
	upTo := last - s.retention

	cursor, err := store.SchedulerCursor()
	if err != nil {
		return err
	}
	if cursor < upTo {
		upTo = cursor
	}

	offsets, err := store.StreamOffsets()
	if err != nil {
		return err
	}
	for _, off := range offsets {
		if off < upTo {
			upTo = off
		}
	}
	if upTo == 0 {
		return nil
	}

	n, err := s.backend.PruneChanges(upTo)
	if err != nil {
		return err
	}
	if n > 0 {
		s.logger.Debug().Int("pruned", n).Uint64("up_to", upTo).Msg("pruned change log")
	}
	return nil
}

// graph loads a compute graph through the LRU cache. Entries are evicted
// when a graph_created or graph_tombstoned change passes through.
func (s *Scheduler) graph(namespace, name string) (*types.ComputeGraph, error) {
	key := namespace + "/" + name
	if g, ok := s.graphs.Get(key); ok {
		return g, nil
	}
	g, err := s.backend.Store().GetComputeGraph(namespace, name)
	if err != nil {
		return nil, err
	}
	s.graphs.Add(key, g)
	return g, nil
}
