package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/quarryhq/quarry/pkg/metrics"
	"github.com/quarryhq/quarry/pkg/state"
	"github.com/quarryhq/quarry/pkg/storage"
	"github.com/quarryhq/quarry/pkg/types"
)

const defaultPageSize = 100

func (s *Server) handleCreateNamespace(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	ns := &types.Namespace{Name: req.Name, CreatedAt: time.Now().UTC()}
	if err := s.backend.CreateNamespace(ns); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, ns)
}

func (s *Server) handleListNamespaces(w http.ResponseWriter, r *http.Request) {
	namespaces, err := s.backend.Store().ListNamespaces()
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, namespaces)
}

func (s *Server) handleCreateGraph(w http.ResponseWriter, r *http.Request) {
	var g types.ComputeGraph
	if err := json.NewDecoder(r.Body).Decode(&g); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	g.Namespace = r.PathValue("namespace")
	g.CreatedAt = time.Now().UTC()
	g.Tombstoned = false

	if err := g.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.backend.CreateComputeGraph(&g); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, &g)
}

func (s *Server) handleListGraphs(w http.ResponseWriter, r *http.Request) {
	graphs, err := s.backend.Store().ListComputeGraphs(r.PathValue("namespace"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, graphs)
}

func (s *Server) handleGetGraph(w http.ResponseWriter, r *http.Request) {
	g, err := s.backend.Store().GetComputeGraph(r.PathValue("namespace"), r.PathValue("graph"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, g)
}

func (s *Server) handleTombstoneGraph(w http.ResponseWriter, r *http.Request) {
	if err := s.backend.TombstoneComputeGraph(r.PathValue("namespace"), r.PathValue("graph")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleInvokeGraph(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ContentID string `json:"content_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.backend.InvokeGraph(&state.InvokeGraphRequest{
		Namespace: r.PathValue("namespace"),
		GraphName: r.PathValue("graph"),
		ContentID: req.ContentID,
		At:        time.Now().UTC(),
	}); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleIngestContent(w http.ResponseWriter, r *http.Request) {
	var c types.ContentMetadata
	if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	c.Namespace = r.PathValue("namespace")
	if c.ID == "" {
		c.ID = types.NewID()
	}
	c.ParentID = ""
	c.RootID = ""
	c.Source = types.ContentSourceIngestion
	c.CreatedAt = time.Now().UTC()

	if err := s.backend.IngestContent(&c); err != nil {
		s.writeError(w, err)
		return
	}
	metrics.ContentIngested.Inc()
	s.writeJSON(w, http.StatusCreated, &c)
}

func (s *Server) handleListContent(w http.ResponseWriter, r *http.Request) {
	limit := defaultPageSize
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	items, nextKey, err := s.backend.Store().ListContent(
		r.PathValue("namespace"),
		r.URL.Query().Get("graph"),
		r.URL.Query().Get("start_key"),
		limit,
	)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"items":    items,
		"next_key": nextKey,
	})
}

func (s *Server) handleGetContent(w http.ResponseWriter, r *http.Request) {
	c, err := s.backend.Store().GetContent(r.PathValue("namespace"), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, c)
}

// contentTreeNode is one node of the lineage tree rooted at a content item.
type contentTreeNode struct {
	Content  *types.ContentMetadata `json:"content"`
	Children []*contentTreeNode     `json:"children,omitempty"`
}

func (s *Server) handleContentTree(w http.ResponseWriter, r *http.Request) {
	namespace := r.PathValue("namespace")
	root, err := s.backend.Store().GetContent(namespace, r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}

	tree, err := s.buildTree(namespace, root)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, tree)
}

func (s *Server) buildTree(namespace string, c *types.ContentMetadata) (*contentTreeNode, error) {
	node := &contentTreeNode{Content: c}
	children, err := s.backend.Store().ListContentByParent(namespace, c.ID)
	if err != nil {
		return nil, err
	}
	for _, child := range children {
		sub, err := s.buildTree(namespace, child)
		if err != nil {
			return nil, err
		}
		node.Children = append(node.Children, sub)
	}
	return node, nil
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.backend.Store().ListTasks(r.PathValue("namespace"), r.URL.Query().Get("graph"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.backend.Store().GetTask(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleListExecutors(w http.ResponseWriter, r *http.Request) {
	executors, err := s.backend.Store().ListExecutors()
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, executors)
}

func (s *Server) handleListChanges(w http.ResponseWriter, r *http.Request) {
	var after uint64
	if raw := r.URL.Query().Get("after"); raw != "" {
		n, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			http.Error(w, "invalid after", http.StatusBadRequest)
			return
		}
		after = n
	}
	limit := defaultPageSize
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	changes, err := s.backend.Store().ListChanges(after, limit, false)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, changes)
}

func (s *Server) handleAnalytics(w http.ResponseWriter, r *http.Request) {
	store := s.backend.Store()

	namespaces, err := store.ListNamespaces()
	if err != nil {
		s.writeError(w, err)
		return
	}
	executors, err := store.ListExecutors()
	if err != nil {
		s.writeError(w, err)
		return
	}
	unassigned, err := store.UnassignedTasks()
	if err != nil {
		s.writeError(w, err)
		return
	}
	lastChange, err := store.LastChangeID()
	if err != nil {
		s.writeError(w, err)
		return
	}
	cursor, err := store.SchedulerCursor()
	if err != nil {
		s.writeError(w, err)
		return
	}

	metrics.UnassignedTasks.Set(float64(len(unassigned)))
	s.writeJSON(w, http.StatusOK, map[string]any{
		"namespaces":       len(namespaces),
		"executors":        len(executors),
		"unassigned_tasks": len(unassigned),
		"last_change_id":   lastChange,
		"scheduler_cursor": cursor,
		"raft":             s.backend.Stats(),
	})
}

func (s *Server) handleGraphAnalytics(w http.ResponseWriter, r *http.Request) {
	namespace := r.PathValue("namespace")
	graph := r.PathValue("graph")

	if _, err := s.backend.Store().GetComputeGraph(namespace, graph); err != nil {
		s.writeError(w, err)
		return
	}
	tasks, err := s.backend.Store().ListTasks(namespace, graph)
	if err != nil {
		s.writeError(w, err)
		return
	}

	var pending, success, failure int
	for _, t := range tasks {
		switch t.Outcome {
		case types.TaskOutcomeSuccess:
			success++
		case types.TaskOutcomeFailure:
			failure++
		default:
			pending++
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"namespace":     namespace,
		"graph":         graph,
		"tasks_pending": pending,
		"tasks_success": success,
		"tasks_failure": failure,
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"leader":      s.backend.IsLeader(),
		"leader_addr": s.backend.LeaderAddr(),
	})
}

func (s *Server) handleClusterJoin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		NodeID string `json:"node_id"`
		Addr   string `json:"addr"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.NodeID == "" || req.Addr == "" {
		http.Error(w, "node_id and addr are required", http.StatusBadRequest)
		return
	}
	if err := s.backend.AddVoter(req.NodeID, req.Addr); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error().Err(err).Msg("encoding response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case state.IsRejection(err):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, storage.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
