package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/quarryhq/quarry/pkg/events"
	"github.com/quarryhq/quarry/pkg/log"
	"github.com/quarryhq/quarry/pkg/metrics"
	"github.com/quarryhq/quarry/pkg/storage"
	"github.com/quarryhq/quarry/pkg/types"
	"github.com/rs/zerolog"
)

const replayBatchSize = 256

// Backend is what the content stream needs from the coordinator node.
type Backend interface {
	Store() storage.Store
	Broker() *events.Broker
	SetStreamOffset(key string, offset uint64) error
}

// ContentFrame is one delivered content item. Offset is the change-log id
// the subscriber should resume from after this frame.
type ContentFrame struct {
	Offset  uint64                 `json:"offset"`
	Content *types.ContentMetadata `json:"content"`
}

// ErrorFrame is the terminal frame sent when the stream dies server
// side. Subscribers treat it as end of stream and reconnect.
type ErrorFrame struct {
	Error string `json:"error"`
}

// Server delivers newly created content to subscribers as NDJSON over
// HTTP. A subscriber names itself and resumes from its persisted offset
// or an explicit one; delivery is at least once, frames arrive in
// change-log order.
type Server struct {
	backend   Backend
	keepAlive time.Duration
	logger    zerolog.Logger
}

// NewServer creates a content-stream server.
func NewServer(backend Backend, keepAlive time.Duration) *Server {
	return &Server{
		backend:   backend,
		keepAlive: keepAlive,
		logger:    log.WithComponent("stream"),
	}
}

// ServeHTTP streams content for one namespace. Query parameters:
//
//	subscriber  required, names the durable cursor
//	graph       optional, restricts to one graph
//	from        optional, "last" (default) or a change-log offset
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	namespace := r.PathValue("namespace")
	subscriber := r.URL.Query().Get("subscriber")
	if subscriber == "" {
		http.Error(w, "subscriber is required", http.StatusBadRequest)
		return
	}
	graph := r.URL.Query().Get("graph")

	offsetKey := namespace + "/" + subscriber
	offset, err := s.resolveOffset(offsetKey, r.URL.Query().Get("from"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	metrics.StreamSubscribers.Inc()
	defer metrics.StreamSubscribers.Dec()

	ctx := r.Context()
	frames := make(chan *Frame, 32)
	nd := NewNDJSONStream(frames, s.keepAlive)
	nd.Run(ctx)

	// Writer side: frames and keep-alives out to the wire.
	stopWriter := make(chan struct{})
	writeDone := make(chan struct{})
	go func() {
		defer close(writeDone)
		for {
			select {
			case <-ctx.Done():
				return
			case <-stopWriter:
				return
			case frame := <-frames:
				if _, err := w.Write(frame.Data); err != nil {
					return
				}
				flusher.Flush()
			}
		}
	}()

	// Subscribe before replay so nothing between replay end and tail
	// start is missed; duplicates are allowed, gaps are not.
	sub := s.backend.Broker().Subscribe()
	defer s.backend.Broker().Unsubscribe(sub)

	offset, err = s.replay(ctx, nd, namespace, graph, offsetKey, offset)
	if err != nil {
		s.logger.Error().Err(err).Str("subscriber", subscriber).Msg("replay failed")
		s.terminate(ctx, w, flusher, stopWriter, writeDone, err)
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-writeDone:
			return
		case change, open := <-sub:
			if !open {
				return
			}
			if change.ID <= offset {
				continue
			}
			// The broker drops notifications under pressure; catch up
			// from the log so the subscriber never sees a gap.
			newOffset, err := s.replay(ctx, nd, namespace, graph, offsetKey, offset)
			if err != nil {
				s.logger.Error().Err(err).Str("subscriber", subscriber).Msg("tail replay failed")
				s.terminate(ctx, w, flusher, stopWriter, writeDone, err)
				return
			}
			offset = newOffset
		}
	}
}

// terminate stops the frame writer and sends one final error frame so
// the subscriber can tell a server-side failure from a clean close.
func (s *Server) terminate(ctx context.Context, w http.ResponseWriter, flusher http.Flusher, stopWriter, writeDone chan struct{}, cause error) {
	close(stopWriter)
	<-writeDone
	if ctx.Err() != nil {
		return
	}
	data, err := json.Marshal(&ErrorFrame{Error: cause.Error()})
	if err != nil {
		return
	}
	if _, err := w.Write(append(data, '\n')); err != nil {
		return
	}
	flusher.Flush()
}

// replay sends every content_created change after offset that matches the
// namespace and graph filter, persisting the subscriber's cursor as it
// goes. Returns the new offset.
func (s *Server) replay(ctx context.Context, nd *NDJSONStream, namespace, graph, offsetKey string, offset uint64) (uint64, error) {
	store := s.backend.Store()
	for {
		changes, err := store.ListChanges(offset, replayBatchSize, false)
		if err != nil {
			return offset, err
		}
		if len(changes) == 0 {
			return offset, nil
		}
		for _, change := range changes {
			offset = change.ID
			if change.Kind != types.ChangeContentCreated || change.Namespace != namespace {
				continue
			}
			if graph != "" && change.GraphName != graph {
				continue
			}
			content, err := store.GetContent(change.Namespace, change.ObjectID)
			if err != nil {
				// Pruned or raced away; the frame is not reproducible.
				continue
			}
			if err := nd.Send(&ContentFrame{Offset: change.ID, Content: content}); err != nil {
				return offset, err
			}
			if err := s.backend.SetStreamOffset(offsetKey, change.ID); err != nil {
				return offset, err
			}
			select {
			case <-ctx.Done():
				return offset, ctx.Err()
			default:
			}
		}
	}
}

// resolveOffset turns the from parameter into a change-log offset. The
// default resumes from the subscriber's persisted cursor.
func (s *Server) resolveOffset(offsetKey, from string) (uint64, error) {
	switch from {
	case "", "last":
		offset, ok, err := s.backend.Store().StreamOffset(offsetKey)
		if err != nil {
			return 0, err
		}
		if !ok {
			return 0, nil
		}
		return offset, nil
	default:
		offset, err := strconv.ParseUint(from, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid from offset %q", from)
		}
		return offset, nil
	}
}
