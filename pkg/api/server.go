package api

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/quarryhq/quarry/pkg/config"
	"github.com/quarryhq/quarry/pkg/events"
	"github.com/quarryhq/quarry/pkg/gateway"
	"github.com/quarryhq/quarry/pkg/log"
	"github.com/quarryhq/quarry/pkg/metrics"
	"github.com/quarryhq/quarry/pkg/state"
	"github.com/quarryhq/quarry/pkg/storage"
	"github.com/quarryhq/quarry/pkg/stream"
	"github.com/quarryhq/quarry/pkg/types"
	"github.com/rs/zerolog"
)

// Backend is what the API surface needs from the coordinator node.
// *manager.Manager satisfies it.
type Backend interface {
	Store() storage.Store
	Broker() *events.Broker
	IsLeader() bool
	LeaderAddr() string
	Stats() map[string]interface{}
	AddVoter(nodeID, address string) error

	CreateNamespace(ns *types.Namespace) error
	CreateComputeGraph(g *types.ComputeGraph) error
	TombstoneComputeGraph(namespace, name string) error
	IngestContent(c *types.ContentMetadata) error
	InvokeGraph(req *state.InvokeGraphRequest) error
}

// Server is the coordinator's HTTP API: the control surface for
// namespaces, graphs, content and tasks, plus the executor gateway and
// the content stream mounted under the same listener.
type Server struct {
	backend Backend
	gateway *gateway.Gateway
	stream  *stream.Server
	cfg     *config.Config
	logger  zerolog.Logger
	httpSrv *http.Server
}

// NewServer creates the API server.
func NewServer(backend Backend, gw *gateway.Gateway, st *stream.Server, cfg *config.Config) *Server {
	s := &Server{
		backend: backend,
		gateway: gw,
		stream:  st,
		cfg:     cfg,
		logger:  log.WithComponent("api"),
	}
	s.httpSrv = &http.Server{
		Addr:              cfg.APIAddr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	// Control surface
	mux.HandleFunc("POST /namespaces", s.handleCreateNamespace)
	mux.HandleFunc("GET /namespaces", s.handleListNamespaces)

	mux.HandleFunc("POST /namespaces/{namespace}/compute_graphs", s.handleCreateGraph)
	mux.HandleFunc("GET /namespaces/{namespace}/compute_graphs", s.handleListGraphs)
	mux.HandleFunc("GET /namespaces/{namespace}/compute_graphs/{graph}", s.handleGetGraph)
	mux.HandleFunc("DELETE /namespaces/{namespace}/compute_graphs/{graph}", s.handleTombstoneGraph)
	mux.HandleFunc("POST /namespaces/{namespace}/compute_graphs/{graph}/invoke", s.handleInvokeGraph)
	mux.HandleFunc("GET /namespaces/{namespace}/compute_graphs/{graph}/analytics", s.handleGraphAnalytics)

	mux.HandleFunc("POST /namespaces/{namespace}/content", s.handleIngestContent)
	mux.HandleFunc("GET /namespaces/{namespace}/content", s.handleListContent)
	mux.HandleFunc("GET /namespaces/{namespace}/content/{id}", s.handleGetContent)
	mux.HandleFunc("GET /namespaces/{namespace}/content/{id}/tree", s.handleContentTree)
	mux.Handle("GET /namespaces/{namespace}/content-stream", s.stream)

	mux.HandleFunc("GET /namespaces/{namespace}/tasks", s.handleListTasks)
	mux.HandleFunc("GET /tasks/{id}", s.handleGetTask)

	// Executor gateway
	mux.HandleFunc("POST /executors", s.gateway.HandleRegister)
	mux.HandleFunc("GET /executors", s.handleListExecutors)
	mux.HandleFunc("POST /executors/{id}/heartbeat", s.gateway.HandleHeartbeat)
	mux.HandleFunc("GET /executors/{id}/tasks", s.gateway.HandleTasks)
	mux.HandleFunc("POST /executors/{id}/task_outcome", s.gateway.HandleOutcome)

	// Introspection
	mux.HandleFunc("GET /state_changes", s.handleListChanges)
	mux.HandleFunc("GET /analytics", s.handleAnalytics)
	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("GET /healthz", s.handleHealthz)

	// Cluster membership
	mux.HandleFunc("POST /cluster/join", s.handleClusterJoin)

	return s.instrument(mux)
}

// instrument wraps the mux with request logging and Prometheus counters.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		elapsed := time.Since(start)
		metrics.APIRequestsTotal.WithLabelValues(r.Method, fmt.Sprintf("%d", rec.status)).Inc()
		metrics.APIRequestDuration.WithLabelValues(r.Method).Observe(elapsed.Seconds())
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("elapsed", elapsed).
			Msg("request")
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status  int
	written bool
}

func (r *statusRecorder) WriteHeader(status int) {
	if !r.written {
		r.status = status
		r.written = true
	}
	r.ResponseWriter.WriteHeader(status)
}

// Flush passes through so the content stream keeps working behind the
// middleware.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Start serves the API until Shutdown. TLS and mTLS come from the config.
func (s *Server) Start() error {
	tlsCfg, err := s.tlsConfig()
	if err != nil {
		return err
	}

	s.logger.Info().Str("addr", s.cfg.APIAddr).Str("tls", string(s.cfg.TLS.Mode)).Msg("api listening")
	if tlsCfg == nil {
		err = s.httpSrv.ListenAndServe()
	} else {
		s.httpSrv.TLSConfig = tlsCfg
		err = s.httpSrv.ListenAndServeTLS(s.cfg.TLS.Cert, s.cfg.TLS.Key)
	}
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) tlsConfig() (*tls.Config, error) {
	switch s.cfg.TLS.Mode {
	case config.TLSModeNone:
		return nil, nil
	case config.TLSModeTLS:
		return &tls.Config{MinVersion: tls.VersionTLS12}, nil
	case config.TLSModeMTLS:
		caPEM, err := os.ReadFile(s.cfg.TLS.CA)
		if err != nil {
			return nil, fmt.Errorf("reading client ca: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caPEM) {
			return nil, fmt.Errorf("no certificates in %s", s.cfg.TLS.CA)
		}
		return &tls.Config{
			MinVersion: tls.VersionTLS12,
			ClientAuth: tls.RequireAndVerifyClientCert,
			ClientCAs:  pool,
		}, nil
	default:
		return nil, fmt.Errorf("unknown tls mode %q", s.cfg.TLS.Mode)
	}
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}
