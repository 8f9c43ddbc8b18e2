package gateway

import (
	"time"

	"github.com/quarryhq/quarry/pkg/config"
	"github.com/quarryhq/quarry/pkg/events"
	"github.com/quarryhq/quarry/pkg/log"
	"github.com/quarryhq/quarry/pkg/metrics"
	"github.com/quarryhq/quarry/pkg/state"
	"github.com/quarryhq/quarry/pkg/storage"
	"github.com/quarryhq/quarry/pkg/types"
	"github.com/rs/zerolog"
)

// Backend is what the gateway needs from the coordinator node.
type Backend interface {
	Store() storage.Store
	Broker() *events.Broker
	IsLeader() bool
	RegisterExecutor(e *types.ExecutorMetadata) error
	Heartbeat(executorID string, at time.Time) error
	MarkExecutorLost(executorID string, at time.Time) error
	RemoveExecutor(executorID string, at time.Time) error
	CompleteTask(req *state.CompleteTaskRequest) error
}

// Gateway is the executor-facing side of the coordinator: registration,
// heartbeats, task delivery and outcome reporting. It also runs the
// liveness monitor that escalates silent executors from Active to Lost to
// removed.
type Gateway struct {
	backend Backend
	cfg     *config.Config
	logger  zerolog.Logger

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewGateway creates a gateway over the given backend.
func NewGateway(backend Backend, cfg *config.Config) *Gateway {
	return &Gateway{
		backend: backend,
		cfg:     cfg,
		logger:  log.WithComponent("gateway"),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Start begins the liveness monitor.
func (g *Gateway) Start() {
	go g.monitor()
}

// Stop stops the liveness monitor.
func (g *Gateway) Stop() {
	close(g.stopCh)
	<-g.doneCh
}

// monitor scans executors every heartbeat interval. An executor with no
// heartbeat for the TTL is marked Lost and stops receiving work; one
// silent past the death timeout is removed, which returns its tasks to
// the unassigned set and triggers reallocation.
func (g *Gateway) monitor() {
	defer close(g.doneCh)

	ticker := time.NewTicker(g.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			g.sweep(time.Now().UTC())
		case <-g.stopCh:
			return
		}
	}
}

func (g *Gateway) sweep(now time.Time) {
	// Liveness escalation commits lost/removed commands; only the leader
	// can, so followers sit out.
	if !g.backend.IsLeader() {
		return
	}

	executors, err := g.backend.Store().ListExecutors()
	if err != nil {
		g.logger.Error().Err(err).Msg("listing executors for liveness sweep")
		return
	}

	ttl := g.cfg.ExecutorTTL()
	active, lost := 0, 0
	for _, e := range executors {
		silent := now.Sub(e.LastHeartbeat)
		logger := log.WithExecutorID(e.ID)
		switch e.State {
		case types.ExecutorStateActive:
			active++
			if silent > ttl {
				logger.Warn().
					Dur("silent", silent).
					Msg("executor missed heartbeat TTL, marking lost")
				if err := g.backend.MarkExecutorLost(e.ID, now); err != nil {
					logger.Error().Err(err).Msg("marking executor lost")
				}
			}
		case types.ExecutorStateLost:
			lost++
			if silent > g.cfg.ExecutorDeathTimeout {
				logger.Warn().
					Dur("silent", silent).
					Msg("executor passed death timeout, removing")
				if err := g.backend.RemoveExecutor(e.ID, now); err != nil {
					logger.Error().Err(err).Msg("removing executor")
				}
			}
		}
	}
	metrics.ExecutorsTotal.WithLabelValues(string(types.ExecutorStateActive)).Set(float64(active))
	metrics.ExecutorsTotal.WithLabelValues(string(types.ExecutorStateLost)).Set(float64(lost))
}
