package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Task lifecycle
	TasksCreated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "quarry_tasks_created_total",
			Help: "Total number of tasks derived by the scheduler",
		},
	)

	TasksAssigned = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "quarry_tasks_assigned_total",
			Help: "Total number of task assignments committed",
		},
	)

	TasksCompleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quarry_tasks_completed_total",
			Help: "Total number of completed tasks by outcome",
		},
		[]string{"outcome"},
	)

	UnassignedTasks = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "quarry_tasks_unassigned",
			Help: "Number of tasks currently waiting for an executor",
		},
	)

	// Scheduler
	DerivationErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "quarry_derivation_errors_total",
			Help: "Total number of changes marked processed with an error",
		},
	)

	ChangeLogSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "quarry_change_log_entries",
			Help: "Number of entries in the change log",
		},
	)

	// Executors
	ExecutorsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "quarry_executors_total",
			Help: "Number of registered executors by state",
		},
		[]string{"state"},
	)

	HeartbeatsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "quarry_heartbeats_total",
			Help: "Total number of executor heartbeats received",
		},
	)

	// Content
	ContentIngested = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "quarry_content_ingested_total",
			Help: "Total number of content items ingested through the API",
		},
	)

	// Stream
	StreamSubscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "quarry_stream_subscribers",
			Help: "Number of connected content-stream subscribers",
		},
	)

	// Raft
	RaftLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "quarry_raft_is_leader",
			Help: "Whether this node is the Raft leader (1 = leader, 0 = follower)",
		},
	)

	// API
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quarry_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "quarry_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

func init() {
	prometheus.MustRegister(TasksCreated)
	prometheus.MustRegister(TasksAssigned)
	prometheus.MustRegister(TasksCompleted)
	prometheus.MustRegister(UnassignedTasks)
	prometheus.MustRegister(DerivationErrors)
	prometheus.MustRegister(ChangeLogSize)
	prometheus.MustRegister(ExecutorsTotal)
	prometheus.MustRegister(HeartbeatsTotal)
	prometheus.MustRegister(ContentIngested)
	prometheus.MustRegister(StreamSubscribers)
	prometheus.MustRegister(RaftLeader)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
