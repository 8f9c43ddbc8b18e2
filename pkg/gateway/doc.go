// Package gateway is the executor-facing side of the coordinator. It
// handles registration, heartbeats with cancellation feedback, long-poll
// task delivery and outcome reporting, and runs the liveness monitor that
// escalates silent executors from Active to Lost to removed. Content ids
// for reported outputs are minted here, before the completion command is
// proposed, so replication stays deterministic.
package gateway
