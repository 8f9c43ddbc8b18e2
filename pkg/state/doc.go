// Package state implements the coordinator's authoritative state machine.
// Every mutation is expressed as a Command, applied in replication-log
// order through a single Machine, and either takes full effect (emitting
// ordered StateChange records) or is rejected without touching the store.
package state
