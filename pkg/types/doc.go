// Package types defines the Quarry data model: namespaces, compute graphs
// and their nodes, content metadata, tasks, executors, and the state-change
// records that order every transition of the authoritative state.
package types
