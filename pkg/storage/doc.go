// Package storage implements the coordinator's durable state store on
// BoltDB. Each logical column family maps to a bucket; composite keys
// provide the secondary indexes (content by parent, tasks by executor,
// unassigned tasks). Every state-machine command maps to one atomic
// transaction, and change-log ids are assigned from a monotonic counter
// inside the same transaction that writes the command's effects.
package storage
