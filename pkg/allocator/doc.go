// Package allocator plans task placement on executors. The planner filters
// executors by liveness, placement constraints and the concurrency cap,
// then spreads tasks with either a least-loaded or round-robin strategy.
// Plans are proposals; the scheduler commits them through the state
// machine, which is where stale plans get rejected.
package allocator
