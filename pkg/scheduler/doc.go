/*
Package scheduler turns state changes into tasks and task placements.

The scheduler is the single consumer of the coordinator's change log. It
walks unprocessed changes in id order, derives new tasks from graph
topology and completed task outputs, asks the allocator for a placement
plan, and commits the results back through the replicated state machine.

# Architecture

	┌────────────────────────────────────────────────────────────┐
	│                     Scheduler Loop                         │
	│      (woken by the change broker, 2s poll fallback)        │
	└────────────────┬───────────────────────────────────────────┘
	                 │
	                 ▼
	┌────────────────────────────────────────────────────────────┐
	│  1. Read unprocessed changes after the durable cursor      │
	│  2. For each change, in id order:                          │
	│     • content_created / invoke  → start-function task      │
	│     • task_completed            → downstream fan-out       │
	│     • task_created / executor_* → allocation pass          │
	│  3. Commit derived tasks or assignments atomically with    │
	│     the cause marked processed                             │
	└────────────────────────────────────────────────────────────┘

Every derivation writes through one state-machine command that both
records the derived objects and marks the causing change processed. A
crash between reading a change and committing its derivation re-derives
that one change on restart and nothing else.

# Graph expansion

When a task completes successfully, the static edges of its function name
the downstream nodes. Compute nodes become one task per produced content
item. Router nodes resolve dynamically: the completing task's router
output selects a subset of the router's declared targets, and selections
outside the declaration are dropped with a warning. Routers themselves
never become tasks.

Tombstoned graphs finish their in-flight tasks but grow no children.

# Allocation

task_created, executor_added and executor_removed all trigger the same
pass: plan placements for every unassigned task and commit the plan. An
executor removal already returned its tasks to the unassigned set when
the removal was applied, so reallocation after churn falls out of the
same pass that handles new work.

The scheduler holds no state that matters across restarts beyond the
cursor, which lives in the store. The graph cache is a read-through LRU
invalidated by graph changes flowing through the log.
*/
package scheduler
