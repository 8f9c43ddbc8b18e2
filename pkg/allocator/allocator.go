package allocator

import (
	"sort"

	"github.com/quarryhq/quarry/pkg/config"
	"github.com/quarryhq/quarry/pkg/log"
	"github.com/quarryhq/quarry/pkg/types"
	"github.com/rs/zerolog"
)

// Plan is a proposed placement of unassigned tasks. Assignments maps task
// id to executor id; Unplaced lists tasks no executor could take. The plan
// is advisory until the scheduler commits it through the state machine.
type Plan struct {
	Assignments map[string]string
	Unplaced    []*types.Task
}

// Empty reports whether the plan assigns nothing.
func (p *Plan) Empty() bool {
	return len(p.Assignments) == 0
}

// Planner places tasks on executors. It filters candidates by placement
// constraints and liveness, respects the per-executor concurrency cap, and
// distributes the remainder by the configured strategy.
type Planner struct {
	strategy      config.AllocatorStrategy
	maxConcurrent int
	logger        zerolog.Logger

	// round-robin cursor, advances across calls
	rrNext int
}

// NewPlanner creates a planner with the given strategy and per-executor cap.
func NewPlanner(strategy config.AllocatorStrategy, maxConcurrent int) *Planner {
	return &Planner{
		strategy:      strategy,
		maxConcurrent: maxConcurrent,
		logger:        log.WithComponent("allocator"),
	}
}

type candidate struct {
	executor *types.ExecutorMetadata
	load     int
}

// Allocate builds a placement plan for the given tasks. loads carries the
// current assigned-task count per executor id. Executors in the Lost state
// never receive work. Allocation is deterministic: ties break on executor
// id so every replica of the scheduler would propose the same plan.
func (p *Planner) Allocate(tasks []*types.Task, executors []*types.ExecutorMetadata, loads map[string]int, graphs map[string]*types.ComputeGraph) *Plan {
	plan := &Plan{Assignments: make(map[string]string)}

	candidates := make([]*candidate, 0, len(executors))
	for _, e := range executors {
		if e.State != types.ExecutorStateActive {
			continue
		}
		candidates = append(candidates, &candidate{executor: e, load: loads[e.ID]})
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].executor.ID < candidates[j].executor.ID
	})

	// Stable task order keeps the plan deterministic.
	ordered := append([]*types.Task(nil), tasks...)
	sort.Slice(ordered, func(i, j int) bool {
		return ordered[i].ID < ordered[j].ID
	})

	for _, task := range ordered {
		constraints := p.constraintsFor(task, graphs)
		chosen := p.pick(candidates, constraints)
		if chosen == nil {
			plan.Unplaced = append(plan.Unplaced, task)
			continue
		}
		chosen.load++
		plan.Assignments[task.ID] = chosen.executor.ID
	}

	if len(plan.Unplaced) > 0 {
		p.logger.Debug().
			Int("placed", len(plan.Assignments)).
			Int("unplaced", len(plan.Unplaced)).
			Msg("some tasks could not be placed")
	}
	return plan
}

// constraintsFor looks up the placement constraints of the task's compute
// function. An unknown graph or function yields no constraints.
func (p *Planner) constraintsFor(task *types.Task, graphs map[string]*types.ComputeGraph) map[string]string {
	g, ok := graphs[task.Namespace+"/"+task.GraphName]
	if !ok || g == nil {
		return nil
	}
	node, ok := g.Nodes[task.ComputeFnName]
	if !ok || node.Compute == nil {
		return nil
	}
	return node.Compute.PlacementConstraints
}

func (p *Planner) pick(candidates []*candidate, constraints map[string]string) *candidate {
	eligible := make([]*candidate, 0, len(candidates))
	for _, c := range candidates {
		if c.load >= p.maxConcurrent {
			continue
		}
		if !c.executor.MatchesConstraints(constraints) {
			continue
		}
		eligible = append(eligible, c)
	}
	if len(eligible) == 0 {
		return nil
	}

	switch p.strategy {
	case config.AllocatorRoundRobin:
		chosen := eligible[p.rrNext%len(eligible)]
		p.rrNext++
		return chosen
	default:
		// least_loaded, ties break on executor id via the presorted order
		chosen := eligible[0]
		for _, c := range eligible[1:] {
			if c.load < chosen.load {
				chosen = c
			}
		}
		return chosen
	}
}
