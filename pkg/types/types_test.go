package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func computeNode(name string) Node {
	return Node{Compute: &ComputeFn{Name: name, FnName: name}}
}

func routerNode(name string, targets ...string) Node {
	return Node{Router: &DynamicEdgeRouter{Name: name, TargetFunctions: targets}}
}

func validGraph() *ComputeGraph {
	return &ComputeGraph{
		Namespace: "test_ns",
		Name:      "graph_A",
		Nodes: map[string]Node{
			"fn_a": computeNode("fn_a"),
			"fn_b": computeNode("fn_b"),
			"fn_c": computeNode("fn_c"),
		},
		Edges: map[string][]string{
			"fn_a": {"fn_b", "fn_c"},
		},
		StartFn:   computeNode("fn_a"),
		CreatedAt: time.Now(),
	}
}

func TestComputeGraphValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(g *ComputeGraph)
		wantErr string
	}{
		{
			name:   "valid graph",
			mutate: func(g *ComputeGraph) {},
		},
		{
			name: "valid graph with router",
			mutate: func(g *ComputeGraph) {
				g.Nodes["router_x"] = routerNode("router_x", "fn_b", "fn_c")
				g.Edges["fn_a"] = []string{"router_x"}
			},
		},
		{
			name:    "missing namespace",
			mutate:  func(g *ComputeGraph) { g.Namespace = "" },
			wantErr: "namespace is required",
		},
		{
			name:    "missing name",
			mutate:  func(g *ComputeGraph) { g.Name = "" },
			wantErr: "name is required",
		},
		{
			name: "node name mismatch",
			mutate: func(g *ComputeGraph) {
				g.Nodes["fn_b"] = computeNode("other")
			},
			wantErr: `node keyed "fn_b" is named "other"`,
		},
		{
			name: "edge source not a node",
			mutate: func(g *ComputeGraph) {
				g.Edges["ghost"] = []string{"fn_b"}
			},
			wantErr: `edge source "ghost"`,
		},
		{
			name: "edge target not a node",
			mutate: func(g *ComputeGraph) {
				g.Edges["fn_a"] = []string{"ghost"}
			},
			wantErr: `edge target "ghost"`,
		},
		{
			name:    "missing start function",
			mutate:  func(g *ComputeGraph) { g.StartFn = Node{} },
			wantErr: "start function is required",
		},
		{
			name: "router as start function",
			mutate: func(g *ComputeGraph) {
				g.Nodes["router_x"] = routerNode("router_x", "fn_b")
				g.StartFn = routerNode("router_x", "fn_b")
			},
			wantErr: "is a router",
		},
		{
			name:    "start function not in node set",
			mutate:  func(g *ComputeGraph) { g.StartFn = computeNode("ghost") },
			wantErr: `start function "ghost" is not a node`,
		},
		{
			name: "direct cycle",
			mutate: func(g *ComputeGraph) {
				g.Edges["fn_b"] = []string{"fn_a"}
			},
			wantErr: "cycle",
		},
		{
			name: "cycle through router targets",
			mutate: func(g *ComputeGraph) {
				g.Nodes["router_x"] = routerNode("router_x", "fn_a")
				g.Edges["fn_b"] = []string{"router_x"}
			},
			wantErr: "cycle",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := validGraph()
			tt.mutate(g)
			err := g.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				assert.ErrorContains(t, err, tt.wantErr)
			}
		})
	}
}

func TestExecutorMatchesConstraints(t *testing.T) {
	executor := &ExecutorMetadata{
		ID:     "test_executor_1",
		Labels: map[string]string{"gpu": "true", "region": "us-east"},
	}

	tests := []struct {
		name        string
		constraints map[string]string
		want        bool
	}{
		{name: "no constraints", constraints: nil, want: true},
		{name: "subset matches", constraints: map[string]string{"gpu": "true"}, want: true},
		{name: "exact match", constraints: map[string]string{"gpu": "true", "region": "us-east"}, want: true},
		{name: "value mismatch", constraints: map[string]string{"gpu": "false"}, want: false},
		{name: "missing label", constraints: map[string]string{"arch": "arm64"}, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, executor.MatchesConstraints(tt.constraints))
		})
	}
}

func TestTaskTerminal(t *testing.T) {
	assert.False(t, (&Task{Outcome: TaskOutcomeUnknown}).Terminal())
	assert.True(t, (&Task{Outcome: TaskOutcomeSuccess}).Terminal())
	assert.True(t, (&Task{Outcome: TaskOutcomeFailure}).Terminal())
}

func TestNewID(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := NewID()
		assert.Len(t, id, 16)
		assert.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
}
