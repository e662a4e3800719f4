package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/BaSui01/flowforge/types"
)

// testRegistry returns a registry preloaded with small counting steps used
// across runner tests.
func testRegistry() *Registry {
	reg := NewRegistry()
	for _, name := range []string{"a", "b", "c", "d", "e", "ping", "pong"} {
		name := name
		reg.Register(NamespaceNode, name, func(ctx context.Context, state State) (State, error) {
			key := "visits_" + name
			n, _ := state[key].(int)
			state[key] = n + 1
			return state, nil
		})
	}
	return reg
}

func linearGraph(names ...string) *Graph {
	g := &Graph{ID: "g", Entrypoint: names[0], Nodes: map[string]NodeSpec{}}
	for _, n := range names {
		g.Nodes[n] = NodeSpec{Name: n, Kind: NodeKindComputation}
	}
	for i := 0; i+1 < len(names); i++ {
		g.Edges = append(g.Edges, EdgeSpec{Source: names[i], Target: names[i+1]})
	}
	return g
}

func TestExecute_SingleNodeNoEdges(t *testing.T) {
	runner := NewRunner(testRegistry(), nil)

	result, err := runner.Execute(context.Background(), linearGraph("a"), State{})
	require.NoError(t, err)

	require.Len(t, result.Steps, 1)
	assert.Equal(t, "a", result.Steps[0].Node)
	assert.Equal(t, TerminatedByEdge, result.Reason)
	assert.Equal(t, 1, result.FinalState["visits_a"])
}

func TestExecute_FirstMatchingEdgeWins(t *testing.T) {
	g := linearGraph("a", "b")
	g.Nodes["c"] = NodeSpec{Name: "c", Kind: NodeKindComputation}
	// Both edges from "a" match simultaneously; the earlier one must win.
	g.Edges = []EdgeSpec{
		{Source: "a", Target: "b", ConditionKey: "flag", Operator: OpEQ, Value: true},
		{Source: "a", Target: "c", ConditionKey: "flag", Operator: OpEQ, Value: true},
	}

	runner := NewRunner(testRegistry(), nil)
	result, err := runner.Execute(context.Background(), g, State{"flag": true})
	require.NoError(t, err)

	require.Len(t, result.Steps, 2)
	assert.Equal(t, "b", result.Steps[1].Node)
	assert.NotContains(t, result.FinalState, "visits_c")
}

func TestExecute_UnconditionalEdgeBeatsLaterMatches(t *testing.T) {
	g := linearGraph("a", "b")
	g.Nodes["c"] = NodeSpec{Name: "c", Kind: NodeKindComputation}
	g.Edges = []EdgeSpec{
		{Source: "a", Target: "b"},
		{Source: "a", Target: "c", ConditionKey: "flag", Operator: OpEQ, Value: true},
	}

	runner := NewRunner(testRegistry(), nil)
	result, err := runner.Execute(context.Background(), g, State{"flag": true})
	require.NoError(t, err)
	assert.Equal(t, "b", result.Steps[1].Node)
}

func TestExecute_EndSentinelTerminatesWithoutLookup(t *testing.T) {
	g := linearGraph("a")
	// __end__ is not a node; it must never be resolved as one.
	g.Edges = []EdgeSpec{{Source: "a", Target: EndTarget}}

	runner := NewRunner(testRegistry(), nil)
	result, err := runner.Execute(context.Background(), g, State{})
	require.NoError(t, err)

	require.Len(t, result.Steps, 1)
	assert.Equal(t, TerminatedByEdge, result.Reason)
}

func TestExecute_DanglingNodeTerminatesNormally(t *testing.T) {
	g := linearGraph("a", "b")
	// "b" has no outgoing edges at all.
	runner := NewRunner(testRegistry(), nil)
	result, err := runner.Execute(context.Background(), g, State{})
	require.NoError(t, err)

	require.Len(t, result.Steps, 2)
	assert.Equal(t, TerminatedByEdge, result.Reason)
}

func TestExecute_StepBudgetTruncatesSilently(t *testing.T) {
	g := linearGraph("ping", "pong")
	g.Edges = append(g.Edges, EdgeSpec{Source: "pong", Target: "ping"})

	runner := NewRunner(testRegistry(), nil)
	result, err := runner.Execute(context.Background(), g, State{}, WithStepBudget(10))
	require.NoError(t, err)

	assert.Len(t, result.Steps, 10)
	assert.Equal(t, TerminatedByBudget, result.Reason)
	assert.Equal(t, 5, result.FinalState["visits_ping"])
	assert.Equal(t, 5, result.FinalState["visits_pong"])
}

func TestExecute_StepRecordDiff(t *testing.T) {
	reg := NewRegistry()
	reg.Register(NamespaceNode, "set", func(ctx context.Context, state State) (State, error) {
		return State{"x": 1, "y": 3, "z": 4}, nil
	})
	g := &Graph{
		ID:         "g",
		Entrypoint: "set",
		Nodes:      map[string]NodeSpec{"set": {Name: "set", Kind: NodeKindComputation}},
	}

	runner := NewRunner(reg, nil)
	result, err := runner.Execute(context.Background(), g, State{"x": 1, "y": 2})
	require.NoError(t, err)

	require.Len(t, result.Steps, 1)
	assert.Equal(t, map[string]ValueChange{
		"y": {Before: 2, After: 3},
		"z": {Before: nil, After: 4},
	}, result.Steps[0].StateDiff)
	assert.False(t, result.Steps[0].FinishedAt.Before(result.Steps[0].StartedAt))
}

func TestExecute_RefinementLoop(t *testing.T) {
	reg := testRegistry()
	// "e" flips meets_quality once "d" has run twice.
	reg.Register(NamespaceNode, "e", func(ctx context.Context, state State) (State, error) {
		passes, _ := state["visits_d"].(int)
		state["meets_quality"] = passes >= 2
		return state, nil
	})

	g := linearGraph("a", "b", "c", "d", "e")
	g.Edges = append(g.Edges,
		EdgeSpec{Source: "e", Target: "d", ConditionKey: "meets_quality", Operator: OpEQ, Value: false},
		EdgeSpec{Source: "e", Target: EndTarget, ConditionKey: "meets_quality", Operator: OpEQ, Value: true},
	)

	runner := NewRunner(reg, nil)
	result, err := runner.Execute(context.Background(), g, State{})
	require.NoError(t, err)

	var visited []string
	for _, rec := range result.Steps {
		visited = append(visited, rec.Node)
	}
	assert.Equal(t, []string{"a", "b", "c", "d", "e", "d", "e"}, visited)
	assert.Equal(t, true, result.FinalState["meets_quality"])
	assert.Equal(t, TerminatedByEdge, result.Reason)
}

func TestExecute_NodeNotFound(t *testing.T) {
	g := linearGraph("a")
	g.Edges = []EdgeSpec{{Source: "a", Target: "ghost"}}

	runner := NewRunner(testRegistry(), nil)
	_, err := runner.Execute(context.Background(), g, State{})
	require.Error(t, err)
	assert.Equal(t, types.ErrNodeNotFound, types.GetErrorCode(err))
	assert.Contains(t, err.Error(), "ghost")
}

func TestExecute_MissingToolName(t *testing.T) {
	g := &Graph{
		ID:         "g",
		Entrypoint: "t",
		Nodes:      map[string]NodeSpec{"t": {Name: "t", Kind: NodeKindTool}},
	}

	runner := NewRunner(testRegistry(), nil)
	_, err := runner.Execute(context.Background(), g, State{})
	require.Error(t, err)
	assert.Equal(t, types.ErrMissingToolName, types.GetErrorCode(err))
}

func TestExecute_ToolDispatchUsesToolName(t *testing.T) {
	reg := NewRegistry()
	reg.Register(NamespaceTool, "detect", func(ctx context.Context, state State) (State, error) {
		state["tool_ran"] = true
		return state, nil
	})
	g := &Graph{
		ID:         "g",
		Entrypoint: "scanner",
		Nodes: map[string]NodeSpec{
			// Node name differs from the tool-namespace key.
			"scanner": {Name: "scanner", Kind: NodeKindTool, ToolName: "detect"},
		},
	}

	runner := NewRunner(reg, nil)
	result, err := runner.Execute(context.Background(), g, State{})
	require.NoError(t, err)
	assert.Equal(t, true, result.FinalState["tool_ran"])
}

func TestExecute_UnregisteredFunction(t *testing.T) {
	g := linearGraph("nowhere")

	runner := NewRunner(NewRegistry(), nil)
	_, err := runner.Execute(context.Background(), g, State{})
	require.Error(t, err)
	assert.Equal(t, types.ErrFunctionNotRegistered, types.GetErrorCode(err))
}

func TestExecute_StepErrorPropagates(t *testing.T) {
	stepErr := errors.New("quality check crashed")
	reg := NewRegistry()
	reg.Register(NamespaceNode, "bad", func(ctx context.Context, state State) (State, error) {
		return nil, stepErr
	})

	runner := NewRunner(reg, nil)
	_, err := runner.Execute(context.Background(), linearGraph("bad"), State{})
	require.Error(t, err)
	assert.ErrorIs(t, err, stepErr)
	assert.Contains(t, err.Error(), "node bad")
}

func TestExecute_InitialStateNotMutated(t *testing.T) {
	reg := NewRegistry()
	reg.Register(NamespaceNode, "mut", func(ctx context.Context, state State) (State, error) {
		state["added"] = true
		state["nested"].(map[string]any)["k"] = "changed"
		return state, nil
	})

	initial := State{"nested": map[string]any{"k": "v"}}
	runner := NewRunner(reg, nil)
	result, err := runner.Execute(context.Background(), linearGraph("mut"), initial)
	require.NoError(t, err)

	assert.NotContains(t, initial, "added")
	assert.Equal(t, "v", initial["nested"].(map[string]any)["k"])
	assert.Equal(t, "changed", result.FinalState["nested"].(map[string]any)["k"])
}

func TestExecute_ContextCancellation(t *testing.T) {
	g := linearGraph("ping", "pong")
	g.Edges = append(g.Edges, EdgeSpec{Source: "pong", Target: "ping"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	runner := NewRunner(testRegistry(), nil)
	_, err := runner.Execute(ctx, g, State{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestExecute_StepObserver(t *testing.T) {
	var observed []string
	runner := NewRunner(testRegistry(), nil)

	result, err := runner.Execute(context.Background(), linearGraph("a", "b"), State{},
		WithStepObserver(func(rec StepRecord) {
			observed = append(observed, rec.Node)
		}))
	require.NoError(t, err)

	assert.Equal(t, []string{"a", "b"}, observed)
	assert.Len(t, result.Steps, 2)
}

func TestGraph_Validate(t *testing.T) {
	valid := &Graph{
		ID:         "g",
		Entrypoint: "a",
		Nodes: map[string]NodeSpec{
			"a": {Name: "a", Kind: NodeKindComputation},
			"t": {Name: "t", Kind: NodeKindTool, ToolName: "tool"},
		},
		Edges: []EdgeSpec{
			{Source: "a", Target: "t", ConditionKey: "x", Operator: OpGE, Value: 1},
			{Source: "t", Target: EndTarget},
		},
	}
	require.NoError(t, valid.Validate())

	cases := []struct {
		name   string
		mutate func(*Graph)
	}{
		{"missing entrypoint", func(g *Graph) { g.Entrypoint = "" }},
		{"unknown entrypoint", func(g *Graph) { g.Entrypoint = "ghost" }},
		{"tool without tool_name", func(g *Graph) {
			g.Nodes["t"] = NodeSpec{Name: "t", Kind: NodeKindTool}
		}},
		{"unknown kind", func(g *Graph) {
			g.Nodes["a"] = NodeSpec{Name: "a", Kind: "weird"}
		}},
		{"key/name mismatch", func(g *Graph) {
			g.Nodes["a"] = NodeSpec{Name: "other", Kind: NodeKindComputation}
		}},
		{"edge to unknown node", func(g *Graph) {
			g.Edges = []EdgeSpec{{Source: "a", Target: "ghost"}}
		}},
		{"edge from unknown node", func(g *Graph) {
			g.Edges = []EdgeSpec{{Source: "ghost", Target: "a"}}
		}},
		{"bad operator", func(g *Graph) {
			g.Edges = []EdgeSpec{{Source: "a", Target: "t", ConditionKey: "x", Operator: "~="}}
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			g := &Graph{
				ID:         valid.ID,
				Entrypoint: valid.Entrypoint,
				Nodes:      map[string]NodeSpec{},
				Edges:      append([]EdgeSpec(nil), valid.Edges...),
			}
			for k, v := range valid.Nodes {
				g.Nodes[k] = v
			}
			tc.mutate(g)

			err := g.Validate()
			require.Error(t, err)
			assert.Equal(t, types.ErrInvalidGraph, types.GetErrorCode(err))
		})
	}
}

func TestProperty_EdgeResolutionPrefersEarlierEdges(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		targets := rapid.SliceOfN(rapid.SampledFrom([]string{"b", "c", "d"}), 1, 6).Draw(rt, "targets")

		g := &Graph{ID: "g", Entrypoint: "a", Nodes: map[string]NodeSpec{
			"a": {Name: "a", Kind: NodeKindComputation},
			"b": {Name: "b", Kind: NodeKindComputation},
			"c": {Name: "c", Kind: NodeKindComputation},
			"d": {Name: "d", Kind: NodeKindComputation},
		}}
		for _, target := range targets {
			g.Edges = append(g.Edges, EdgeSpec{Source: "a", Target: target})
		}

		next := chooseNext(g, "a", State{})
		assert.Equal(rt, targets[0], next)
	})
}
