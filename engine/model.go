package engine

import (
	"time"

	"github.com/BaSui01/flowforge/types"
)

// State is the mutable key/value map threaded through node executions for
// one run. Values are expected to be JSON-shaped (nil, bool, float64/int,
// string, []any, map[string]any) since graphs and runs cross the wire as
// JSON.
type State = map[string]any

// EndTarget is the reserved edge target that terminates a run normally.
// It is a sentinel, never a node name.
const EndTarget = "__end__"

// NodeKind distinguishes which registry namespace resolves a node's behavior.
type NodeKind string

const (
	// NodeKindComputation resolves via the node-function namespace using the node's name.
	NodeKindComputation NodeKind = "computation"
	// NodeKindTool resolves via the tool-function namespace using the node's ToolName.
	NodeKindTool NodeKind = "tool"
)

// Operator is a comparison operator used by conditional edges.
type Operator string

const (
	OpEQ Operator = "=="
	OpNE Operator = "!="
	OpLT Operator = "<"
	OpGT Operator = ">"
	OpLE Operator = "<="
	OpGE Operator = ">="
)

// validOperator reports whether op is one of the supported comparison
// operators. The empty operator is valid and means "unconditional".
func validOperator(op Operator) bool {
	switch op {
	case "", OpEQ, OpNE, OpLT, OpGT, OpLE, OpGE:
		return true
	}
	return false
}

// NodeSpec describes a single node in a workflow graph.
type NodeSpec struct {
	// Name is the unique key of the node within its graph.
	Name string `json:"name" yaml:"name"`
	// Kind selects the registry namespace (computation or tool).
	Kind NodeKind `json:"kind" yaml:"kind"`
	// ToolName identifies the tool-namespace key for tool nodes. It may
	// differ from Name. Required when Kind is NodeKindTool.
	ToolName string `json:"tool_name,omitempty" yaml:"tool_name,omitempty"`
	// Description is informational only; it is copied into step records.
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

// EdgeSpec is a directed, optionally conditional transition between nodes.
// If ConditionKey is empty the edge is unconditional. Otherwise the edge
// matches iff compare(lookup(state, ConditionKey), Operator, Value) holds.
type EdgeSpec struct {
	Source string `json:"source" yaml:"source"`
	// Target names the next node, or EndTarget to terminate the run.
	Target       string   `json:"target" yaml:"target"`
	ConditionKey string   `json:"condition_key,omitempty" yaml:"condition_key,omitempty"`
	Operator     Operator `json:"operator,omitempty" yaml:"operator,omitempty"`
	Value        any      `json:"value,omitempty" yaml:"value,omitempty"`
}

// Graph is an immutable workflow definition: named nodes plus an ordered
// edge list. Edge order is semantically significant: edge resolution is
// first-match-wins in declared order. A Graph may be shared by many
// concurrent runs; the runner never mutates it.
type Graph struct {
	ID         string              `json:"id" yaml:"id"`
	Name       string              `json:"name,omitempty" yaml:"name,omitempty"`
	Entrypoint string              `json:"entrypoint" yaml:"entrypoint"`
	Nodes      map[string]NodeSpec `json:"nodes" yaml:"nodes"`
	Edges      []EdgeSpec          `json:"edges" yaml:"edges"`
}

// Validate checks the structural invariants of the graph: the entrypoint
// names a known node, node map keys match their spec names, node kinds are
// known, tool nodes carry a tool name, and edge operators are supported.
//
// The runner enforces the same invariants lazily during execution, so
// validation is optional for graphs constructed directly in code; the HTTP
// surface calls it eagerly at graph-creation time.
func (g *Graph) Validate() error {
	if g.Entrypoint == "" {
		return types.NewError(types.ErrInvalidGraph, "entrypoint is required")
	}
	if len(g.Nodes) == 0 {
		return types.NewError(types.ErrInvalidGraph, "graph has no nodes")
	}
	if _, ok := g.Nodes[g.Entrypoint]; !ok {
		return types.NewErrorf(types.ErrInvalidGraph, "entrypoint %q is not a node", g.Entrypoint)
	}
	for key, node := range g.Nodes {
		if node.Name != key {
			return types.NewErrorf(types.ErrInvalidGraph, "node key %q does not match node name %q", key, node.Name)
		}
		switch node.Kind {
		case NodeKindComputation:
		case NodeKindTool:
			if node.ToolName == "" {
				return types.NewErrorf(types.ErrInvalidGraph, "tool node %q missing tool_name", node.Name)
			}
		default:
			return types.NewErrorf(types.ErrInvalidGraph, "node %q has unknown kind %q", node.Name, node.Kind)
		}
	}
	for i, edge := range g.Edges {
		if edge.Source == "" || edge.Target == "" {
			return types.NewErrorf(types.ErrInvalidGraph, "edge %d missing source or target", i)
		}
		if _, ok := g.Nodes[edge.Source]; !ok {
			return types.NewErrorf(types.ErrInvalidGraph, "edge %d source %q is not a node", i, edge.Source)
		}
		if edge.Target != EndTarget {
			if _, ok := g.Nodes[edge.Target]; !ok {
				return types.NewErrorf(types.ErrInvalidGraph, "edge %d target %q is not a node", i, edge.Target)
			}
		}
		if !validOperator(edge.Operator) {
			return types.NewErrorf(types.ErrInvalidGraph, "edge %d has unknown operator %q", i, edge.Operator)
		}
	}
	return nil
}

// ValueChange records one top-level state key's value before and after a
// node execution.
type ValueChange struct {
	Before any `json:"before"`
	After  any `json:"after"`
}

// StepRecord is the audit entry for one node execution. Exactly one record
// is produced per execution, append-only within a run; with backward edges
// the same node may appear multiple times across a run's records.
type StepRecord struct {
	Node       string                 `json:"node"`
	StartedAt  time.Time              `json:"started_at"`
	FinishedAt time.Time              `json:"finished_at"`
	// StateDiff holds an entry for every top-level state key whose value
	// changed during the step.
	StateDiff map[string]ValueChange `json:"state_diff"`
	Info      string                 `json:"info,omitempty"`
}

// TerminationReason distinguishes how a run ended.
type TerminationReason string

const (
	// TerminatedByEdge means the run reached the EndTarget sentinel or a
	// node with no matching outgoing edge.
	TerminatedByEdge TerminationReason = "exited_via_edge"
	// TerminatedByBudget means the step budget was exhausted while a next
	// node was still pending. Not an error: the accumulated state and
	// records are returned as-is.
	TerminatedByBudget TerminationReason = "budget_exhausted"
)

// Result is the outcome of a successful graph execution.
type Result struct {
	FinalState State             `json:"final_state"`
	Steps      []StepRecord      `json:"steps"`
	Reason     TerminationReason `json:"reason"`
}
