package engine

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/flowforge/types"
)

// DefaultStepBudget bounds the number of node executions in one run when no
// explicit budget is given.
const DefaultStepBudget = 1000

// StepObserver receives each step record as soon as it is appended.
// Observers run synchronously on the run's goroutine and must not block.
type StepObserver func(StepRecord)

// ExecOption configures a single Execute call.
type ExecOption func(*execOptions)

type execOptions struct {
	stepBudget int
	observer   StepObserver
}

// WithStepBudget overrides the maximum number of node executions for a run.
// Non-positive values fall back to DefaultStepBudget.
func WithStepBudget(n int) ExecOption {
	return func(o *execOptions) {
		if n > 0 {
			o.stepBudget = n
		}
	}
}

// WithStepObserver installs a callback invoked after every step record is
// appended. Used by the run watch endpoint to stream progress.
func WithStepObserver(fn StepObserver) ExecOption {
	return func(o *execOptions) {
		o.observer = fn
	}
}

// Runner executes graphs against a function registry.
type Runner struct {
	registry *Registry
	logger   *zap.Logger
}

// NewRunner creates a runner bound to the registry. A nil logger disables
// logging.
func NewRunner(registry *Registry, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		registry: registry,
		logger:   logger.With(zap.String("component", "runner")),
	}
}

// Registry returns the function registry the runner dispatches through.
func (r *Runner) Registry() *Registry {
	return r.registry
}

// Execute walks the graph from its entrypoint, invoking one node at a time
// and recording a step record per execution, until an edge terminates the
// run or the step budget is exhausted.
//
// The caller's initial state is deep-copied and never mutated. Errors
// (unknown current node, unregistered function, tool node without a tool
// name, or any error returned by a step function) are fatal: the call
// returns no result. Budget exhaustion is not an error; it is reported as
// TerminatedByBudget in the result.
func (r *Runner) Execute(ctx context.Context, graph *Graph, initialState State, opts ...ExecOption) (*Result, error) {
	options := execOptions{stepBudget: DefaultStepBudget}
	for _, opt := range opts {
		opt(&options)
	}

	state := DeepCopyState(initialState)
	logs := make([]StepRecord, 0, 8)
	current := graph.Entrypoint
	steps := 0

	r.logger.Debug("starting run",
		zap.String("graph_id", graph.ID),
		zap.String("entrypoint", current),
		zap.Int("step_budget", options.stepBudget),
	)

	for current != "" && steps < options.stepBudget {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		node, ok := graph.Nodes[current]
		if !ok {
			return nil, types.NewErrorf(types.ErrNodeNotFound,
				"node %q not found in graph", current)
		}

		before := DeepCopyState(state)
		started := time.Now().UTC()

		newState, err := r.executeNode(ctx, node, state)
		if err != nil {
			r.logger.Debug("node failed",
				zap.String("graph_id", graph.ID),
				zap.String("node", current),
				zap.Error(err),
			)
			return nil, fmt.Errorf("node %s: %w", current, err)
		}
		state = newState
		finished := time.Now().UTC()

		record := StepRecord{
			Node:       current,
			StartedAt:  started,
			FinishedAt: finished,
			StateDiff:  computeDiff(before, state),
			Info:       node.Description,
		}
		logs = append(logs, record)
		if options.observer != nil {
			options.observer(record)
		}

		r.logger.Debug("step completed",
			zap.String("graph_id", graph.ID),
			zap.String("node", current),
			zap.Duration("duration", finished.Sub(started)),
			zap.Int("changed_keys", len(record.StateDiff)),
		)

		current = chooseNext(graph, current, state)
		steps++
	}

	reason := TerminatedByEdge
	if current != "" {
		reason = TerminatedByBudget
	}

	r.logger.Debug("run finished",
		zap.String("graph_id", graph.ID),
		zap.Int("steps", steps),
		zap.String("reason", string(reason)),
	)

	return &Result{FinalState: state, Steps: logs, Reason: reason}, nil
}

// executeNode dispatches a single node through the registry: computation
// nodes resolve by node name, tool nodes by tool name.
func (r *Runner) executeNode(ctx context.Context, node NodeSpec, state State) (State, error) {
	if node.Kind == NodeKindTool {
		if node.ToolName == "" {
			return nil, types.NewErrorf(types.ErrMissingToolName,
				"tool node %q missing tool_name", node.Name)
		}
		return r.registry.Invoke(ctx, NamespaceTool, node.ToolName, state)
	}
	return r.registry.Invoke(ctx, NamespaceNode, node.Name, state)
}

// chooseNext selects the next node from the current node's outgoing edges,
// preserving declared order: the first edge that is unconditional or whose
// condition matches wins, and later matching edges are ignored. Returns ""
// when the selected edge targets EndTarget or when no edge matches (a
// dangling node terminates the run, it is not an error).
func chooseNext(graph *Graph, current string, state State) string {
	for _, edge := range graph.Edges {
		if edge.Source != current {
			continue
		}
		if edge.ConditionKey != "" {
			lhs, _ := LookupPath(state, edge.ConditionKey)
			if !Compare(lhs, edge.Operator, edge.Value) {
				continue
			}
		}
		if edge.Target == EndTarget {
			return ""
		}
		return edge.Target
	}
	return ""
}
