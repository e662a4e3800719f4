// Package engine implements the FlowForge graph execution core: the data
// model for graphs, edges, and step records, the function registry that
// resolves node names to callable behavior, and the runner that walks a
// graph from its entrypoint, invoking one node at a time, diffing state,
// and recording an audit trail.
//
// A run is strictly sequential: one node executes at a time, and the runner
// awaits each node's completion before evaluating outgoing edges. Multiple
// runs may execute concurrently against the same Graph because each run owns
// a private deep copy of its state.
package engine
