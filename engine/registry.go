package engine

import (
	"context"
	"sort"
	"sync"

	"github.com/BaSui01/flowforge/types"
)

// Namespace selects which of the registry's two independent function
// mappings a key lives in.
type Namespace string

const (
	// NamespaceNode holds computation-node functions, keyed by node name.
	NamespaceNode Namespace = "node"
	// NamespaceTool holds tool functions, keyed by tool name.
	NamespaceTool Namespace = "tool"
)

// StepFunc is the single contract every step implementation satisfies:
// given the full state map it returns the resulting state. Implementations
// that perform I/O respect ctx; the runner treats every invocation as
// potentially blocking and always awaits completion.
//
// Returning a nil state with a nil error means the function mutated the
// state in place and the caller keeps using the same reference.
type StepFunc func(ctx context.Context, state State) (State, error)

// Registry maps string keys to step functions in two disjoint namespaces.
// It is an explicit instance rather than process-global state so tests and
// embedders can run with isolated registries. Safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	nodes map[string]StepFunc
	tools map[string]StepFunc
}

// NewRegistry creates an empty function registry.
func NewRegistry() *Registry {
	return &Registry{
		nodes: make(map[string]StepFunc),
		tools: make(map[string]StepFunc),
	}
}

// Register inserts or overwrites the function under the namespace and key.
func (r *Registry) Register(ns Namespace, key string, fn StepFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bucket(ns)[key] = fn
}

// Resolve looks up the function registered under the namespace and key.
// A miss yields a FUNCTION_NOT_REGISTERED error carrying the key.
func (r *Registry) Resolve(ns Namespace, key string) (StepFunc, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	fn, ok := r.bucket(ns)[key]
	if !ok {
		return nil, types.NewErrorf(types.ErrFunctionNotRegistered,
			"%s function %q is not registered", ns, key)
	}
	return fn, nil
}

// Invoke resolves and calls the function, normalizing the in-place-mutation
// convention: when the function returns a nil state without error, the input
// state reference is returned unchanged.
func (r *Registry) Invoke(ctx context.Context, ns Namespace, key string, state State) (State, error) {
	fn, err := r.Resolve(ns, key)
	if err != nil {
		return nil, err
	}

	result, err := fn(ctx, state)
	if err != nil {
		return nil, err
	}
	if result == nil {
		return state, nil
	}
	return result, nil
}

// Keys returns the sorted keys registered under the namespace.
func (r *Registry) Keys(ns Namespace) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	bucket := r.bucket(ns)
	keys := make([]string, 0, len(bucket))
	for k := range bucket {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// bucket must be called with r.mu held.
func (r *Registry) bucket(ns Namespace) map[string]StepFunc {
	if ns == NamespaceTool {
		return r.tools
	}
	return r.nodes
}
