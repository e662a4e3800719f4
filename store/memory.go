package store

import (
	"context"
	"sort"
	"sync"

	"github.com/BaSui01/flowforge/engine"
	"github.com/BaSui01/flowforge/types"
)

// MemoryStore keeps graphs and runs in process memory. Values are copied on
// the way in and out so callers can keep mutating their own structs.
type MemoryStore struct {
	mu     sync.RWMutex
	graphs map[string]*engine.Graph
	runs   map[string]*Run
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		graphs: make(map[string]*engine.Graph),
		runs:   make(map[string]*Run),
	}
}

func (s *MemoryStore) SaveGraph(ctx context.Context, graph *engine.Graph) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.graphs[graph.ID] = copyGraph(graph)
	return nil
}

func (s *MemoryStore) GetGraph(ctx context.Context, id string) (*engine.Graph, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	graph, ok := s.graphs[id]
	if !ok {
		return nil, types.NewErrorf(types.ErrGraphNotFound, "graph %q not found", id)
	}
	return copyGraph(graph), nil
}

func (s *MemoryStore) ListGraphs(ctx context.Context) ([]*engine.Graph, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*engine.Graph, 0, len(s.graphs))
	for _, graph := range s.graphs {
		out = append(out, copyGraph(graph))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) SaveRun(ctx context.Context, run *Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[run.ID] = copyRun(run)
	return nil
}

func (s *MemoryStore) GetRun(ctx context.Context, id string) (*Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.runs[id]
	if !ok {
		return nil, types.NewErrorf(types.ErrRunNotFound, "run %q not found", id)
	}
	return copyRun(run), nil
}

// Runs returns a snapshot of every run record, ordered by creation time.
func (s *MemoryStore) Runs() []*Run {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Run, 0, len(s.runs))
	for _, run := range s.runs {
		out = append(out, copyRun(run))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (s *MemoryStore) Ping(ctx context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }

func copyGraph(graph *engine.Graph) *engine.Graph {
	out := &engine.Graph{
		ID:         graph.ID,
		Name:       graph.Name,
		Entrypoint: graph.Entrypoint,
		Nodes:      make(map[string]engine.NodeSpec, len(graph.Nodes)),
		Edges:      append([]engine.EdgeSpec(nil), graph.Edges...),
	}
	for name, node := range graph.Nodes {
		out.Nodes[name] = node
	}
	return out
}

func copyRun(run *Run) *Run {
	out := *run
	out.State = engine.DeepCopyState(run.State)
	out.Steps = append([]engine.StepRecord(nil), run.Steps...)
	return &out
}
