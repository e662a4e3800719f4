// Package store persists graphs and runs. Two implementations are
// provided: an in-memory store for tests and single-process deployments,
// and a GORM-backed store for durable setups.
package store

import (
	"context"
	"time"

	"github.com/BaSui01/flowforge/engine"
)

// RunStatus tracks a run through its lifecycle.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// Run is the persisted record of one graph execution.
type Run struct {
	ID         string                   `json:"id"`
	GraphID    string                   `json:"graph_id"`
	Status     RunStatus                `json:"status"`
	State      engine.State             `json:"state"`
	Steps      []engine.StepRecord      `json:"logs"`
	Reason     engine.TerminationReason `json:"termination_reason,omitempty"`
	Error      string                   `json:"error,omitempty"`
	CreatedAt  time.Time                `json:"created_at"`
	FinishedAt *time.Time               `json:"finished_at,omitempty"`
}

// GraphStore persists graph definitions.
type GraphStore interface {
	SaveGraph(ctx context.Context, graph *engine.Graph) error
	GetGraph(ctx context.Context, id string) (*engine.Graph, error)
	ListGraphs(ctx context.Context) ([]*engine.Graph, error)
}

// RunStore persists run records. SaveRun upserts: callers save the initial
// record and save again as the run progresses.
type RunStore interface {
	SaveRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
}

// Store is the combined persistence surface the server wires up.
type Store interface {
	GraphStore
	RunStore
	Ping(ctx context.Context) error
	Close() error
}
