package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/flowforge/engine"
	"github.com/BaSui01/flowforge/internal/cache"
	"github.com/BaSui01/flowforge/internal/metrics"
	"github.com/BaSui01/flowforge/internal/pool"
	"github.com/BaSui01/flowforge/store"
	"github.com/BaSui01/flowforge/types"
)

// RunsHandler executes graphs and serves run records.
type RunsHandler struct {
	graphs  store.GraphStore
	runs    store.RunStore
	cache   *cache.Manager
	runner  *engine.Runner
	pool    *pool.WorkerPool
	metrics *metrics.Collector
	broker  *RunBroker
	logger  *zap.Logger

	stepBudget int
	runTimeout time.Duration
	cacheTTL   time.Duration
}

// RunsConfig wires the runs handler. Cache and Metrics are optional; a nil
// Cache disables run caching and a nil Metrics disables run metrics.
type RunsConfig struct {
	Store   store.Store
	Cache   *cache.Manager
	Runner  *engine.Runner
	Pool    *pool.WorkerPool
	Metrics *metrics.Collector
	Logger  *zap.Logger

	// StepBudget applies when a request does not set its own budget.
	StepBudget int
	// RunTimeout bounds a single execution. Zero means no timeout.
	RunTimeout time.Duration
	// CacheTTL is how long terminal run records stay cached.
	CacheTTL time.Duration
}

// NewRunsHandler creates a runs handler.
func NewRunsHandler(cfg RunsConfig) *RunsHandler {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	budget := cfg.StepBudget
	if budget <= 0 {
		budget = engine.DefaultStepBudget
	}
	return &RunsHandler{
		graphs:     cfg.Store,
		runs:       cfg.Store,
		cache:      cfg.Cache,
		runner:     cfg.Runner,
		pool:       cfg.Pool,
		metrics:    cfg.Metrics,
		broker:     NewRunBroker(),
		logger:     logger.With(zap.String("handler", "runs")),
		stepBudget: budget,
		runTimeout: cfg.RunTimeout,
		cacheTTL:   cfg.CacheTTL,
	}
}

// RunRequest starts a graph run.
type RunRequest struct {
	GraphID      string       `json:"graph_id"`
	InitialState engine.State `json:"initial_state,omitempty"`

	// StepBudget overrides the server default for this run.
	StepBudget int `json:"step_budget,omitempty"`
}

// RunResponse is the synchronous run result.
type RunResponse struct {
	RunID      string                   `json:"run_id"`
	Status     store.RunStatus          `json:"status"`
	FinalState engine.State             `json:"final_state"`
	Logs       []engine.StepRecord      `json:"logs"`
	Reason     engine.TerminationReason `json:"termination_reason"`
}

// AsyncRunResponse acknowledges a background run submission.
type AsyncRunResponse struct {
	RunID  string          `json:"run_id"`
	Status store.RunStatus `json:"status"`
}

// HandleRunSync serves POST /api/v1/runs. The graph executes on the request
// goroutine and the terminal run record is returned in the response.
func (h *RunsHandler) HandleRunSync(w http.ResponseWriter, r *http.Request) {
	var req RunRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	if req.GraphID == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest,
			"graph_id is required", h.logger)
		return
	}

	graph, err := h.graphs.GetGraph(r.Context(), req.GraphID)
	if err != nil {
		WriteErrorFromErr(w, err, h.logger)
		return
	}

	run := &store.Run{
		ID:        uuid.NewString(),
		GraphID:   graph.ID,
		Status:    store.RunRunning,
		State:     req.InitialState,
		CreatedAt: time.Now().UTC(),
	}
	if err := h.runs.SaveRun(r.Context(), run); err != nil {
		WriteErrorFromErr(w, err, h.logger)
		return
	}

	if execErr := h.execute(r.Context(), graph, run, req.StepBudget); execErr != nil {
		// Persisted as failed; the request itself reports the cause.
		WriteErrorFromErr(w, execErr, h.logger)
		return
	}

	WriteSuccess(w, RunResponse{
		RunID:      run.ID,
		Status:     run.Status,
		FinalState: run.State,
		Logs:       run.Steps,
		Reason:     run.Reason,
	})
}

// HandleRunAsync serves POST /api/v1/runs/async. The run record is created
// as pending and handed to the worker pool; progress is observable through
// GET /api/v1/runs/{id} and the watch stream.
func (h *RunsHandler) HandleRunAsync(w http.ResponseWriter, r *http.Request) {
	var req RunRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	if req.GraphID == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest,
			"graph_id is required", h.logger)
		return
	}

	graph, err := h.graphs.GetGraph(r.Context(), req.GraphID)
	if err != nil {
		WriteErrorFromErr(w, err, h.logger)
		return
	}

	run := &store.Run{
		ID:        uuid.NewString(),
		GraphID:   graph.ID,
		Status:    store.RunPending,
		State:     req.InitialState,
		CreatedAt: time.Now().UTC(),
	}
	if err := h.runs.SaveRun(r.Context(), run); err != nil {
		WriteErrorFromErr(w, err, h.logger)
		return
	}

	budget := req.StepBudget

	// Open the feed now so watchers can attach while the run is still
	// queued behind other background work.
	feed := h.broker.Open(run.ID)

	// The task owns its own copy of the record; the handler never touches
	// the record again after submission, so the 202 below cannot race the
	// task's status and state writes.
	bgRun := *run
	submitErr := h.pool.Submit(func(ctx context.Context) {
		bgRun.Status = store.RunRunning
		if err := h.runs.SaveRun(ctx, &bgRun); err != nil {
			h.logger.Error("failed to mark run running",
				zap.String("run_id", bgRun.ID), zap.Error(err))
		}
		h.execute(ctx, graph, &bgRun, budget)
	})
	if submitErr != nil {
		run.Status = store.RunFailed
		run.Error = "worker pool exhausted"
		now := time.Now().UTC()
		run.FinishedAt = &now
		if err := h.runs.SaveRun(r.Context(), run); err != nil {
			h.logger.Error("failed to mark run failed",
				zap.String("run_id", run.ID), zap.Error(err))
		}
		feed.Finish(store.RunFailed, "", run.Error)
		WriteError(w, types.NewError(types.ErrPoolExhausted,
			"too many concurrent runs, retry later").WithCause(submitErr), h.logger)
		return
	}

	h.logger.Info("run submitted",
		zap.String("run_id", run.ID),
		zap.String("graph_id", graph.ID),
	)

	WriteJSON(w, http.StatusAccepted, Response{
		Success:   true,
		Data:      AsyncRunResponse{RunID: run.ID, Status: store.RunPending},
		Timestamp: time.Now(),
	})
}

// execute runs the graph, updates the run record in place, persists the
// terminal record, and feeds watchers. It owns the run from running to a
// terminal status. The returned error is the execution failure, already
// reflected in the persisted record.
func (h *RunsHandler) execute(ctx context.Context, graph *engine.Graph, run *store.Run, budget int) error {
	if budget <= 0 {
		budget = h.stepBudget
	}

	execCtx := ctx
	var cancel context.CancelFunc
	if h.runTimeout > 0 {
		execCtx, cancel = context.WithTimeout(ctx, h.runTimeout)
		defer cancel()
	}

	feed := h.broker.Open(run.ID)
	started := time.Now()

	result, err := h.runner.Execute(execCtx, graph, run.State,
		engine.WithStepBudget(budget),
		engine.WithStepObserver(func(rec engine.StepRecord) {
			feed.Publish(rec)
			if h.metrics != nil {
				h.metrics.RecordStep(rec.Node, rec.FinishedAt.Sub(rec.StartedAt))
			}
		}),
	)

	now := time.Now().UTC()
	run.FinishedAt = &now
	if err != nil {
		run.Status = store.RunFailed
		run.Error = err.Error()
		h.logger.Warn("run failed",
			zap.String("run_id", run.ID),
			zap.String("graph_id", graph.ID),
			zap.Error(err),
		)
	} else {
		run.Status = store.RunCompleted
		run.State = result.FinalState
		run.Steps = result.Steps
		run.Reason = result.Reason
		h.logger.Info("run completed",
			zap.String("run_id", run.ID),
			zap.String("graph_id", graph.ID),
			zap.Int("steps", len(result.Steps)),
			zap.String("reason", string(result.Reason)),
		)
	}

	// Persist with a fresh context: the request context may be gone by now.
	saveCtx, saveCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer saveCancel()
	if saveErr := h.runs.SaveRun(saveCtx, run); saveErr != nil {
		h.logger.Error("failed to persist run",
			zap.String("run_id", run.ID), zap.Error(saveErr))
	}

	if h.cache != nil {
		if cacheErr := h.cache.SetRun(saveCtx, run, h.cacheTTL); cacheErr != nil {
			h.logger.Warn("failed to cache run",
				zap.String("run_id", run.ID), zap.Error(cacheErr))
		}
	}
	if h.metrics != nil {
		h.metrics.RecordRun(graph.Name, string(run.Status), string(run.Reason),
			len(run.Steps), time.Since(started))
	}

	feed.Finish(run.Status, run.Reason, run.Error)
	return err
}

// HandleGet serves GET /api/v1/runs/{id}, checking the cache before the
// store when caching is enabled.
func (h *RunsHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	if h.cache != nil {
		run, err := h.cache.GetRun(r.Context(), id)
		if err == nil {
			if h.metrics != nil {
				h.metrics.RecordCacheHit("run")
			}
			WriteSuccess(w, run)
			return
		}
		if !cache.IsCacheMiss(err) {
			h.logger.Warn("run cache lookup failed", zap.String("run_id", id), zap.Error(err))
		}
		if h.metrics != nil {
			h.metrics.RecordCacheMiss("run")
		}
	}

	run, err := h.runs.GetRun(r.Context(), id)
	if err != nil {
		WriteErrorFromErr(w, err, h.logger)
		return
	}

	// Backfill the cache for terminal runs only; in-flight records would go
	// stale as soon as the next step lands.
	if h.cache != nil && (run.Status == store.RunCompleted || run.Status == store.RunFailed) {
		if cacheErr := h.cache.SetRun(r.Context(), run, h.cacheTTL); cacheErr != nil {
			h.logger.Warn("failed to cache run", zap.String("run_id", id), zap.Error(cacheErr))
		}
	}

	WriteSuccess(w, run)
}

// FunctionsResponse lists the registered step functions by namespace.
type FunctionsResponse struct {
	Nodes []string `json:"nodes"`
	Tools []string `json:"tools"`
}

// HandleFunctions serves GET /api/v1/functions.
func (h *RunsHandler) HandleFunctions(w http.ResponseWriter, r *http.Request) {
	WriteSuccess(w, FunctionsResponse{
		Nodes: h.runner.Registry().Keys(engine.NamespaceNode),
		Tools: h.runner.Registry().Keys(engine.NamespaceTool),
	})
}
