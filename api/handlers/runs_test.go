package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/flowforge/engine"
	"github.com/BaSui01/flowforge/internal/pool"
	"github.com/BaSui01/flowforge/nodes"
	"github.com/BaSui01/flowforge/store"
	"github.com/BaSui01/flowforge/types"
)

// counterGraph increments state["n"] until it reaches 3.
func counterGraph() *engine.Graph {
	return &engine.Graph{
		ID:         "counter",
		Name:       "counter",
		Entrypoint: "inc",
		Nodes: map[string]engine.NodeSpec{
			"inc": {Name: "inc", Kind: engine.NodeKindComputation},
		},
		Edges: []engine.EdgeSpec{
			{Source: "inc", Target: engine.EndTarget, ConditionKey: "n", Operator: engine.OpGE, Value: 3},
			{Source: "inc", Target: "inc"},
		},
	}
}

func newTestEnv(t *testing.T) (*RunsHandler, *store.MemoryStore) {
	t.Helper()

	reg := engine.NewRegistry()
	reg.Register(engine.NamespaceNode, "inc", func(ctx context.Context, state engine.State) (engine.State, error) {
		n, _ := state["n"].(float64)
		state["n"] = n + 1
		return nil, nil
	})
	reg.Register(engine.NamespaceNode, "boom", func(ctx context.Context, state engine.State) (engine.State, error) {
		return nil, types.NewError(types.ErrInternalError, "boom")
	})
	nodes.RegisterBuiltins(reg)

	st := store.NewMemoryStore()
	require.NoError(t, st.SaveGraph(context.Background(), counterGraph()))

	p := pool.New(pool.Config{MaxWorkers: 2, QueueSize: 4})
	t.Cleanup(p.Close)

	h := NewRunsHandler(RunsConfig{
		Store:      st,
		Runner:     engine.NewRunner(reg, nil),
		Pool:       p,
		StepBudget: 100,
		RunTimeout: 5 * time.Second,
	})
	return h, st
}

func postJSON(t *testing.T, handler http.HandlerFunc, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler(rec, req)
	return rec
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) Response {
	t.Helper()
	var resp Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestHandleRunSync_CompletesAndPersists(t *testing.T) {
	h, st := newTestEnv(t)

	rec := postJSON(t, h.HandleRunSync, "/api/v1/runs", RunRequest{
		GraphID:      "counter",
		InitialState: engine.State{"n": 0},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	resp := decodeEnvelope(t, rec)
	require.True(t, resp.Success)

	data := resp.Data.(map[string]any)
	assert.Equal(t, "completed", data["status"])
	assert.Equal(t, string(engine.TerminatedByEdge), data["termination_reason"])
	assert.Equal(t, float64(3), data["final_state"].(map[string]any)["n"])
	assert.Len(t, data["logs"].([]any), 3)

	run, err := st.GetRun(context.Background(), data["run_id"].(string))
	require.NoError(t, err)
	assert.Equal(t, store.RunCompleted, run.Status)
	assert.NotNil(t, run.FinishedAt)
	assert.Len(t, run.Steps, 3)
}

func TestHandleRunSync_UnknownGraph(t *testing.T) {
	h, _ := newTestEnv(t)

	rec := postJSON(t, h.HandleRunSync, "/api/v1/runs", RunRequest{GraphID: "nope"})
	require.Equal(t, http.StatusNotFound, rec.Code)

	resp := decodeEnvelope(t, rec)
	assert.False(t, resp.Success)
	assert.Equal(t, string(types.ErrGraphNotFound), resp.Error.Code)
}

func TestHandleRunSync_MissingGraphID(t *testing.T) {
	h, _ := newTestEnv(t)

	rec := postJSON(t, h.HandleRunSync, "/api/v1/runs", RunRequest{})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, string(types.ErrInvalidRequest), decodeEnvelope(t, rec).Error.Code)
}

func TestHandleRunSync_NodeFailureMarksRunFailed(t *testing.T) {
	h, st := newTestEnv(t)

	graph := &engine.Graph{
		ID:         "failing",
		Entrypoint: "boom",
		Nodes:      map[string]engine.NodeSpec{"boom": {Name: "boom", Kind: engine.NodeKindComputation}},
	}
	require.NoError(t, st.SaveGraph(context.Background(), graph))

	rec := postJSON(t, h.HandleRunSync, "/api/v1/runs", RunRequest{GraphID: "failing"})
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.False(t, decodeEnvelope(t, rec).Success)
}

func TestHandleRunSync_BudgetOverride(t *testing.T) {
	h, _ := newTestEnv(t)

	rec := postJSON(t, h.HandleRunSync, "/api/v1/runs", RunRequest{
		GraphID:      "counter",
		InitialState: engine.State{"n": 0},
		StepBudget:   2,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	data := decodeEnvelope(t, rec).Data.(map[string]any)
	assert.Equal(t, string(engine.TerminatedByBudget), data["termination_reason"])
	assert.Len(t, data["logs"].([]any), 2)
}

func TestHandleRunAsync_CompletesInBackground(t *testing.T) {
	h, st := newTestEnv(t)

	rec := postJSON(t, h.HandleRunAsync, "/api/v1/runs/async", RunRequest{
		GraphID:      "counter",
		InitialState: engine.State{"n": 0},
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	data := decodeEnvelope(t, rec).Data.(map[string]any)
	runID := data["run_id"].(string)
	assert.Equal(t, "pending", data["status"])

	require.Eventually(t, func() bool {
		run, err := st.GetRun(context.Background(), runID)
		return err == nil && run.Status == store.RunCompleted
	}, 2*time.Second, 5*time.Millisecond)

	run, err := st.GetRun(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, float64(3), run.State["n"])
	assert.Equal(t, engine.TerminatedByEdge, run.Reason)
}

func TestHandleRunAsync_ReportsPendingWhileExecuting(t *testing.T) {
	h, st := newTestEnv(t)

	gate := make(chan struct{})
	h.runner.Registry().Register(engine.NamespaceNode, "hold", func(ctx context.Context, state engine.State) (engine.State, error) {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		state["held"] = true
		return nil, nil
	})
	graph := &engine.Graph{
		ID:         "holding",
		Entrypoint: "hold",
		Nodes:      map[string]engine.NodeSpec{"hold": {Name: "hold", Kind: engine.NodeKindComputation}},
		Edges:      []engine.EdgeSpec{{Source: "hold", Target: engine.EndTarget}},
	}
	require.NoError(t, st.SaveGraph(context.Background(), graph))

	rec := postJSON(t, h.HandleRunAsync, "/api/v1/runs/async", RunRequest{GraphID: "holding"})
	require.Equal(t, http.StatusAccepted, rec.Code)

	data := decodeEnvelope(t, rec).Data.(map[string]any)
	runID := data["run_id"].(string)

	// The acknowledgement carries the submitted status no matter how far
	// the background task has progressed by the time it is written.
	assert.Equal(t, "pending", data["status"])

	require.Eventually(t, func() bool {
		run, err := st.GetRun(context.Background(), runID)
		return err == nil && run.Status == store.RunRunning
	}, 2*time.Second, time.Millisecond)

	close(gate)

	require.Eventually(t, func() bool {
		run, err := st.GetRun(context.Background(), runID)
		return err == nil && run.Status == store.RunCompleted
	}, 2*time.Second, time.Millisecond)
}

func TestHandleRunAsync_PoolExhausted(t *testing.T) {
	h, st := newTestEnv(t)

	// A pool with no capacity to spare.
	h.pool = pool.New(pool.Config{MaxWorkers: 1, QueueSize: 1})
	t.Cleanup(h.pool.Close)
	release := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, h.pool.Submit(func(ctx context.Context) {
		close(started)
		<-release
	}))
	<-started
	require.NoError(t, h.pool.Submit(func(ctx context.Context) {}))
	defer close(release)

	rec := postJSON(t, h.HandleRunAsync, "/api/v1/runs/async", RunRequest{GraphID: "counter"})
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	resp := decodeEnvelope(t, rec)
	assert.Equal(t, string(types.ErrPoolExhausted), resp.Error.Code)

	// The rejected run is persisted as failed.
	var failed *store.Run
	for _, run := range st.Runs() {
		if run.Status == store.RunFailed {
			failed = run
		}
	}
	require.NotNil(t, failed)
	assert.Contains(t, failed.Error, "pool")
}

func TestHandleGet_ReturnsRun(t *testing.T) {
	h, st := newTestEnv(t)

	now := time.Now().UTC()
	run := &store.Run{
		ID:         "run-1",
		GraphID:    "counter",
		Status:     store.RunCompleted,
		State:      engine.State{"n": float64(3)},
		Reason:     engine.TerminatedByEdge,
		CreatedAt:  now,
		FinishedAt: &now,
	}
	require.NoError(t, st.SaveRun(context.Background(), run))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/runs/run-1", nil)
	req.SetPathValue("id", "run-1")
	rec := httptest.NewRecorder()
	h.HandleGet(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	data := decodeEnvelope(t, rec).Data.(map[string]any)
	assert.Equal(t, "run-1", data["id"])
	assert.Equal(t, "completed", data["status"])
}

func TestHandleGet_NotFound(t *testing.T) {
	h, _ := newTestEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/runs/missing", nil)
	req.SetPathValue("id", "missing")
	rec := httptest.NewRecorder()
	h.HandleGet(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, string(types.ErrRunNotFound), decodeEnvelope(t, rec).Error.Code)
}

func TestHandleFunctions_ListsBuiltins(t *testing.T) {
	h, _ := newTestEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/functions", nil)
	rec := httptest.NewRecorder()
	h.HandleFunctions(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	data := decodeEnvelope(t, rec).Data.(map[string]any)

	var nodeNames []string
	for _, v := range data["nodes"].([]any) {
		nodeNames = append(nodeNames, v.(string))
	}
	assert.Contains(t, nodeNames, "inc")
	assert.Contains(t, nodeNames, nodes.StepExtractFunctions)

	var toolNames []string
	for _, v := range data["tools"].([]any) {
		toolNames = append(toolNames, v.(string))
	}
	assert.Contains(t, toolNames, nodes.ToolDetectSmells)
}

func TestHandleWatch_StreamsTerminalRunFromStore(t *testing.T) {
	h, st := newTestEnv(t)

	now := time.Now().UTC()
	run := &store.Run{
		ID:      "run-done",
		GraphID: "counter",
		Status:  store.RunCompleted,
		Steps: []engine.StepRecord{
			{Node: "inc", StartedAt: now, FinishedAt: now},
			{Node: "inc", StartedAt: now, FinishedAt: now},
		},
		Reason:     engine.TerminatedByEdge,
		CreatedAt:  now,
		FinishedAt: &now,
	}
	require.NoError(t, st.SaveRun(context.Background(), run))

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/runs/{id}/watch", h.HandleWatch)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/runs/run-done/watch"
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	defer conn.CloseNow()

	var events []WatchEvent
	for {
		var ev WatchEvent
		if err := wsjson.Read(ctx, conn, &ev); err != nil {
			break
		}
		events = append(events, ev)
		if ev.Type == "done" {
			break
		}
	}

	require.Len(t, events, 3)
	assert.Equal(t, "step", events[0].Type)
	assert.Equal(t, "inc", events[0].Step.Node)
	assert.Equal(t, "done", events[2].Type)
	assert.Equal(t, store.RunCompleted, events[2].Status)
	assert.Equal(t, string(engine.TerminatedByEdge), events[2].Reason)
}

func TestHandleWatch_AttachesWhileRunQueued(t *testing.T) {
	h, _ := newTestEnv(t)

	// A single busy worker keeps the submitted run queued.
	h.pool = pool.New(pool.Config{MaxWorkers: 1, QueueSize: 1})
	t.Cleanup(h.pool.Close)
	release := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, h.pool.Submit(func(ctx context.Context) {
		close(started)
		<-release
	}))
	<-started

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/runs/{id}/watch", h.HandleWatch)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	rec := postJSON(t, h.HandleRunAsync, "/api/v1/runs/async", RunRequest{
		GraphID:      "counter",
		InitialState: engine.State{"n": 0},
	})
	require.Equal(t, http.StatusAccepted, rec.Code)
	runID := decodeEnvelope(t, rec).Data.(map[string]any)["run_id"].(string)

	// The feed exists from submission, before the run ever executes.
	require.NotNil(t, h.broker.lookup(runID))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/runs/" + runID + "/watch"
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	defer conn.CloseNow()

	close(release)

	var steps int
	for {
		var ev WatchEvent
		require.NoError(t, wsjson.Read(ctx, conn, &ev))
		if ev.Type == "done" {
			assert.Equal(t, store.RunCompleted, ev.Status)
			break
		}
		steps++
	}
	assert.Equal(t, 3, steps)
}

func TestHandleWatch_StreamsLiveRun(t *testing.T) {
	h, st := newTestEnv(t)

	// A node that waits for the watcher before letting the run proceed.
	gate := make(chan struct{})
	reg := h.runner.Registry()
	reg.Register(engine.NamespaceNode, "gated", func(ctx context.Context, state engine.State) (engine.State, error) {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		n, _ := state["n"].(float64)
		state["n"] = n + 1
		return nil, nil
	})
	graph := &engine.Graph{
		ID:         "gated",
		Entrypoint: "gated",
		Nodes:      map[string]engine.NodeSpec{"gated": {Name: "gated", Kind: engine.NodeKindComputation}},
		Edges: []engine.EdgeSpec{
			{Source: "gated", Target: engine.EndTarget, ConditionKey: "n", Operator: engine.OpGE, Value: 2},
			{Source: "gated", Target: "gated"},
		},
	}
	require.NoError(t, st.SaveGraph(context.Background(), graph))

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/runs/{id}/watch", h.HandleWatch)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	rec := postJSON(t, h.HandleRunAsync, "/api/v1/runs/async", RunRequest{
		GraphID:      "gated",
		InitialState: engine.State{"n": 0},
	})
	require.Equal(t, http.StatusAccepted, rec.Code)
	runID := decodeEnvelope(t, rec).Data.(map[string]any)["run_id"].(string)

	// Wait until the run's feed is live before attaching the watcher.
	require.Eventually(t, func() bool {
		return h.broker.lookup(runID) != nil
	}, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/runs/" + runID + "/watch"
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	defer conn.CloseNow()

	// Release both node executions.
	gate <- struct{}{}
	gate <- struct{}{}

	var steps int
	for {
		var ev WatchEvent
		require.NoError(t, wsjson.Read(ctx, conn, &ev))
		if ev.Type == "done" {
			assert.Equal(t, store.RunCompleted, ev.Status)
			break
		}
		steps++
		assert.Equal(t, "gated", ev.Step.Node)
	}
	assert.Equal(t, 2, steps)
}
