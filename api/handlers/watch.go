package handlers

import (
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"

	"github.com/BaSui01/flowforge/engine"
	"github.com/BaSui01/flowforge/store"
)

// WatchEvent is one message on the run watch stream. Type is "step" for a
// step record and "done" when the run reaches a terminal status.
type WatchEvent struct {
	Type   string             `json:"type"`
	Step   *engine.StepRecord `json:"step,omitempty"`
	Status store.RunStatus    `json:"status,omitempty"`
	Reason string             `json:"termination_reason,omitempty"`
	Error  string             `json:"error,omitempty"`
}

// RunBroker fans step records out from in-flight runs to WebSocket
// watchers. Feeds live only as long as the run executes; terminal runs are
// served from the store instead.
type RunBroker struct {
	mu    sync.Mutex
	feeds map[string]*RunFeed
}

// NewRunBroker creates an empty broker.
func NewRunBroker() *RunBroker {
	return &RunBroker{feeds: make(map[string]*RunFeed)}
}

// RunFeed is the live stream for one run.
type RunFeed struct {
	broker *RunBroker
	runID  string

	mu      sync.Mutex
	subs    map[chan WatchEvent]struct{}
	history []engine.StepRecord
	final   *WatchEvent
}

// Open registers a feed for a run, or returns the existing one. Feeds are
// opened at submission time so watchers can attach before the run starts
// executing.
func (b *RunBroker) Open(runID string) *RunFeed {
	b.mu.Lock()
	defer b.mu.Unlock()

	if feed, ok := b.feeds[runID]; ok {
		return feed
	}
	feed := &RunFeed{
		broker: b,
		runID:  runID,
		subs:   make(map[chan WatchEvent]struct{}),
	}
	b.feeds[runID] = feed
	return feed
}

func (b *RunBroker) lookup(runID string) *RunFeed {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.feeds[runID]
}

// Publish appends a step record and notifies subscribers. Slow watchers
// skip records rather than stalling the run.
func (f *RunFeed) Publish(rec engine.StepRecord) {
	event := WatchEvent{Type: "step", Step: &rec}

	f.mu.Lock()
	f.history = append(f.history, rec)
	for ch := range f.subs {
		select {
		case ch <- event:
		default:
		}
	}
	f.mu.Unlock()
}

// Finish marks the run terminal, delivers the final event, and removes
// the feed from the broker.
func (f *RunFeed) Finish(status store.RunStatus, reason engine.TerminationReason, errMsg string) {
	event := WatchEvent{
		Type:   "done",
		Status: status,
		Reason: string(reason),
		Error:  errMsg,
	}

	f.mu.Lock()
	f.final = &event
	for ch := range f.subs {
		select {
		case ch <- event:
		default:
		}
		close(ch)
	}
	f.subs = make(map[chan WatchEvent]struct{})
	f.mu.Unlock()

	f.broker.mu.Lock()
	delete(f.broker.feeds, f.runID)
	f.broker.mu.Unlock()
}

// subscribe returns the step history so far and a channel for subsequent
// events. The channel is closed after the "done" event. cancel must be
// called when the watcher goes away.
func (f *RunFeed) subscribe() (history []engine.StepRecord, events <-chan WatchEvent, cancel func()) {
	// Buffer sized for the final event plus a burst of steps.
	ch := make(chan WatchEvent, 64)

	f.mu.Lock()
	history = append([]engine.StepRecord(nil), f.history...)
	if f.final != nil {
		ch <- *f.final
		close(ch)
		f.mu.Unlock()
		return history, ch, func() {}
	}
	f.subs[ch] = struct{}{}
	f.mu.Unlock()

	return history, ch, func() {
		f.mu.Lock()
		delete(f.subs, ch)
		f.mu.Unlock()
	}
}

// HandleWatch serves GET /api/v1/runs/{id}/watch. It upgrades to a
// WebSocket and streams step records: live ones for in-flight runs, the
// persisted trail for terminal runs.
func (h *RunsHandler) HandleWatch(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")

	feed := h.broker.lookup(runID)
	var (
		history []engine.StepRecord
		events  <-chan WatchEvent
		cancel  func()
	)

	if feed != nil {
		history, events, cancel = feed.subscribe()
		defer cancel()
	} else {
		// No live feed: replay from the store.
		run, err := h.runs.GetRun(r.Context(), runID)
		if err != nil {
			WriteErrorFromErr(w, err, h.logger)
			return
		}
		history = run.Steps
		done := make(chan WatchEvent, 1)
		done <- WatchEvent{
			Type:   "done",
			Status: run.Status,
			Reason: string(run.Reason),
			Error:  run.Error,
		}
		close(done)
		events = done
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket accept failed", zap.String("run_id", runID), zap.Error(err))
		return
	}
	defer conn.CloseNow()

	ctx := r.Context()
	for i := range history {
		if err := wsjson.Write(ctx, conn, WatchEvent{Type: "step", Step: &history[i]}); err != nil {
			return
		}
	}

	for {
		select {
		case event, ok := <-events:
			if !ok {
				conn.Close(websocket.StatusNormalClosure, "run finished")
				return
			}
			if err := wsjson.Write(ctx, conn, event); err != nil {
				return
			}
			if event.Type == "done" {
				conn.Close(websocket.StatusNormalClosure, "run finished")
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
