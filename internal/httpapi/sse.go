package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/rendis/leadflow/internal/streaming"
)

// streamPoll is how often a stream checks whether its run ended unseen.
const streamPoll = 500 * time.Millisecond

// handleRunStream streams a run's events as Server-Sent Events until the run
// ends or the client goes away.
func (s *Server) handleRunStream(w http.ResponseWriter, r *http.Request) {
	if s.deps.Hub == nil {
		writeError(w, http.StatusServiceUnavailable, fmt.Errorf("event streaming is disabled"))
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, fmt.Errorf("streaming not supported"))
		return
	}
	id := chi.URLParam(r, "id")
	ctx := r.Context()

	ch, cancel, err := s.deps.Hub.Subscribe(ctx, streaming.EventFilter{RunID: id})
	if err != nil {
		s.deps.Logger.ErrorContext(ctx, "stream subscribe failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	end := func() {
		fmt.Fprintf(w, "event: end\ndata: {\"run_id\":%q}\n\n", id)
		flusher.Flush()
	}
	if s.finished(ctx, id) {
		end()
		return
	}

	ticker := time.NewTicker(streamPoll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// The terminal event may have been published before we subscribed.
			if s.finished(ctx, id) {
				end()
				return
			}
		case ev, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.EventType, data)
			flusher.Flush()
			if ev.Terminal() {
				return
			}
		}
	}
}

// finished reports whether run id has ended. Runs executed by another
// process are looked up in the store when one is configured.
func (s *Server) finished(ctx context.Context, id string) bool {
	if s.deps.Service.IsRunning(id) {
		return false
	}
	if _, ok := s.deps.Service.Result(id); ok {
		return true
	}
	if s.deps.Store == nil {
		return false
	}
	run, err := s.deps.Store.GetRun(ctx, id)
	if err != nil {
		return false
	}
	return run.Status.Terminal()
}
