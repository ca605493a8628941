package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/leadflow/internal/engine"
	"github.com/rendis/leadflow/internal/logging"
	"github.com/rendis/leadflow/internal/store"
	"github.com/rendis/leadflow/internal/streaming"
	"github.com/rendis/leadflow/pkg/schema"
)

const (
	defaultQueryLimit = 50
	watchPoll         = time.Second
)

// handleSearch runs a search from criteria or a prompt. Async runs started by
// a session are watched and the session is notified when they end.
func (s *Server) handleSearch(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	criteria, hasCriteria := args["criteria"].(map[string]any)
	prompt := strings.TrimSpace(req.GetString("prompt", ""))

	switch {
	case hasCriteria && prompt != "":
		return mcp.NewToolResultError("provide either criteria or prompt, not both"), nil
	case !hasCriteria && prompt == "":
		return mcp.NewToolResultError("criteria or prompt is required"), nil
	}

	if req.GetBool("async", false) {
		var watch <-chan streaming.StreamEvent
		stopWatch := func() {}
		sessionID := sessionIDFrom(ctx)
		if sessionID != "" && s.hub != nil {
			// Subscribe before submitting so a fast run cannot finish unseen.
			ch, cancel, err := s.hub.Subscribe(context.WithoutCancel(ctx), streaming.EventFilter{EventTypes: terminalEvents})
			if err != nil {
				s.logger.WarnContext(ctx, "event subscription failed, watching by polling", slog.String("error", err.Error()))
			} else {
				watch, stopWatch = ch, cancel
			}
		}

		var id string
		var err error
		if prompt != "" {
			id, err = s.service.SubmitPrompt(ctx, prompt)
		} else {
			id, err = s.service.Submit(ctx, criteria)
		}
		if err != nil {
			stopWatch()
			return toolError(err), nil
		}

		if sessionID != "" {
			s.sessions.Register(id, sessionID)
			go s.watchRun(id, watch, stopWatch)
		} else {
			stopWatch()
		}
		s.logger.InfoContext(logging.WithRunID(ctx, id), "async run submitted", slog.String("session", sessionID))
		return marshalResult(map[string]any{"id": id, "status": schema.RunStatusActive})
	}

	var res *engine.ExecutionResult
	var err error
	if prompt != "" {
		res, err = s.service.RunPrompt(ctx, prompt)
	} else {
		res, err = s.service.Run(ctx, criteria)
	}
	if err != nil {
		return toolError(err), nil
	}
	return s.projected(ctx, req, res)
}

// handleStatus reports a run from memory, the in-flight set, or the audit store.
func (s *Server) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}

	if res, ok := s.service.Result(runID); ok {
		return s.projected(ctx, req, res)
	}
	if s.service.IsRunning(runID) {
		return marshalResult(map[string]any{"id": runID, "status": schema.RunStatusActive, "done": false})
	}
	if s.store == nil {
		return mcp.NewToolResultError(fmt.Sprintf("run %q not found", runID)), nil
	}

	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return toolError(err), nil
	}
	summary, err := store.NewEventLog(s.store).Summarize(ctx, runID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to summarize run: %v", err)), nil
	}
	return s.projected(ctx, req, map[string]any{"run": run, "steps": summary})
}

// handleQuery lists runs, events, or steps.
func (s *Server) handleQuery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	resource, err := req.RequireString("resource")
	if err != nil {
		return mcp.NewToolResultError("resource is required"), nil
	}
	filter, _ := req.GetArguments()["filter"].(map[string]any)

	switch resource {
	case "steps":
		return marshalResult(map[string]any{"steps": s.registry.List()})
	case "runs":
		return s.queryRuns(ctx, filter)
	case "events":
		return s.queryEvents(ctx, filter)
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown resource %q: must be runs, events, or steps", resource)), nil
	}
}

func (s *Server) queryRuns(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	out := map[string]any{"in_flight": s.service.InFlight()}
	if s.store == nil {
		out["runs"] = []*store.Run{}
		return marshalResult(out)
	}

	rf := store.RunFilter{
		Limit:  extractInt(filter, "limit", defaultQueryLimit),
		Offset: extractInt(filter, "offset", 0),
	}
	if st, ok := filter["status"].(string); ok && st != "" {
		status := schema.RunStatus(st)
		rf.Status = &status
	}
	since, err := extractTime(filter, "since")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	rf.Since = since

	runs, err := s.store.ListRuns(ctx, rf)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list runs: %v", err)), nil
	}
	if runs == nil {
		runs = []*store.Run{}
	}
	out["runs"] = runs
	return marshalResult(out)
}

func (s *Server) queryEvents(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	if s.store == nil {
		return mcp.NewToolResultError("audit store is disabled"), nil
	}

	runID, _ := filter["run_id"].(string)
	eventType, _ := filter["event_type"].(string)
	if runID == "" && eventType == "" {
		return mcp.NewToolResultError("filter.run_id or filter.event_type is required"), nil
	}

	var events []*store.Event
	var err error
	if eventType != "" {
		ef := store.EventFilter{RunID: runID, Limit: extractInt(filter, "limit", defaultQueryLimit)}
		ef.StepKey, _ = filter["step_key"].(string)
		if ef.Since, err = extractTime(filter, "since"); err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		events, err = s.store.GetEventsByType(ctx, eventType, ef)
	} else {
		events, err = s.store.GetEvents(ctx, runID, int64(extractInt(filter, "since", 0)))
	}
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to get events: %v", err)), nil
	}
	if events == nil {
		events = []*store.Event{}
	}
	return marshalResult(map[string]any{"events": events})
}

func (s *Server) handleCancel(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}
	if err := s.service.Cancel(runID); err != nil {
		return toolError(err), nil
	}
	s.logger.InfoContext(logging.WithRunID(ctx, runID), "run cancel requested")
	return marshalResult(map[string]any{"id": runID, "cancelled": true})
}

var terminalEvents = []string{
	schema.EventRunCompleted,
	schema.EventRunFailed,
	schema.EventRunStalled,
	schema.EventRunCancelled,
}

var statusByEvent = map[string]schema.RunStatus{
	schema.EventRunCompleted: schema.RunStatusCompleted,
	schema.EventRunFailed:    schema.RunStatusFailed,
	schema.EventRunStalled:   schema.RunStatusStalled,
	schema.EventRunCancelled: schema.RunStatusCancelled,
}

// watchRun waits for runID to end and notifies its session. events may be
// nil; the in-flight set is polled as well since the hub drops events for
// slow subscribers.
func (s *Server) watchRun(runID string, events <-chan streaming.StreamEvent, stop func()) {
	defer stop()
	ticker := time.NewTicker(watchPoll)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if ev.RunID == runID && ev.Terminal() {
				s.notifyFinished(runID, ev.EventType)
				return
			}
		case <-ticker.C:
			if !s.service.IsRunning(runID) {
				s.notifyFinished(runID, "")
				return
			}
		}
	}
}

func (s *Server) notifyFinished(runID, eventType string) {
	payload := map[string]any{"run_id": runID}
	if eventType != "" {
		payload["event"] = eventType
	}
	if res, ok := s.service.Result(runID); ok {
		payload["status"] = res.Status
		payload["done"] = res.Done
		if res.Error != "" {
			payload["error"] = res.Error
		}
	} else if status, ok := statusByEvent[eventType]; ok {
		payload["status"] = status
	}

	ctx := logging.WithRunID(context.Background(), runID)
	if err := s.notifier.Notify(ctx, runID, payload); err != nil {
		s.logger.WarnContext(ctx, "run notification failed", slog.String("error", err.Error()))
	}
}

// projected marshals v, applying the optional jq "query" argument. Projections
// that are not objects are wrapped as {"result": ...}.
func (s *Server) projected(ctx context.Context, req mcp.CallToolRequest, v any) (*mcp.CallToolResult, error) {
	q := strings.TrimSpace(req.GetString("query", ""))
	if q == "" {
		return marshalResult(v)
	}
	out, err := s.jq.Project(ctx, q, v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	if _, ok := out.(map[string]any); !ok {
		out = map[string]any{"result": out}
	}
	return marshalResult(out)
}

func sessionIDFrom(ctx context.Context) string {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		return session.SessionID()
	}
	return ""
}

// toolError renders a FlowError with its code so clients can branch on it.
func toolError(err error) *mcp.CallToolResult {
	var fe *schema.FlowError
	if errors.As(err, &fe) {
		return mcp.NewToolResultError(fmt.Sprintf("%s: %s", fe.Code, fe.Message))
	}
	return mcp.NewToolResultError(err.Error())
}

// extractInt reads an integer from a filter map, handling JSON float64 numbers.
func extractInt(filter map[string]any, key string, defaultVal int) int {
	if filter == nil {
		return defaultVal
	}
	v, ok := filter[key]
	if !ok {
		return defaultVal
	}
	switch val := v.(type) {
	case float64:
		return int(val)
	case int:
		return val
	case string:
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

// extractTime reads an optional RFC 3339 timestamp from a filter map.
func extractTime(filter map[string]any, key string) (*time.Time, error) {
	raw, ok := filter[key].(string)
	if !ok || raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, fmt.Errorf("invalid %s: %v", key, err)
	}
	return &t, nil
}

// marshalResult marshals v to JSON and returns it as a tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
