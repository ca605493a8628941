package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/rendis/leadflow/internal/engine"
	"github.com/rendis/leadflow/internal/logging"
	"github.com/rendis/leadflow/internal/store"
	"github.com/rendis/leadflow/pkg/schema"
)

const defaultListLimit = 50

var errStoreDisabled = schema.NewError(schema.ErrCodeStepUnavailable, "audit store is disabled")

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"in_flight": len(s.deps.Service.InFlight()),
		"steps":     len(s.deps.Registry.List()),
	})
}

func (s *Server) handleListSteps(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Registry.List())
}

// handleTask invokes one registered step with the request body as payload and
// returns its envelope.
func (s *Server) handleTask(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	ctx := logging.WithStepKey(r.Context(), key)

	step, err := s.deps.Registry.Get(key)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}

	var payload any
	if err := decodeBody(r, w, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	if info := step.Describe(); len(info.InputSchema) > 0 && s.deps.Validator != nil {
		input, ok := payload.(map[string]any)
		if !ok {
			writeError(w, http.StatusBadRequest, schema.NewError(schema.ErrCodeValidation, "payload must be a JSON object").WithStep(key))
			return
		}
		if err := s.deps.Validator.ValidateInput(input, info.InputSchema); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}

	if timeout := s.deps.Service.Executor().Config().StepTimeout; timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	env, err := step.Invoke(ctx, payload)
	if err == nil && env == nil {
		err = schema.NewError(schema.ErrCodeStepFailed, "step returned no envelope").WithStep(key)
	}
	if err != nil {
		s.deps.Logger.WarnContext(ctx, "task failed", slog.String("error", err.Error()))
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, env)
}

// handleStartRun starts a run from criteria, or from {"prompt": "..."}.
// With ?async=true it returns 202 and the run id immediately.
func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	if err := decodeBody(r, w, &body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	prompt, isPrompt := promptOf(body)
	ctx := r.Context()

	if queryBool(r, "async") {
		var id string
		var err error
		if isPrompt {
			id, err = s.deps.Service.SubmitPrompt(ctx, prompt)
		} else {
			id, err = s.deps.Service.Submit(ctx, body)
		}
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		w.Header().Set("Location", "/runs/"+id)
		writeJSON(w, http.StatusAccepted, map[string]any{"id": id, "status": schema.RunStatusActive})
		return
	}

	var res *engine.ExecutionResult
	var err error
	if isPrompt {
		res, err = s.deps.Service.RunPrompt(ctx, prompt)
	} else {
		res, err = s.deps.Service.Run(ctx, body)
	}
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	s.writeProjected(w, r, res)
}

func promptOf(body map[string]any) (string, bool) {
	if len(body) != 1 {
		return "", false
	}
	p, ok := body["prompt"].(string)
	return p, ok
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	out := map[string]any{"in_flight": s.deps.Service.InFlight()}
	if s.deps.Store == nil {
		out["runs"] = []*store.Run{}
		writeJSON(w, http.StatusOK, out)
		return
	}

	filter := store.RunFilter{
		Limit:  queryInt(r, "limit", defaultListLimit),
		Offset: queryInt(r, "offset", 0),
	}
	if st := strings.TrimSpace(r.URL.Query().Get("status")); st != "" {
		status := schema.RunStatus(st)
		filter.Status = &status
	}
	runs, err := s.deps.Store.ListRuns(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if runs == nil {
		runs = []*store.Run{}
	}
	out["runs"] = runs
	writeJSON(w, http.StatusOK, out)
}

// handleGetRun serves a finished result from memory when available, then the
// in-flight marker, then the audit record.
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if res, ok := s.deps.Service.Result(id); ok {
		s.writeProjected(w, r, res)
		return
	}
	if s.deps.Service.IsRunning(id) {
		writeJSON(w, http.StatusOK, map[string]any{"id": id, "status": schema.RunStatusActive, "done": false})
		return
	}
	if s.deps.Store == nil {
		writeError(w, http.StatusNotFound, schema.NewErrorf(schema.ErrCodeNotFound, "run %q not found", id))
		return
	}
	run, err := s.deps.Store.GetRun(r.Context(), id)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	s.writeProjected(w, r, run)
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.deps.Service.Cancel(id); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	s.deps.Logger.InfoContext(logging.WithRunID(r.Context(), id), "run cancel requested")
	writeJSON(w, http.StatusAccepted, map[string]any{"id": id, "cancelled": true})
}

// handleRunEvents lists a run's audit events after ?since=<sequence>, or the
// per-step summary with ?summary=true.
func (s *Server) handleRunEvents(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store == nil {
		writeError(w, http.StatusServiceUnavailable, errStoreDisabled)
		return
	}
	id := chi.URLParam(r, "id")
	ctx := r.Context()

	if _, err := s.deps.Store.GetRun(ctx, id); err != nil {
		writeError(w, statusFor(err), err)
		return
	}

	if queryBool(r, "summary") {
		summary, err := store.NewEventLog(s.deps.Store).Summarize(ctx, id)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, summary)
		return
	}

	var since int64
	if v := r.URL.Query().Get("since"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, schema.NewErrorf(schema.ErrCodeValidation, "invalid since %q", v))
			return
		}
		since = n
	}
	events, err := s.deps.Store.GetEvents(ctx, id, since)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if events == nil {
		events = []*store.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

// writeProjected writes v, applying the ?query= jq expression when present.
func (s *Server) writeProjected(w http.ResponseWriter, r *http.Request, v any) {
	q := strings.TrimSpace(r.URL.Query().Get("query"))
	if q == "" {
		writeJSON(w, http.StatusOK, v)
		return
	}
	out, err := s.jq.Project(r.Context(), q, v)
	if err != nil {
		status := http.StatusBadRequest
		var fe *schema.FlowError
		if !errors.As(err, &fe) {
			status = http.StatusInternalServerError
		}
		writeError(w, status, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}
