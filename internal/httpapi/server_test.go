package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	backend "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/leadflow/internal/engine"
	"github.com/rendis/leadflow/internal/logging"
	"github.com/rendis/leadflow/internal/metrics"
	"github.com/rendis/leadflow/internal/steps"
	"github.com/rendis/leadflow/internal/store"
	"github.com/rendis/leadflow/internal/streaming"
	"github.com/rendis/leadflow/internal/validation"
	"github.com/rendis/leadflow/pkg/schema"
)

type fakeDiscovery struct {
	ids []string
}

func (d fakeDiscovery) FindCandidates(context.Context, steps.Query) ([]string, string, error) {
	return d.ids, "", nil
}

func (d fakeDiscovery) GetDetails(_ context.Context, id string) (*schema.PlaceDetails, error) {
	return &schema.PlaceDetails{ID: id, Name: "Place " + id, Rating: 4.5, ReviewCount: 100}, nil
}

type fakeParser struct{}

func (fakeParser) ParsePrompt(context.Context, string) (*schema.SearchCriteria, error) {
	return &schema.SearchCriteria{BusinessType: "cafe", Location: "Lisbon", TargetLeadCount: 1}, nil
}

type testEnv struct {
	srv     *httptest.Server
	svc     *engine.Service
	store   store.Store
	hub     *streaming.MemoryHub
	release chan struct{}
}

type envOptions struct {
	store bool
	// entry overrides the entry step, e.g. "hold".
	entry string
}

// newTestEnv wires the built-in steps over fakes, plus "echo", "boom" and a
// "hold" step that blocks until release is closed or the run is cancelled.
func newTestEnv(t *testing.T, opts envOptions) *testEnv {
	t.Helper()
	logger := logging.NewNop()
	v, err := validation.NewJSONSchemaValidator()
	require.NoError(t, err)

	reg := steps.NewRegistry()
	require.NoError(t, steps.RegisterBuiltins(reg, steps.Deps{
		Discovery: fakeDiscovery{ids: []string{"a", "b"}},
		Parser:    fakeParser{},
		Validator: v,
	}))
	release := make(chan struct{})
	require.NoError(t, reg.Register(steps.NewStepFunc("echo", "echo payload", func(_ context.Context, p any) (*schema.Envelope, error) {
		return schema.Finish(map[string]any{"echo": p}), nil
	})))
	require.NoError(t, reg.Register(steps.NewStepFunc("boom", "always fails", func(context.Context, any) (*schema.Envelope, error) {
		return nil, schema.NewError(schema.ErrCodeTransport, "upstream down").WithStep("boom")
	})))
	require.NoError(t, reg.Register(steps.NewStepFunc("hold", "blocks", func(ctx context.Context, _ any) (*schema.Envelope, error) {
		select {
		case <-release:
			return schema.Finish(nil), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})))

	var st store.Store
	if opts.store {
		mr := miniredis.RunT(t)
		client := backend.NewClient(&backend.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = client.Close() })
		st = store.NewRedisStoreFromClient(client)
	}
	hub := streaming.NewMemoryHub()
	var inner streaming.RunRecorder
	if st != nil {
		inner = st
	}
	collector := metrics.NewCollector("")

	cfg := engine.DefaultExecutorConfig()
	cfg.StepTimeout = 5 * time.Second
	if opts.entry != "" {
		cfg.EntryStep = opts.entry
	}
	exec := engine.NewExecutor(reg, cfg,
		engine.WithValidator(v),
		engine.WithLogger(logger),
		engine.WithObserver(collector),
		engine.WithRecorder(streaming.NewPublishingRecorder(inner, hub, logger)),
	)
	svc := engine.NewService(exec, 4, logger)
	t.Cleanup(svc.Shutdown)

	api := NewServer(Deps{
		Service:   svc,
		Registry:  reg,
		Store:     st,
		Validator: v,
		Hub:       hub,
		Metrics:   collector,
		Logger:    logger,
	})
	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, svc: svc, store: st, hub: hub, release: release}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var rdr *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(raw)
	} else {
		rdr = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rdr)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	var anyOut any
	if err := json.NewDecoder(resp.Body).Decode(&anyOut); err == nil {
		if m, ok := anyOut.(map[string]any); ok {
			out = m
		} else {
			out = map[string]any{"_": anyOut}
		}
	}
	return resp, out
}

func cafe(target int) map[string]any {
	return map[string]any{"businessType": "cafe", "location": "Lisbon", "targetLeadCount": target}
}

func TestHealthAndSteps(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	resp, body := env.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
	assert.EqualValues(t, 9, body["steps"])

	resp, body = env.do(t, http.MethodGet, "/steps", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	list := body["_"].([]any)
	assert.Len(t, list, 9)
}

func TestTask(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	t.Run("ok", func(t *testing.T) {
		resp, body := env.do(t, http.MethodPost, "/task/echo", map[string]any{"x": 1})
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, true, body["done"])
		assert.Equal(t, map[string]any{"echo": map[string]any{"x": 1.0}}, body["state"])
	})
	t.Run("unknown step", func(t *testing.T) {
		resp, body := env.do(t, http.MethodPost, "/task/nope", map[string]any{})
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
		assert.Equal(t, schema.ErrCodeStepUnavailable, body["code"])
	})
	t.Run("step error", func(t *testing.T) {
		resp, body := env.do(t, http.MethodPost, "/task/boom", map[string]any{})
		assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
		assert.Equal(t, schema.ErrCodeTransport, body["code"])
		assert.Equal(t, "boom", body["step"])
	})
	t.Run("input schema", func(t *testing.T) {
		resp, body := env.do(t, http.MethodPost, "/task/prompt", map[string]any{"prompt": ""})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Equal(t, schema.ErrCodeValidation, body["code"])
	})
	t.Run("builtin input step", func(t *testing.T) {
		resp, body := env.do(t, http.MethodPost, "/task/input", cafe(2))
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		next := body["next"].(map[string]any)
		assert.Equal(t, steps.KeyControl, next["key"])
	})
	t.Run("malformed body", func(t *testing.T) {
		req, err := http.NewRequest(http.MethodPost, env.srv.URL+"/task/echo", strings.NewReader("{"))
		require.NoError(t, err)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestStartRun_Sync(t *testing.T) {
	env := newTestEnv(t, envOptions{store: true})

	resp, body := env.do(t, http.MethodPost, "/runs", cafe(2))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "completed", body["status"])
	assert.Equal(t, true, body["done"])
	assert.Len(t, body["results"], 2)
	id := body["id"].(string)

	resp, body = env.do(t, http.MethodGet, "/runs/"+id+"?query=.results%20|%20length", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 2, body["_"])

	resp, body = env.do(t, http.MethodGet, "/runs/"+id+"/events", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	events := body["_"].([]any)
	require.NotEmpty(t, events)
	assert.Equal(t, schema.EventRunCreated, events[0].(map[string]any)["event_type"])

	resp, body = env.do(t, http.MethodGet, "/runs/"+id+"/events?summary=true", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, body["_"])

	resp, body = env.do(t, http.MethodGet, "/runs?status=completed", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	runs := body["runs"].([]any)
	require.Len(t, runs, 1)
	assert.Equal(t, id, runs[0].(map[string]any)["id"])
}

func TestStartRun_Prompt(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	resp, body := env.do(t, http.MethodPost, "/runs", map[string]any{"prompt": "a cafe in Lisbon"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "completed", body["status"])
	assert.Len(t, body["results"], 1)
}

func TestStartRun_ValidationError(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	resp, body := env.do(t, http.MethodPost, "/runs", map[string]any{"location": "Lisbon"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, schema.ErrCodeValidation, body["code"])

	resp, _ = env.do(t, http.MethodPost, "/runs?async=true", map[string]any{"businessType": "cafe"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStartRun_BadProjection(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	resp, _ := env.do(t, http.MethodPost, "/runs?query=.[", cafe(1))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAsyncRun(t *testing.T) {
	env := newTestEnv(t, envOptions{store: true})

	resp, body := env.do(t, http.MethodPost, "/runs?async=true", cafe(1))
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	id := body["id"].(string)
	assert.Equal(t, "/runs/"+id, resp.Header.Get("Location"))

	require.Eventually(t, func() bool {
		_, body := env.do(t, http.MethodGet, "/runs/"+id, nil)
		return body["status"] == "completed"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestCancelRun(t *testing.T) {
	env := newTestEnv(t, envOptions{store: true, entry: "hold"})

	resp, body := env.do(t, http.MethodPost, "/runs?async=true", cafe(1))
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	id := body["id"].(string)

	_, body = env.do(t, http.MethodGet, "/runs/"+id, nil)
	assert.Equal(t, "active", body["status"])
	assert.Equal(t, false, body["done"])

	resp, body = env.do(t, http.MethodDelete, "/runs/"+id, nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, true, body["cancelled"])

	require.Eventually(t, func() bool {
		_, body := env.do(t, http.MethodGet, "/runs/"+id, nil)
		return body["status"] == string(schema.RunStatusCancelled)
	}, 2*time.Second, 10*time.Millisecond)

	resp, _ = env.do(t, http.MethodDelete, "/runs/"+id, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestGetRun(t *testing.T) {
	env := newTestEnv(t, envOptions{store: true})

	resp, body := env.do(t, http.MethodGet, "/runs/missing", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, schema.ErrCodeNotFound, body["code"])

	resp, _ = env.do(t, http.MethodGet, "/runs/missing/events", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestEventsWithoutStore(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	resp, _ := env.do(t, http.MethodGet, "/runs/x/events", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	resp, body := env.do(t, http.MethodGet, "/runs", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, body["runs"])
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	env.do(t, http.MethodPost, "/runs", cafe(1))

	resp, err := http.Get(env.srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), `leadflow_runs_total{status="completed"} 1`)
	assert.Contains(t, buf.String(), `leadflow_http_requests_total{code="200",method="POST",route="/runs`)
}

func TestRunStream(t *testing.T) {
	env := newTestEnv(t, envOptions{entry: "hold"})

	id, err := env.svc.Submit(context.Background(), cafe(1))
	require.NoError(t, err)
	require.True(t, env.svc.IsRunning(id))

	resp, err := http.Get(env.srv.URL + "/runs/" + id + "/stream")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	close(env.release)

	var events []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		if line := scanner.Text(); strings.HasPrefix(line, "event: ") {
			events = append(events, strings.TrimPrefix(line, "event: "))
		}
	}
	require.NotEmpty(t, events)
	assert.Contains(t, []string{schema.EventRunCompleted, "end"}, events[len(events)-1])
	assert.Contains(t, events, schema.EventStepCompleted)
}

func TestRunStream_RunFinishedElsewhere(t *testing.T) {
	env := newTestEnv(t, envOptions{store: true})
	ctx := context.Background()

	// A run recorded by another process: unknown to this service, already terminal.
	require.NoError(t, env.store.CreateRun(ctx, &store.Run{
		ID:        "run-remote",
		Status:    schema.RunStatusCompleted,
		EntryStep: "input",
	}))
	require.False(t, env.svc.IsRunning("run-remote"))

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(env.srv.URL + "/runs/run-remote/stream")
	require.NoError(t, err)
	defer resp.Body.Close()

	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "event: end")
	assert.Contains(t, buf.String(), `"run_id":"run-remote"`)
}

func TestRunStream_FinishedRun(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	_, body := env.do(t, http.MethodPost, "/runs", cafe(1))
	id := body["id"].(string)

	resp, err := http.Get(env.srv.URL + "/runs/" + id + "/stream")
	require.NoError(t, err)
	defer resp.Body.Close()

	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "event: end")
}
