// Package httpapi serves the step service and the runs API over HTTP.
package httpapi

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/rendis/leadflow/internal/engine"
	"github.com/rendis/leadflow/internal/expressions"
	"github.com/rendis/leadflow/internal/metrics"
	"github.com/rendis/leadflow/internal/steps"
	"github.com/rendis/leadflow/internal/store"
	"github.com/rendis/leadflow/internal/streaming"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// InputValidator checks a step payload against the step's input schema.
type InputValidator interface {
	ValidateInput(input map[string]any, inputSchema []byte) error
}

// Deps holds the server's collaborators. Service and Registry are required;
// the rest switch features off when nil.
type Deps struct {
	Service   *engine.Service
	Registry  steps.StepRegistry
	Store     store.Store
	Validator InputValidator
	Hub       streaming.EventHub
	Metrics   *metrics.Collector
	Logger    *slog.Logger
}

// Server routes HTTP requests to the engine.
type Server struct {
	deps   Deps
	jq     *expressions.GoJQEngine
	router chi.Router
}

// NewServer builds the router.
func NewServer(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	s := &Server{deps: deps, jq: expressions.NewGoJQEngine()}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.observe)

	r.Get("/healthz", s.handleHealth)
	r.Get("/steps", s.handleListSteps)
	r.Post("/task/{key}", s.handleTask)
	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics.Handler())
	}

	r.Route("/runs", func(r chi.Router) {
		r.Post("/", s.handleStartRun)
		r.Get("/", s.handleListRuns)
		r.Get("/{id}", s.handleGetRun)
		r.Delete("/{id}", s.handleCancelRun)
		r.Get("/{id}/events", s.handleRunEvents)
		r.Get("/{id}/stream", s.handleRunStream)
	})

	s.router = r
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.router }

// observe logs each request and feeds the HTTP metrics.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		elapsed := time.Since(start)
		if s.deps.Metrics != nil {
			s.deps.Metrics.ObserveHTTP(r.Method, route, status, elapsed)
		}
		s.deps.Logger.DebugContext(r.Context(), "http request",
			slog.String("method", r.Method),
			slog.String("route", route),
			slog.Int("status", status),
			slog.Duration("elapsed", elapsed),
			slog.String("request_id", middleware.GetReqID(r.Context())))
	})
}
