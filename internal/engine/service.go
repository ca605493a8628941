package engine

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/rendis/leadflow/pkg/schema"
)

// DefaultPoolSize is the default number of concurrent runs.
const DefaultPoolSize = 10

// defaultKeepResults bounds how many finished results the service keeps in memory.
const defaultKeepResults = 256

// Service runs independent lead searches concurrently on a bounded pool and
// tracks in-flight runs so they can be cancelled. Each run still executes
// strictly sequentially inside the Executor.
type Service struct {
	exec   *Executor
	pool   *WorkerPool
	logger *slog.Logger

	mu       sync.Mutex
	inflight map[string]context.CancelFunc
	finished map[string]*ExecutionResult
	order    []string
	keep     int
}

// NewService creates a service running at most poolSize runs at once.
func NewService(exec *Executor, poolSize int, logger *slog.Logger) *Service {
	if poolSize <= 0 {
		poolSize = DefaultPoolSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	pool := NewWorkerPool(poolSize)
	pool.PanicHandler = func(v any) {
		logger.Error("run panicked", slog.Any("panic", v))
	}
	return &Service{
		exec:     exec,
		pool:     pool,
		logger:   logger,
		inflight: make(map[string]context.CancelFunc),
		finished: make(map[string]*ExecutionResult),
		keep:     defaultKeepResults,
	}
}

// Executor returns the underlying executor.
func (s *Service) Executor() *Executor { return s.exec }

// Run validates criteria and runs a search to completion, waiting for a pool
// slot if needed. Cancelling ctx cancels the run.
func (s *Service) Run(ctx context.Context, criteria map[string]any) (*ExecutionResult, error) {
	if err := s.exec.ValidateCriteria(criteria); err != nil {
		return nil, err
	}
	return s.runSync(ctx, s.exec.Config().EntryStep, criteria)
}

// RunPrompt is Run for a free-text request.
func (s *Service) RunPrompt(ctx context.Context, prompt string) (*ExecutionResult, error) {
	if strings.TrimSpace(prompt) == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "prompt is empty")
	}
	return s.runSync(ctx, s.exec.Config().PromptStep, map[string]any{"prompt": prompt})
}

// Submit validates criteria and starts a search in the background, returning
// its run id. The run outlives ctx; use Cancel to stop it.
func (s *Service) Submit(ctx context.Context, criteria map[string]any) (string, error) {
	if err := s.exec.ValidateCriteria(criteria); err != nil {
		return "", err
	}
	return s.submit(ctx, s.exec.Config().EntryStep, criteria)
}

// SubmitPrompt is Submit for a free-text request.
func (s *Service) SubmitPrompt(ctx context.Context, prompt string) (string, error) {
	if strings.TrimSpace(prompt) == "" {
		return "", schema.NewError(schema.ErrCodeValidation, "prompt is empty")
	}
	return s.submit(ctx, s.exec.Config().PromptStep, map[string]any{"prompt": prompt})
}

func (s *Service) runSync(ctx context.Context, entry string, payload map[string]any) (*ExecutionResult, error) {
	storage := NewStorage(nil)
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.track(storage.ID, cancel)

	var res *ExecutionResult
	var runErr error
	done := make(chan struct{})
	err := s.pool.Submit(runCtx, func(ctx context.Context) error {
		defer close(done)
		defer s.untrack(storage.ID)
		res, runErr = s.exec.Run(ctx, storage, entry, payload)
		s.complete(storage.ID, res)
		return runErr
	})
	if err != nil {
		s.untrack(storage.ID)
		return nil, poolError(err)
	}
	<-done
	if res == nil && runErr == nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "run aborted unexpectedly")
	}
	return res, runErr
}

func (s *Service) submit(ctx context.Context, entry string, payload map[string]any) (string, error) {
	storage := NewStorage(nil)
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.track(storage.ID, cancel)

	err := s.pool.TrySubmit(runCtx, func(ctx context.Context) error {
		defer cancel()
		defer s.untrack(storage.ID)
		res, err := s.exec.Run(ctx, storage, entry, payload)
		s.complete(storage.ID, res)
		if err != nil {
			s.logger.ErrorContext(ctx, "background run failed to start", slog.String("error", err.Error()))
		}
		return err
	})
	if err != nil {
		cancel()
		s.untrack(storage.ID)
		return "", poolError(err)
	}
	return storage.ID, nil
}

// Cancel cancels an in-flight run. Returns NOT_FOUND when the run is not in flight.
func (s *Service) Cancel(runID string) error {
	s.mu.Lock()
	cancel, ok := s.inflight[runID]
	s.mu.Unlock()
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "run %q is not in flight", runID)
	}
	cancel()
	return nil
}

// InFlight returns the ids of runs currently executing, sorted.
func (s *Service) InFlight() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.inflight))
	for id := range s.inflight {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// IsRunning reports whether the run is in flight.
func (s *Service) IsRunning(runID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.inflight[runID]
	return ok
}

// Result returns a recently finished result kept in memory.
func (s *Service) Result(runID string) (*ExecutionResult, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, ok := s.finished[runID]
	return res, ok
}

// Metrics returns the pool metrics.
func (s *Service) Metrics() PoolMetrics { return s.pool.Metrics() }

// Shutdown cancels every in-flight run and waits for them to finish.
func (s *Service) Shutdown() {
	s.mu.Lock()
	for _, cancel := range s.inflight {
		cancel()
	}
	s.mu.Unlock()
	s.pool.Shutdown()
}

func (s *Service) track(runID string, cancel context.CancelFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inflight[runID] = cancel
}

func (s *Service) untrack(runID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inflight, runID)
}

func (s *Service) complete(runID string, res *ExecutionResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inflight, runID)
	if res == nil {
		return
	}
	s.finished[runID] = res
	s.order = append(s.order, runID)
	for len(s.order) > s.keep {
		delete(s.finished, s.order[0])
		s.order = s.order[1:]
	}
}

func poolError(err error) error {
	switch err {
	case ErrPoolFull:
		return schema.NewError(schema.ErrCodeStepUnavailable, "too many concurrent runs").WithCause(err)
	case ErrPoolShutdown:
		return schema.NewError(schema.ErrCodeStepUnavailable, "service is shutting down").WithCause(err)
	}
	return schema.NewErrorf(schema.ErrCodeCancelled, "run not started: %v", err).WithCause(err)
}
