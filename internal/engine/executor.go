package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/rendis/leadflow/internal/expressions"
	"github.com/rendis/leadflow/internal/logging"
	"github.com/rendis/leadflow/internal/steps"
	"github.com/rendis/leadflow/internal/store"
	"github.com/rendis/leadflow/pkg/schema"
)

const (
	// DefaultStepTimeout bounds a single step invocation.
	DefaultStepTimeout = 30 * time.Second
	// DefaultMaxSteps bounds the number of step invocations in one run.
	DefaultMaxSteps = 1000
)

// ExecutorConfig holds configuration for the executor.
type ExecutorConfig struct {
	StepTimeout time.Duration
	MaxSteps    int
	// EntryStep receives the seed criteria. Defaults to "input".
	EntryStep string
	// PromptStep receives free-text requests. Defaults to "prompt".
	PromptStep string
	// SortResults orders final results by score, highest first.
	SortResults    bool
	CircuitBreaker *CircuitBreakerConfig // nil = defaults
}

// DefaultExecutorConfig returns the default executor configuration.
func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		StepTimeout: DefaultStepTimeout,
		MaxSteps:    DefaultMaxSteps,
		EntryStep:   steps.KeyInput,
		PromptStep:  steps.KeyPrompt,
		SortResults: true,
	}
}

// ExecutionResult is the outcome of one run.
type ExecutionResult struct {
	RunID       string           `json:"id"`
	Status      schema.RunStatus `json:"status"`
	Done        bool             `json:"done"`
	Error       string           `json:"error,omitempty"`
	Code        string           `json:"-"`
	Storage     *Storage         `json:"-"`
	StartedAt   time.Time        `json:"-"`
	CompletedAt time.Time        `json:"-"`
}

// Output renders the final run document:
// {id, status, done, error, state, results, metadata}.
func (r *ExecutionResult) Output() map[string]any {
	snap := r.Storage.Snapshot()
	var errVal any
	if r.Error != "" {
		errVal = r.Error
	}
	return map[string]any{
		"id":       r.RunID,
		"status":   string(r.Status),
		"done":     r.Done,
		"error":    errVal,
		"state":    snap["state"],
		"results":  snap["results"],
		"metadata": snap["metadata"],
	}
}

// MarshalJSON encodes the result as its Output document.
func (r *ExecutionResult) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.Output())
}

// Option configures an Executor.
type Option func(*Executor)

// WithRecorder sets the audit recorder.
func WithRecorder(rec Recorder) Option {
	return func(e *Executor) { e.recorder = rec }
}

// WithObserver sets the metrics observer.
func WithObserver(obs Observer) Option {
	return func(e *Executor) {
		if obs != nil {
			e.observer = obs
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Executor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithValidator sets the validator applied to seed criteria by Start.
func WithValidator(v steps.CriteriaValidator) Option {
	return func(e *Executor) { e.validator = v }
}

// WithBreakers shares a circuit breaker registry across executors.
func WithBreakers(b *CircuitBreakerRegistry) Option {
	return func(e *Executor) {
		if b != nil {
			e.breakers = b
		}
	}
}

// Executor drives runs: it resolves each step's payload against central
// storage, invokes the step, folds the envelope back in and follows the
// envelope's next pointer until the run terminates.
type Executor struct {
	steps     steps.StepRegistry
	validator steps.CriteriaValidator
	recorder  Recorder
	observer  Observer
	logger    *slog.Logger
	breakers  *CircuitBreakerRegistry
	config    ExecutorConfig
	now       func() time.Time
}

// NewExecutor creates an executor over the given step registry.
func NewExecutor(registry steps.StepRegistry, cfg ExecutorConfig, opts ...Option) *Executor {
	def := DefaultExecutorConfig()
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = def.StepTimeout
	}
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = def.MaxSteps
	}
	if cfg.EntryStep == "" {
		cfg.EntryStep = def.EntryStep
	}
	if cfg.PromptStep == "" {
		cfg.PromptStep = def.PromptStep
	}
	cbConfig := DefaultCircuitBreakerConfig()
	if cfg.CircuitBreaker != nil {
		cbConfig = *cfg.CircuitBreaker
	}

	e := &Executor{
		steps:    registry,
		observer: NopObserver{},
		logger:   slog.Default(),
		breakers: NewCircuitBreakerRegistry(cbConfig),
		config:   cfg,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Config returns the effective configuration.
func (e *Executor) Config() ExecutorConfig { return e.config }

// Breakers returns the circuit breaker registry.
func (e *Executor) Breakers() *CircuitBreakerRegistry { return e.breakers }

// ValidateCriteria checks seed criteria without starting a run.
func (e *Executor) ValidateCriteria(criteria map[string]any) error {
	_, err := steps.CheckCriteria(e.validator, criteria)
	return err
}

// Start validates criteria and runs a new lead search to completion.
// Validation errors are returned before any storage exists.
func (e *Executor) Start(ctx context.Context, criteria map[string]any) (*ExecutionResult, error) {
	if err := e.ValidateCriteria(criteria); err != nil {
		return nil, err
	}
	return e.Run(ctx, NewStorage(nil), e.config.EntryStep, criteria)
}

// StartPrompt runs a new lead search from a free-text request.
func (e *Executor) StartPrompt(ctx context.Context, prompt string) (*ExecutionResult, error) {
	if strings.TrimSpace(prompt) == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "prompt is empty")
	}
	return e.Run(ctx, NewStorage(nil), e.config.PromptStep, map[string]any{"prompt": prompt})
}

// Run drives storage from the step named key until the run terminates.
// Step failures end the run and are reported in the result (done with an
// error), not as an error; the returned error is reserved for invalid
// arguments. Only a stalled run reports done=false.
func (e *Executor) Run(ctx context.Context, storage *Storage, key string, payload map[string]any) (*ExecutionResult, error) {
	if storage == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "storage is required")
	}
	if key == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "entry step key is required")
	}

	ctx = logging.WithRunID(ctx, storage.ID)
	run := e.newRunTracker(ctx, storage, key, payload)
	storage.markStarted(run.startedAt)
	run.activate(ctx)

	e.logger.InfoContext(ctx, "run started", slog.String("entry_step", key))

	current, args := key, payload
	invocations := 0
	for {
		if err := ctx.Err(); err != nil {
			return run.finish(ctx, schema.RunStatusCancelled, cancelError(err)), nil
		}
		if invocations >= e.config.MaxSteps {
			err := schema.NewErrorf(schema.ErrCodeStepBudget,
				"step budget of %d invocations exhausted", e.config.MaxSteps).WithStep(current)
			return run.finish(ctx, schema.RunStatusFailed, err), nil
		}
		invocations++

		env, err := e.invoke(ctx, run, current, args)
		if err != nil {
			if ctx.Err() != nil {
				return run.finish(ctx, schema.RunStatusCancelled, cancelError(ctx.Err())), nil
			}
			return run.finish(ctx, schema.RunStatusFailed, err), nil
		}

		storage.Apply(env)

		switch {
		case env.Error != "":
			// An error ends the run whether or not the step also set done.
			return run.finish(ctx, schema.RunStatusFailed, envelopeError(env, current)), nil
		case env.Done:
			return run.finish(ctx, schema.RunStatusCompleted, nil), nil
		case env.HasNext():
			current, args = env.Next.Key, env.Next.Payload
		default:
			e.logger.WarnContext(ctx, "run stalled: step returned neither done nor next",
				slog.String("step_key", current))
			return run.finish(ctx, schema.RunStatusStalled,
				schema.NewError(schema.ErrCodeExecution, "step returned neither done nor next").WithStep(current)), nil
		}
	}
}

// invoke resolves the payload, guards the step with its breaker and timeout
// and returns the step's envelope.
func (e *Executor) invoke(ctx context.Context, run *runTracker, key string, payload map[string]any) (*schema.Envelope, error) {
	stepCtx := logging.WithStepKey(ctx, key)

	step, err := e.steps.Get(key)
	if err != nil {
		run.event(stepCtx, key, schema.EventStepFailed, failurePayload(err))
		return nil, err
	}
	if err := e.breakers.AllowRequest(key); err != nil {
		run.event(stepCtx, key, schema.EventStepFailed, failurePayload(err))
		return nil, err
	}

	resolved := expressions.Resolve(payload, run.storage.State)

	run.event(stepCtx, key, schema.EventStepInvoked, nil)
	e.observer.StepStarted(key)
	e.logger.DebugContext(stepCtx, "invoking step")

	start := e.now()
	env, err := e.call(stepCtx, step, key, resolved)
	elapsed := e.now().Sub(start)
	e.observer.StepFinished(key, elapsed, err)

	if err != nil {
		if ctx.Err() == nil {
			e.recordFailure(stepCtx, run, key)
		}
		e.logger.ErrorContext(stepCtx, "step failed",
			slog.String("error", err.Error()),
			slog.Duration("elapsed", elapsed))
		run.event(stepCtx, key, schema.EventStepFailed, failurePayload(err))
		return nil, err
	}

	e.breakers.RecordSuccess(key)
	run.event(stepCtx, key, schema.EventStepCompleted, completionPayload(env, elapsed))
	return env, nil
}

type stepOutcome struct {
	env *schema.Envelope
	err error
}

// call invokes the step under the step timeout. The step runs in its own
// goroutine so a step that ignores its context still cannot hold the run past
// the deadline. An envelope already returned wins over a deadline that fired at
// the same time. Panics become step errors.
func (e *Executor) call(ctx context.Context, step steps.Step, key string, payload any) (*schema.Envelope, error) {
	stepCtx, cancel := context.WithTimeout(ctx, e.config.StepTimeout)
	defer cancel()

	done := make(chan stepOutcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- stepOutcome{err: schema.NewErrorf(schema.ErrCodeStepFailed, "step panicked: %v", r).WithStep(key)}
			}
		}()
		env, err := step.Invoke(stepCtx, payload)
		done <- stepOutcome{env: env, err: err}
	}()

	var out stepOutcome
	select {
	case out = <-done:
	case <-stepCtx.Done():
		select {
		case out = <-done:
		default:
			if ctx.Err() != nil {
				return nil, cancelError(ctx.Err()).WithStep(key)
			}
			return nil, timeoutError(key, e.config.StepTimeout, stepCtx.Err())
		}
	}
	if out.err != nil {
		if errors.Is(out.err, context.DeadlineExceeded) && ctx.Err() == nil && schema.CodeOf(out.err) != schema.ErrCodeTimeout {
			return nil, timeoutError(key, e.config.StepTimeout, out.err)
		}
		return nil, out.err
	}
	if out.env == nil {
		return nil, schema.NewError(schema.ErrCodeStepFailed, "step returned no envelope").WithStep(key)
	}
	return out.env, nil
}

// recordFailure feeds the breaker and reports a newly opened circuit.
func (e *Executor) recordFailure(ctx context.Context, run *runTracker, key string) {
	if e.breakers.RecordFailure(key) != CircuitOpen {
		return
	}
	stats := e.breakers.GetStats(key)
	e.observer.CircuitOpened(key)
	e.logger.WarnContext(ctx, "circuit breaker opened",
		slog.Any("consecutive_failures", stats["consecutive_failures"]))
	run.event(ctx, key, schema.EventCircuitBreakerOpen, stats)
}

func timeoutError(key string, timeout time.Duration, cause error) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeTimeout, "step timed out after %s", timeout).
		WithStep(key).
		WithCause(cause)
}

func cancelError(cause error) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeCancelled, "run cancelled: %v", cause).WithCause(cause)
}

func failurePayload(err error) map[string]any {
	return map[string]any{"error": err.Error(), "code": schema.CodeOf(err)}
}

func completionPayload(env *schema.Envelope, elapsed time.Duration) map[string]any {
	p := map[string]any{
		"done":        env.Done,
		"has_result":  env.Result != nil,
		"duration_ms": elapsed.Milliseconds(),
	}
	if env.HasNext() {
		p["next"] = env.Next.Key
	}
	if len(env.State) > 0 {
		keys := make([]string, 0, len(env.State))
		for k := range env.State {
			keys = append(keys, k)
		}
		p["state_keys"] = keys
	}
	if env.Error != "" {
		p["error"] = env.Error
	}
	return p
}

// runTracker carries per-run bookkeeping: the audit recorder (nil once it has
// failed to create the run record) and the lifecycle FSM.
type runTracker struct {
	e         *Executor
	storage   *Storage
	recorder  Recorder
	fsm       *RunFSM
	status    schema.RunStatus
	startedAt time.Time
}

func (e *Executor) newRunTracker(ctx context.Context, storage *Storage, entry string, input map[string]any) *runTracker {
	t := &runTracker{e: e, storage: storage, status: schema.RunStatusPending, startedAt: e.now()}
	if e.recorder != nil {
		err := e.recorder.CreateRun(context.WithoutCancel(ctx), &store.Run{
			ID:        storage.ID,
			Status:    schema.RunStatusPending,
			EntryStep: entry,
			Input:     input,
			CreatedAt: storage.Metadata.CreatedAt,
		})
		if err != nil {
			e.logger.WarnContext(ctx, "audit: create run failed", slog.String("error", err.Error()))
		} else {
			t.recorder = e.recorder
			_ = t.recorder.AppendEvent(context.WithoutCancel(ctx), &store.Event{RunID: storage.ID, Type: schema.EventRunCreated})
		}
	}
	var appender EventAppender
	if t.recorder != nil {
		appender = t.recorder
	}
	t.fsm = NewRunFSM(appender)
	return t
}

func (t *runTracker) activate(ctx context.Context) {
	t.transition(ctx, schema.RunStatusActive, nil)
	if t.recorder != nil {
		started := t.startedAt.UTC()
		status := schema.RunStatusActive
		if err := t.recorder.UpdateRun(context.WithoutCancel(ctx), t.storage.ID, store.RunUpdate{
			Status: &status, StartedAt: &started,
		}); err != nil {
			t.e.logger.WarnContext(ctx, "audit: update run failed", slog.String("error", err.Error()))
		}
	}
}

func (t *runTracker) transition(ctx context.Context, to schema.RunStatus, payload map[string]any) {
	if err := t.fsm.Transition(context.WithoutCancel(ctx), t.storage.ID, t.status, to, payload); err != nil {
		if schema.CodeOf(err) == schema.ErrCodeInvalidTransition {
			t.e.logger.ErrorContext(ctx, "run transition rejected", slog.String("error", err.Error()))
			return
		}
		t.e.logger.WarnContext(ctx, "audit: run event failed", slog.String("error", err.Error()))
	}
	t.status = to
}

// event appends a best-effort audit event.
func (t *runTracker) event(ctx context.Context, stepKey, eventType string, payload map[string]any) {
	if t.recorder == nil {
		return
	}
	ev := &store.Event{RunID: t.storage.ID, StepKey: stepKey, Type: eventType}
	if len(payload) > 0 {
		ev.Payload, _ = json.Marshal(payload)
	}
	if err := t.recorder.AppendEvent(context.WithoutCancel(ctx), ev); err != nil {
		t.e.logger.WarnContext(ctx, "audit: append event failed",
			slog.String("event_type", eventType),
			slog.String("error", err.Error()))
	}
}

// finish ends the run. Every outcome except a stall reports done; failures
// carry their error.
func (t *runTracker) finish(ctx context.Context, status schema.RunStatus, cause error) *ExecutionResult {
	e := t.e
	if e.config.SortResults {
		t.storage.SortResultsByScore()
	}
	completedAt := e.now()
	res := &ExecutionResult{
		RunID:       t.storage.ID,
		Status:      status,
		Done:        status != schema.RunStatusStalled,
		Storage:     t.storage,
		StartedAt:   t.startedAt,
		CompletedAt: completedAt,
	}
	if cause != nil {
		res.Error = cause.Error()
		res.Code = schema.CodeOf(cause)
	}

	payload := map[string]any{
		"execution_total": t.storage.Metadata.ExecutionTotal,
		"results":         len(t.storage.Results),
	}
	if res.Error != "" {
		payload["error"] = res.Error
		payload["code"] = res.Code
	}
	t.transition(ctx, status, payload)
	t.persist(ctx, res)

	elapsed := completedAt.Sub(t.startedAt)
	e.observer.RunFinished(status, elapsed, len(t.storage.Results))

	attrs := []any{
		slog.String("status", string(status)),
		slog.Int("execution_total", t.storage.Metadata.ExecutionTotal),
		slog.Int("results", len(t.storage.Results)),
		slog.Duration("elapsed", elapsed),
	}
	switch status {
	case schema.RunStatusFailed:
		e.logger.ErrorContext(ctx, "run failed", append(attrs, slog.String("error", res.Error))...)
	case schema.RunStatusStalled:
		e.logger.WarnContext(ctx, "run stalled", attrs...)
	default:
		e.logger.InfoContext(ctx, "run finished", attrs...)
	}
	return res
}

func (t *runTracker) persist(ctx context.Context, res *ExecutionResult) {
	if t.recorder == nil {
		return
	}
	output, err := json.Marshal(res.Output())
	if err != nil {
		t.e.logger.WarnContext(ctx, "audit: marshal output failed", slog.String("error", err.Error()))
		output = nil
	}
	total := t.storage.Metadata.ExecutionTotal
	results := len(t.storage.Results)
	completed := res.CompletedAt.UTC()
	update := store.RunUpdate{
		Status:         &res.Status,
		Output:         output,
		Error:          &res.Error,
		ExecutionTotal: &total,
		ResultCount:    &results,
		CompletedAt:    &completed,
	}
	if err := t.recorder.UpdateRun(context.WithoutCancel(ctx), t.storage.ID, update); err != nil {
		t.e.logger.WarnContext(ctx, "audit: update run failed", slog.String("error", err.Error()))
	}
}

// envelopeError turns the error carried by a step's envelope into a FlowError.
func envelopeError(env *schema.Envelope, stepKey string) *schema.FlowError {
	code := env.Code
	if code == "" {
		code = schema.ErrCodeStepFailed
	}
	return schema.NewError(code, env.Error).WithStep(stepKey)
}
