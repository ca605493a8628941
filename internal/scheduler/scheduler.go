// Package scheduler starts recurring lead searches on cron schedules.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/leadflow/internal/logging"
)

// DefaultTickInterval is how often the scheduler looks for due jobs.
const DefaultTickInterval = time.Minute

// Job statuses recorded after each trigger.
const (
	StatusSubmitted = "submitted"
	StatusSkipped   = "skipped"
	StatusError     = "error"
)

// Submitter starts background runs. Satisfied by engine.Service.
type Submitter interface {
	Submit(ctx context.Context, criteria map[string]any) (string, error)
	SubmitPrompt(ctx context.Context, prompt string) (string, error)
	IsRunning(runID string) bool
}

// Job is a recurring search. Exactly one of Criteria and Prompt is set.
type Job struct {
	Name       string         `json:"name" yaml:"name"`
	Cron       string         `json:"cron" yaml:"cron"`
	Criteria   map[string]any `json:"criteria,omitempty" yaml:"criteria"`
	Prompt     string         `json:"prompt,omitempty" yaml:"prompt"`
	RunOnStart bool           `json:"run_on_start,omitempty" yaml:"run_on_start"`
}

// JobStatus is the live view of a job.
type JobStatus struct {
	Job
	NextRunAt     time.Time  `json:"next_run_at"`
	LastRunAt     *time.Time `json:"last_run_at,omitempty"`
	LastRunID     string     `json:"last_run_id,omitempty"`
	LastRunStatus string     `json:"last_run_status,omitempty"`
	LastError     string     `json:"last_error,omitempty"`
}

type entry struct {
	JobStatus
	schedule cron.Schedule
}

// Scheduler submits due jobs on a ticker. A job whose previous run is still
// in flight is skipped until the next slot.
type Scheduler struct {
	runner   Submitter
	parser   cron.Parser
	logger   *slog.Logger
	interval time.Duration
	now      func() time.Time

	mu      sync.Mutex
	entries map[string]*entry
	cancel  context.CancelFunc
	done    chan struct{}
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithInterval sets the tick interval.
func WithInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// New creates a scheduler for jobs. Invalid jobs are rejected up front.
func New(runner Submitter, jobs []Job, logger *slog.Logger, opts ...Option) (*Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		runner:   runner,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		logger:   logger,
		interval: DefaultTickInterval,
		now:      time.Now,
		entries:  make(map[string]*entry, len(jobs)),
	}
	for _, opt := range opts {
		opt(s)
	}

	now := s.now().UTC()
	for _, job := range jobs {
		if err := s.add(job, now); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Scheduler) add(job Job, now time.Time) error {
	name := strings.TrimSpace(job.Name)
	if name == "" {
		return fmt.Errorf("scheduled job has no name")
	}
	if _, dup := s.entries[name]; dup {
		return fmt.Errorf("duplicate scheduled job %q", name)
	}
	if (len(job.Criteria) == 0) == (strings.TrimSpace(job.Prompt) == "") {
		return fmt.Errorf("scheduled job %q needs exactly one of criteria and prompt", name)
	}
	schedule, err := s.parser.Parse(job.Cron)
	if err != nil {
		return fmt.Errorf("scheduled job %q: parse cron expression %q: %w", name, job.Cron, err)
	}
	job.Name = name
	next := schedule.Next(now)
	if job.RunOnStart {
		next = now
	}
	s.entries[name] = &entry{JobStatus: JobStatus{Job: job, NextRunAt: next}, schedule: schedule}
	return nil
}

// CalculateNextRun computes the next run time for a cron expression.
func (s *Scheduler) CalculateNextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}

// Start launches the scheduling loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}
	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	jobs := len(s.entries)
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started", slog.Int("jobs", jobs), slog.Duration("interval", s.interval))
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick submits every job whose next run time has passed.
func (s *Scheduler) tick(ctx context.Context) {
	now := s.now().UTC()

	s.mu.Lock()
	var due []*entry
	for _, e := range s.entries {
		if !e.NextRunAt.After(now) {
			due = append(due, e)
		}
	}
	s.mu.Unlock()

	sort.Slice(due, func(i, j int) bool { return due[i].Name < due[j].Name })
	for _, e := range due {
		s.trigger(ctx, e, now)
	}
}

func (s *Scheduler) trigger(ctx context.Context, e *entry, now time.Time) {
	s.mu.Lock()
	lastRunID := e.LastRunID
	s.mu.Unlock()

	logger := s.logger.With(slog.String("job", e.Name))

	var runID, status, lastErr string
	switch {
	case lastRunID != "" && s.runner.IsRunning(lastRunID):
		status = StatusSkipped
		runID = lastRunID
		logging.LogWith(logging.WithRunID(ctx, lastRunID), logger).Warn("previous run still in flight, skipping")
	default:
		var err error
		if e.Prompt != "" {
			runID, err = s.runner.SubmitPrompt(ctx, e.Prompt)
		} else {
			runID, err = s.runner.Submit(ctx, e.Criteria)
		}
		if err != nil {
			status = StatusError
			lastErr = err.Error()
			runID = lastRunID
			logger.ErrorContext(ctx, "scheduled run failed to start", slog.String("error", lastErr))
		} else {
			status = StatusSubmitted
			logging.LogWith(logging.WithRunID(ctx, runID), logger).Info("scheduled run submitted")
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	e.LastRunAt = &now
	e.LastRunID = runID
	e.LastRunStatus = status
	e.LastError = lastErr
	e.NextRunAt = e.schedule.Next(now)
}

// Jobs returns the status of every job, sorted by name.
func (s *Scheduler) Jobs() []JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobStatus, 0, len(s.entries))
	for _, e := range s.entries {
		st := e.JobStatus
		if st.LastRunAt != nil {
			t := *st.LastRunAt
			st.LastRunAt = &t
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Stop shuts the loop down and waits for it. Runs already submitted continue.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	s.logger.Info("scheduler stopped")
	return nil
}
