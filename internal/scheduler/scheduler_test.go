package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/leadflow/internal/logging"
)

// mockSubmitter records submissions. Runs stay "running" until finish is called.
type mockSubmitter struct {
	mu      sync.Mutex
	calls   []string
	running map[string]bool
	err     error
	seq     int
}

func newMockSubmitter() *mockSubmitter {
	return &mockSubmitter{running: map[string]bool{}}
}

func (m *mockSubmitter) submit(kind string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, kind)
	if m.err != nil {
		return "", m.err
	}
	m.seq++
	id := fmt.Sprintf("run-%d", m.seq)
	m.running[id] = true
	return id, nil
}

func (m *mockSubmitter) Submit(_ context.Context, _ map[string]any) (string, error) {
	return m.submit("criteria")
}

func (m *mockSubmitter) SubmitPrompt(_ context.Context, _ string) (string, error) {
	return m.submit("prompt")
}

func (m *mockSubmitter) IsRunning(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running[id]
}

func (m *mockSubmitter) finish(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.running, id)
}

func (m *mockSubmitter) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// fakeClock is a settable clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

var hourlyCafes = Job{
	Name:     "hourly-cafes",
	Cron:     "0 * * * *",
	Criteria: map[string]any{"businessType": "cafe", "location": "Lisbon", "targetLeadCount": 5},
}

func newTestScheduler(t *testing.T, runner Submitter, clock *fakeClock, jobs ...Job) *Scheduler {
	t.Helper()
	s, err := New(runner, jobs, logging.NewNop(), WithClock(clock.Now))
	require.NoError(t, err)
	return s
}

func TestCalculateNextRun(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)}
	sched := newTestScheduler(t, newMockSubmitter(), clock)
	from := clock.Now()

	next, err := sched.CalculateNextRun("0 * * * *", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 2, 10, 13, 0, 0, 0, time.UTC), next)

	next, err = sched.CalculateNextRun("*/15 * * * *", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 2, 10, 12, 15, 0, 0, time.UTC), next)

	next, err = sched.CalculateNextRun("@daily", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 2, 11, 0, 0, 0, 0, time.UTC), next)

	_, err = sched.CalculateNextRun("invalid cron", from)
	require.Error(t, err)
}

func TestNew_RejectsInvalidJobs(t *testing.T) {
	tests := []struct {
		name string
		jobs []Job
	}{
		{"no name", []Job{{Cron: "@hourly", Prompt: "cafes"}}},
		{"bad cron", []Job{{Name: "a", Cron: "every day", Prompt: "cafes"}}},
		{"neither criteria nor prompt", []Job{{Name: "a", Cron: "@hourly"}}},
		{"both criteria and prompt", []Job{{Name: "a", Cron: "@hourly", Prompt: "cafes", Criteria: map[string]any{"x": 1}}}},
		{"duplicate", []Job{{Name: "a", Cron: "@hourly", Prompt: "x"}, {Name: "a", Cron: "@daily", Prompt: "y"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(newMockSubmitter(), tt.jobs, nil)
			assert.Error(t, err)
		})
	}
}

func TestTick_RunsDueJobs(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 2, 10, 12, 30, 0, 0, time.UTC)}
	runner := newMockSubmitter()
	sched := newTestScheduler(t, runner, clock, hourlyCafes)

	sched.tick(context.Background())
	assert.Equal(t, 0, runner.callCount(), "not due before 13:00")

	clock.Advance(30 * time.Minute)
	sched.tick(context.Background())
	assert.Equal(t, 1, runner.callCount())

	jobs := sched.Jobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, StatusSubmitted, jobs[0].LastRunStatus)
	assert.Equal(t, "run-1", jobs[0].LastRunID)
	assert.Equal(t, time.Date(2026, 2, 10, 14, 0, 0, 0, time.UTC), jobs[0].NextRunAt)
}

func TestTick_SkipsWhilePreviousRunInFlight(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 2, 10, 13, 0, 0, 0, time.UTC)}
	runner := newMockSubmitter()
	job := hourlyCafes
	job.RunOnStart = true
	sched := newTestScheduler(t, runner, clock, job)

	sched.tick(context.Background())
	require.Equal(t, 1, runner.callCount())

	clock.Advance(time.Hour)
	sched.tick(context.Background())
	assert.Equal(t, 1, runner.callCount())
	assert.Equal(t, StatusSkipped, sched.Jobs()[0].LastRunStatus)

	runner.finish("run-1")
	clock.Advance(time.Hour)
	sched.tick(context.Background())
	assert.Equal(t, 2, runner.callCount())
	assert.Equal(t, "run-2", sched.Jobs()[0].LastRunID)
}

func TestTick_PromptJobAndSubmitError(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 2, 10, 13, 0, 0, 0, time.UTC)}
	runner := newMockSubmitter()
	runner.err = errors.New("too many concurrent runs")
	sched := newTestScheduler(t, runner, clock, Job{Name: "dentists", Cron: "@hourly", Prompt: "dentists in Porto", RunOnStart: true})

	sched.tick(context.Background())
	assert.Equal(t, []string{"prompt"}, runner.calls)

	st := sched.Jobs()[0]
	assert.Equal(t, StatusError, st.LastRunStatus)
	assert.Equal(t, "too many concurrent runs", st.LastError)
	assert.True(t, st.NextRunAt.After(clock.Now()))
}

func TestStartStop(t *testing.T) {
	clock := &fakeClock{now: time.Now().UTC()}
	runner := newMockSubmitter()
	job := hourlyCafes
	job.RunOnStart = true
	sched, err := New(runner, []Job{job}, logging.NewNop(), WithClock(clock.Now), WithInterval(10*time.Millisecond))
	require.NoError(t, err)

	require.NoError(t, sched.Start(context.Background()))
	assert.Error(t, sched.Start(context.Background()))

	require.Eventually(t, func() bool { return runner.callCount() == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, sched.Stop())
	require.NoError(t, sched.Stop())
}
