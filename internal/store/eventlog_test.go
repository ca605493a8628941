package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/leadflow/pkg/schema"
)

func newTestEventLog(t *testing.T) (*EventLog, *LibSQLStore) {
	t.Helper()
	s := newTestStore(t)
	return NewEventLog(s), s
}

func TestEventLog_AppendRequiresRunID(t *testing.T) {
	el, _ := newTestEventLog(t)
	err := el.AppendEvent(context.Background(), &Event{Type: schema.EventRunStarted})
	assert.True(t, schema.IsValidation(err))
}

func TestEventLog_Summarize(t *testing.T) {
	el, s := newTestEventLog(t)
	ctx := context.Background()
	run := seedRun(t, s, schema.RunStatusActive)
	now := time.Now().UTC()

	appendAll := []*Event{
		{RunID: run.ID, Type: schema.EventRunStarted, Timestamp: now},
		{RunID: run.ID, StepKey: "control", Type: schema.EventStepInvoked, Timestamp: now},
		{RunID: run.ID, StepKey: "control", Type: schema.EventStepCompleted, Timestamp: now.Add(time.Millisecond)},
		{RunID: run.ID, StepKey: "detail", Type: schema.EventStepInvoked, Timestamp: now.Add(2 * time.Millisecond)},
		{RunID: run.ID, StepKey: "detail", Type: schema.EventStepFailed, Timestamp: now.Add(3 * time.Millisecond),
			Payload: json.RawMessage(`{"error":"deadline exceeded","code":"TIMEOUT_ERROR"}`)},
		{RunID: run.ID, StepKey: "control", Type: schema.EventStepInvoked, Timestamp: now.Add(4 * time.Millisecond)},
	}
	for _, e := range appendAll {
		require.NoError(t, el.AppendEvent(ctx, e))
	}

	summary, err := el.Summarize(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, summary, 2)

	assert.Equal(t, "control", summary[0].StepKey)
	assert.Equal(t, 2, summary[0].Invocations)
	assert.Equal(t, 1, summary[0].Completed)
	assert.Equal(t, 0, summary[0].Failed)

	assert.Equal(t, "detail", summary[1].StepKey)
	assert.Equal(t, 1, summary[1].Invocations)
	assert.Equal(t, 1, summary[1].Failed)
	assert.Equal(t, "deadline exceeded", summary[1].LastError)
	require.NotNil(t, summary[1].FirstAt)
	require.NotNil(t, summary[1].LastAt)
	assert.True(t, summary[1].LastAt.After(*summary[1].FirstAt))
}

func TestEventLog_SummarizeEmpty(t *testing.T) {
	el, s := newTestEventLog(t)
	run := seedRun(t, s, schema.RunStatusPending)

	summary, err := el.Summarize(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Empty(t, summary)
}

func TestEventLog_SummarizeDetectsGap(t *testing.T) {
	el, s := newTestEventLog(t)
	ctx := context.Background()
	run := seedRun(t, s, schema.RunStatusActive)

	require.NoError(t, el.AppendEvent(ctx, &Event{RunID: run.ID, Type: schema.EventRunStarted}))
	_, err := s.DB().ExecContext(ctx,
		`INSERT INTO events (run_id, event_type, timestamp, sequence) VALUES (?, ?, ?, ?)`,
		run.ID, schema.EventStepInvoked, time.Now().UTC(), 5)
	require.NoError(t, err)

	_, err = el.Summarize(ctx, run.ID)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeStore, schema.CodeOf(err))
}
