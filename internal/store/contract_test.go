package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/leadflow/pkg/schema"
)

func seedRun(t *testing.T, s Store, status schema.RunStatus) *Run {
	t.Helper()
	run := &Run{
		ID:        uuid.New().String(),
		Status:    status,
		EntryStep: "input",
		Input:     map[string]any{"businessType": "cafe", "location": "Lisbon"},
	}
	require.NoError(t, s.CreateRun(context.Background(), run))
	return run
}

// runStoreContract exercises the behavior every Store implementation shares.
func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("CreateAndGetRun", func(t *testing.T) {
		s := newStore(t)
		run := seedRun(t, s, schema.RunStatusPending)

		got, err := s.GetRun(context.Background(), run.ID)
		require.NoError(t, err)
		assert.Equal(t, run.ID, got.ID)
		assert.Equal(t, schema.RunStatusPending, got.Status)
		assert.Equal(t, "input", got.EntryStep)
		assert.Equal(t, "cafe", got.Input["businessType"])
		assert.Nil(t, got.StartedAt)
	})

	t.Run("CreateRun_Duplicate", func(t *testing.T) {
		s := newStore(t)
		run := seedRun(t, s, schema.RunStatusPending)
		err := s.CreateRun(context.Background(), &Run{ID: run.ID, Status: schema.RunStatusPending, EntryStep: "input"})
		require.Error(t, err)
		assert.Equal(t, schema.ErrCodeConflict, schema.CodeOf(err))
	})

	t.Run("GetRun_NotFound", func(t *testing.T) {
		s := newStore(t)
		_, err := s.GetRun(context.Background(), "nonexistent")
		require.Error(t, err)
		assert.Equal(t, schema.ErrCodeNotFound, schema.CodeOf(err))
	})

	t.Run("UpdateRun", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		run := seedRun(t, s, schema.RunStatusPending)

		status := schema.RunStatusCompleted
		total := 7
		results := 2
		errMsg := ""
		now := time.Now().UTC().Truncate(time.Second)
		require.NoError(t, s.UpdateRun(ctx, run.ID, RunUpdate{
			Status:         &status,
			Output:         json.RawMessage(`{"done":true}`),
			Error:          &errMsg,
			ExecutionTotal: &total,
			ResultCount:    &results,
			StartedAt:      &now,
			CompletedAt:    &now,
		}))

		got, err := s.GetRun(ctx, run.ID)
		require.NoError(t, err)
		assert.Equal(t, schema.RunStatusCompleted, got.Status)
		assert.Equal(t, 7, got.ExecutionTotal)
		assert.Equal(t, 2, got.ResultCount)
		assert.JSONEq(t, `{"done":true}`, string(got.Output))
		require.NotNil(t, got.StartedAt)
		require.NotNil(t, got.CompletedAt)
		assert.Empty(t, got.Error)
	})

	t.Run("UpdateRun_NotFound", func(t *testing.T) {
		s := newStore(t)
		status := schema.RunStatusFailed
		err := s.UpdateRun(context.Background(), "missing", RunUpdate{Status: &status})
		assert.Equal(t, schema.ErrCodeNotFound, schema.CodeOf(err))
	})

	t.Run("ListRuns_FilterAndLimit", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		for i := 0; i < 3; i++ {
			seedRun(t, s, schema.RunStatusCompleted)
			time.Sleep(2 * time.Millisecond)
		}
		failed := seedRun(t, s, schema.RunStatusFailed)

		all, err := s.ListRuns(ctx, RunFilter{})
		require.NoError(t, err)
		require.Len(t, all, 4)
		assert.Equal(t, failed.ID, all[0].ID, "newest first")

		status := schema.RunStatusCompleted
		completed, err := s.ListRuns(ctx, RunFilter{Status: &status})
		require.NoError(t, err)
		assert.Len(t, completed, 3)

		page, err := s.ListRuns(ctx, RunFilter{Limit: 2, Offset: 1})
		require.NoError(t, err)
		require.Len(t, page, 2)
		assert.Equal(t, all[1].ID, page[0].ID)
	})

	t.Run("DeleteRun", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		run := seedRun(t, s, schema.RunStatusCompleted)
		require.NoError(t, s.AppendEvent(ctx, &Event{RunID: run.ID, Type: schema.EventRunCreated}))

		require.NoError(t, s.DeleteRun(ctx, run.ID))
		_, err := s.GetRun(ctx, run.ID)
		assert.Equal(t, schema.ErrCodeNotFound, schema.CodeOf(err))
		assert.Equal(t, schema.ErrCodeNotFound, schema.CodeOf(s.DeleteRun(ctx, run.ID)))
	})

	t.Run("AppendEvent_Sequence", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		run := seedRun(t, s, schema.RunStatusActive)
		other := seedRun(t, s, schema.RunStatusActive)

		for i := 0; i < 3; i++ {
			e := &Event{RunID: run.ID, StepKey: "control", Type: schema.EventStepInvoked}
			require.NoError(t, s.AppendEvent(ctx, e))
			assert.Equal(t, int64(i+1), e.Sequence)
		}
		e := &Event{RunID: other.ID, Type: schema.EventRunStarted}
		require.NoError(t, s.AppendEvent(ctx, e))
		assert.Equal(t, int64(1), e.Sequence, "sequence is per run")

		events, err := s.GetEvents(ctx, run.ID, 0)
		require.NoError(t, err)
		require.Len(t, events, 3)
		for i, ev := range events {
			assert.Equal(t, int64(i+1), ev.Sequence)
			assert.Equal(t, "control", ev.StepKey)
		}

		since, err := s.GetEvents(ctx, run.ID, 2)
		require.NoError(t, err)
		require.Len(t, since, 1)
		assert.Equal(t, int64(3), since[0].Sequence)
	})

	t.Run("AppendEvent_UnknownRun", func(t *testing.T) {
		s := newStore(t)
		err := s.AppendEvent(context.Background(), &Event{RunID: "missing", Type: schema.EventRunStarted})
		assert.Error(t, err)
	})

	t.Run("GetEventsByType", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		run := seedRun(t, s, schema.RunStatusActive)

		require.NoError(t, s.AppendEvent(ctx, &Event{RunID: run.ID, StepKey: "detail", Type: schema.EventStepInvoked}))
		require.NoError(t, s.AppendEvent(ctx, &Event{RunID: run.ID, StepKey: "detail", Type: schema.EventStepFailed,
			Payload: json.RawMessage(`{"error":"boom"}`)}))
		require.NoError(t, s.AppendEvent(ctx, &Event{RunID: run.ID, StepKey: "analyze", Type: schema.EventStepInvoked}))

		invoked, err := s.GetEventsByType(ctx, schema.EventStepInvoked, EventFilter{RunID: run.ID})
		require.NoError(t, err)
		assert.Len(t, invoked, 2)

		detail, err := s.GetEventsByType(ctx, schema.EventStepInvoked, EventFilter{StepKey: "detail"})
		require.NoError(t, err)
		require.Len(t, detail, 1)
		assert.Equal(t, "detail", detail[0].StepKey)

		failed, err := s.GetEventsByType(ctx, schema.EventStepFailed, EventFilter{Limit: 5})
		require.NoError(t, err)
		require.Len(t, failed, 1)
		assert.JSONEq(t, `{"error":"boom"}`, string(failed[0].Payload))
	})
}
