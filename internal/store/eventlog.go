package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/rendis/leadflow/pkg/schema"
)

// EventLog provides audit-log operations on top of any Store.
type EventLog struct {
	store Store
}

// NewEventLog wraps a Store to provide audit-log operations.
func NewEventLog(s Store) *EventLog {
	return &EventLog{store: s}
}

// AppendEvent appends an event with a monotonically increasing per-run sequence.
func (el *EventLog) AppendEvent(ctx context.Context, event *Event) error {
	if event.RunID == "" {
		return schema.NewError(schema.ErrCodeValidation, "event has no run id")
	}
	return el.store.AppendEvent(ctx, event)
}

// GetEvents returns events for a run with sequence > since, ordered by sequence ASC.
func (el *EventLog) GetEvents(ctx context.Context, runID string, since int64) ([]*Event, error) {
	return el.store.GetEvents(ctx, runID, since)
}

// GetEventsByType returns events of a specific type matching the filter.
func (el *EventLog) GetEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*Event, error) {
	return el.store.GetEventsByType(ctx, eventType, filter)
}

// Summarize replays all events of a run and returns per-step invocation counts
// sorted by step key. Returns an error if sequence gaps are detected.
func (el *EventLog) Summarize(ctx context.Context, runID string) ([]*StepSummary, error) {
	events, err := el.store.GetEvents(ctx, runID, 0)
	if err != nil {
		return nil, fmt.Errorf("get events for replay: %w", err)
	}

	for i, e := range events {
		expected := int64(i + 1)
		if e.Sequence != expected {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in run %s: expected %d, got %d", runID, expected, e.Sequence)
		}
	}

	byKey := make(map[string]*StepSummary)
	for _, e := range events {
		if e.StepKey == "" {
			continue
		}
		ss, ok := byKey[e.StepKey]
		if !ok {
			ss = &StepSummary{StepKey: e.StepKey}
			byKey[e.StepKey] = ss
		}
		ts := e.Timestamp
		if ss.FirstAt == nil {
			ss.FirstAt = &ts
		}
		ss.LastAt = &ts

		switch e.Type {
		case schema.EventStepInvoked:
			ss.Invocations++
		case schema.EventStepCompleted:
			ss.Completed++
		case schema.EventStepFailed:
			ss.Failed++
			var p FailurePayload
			if json.Unmarshal(e.Payload, &p) == nil {
				ss.LastError = p.Error
			}
		}
	}

	out := make([]*StepSummary, 0, len(byKey))
	for _, ss := range byKey {
		out = append(out, ss)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StepKey < out[j].StepKey })
	return out, nil
}

// FailurePayload is the payload shape of step_failed and run_failed events.
type FailurePayload struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}
