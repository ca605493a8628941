// Package streaming fans run events out to live subscribers.
package streaming

import (
	"context"
	"encoding/json"
	"slices"
	"time"

	"github.com/rendis/leadflow/pkg/schema"
)

// StreamEvent is a run event delivered to live subscribers.
type StreamEvent struct {
	RunID     string          `json:"run_id"`
	StepKey   string          `json:"step_key,omitempty"`
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Terminal reports whether the event ends its run.
func (e StreamEvent) Terminal() bool {
	switch e.EventType {
	case schema.EventRunCompleted, schema.EventRunFailed, schema.EventRunStalled, schema.EventRunCancelled:
		return true
	}
	return false
}

// EventFilter selects the events a subscriber receives. Empty fields match everything.
type EventFilter struct {
	RunID      string   `json:"run_id,omitempty"`
	EventTypes []string `json:"event_types,omitempty"`
}

// EventHub is a best-effort pub/sub of run events.
type EventHub interface {
	Publish(ctx context.Context, event StreamEvent) error
	Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error)
}

// Matches reports whether e passes the filter.
func (f EventFilter) Matches(e StreamEvent) bool {
	if f.RunID != "" && f.RunID != e.RunID {
		return false
	}
	if len(f.EventTypes) > 0 && !slices.Contains(f.EventTypes, e.EventType) {
		return false
	}
	return true
}
