package store

import (
	"encoding/json"
	"time"

	"github.com/rendis/leadflow/pkg/schema"
)

// Run is the persisted audit record of one workflow run.
type Run struct {
	ID             string           `json:"id"`
	Status         schema.RunStatus `json:"status"`
	EntryStep      string           `json:"entry_step"`
	Input          map[string]any   `json:"input,omitempty"`
	Output         json.RawMessage  `json:"output,omitempty"`
	Error          string           `json:"error,omitempty"`
	ExecutionTotal int              `json:"execution_total"`
	ResultCount    int              `json:"result_count"`
	CreatedAt      time.Time        `json:"created_at"`
	StartedAt      *time.Time       `json:"started_at,omitempty"`
	CompletedAt    *time.Time       `json:"completed_at,omitempty"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

// Event is an immutable entry in a run's audit log.
type Event struct {
	ID        int64           `json:"id"`
	RunID     string          `json:"run_id"`
	StepKey   string          `json:"step_key,omitempty"`
	Type      string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Sequence  int64           `json:"sequence"`
}

// --- Filter and update types ---

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Status *schema.RunStatus `json:"status,omitempty"`
	Since  *time.Time        `json:"since,omitempty"`
	Limit  int               `json:"limit,omitempty"`
	Offset int               `json:"offset,omitempty"`
}

// RunUpdate specifies mutable fields of a run.
type RunUpdate struct {
	Status         *schema.RunStatus `json:"status,omitempty"`
	Output         json.RawMessage   `json:"output,omitempty"`
	Error          *string           `json:"error,omitempty"`
	ExecutionTotal *int              `json:"execution_total,omitempty"`
	ResultCount    *int              `json:"result_count,omitempty"`
	StartedAt      *time.Time        `json:"started_at,omitempty"`
	CompletedAt    *time.Time        `json:"completed_at,omitempty"`
}

// EventFilter specifies criteria for listing events.
type EventFilter struct {
	RunID   string     `json:"run_id,omitempty"`
	StepKey string     `json:"step_key,omitempty"`
	Since   *time.Time `json:"since,omitempty"`
	Limit   int        `json:"limit,omitempty"`
}

// StepSummary is the per-step view rebuilt from a run's events.
type StepSummary struct {
	StepKey     string     `json:"step_key"`
	Invocations int        `json:"invocations"`
	Completed   int        `json:"completed"`
	Failed      int        `json:"failed"`
	LastError   string     `json:"last_error,omitempty"`
	FirstAt     *time.Time `json:"first_at,omitempty"`
	LastAt      *time.Time `json:"last_at,omitempty"`
}
