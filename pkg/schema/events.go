package schema

// Event type constants for the audit log.
const (
	EventRunCreated   = "run_created"
	EventRunStarted   = "run_started"
	EventRunCompleted = "run_completed"
	EventRunFailed    = "run_failed"
	EventRunStalled   = "run_stalled"
	EventRunCancelled = "run_cancelled"

	EventStepInvoked   = "step_invoked"
	EventStepCompleted = "step_completed"
	EventStepFailed    = "step_failed"

	EventCircuitBreakerOpen = "circuit_breaker_open"
)

// RunStatus represents the lifecycle state of a workflow run.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusActive    RunStatus = "active"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	// RunStatusStalled marks a run whose last step returned neither done nor a
	// usable next step. It is not a success.
	RunStatusStalled   RunStatus = "stalled"
	RunStatusCancelled RunStatus = "cancelled"
)

// Terminal reports whether the status is final.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed, RunStatusStalled, RunStatusCancelled:
		return true
	}
	return false
}
