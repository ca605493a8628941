package engine

import (
	"context"
	"time"

	"github.com/rendis/leadflow/internal/store"
	"github.com/rendis/leadflow/pkg/schema"
)

// Observer receives execution measurements. Implementations must be safe for
// concurrent use and must not block.
type Observer interface {
	StepStarted(stepKey string)
	StepFinished(stepKey string, elapsed time.Duration, err error)
	CircuitOpened(stepKey string)
	RunFinished(status schema.RunStatus, elapsed time.Duration, results int)
}

// NopObserver discards all measurements.
type NopObserver struct{}

func (NopObserver) StepStarted(string)                               {}
func (NopObserver) StepFinished(string, time.Duration, error)        {}
func (NopObserver) CircuitOpened(string)                             {}
func (NopObserver) RunFinished(schema.RunStatus, time.Duration, int) {}

// Recorder persists the audit trail of runs. It is optional: the executor
// logs and otherwise ignores every Recorder error. Satisfied by store.Store.
type Recorder interface {
	EventAppender
	CreateRun(ctx context.Context, run *store.Run) error
	UpdateRun(ctx context.Context, id string, update store.RunUpdate) error
}
