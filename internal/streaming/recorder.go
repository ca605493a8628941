package streaming

import (
	"context"
	"log/slog"
	"time"

	"github.com/rendis/leadflow/internal/store"
)

// RunRecorder is the audit sink a PublishingRecorder wraps.
type RunRecorder interface {
	CreateRun(ctx context.Context, run *store.Run) error
	UpdateRun(ctx context.Context, id string, update store.RunUpdate) error
	AppendEvent(ctx context.Context, event *store.Event) error
}

// PublishingRecorder forwards to an optional inner recorder and publishes
// every appended event to a hub. Publish failures are logged only.
type PublishingRecorder struct {
	inner  RunRecorder
	hub    EventHub
	logger *slog.Logger
}

// NewPublishingRecorder wraps inner, which may be nil.
func NewPublishingRecorder(inner RunRecorder, hub EventHub, logger *slog.Logger) *PublishingRecorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &PublishingRecorder{inner: inner, hub: hub, logger: logger}
}

func (r *PublishingRecorder) CreateRun(ctx context.Context, run *store.Run) error {
	if r.inner == nil {
		return nil
	}
	return r.inner.CreateRun(ctx, run)
}

func (r *PublishingRecorder) UpdateRun(ctx context.Context, id string, update store.RunUpdate) error {
	if r.inner == nil {
		return nil
	}
	return r.inner.UpdateRun(ctx, id, update)
}

// AppendEvent stores the event, then publishes it. An event the inner
// recorder rejects is not published.
func (r *PublishingRecorder) AppendEvent(ctx context.Context, event *store.Event) error {
	if r.inner != nil {
		if err := r.inner.AppendEvent(ctx, event); err != nil {
			return err
		}
	}
	ts := event.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	err := r.hub.Publish(ctx, StreamEvent{
		RunID:     event.RunID,
		StepKey:   event.StepKey,
		EventType: event.Type,
		Payload:   event.Payload,
		Timestamp: ts,
	})
	if err != nil {
		r.logger.WarnContext(ctx, "publish run event failed",
			slog.String("run_id", event.RunID),
			slog.String("event_type", event.Type),
			slog.String("error", err.Error()))
	}
	return nil
}
