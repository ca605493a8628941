package streaming

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/leadflow/pkg/schema"
)

func receive(t *testing.T, ch <-chan StreamEvent) StreamEvent {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "channel closed")
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	return StreamEvent{}
}

func assertQuiet(t *testing.T, ch <-chan StreamEvent) {
	t.Helper()
	select {
	case ev, ok := <-ch:
		if ok {
			t.Fatalf("unexpected event: %+v", ev)
		}
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemoryHub_PublishSubscribe(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, hub.Publish(ctx, StreamEvent{
		RunID:     "run-1",
		StepKey:   "collect",
		EventType: schema.EventStepCompleted,
		Payload:   []byte(`{"count":3}`),
	}))

	got := receive(t, ch)
	assert.Equal(t, "run-1", got.RunID)
	assert.Equal(t, "collect", got.StepKey)
	assert.JSONEq(t, `{"count":3}`, string(got.Payload))
}

func TestMemoryHub_Filters(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	byRun, cancelRun, err := hub.Subscribe(ctx, EventFilter{RunID: "run-1"})
	require.NoError(t, err)
	defer cancelRun()
	byType, cancelType, err := hub.Subscribe(ctx, EventFilter{EventTypes: []string{schema.EventRunCompleted}})
	require.NoError(t, err)
	defer cancelType()

	require.NoError(t, hub.Publish(ctx, StreamEvent{RunID: "run-2", EventType: schema.EventStepInvoked}))
	require.NoError(t, hub.Publish(ctx, StreamEvent{RunID: "run-1", EventType: schema.EventStepInvoked}))
	require.NoError(t, hub.Publish(ctx, StreamEvent{RunID: "run-2", EventType: schema.EventRunCompleted}))

	assert.Equal(t, schema.EventStepInvoked, receive(t, byRun).EventType)
	assertQuiet(t, byRun)
	assert.Equal(t, "run-2", receive(t, byType).RunID)
	assertQuiet(t, byType)
}

func TestMemoryHub_MultipleSubscribers(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch1, cancel1, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel1()
	ch2, cancel2, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel2()

	require.NoError(t, hub.Publish(ctx, StreamEvent{RunID: "run-1", EventType: "tick"}))
	for _, ch := range []<-chan StreamEvent{ch1, ch2} {
		assert.Equal(t, "run-1", receive(t, ch).RunID)
	}
}

func TestMemoryHub_CancelClosesChannel(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	assert.Equal(t, 1, hub.Subscribers())

	cancel()
	cancel()
	assert.Equal(t, 0, hub.Subscribers())

	require.NoError(t, hub.Publish(ctx, StreamEvent{RunID: "run-1", EventType: "tick"}))
	_, ok := <-ch
	assert.False(t, ok)
}

func TestMemoryHub_SlowSubscriberDropsEvents(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel()

	for range defaultChannelBuffer + 10 {
		require.NoError(t, hub.Publish(ctx, StreamEvent{RunID: "run-1", EventType: "tick"}))
	}
	assert.Len(t, ch, defaultChannelBuffer)
	assert.Equal(t, int64(10), hub.Dropped())
}

func TestMemoryHub_Concurrent(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for range 50 {
				_ = hub.Publish(ctx, StreamEvent{RunID: "run-1", EventType: "tick"})
			}
		}()
		go func() {
			defer wg.Done()
			ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
			if err != nil {
				return
			}
			for range 5 {
				select {
				case <-ch:
				case <-time.After(10 * time.Millisecond):
				}
			}
			cancel()
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, hub.Subscribers())
}

func TestMemoryHub_CancelledContext(t *testing.T) {
	hub := NewMemoryHub()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, hub.Publish(ctx, StreamEvent{RunID: "run-1"}), context.Canceled)
	_, _, err := hub.Subscribe(ctx, EventFilter{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestStreamEvent_Terminal(t *testing.T) {
	for _, typ := range []string{schema.EventRunCompleted, schema.EventRunFailed, schema.EventRunStalled, schema.EventRunCancelled} {
		assert.True(t, StreamEvent{EventType: typ}.Terminal(), typ)
	}
	assert.False(t, StreamEvent{EventType: schema.EventStepCompleted}.Terminal())
}
