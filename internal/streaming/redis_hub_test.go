package streaming

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	backend "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/leadflow/pkg/schema"
)

func newRedisHub(t *testing.T) *RedisHub {
	t.Helper()
	mr := miniredis.RunT(t)
	client := backend.NewClient(&backend.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisHub(client, "", nil)
}

func TestRedisHub_PublishSubscribe(t *testing.T) {
	hub := newRedisHub(t)
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{RunID: "run-1"})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, hub.Publish(ctx, StreamEvent{RunID: "run-2", EventType: schema.EventStepInvoked}))
	require.NoError(t, hub.Publish(ctx, StreamEvent{RunID: "run-1", StepKey: "detail", EventType: schema.EventStepCompleted}))

	got := receive(t, ch)
	assert.Equal(t, "run-1", got.RunID)
	assert.Equal(t, "detail", got.StepKey)
	assertQuiet(t, ch)
}

func TestRedisHub_CancelClosesChannel(t *testing.T) {
	hub := newRedisHub(t)
	ch, cancel, err := hub.Subscribe(context.Background(), EventFilter{})
	require.NoError(t, err)

	cancel()
	cancel()
	for range ch {
	}
}
