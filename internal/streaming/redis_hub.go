package streaming

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	backend "github.com/redis/go-redis/v9"
)

// DefaultChannel is the Redis pub/sub channel run events travel on.
const DefaultChannel = "leadflow:events"

// RedisHub is an EventHub over Redis pub/sub, letting an API process stream
// runs executed by other processes.
type RedisHub struct {
	client  *backend.Client
	channel string
	logger  *slog.Logger
}

// NewRedisHub creates a hub publishing on channel, or DefaultChannel when empty.
func NewRedisHub(client *backend.Client, channel string, logger *slog.Logger) *RedisHub {
	if channel == "" {
		channel = DefaultChannel
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisHub{client: client, channel: channel, logger: logger}
}

// Publish encodes event and publishes it.
func (h *RedisHub) Publish(ctx context.Context, event StreamEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode stream event: %w", err)
	}
	return h.client.Publish(ctx, h.channel, data).Err()
}

// Subscribe returns once the Redis subscription is confirmed. Events are
// decoded and filtered locally.
func (h *RedisHub) Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error) {
	ps := h.client.Subscribe(ctx, h.channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, nil, fmt.Errorf("subscribe %s: %w", h.channel, err)
	}

	out := make(chan StreamEvent, defaultChannelBuffer)
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer close(out)
		msgs := ps.Channel()
		for {
			select {
			case <-stop:
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var ev StreamEvent
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					h.logger.Warn("dropping malformed stream event", slog.String("error", err.Error()))
					continue
				}
				if !filter.Matches(ev) {
					continue
				}
				select {
				case out <- ev:
				default:
				}
			}
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(stop)
			_ = ps.Close()
			<-done
		})
	}
	return out, cancel, nil
}

var (
	_ EventHub = (*MemoryHub)(nil)
	_ EventHub = (*RedisHub)(nil)
)
