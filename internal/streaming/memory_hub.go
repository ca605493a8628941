package streaming

import (
	"context"
	"sync"
	"sync/atomic"
)

// defaultChannelBuffer is the per-subscriber backlog before events are dropped.
const defaultChannelBuffer = 64

type subscription struct {
	filter EventFilter
	out    chan StreamEvent
	once   sync.Once
}

// MemoryHub fans events out to subscribers of the same process. Delivery
// never blocks Publish: a subscriber with a full backlog misses the event.
type MemoryHub struct {
	mu      sync.RWMutex
	subs    map[*subscription]struct{}
	dropped atomic.Int64
}

// NewMemoryHub creates a hub with no subscribers.
func NewMemoryHub() *MemoryHub {
	return &MemoryHub{subs: make(map[*subscription]struct{})}
}

func (h *MemoryHub) Publish(ctx context.Context, event StreamEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h.mu.RLock()
	for s := range h.subs {
		if s.filter.Matches(event) && !s.offer(event) {
			h.dropped.Add(1)
		}
	}
	h.mu.RUnlock()
	return nil
}

// Subscribe returns a channel of matching events and a func that ends the
// subscription and closes the channel. The func is idempotent.
func (h *MemoryHub) Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	s := &subscription{filter: filter, out: make(chan StreamEvent, defaultChannelBuffer)}
	h.mu.Lock()
	h.subs[s] = struct{}{}
	h.mu.Unlock()

	return s.out, func() { h.unsubscribe(s) }, nil
}

func (h *MemoryHub) unsubscribe(s *subscription) {
	s.once.Do(func() {
		h.mu.Lock()
		delete(h.subs, s)
		h.mu.Unlock()
		close(s.out)
	})
}

// Subscribers returns the number of live subscriptions.
func (h *MemoryHub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Dropped returns how many deliveries were skipped because a backlog was full.
func (h *MemoryHub) Dropped() int64 { return h.dropped.Load() }

func (s *subscription) offer(ev StreamEvent) bool {
	select {
	case s.out <- ev:
		return true
	default:
		return false
	}
}
