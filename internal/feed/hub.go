package feed

import (
	"context"
	"sync"
	"sync/atomic"
)

// DefaultBuffer is the per-subscriber channel buffer used by the Hub.
const DefaultBuffer = 256

// Hub is an in-process change feed: the backend publishes committed changes
// and every matching subscriber receives them. Delivery is non-blocking; a
// subscriber whose buffer is full misses the change and Dropped is bumped.
type Hub struct {
	mu      sync.RWMutex
	subs    map[int]*hubSub
	next    int
	buf     int
	dropped atomic.Int64
}

type hubSub struct {
	sub Subscription
	ch  chan Change
}

// NewHub creates a hub with the given subscriber buffer (0 → DefaultBuffer).
func NewHub(buf int) *Hub {
	if buf <= 0 {
		buf = DefaultBuffer
	}
	return &Hub{
		subs: make(map[int]*hubSub),
		buf:  buf,
	}
}

// Publish fans c out to every subscriber whose subscription matches.
func (h *Hub) Publish(c Change) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, s := range h.subs {
		if !s.sub.Matches(c) {
			continue
		}
		select {
		case s.ch <- c:
		default:
			h.dropped.Add(1)
		}
	}
}

// Subscribe implements Transport. The local hub has no row-level security,
// so identity only matters through the already resolved filter.
func (h *Hub) Subscribe(ctx context.Context, _ string, sub Subscription) (<-chan Change, error) {
	ch := make(chan Change, h.buf)
	h.mu.Lock()
	id := h.next
	h.next++
	h.subs[id] = &hubSub{sub: sub, ch: ch}
	h.mu.Unlock()

	go func() {
		<-ctx.Done()
		h.mu.Lock()
		delete(h.subs, id)
		h.mu.Unlock()
		close(ch)
	}()
	return ch, nil
}

// Subscribers returns the number of live subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Dropped returns how many deliveries were skipped because of full buffers.
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}

// Publishers fans one committed change out to several publishers in order.
type Publishers []Publisher

func (ps Publishers) Publish(c Change) {
	for _, p := range ps {
		p.Publish(c)
	}
}
