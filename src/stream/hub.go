package stream

import (
	"context"
	"sync"
	"sync/atomic"

	"chart-sync/src/logger"
)

// Hub multicasts values to any number of subscribers. Broadcast never blocks:
// a subscriber whose channel is full is disconnected and its channel closed.
type Hub[T any] struct {
	name   string
	size   int
	log    *logger.Logger
	mu     sync.RWMutex
	subs   map[int64]chan T
	seq    atomic.Int64
	closed bool
}

// -----------------------------------------------------------------------------

func NewHub[T any](name string, size int, log *logger.Logger) *Hub[T] {
	if size <= 0 {
		size = 1
	}
	if log == nil {
		log = logger.NewNopLogger(name)
	}
	return &Hub[T]{
		name: name,
		size: size,
		log:  log,
		subs: make(map[int64]chan T),
	}
}

// -----------------------------------------------------------------------------

// Subscribe registers a new subscriber. On a closed hub the returned channel
// is already closed.
func (h *Hub[T]) Subscribe() (int64, <-chan T) {
	id := h.seq.Add(1)
	ch := make(chan T, h.size)

	h.mu.Lock()
	if h.closed {
		close(ch)
	} else {
		h.subs[id] = ch
	}
	h.mu.Unlock()

	return id, ch
}

// -----------------------------------------------------------------------------

// Unsubscribe is idempotent.
func (h *Hub[T]) Unsubscribe(id int64) {
	h.mu.Lock()
	ch, ok := h.subs[id]
	if ok {
		delete(h.subs, id)
		close(ch)
	}
	h.mu.Unlock()
}

// -----------------------------------------------------------------------------

// Subscription wraps Subscribe into a handle that is released on Close or when
// ctx is done, whichever comes first.
func (h *Hub[T]) Subscription(ctx context.Context) *Subscription[T] {
	id, ch := h.Subscribe()
	return newSubscription(ctx, ch, func() { h.Unsubscribe(id) })
}

// -----------------------------------------------------------------------------

func (h *Hub[T]) Broadcast(v T) {
	var lagging []int64

	h.mu.RLock()
	for id, ch := range h.subs {
		select {
		case ch <- v:
		default:
			lagging = append(lagging, id)
		}
	}
	h.mu.RUnlock()

	if len(lagging) == 0 {
		return
	}
	h.mu.Lock()
	for _, id := range lagging {
		if ch, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(ch)
			h.log.Warning("%s: disconnected lagging subscriber %d (channel full)", h.name, id)
		}
	}
	h.mu.Unlock()
}

// -----------------------------------------------------------------------------

// Len returns the number of live subscribers.
func (h *Hub[T]) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// -----------------------------------------------------------------------------

// Close disconnects every subscriber. Later subscribers get a closed channel.
func (h *Hub[T]) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
}
