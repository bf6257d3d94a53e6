package stream

import (
	"context"
	"sync"
	"sync/atomic"
)

// Latest holds a current value and replays it to every new subscriber.
// Subscriber channels hold one value; a slow subscriber only ever misses
// intermediate values, never the newest one.
type Latest[T any] struct {
	mu     sync.Mutex
	value  T
	subs   map[int64]chan T
	seq    atomic.Int64
	closed bool
}

// -----------------------------------------------------------------------------

func NewLatest[T any](initial T) *Latest[T] {
	return &Latest[T]{
		value: initial,
		subs:  make(map[int64]chan T),
	}
}

// -----------------------------------------------------------------------------

func (l *Latest[T]) Get() T {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.value
}

// -----------------------------------------------------------------------------

func (l *Latest[T]) Set(v T) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.value = v
	for _, ch := range l.subs {
		offer(ch, v)
	}
}

// -----------------------------------------------------------------------------

// Subscribe delivers the current value first, then every later Set.
func (l *Latest[T]) Subscribe(ctx context.Context) *Subscription[T] {
	id := l.seq.Add(1)
	ch := make(chan T, 1)

	l.mu.Lock()
	if l.closed {
		close(ch)
		l.mu.Unlock()
		return newSubscription[T](ctx, ch, nil)
	}
	ch <- l.value
	l.subs[id] = ch
	l.mu.Unlock()

	return newSubscription[T](ctx, ch, func() { l.unsubscribe(id) })
}

// -----------------------------------------------------------------------------

func (l *Latest[T]) unsubscribe(id int64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if ch, ok := l.subs[id]; ok {
		delete(l.subs, id)
		close(ch)
	}
}

// -----------------------------------------------------------------------------

func (l *Latest[T]) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return
	}
	l.closed = true
	for id, ch := range l.subs {
		delete(l.subs, id)
		close(ch)
	}
}

// -----------------------------------------------------------------------------

// offer replaces a stale buffered value with v. Only Set sends, under the lock,
// so the second send cannot block.
func offer[T any](ch chan T, v T) {
	select {
	case ch <- v:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- v:
	default:
	}
}
