package stream

import (
	"context"
	"sync"
)

// Subscription is a receive channel plus a release function that runs exactly
// once, either on Close or when the owning context ends.
type Subscription[T any] struct {
	C <-chan T

	once    sync.Once
	mu      sync.Mutex
	release func()
	stop    func() bool
}

// -----------------------------------------------------------------------------

func newSubscription[T any](ctx context.Context, c <-chan T, release func()) *Subscription[T] {
	s := &Subscription[T]{C: c, release: release}
	if ctx != nil {
		s.mu.Lock()
		s.stop = context.AfterFunc(ctx, s.Close)
		s.mu.Unlock()
	}
	return s
}

// -----------------------------------------------------------------------------

// NewSubscription builds a subscription from an existing channel.
func NewSubscription[T any](ctx context.Context, c <-chan T, release func()) *Subscription[T] {
	return newSubscription(ctx, c, release)
}

// -----------------------------------------------------------------------------

// Closed returns a subscription whose channel is already closed.
func Closed[T any]() *Subscription[T] {
	ch := make(chan T)
	close(ch)
	return &Subscription[T]{C: ch}
}

// -----------------------------------------------------------------------------

func (s *Subscription[T]) Close() {
	s.once.Do(func() {
		s.mu.Lock()
		stop := s.stop
		s.mu.Unlock()

		if stop != nil {
			stop()
		}
		if s.release != nil {
			s.release()
		}
	})
}

// -----------------------------------------------------------------------------

// Pipe feeds src through fn into a new subscription. Values for which fn
// returns false are dropped. Closing the result releases src; src ending
// closes the result channel.
func Pipe[In, Out any](ctx context.Context, src *Subscription[In], size int, fn func(In) (Out, bool)) *Subscription[Out] {
	out := make(chan Out, size)
	done := make(chan struct{})

	go func() {
		defer close(out)
		defer src.Close()

		for {
			select {
			case <-done:
				return
			case v, ok := <-src.C:
				if !ok {
					return
				}
				o, keep := fn(v)
				if !keep {
					continue
				}
				select {
				case out <- o:
				case <-done:
					return
				}
			}
		}
	}()

	return newSubscription[Out](ctx, out, func() { close(done) })
}
