package stream

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recv[T any](t *testing.T, ch <-chan T) (T, bool) {
	t.Helper()
	select {
	case v, ok := <-ch:
		return v, ok
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for value")
	}
	var zero T
	return zero, false
}

func expectClosed[T any](t *testing.T, ch <-chan T) {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("channel was never closed")
		}
	}
}

func TestHubBroadcastDeliversToAllSubscribers(t *testing.T) {
	h := NewHub[int]("test", 4, nil)
	_, a := h.Subscribe()
	_, b := h.Subscribe()

	h.Broadcast(7)

	v, ok := recv(t, a)
	require.True(t, ok)
	assert.Equal(t, 7, v)
	v, ok = recv(t, b)
	require.True(t, ok)
	assert.Equal(t, 7, v)
}

func TestHubEvictsLaggingSubscriber(t *testing.T) {
	h := NewHub[int]("test", 1, nil)
	_, slow := h.Subscribe()
	_, fast := h.Subscribe()

	h.Broadcast(1)
	<-fast
	h.Broadcast(2)

	assert.Equal(t, 1, h.Len())
	expectClosed(t, slow)

	v, ok := recv(t, fast)
	require.True(t, ok)
	assert.Equal(t, 2, v)
}

func TestHubUnsubscribeIsIdempotent(t *testing.T) {
	h := NewHub[int]("test", 1, nil)
	id, ch := h.Subscribe()

	h.Unsubscribe(id)
	h.Unsubscribe(id)

	expectClosed(t, ch)
	assert.Equal(t, 0, h.Len())
}

func TestHubCloseClosesLateSubscribers(t *testing.T) {
	h := NewHub[int]("test", 1, nil)
	_, before := h.Subscribe()
	h.Close()
	h.Close()
	_, after := h.Subscribe()

	expectClosed(t, before)
	expectClosed(t, after)
}

func TestSubscriptionReleasedByContext(t *testing.T) {
	h := NewHub[int]("test", 1, nil)
	ctx, cancel := context.WithCancel(context.Background())
	sub := h.Subscription(ctx)
	require.Equal(t, 1, h.Len())

	cancel()
	expectClosed(t, sub.C)
	assert.Equal(t, 0, h.Len())

	sub.Close()
}

func TestPipeFiltersAndReleasesSource(t *testing.T) {
	h := NewHub[int]("test", 8, nil)
	src := h.Subscription(context.Background())
	even := Pipe(context.Background(), src, 8, func(v int) (string, bool) {
		if v%2 != 0 {
			return "", false
		}
		return string(rune('a' + v)), true
	})

	for i := 0; i < 5; i++ {
		h.Broadcast(i)
	}
	for _, want := range []string{"a", "c", "e"} {
		v, ok := recv(t, even.C)
		require.True(t, ok)
		assert.Equal(t, want, v)
	}

	even.Close()
	expectClosed(t, even.C)
	assert.Eventually(t, func() bool { return h.Len() == 0 }, time.Second, 5*time.Millisecond)
}

func TestClosedSubscription(t *testing.T) {
	sub := Closed[int]()
	expectClosed(t, sub.C)
	sub.Close()
}

func TestLatestReplaysCurrentValue(t *testing.T) {
	l := NewLatest("disconnected")
	l.Set("connecting")

	sub := l.Subscribe(context.Background())
	defer sub.Close()

	v, ok := recv(t, sub.C)
	require.True(t, ok)
	assert.Equal(t, "connecting", v)
}

func TestLatestKeepsNewestForSlowSubscriber(t *testing.T) {
	l := NewLatest(0)
	sub := l.Subscribe(context.Background())
	defer sub.Close()

	for i := 1; i <= 10; i++ {
		l.Set(i)
	}

	v, ok := recv(t, sub.C)
	require.True(t, ok)
	assert.Equal(t, 10, v)
	assert.Equal(t, 10, l.Get())
}

func TestLatestClose(t *testing.T) {
	l := NewLatest(1)
	sub := l.Subscribe(context.Background())
	l.Close()

	expectClosed(t, sub.C)
	expectClosed(t, l.Subscribe(context.Background()).C)
}
