package ledgersync

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusSubscriberSeesLatest(t *testing.T) {
	b := newStatusBroadcaster(Status{State: StateIdle})
	ch := b.subscribe(context.Background())

	assert.Equal(t, StateIdle, (<-ch).State)

	// A subscriber that does not read skips intermediate values.
	b.publish(Status{State: StateSyncing})
	b.publish(Status{State: StateConflict})
	prev := b.publish(Status{State: StateError, Err: "boom"})
	assert.Equal(t, StateConflict, prev.State)

	got := <-ch
	assert.Equal(t, StateError, got.State)
	assert.Equal(t, "boom", got.Err)

	select {
	case s := <-ch:
		t.Fatalf("unexpected extra status %+v", s)
	default:
	}
}

func TestStatusSubscriptionEndsWithContext(t *testing.T) {
	b := newStatusBroadcaster(Status{State: StateIdle})
	ctx, cancel := context.WithCancel(context.Background())
	ch := b.subscribe(ctx)
	<-ch

	cancel()
	require.Eventually(t, func() bool {
		select {
		case _, ok := <-ch:
			return !ok
		default:
			return false
		}
	}, time.Second, time.Millisecond)

	b.mu.Lock()
	assert.Empty(t, b.subs)
	b.mu.Unlock()
}

func TestStatusCloseEndsSubscriptions(t *testing.T) {
	b := newStatusBroadcaster(Status{State: StateIdle})
	ch := b.subscribe(context.Background())
	b.close()

	var got []Status
	for s := range ch {
		got = append(got, s)
	}
	require.Len(t, got, 1)

	late := b.subscribe(context.Background())
	s, ok := <-late
	assert.True(t, ok)
	assert.Equal(t, StateIdle, s.State)
	_, ok = <-late
	assert.False(t, ok)
}
