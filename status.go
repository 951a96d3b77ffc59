package ledgersync

import (
	"context"
	"sync"
	"time"
)

// State is the coarse sync state published to subscribers.
type State string

const (
	StateIdle     State = "idle"
	StateSyncing  State = "syncing"
	StateConflict State = "conflict"
	StateError    State = "error"
)

// Status is one published snapshot of the engine's sync state.
type Status struct {
	State State `json:"state"        yaml:"state"`
	// Pending is the number of unconfirmed journal entries.
	Pending      int       `json:"pending"                  yaml:"pending"`
	LastSyncedAt time.Time `json:"last_synced_at,omitempty" yaml:"last_synced_at,omitempty"`
	// Err describes the failure behind StateError. Retrying is set when
	// the engine will retry on its own (transport faults).
	Err       string    `json:"error,omitempty"    yaml:"error,omitempty"`
	Retrying  bool      `json:"retrying,omitempty" yaml:"retrying,omitempty"`
	UpdatedAt time.Time `json:"updated_at"         yaml:"updated_at"`
}

// statusBroadcaster fans the latest Status out to subscribers. Slow
// subscribers skip intermediate values and always see the newest one.
type statusBroadcaster struct {
	mu      sync.Mutex
	current Status
	subs    map[chan Status]struct{}
	closed  bool
	done    chan struct{}
}

func newStatusBroadcaster(initial Status) *statusBroadcaster {
	return &statusBroadcaster{
		current: initial,
		subs:    make(map[chan Status]struct{}),
		done:    make(chan struct{}),
	}
}

func (b *statusBroadcaster) get() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current
}

// publish stores s and returns the previous status.
func (b *statusBroadcaster) publish(s Status) Status {
	b.mu.Lock()
	defer b.mu.Unlock()

	prev := b.current
	b.current = s
	if b.closed {
		return prev
	}
	for ch := range b.subs {
		offerLatest(ch, s)
	}
	return prev
}

func (b *statusBroadcaster) subscribe(ctx context.Context) <-chan Status {
	ch := make(chan Status, 1)

	b.mu.Lock()
	if b.closed {
		ch <- b.current
		close(ch)
		b.mu.Unlock()
		return ch
	}
	ch <- b.current
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
		case <-b.done:
			return
		}
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[ch]; ok {
			delete(b.subs, ch)
			close(ch)
		}
	}()
	return ch
}

func (b *statusBroadcaster) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.done)
	for ch := range b.subs {
		delete(b.subs, ch)
		close(ch)
	}
}

// offerLatest replaces any unread value in ch with s.
func offerLatest(ch chan Status, s Status) {
	select {
	case ch <- s:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- s:
	default:
	}
}
