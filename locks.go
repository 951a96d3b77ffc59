package ledgersync

import "sync"

// recordLocks is a per-record mutex. Entries are dropped once no goroutine
// holds or waits for them.
type recordLocks struct {
	mu    sync.Mutex
	locks map[string]*recordLock
}

type recordLock struct {
	mu   sync.Mutex
	refs int
}

func newRecordLocks() *recordLocks {
	return &recordLocks{locks: make(map[string]*recordLock)}
}

// Lock blocks until key is free and returns its unlock function.
func (l *recordLocks) Lock(key string) func() {
	l.mu.Lock()
	rl, ok := l.locks[key]
	if !ok {
		rl = &recordLock{}
		l.locks[key] = rl
	}
	rl.refs++
	l.mu.Unlock()

	rl.mu.Lock()
	return func() {
		rl.mu.Unlock()

		l.mu.Lock()
		rl.refs--
		if rl.refs == 0 {
			delete(l.locks, key)
		}
		l.mu.Unlock()
	}
}

func (l *recordLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
