package storage

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

type lockEntry struct {
	sem  *semaphore.Weighted
	refs int
}

// Locker serializes read-modify-write sections per logical key. Writers to
// the same key never interleave; different keys proceed in parallel.
type Locker struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

func NewLocker() *Locker {
	return &Locker{entries: make(map[string]*lockEntry)}
}

// RunExclusive runs fn while holding the lock for key. Waiting for the lock
// honours ctx cancellation.
func (l *Locker) RunExclusive(ctx context.Context, key string, fn func() error) error {
	e := l.acquireEntry(key)
	defer l.releaseEntry(key, e)

	if err := e.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer e.sem.Release(1)

	return fn()
}

func (l *Locker) acquireEntry(key string) *lockEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[key]
	if !ok {
		e = &lockEntry{sem: semaphore.NewWeighted(1)}
		l.entries[key] = e
	}
	e.refs++
	return e
}

func (l *Locker) releaseEntry(key string, e *lockEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e.refs--
	if e.refs == 0 {
		delete(l.entries, key)
	}
}

// held reports how many callers currently reference key. Test hook.
func (l *Locker) held(key string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.entries[key]; ok {
		return e.refs
	}
	return 0
}
