package utils

import (
	"context"
	"sync"

	"github.com/gravitational/trace"
)

// KeyLock is a set of single-permit synchronizers addressed by string key.
// It collapses identical concurrent cold-cache loads: the first caller for a
// key proceeds while the rest queue behind it. Entries are reference counted
// and removed from the map once the last waiter releases, so the map only
// holds keys that are actively contended.
//
// Scope is process-local.
type KeyLock struct {
	mu    sync.Mutex
	locks map[string]*keyLockEntry
}

type keyLockEntry struct {
	sem  chan struct{}
	refs int
}

// NewKeyLock creates an empty KeyLock.
func NewKeyLock() *KeyLock {
	return &KeyLock{locks: make(map[string]*keyLockEntry)}
}

// Acquire blocks until the permit for key is held or ctx is done. On success
// it returns a release function which must be called exactly once.
func (l *KeyLock) Acquire(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	entry, ok := l.locks[key]
	if !ok {
		entry = &keyLockEntry{sem: make(chan struct{}, 1)}
		l.locks[key] = entry
	}
	entry.refs++
	l.mu.Unlock()

	select {
	case entry.sem <- struct{}{}:
		return func() {
			<-entry.sem
			l.release(key, entry)
		}, nil
	case <-ctx.Done():
		l.release(key, entry)
		return nil, trace.Wrap(ctx.Err())
	}
}

func (l *KeyLock) release(key string, entry *keyLockEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry.refs--
	if entry.refs == 0 {
		delete(l.locks, key)
	}
}

// Len returns the number of keys currently tracked, exposed for tests.
func (l *KeyLock) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
