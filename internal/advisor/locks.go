package advisor

import (
	"context"
	"sync"
)

// sessionLock is a one-slot semaphore shared by every caller interested in one session.
type sessionLock struct {
	ch   chan struct{}
	refs int
}

// sessionLocks serializes operations per session key.
// An entry lives only while a caller holds or waits for it.
type sessionLocks struct {
	mu    sync.Mutex
	locks map[string]*sessionLock
}

func (l *sessionLocks) ref(key string) *sessionLock {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.locks == nil {
		l.locks = make(map[string]*sessionLock)
	}
	lk, ok := l.locks[key]
	if !ok {
		lk = &sessionLock{ch: make(chan struct{}, 1)}
		l.locks[key] = lk
	}
	lk.refs++
	return lk
}

func (l *sessionLocks) unref(key string, lk *sessionLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	lk.refs--
	if lk.refs == 0 {
		delete(l.locks, key)
	}
}

func (l *sessionLocks) releaser(key string, lk *sessionLock) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			<-lk.ch
			l.unref(key, lk)
		})
	}
}

// tryAcquire takes the session lock without waiting.
func (l *sessionLocks) tryAcquire(key string) (func(), bool) {
	lk := l.ref(key)
	select {
	case lk.ch <- struct{}{}:
		return l.releaser(key, lk), true
	default:
		l.unref(key, lk)
		return nil, false
	}
}

// acquire waits for the session lock or ctx.
func (l *sessionLocks) acquire(ctx context.Context, key string) (func(), error) {
	lk := l.ref(key)
	select {
	case lk.ch <- struct{}{}:
		return l.releaser(key, lk), nil
	case <-ctx.Done():
		l.unref(key, lk)
		return nil, ctx.Err()
	}
}

// size returns how many sessions currently have a lock entry.
func (l *sessionLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
