// Package statelock serializes mutating operations per session key.
//
// Operations on the same key run one at a time in strict arrival (FIFO)
// order; operations on different keys run independently. The lock lives in
// process memory only: it does not coordinate multiple processes serving the
// same session.
//
// Waiting is not cancellable. Callers that cannot wait use TryWithLock and
// treat a busy result as "try again later".
package statelock

import (
	"sync"
	"time"
)

// Observer receives timing for lock waits and holds. Either field may be nil.
type Observer struct {
	Waited func(key string, wait time.Duration)
	Held   func(key string, hold time.Duration)
}

// Option configures a Locker.
type Option func(*Locker)

// WithObserver installs timing hooks.
func WithObserver(observer Observer) Option {
	return func(l *Locker) {
		l.observer = observer
	}
}

// WithClock overrides the clock used for observer timings.
func WithClock(now func() time.Time) Option {
	return func(l *Locker) {
		if now != nil {
			l.now = now
		}
	}
}

// Locker is a keyed FIFO mutex. The zero value is not usable; use New.
type Locker struct {
	mu       sync.Mutex
	entries  map[string]*entry
	observer Observer
	now      func() time.Time
}

// entry exists exactly while its key is held. waiters are handed the lock in order.
type entry struct {
	waiters []chan struct{}
}

// New creates an empty Locker.
func New(opts ...Option) *Locker {
	l := &Locker{
		entries: make(map[string]*entry),
		now:     time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l
}

// WithLock runs op while holding the lock for key and returns its result.
// The lock is released on every exit path, including panics, which are
// re-raised after release.
func WithLock[T any](l *Locker, key string, op func() (T, error)) (T, error) {
	start := l.now()
	e := l.acquire(key)
	acquired := l.now()
	l.observeWait(key, acquired.Sub(start))
	defer func() {
		l.observeHold(key, l.now().Sub(acquired))
		l.release(key, e)
	}()
	return op()
}

// TryWithLock runs op only if key is free. When the key is held it returns
// immediately with ok=false and the zero value; this is not an error.
func TryWithLock[T any](l *Locker, key string, op func() (T, error)) (result T, ok bool, err error) {
	e, acquired := l.tryAcquire(key)
	if !acquired {
		var zero T
		return zero, false, nil
	}
	start := l.now()
	defer func() {
		l.observeHold(key, l.now().Sub(start))
		l.release(key, e)
	}()
	result, err = op()
	return result, true, err
}

// Do is WithLock for operations without a result.
func (l *Locker) Do(key string, op func() error) error {
	_, err := WithLock(l, key, func() (struct{}, error) {
		return struct{}{}, op()
	})
	return err
}

// HasActiveLock reports whether key is currently held.
func (l *Locker) HasActiveLock(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, held := l.entries[key]
	return held
}

// ActiveLockCount returns the number of keys currently held.
func (l *Locker) ActiveLockCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// ClearAllLocks force-releases every held lock and wakes every waiter.
//
// Unsafe while operations may still be in flight: woken waiters and current
// holders then run concurrently. Intended for tests and process shutdown.
func (l *Locker) ClearAllLocks() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.entries {
		for _, waiter := range e.waiters {
			close(waiter)
		}
		e.waiters = nil
	}
	l.entries = make(map[string]*entry)
}

func (l *Locker) acquire(key string) *entry {
	l.mu.Lock()
	e, held := l.entries[key]
	if !held {
		e = &entry{}
		l.entries[key] = e
		l.mu.Unlock()
		return e
	}
	turn := make(chan struct{})
	e.waiters = append(e.waiters, turn)
	l.mu.Unlock()
	<-turn
	return e
}

func (l *Locker) tryAcquire(key string) (*entry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, held := l.entries[key]; held {
		return nil, false
	}
	e := &entry{}
	l.entries[key] = e
	return e, true
}

// release hands the lock to the next waiter or frees the key. A release for
// an entry that was force-cleared is a no-op.
func (l *Locker) release(key string, e *entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.entries[key] != e {
		return
	}
	if len(e.waiters) > 0 {
		next := e.waiters[0]
		e.waiters[0] = nil
		e.waiters = e.waiters[1:]
		close(next)
		return
	}
	delete(l.entries, key)
}

// queued returns the number of waiters for key.
func (l *Locker) queued(key string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.entries[key]; ok {
		return len(e.waiters)
	}
	return 0
}

func (l *Locker) observeWait(key string, d time.Duration) {
	if l.observer.Waited != nil {
		l.observer.Waited(key, d)
	}
}

func (l *Locker) observeHold(key string, d time.Duration) {
	if l.observer.Held != nil {
		l.observer.Held(key, d)
	}
}
