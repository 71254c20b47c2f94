// Package memory provides an in-process lock.Locker.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/rbaliyan/mailstore/lock"
)

type entry struct {
	readers        int
	writer         bool
	writersWaiting int
	waiters        int
	changed        chan struct{}
}

func (e *entry) idle() bool {
	return e.readers == 0 && !e.writer && e.waiters == 0
}

// Locker is an in-process lock.Locker. Idle keys are freed.
// Waiting writers block new readers so writers are not starved.
type Locker struct {
	mu   sync.Mutex
	keys map[string]*entry
}

// New creates an in-process locker.
func New() *Locker {
	return &Locker{keys: make(map[string]*entry)}
}

// Acquire blocks until the lock is held or ctx ends.
func (l *Locker) Acquire(ctx context.Context, key string, mode lock.Mode) (lock.Lease, error) {
	l.mu.Lock()
	e, ok := l.keys[key]
	if !ok {
		e = &entry{changed: make(chan struct{})}
		l.keys[key] = e
	}
	e.waiters++
	if mode == lock.Exclusive {
		e.writersWaiting++
	}

	for {
		if l.tryTake(e, mode) {
			e.waiters--
			if mode == lock.Exclusive {
				e.writersWaiting--
			}
			l.mu.Unlock()
			return &lease{l: l, key: key, mode: mode}, nil
		}
		ch := e.changed
		l.mu.Unlock()

		select {
		case <-ctx.Done():
			l.mu.Lock()
			e.waiters--
			if mode == lock.Exclusive {
				e.writersWaiting--
				l.broadcast(e)
			}
			if e.idle() {
				delete(l.keys, key)
			}
			l.mu.Unlock()
			return nil, fmt.Errorf("%w: %w", lock.ErrNotAcquired, ctx.Err())
		case <-ch:
		}
		l.mu.Lock()
	}
}

// tryTake must be called with l.mu held.
func (l *Locker) tryTake(e *entry, mode lock.Mode) bool {
	if mode == lock.Exclusive {
		if e.writer || e.readers > 0 {
			return false
		}
		e.writer = true
		return true
	}
	if e.writer || e.writersWaiting > 0 {
		return false
	}
	e.readers++
	return true
}

// broadcast wakes every waiter of e. Must be called with l.mu held.
func (l *Locker) broadcast(e *entry) {
	close(e.changed)
	e.changed = make(chan struct{})
}

func (l *Locker) release(key string, mode lock.Mode) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.keys[key]
	if !ok {
		return
	}
	if mode == lock.Exclusive {
		e.writer = false
	} else if e.readers > 0 {
		e.readers--
	}
	l.broadcast(e)
	if e.idle() {
		delete(l.keys, key)
	}
}

// Len returns the number of keys currently tracked.
func (l *Locker) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.keys)
}

type lease struct {
	l    *Locker
	key  string
	mode lock.Mode
	once sync.Once
}

func (le *lease) Release(context.Context) error {
	le.once.Do(func() { le.l.release(le.key, le.mode) })
	return nil
}
