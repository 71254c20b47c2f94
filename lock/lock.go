// Package lock provides path locks used to serialize structural mailbox
// mutations (create, rename) across processes.
//
// Backends:
//   - lock/memory: in-process, for tests and single-node deployments
//   - lock/redis: Redis, using Lua scripts for atomic acquire and release
//   - lock/nats: NATS JetStream key-value bucket with compare-and-set
//
// A lock has two modes. Shared holders may overlap with each other but never
// with an exclusive holder.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Mode is the lock mode.
type Mode uint8

const (
	// Shared allows concurrent shared holders.
	Shared Mode = iota
	// Exclusive excludes every other holder.
	Exclusive
)

func (m Mode) String() string {
	if m == Exclusive {
		return "exclusive"
	}
	return "shared"
}

// Sentinel errors.
var (
	// ErrNotAcquired is returned when the lock could not be taken before the
	// wait timeout.
	ErrNotAcquired = errors.New("lock: not acquired")

	// ErrLockLost is returned by Release when the lease expired and another
	// holder may have taken the lock.
	ErrLockLost = errors.New("lock: lease lost")
)

// Default timings shared by the distributed backends.
const (
	DefaultTTL          = 30 * time.Second
	DefaultWaitTimeout  = 10 * time.Second
	DefaultPollInterval = 10 * time.Millisecond
	MaxPollInterval     = 250 * time.Millisecond
)

// Locker acquires locks by key.
type Locker interface {
	// Acquire blocks until the lock is held, the context ends or the
	// backend's wait timeout elapses.
	Acquire(ctx context.Context, key string, mode Mode) (Lease, error)
}

// Lease is a held lock.
type Lease interface {
	// Release gives the lock back. Releasing twice is a no-op.
	Release(ctx context.Context) error
}

// Do runs fn while holding the lock on key.
func Do(ctx context.Context, l Locker, key string, mode Mode, fn func(ctx context.Context) error) (err error) {
	lease, err := l.Acquire(ctx, key, mode)
	if err != nil {
		return fmt.Errorf("acquire %s lock on %s: %w", mode, key, err)
	}
	defer func() {
		// Release with a fresh context so a cancelled caller still frees the lock.
		relCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if relErr := lease.Release(relCtx); relErr != nil {
			err = errors.Join(err, fmt.Errorf("release %s lock on %s: %w", mode, key, relErr))
		}
	}()
	return fn(ctx)
}

// DoWithResult runs fn while holding the lock on key and returns its result.
func DoWithResult[T any](ctx context.Context, l Locker, key string, mode Mode, fn func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := Do(ctx, l, key, mode, func(ctx context.Context) error {
		var fnErr error
		result, fnErr = fn(ctx)
		return fnErr
	})
	return result, err
}

// Backoff returns the poll interval after attempt failed acquisitions,
// doubling from DefaultPollInterval up to MaxPollInterval.
func Backoff(attempt int) time.Duration {
	d := DefaultPollInterval
	for i := 0; i < attempt && d < MaxPollInterval; i++ {
		d *= 2
	}
	return min(d, MaxPollInterval)
}

// Wait sleeps for d or until ctx ends.
func Wait(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
