// Package redis provides a distributed lock.Locker backed by Redis.
//
// The exclusive holder is a string key set with NX semantics and a TTL.
// Shared holders are members of a sorted set scored by their expiry, so a
// crashed reader stops blocking writers once its lease runs out. All state
// transitions run as Lua scripts and are atomic on the server.
package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/rbaliyan/mailstore/lock"
	goredis "github.com/redis/go-redis/v9"
)

// DefaultKeyPrefix namespaces lock keys.
const DefaultKeyPrefix = "mailstore:lock:"

// KEYS[1] writer key, KEYS[2] reader set.
// ARGV[1] token, ARGV[2] ttl in ms, ARGV[3] now in ms.
var acquireExclusive = goredis.NewScript(`
redis.call('ZREMRANGEBYSCORE', KEYS[2], '-inf', ARGV[3])
if redis.call('EXISTS', KEYS[1]) == 1 then return 0 end
if redis.call('ZCARD', KEYS[2]) > 0 then return 0 end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
return 1
`)

var acquireShared = goredis.NewScript(`
redis.call('ZREMRANGEBYSCORE', KEYS[2], '-inf', ARGV[3])
if redis.call('EXISTS', KEYS[1]) == 1 then return 0 end
redis.call('ZADD', KEYS[2], tonumber(ARGV[3]) + tonumber(ARGV[2]), ARGV[1])
redis.call('PEXPIRE', KEYS[2], ARGV[2])
return 1
`)

var releaseExclusive = goredis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

var releaseShared = goredis.NewScript(`
return redis.call('ZREM', KEYS[2], ARGV[1])
`)

type options struct {
	ttl         time.Duration
	waitTimeout time.Duration
	prefix      string
	logger      *slog.Logger
}

// Option configures the Redis locker.
type Option func(*options)

// WithTTL sets how long a lease survives without being released.
func WithTTL(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.ttl = d
		}
	}
}

// WithWaitTimeout sets how long Acquire waits for a busy lock.
func WithWaitTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.waitTimeout = d
		}
	}
}

// WithKeyPrefix sets the prefix of lock keys.
func WithKeyPrefix(prefix string) Option {
	return func(o *options) {
		if prefix != "" {
			o.prefix = prefix
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// Locker is a Redis lock.Locker.
type Locker struct {
	client goredis.UniversalClient
	opts   options
}

// New creates a Redis locker.
func New(client goredis.UniversalClient, opts ...Option) *Locker {
	o := options{
		ttl:         lock.DefaultTTL,
		waitTimeout: lock.DefaultWaitTimeout,
		prefix:      DefaultKeyPrefix,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return &Locker{client: client, opts: o}
}

// keys share a hash tag so both land in one cluster slot.
func (l *Locker) keys(key string) []string {
	base := l.opts.prefix + "{" + key + "}"
	return []string{base + ":w", base + ":r"}
}

// Acquire polls until the lock is held, ctx ends or the wait timeout elapses.
func (l *Locker) Acquire(ctx context.Context, key string, mode lock.Mode) (lock.Lease, error) {
	ctx, cancel := context.WithTimeout(ctx, l.opts.waitTimeout)
	defer cancel()

	script := acquireShared
	if mode == lock.Exclusive {
		script = acquireExclusive
	}
	token := uuid.NewString()
	keys := l.keys(key)

	for attempt := 0; ; attempt++ {
		ok, err := script.Run(ctx, l.client, keys, token, l.opts.ttl.Milliseconds(), time.Now().UnixMilli()).Int()
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("%w: %w", lock.ErrNotAcquired, ctx.Err())
			}
			return nil, fmt.Errorf("lock: redis acquire %s: %w", key, err)
		}
		if ok == 1 {
			l.opts.logger.DebugContext(ctx, "lock acquired", "key", key, "mode", mode.String(), "attempts", attempt+1)
			return &lease{l: l, keys: keys, token: token, mode: mode}, nil
		}
		if err := lock.Wait(ctx, lock.Backoff(attempt)); err != nil {
			return nil, fmt.Errorf("%w: %s: %w", lock.ErrNotAcquired, key, err)
		}
	}
}

type lease struct {
	l        *Locker
	keys     []string
	token    string
	mode     lock.Mode
	released bool
}

func (le *lease) Release(ctx context.Context) error {
	if le.released {
		return nil
	}
	script := releaseShared
	if le.mode == lock.Exclusive {
		script = releaseExclusive
	}
	n, err := script.Run(ctx, le.l.client, le.keys, le.token).Int()
	if err != nil && !errors.Is(err, goredis.Nil) {
		return fmt.Errorf("lock: redis release: %w", err)
	}
	le.released = true
	if n == 0 {
		return lock.ErrLockLost
	}
	return nil
}
