// Package retry re-runs idempotent storage steps with jittered exponential
// backoff. The structural mailbox operations wrap every store call that may
// hit a transient backend failure; domain outcomes such as an existing
// mailbox are marked with MarkNotRetryable and end the loop at once.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"
)

// Defaults applied to zero Config fields.
const (
	DefaultMaxRetries     = 3
	DefaultInitialBackoff = 100 * time.Millisecond
	DefaultMaxBackoff     = 30 * time.Second
	DefaultMultiplier     = 2.0
)

// Config is a retry policy.
type Config struct {
	// MaxRetries counts the attempts after the first one. 0 runs once.
	MaxRetries int

	// InitialBackoff is the wait before the first retry.
	InitialBackoff time.Duration

	// MaxBackoff caps every wait.
	MaxBackoff time.Duration

	// Multiplier grows the wait after each retry.
	Multiplier float64

	// Jitter spreads each wait by +/- Jitter of its length, in [0, 1].
	Jitter float64

	// IsRetryable classifies errors. Nil uses DefaultIsRetryable.
	IsRetryable func(error) bool

	// OnRetry is called before sleeping ahead of a new attempt.
	OnRetry func(attempt int, err error, backoff time.Duration)
}

// DefaultConfig returns the policy used when nothing else is configured.
func DefaultConfig() Config {
	return Config{
		MaxRetries:     DefaultMaxRetries,
		InitialBackoff: DefaultInitialBackoff,
		MaxBackoff:     DefaultMaxBackoff,
		Multiplier:     DefaultMultiplier,
		Jitter:         0.1,
		IsRetryable:    DefaultIsRetryable,
	}
}

// normalize fills zero fields and clamps out-of-range ones.
func (c Config) normalize() Config {
	c.MaxRetries = max(c.MaxRetries, 0)
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = DefaultInitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = DefaultMaxBackoff
	}
	if c.Multiplier <= 0 {
		c.Multiplier = DefaultMultiplier
	}
	c.Jitter = min(max(c.Jitter, 0), 1)
	if c.IsRetryable == nil {
		c.IsRetryable = DefaultIsRetryable
	}
	return c
}

// wait returns the pause after the given zero-based retry.
func (c Config) wait(retry int) time.Duration {
	d := math.Min(float64(c.InitialBackoff)*math.Pow(c.Multiplier, float64(retry)), float64(c.MaxBackoff))
	if c.Jitter > 0 {
		spread := d * c.Jitter
		d += (rand.Float64()*2 - 1) * spread
	}
	return time.Duration(d)
}

// Reasons a retry loop gives up, carried in RetryError.Err.
var (
	// ErrNotRetryable is reported when the failure was classified as final.
	ErrNotRetryable = errors.New("retry: error is not retryable")

	// ErrMaxRetries is reported when every attempt failed.
	ErrMaxRetries = errors.New("retry: max retries exceeded")

	// ErrContextCanceled is reported when ctx ended between attempts.
	ErrContextCanceled = errors.New("retry: context canceled")
)

// RetryableFunc is one attempt.
type RetryableFunc func(ctx context.Context) error

// Do runs fn until it succeeds, fails with a final error, exhausts
// cfg.MaxRetries or ctx ends. Every failure is reported as a *RetryError
// wrapping the last error of fn.
func Do(ctx context.Context, cfg Config, fn RetryableFunc) error {
	cfg = cfg.normalize()

	var last error
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			if last == nil {
				return err
			}
			return &RetryError{Cause: last, Attempts: attempt - 1, Err: ErrContextCanceled}
		}

		last = fn(ctx)
		switch {
		case last == nil:
			return nil
		case !cfg.IsRetryable(last):
			return &RetryError{Cause: last, Attempts: attempt, Err: ErrNotRetryable}
		case attempt > cfg.MaxRetries:
			return &RetryError{Cause: last, Attempts: attempt, Err: ErrMaxRetries}
		}

		pause := cfg.wait(attempt - 1)
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, last, pause)
		}
		if !sleep(ctx, pause) {
			return &RetryError{Cause: last, Attempts: attempt, Err: ErrContextCanceled}
		}
	}
}

// sleep waits for d and reports false when ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// DoWithResult is Do for attempts that produce a value.
func DoWithResult[T any](ctx context.Context, cfg Config, fn func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := Do(ctx, cfg, func(ctx context.Context) error {
		var err error
		result, err = fn(ctx)
		return err
	})
	return result, err
}

// RetryError describes a failed retry loop.
type RetryError struct {
	// Cause is the last error returned by the attempt.
	Cause error

	// Attempts is the number of attempts made.
	Attempts int

	// Err is ErrMaxRetries, ErrNotRetryable or ErrContextCanceled.
	Err error
}

func (e *RetryError) Error() string {
	return fmt.Sprintf("retry failed after %d attempts (%s): %s", e.Attempts, e.Err, e.Cause)
}

func (e *RetryError) Unwrap() error {
	return e.Cause
}

// Is matches both the give-up reason and the cause chain.
func (e *RetryError) Is(target error) bool {
	return errors.Is(e.Err, target) || errors.Is(e.Cause, target)
}

// DefaultIsRetryable treats unknown errors as transient. Cancellation and
// errors marked with MarkNotRetryable are final; anything exposing
// Retryable() bool decides for itself.
func DefaultIsRetryable(err error) bool {
	if err == nil || errors.Is(err, ErrNotRetryable) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var r interface{ Retryable() bool }
	if errors.As(err, &r) {
		return r.Retryable()
	}
	return true
}

// MarkNotRetryable flags err as final for DefaultIsRetryable.
func MarkNotRetryable(err error) error {
	return mark(err, false)
}

// MarkRetryable flags err as transient for DefaultIsRetryable.
func MarkRetryable(err error) error {
	return mark(err, true)
}

func mark(err error, retryable bool) error {
	if err == nil {
		return nil
	}
	return &markedError{cause: err, retryable: retryable}
}

// markedError carries an explicit classification and is otherwise
// transparent.
type markedError struct {
	cause     error
	retryable bool
}

func (e *markedError) Error() string   { return e.cause.Error() }
func (e *markedError) Unwrap() error   { return e.cause }
func (e *markedError) Retryable() bool { return e.retryable }
