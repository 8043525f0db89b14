package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// ErrStoreUnavailable is returned alongside a denied Result when the backing
// counter store could not be reached.
var ErrStoreUnavailable = errors.New("rate limit store unavailable")

type Options struct {
	MaxRequests int
	Window      time.Duration
}

type Result struct {
	Allowed    bool          `json:"allowed"`
	Limit      int           `json:"limit"`
	Remaining  int           `json:"remaining"`
	Reset      time.Time     `json:"reset"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`

	windowStart time.Time
}

// Store keeps one counter per (key, window start).
type Store interface {
	// Increment adds one to the counter and returns the new value. reset is
	// when the window closes and the counter may be discarded.
	Increment(ctx context.Context, key string, windowStart, reset time.Time) (int, error)
	// Count returns the counter without changing it.
	Count(ctx context.Context, key string, windowStart time.Time) (int, error)
	// Decrement takes one back from the counter. It never goes below zero.
	Decrement(ctx context.Context, key string, windowStart time.Time) error
	// Sweep deletes windows whose reset time is before now.
	Sweep(ctx context.Context, now time.Time) (int64, error)
}

// Limiter is a fixed-window counter. It fails closed.
type Limiter struct {
	store Store
	now   func() time.Time
}

func NewLimiter(store Store) *Limiter {
	return &Limiter{store: store, now: time.Now}
}

// WithClock replaces the time source. Intended for tests.
func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	l.now = now
	return l
}

// window returns the start and end of the window containing now.
func window(now time.Time, size time.Duration) (time.Time, time.Time) {
	ms := size.Milliseconds()
	if ms <= 0 {
		ms = 1
	}
	nowMs := now.UnixMilli()
	start := nowMs - nowMs%ms
	return time.UnixMilli(start).UTC(), time.UnixMilli(start + ms).UTC()
}

// CheckLimit counts one request against key and reports whether it may proceed.
func (l *Limiter) CheckLimit(ctx context.Context, key string, opts Options) (Result, error) {
	now := l.now()
	start, reset := window(now, opts.Window)

	count, err := l.store.Increment(ctx, key, start, reset)
	if err != nil {
		return l.denyOnFailure(key, opts, reset, now, err)
	}
	res := evaluate(count, opts, reset, now, count <= opts.MaxRequests)
	res.windowStart = start
	return res, nil
}

// Release gives back a request counted by CheckLimit. It targets the window
// the request was counted in, even if that window has since closed.
func (l *Limiter) Release(ctx context.Context, key string, counted Result) error {
	if counted.windowStart.IsZero() {
		return nil
	}
	if err := l.store.Decrement(ctx, key, counted.windowStart); err != nil {
		zap.L().Warn("ratelimit.release_failed", zap.String("key", key), zap.Error(err))
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	return nil
}

// Peek reports whether one more request would pass, without counting it.
func (l *Limiter) Peek(ctx context.Context, key string, opts Options) (Result, error) {
	now := l.now()
	start, reset := window(now, opts.Window)

	count, err := l.store.Count(ctx, key, start)
	if err != nil {
		return l.denyOnFailure(key, opts, reset, now, err)
	}
	return evaluate(count, opts, reset, now, count < opts.MaxRequests), nil
}

func evaluate(count int, opts Options, reset, now time.Time, allowed bool) Result {
	res := Result{
		Allowed:   allowed,
		Limit:     opts.MaxRequests,
		Remaining: max(opts.MaxRequests-count, 0),
		Reset:     reset,
	}
	if !allowed {
		res.RetryAfter = reset.Sub(now)
	}
	return res
}

func (l *Limiter) denyOnFailure(key string, opts Options, reset, now time.Time, err error) (Result, error) {
	zap.L().Error("ratelimit.store_failure",
		zap.String("security_event", "rate_limit_store_failure"),
		zap.String("key", key),
		zap.Error(err),
	)
	return Result{
		Allowed:    false,
		Limit:      opts.MaxRequests,
		Remaining:  0,
		Reset:      reset,
		RetryAfter: reset.Sub(now),
	}, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
}

// Sweep removes expired windows from the backing store.
func (l *Limiter) Sweep(ctx context.Context) (int64, error) {
	return l.store.Sweep(ctx, l.now())
}
