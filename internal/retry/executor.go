// Package retry re-runs units of work that fail because another writer
// updated the same row first. Which errors count as conflicts is decided by
// a predicate supplied by the storage layer, so the executor itself knows
// nothing about databases.
package retry

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/pkg/errors"
)

// Defaults used when a Config field is left at zero.
const (
	DefaultMaxRetries = 3
	DefaultBaseDelay  = 50 * time.Millisecond
	DefaultMaxJitter  = 20 * time.Millisecond
)

// Config bounds the retry loop. The delay before retry k (1-based) is
// BaseDelay*k plus a random jitter in [0, MaxJitter).
type Config struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxJitter  time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = DefaultBaseDelay
	}
	if c.MaxJitter < 0 {
		c.MaxJitter = 0
	} else if c.MaxJitter == 0 {
		c.MaxJitter = DefaultMaxJitter
	}
	return c
}

// ConflictFunc reports whether err is a transient version conflict.
type ConflictFunc func(err error) bool

// Observer receives a signal for every scheduled retry and for exhaustion.
type Observer interface {
	RetryScheduled(operation string, attempt int, delay time.Duration, err error)
	RetriesExhausted(operation string, retries int, err error)
}

// NopObserver discards all signals.
type NopObserver struct{}

func (NopObserver) RetryScheduled(string, int, time.Duration, error) {}
func (NopObserver) RetriesExhausted(string, int, error)              {}

// Executor runs operations with bounded conflict retries. It is safe for
// concurrent use.
type Executor struct {
	cfg        Config
	isConflict ConflictFunc
	observer   Observer
	jitter     func(max time.Duration) time.Duration
	sleep      func(ctx context.Context, d time.Duration) error
}

// New builds an Executor. A nil observer is replaced by NopObserver.
func New(cfg Config, isConflict ConflictFunc, observer Observer) *Executor {
	if isConflict == nil {
		isConflict = func(error) bool { return false }
	}
	if observer == nil {
		observer = NopObserver{}
	}
	return &Executor{
		cfg:        cfg.withDefaults(),
		isConflict: isConflict,
		observer:   observer,
		jitter:     randomJitter,
		sleep:      sleepContext,
	}
}

// Config returns the effective configuration.
func (e *Executor) Config() Config { return e.cfg }

// IsConflict exposes the executor's conflict predicate.
func (e *Executor) IsConflict(err error) bool { return e.isConflict(err) }

// Run is Do for operations without a result.
func (e *Executor) Run(ctx context.Context, operation string, op func(ctx context.Context) error) error {
	_, err := Do(ctx, e, operation, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// Do invokes op and re-invokes it after a backoff each time it fails with a
// conflict, up to MaxRetries retries. Non-conflict errors are returned
// immediately. When retries run out the last conflict is returned wrapped
// with the operation name, so errors.Is still matches the store's sentinel.
func Do[T any](ctx context.Context, e *Executor, operation string, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		v, err := op(ctx)
		if err == nil {
			return v, nil
		}
		if !e.isConflict(err) {
			return zero, err
		}
		if attempt == e.cfg.MaxRetries {
			e.observer.RetriesExhausted(operation, attempt, err)
			return zero, errors.Wrapf(err, "%s: gave up after %d retries", operation, attempt)
		}
		retry := attempt + 1
		delay := e.cfg.BaseDelay*time.Duration(retry) + e.jitter(e.cfg.MaxJitter)
		e.observer.RetryScheduled(operation, retry, delay, err)
		if err := e.sleep(ctx, delay); err != nil {
			return zero, err
		}
	}
}

func randomJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return rand.N(max)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
