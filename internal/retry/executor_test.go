package retry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errConflict = errors.New("stale version")

func isConflict(err error) bool { return errors.Is(err, errConflict) }

type recorder struct {
	mu        sync.Mutex
	retries   []int
	delays    []time.Duration
	exhausted int
	op        string
}

func (r *recorder) RetryScheduled(op string, attempt int, delay time.Duration, _ error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.op = op
	r.retries = append(r.retries, attempt)
	r.delays = append(r.delays, delay)
}

func (r *recorder) RetriesExhausted(op string, _ int, _ error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.op = op
	r.exhausted++
}

// newTestExecutor returns an executor that records sleeps instead of waiting.
func newTestExecutor(obs Observer) (*Executor, *[]time.Duration) {
	e := New(Config{MaxRetries: 3, BaseDelay: 10 * time.Millisecond, MaxJitter: 20 * time.Millisecond}, isConflict, obs)
	slept := &[]time.Duration{}
	e.jitter = func(time.Duration) time.Duration { return 5 * time.Millisecond }
	e.sleep = func(_ context.Context, d time.Duration) error {
		*slept = append(*slept, d)
		return nil
	}
	return e, slept
}

func TestDo_SucceedsFirstTime(t *testing.T) {
	rec := &recorder{}
	e, slept := newTestExecutor(rec)
	calls := 0
	v, err := Do(context.Background(), e, "op", func(context.Context) (int, error) {
		calls++
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, v)
	assert.Equal(t, 1, calls)
	assert.Empty(t, *slept)
	assert.Empty(t, rec.retries)
}

func TestDo_TwoConflictsThenSuccess(t *testing.T) {
	rec := &recorder{}
	e, slept := newTestExecutor(rec)
	calls := 0
	v, err := Do(context.Background(), e, "reserve:product:1", func(context.Context) (string, error) {
		calls++
		if calls <= 2 {
			return "", errConflict
		}
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []int{1, 2}, rec.retries)
	assert.Equal(t, []time.Duration{15 * time.Millisecond, 25 * time.Millisecond}, *slept)
	assert.Equal(t, 0, rec.exhausted)
	assert.Equal(t, "reserve:product:1", rec.op)
}

func TestDo_AlwaysConflicts(t *testing.T) {
	rec := &recorder{}
	e, slept := newTestExecutor(rec)
	calls := 0
	err := e.Run(context.Background(), "release:r-1", func(context.Context) error {
		calls++
		return errConflict
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, errConflict)
	assert.True(t, e.IsConflict(err))
	assert.Contains(t, err.Error(), "release:r-1")
	assert.Equal(t, 4, calls)
	assert.Equal(t, []int{1, 2, 3}, rec.retries)
	assert.Len(t, *slept, 3)
	assert.Equal(t, 1, rec.exhausted)
}

func TestDo_NonConflictNotRetried(t *testing.T) {
	rec := &recorder{}
	e, slept := newTestExecutor(rec)
	boom := errors.New("disk on fire")
	calls := 0
	err := e.Run(context.Background(), "op", func(context.Context) error {
		calls++
		return boom
	})
	assert.Same(t, boom, err)
	assert.Equal(t, 1, calls)
	assert.Empty(t, *slept)
	assert.Empty(t, rec.retries)
}

func TestDo_CancelledDuringBackoff(t *testing.T) {
	e := New(Config{MaxRetries: 3, BaseDelay: time.Hour}, isConflict, nil)
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	done := make(chan error, 1)
	go func() {
		done <- e.Run(ctx, "op", func(context.Context) error {
			calls++
			return errConflict
		})
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 1, calls)
	case <-time.After(2 * time.Second):
		t.Fatal("executor did not stop after cancellation")
	}
}

func TestDo_CancelledBeforeFirstAttempt(t *testing.T) {
	e, _ := newTestExecutor(nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	called := false
	err := e.Run(ctx, "op", func(context.Context) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
}

func TestConfigDefaults(t *testing.T) {
	e := New(Config{}, nil, nil)
	cfg := e.Config()
	assert.Equal(t, DefaultMaxRetries, cfg.MaxRetries)
	assert.Equal(t, DefaultBaseDelay, cfg.BaseDelay)
	assert.Equal(t, DefaultMaxJitter, cfg.MaxJitter)

	noJitter := New(Config{MaxJitter: -1}, nil, nil).Config()
	assert.Equal(t, time.Duration(0), noJitter.MaxJitter)
}

func TestRandomJitterBounds(t *testing.T) {
	for i := 0; i < 1000; i++ {
		j := randomJitter(20 * time.Millisecond)
		require.GreaterOrEqual(t, j, time.Duration(0))
		require.Less(t, j, 20*time.Millisecond)
	}
	assert.Equal(t, time.Duration(0), randomJitter(0))
}
