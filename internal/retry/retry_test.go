package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDoSucceedsWithoutRetrying(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BaseDelay = time.Millisecond

	calls := 0
	val, err := Do(context.Background(), cfg, func(ctx context.Context, attempt int) (int, error) {
		calls++
		return 7, nil
	})
	require.NoError(t, err)
	require.Equal(t, 7, val)
	require.Equal(t, 1, calls)
}

func TestDoRetriesUntilSuccess(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BaseDelay = time.Millisecond
	cfg.MaxDelay = 5 * time.Millisecond

	calls := 0
	val, err := Do(context.Background(), cfg, func(ctx context.Context, attempt int) (int, error) {
		calls++
		if calls < 3 {
			return 0, errors.New("not yet")
		}
		return 99, nil
	})
	require.NoError(t, err)
	require.Equal(t, 99, val)
	require.Equal(t, 3, calls)
}

func TestDoGivesUpAfterMaxAttempts(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BaseDelay = time.Millisecond
	cfg.MaxDelay = 2 * time.Millisecond
	cfg.MaxAttempts = 3
	boom := errors.New("boom")

	calls := 0
	_, err := Do(context.Background(), cfg, func(ctx context.Context, attempt int) (int, error) {
		calls++
		return 0, boom
	})
	require.ErrorIs(t, err, boom)
	require.Equal(t, 3, calls)
}

func TestDoRespectsContextCancellation(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BaseDelay = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()

	_, err := Do(ctx, cfg, func(ctx context.Context, attempt int) (int, error) {
		return 0, errors.New("fail")
	})
	require.ErrorIs(t, err, context.Canceled)
}

func TestDelayGrowsAndCaps(t *testing.T) {
	cfg := Config{BaseDelay: time.Second, MaxDelay: 8 * time.Second, Multiplier: 2}
	require.Equal(t, time.Second, cfg.delay(1))
	require.Equal(t, 2*time.Second, cfg.delay(2))
	require.Equal(t, 4*time.Second, cfg.delay(3))
	require.Equal(t, 8*time.Second, cfg.delay(4))
	require.Equal(t, 8*time.Second, cfg.delay(10))
}

func TestRunResetsAttemptCounterAfterSuccess(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BaseDelay = time.Millisecond
	cfg.MaxDelay = 2 * time.Millisecond
	// Three consecutive failures would end Run; the reset after the third
	// call's emission is what lets it reach the fourth call.
	cfg.MaxAttempts = 3

	r := New[int](cfg)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	produceCalls := 0
	var emitted []int
	err := r.Run(ctx, func(v int) {
		emitted = append(emitted, v)
	}, func(ctx context.Context, emit func(int)) error {
		produceCalls++
		if produceCalls <= 2 {
			// First two restarts fail before emitting anything.
			return errors.New("still failing")
		}
		if produceCalls == 3 {
			emit(1)
			return errors.New("fails after one emission")
		}
		emit(2)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []int{1, 2}, emitted)
}

func TestRunGivesUpAfterConsecutiveFailuresWithNoEmission(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BaseDelay = time.Millisecond
	cfg.MaxDelay = 2 * time.Millisecond
	cfg.MaxAttempts = 3
	boom := errors.New("boom")

	r := New[int](cfg)
	err := r.Run(context.Background(), func(v int) {}, func(ctx context.Context, emit func(int)) error {
		return boom
	})
	require.ErrorIs(t, err, boom)
}
