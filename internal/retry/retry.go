// Package retry implements exponential backoff with jitter for
// resubscribing to a failing source — no backoff library appears
// anywhere in the dependency surface this repo draws on, so this is a
// direct translation of the standard "cap, jitter, reset on success"
// algorithm against the standard library's time and math/rand.
package retry

import (
	"context"
	"math/rand"
	"time"
)

// Config tunes the backoff curve.
type Config struct {
	// BaseDelay is the delay before the first retry attempt.
	BaseDelay time.Duration
	// MaxDelay caps the computed delay regardless of attempt count.
	MaxDelay time.Duration
	// Multiplier grows the delay between successive attempts.
	Multiplier float64
	// Jitter is the fraction (0..1) of the computed delay randomized
	// away, split evenly above and below it.
	Jitter float64
	// MaxAttempts bounds consecutive failures before giving up. Zero
	// means unlimited.
	MaxAttempts int
}

// DefaultConfig mirrors the conservative defaults used for SFU session
// reconnection: start at 1s, double, cap at 30s, +/-20% jitter.
func DefaultConfig() Config {
	return Config{
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
		Multiplier:  2,
		Jitter:      0.2,
		MaxAttempts: 0,
	}
}

// delay computes the backoff delay for the given 1-indexed attempt
// number, before jitter.
func (c Config) delay(attempt int) time.Duration {
	d := float64(c.BaseDelay)
	mult := c.Multiplier
	if mult <= 1 {
		mult = 2
	}
	for i := 1; i < attempt; i++ {
		d *= mult
		if d >= float64(c.MaxDelay) {
			d = float64(c.MaxDelay)
			break
		}
	}
	if c.MaxDelay > 0 && d > float64(c.MaxDelay) {
		d = float64(c.MaxDelay)
	}
	return time.Duration(d)
}

func (c Config) jittered(d time.Duration, rng *rand.Rand) time.Duration {
	if c.Jitter <= 0 {
		return d
	}
	spread := float64(d) * c.Jitter
	offset := (rng.Float64()*2 - 1) * spread
	result := float64(d) + offset
	if result < 0 {
		result = 0
	}
	return time.Duration(result)
}

// Do calls fn, retrying with exponential backoff while it returns an
// error. The attempt counter resets to zero after any success, so a
// long-lived caller that fails, recovers, and fails again starts its
// next backoff curve from BaseDelay rather than carrying over the old
// attempt count. Do returns fn's last error if ctx is cancelled or
// MaxAttempts consecutive failures are reached.
func Do[T any](ctx context.Context, cfg Config, fn func(ctx context.Context, attempt int) (T, error)) (T, error) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	var zero T
	attempt := 0

	for {
		attempt++
		val, err := fn(ctx, attempt)
		if err == nil {
			return val, nil
		}
		if cfg.MaxAttempts > 0 && attempt >= cfg.MaxAttempts {
			return zero, err
		}

		d := cfg.jittered(cfg.delay(attempt), rng)
		timer := time.NewTimer(d)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, ctx.Err()
		case <-timer.C:
		}
	}
}

// Retrier wraps a Hot-style resubscription loop: each time the upstream
// producer fails it is restarted after an exponentially growing delay,
// and a successful emission resets the curve. Unlike Do, which wraps a
// single call, Retrier wraps a long-lived producer that may emit many
// values before eventually failing.
type Retrier[T any] struct {
	cfg Config
}

// New returns a Retrier using cfg.
func New[T any](cfg Config) *Retrier[T] {
	return &Retrier[T]{cfg: cfg}
}

// Run starts produce, forwarding every value to emit. If produce returns
// an error, Run waits out the current backoff delay and restarts it,
// resetting the backoff curve first if at least one value was emitted
// since the last restart. Run returns when ctx is cancelled or
// MaxAttempts consecutive failures (with no intervening success) is
// reached.
func (r *Retrier[T]) Run(ctx context.Context, emit func(T), produce func(ctx context.Context, emit func(T)) error) error {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	attempt := 0

	for {
		succeeded := false
		wrapped := func(v T) {
			succeeded = true
			emit(v)
		}

		err := produce(ctx, wrapped)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if succeeded {
			attempt = 0
		}
		attempt++

		if r.cfg.MaxAttempts > 0 && attempt >= r.cfg.MaxAttempts {
			return err
		}

		d := r.cfg.jittered(r.cfg.delay(attempt), rng)
		timer := time.NewTimer(d)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
