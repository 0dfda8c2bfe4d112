// Package retry provides a small, reusable exponential backoff policy used for
// submission retries and push channel reconnection.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
)

// Policy bounds a retried operation. MaxAttempts counts the first try, so a
// policy with MaxAttempts 3 waits at most twice.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
	Ceiling     time.Duration
}

// Validate reports configuration mistakes.
func (p Policy) Validate() error {
	switch {
	case p.MaxAttempts < 1:
		return fmt.Errorf("max attempts must be at least 1, got %d", p.MaxAttempts)
	case p.BaseDelay <= 0:
		return fmt.Errorf("base delay must be positive, got %s", p.BaseDelay)
	case p.Multiplier < 1:
		return fmt.Errorf("multiplier must be at least 1, got %g", p.Multiplier)
	case p.Ceiling < p.BaseDelay:
		return fmt.Errorf("ceiling %s is below base delay %s", p.Ceiling, p.BaseDelay)
	}
	return nil
}

func (p Policy) exponential(clk clock.Clock) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	b.MaxInterval = p.Ceiling
	b.Multiplier = p.Multiplier
	b.RandomizationFactor = 0
	// Attempts bound the retries, not elapsed time.
	b.MaxElapsedTime = 0
	if clk != nil {
		b.Clock = clk
	}
	b.Reset()
	return b
}

// Delays returns the waits the policy inserts between attempts.
func (p Policy) Delays() []time.Duration {
	if p.MaxAttempts <= 1 {
		return nil
	}
	b := p.exponential(nil)
	out := make([]time.Duration, 0, p.MaxAttempts-1)
	for i := 1; i < p.MaxAttempts; i++ {
		out = append(out, b.NextBackOff())
	}
	return out
}

// Operation is one attempt. Returning an error wrapped with Permanent stops
// retrying immediately.
type Operation func(ctx context.Context) error

// NotifyFunc is called after a failed attempt, before waiting delay.
type NotifyFunc func(err error, attempt int, delay time.Duration)

// Option configures a single Do call.
type Option func(*options)

type options struct {
	clock  clock.Clock
	notify NotifyFunc
}

// WithClock makes waits use clk, typically a *clock.Mock in tests.
func WithClock(clk clock.Clock) Option {
	return func(o *options) { o.clock = clk }
}

// WithNotify registers a callback for failed attempts.
func WithNotify(fn NotifyFunc) Option {
	return func(o *options) { o.notify = fn }
}

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// ErrExhausted wraps the last error once every attempt failed.
var ErrExhausted = errors.New("retry attempts exhausted")

// Do runs op until it succeeds, returns a permanent error, ctx is done, or the
// attempts run out. In the last case the returned error wraps both
// ErrExhausted and the last attempt's error.
func (p Policy) Do(ctx context.Context, op Operation, opts ...Option) error {
	o := options{clock: clock.New()}
	for _, opt := range opts {
		opt(&o)
	}

	maxRetries := 0
	if p.MaxAttempts > 1 {
		maxRetries = p.MaxAttempts - 1
	}
	b := backoff.WithContext(backoff.WithMaxRetries(p.exponential(o.clock), uint64(maxRetries)), ctx)

	attempt := 0
	var permanent bool
	err := backoff.RetryNotifyWithTimer(
		func() error {
			attempt++
			err := op(ctx)
			var perm *backoff.PermanentError
			if errors.As(err, &perm) {
				permanent = true
			}
			return err
		},
		b,
		func(err error, delay time.Duration) {
			if o.notify != nil {
				o.notify(err, attempt, delay)
			}
		},
		&clockTimer{clock: o.clock},
	)
	if err == nil || permanent {
		return err
	}
	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
		return err
	}
	return fmt.Errorf("%w after %d attempts: %w", ErrExhausted, attempt, err)
}

// clockTimer adapts a clock.Clock timer to backoff.Timer.
type clockTimer struct {
	clock clock.Clock
	timer *clock.Timer
}

func (t *clockTimer) Start(d time.Duration) {
	if t.timer == nil {
		t.timer = t.clock.Timer(d)
		return
	}
	t.timer.Reset(d)
}

func (t *clockTimer) Stop() {
	if t.timer != nil {
		t.timer.Stop()
	}
}

func (t *clockTimer) C() <-chan time.Time {
	return t.timer.C
}
