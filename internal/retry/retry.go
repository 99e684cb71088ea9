// Package retry implements bounded retry and polling loops with a fixed or
// multiplicative backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrExhausted is returned when the attempt budget runs out.
var ErrExhausted = errors.New("retry attempts exhausted")

// Policy bounds a retry or polling loop.
type Policy struct {
	MaxAttempts int
	Interval    time.Duration
	// Multiplier > 1 grows the interval after each attempt; 0 or 1 keeps it fixed.
	Multiplier  float64
	MaxInterval time.Duration
}

// Fixed returns a policy with a constant interval.
func Fixed(attempts int, interval time.Duration) Policy {
	return Policy{MaxAttempts: attempts, Interval: interval}
}

func (p Policy) attempts() int {
	if p.MaxAttempts <= 0 {
		return 1
	}
	return p.MaxAttempts
}

func (p Policy) next(current time.Duration) time.Duration {
	if p.Multiplier > 1 {
		current = time.Duration(float64(current) * p.Multiplier)
	}
	if p.MaxInterval > 0 && current > p.MaxInterval {
		current = p.MaxInterval
	}
	return current
}

// Do calls fn until it succeeds, returns an error retryable rejects, or the
// attempt budget is spent. The last error is wrapped together with ErrExhausted.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context) error, retryable func(error) bool) error {
	attempts := p.attempts()
	wait := p.Interval

	var lastErr error
	for i := 1; i <= attempts; i++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if retryable != nil && !retryable(lastErr) {
			return lastErr
		}
		if i == attempts {
			break
		}
		if err := sleep(ctx, wait); err != nil {
			return err
		}
		wait = p.next(wait)
	}
	return fmt.Errorf("%w after %d attempts: %w", ErrExhausted, attempts, lastErr)
}

// Poll calls fn until it reports done or fails. fn is invoked immediately and
// then once per interval. Returns ErrExhausted if done never becomes true.
func (p Policy) Poll(ctx context.Context, fn func(ctx context.Context, attempt int) (done bool, err error)) error {
	attempts := p.attempts()
	wait := p.Interval

	for i := 1; i <= attempts; i++ {
		done, err := fn(ctx, i)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		if i == attempts {
			break
		}
		if err := sleep(ctx, wait); err != nil {
			return err
		}
		wait = p.next(wait)
	}
	return fmt.Errorf("%w after %d attempts", ErrExhausted, attempts)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
