// Package retry runs transport operations with bounded, capped exponential
// backoff. Only transient transport failures are retried.
package retry

import (
	"context"
	"errors"
	"time"

	"minerlink/internal/miner"
)

type Policy struct {
	// Attempts is the total number of tries, including the first.
	Attempts   int
	Backoff    time.Duration
	MaxBackoff time.Duration
	Multiplier float64
}

func Default() Policy {
	return Policy{Attempts: 3, Backoff: 200 * time.Millisecond, MaxBackoff: 2 * time.Second, Multiplier: 2}
}

// None never retries.
func None() Policy { return Policy{Attempts: 1} }

// Retryable reports whether err is a timeout or reset transport failure.
func Retryable(err error) bool {
	var te *miner.TransportError
	return errors.As(err, &te) && te.Transient()
}

// Delay returns the wait before retry number n (1-based).
func (p Policy) Delay(n int) time.Duration {
	d := p.Backoff
	m := p.Multiplier
	if m < 1 {
		m = 1
	}
	for i := 1; i < n; i++ {
		d = time.Duration(float64(d) * m)
		if p.MaxBackoff > 0 && d >= p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	if p.MaxBackoff > 0 && d > p.MaxBackoff {
		return p.MaxBackoff
	}
	return d
}

// Do calls fn until it succeeds, fails permanently, runs out of attempts or
// ctx ends. onRetry, when set, runs before each retry with the failed attempt
// number and its error.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error, onRetry func(attempt int, err error)) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for attempt := 1; ; attempt++ {
		err = fn(ctx)
		if err == nil || !Retryable(err) || attempt >= attempts {
			return err
		}
		if ctx.Err() != nil {
			return err
		}
		if onRetry != nil {
			onRetry(attempt, err)
		}
		t := time.NewTimer(p.Delay(attempt))
		select {
		case <-ctx.Done():
			t.Stop()
			return err
		case <-t.C:
		}
	}
}
