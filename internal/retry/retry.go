// Package retry provides exponential backoff shared by outbound clients.
package retry

import (
	"context"
	"math"
	"math/rand/v2"
	"time"
)

// Policy bounds a retry envelope. MaxAttempts counts physical attempts,
// including the first.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      bool
}

// Default matches the mail service envelope: three attempts, 1s base.
var Default = Policy{
	MaxAttempts: 3,
	BaseDelay:   time.Second,
	MaxDelay:    30 * time.Second,
}

// Delay returns the wait before retry number n (0-based): BaseDelay * 2^n,
// capped at MaxDelay. Jitter adds up to a quarter of the delay.
func (p Policy) Delay(n int) time.Duration {
	if n < 0 {
		n = 0
	}
	d := time.Duration(float64(p.BaseDelay) * math.Pow(2, float64(n)))
	if p.MaxDelay > 0 && (d > p.MaxDelay || d < 0) {
		d = p.MaxDelay
	}
	if p.Jitter && d > 0 {
		d += time.Duration(rand.Int64N(int64(d/4) + 1))
	}
	return d
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Sleep blocks only the calling goroutine and returns ctx.Err() on cancellation.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Do calls fn until it succeeds, retryable reports false, or the attempts
// are exhausted. The last error is returned unchanged.
func Do(ctx context.Context, p Policy, sleep SleepFunc, retryable func(error) bool, fn func(ctx context.Context) error) error {
	if sleep == nil {
		sleep = Sleep
	}
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if serr := sleep(ctx, p.Delay(attempt-1)); serr != nil {
				return serr
			}
		}
		if err = fn(ctx); err == nil {
			return nil
		}
		if ctx.Err() != nil || !retryable(err) {
			return err
		}
	}
	return err
}
