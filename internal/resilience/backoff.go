package resilience

import (
	"context"
	"math"
	"math/rand/v2"
	"time"
)

// Backoff computes exponential delays with jitter between healing attempts.
// The zero value disables waiting.
type Backoff struct {
	// Initial is the delay before the second attempt. Zero disables backoff.
	Initial time.Duration

	// Max caps the computed delay. Default: 30s.
	Max time.Duration

	// Multiplier scales the delay after each attempt. Default: 2.0.
	Multiplier float64

	// Jitter adds random jitter as a fraction of the computed delay
	// (0.0 = none, 0.5 = ±50%).
	Jitter float64
}

// NewBackoff builds a Backoff from millisecond config values.
func NewBackoff(initialMs, maxMs int) Backoff {
	b := Backoff{
		Initial:    time.Duration(initialMs) * time.Millisecond,
		Max:        time.Duration(maxMs) * time.Millisecond,
		Multiplier: 2.0,
		Jitter:     0.25,
	}
	if b.Max <= 0 {
		b.Max = 30 * time.Second
	}
	return b
}

// Enabled reports whether Wait ever sleeps.
func (b Backoff) Enabled() bool {
	return b.Initial > 0
}

// Delay returns the wait before attempt n+1, where n counts completed attempts from 1.
func (b Backoff) Delay(n int) time.Duration {
	if !b.Enabled() || n < 1 {
		return 0
	}
	mult := b.Multiplier
	if mult <= 0 {
		mult = 2.0
	}
	delay := float64(b.Initial) * math.Pow(mult, float64(n-1))
	if b.Max > 0 && delay > float64(b.Max) {
		delay = float64(b.Max)
	}

	if b.Jitter > 0 {
		spread := delay * b.Jitter
		delay += (rand.Float64()*2 - 1) * spread
	}

	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

// Wait sleeps for Delay(n) or until ctx is done, returning ctx.Err() in the latter case.
func (b Backoff) Wait(ctx context.Context, n int) error {
	d := b.Delay(n)
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Retry calls fn until it succeeds, shouldRetry rejects the error, or attempts run out.
// Context cancellation stops retries immediately.
func Retry(ctx context.Context, attempts int, b Backoff, shouldRetry func(error) bool, fn func(ctx context.Context) error) error {
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for n := 1; n <= attempts; n++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil || !shouldRetry(lastErr) || n == attempts {
			return lastErr
		}
		if err := b.Wait(ctx, n); err != nil {
			return lastErr
		}
	}
	return lastErr
}
