// Package backoff retries transient failures with exponential delays.
package backoff

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// Policy controls the delay between attempts.
type Policy struct {
	Initial time.Duration
	Max     time.Duration
	Factor  float64
	// Jitter adds up to Jitter*delay of random extra wait (0 to 1).
	Jitter float64
	// Attempts is the total number of tries, including the first.
	Attempts int
}

// DefaultPolicy is used for model provider and robots.txt fetches.
func DefaultPolicy() Policy {
	return Policy{
		Initial:  250 * time.Millisecond,
		Max:      10 * time.Second,
		Factor:   2,
		Jitter:   0.1,
		Attempts: 3,
	}
}

// Delay returns the wait before attempt+1 given a random value in [0,1).
// Attempts start at 1.
func (p Policy) Delay(attempt int, random float64) time.Duration {
	exp := math.Max(float64(attempt-1), 0)
	factor := p.Factor
	if factor < 1 {
		factor = 1
	}
	base := float64(p.Initial) * math.Pow(factor, exp)
	total := base + base*p.Jitter*random
	if p.Max > 0 {
		total = math.Min(float64(p.Max), total)
	}
	return time.Duration(math.Round(total))
}

// permanent marks an error that must not be retried.
type permanent struct{ err error }

func (p *permanent) Error() string { return p.err.Error() }
func (p *permanent) Unwrap() error { return p.err }

// Permanent wraps err so Retry returns it immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanent{err: err}
}

// IsPermanent reports whether err was wrapped with Permanent.
func IsPermanent(err error) bool {
	var p *permanent
	return errors.As(err, &p)
}

// Retry calls fn until it succeeds, returns a Permanent error, the context
// ends, or the policy's attempts run out. The last error from fn is
// returned, unwrapped from Permanent.
func Retry[T any](ctx context.Context, p Policy, fn func(ctx context.Context, attempt int) (T, error)) (T, error) {
	var zero T
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return zero, lastErr
			}
			return zero, err
		}

		value, err := fn(ctx, attempt)
		if err == nil {
			return value, nil
		}
		var perm *permanent
		if errors.As(err, &perm) {
			return zero, perm.err
		}
		lastErr = err

		if attempt < attempts {
			if err := Sleep(ctx, p.Delay(attempt, rand.Float64())); err != nil { // #nosec G404 -- jitter only
				return zero, lastErr
			}
		}
	}
	return zero, lastErr
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
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
