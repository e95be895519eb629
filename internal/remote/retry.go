package remote

import (
	"context"
	"math"
	"math/rand/v2"
	"time"
)

// RetryPolicy is the exponential backoff applied to remote calls that failed
// with a network error or a temporary status.
type RetryPolicy struct {
	MaxRetries    int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	// Jitter spreads each delay by up to this fraction, in [0, 1].
	Jitter float64
}

// NextDelay returns delay for a given attempt (1-based) with clamping.
func (r RetryPolicy) NextDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if r.InitialDelay <= 0 {
		r.InitialDelay = time.Second
	}
	if r.BackoffFactor <= 0 {
		r.BackoffFactor = 2
	}

	delay := float64(r.InitialDelay) * math.Pow(r.BackoffFactor, float64(attempt-1))
	d := time.Duration(delay)
	if r.MaxDelay > 0 && d > r.MaxDelay {
		d = r.MaxDelay
	}
	if d <= 0 {
		d = time.Second
	}
	return d
}

// jittered shortens d by a random share of at most Jitter.
func (r RetryPolicy) jittered(d time.Duration) time.Duration {
	if r.Jitter <= 0 {
		return d
	}
	j := math.Min(r.Jitter, 1)
	return d - time.Duration(rand.Float64()*j*float64(d))
}

// wait sleeps for the attempt's delay unless ctx ends first.
func (r RetryPolicy) wait(ctx context.Context, attempt int) error {
	t := time.NewTimer(r.jittered(r.NextDelay(attempt)))
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
