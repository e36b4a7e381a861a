// Package retry holds the backoff policy shared by upstream calls. It knows
// nothing about credentials: callers decide what changes between attempts.
package retry

import (
	"context"
	"math/rand/v2"
	"time"
)

type Policy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	MaxJitter  time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		MaxRetries: 3,
		BaseDelay:  time.Second,
		MaxDelay:   10 * time.Second,
		MaxJitter:  time.Second,
	}
}

// Attempts is the total number of tries allowed when rotating over poolSize
// credentials: min(MaxRetries, poolSize), never less than one.
func (p Policy) Attempts(poolSize int) int {
	n := p.MaxRetries
	if poolSize < n {
		n = poolSize
	}
	if n < 1 {
		n = 1
	}
	return n
}

// Backoff returns min(2^attempt * BaseDelay + jitter, MaxDelay). A positive
// hint, such as a server's Retry-After, raises the wait but never past MaxDelay.
func (p Policy) Backoff(attempt int, hint time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt > 30 {
		attempt = 30
	}
	d := p.BaseDelay * time.Duration(1<<attempt)
	if p.MaxJitter > 0 {
		d += rand.N(p.MaxJitter)
	}
	if hint > d {
		d = hint
	}
	if p.MaxDelay > 0 && (d > p.MaxDelay || d < 0) {
		d = p.MaxDelay
	}
	return d
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

// Do runs fn up to attempts times, sleeping Backoff between tries while
// retryable reports the error as transient. hint extracts a server-provided
// minimum wait from the error and may be nil.
func (p Policy) Do(ctx context.Context, attempts int, fn func(attempt int) error, retryable func(error) bool, hint func(error) time.Duration) error {
	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		err = fn(attempt)
		if err == nil {
			return nil
		}
		if !retryable(err) || attempt == attempts-1 {
			return err
		}

		var h time.Duration
		if hint != nil {
			h = hint(err)
		}
		if serr := Sleep(ctx, p.Backoff(attempt, h)); serr != nil {
			return err
		}
	}
	return err
}
